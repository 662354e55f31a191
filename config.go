package chatterbox

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// Defaults applied when a numeric key is missing from the
// configuration file
const (
	DefaultMaxConnections = 32
	DefaultThreadsInPool  = 8
	DefaultMaxMsgSize     = 512
	DefaultMaxFileSize    = 1024
	DefaultMaxHistMsgs    = 16
)

// ServerConf holds the server configuration parameters.
//
// UnixPath is the AF_UNIX socket path, DirName the directory where
// posted files are stored, StatFileName the statistics append target.
// MaxMsgSize is in characters, MaxFileSize in kilobytes.
type ServerConf struct {
	UnixPath       string
	DirName        string
	StatFileName   string
	MaxConnections int
	ThreadsInPool  int
	MaxMsgSize     int
	MaxFileSize    int
	MaxHistMsgs    int
}

// ParseConfig reads a "key = value" configuration file. Blank lines
// and lines starting with '#' are ignored.
func ParseConfig(path string) (*ServerConf, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	section := cfg.Section("")
	conf := &ServerConf{
		UnixPath:       section.Key("UnixPath").String(),
		DirName:        section.Key("DirName").String(),
		StatFileName:   section.Key("StatFileName").String(),
		MaxConnections: section.Key("MaxConnections").MustInt(DefaultMaxConnections),
		ThreadsInPool:  section.Key("ThreadsInPool").MustInt(DefaultThreadsInPool),
		MaxMsgSize:     section.Key("MaxMsgSize").MustInt(DefaultMaxMsgSize),
		MaxFileSize:    section.Key("MaxFileSize").MustInt(DefaultMaxFileSize),
		MaxHistMsgs:    section.Key("MaxHistMsgs").MustInt(DefaultMaxHistMsgs),
	}
	if conf.UnixPath == "" {
		return nil, fmt.Errorf("configuration: UnixPath is mandatory")
	}
	if conf.MaxConnections <= 0 || conf.ThreadsInPool <= 0 || conf.MaxHistMsgs <= 0 {
		return nil, fmt.Errorf("configuration: MaxConnections, ThreadsInPool and MaxHistMsgs must be positive")
	}
	return conf, nil
}
