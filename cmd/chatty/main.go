package main

import (
	"flag"
	"fmt"
	"os"

	chatterbox "github.com/federico-germinario/Chatterbox"
	log "github.com/sirupsen/logrus"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s -f conffile\n", os.Args[0])
}

func main() {
	confPath := flag.String("f", "", "configuration file path")
	debug := flag.Bool("d", false, "enable debug logging")
	flag.Parse()

	if *confPath == "" {
		usage()
		os.Exit(1)
	}
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	conf, err := chatterbox.ParseConfig(*confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not parse %v : %v\n", *confPath, err)
		os.Exit(1)
	}

	log.Infof("[MAIN] UnixPath: %s", conf.UnixPath)
	log.Infof("[MAIN] DirName: %s", conf.DirName)
	log.Infof("[MAIN] StatFileName: %s", conf.StatFileName)
	log.Infof("[MAIN] MaxConnections: %d", conf.MaxConnections)
	log.Infof("[MAIN] ThreadsInPool: %d", conf.ThreadsInPool)
	log.Infof("[MAIN] MaxMsgSize: %d", conf.MaxMsgSize)
	log.Infof("[MAIN] MaxFileSize: %d", conf.MaxFileSize)
	log.Infof("[MAIN] MaxHistMsgs: %d", conf.MaxHistMsgs)

	server := chatterbox.NewServer(conf)
	if err := server.Run(); err != nil {
		log.Errorf("[MAIN] server stopped with error : %v", err)
		os.Exit(1)
	}
}
