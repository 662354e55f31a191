package chatterbox

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Statistics is the set of server counters. All mutations go through
// the methods below, which hold the internal mutex for the duration of
// the update.
type Statistics struct {
	mtx               sync.Mutex
	NUsers            int
	NOnline           int
	NDelivered        int
	NNotDelivered     int
	NFileDelivered    int
	NFileNotDelivered int
	NErrors           int
}

// Update applies fn under the statistics mutex.
func (s *Statistics) Update(fn func(s *Statistics)) {
	s.mtx.Lock()
	fn(s)
	s.mtx.Unlock()
}

// Snapshot returns a consistent copy of the counters.
func (s *Statistics) Snapshot() Statistics {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return Statistics{
		NUsers:            s.NUsers,
		NOnline:           s.NOnline,
		NDelivered:        s.NDelivered,
		NNotDelivered:     s.NNotDelivered,
		NFileDelivered:    s.NFileDelivered,
		NFileNotDelivered: s.NFileNotDelivered,
		NErrors:           s.NErrors,
	}
}

// AppendToFile appends one statistics line to the file at path,
// creating it if needed. Line format:
// <unix time> - <users> <online> <delivered> <not delivered>
// <file delivered> <file not delivered> <errors>
func (s *Statistics) AppendToFile(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	snap := s.Snapshot()
	_, err = fmt.Fprintf(f, "%d - %d %d %d %d %d %d %d\n",
		time.Now().Unix(),
		snap.NUsers, snap.NOnline,
		snap.NDelivered, snap.NNotDelivered,
		snap.NFileDelivered, snap.NFileNotDelivered,
		snap.NErrors)
	return err
}
