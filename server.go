package chatterbox

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Select timeout in microseconds. Short so that the stop flag is
// observed promptly between iterations.
const selectTimeoutUsec = 1000

// Server is the chatterbox dispatch runtime: the listening socket, the
// set of armed descriptors, the ready queue, the worker pool and the
// signal goroutine.
//
// A descriptor is disarmed before dispatch and re-armed only after its
// handler completes, so at most one worker ever holds a given
// descriptor and requests on one connection are processed strictly in
// arrival order.
type Server struct {
	conf  *ServerConf
	db    *UsersDB
	queue *Queue
	conn  *Connections
	stats Statistics

	listenFd int
	armed    map[int]struct{}
	armedMtx sync.Mutex

	stop      atomic.Bool
	wgWorkers sync.WaitGroup
	wgSignal  sync.WaitGroup
	quitSig   chan struct{}
}

// NewServer creates a server from a parsed configuration. No resource
// is acquired until Run.
func NewServer(conf *ServerConf) *Server {
	return &Server{
		conf:     conf,
		db:       NewUsersDB(DefaultNBuckets, conf.MaxConnections, conf.MaxHistMsgs),
		queue:    NewQueue(),
		conn:     NewConnections(true),
		listenFd: -1,
		armed:    map[int]struct{}{},
		quitSig:  make(chan struct{}),
	}
}

// Stats exposes the server counters.
func (s *Server) Stats() *Statistics {
	return &s.stats
}

// Stop requests a graceful shutdown, as a terminating signal would.
func (s *Server) Stop() {
	s.stop.Store(true)
}

// arm puts fd back under the control of the readiness loop.
func (s *Server) arm(fd int) {
	s.armedMtx.Lock()
	s.armed[fd] = struct{}{}
	s.armedMtx.Unlock()
}

// disarm removes fd from the readiness loop.
func (s *Server) disarm(fd int) {
	s.armedMtx.Lock()
	delete(s.armed, fd)
	s.armedMtx.Unlock()
}

// listen unlinks any stale socket file, binds the AF_UNIX stream
// socket and starts listening.
func (s *Server) listen() error {
	unix.Unlink(s.conf.UnixPath)
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return err
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: s.conf.UnixPath}); err != nil {
		unix.Close(fd)
		return err
	}
	if err := unix.Listen(fd, s.conf.MaxConnections); err != nil {
		unix.Close(fd)
		return err
	}
	s.listenFd = fd
	return nil
}

// signalLoop runs in its own goroutine and is the only receiver of the
// process signals: termination signals raise the stop flag, SIGUSR1
// appends a statistics dump.
func (s *Server) signalLoop() {
	defer s.wgSignal.Done()
	sigCh := make(chan os.Signal, 1)
	signal.Ignore(syscall.SIGPIPE)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGUSR1)
	defer signal.Stop(sigCh)
	log.Info("[SIGNAL] signal goroutine started")
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				log.Infof("[SIGNAL] received %v, shutting down", sig)
				s.stop.Store(true)
				return
			case syscall.SIGUSR1:
				log.Info("[SIGNAL] received SIGUSR1, dumping statistics")
				if err := s.stats.AppendToFile(s.conf.StatFileName); err != nil {
					log.Errorf("[SIGNAL] statistics dump failed : %v", err)
				}
			}
		case <-s.quitSig:
			return
		}
	}
}

// dropDescriptor forgets a descriptor after a transport level failure:
// the bound user, if any, goes offline and the socket is closed. The
// descriptor is not re-armed.
func (s *Server) dropDescriptor(fd int) {
	if err := s.db.DisconnectFd(fd); err == nil {
		s.stats.Update(func(st *Statistics) { st.NOnline-- })
	}
	unix.Close(fd)
}

// worker is the body of one pool thread: pop a ready descriptor, read
// one request frame, dispatch it, then re-arm the descriptor or drop
// it on failure. Popping the stop sentinel pushes it back for the
// other workers and exits.
func (s *Server) worker(id int) {
	defer s.wgWorkers.Done()
	log.Debugf("[WORKER %d] started", id)
	for {
		fd := s.queue.Pop()
		if fd == StopFD {
			s.queue.Push(fd)
			log.Debugf("[WORKER %d] stop sentinel received, exiting", id)
			return
		}
		var msg Message
		if err := s.conn.ReadMsg(fd, &msg); err != nil {
			log.Debugf("[WORKER %d] no request from client [fd:%d], disconnecting : %v", id, fd, err)
			s.dropDescriptor(fd)
			continue
		}
		log.Debugf("[WORKER %d] request %v from %q [fd:%d]", id, msg.Hdr.Op, msg.Hdr.Sender, fd)
		if err := s.handle(&msg, fd); err != nil {
			log.Errorf("[WORKER %d] handler failed for [fd:%d] : %v", id, fd, err)
			s.dropDescriptor(fd)
			continue
		}
		s.arm(fd)
	}
}

// accept handles a readable listener: accept the connection and either
// arm the new descriptor or, when the online count has already reached
// MaxConnections, answer OP_FAIL and close it on the spot.
func (s *Server) accept() {
	connFd, _, err := unix.Accept(s.listenFd)
	if err != nil {
		if err != unix.EINTR {
			log.Errorf("[SERVER] accept failed : %v", err)
		}
		return
	}
	nonline := s.db.NOnline()
	if nonline >= s.conf.MaxConnections {
		log.Infof("[SERVER] connection limit reached, refusing [fd:%d]", connFd)
		s.stats.Update(func(st *Statistics) { st.NErrors++ })
		var hdr MessageHdr
		SetHeader(&hdr, OP_FAIL, "")
		s.conn.SendAck(connFd, &hdr)
		unix.Close(connFd)
		return
	}
	log.Debugf("[SERVER] new connection [fd:%d]", connFd)
	s.arm(connFd)
}

// Run starts the server and blocks until a terminating signal (or
// Stop) completes the shutdown barrier.
func (s *Server) Run() error {
	if s.conf.DirName != "" {
		if err := os.MkdirAll(s.conf.DirName, 0755); err != nil {
			return err
		}
	}
	if err := s.listen(); err != nil {
		return err
	}
	log.Infof("[SERVER] listening on %s", s.conf.UnixPath)

	s.wgSignal.Add(1)
	go s.signalLoop()

	for i := 0; i < s.conf.ThreadsInPool; i++ {
		s.wgWorkers.Add(1)
		go s.worker(i)
	}

	scratch := make([]int, 0, s.conf.MaxConnections+1)
	for !s.stop.Load() {
		// Copy the armed set under lock into a local scratch
		scratch = scratch[:0]
		s.armedMtx.Lock()
		for fd := range s.armed {
			scratch = append(scratch, fd)
		}
		s.armedMtx.Unlock()

		var rset unix.FdSet
		rset.Zero()
		rset.Set(s.listenFd)
		fdMax := s.listenFd
		for _, fd := range scratch {
			rset.Set(fd)
			if fd > fdMax {
				fdMax = fd
			}
		}

		tv := unix.Timeval{Sec: 0, Usec: selectTimeoutUsec}
		n, err := unix.Select(fdMax+1, &rset, nil, nil, &tv)
		if err != nil || n == 0 {
			continue
		}
		if rset.IsSet(s.listenFd) {
			s.accept()
		}
		for _, fd := range scratch {
			if rset.IsSet(fd) {
				s.disarm(fd)
				s.queue.Push(fd)
			}
		}
	}

	s.shutdown()
	return nil
}

// shutdown drains the pipeline: broadcast the stop sentinel through
// the queue, join the signal goroutine and the workers, then release
// every descriptor and the socket file.
func (s *Server) shutdown() {
	log.Info("[SERVER] shutdown started")
	s.queue.Push(StopFD)
	close(s.quitSig)
	s.wgSignal.Wait()
	s.wgWorkers.Wait()

	s.armedMtx.Lock()
	for fd := range s.armed {
		unix.Close(fd)
		delete(s.armed, fd)
	}
	s.armedMtx.Unlock()

	unix.Close(s.listenFd)
	unix.Unlink(s.conf.UnixPath)
	log.Info("[SERVER] shutdown complete")
}
