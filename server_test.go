package chatterbox

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConf(t *testing.T) *ServerConf {
	dir := t.TempDir()
	return &ServerConf{
		UnixPath:       filepath.Join(dir, "chatty.sock"),
		DirName:        filepath.Join(dir, "files"),
		StatFileName:   filepath.Join(dir, "stats.txt"),
		MaxConnections: 8,
		ThreadsInPool:  4,
		MaxMsgSize:     128,
		MaxFileSize:    4,
		MaxHistMsgs:    8,
	}
}

func startServer(t *testing.T, conf *ServerConf) (*Server, chan error) {
	s := NewServer(conf)
	done := make(chan error, 1)
	go func() { done <- s.Run() }()
	t.Cleanup(func() {
		s.Stop()
		select {
		case err := <-done:
			assert.Nil(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down in time")
		}
	})
	return s, done
}

func dialServer(t *testing.T, conf *ServerConf, name string) *Client {
	client, err := Dial(conf.UnixPath, name, 50, 20*time.Millisecond)
	require.Nil(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestServerRegisterAndList(t *testing.T) {
	conf := testConf(t)
	s, _ := startServer(t, conf)
	alice := dialServer(t, conf, "alice")

	reply, err := alice.Register()
	require.Nil(t, err)
	require.Equal(t, OP_OK, reply.Hdr.Op)
	assert.Equal(t, []string{"alice"}, ParseUserList(reply.Data.Buf))

	snap := s.Stats().Snapshot()
	assert.Equal(t, 1, snap.NUsers)
	assert.Equal(t, 1, snap.NOnline)
	assert.Equal(t, 0, snap.NErrors)
}

func TestServerDuplicateRegister(t *testing.T) {
	conf := testConf(t)
	s, _ := startServer(t, conf)
	alice := dialServer(t, conf, "alice")

	reply, err := alice.Register()
	require.Nil(t, err)
	require.Equal(t, OP_OK, reply.Hdr.Op)

	reply, err = alice.Register()
	require.Nil(t, err)
	assert.Equal(t, OP_NICK_ALREADY, reply.Hdr.Op)

	snap := s.Stats().Snapshot()
	assert.Equal(t, 1, snap.NUsers)
	assert.Equal(t, 1, snap.NOnline)
	assert.Equal(t, 1, snap.NErrors)
}

func TestServerPointToPointText(t *testing.T) {
	conf := testConf(t)
	s, _ := startServer(t, conf)
	alice := dialServer(t, conf, "alice")
	bob := dialServer(t, conf, "bob")

	reply, err := alice.Register()
	require.Nil(t, err)
	require.Equal(t, OP_OK, reply.Hdr.Op)
	reply, err = bob.Register()
	require.Nil(t, err)
	require.Equal(t, OP_OK, reply.Hdr.Op)

	reply, err = alice.PostTxt("bob", []byte("hi"))
	require.Nil(t, err)
	assert.Equal(t, OP_OK, reply.Hdr.Op)

	push, err := bob.ReadMsg()
	require.Nil(t, err)
	assert.Equal(t, TXT_MESSAGE, push.Hdr.Op)
	assert.Equal(t, "alice", push.Hdr.Sender)
	assert.Equal(t, []byte("hi"), push.Data.Buf)

	msgs, err := bob.GetPrevMsgs()
	require.Nil(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("hi"), msgs[0].Data.Buf)

	// One live push plus one history drain of the same message
	assert.Equal(t, 2, s.Stats().Snapshot().NDelivered)
}

func TestServerMessageTooLong(t *testing.T) {
	conf := testConf(t)
	conf.MaxMsgSize = 4
	s, _ := startServer(t, conf)
	alice := dialServer(t, conf, "alice")

	reply, err := alice.Register()
	require.Nil(t, err)
	require.Equal(t, OP_OK, reply.Hdr.Op)

	reply, err = alice.PostTxt("alice", []byte("way too long"))
	require.Nil(t, err)
	assert.Equal(t, OP_MSG_TOOLONG, reply.Hdr.Op)
	assert.Equal(t, 1, s.Stats().Snapshot().NErrors)
}

func TestServerHistoryOverflow(t *testing.T) {
	conf := testConf(t)
	conf.MaxHistMsgs = 2
	_, _ = startServer(t, conf)
	alice := dialServer(t, conf, "alice")
	bob := dialServer(t, conf, "bob")

	reply, err := alice.Register()
	require.Nil(t, err)
	require.Equal(t, OP_OK, reply.Hdr.Op)
	reply, err = bob.Register()
	require.Nil(t, err)
	require.Equal(t, OP_OK, reply.Hdr.Op)
	reply, err = bob.Disconnect()
	require.Nil(t, err)
	require.Equal(t, OP_OK, reply.Hdr.Op)

	for _, payload := range []string{"a", "b", "c"} {
		reply, err = alice.PostTxt("bob", []byte(payload))
		require.Nil(t, err)
		require.Equal(t, OP_OK, reply.Hdr.Op)
	}

	reply, err = bob.Connect()
	require.Nil(t, err)
	require.Equal(t, OP_OK, reply.Hdr.Op)

	msgs, err := bob.GetPrevMsgs()
	require.Nil(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, TXT_MESSAGE, msgs[0].Hdr.Op)
	assert.Equal(t, "b", string(msgs[0].Data.Buf))
	assert.Equal(t, "c", string(msgs[1].Data.Buf))
}

func TestServerPostAndGetFile(t *testing.T) {
	conf := testConf(t)
	_, _ = startServer(t, conf)
	alice := dialServer(t, conf, "alice")
	bob := dialServer(t, conf, "bob")

	reply, err := alice.Register()
	require.Nil(t, err)
	require.Equal(t, OP_OK, reply.Hdr.Op)
	reply, err = bob.Register()
	require.Nil(t, err)
	require.Equal(t, OP_OK, reply.Hdr.Op)

	content := []byte("file content bytes")
	reply, err = alice.PostFile("bob", "./notes.txt", content)
	require.Nil(t, err)
	assert.Equal(t, OP_OK, reply.Hdr.Op)

	// One leading "./" is stripped before storing
	stored, err := os.ReadFile(filepath.Join(conf.DirName, "notes.txt"))
	require.Nil(t, err)
	assert.Equal(t, content, stored)

	push, err := bob.ReadMsg()
	require.Nil(t, err)
	assert.Equal(t, FILE_MESSAGE, push.Hdr.Op)
	assert.Equal(t, []byte("./notes.txt"), push.Data.Buf)

	reply, err = bob.GetFile("notes.txt")
	require.Nil(t, err)
	require.Equal(t, OP_OK, reply.Hdr.Op)
	assert.Equal(t, content, reply.Data.Buf)
}

func TestServerFileTooLarge(t *testing.T) {
	conf := testConf(t)
	conf.MaxFileSize = 1
	s, _ := startServer(t, conf)
	alice := dialServer(t, conf, "alice")

	reply, err := alice.Register()
	require.Nil(t, err)
	require.Equal(t, OP_OK, reply.Hdr.Op)

	reply, err = alice.PostFile("alice", "big.bin", make([]byte, 2049))
	require.Nil(t, err)
	assert.Equal(t, OP_MSG_TOOLONG, reply.Hdr.Op)
	assert.Equal(t, 1, s.Stats().Snapshot().NErrors)

	_, err = os.Stat(filepath.Join(conf.DirName, "big.bin"))
	assert.True(t, os.IsNotExist(err))
}

func TestServerGetMissingFile(t *testing.T) {
	conf := testConf(t)
	_, _ = startServer(t, conf)
	alice := dialServer(t, conf, "alice")

	reply, err := alice.Register()
	require.Nil(t, err)
	require.Equal(t, OP_OK, reply.Hdr.Op)

	reply, err = alice.GetFile("missing.txt")
	require.Nil(t, err)
	assert.Equal(t, OP_NO_SUCH_FILE, reply.Hdr.Op)
}

func TestServerBroadcast(t *testing.T) {
	conf := testConf(t)
	_, _ = startServer(t, conf)
	a := dialServer(t, conf, "a")
	b := dialServer(t, conf, "b")
	c := dialServer(t, conf, "c")

	for _, client := range []*Client{a, b, c} {
		reply, err := client.Register()
		require.Nil(t, err)
		require.Equal(t, OP_OK, reply.Hdr.Op)
	}

	reply, err := a.PostTxtAll([]byte("yo"))
	require.Nil(t, err)
	assert.Equal(t, OP_OK, reply.Hdr.Op)

	for _, client := range []*Client{b, c} {
		push, err := client.ReadMsg()
		require.Nil(t, err)
		assert.Equal(t, TXT_MESSAGE, push.Hdr.Op)
		assert.Equal(t, "a", push.Hdr.Sender)
		assert.Equal(t, []byte("yo"), push.Data.Buf)
	}

	// The sender's own history stays untouched
	msgs, err := a.GetPrevMsgs()
	require.Nil(t, err)
	assert.Len(t, msgs, 0)
	for _, client := range []*Client{b, c} {
		msgs, err := client.GetPrevMsgs()
		require.Nil(t, err)
		assert.Len(t, msgs, 1)
	}
}

func TestServerConnectionCap(t *testing.T) {
	conf := testConf(t)
	conf.MaxConnections = 1
	s, _ := startServer(t, conf)
	alice := dialServer(t, conf, "alice")

	reply, err := alice.Register()
	require.Nil(t, err)
	require.Equal(t, OP_OK, reply.Hdr.Op)

	late := dialServer(t, conf, "late")
	refused, err := late.ReadMsg()
	require.Nil(t, err)
	assert.Equal(t, OP_FAIL, refused.Hdr.Op)
	assert.Equal(t, 1, s.Stats().Snapshot().NErrors)

	// The first client is unaffected
	names, err := alice.UsrList()
	require.Nil(t, err)
	assert.Equal(t, []string{"alice"}, names)
}

func TestServerUnregister(t *testing.T) {
	conf := testConf(t)
	s, _ := startServer(t, conf)
	alice := dialServer(t, conf, "alice")

	reply, err := alice.Register()
	require.Nil(t, err)
	require.Equal(t, OP_OK, reply.Hdr.Op)

	reply, err = alice.Unregister()
	require.Nil(t, err)
	assert.Equal(t, OP_OK, reply.Hdr.Op)

	snap := s.Stats().Snapshot()
	assert.Equal(t, 0, snap.NUsers)
	assert.Equal(t, 0, snap.NOnline)

	reply, err = alice.Connect()
	require.Nil(t, err)
	assert.Equal(t, OP_NICK_UNKNOWN, reply.Hdr.Op)
}

func TestServerUnknownOp(t *testing.T) {
	conf := testConf(t)
	_, _ = startServer(t, conf)
	alice := dialServer(t, conf, "alice")

	reply, err := alice.request(Op(13), "", nil)
	require.Nil(t, err)
	assert.Equal(t, OP_FAIL, reply.Hdr.Op)

	// The descriptor stays usable after an answered protocol error
	reply, err = alice.request(USRLIST_OP, "", nil)
	require.Nil(t, err)
	assert.Equal(t, OP_OK, reply.Hdr.Op)
}

// Two requests pipelined on one descriptor must be answered in
// arrival order: the descriptor is re-armed only after its handler
// completes.
func TestServerFifoDispatchPerDescriptor(t *testing.T) {
	conf := testConf(t)
	_, _ = startServer(t, conf)
	alice := dialServer(t, conf, "alice")
	bob := dialServer(t, conf, "bob")

	reply, err := alice.Register()
	require.Nil(t, err)
	require.Equal(t, OP_OK, reply.Hdr.Op)
	reply, err = bob.Register()
	require.Nil(t, err)
	require.Equal(t, OP_OK, reply.Hdr.Op)

	// Send both requests before reading any reply
	first := NewMessage(POSTTXT_OP, "alice", "bob", []byte("first"))
	second := NewMessage(POSTTXT_OP, "alice", "bob", []byte("second"))
	require.Nil(t, alice.conn.SendRequest(alice.fd, first))
	require.Nil(t, alice.conn.SendRequest(alice.fd, second))
	for i := 0; i < 2; i++ {
		reply, err := alice.ReadMsg()
		require.Nil(t, err)
		assert.Equal(t, OP_OK, reply.Hdr.Op)
	}

	for _, expect := range []string{"first", "second"} {
		push, err := bob.ReadMsg()
		require.Nil(t, err)
		assert.Equal(t, expect, string(push.Data.Buf))
	}
}

func TestServerStopLeavesOneSentinel(t *testing.T) {
	conf := testConf(t)
	s := NewServer(conf)
	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	alice, err := Dial(conf.UnixPath, "alice", 50, 20*time.Millisecond)
	require.Nil(t, err)
	defer alice.Close()
	reply, err := alice.Register()
	require.Nil(t, err)
	require.Equal(t, OP_OK, reply.Hdr.Op)

	s.Stop()
	select {
	case err := <-done:
		require.Nil(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
	// All workers exited; the sentinel is back in the queue exactly once
	require.Equal(t, 1, s.queue.Len())
	assert.Equal(t, StopFD, s.queue.Pop())
	_, err = os.Stat(conf.UnixPath)
	assert.True(t, os.IsNotExist(err))
}

func TestServerSigusr1DumpsStatistics(t *testing.T) {
	conf := testConf(t)
	_, _ = startServer(t, conf)
	alice := dialServer(t, conf, "alice")
	reply, err := alice.Register()
	require.Nil(t, err)
	require.Equal(t, OP_OK, reply.Hdr.Op)

	// Leave the signal goroutine time to install its handler
	time.Sleep(50 * time.Millisecond)
	require.Nil(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if info, err := os.Stat(conf.StatFileName); err == nil && info.Size() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("statistics file was not written after SIGUSR1")
}

func TestServerSigtermShutsDown(t *testing.T) {
	conf := testConf(t)
	s := NewServer(conf)
	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	// Make sure the server is up before signalling
	alice, err := Dial(conf.UnixPath, "alice", 50, 20*time.Millisecond)
	require.Nil(t, err)
	defer alice.Close()

	time.Sleep(50 * time.Millisecond)
	require.Nil(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	select {
	case err := <-done:
		assert.Nil(t, err)
	case <-time.After(5 * time.Second):
		s.Stop()
		t.Fatal("server did not shut down on SIGTERM")
	}
}
