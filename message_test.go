package chatterbox

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newSocketPair(t *testing.T) (int, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.Nil(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestMessageRoundTrip(t *testing.T) {
	wr, rd := newSocketPair(t)
	conn := NewConnections(false)

	sent := NewMessage(POSTTXT_OP, "alice", "bob", []byte("hi bob"))
	go func() {
		conn.SendRequest(wr, sent)
	}()

	var got Message
	require.Nil(t, conn.ReadMsg(rd, &got))
	assert.Equal(t, POSTTXT_OP, got.Hdr.Op)
	assert.Equal(t, "alice", got.Hdr.Sender)
	assert.Equal(t, "bob", got.Data.Hdr.Receiver)
	assert.EqualValues(t, 6, got.Data.Hdr.Len)
	assert.Equal(t, []byte("hi bob"), got.Data.Buf)
}

func TestMessageEmptyPayload(t *testing.T) {
	wr, rd := newSocketPair(t)
	conn := NewConnections(false)

	go func() {
		conn.SendRequest(wr, NewMessage(USRLIST_OP, "alice", "", nil))
	}()

	var got Message
	require.Nil(t, conn.ReadMsg(rd, &got))
	assert.EqualValues(t, 0, got.Data.Hdr.Len)
	assert.NotNil(t, got.Data.Buf)
	assert.Len(t, got.Data.Buf, 0)
}

func TestMessagePeerClosed(t *testing.T) {
	wr, rd := newSocketPair(t)
	conn := NewConnections(false)

	unix.Close(wr)
	var got Message
	assert.ErrorIs(t, conn.ReadMsg(rd, &got), ErrPeerClosed)
}

func TestMessageNameTruncation(t *testing.T) {
	long := "abcdefghijklmnopqrstuvwxyz0123456789"
	hdr := MessageHdr{Op: REGISTER_OP, Sender: long}
	var got MessageHdr
	got.unmarshal(hdr.marshal())
	assert.Equal(t, long[:MaxNameLength], got.Sender)
}

func TestMessageCopyIsDeep(t *testing.T) {
	msg := NewMessage(POSTTXT_OP, "alice", "bob", []byte("payload"))
	cpy := msg.Copy()
	msg.Data.Buf[0] = 'X'
	assert.Equal(t, byte('p'), cpy.Data.Buf[0])
}

// Under concurrent writers on the same descriptor every decoded frame
// must be bit identical to a frame issued by some writer.
func TestFrameAtomicity(t *testing.T) {
	wr, rd := newSocketPair(t)
	conn := NewConnections(true)

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			sender := fmt.Sprintf("writer%d", w)
			payload := make([]byte, 256)
			for i := range payload {
				payload[i] = byte(w)
			}
			for i := 0; i < perWriter; i++ {
				msg := NewMessage(TXT_MESSAGE, sender, "reader", payload)
				if err := conn.SendRequest(wr, msg); err != nil {
					t.Errorf("write failed : %v", err)
					return
				}
			}
		}(w)
	}

	reader := NewConnections(false)
	for i := 0; i < writers*perWriter; i++ {
		var got Message
		require.Nil(t, reader.ReadMsg(rd, &got))
		expected := fmt.Sprintf("writer%d", got.Data.Buf[0])
		require.Equal(t, expected, got.Hdr.Sender)
		for _, b := range got.Data.Buf {
			require.Equal(t, got.Data.Buf[0], b)
		}
	}
	wg.Wait()
}
