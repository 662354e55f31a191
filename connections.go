package chatterbox

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Number of lock shards used to serialize frame I/O. Descriptor d maps
// to shard d mod NSections.
const NSections = 4

// Connections implements the frame codec over raw descriptors plus the
// per descriptor I/O serialization used by the server. With serialize
// set, a complete frame read or write is atomic against other frame
// operations on the same descriptor. Read and write use separate shard
// arrays so a blocked inbound read never stalls an outbound push on a
// descriptor sharing the shard index.
type Connections struct {
	serialize bool
	readMtx   [NSections]sync.Mutex
	writeMtx  [NSections]sync.Mutex
}

// NewConnections creates the codec. Serialization is enabled on the
// server and disabled for clients and unit tests.
func NewConnections(serialize bool) *Connections {
	return &Connections{serialize: serialize}
}

// readn reads exactly len(buf) bytes from fd, retrying on short reads
// and EINTR. Returns ErrPeerClosed if the peer closes before the first
// byte of the remaining count is seen.
func readn(fd int, buf []byte) error {
	left := len(buf)
	for left > 0 {
		r, err := unix.Read(fd, buf[len(buf)-left:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if r == 0 {
			return ErrPeerClosed
		}
		left -= r
	}
	return nil
}

// writen writes exactly len(buf) bytes to fd, retrying on short writes
// and EINTR.
func writen(fd int, buf []byte) error {
	left := len(buf)
	for left > 0 {
		w, err := unix.Write(fd, buf[len(buf)-left:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if w == 0 {
			return ErrPeerClosed
		}
		left -= w
	}
	return nil
}

// ReadHeader reads the header part of a frame. Byte level helper, does
// not serialize.
func (c *Connections) ReadHeader(fd int, hdr *MessageHdr) error {
	buf := make([]byte, msgHdrLen)
	if err := readn(fd, buf); err != nil {
		return err
	}
	hdr.unmarshal(buf)
	return nil
}

// ReadData reads the data part of a frame: first the data header, then
// a payload buffer of exactly the declared length. A zero length
// payload yields an empty buffer.
func (c *Connections) ReadData(fd int, data *MessageData) error {
	buf := make([]byte, dataHdrLen)
	if err := readn(fd, buf); err != nil {
		return err
	}
	data.Hdr.unmarshal(buf)
	data.Buf = make([]byte, data.Hdr.Len)
	if data.Hdr.Len == 0 {
		return nil
	}
	return readn(fd, data.Buf)
}

// ReadMsg reads one full frame. The read is atomic against concurrent
// ReadMsg calls on the same descriptor when serialization is enabled.
func (c *Connections) ReadMsg(fd int, msg *Message) error {
	if c.serialize {
		mtx := &c.readMtx[fd%NSections]
		mtx.Lock()
		defer mtx.Unlock()
	}
	if err := c.ReadHeader(fd, &msg.Hdr); err != nil {
		return err
	}
	return c.ReadData(fd, &msg.Data)
}

// SendHeader writes the header part of a frame. Byte level helper,
// does not serialize.
func (c *Connections) SendHeader(fd int, hdr *MessageHdr) error {
	return writen(fd, hdr.marshal())
}

// SendData writes the data part of a frame. Byte level helper, does
// not serialize.
func (c *Connections) SendData(fd int, data *MessageData) error {
	if err := writen(fd, data.Hdr.marshal()); err != nil {
		return err
	}
	if data.Hdr.Len == 0 {
		return nil
	}
	return writen(fd, data.Buf)
}

// SendAck writes a header-only reply frame with an empty data part, in
// mutual exclusion with other frame writes on the same descriptor.
func (c *Connections) SendAck(fd int, hdr *MessageHdr) error {
	msg := &Message{Hdr: *hdr}
	SetData(&msg.Data, "", nil)
	return c.SendRequest(fd, msg)
}

// SendRequest writes one full frame, atomically with respect to other
// frame writes on the same descriptor.
func (c *Connections) SendRequest(fd int, msg *Message) error {
	if c.serialize {
		mtx := &c.writeMtx[fd%NSections]
		mtx.Lock()
		defer mtx.Unlock()
	}
	if err := c.SendHeader(fd, &msg.Hdr); err != nil {
		return err
	}
	return c.SendData(fd, &msg.Data)
}

// OpenConnection opens an AF_UNIX stream connection towards the server
// socket at path, retrying up to ntimes with interval between
// attempts. Returns the connected descriptor.
func OpenConnection(path string, ntimes int, interval time.Duration) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	sa := &unix.SockaddrUnix{Name: path}
	for i := 0; i < ntimes; i++ {
		err = unix.Connect(fd, sa)
		if err == nil {
			return fd, nil
		}
		if i < ntimes-1 {
			time.Sleep(interval)
		}
	}
	unix.Close(fd)
	return -1, err
}

// CloseConnection closes a descriptor obtained from OpenConnection.
func CloseConnection(fd int) error {
	return unix.Close(fd)
}
