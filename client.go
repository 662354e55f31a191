package chatterbox

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Client is the library side of the chatterbox protocol: one AF_UNIX
// connection bound to a nickname. A Client is not safe for concurrent
// use; callers that share one connection across goroutines must
// serialize externally.
type Client struct {
	fd   int
	name string
	conn *Connections
}

// Dial connects to the server socket at path, retrying up to ntimes
// with interval between attempts.
func Dial(path string, name string, ntimes int, interval time.Duration) (*Client, error) {
	fd, err := OpenConnection(path, ntimes, interval)
	if err != nil {
		return nil, err
	}
	return &Client{fd: fd, name: name, conn: NewConnections(false)}, nil
}

// Close closes the connection. The nickname stays registered on the
// server.
func (c *Client) Close() error {
	return CloseConnection(c.fd)
}

// ReadMsg reads one server frame: a reply or a pushed TXT_MESSAGE /
// FILE_MESSAGE.
func (c *Client) ReadMsg() (*Message, error) {
	msg := &Message{}
	if err := c.conn.ReadMsg(c.fd, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// request sends one frame and reads one reply frame.
func (c *Client) request(op Op, receiver string, payload []byte) (*Message, error) {
	msg := NewMessage(op, c.name, receiver, payload)
	if err := c.conn.SendRequest(c.fd, msg); err != nil {
		return nil, err
	}
	return c.ReadMsg()
}

// Register registers the nickname and connects it on this descriptor.
// On OP_OK the reply payload carries the users-online snapshot.
func (c *Client) Register() (*Message, error) {
	return c.request(REGISTER_OP, "", nil)
}

// Connect transitions the already registered nickname to online.
func (c *Client) Connect() (*Message, error) {
	return c.request(CONNECT_OP, "", nil)
}

// PostTxt sends a text message to receiver.
func (c *Client) PostTxt(receiver string, text []byte) (*Message, error) {
	return c.request(POSTTXT_OP, receiver, text)
}

// PostTxtAll broadcasts a text message to every registered user.
func (c *Client) PostTxtAll(text []byte) (*Message, error) {
	return c.request(POSTTXTALL_OP, "", text)
}

// PostFile uploads a file for receiver: a first frame carrying the
// filename as payload, then a second data part carrying the bytes.
func (c *Client) PostFile(receiver string, filename string, content []byte) (*Message, error) {
	msg := NewMessage(POSTFILE_OP, c.name, receiver, []byte(filename))
	if err := c.conn.SendRequest(c.fd, msg); err != nil {
		return nil, err
	}
	var file MessageData
	SetData(&file, receiver, content)
	if err := c.conn.SendData(c.fd, &file); err != nil {
		return nil, err
	}
	return c.ReadMsg()
}

// GetFile fetches a previously posted file by name. On OP_OK the reply
// payload is the file content.
func (c *Client) GetFile(filename string) (*Message, error) {
	return c.request(GETFILE_OP, "", []byte(filename))
}

// GetPrevMsgs drains the server side history for this nickname. The
// first reply carries the message count, followed by one frame per
// message in original order.
func (c *Client) GetPrevMsgs() ([]*Message, error) {
	reply, err := c.request(GETPREVMSGS_OP, "", nil)
	if err != nil {
		return nil, err
	}
	if reply.Hdr.Op != OP_OK {
		return nil, fmt.Errorf("GETPREVMSGS refused : %v", reply.Hdr.Op)
	}
	if reply.Data.Hdr.Len != 4 {
		return nil, fmt.Errorf("malformed history count payload of %d bytes", reply.Data.Hdr.Len)
	}
	n := binary.LittleEndian.Uint32(reply.Data.Buf)
	msgs := make([]*Message, 0, n)
	for i := uint32(0); i < n; i++ {
		msg, err := c.ReadMsg()
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// UsrList asks for the nicknames currently online.
func (c *Client) UsrList() ([]string, error) {
	reply, err := c.request(USRLIST_OP, "", nil)
	if err != nil {
		return nil, err
	}
	if reply.Hdr.Op != OP_OK {
		return nil, fmt.Errorf("USRLIST refused : %v", reply.Hdr.Op)
	}
	return ParseUserList(reply.Data.Buf), nil
}

// Unregister deletes the nickname server side.
func (c *Client) Unregister() (*Message, error) {
	return c.request(UNREGISTER_OP, c.name, nil)
}

// Disconnect marks the nickname offline without unregistering it.
func (c *Client) Disconnect() (*Message, error) {
	return c.request(DISCONNECT_OP, "", nil)
}

// ParseUserList splits a packed users-online snapshot into nicknames.
func ParseUserList(buf []byte) []string {
	names := make([]string, 0, len(buf)/nameFieldLen)
	for off := 0; off+nameFieldLen <= len(buf); off += nameFieldLen {
		names = append(names, getName(buf[off:off+nameFieldLen]))
	}
	return names
}
