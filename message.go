package chatterbox

import "encoding/binary"

// Maximum nickname length accepted on the wire. Names occupy a fixed
// zero padded field of MaxNameLength+1 bytes so that existing clients
// interoperate bit-exactly.
const MaxNameLength = 32

const nameFieldLen = MaxNameLength + 1

// Wire sizes of the two fixed parts of a frame
const (
	msgHdrLen  = 1 + nameFieldLen
	dataHdrLen = nameFieldLen + 4
)

// MessageHdr is the first part of a frame: operation code and sender
// nickname.
type MessageHdr struct {
	Op     Op
	Sender string
}

// MessageDataHdr carries the receiver nickname and the payload length
// in bytes.
type MessageDataHdr struct {
	Receiver string
	Len      uint32
}

// MessageData is the data part of a frame: data header plus payload.
// Buf always holds exactly Len bytes, possibly zero.
type MessageData struct {
	Hdr MessageDataHdr
	Buf []byte
}

// Message is one full request or reply frame.
type Message struct {
	Hdr  MessageHdr
	Data MessageData
}

// SetHeader fills in the header part of a message
func SetHeader(hdr *MessageHdr, op Op, sender string) {
	hdr.Op = op
	hdr.Sender = sender
}

// SetData fills in the data part of a message. The declared length is
// always the exact length of buf.
func SetData(data *MessageData, receiver string, buf []byte) {
	data.Hdr.Receiver = receiver
	data.Hdr.Len = uint32(len(buf))
	data.Buf = buf
}

// NewMessage builds a full message in one call
func NewMessage(op Op, sender string, receiver string, buf []byte) *Message {
	msg := &Message{}
	SetHeader(&msg.Hdr, op, sender)
	SetData(&msg.Data, receiver, buf)
	return msg
}

// Copy returns a deep copy of the message, payload included. Delivery
// to a history always stores a copy, never a shared buffer.
func (msg *Message) Copy() *Message {
	cpy := &Message{Hdr: msg.Hdr}
	cpy.Data.Hdr = msg.Data.Hdr
	if msg.Data.Buf != nil {
		cpy.Data.Buf = make([]byte, len(msg.Data.Buf))
		copy(cpy.Data.Buf, msg.Data.Buf)
	}
	return cpy
}

// putName writes name into a fixed zero padded field. Names longer
// than MaxNameLength are truncated.
func putName(dst []byte, name string) {
	for i := range dst[:nameFieldLen] {
		dst[i] = 0
	}
	if len(name) > MaxNameLength {
		name = name[:MaxNameLength]
	}
	copy(dst, name)
}

// getName reads a fixed field back into a string, stopping at the
// first terminator.
func getName(src []byte) string {
	for i := 0; i < nameFieldLen; i++ {
		if src[i] == 0 {
			return string(src[:i])
		}
	}
	return string(src[:nameFieldLen])
}

func (hdr *MessageHdr) marshal() []byte {
	buf := make([]byte, msgHdrLen)
	buf[0] = byte(hdr.Op)
	putName(buf[1:], hdr.Sender)
	return buf
}

func (hdr *MessageHdr) unmarshal(buf []byte) {
	hdr.Op = Op(buf[0])
	hdr.Sender = getName(buf[1:])
}

func (hdr *MessageDataHdr) marshal() []byte {
	buf := make([]byte, dataHdrLen)
	putName(buf, hdr.Receiver)
	binary.LittleEndian.PutUint32(buf[nameFieldLen:], hdr.Len)
	return buf
}

func (hdr *MessageDataHdr) unmarshal(buf []byte) {
	hdr.Receiver = getName(buf)
	hdr.Len = binary.LittleEndian.Uint32(buf[nameFieldLen:])
}
