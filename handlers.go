package chatterbox

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Sender name stamped on the server generated replies that carry a
// payload
const serverName = "server"

// filePath rebuilds the on-disk path of a posted file: at most one
// leading "./" is stripped from the client supplied name before
// joining it with the configured directory.
func (s *Server) filePath(name string) string {
	name = strings.TrimPrefix(name, "./")
	return filepath.Join(s.conf.DirName, name)
}

// sendAck answers a request with a frame carrying op and an empty data
// part.
func (s *Server) sendAck(fd int, op Op) error {
	var hdr MessageHdr
	SetHeader(&hdr, op, "")
	if err := s.conn.SendAck(fd, &hdr); err != nil {
		log.Errorf("[HANDLER] sending %v to [fd:%d] failed : %v", op, fd, err)
		return err
	}
	return nil
}

// sendUsersOnline answers with OP_OK and the packed users-online
// snapshot as payload.
func (s *Server) sendUsersOnline(fd int) error {
	list, n := s.db.UsersOnline()
	reply := NewMessage(OP_OK, serverName, "", list)
	if err := s.conn.SendRequest(fd, reply); err != nil {
		log.Errorf("[HANDLER] sending users online to [fd:%d] failed : %v", fd, err)
		return err
	}
	log.Debugf("[HANDLER] sent %d online users to [fd:%d]", n, fd)
	return nil
}

// handle dispatches one parsed request to its operation handler.
// A nil return means the descriptor can be re-armed; an error return
// means the request could not be answered and the descriptor must be
// dropped. Protocol level failures are answered with the matching
// reply opcode and count as handled.
func (s *Server) handle(msg *Message, clientFd int) error {
	switch msg.Hdr.Op {
	case REGISTER_OP:
		return s.registerOp(msg, clientFd)
	case CONNECT_OP:
		return s.connectOp(msg, clientFd)
	case POSTTXT_OP:
		return s.postTxtOp(msg, clientFd)
	case POSTTXTALL_OP:
		return s.postTxtAllOp(msg, clientFd)
	case POSTFILE_OP:
		return s.postFileOp(msg, clientFd)
	case GETFILE_OP:
		return s.getFileOp(msg, clientFd)
	case GETPREVMSGS_OP:
		return s.getPrevMsgsOp(msg, clientFd)
	case USRLIST_OP:
		return s.usrListOp(msg, clientFd)
	case UNREGISTER_OP:
		return s.unregisterOp(msg, clientFd)
	case DISCONNECT_OP:
		return s.disconnectOp(msg, clientFd)
	default:
		log.Errorf("[HANDLER] unknown operation %d from %q", msg.Hdr.Op, msg.Hdr.Sender)
		s.stats.Update(func(st *Statistics) { st.NErrors++ })
		return s.sendAck(clientFd, OP_FAIL)
	}
}

// registerOp registers the sender and immediately transitions it to
// online on the same descriptor, answering OP_OK with the users-online
// snapshot.
func (s *Server) registerOp(msg *Message, clientFd int) error {
	sender := msg.Hdr.Sender
	log.Infof("[HANDLER] REGISTER_OP: %s", sender)

	err := s.db.Register(sender)
	if errors.Is(err, ErrNickAlready) {
		s.stats.Update(func(st *Statistics) { st.NErrors++ })
		log.Infof("[HANDLER] %s already registered", sender)
		return s.sendAck(clientFd, OP_NICK_ALREADY)
	}
	if err != nil {
		s.stats.Update(func(st *Statistics) { st.NErrors++ })
		return s.sendAck(clientFd, OP_FAIL)
	}
	s.stats.Update(func(st *Statistics) { st.NUsers++ })

	if err := s.db.Connect(sender, clientFd); err != nil {
		s.stats.Update(func(st *Statistics) { st.NErrors++ })
		log.Errorf("[HANDLER] connecting %s after registration failed : %v", sender, err)
		return s.sendAck(clientFd, OP_FAIL)
	}
	s.stats.Update(func(st *Statistics) { st.NOnline++ })
	log.Infof("[HANDLER] %s registered and connected", sender)
	return s.sendUsersOnline(clientFd)
}

// connectOp transitions an existing user to online on this descriptor.
func (s *Server) connectOp(msg *Message, clientFd int) error {
	sender := msg.Hdr.Sender
	log.Infof("[HANDLER] CONNECT_OP: %s", sender)

	err := s.db.Connect(sender, clientFd)
	if errors.Is(err, ErrNickUnknown) {
		s.stats.Update(func(st *Statistics) { st.NErrors++ })
		return s.sendAck(clientFd, OP_NICK_UNKNOWN)
	}
	if err != nil {
		s.stats.Update(func(st *Statistics) { st.NErrors++ })
		return s.sendAck(clientFd, OP_FAIL)
	}
	s.stats.Update(func(st *Statistics) { st.NOnline++ })
	log.Infof("[HANDLER] %s connected", sender)
	return s.sendUsersOnline(clientFd)
}

// deliverTxt pushes a TXT_MESSAGE copy to the receiver when online and
// always appends a copy to the receiver's history, updating the text
// counters.
func (s *Server) deliverTxt(user *User, msg *Message) {
	tosend := msg.Copy()
	tosend.Hdr.Op = TXT_MESSAGE
	if user.Fd != -1 {
		if err := s.conn.SendRequest(user.Fd, tosend); err != nil {
			log.Errorf("[HANDLER] pushing message to %s failed : %v", user.Name, err)
			s.stats.Update(func(st *Statistics) { st.NErrors++ })
		} else {
			s.stats.Update(func(st *Statistics) {
				st.NNotDelivered--
				st.NDelivered++
			})
		}
	}
	user.History.Insert(tosend)
	s.stats.Update(func(st *Statistics) { st.NNotDelivered++ })
}

// postTxtOp sends a text message to one nickname.
func (s *Server) postTxtOp(msg *Message, clientFd int) error {
	sender := msg.Hdr.Sender
	receiver := msg.Data.Hdr.Receiver
	log.Infof("[HANDLER] POSTTXT_OP: %s -> %s", sender, receiver)

	if int(msg.Data.Hdr.Len) > s.conf.MaxMsgSize {
		s.stats.Update(func(st *Statistics) { st.NErrors++ })
		return s.sendAck(clientFd, OP_MSG_TOOLONG)
	}
	user := s.db.GetUser(receiver)
	if user == nil {
		s.stats.Update(func(st *Statistics) { st.NErrors++ })
		return s.sendAck(clientFd, OP_NICK_UNKNOWN)
	}
	s.deliverTxt(user, msg)
	return s.sendAck(clientFd, OP_OK)
}

// postTxtAllOp broadcasts a text message to every registered user
// except the sender. Delivery to online users is best effort; every
// recipient's history gains a copy.
func (s *Server) postTxtAllOp(msg *Message, clientFd int) error {
	sender := msg.Hdr.Sender
	log.Infof("[HANDLER] POSTTXTALL_OP: %s", sender)

	if int(msg.Data.Hdr.Len) > s.conf.MaxMsgSize {
		s.stats.Update(func(st *Statistics) { st.NErrors++ })
		return s.sendAck(clientFd, OP_MSG_TOOLONG)
	}
	s.db.ForEachUser(func(user *User) {
		if user.Name == sender {
			return
		}
		s.deliverTxt(user, msg)
	})
	return s.sendAck(clientFd, OP_OK)
}

// postFileOp reads the file bytes from a second data frame, persists
// them under the configured directory with the name carried by the
// first frame, then notifies the receiver like postTxtOp does.
func (s *Server) postFileOp(msg *Message, clientFd int) error {
	sender := msg.Hdr.Sender
	receiver := msg.Data.Hdr.Receiver
	log.Infof("[HANDLER] POSTFILE_OP: %s -> %s", sender, receiver)

	var file MessageData
	if err := s.conn.ReadData(clientFd, &file); err != nil {
		log.Errorf("[HANDLER] reading file data from [fd:%d] failed : %v", clientFd, err)
		return err
	}

	if int(file.Hdr.Len)/1024 > s.conf.MaxFileSize {
		s.stats.Update(func(st *Statistics) { st.NErrors++ })
		return s.sendAck(clientFd, OP_MSG_TOOLONG)
	}

	path := s.filePath(string(msg.Data.Buf))
	if err := os.WriteFile(path, file.Buf, 0644); err != nil {
		log.Errorf("[HANDLER] writing %s failed : %v", path, err)
		s.stats.Update(func(st *Statistics) { st.NErrors++ })
		return s.sendAck(clientFd, OP_FAIL)
	}
	log.Debugf("[HANDLER] stored %d bytes in %s", file.Hdr.Len, path)

	user := s.db.GetUser(receiver)
	if user == nil {
		s.stats.Update(func(st *Statistics) { st.NErrors++ })
		return s.sendAck(clientFd, OP_NICK_UNKNOWN)
	}

	notification := msg.Copy()
	notification.Hdr.Op = FILE_MESSAGE
	if user.Fd != -1 {
		if err := s.conn.SendRequest(user.Fd, notification); err != nil {
			log.Errorf("[HANDLER] pushing file notification to %s failed : %v", user.Name, err)
			s.stats.Update(func(st *Statistics) { st.NErrors++ })
		} else {
			s.stats.Update(func(st *Statistics) {
				st.NFileNotDelivered--
				st.NFileDelivered++
			})
		}
	}
	user.History.Insert(notification)
	s.stats.Update(func(st *Statistics) { st.NFileNotDelivered++ })
	return s.sendAck(clientFd, OP_OK)
}

// getFileOp streams a stored file back as one OP_OK reply whose
// payload is the file bytes.
func (s *Server) getFileOp(msg *Message, clientFd int) error {
	sender := msg.Hdr.Sender
	log.Infof("[HANDLER] GETFILE_OP: %s", sender)

	path := s.filePath(string(msg.Data.Buf))
	info, err := os.Stat(path)
	if err != nil {
		s.stats.Update(func(st *Statistics) { st.NErrors++ })
		return s.sendAck(clientFd, OP_NO_SUCH_FILE)
	}
	if int(info.Size())/1024 > s.conf.MaxFileSize {
		s.stats.Update(func(st *Statistics) { st.NErrors++ })
		return s.sendAck(clientFd, OP_MSG_TOOLONG)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		s.stats.Update(func(st *Statistics) { st.NErrors++ })
		return s.sendAck(clientFd, OP_NO_SUCH_FILE)
	}
	reply := NewMessage(OP_OK, serverName, "", content)
	if err := s.conn.SendRequest(clientFd, reply); err != nil {
		log.Errorf("[HANDLER] sending file to [fd:%d] failed : %v", clientFd, err)
		return err
	}
	return nil
}

// getPrevMsgsOp drains the sender's history: first an OP_OK reply
// whose payload is the 4-byte message count, then one frame per
// drained message in original order. Counters move from the
// not-delivered to the delivered column as messages leave the history.
func (s *Server) getPrevMsgsOp(msg *Message, clientFd int) error {
	sender := msg.Hdr.Sender
	log.Infof("[HANDLER] GETPREVMSGS_OP: %s", sender)

	history := s.db.HistoryOf(sender)
	if history == nil {
		s.stats.Update(func(st *Statistics) { st.NErrors++ })
		return s.sendAck(clientFd, OP_NICK_UNKNOWN)
	}
	msgs := history.Drain()

	count := make([]byte, 4)
	binary.LittleEndian.PutUint32(count, uint32(len(msgs)))
	reply := NewMessage(OP_OK, serverName, "", count)
	if err := s.conn.SendRequest(clientFd, reply); err != nil {
		log.Errorf("[HANDLER] sending history count to [fd:%d] failed : %v", clientFd, err)
		return err
	}

	for _, old := range msgs {
		if old.Hdr.Op == TXT_MESSAGE {
			s.stats.Update(func(st *Statistics) {
				st.NNotDelivered--
				st.NDelivered++
			})
		} else {
			s.stats.Update(func(st *Statistics) {
				st.NFileNotDelivered--
				st.NFileDelivered++
			})
		}
		if err := s.conn.SendRequest(clientFd, old); err != nil {
			log.Errorf("[HANDLER] sending history message to [fd:%d] failed : %v", clientFd, err)
			return err
		}
	}
	log.Debugf("[HANDLER] sent %d history messages to %s", len(msgs), sender)
	return nil
}

// usrListOp answers with the users-online snapshot.
func (s *Server) usrListOp(msg *Message, clientFd int) error {
	log.Infof("[HANDLER] USRLIST_OP: %s", msg.Hdr.Sender)
	return s.sendUsersOnline(clientFd)
}

// unregisterOp deletes the sender, history included.
func (s *Server) unregisterOp(msg *Message, clientFd int) error {
	sender := msg.Hdr.Sender
	log.Infof("[HANDLER] UNREGISTER_OP: %s", sender)

	wasOnline, err := s.db.Unregister(sender)
	if errors.Is(err, ErrNickUnknown) {
		s.stats.Update(func(st *Statistics) { st.NErrors++ })
		return s.sendAck(clientFd, OP_NICK_UNKNOWN)
	}
	if err != nil {
		s.stats.Update(func(st *Statistics) { st.NErrors++ })
		return s.sendAck(clientFd, OP_FAIL)
	}
	s.stats.Update(func(st *Statistics) {
		st.NUsers--
		if wasOnline {
			st.NOnline--
		}
	})
	log.Infof("[HANDLER] %s unregistered", sender)
	return s.sendAck(clientFd, OP_OK)
}

// disconnectOp marks the sender offline.
func (s *Server) disconnectOp(msg *Message, clientFd int) error {
	sender := msg.Hdr.Sender
	log.Infof("[HANDLER] DISCONNECT_OP: %s", sender)

	err := s.db.Disconnect(sender)
	if errors.Is(err, ErrNickUnknown) || errors.Is(err, ErrAlreadyOffline) {
		s.stats.Update(func(st *Statistics) { st.NErrors++ })
		return s.sendAck(clientFd, OP_NICK_UNKNOWN)
	}
	if err != nil {
		s.stats.Update(func(st *Statistics) { st.NErrors++ })
		return s.sendAck(clientFd, OP_FAIL)
	}
	s.stats.Update(func(st *Statistics) { st.NOnline-- })
	return s.sendAck(clientFd, OP_OK)
}
