package chatterbox

// Op is the operation code carried in a message header.
type Op uint8

// Client request operations
const (
	REGISTER_OP    Op = 0
	CONNECT_OP     Op = 1
	POSTTXT_OP     Op = 2
	POSTTXTALL_OP  Op = 3
	POSTFILE_OP    Op = 4
	GETFILE_OP     Op = 5
	GETPREVMSGS_OP Op = 6
	USRLIST_OP     Op = 7
	UNREGISTER_OP  Op = 8
	DISCONNECT_OP  Op = 9

	OP_END Op = 14
)

// Server replies
const (
	OP_OK           Op = 15
	OP_FAIL         Op = 16
	OP_NICK_ALREADY Op = 17
	OP_NICK_UNKNOWN Op = 18
	OP_MSG_TOOLONG  Op = 19
	OP_NO_SUCH_FILE Op = 20
)

// Server initiated pushes towards a connected recipient
const (
	TXT_MESSAGE  Op = 21
	FILE_MESSAGE Op = 22
)

var opNameMap = map[Op]string{
	REGISTER_OP:     "REGISTER_OP",
	CONNECT_OP:      "CONNECT_OP",
	POSTTXT_OP:      "POSTTXT_OP",
	POSTTXTALL_OP:   "POSTTXTALL_OP",
	POSTFILE_OP:     "POSTFILE_OP",
	GETFILE_OP:      "GETFILE_OP",
	GETPREVMSGS_OP:  "GETPREVMSGS_OP",
	USRLIST_OP:      "USRLIST_OP",
	UNREGISTER_OP:   "UNREGISTER_OP",
	DISCONNECT_OP:   "DISCONNECT_OP",
	OP_OK:           "OP_OK",
	OP_FAIL:         "OP_FAIL",
	OP_NICK_ALREADY: "OP_NICK_ALREADY",
	OP_NICK_UNKNOWN: "OP_NICK_UNKNOWN",
	OP_MSG_TOOLONG:  "OP_MSG_TOOLONG",
	OP_NO_SUCH_FILE: "OP_NO_SUCH_FILE",
	TXT_MESSAGE:     "TXT_MESSAGE",
	FILE_MESSAGE:    "FILE_MESSAGE",
}

func (op Op) String() string {
	name, ok := opNameMap[op]
	if !ok {
		return "UNKNOWN_OP"
	}
	return name
}
