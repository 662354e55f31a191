package chatterbox

import "errors"

var (
	ErrIllegalArgument = errors.New("Error in function arguments")
	ErrPeerClosed      = errors.New("Peer closed the connection")
	ErrNickAlready     = errors.New("Nickname already registered")
	ErrNickUnknown     = errors.New("Nickname not registered")
	ErrAlreadyOnline   = errors.New("User is already connected")
	ErrAlreadyOffline  = errors.New("User is already disconnected")
	ErrServerFull      = errors.New("Maximum number of connections reached")
	ErrMsgTooLong      = errors.New("Message exceeds the configured size limit")
	ErrNoSuchFile      = errors.New("No such file in the server directory")
	ErrKeyAlready      = errors.New("Key already present in table")
	ErrKeyNotFound     = errors.New("Key not found in table")
)
