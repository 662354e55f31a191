package chatterbox

import "sync"

// Default size of the registered users table
const DefaultNBuckets = 1024

// User is one registered nickname. Fd is the current descriptor or -1
// while the user is offline. Each user exclusively owns its history.
type User struct {
	Name    string
	Fd      int
	History *History
}

type userOnline struct {
	name string
	fd   int
}

// UsersDB is the server user directory: the sharded table of
// registered users plus the fixed slot array of users currently
// online. The slot array is the single source of truth for the online
// count.
//
// Lock ordering: Connect and Unregister take the hash section first
// and the online mutex second; DisconnectFd takes the online mutex,
// releases it, then takes the section. No path holds both in the
// opposite order.
type UsersDB struct {
	db             *HashTable
	usersOnline    []userOnline
	nUsersOnline   int
	onlineMtx      sync.Mutex
	historySize    int
	maxConnections int
}

// NewUsersDB initializes the directory. nbuckets falls back to
// DefaultNBuckets when not positive.
func NewUsersDB(nbuckets int, maxConnections int, historySize int) *UsersDB {
	if maxConnections <= 0 {
		return nil
	}
	if nbuckets <= 0 {
		nbuckets = DefaultNBuckets
	}
	udb := &UsersDB{
		db:             NewHashTable(nbuckets),
		usersOnline:    make([]userOnline, maxConnections),
		historySize:    historySize,
		maxConnections: maxConnections,
	}
	for i := range udb.usersOnline {
		udb.usersOnline[i].name = ""
		udb.usersOnline[i].fd = -1
	}
	return udb
}

// addUserOnline claims the first empty slot with a first fit scan
// under the online mutex. Fails with ErrServerFull when no slot is
// free.
func (udb *UsersDB) addUserOnline(name string, fd int) error {
	udb.onlineMtx.Lock()
	defer udb.onlineMtx.Unlock()
	for i := range udb.usersOnline {
		if udb.usersOnline[i].name == "" {
			udb.usersOnline[i].name = name
			udb.usersOnline[i].fd = fd
			udb.nUsersOnline++
			return nil
		}
	}
	return ErrServerFull
}

// deleteUserOnline clears the slot of name under the online mutex.
func (udb *UsersDB) deleteUserOnline(name string) error {
	udb.onlineMtx.Lock()
	defer udb.onlineMtx.Unlock()
	for i := range udb.usersOnline {
		if udb.usersOnline[i].name == name {
			udb.usersOnline[i].name = ""
			udb.usersOnline[i].fd = -1
			udb.nUsersOnline--
			return nil
		}
	}
	return ErrKeyNotFound
}

// Register creates a new offline user with an empty history. Fails
// with ErrNickAlready if the nickname is taken.
func (udb *UsersDB) Register(name string) error {
	if name == "" {
		return ErrIllegalArgument
	}
	udb.db.LockSection(name)
	defer udb.db.UnlockSection(name)
	user := &User{
		Name:    name,
		Fd:      -1,
		History: NewHistory(udb.historySize),
	}
	if err := udb.db.Insert(name, user); err != nil {
		return ErrNickAlready
	}
	return nil
}

// Unregister removes a user, clearing its online slot first when
// present, and destroys its history. Returns whether the user was
// online at removal together with the error.
func (udb *UsersDB) Unregister(name string) (bool, error) {
	if name == "" {
		return false, ErrIllegalArgument
	}
	udb.db.LockSection(name)
	defer udb.db.UnlockSection(name)
	user := udb.db.Find(name)
	if user == nil {
		return false, ErrNickUnknown
	}
	wasOnline := user.Fd != -1
	if wasOnline {
		udb.deleteUserOnline(name)
	}
	err := udb.db.Delete(name, func(u *User) { u.History = nil })
	return wasOnline, err
}

// Connect transitions a registered user to online on fd, claiming an
// online slot. Fails with ErrNickUnknown, ErrAlreadyOnline or
// ErrServerFull.
func (udb *UsersDB) Connect(name string, fd int) error {
	if name == "" || fd < 0 {
		return ErrIllegalArgument
	}
	udb.db.LockSection(name)
	defer udb.db.UnlockSection(name)
	user := udb.db.Find(name)
	if user == nil {
		return ErrNickUnknown
	}
	if user.Fd != -1 {
		return ErrAlreadyOnline
	}
	if err := udb.addUserOnline(name, fd); err != nil {
		return err
	}
	user.Fd = fd
	return nil
}

// Disconnect marks a user offline by name.
func (udb *UsersDB) Disconnect(name string) error {
	if name == "" {
		return ErrIllegalArgument
	}
	udb.db.LockSection(name)
	defer udb.db.UnlockSection(name)
	user := udb.db.Find(name)
	if user == nil {
		return ErrNickUnknown
	}
	if user.Fd == -1 {
		return ErrAlreadyOffline
	}
	user.Fd = -1
	return udb.deleteUserOnline(name)
}

// DisconnectFd marks offline the user currently bound to fd. The slot
// array scan recovers the nickname and clears the slot under the
// online mutex; the descriptor field is then cleared under the section
// lock. Fails with ErrKeyNotFound when no slot holds fd.
func (udb *UsersDB) DisconnectFd(fd int) error {
	if fd < 0 {
		return ErrIllegalArgument
	}
	name := ""
	udb.onlineMtx.Lock()
	for i := range udb.usersOnline {
		if udb.usersOnline[i].fd == fd {
			name = udb.usersOnline[i].name
			udb.usersOnline[i].name = ""
			udb.usersOnline[i].fd = -1
			udb.nUsersOnline--
			break
		}
	}
	udb.onlineMtx.Unlock()
	if name == "" {
		return ErrKeyNotFound
	}

	udb.db.LockSection(name)
	defer udb.db.UnlockSection(name)
	user := udb.db.Find(name)
	if user == nil {
		return ErrNickUnknown
	}
	if user.Fd == -1 {
		return ErrAlreadyOffline
	}
	user.Fd = -1
	return nil
}

// UsersOnline returns the packed snapshot of online nicknames, one
// fixed width record per occupied slot, together with the count. The
// buffer is suitable for direct transmission as a reply payload.
func (udb *UsersDB) UsersOnline() ([]byte, int) {
	udb.onlineMtx.Lock()
	defer udb.onlineMtx.Unlock()
	list := make([]byte, 0, udb.nUsersOnline*nameFieldLen)
	n := 0
	for i := range udb.usersOnline {
		if udb.usersOnline[i].name != "" {
			record := make([]byte, nameFieldLen)
			putName(record, udb.usersOnline[i].name)
			list = append(list, record...)
			n++
		}
	}
	return list, n
}

// NOnline returns the number of users currently online.
func (udb *UsersDB) NOnline() int {
	udb.onlineMtx.Lock()
	defer udb.onlineMtx.Unlock()
	return udb.nUsersOnline
}

// GetUser returns the record registered under name, or nil. The
// reference must not be retained across Unregister; descriptor reads
// outside the section lock may observe a stale value.
func (udb *UsersDB) GetUser(name string) *User {
	if name == "" {
		return nil
	}
	udb.db.LockSection(name)
	defer udb.db.UnlockSection(name)
	return udb.db.Find(name)
}

// HistoryOf returns the history of name, or nil when not registered.
func (udb *UsersDB) HistoryOf(name string) *History {
	if name == "" {
		return nil
	}
	udb.db.LockSection(name)
	defer udb.db.UnlockSection(name)
	user := udb.db.Find(name)
	if user == nil {
		return nil
	}
	return user.History
}

// ForEachUser visits every registered user under the per bucket
// section locks.
func (udb *UsersDB) ForEachUser(fn func(user *User)) {
	udb.db.ForEachLocked(func(_ string, user *User) { fn(user) })
}
