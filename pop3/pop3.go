// Package pop3 holds the types shared between the POP3 connection FSM
// (pop3server) and whatever backs it.
//
// It has no notion of wire syntax — that lives in pop3server's command
// parsing — and no notion of sockets.
package pop3

import (
	"errors"
	"io"
)

// ErrNotSupported is returned by LoginAPOP when a DataStore has no APOP
// credential to check against (most app-password-based stores never do).
var ErrNotSupported = errors.New("pop3: not supported")

// MessageInfo is the per-message listing used by STAT/LIST/UIDL.
type MessageInfo struct {
	Num  int    // 1-based message number, stable for the session's lifetime
	Size int64  // RFC822 octet count
	UID  string // stable identifier, used by UIDL; never reused once assigned
}

// Maildrop is one user's POP3 mailbox, opened for the duration of a single
// session. It is never shared across connections: Login creates a fresh
// Maildrop per session, mirroring the way imap.Session is exclusively owned
// by its Conn.
//
// Message numbers are 1-based and dense across undeleted messages at the
// start of the session (RFC 1939 §3); once a message is marked deleted with
// Delete, its Num stays valid for the rest of the session (so a client that
// pipelines DELE 3 / DELE 3 doesn't get confused), but it is omitted from
// List/Stat.
//
// Deletions are deferred: nothing is actually removed until Close(true),
// which is the UPDATE state of RFC 1939 §5. Reset, a connection that drops
// before QUIT, or Close(false) discards every pending Delete.
type Maildrop interface {
	// Stat returns the number of undeleted messages and their total size.
	Stat() (count int, octets int64, err error)

	// List returns the MessageInfo of every undeleted message, ascending
	// by Num.
	List() ([]MessageInfo, error)

	// Info returns the MessageInfo for one message number. It returns an
	// error if num is out of range or already marked deleted.
	Info(num int) (MessageInfo, error)

	// Retrieve opens the full RFC822 message for streaming to the client.
	// The caller closes the returned reader once done.
	Retrieve(num int) (io.ReadCloser, error)

	// Top opens the message's header block followed by at most n lines of
	// its body (RFC 1939 TOP). n == 0 is legal and returns headers only.
	Top(num int, n int) (io.ReadCloser, error)

	// Delete marks a message deleted. Calling it twice on the same
	// message is not an error. It has no effect until Close(true).
	Delete(num int) error

	// Reset undoes every Delete call made so far this session.
	Reset()

	// Close ends the session. commit is true only after a client QUITs
	// from the TRANSACTION state with no protocol error since the last
	// Reset; when true, every message marked Delete is removed for good.
	// When false (abrupt disconnect, timeout, protocol error) no
	// deletion takes effect.
	Close(commit bool) error
}

// DataStore authenticates POP3 clients and opens their Maildrop.
type DataStore interface {
	// Login authenticates with USER/PASS and opens the named user's
	// maildrop for one session.
	Login(remoteAddr, username string, password []byte) (Maildrop, error)

	// LoginAPOP authenticates with the APOP digest scheme (RFC 1939
	// §7): digest is the lowercase-hex MD5 of greeting+password, where
	// greeting is the timestamp banner this server sent at connect.
	// A DataStore that does not support APOP returns ErrNotSupported.
	LoginAPOP(remoteAddr, username string, digest []byte, greeting string) (Maildrop, error)
}
