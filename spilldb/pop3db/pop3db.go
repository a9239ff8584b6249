// Package pop3db glues pop3server into spilldb's user storage, mirroring
// spilldb/imapdb's backend/session split but over the simpler POP3
// Maildrop contract: one flat, session-snapshotted view of INBOX.
package pop3db

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sync"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite/sqlitex"
	"quillbox.dev/quillbox/email"
	"quillbox.dev/quillbox/pop3"
	"quillbox.dev/quillbox/pop3/pop3server"
	"quillbox.dev/quillbox/spilldb/boxmgmt"
	"quillbox.dev/quillbox/spilldb/db"
	"quillbox.dev/quillbox/spilldb/spillbox"
)

func NewBackend(ctx context.Context, dbpool *sqlitex.Pool, filer *iox.Filer, boxmgmt *boxmgmt.BoxMgmt, logf func(format string, v ...interface{})) pop3.DataStore {
	return &backend{
		ctx:     ctx,
		filer:   filer,
		boxmgmt: boxmgmt,
		logf:    logf,
		auth: &db.Authenticator{
			DB:    dbpool,
			Logf:  logf,
			Where: "pop3",
		},
	}
}

func New(ctx context.Context, tlsConfig *tls.Config, dbpool *sqlitex.Pool, filer *iox.Filer, boxmgmt *boxmgmt.BoxMgmt, logf func(format string, v ...interface{})) *pop3server.Server {
	return &pop3server.Server{
		DataStore: NewBackend(ctx, dbpool, filer, boxmgmt, logf),
		TLSConfig: tlsConfig,
		Logf:      logf,
	}
}

type backend struct {
	ctx     context.Context
	filer   *iox.Filer
	boxmgmt *boxmgmt.BoxMgmt
	logf    func(format string, v ...interface{})
	auth    *db.Authenticator
}

func (b *backend) Login(remoteAddr, username string, password []byte) (pop3.Maildrop, error) {
	userID, err := b.auth.AuthDevice(b.ctx, remoteAddr, username, password)
	if err == db.ErrBadCredentials {
		return nil, err
	} else if err != nil {
		return nil, err
	}

	user, err := b.boxmgmt.Open(b.ctx, userID)
	if err != nil {
		return nil, err
	}

	return newMaildrop(b.ctx, b.filer, user.Box, b.logf)
}

// LoginAPOP is not supported: spilldb's Devices table only stores bcrypt
// hashes of app passwords, not the plaintext needed to compute an APOP
// digest.
func (b *backend) LoginAPOP(remoteAddr, username string, digest []byte, greeting string) (pop3.Maildrop, error) {
	return nil, pop3.ErrNotSupported
}

// maildropMsg is a session-start snapshot of one INBOX message. Nums are
// assigned densely by UID order at Login and stay stable for the rest of
// the session, per pop3.Maildrop's contract, even as Delete marks entries
// for removal.
type maildropMsg struct {
	msgID   email.MsgID
	uid     int64
	size    int64
	deleted bool
}

type maildrop struct {
	ctx   context.Context
	filer *iox.Filer
	box   *spillbox.Box
	logf  func(format string, v ...interface{})

	mailboxID int64

	mu   sync.Mutex
	msgs []maildropMsg // index i holds Num i+1
}

func newMaildrop(ctx context.Context, filer *iox.Filer, box *spillbox.Box, logf func(format string, v ...interface{})) (*maildrop, error) {
	conn := box.PoolRO.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer box.PoolRO.Put(conn)

	stmt := conn.Prep(`SELECT MailboxID FROM Mailboxes WHERE Name = 'INBOX';`)
	hasNext, err := stmt.Step()
	if err != nil {
		return nil, err
	} else if !hasNext {
		return nil, fmt.Errorf("pop3db: INBOX not found")
	}
	mailboxID := stmt.GetInt64("MailboxID")
	stmt.Reset()

	md := &maildrop{
		ctx:       ctx,
		filer:     filer,
		box:       box,
		logf:      logf,
		mailboxID: mailboxID,
	}

	stmt = conn.Prep(`SELECT MsgID, UID, EncodedSize FROM Msgs
		WHERE MailboxID = $mailboxID AND State = $msgReady
		ORDER BY UID;`)
	stmt.SetInt64("$mailboxID", mailboxID)
	stmt.SetInt64("$msgReady", int64(spillbox.MsgReady))
	for {
		hasNext, err := stmt.Step()
		if err != nil {
			return nil, err
		} else if !hasNext {
			break
		}
		md.msgs = append(md.msgs, maildropMsg{
			msgID: email.MsgID(stmt.GetInt64("MsgID")),
			uid:   stmt.GetInt64("UID"),
			size:  stmt.GetInt64("EncodedSize"),
		})
	}

	return md, nil
}

func (md *maildrop) Stat() (count int, octets int64, err error) {
	md.mu.Lock()
	defer md.mu.Unlock()

	for _, m := range md.msgs {
		if m.deleted {
			continue
		}
		count++
		octets += m.size
	}
	return count, octets, nil
}

func (md *maildrop) List() ([]pop3.MessageInfo, error) {
	md.mu.Lock()
	defer md.mu.Unlock()

	infos := make([]pop3.MessageInfo, 0, len(md.msgs))
	for i, m := range md.msgs {
		if m.deleted {
			continue
		}
		infos = append(infos, pop3.MessageInfo{
			Num:  i + 1,
			Size: m.size,
			UID:  m.msgID.String(),
		})
	}
	return infos, nil
}

func (md *maildrop) Info(num int) (pop3.MessageInfo, error) {
	md.mu.Lock()
	defer md.mu.Unlock()

	m, err := md.lookup(num)
	if err != nil {
		return pop3.MessageInfo{}, err
	}
	return pop3.MessageInfo{Num: num, Size: m.size, UID: m.msgID.String()}, nil
}

// lookup must be called with md.mu held.
func (md *maildrop) lookup(num int) (maildropMsg, error) {
	if num < 1 || num > len(md.msgs) {
		return maildropMsg{}, fmt.Errorf("pop3db: no such message %d", num)
	}
	m := md.msgs[num-1]
	if m.deleted {
		return maildropMsg{}, fmt.Errorf("pop3db: message %d deleted", num)
	}
	return m, nil
}

func (md *maildrop) Retrieve(num int) (io.ReadCloser, error) {
	md.mu.Lock()
	m, err := md.lookup(num)
	md.mu.Unlock()
	if err != nil {
		return nil, err
	}

	conn := md.box.PoolRO.Get(md.ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer md.box.PoolRO.Put(conn)

	buf, err := spillbox.BuildMessage(conn, md.filer, m.msgID)
	if err != nil {
		return nil, err
	}
	if _, err := buf.Seek(0, io.SeekStart); err != nil {
		buf.Close()
		return nil, err
	}
	return buf, nil
}

func (md *maildrop) Top(num int, n int) (io.ReadCloser, error) {
	full, err := md.Retrieve(num)
	if err != nil {
		return nil, err
	}
	defer full.Close()

	var out bytes.Buffer
	if err := copyTop(&out, full, n); err != nil {
		return nil, err
	}
	return io.NopCloser(&out), nil
}

// copyTop copies all header lines (everything up to and including the
// first blank line) followed by at most n lines of body.
func copyTop(dst *bytes.Buffer, src io.Reader, n int) error {
	r := bufio.NewReader(src)
	inHeaders := true
	bodyLines := 0
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if inHeaders {
				dst.Write(line)
				if len(bytes.TrimRight(line, "\r\n")) == 0 {
					inHeaders = false
				}
			} else if bodyLines < n {
				dst.Write(line)
				bodyLines++
			} else {
				break
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
	return nil
}

func (md *maildrop) Delete(num int) error {
	md.mu.Lock()
	defer md.mu.Unlock()

	if num < 1 || num > len(md.msgs) {
		return fmt.Errorf("pop3db: no such message %d", num)
	}
	if md.msgs[num-1].deleted {
		return fmt.Errorf("pop3db: message %d already deleted", num)
	}
	md.msgs[num-1].deleted = true
	return nil
}

func (md *maildrop) Reset() {
	md.mu.Lock()
	defer md.mu.Unlock()

	for i := range md.msgs {
		md.msgs[i].deleted = false
	}
}

// Close expunges messages marked Delete when commit is true, mirroring
// imapdb.mailbox.Expunge's State transition to MsgExpunged rather than an
// actual row delete.
func (md *maildrop) Close(commit bool) (err error) {
	md.mu.Lock()
	defer md.mu.Unlock()

	if !commit {
		return nil
	}

	conn := md.box.PoolRW.Get(md.ctx)
	if conn == nil {
		return context.Canceled
	}
	defer md.box.PoolRW.Put(conn)
	defer sqlitex.Save(conn)(&err)

	for _, m := range md.msgs {
		if !m.deleted {
			continue
		}
		stmt := conn.Prep(`UPDATE Msgs SET State = $msgExpunged WHERE MsgID = $msgID;`)
		stmt.SetInt64("$msgExpunged", int64(spillbox.MsgExpunged))
		stmt.SetInt64("$msgID", int64(m.msgID))
		if _, err := stmt.Step(); err != nil {
			md.logf("pop3db: expunge msg %d: %v", m.msgID, err)
			return err
		}
	}
	return nil
}
