// Package jmapdb adapts a spillbox mailbox (the same SQLite-backed
// storage the IMAP backend in spilldb/imapdb reads and writes) to
// jmap/dispatch.Store, so JMAP Mailbox/Email methods operate on exactly
// the messages an IMAP client sees, not a separate copy.
package jmapdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"

	"quillbox.dev/quillbox/imap"
	"quillbox.dev/quillbox/jmap/changelog"
	"quillbox.dev/quillbox/jmap/dispatch"
	"quillbox.dev/quillbox/notifier"
	"quillbox.dev/quillbox/spilldb/spillbox"
)

// Store is a jmap/dispatch.Store backed by one user's spillbox. The zero
// value is not ready to use; populate every field.
type Store struct {
	Box       *spillbox.Box
	Filer     *iox.Filer
	Log       *changelog.Log   // per-user JMAP change log (spec §4.F)
	Notifier  *notifier.Worker // per-user fan-out (spec §4.H); nil disables push
	AccountID string           // changelog namespace; also the blobstore/notifier owner key
}

// logUser namespaces the shared changelog.Log by JMAP type, since spec's
// per-user log is really one ordered stream per (user, type) pair in
// this dispatcher (Mailbox/set never calls changes, only Email/changes
// does, but the namespacing keeps the door open for more types later).
func (s *Store) logUser(typ string) string {
	return s.AccountID + ":" + typ
}

// notify wakes any worker holding this account's live sessions after a
// mutation, the same way a delivering process would (spec §4.H: "the
// notifier is the sole mutator of journals and mailbox modifyIndex").
// The payload is a bare type tag; subscribers re-fetch state rather than
// trust the push to carry the new value.
func (s *Store) notify(typ string) {
	if s.Notifier == nil {
		return
	}
	payload, err := json.Marshal(map[string]string{"type": typ})
	if err != nil {
		return
	}
	s.Notifier.Fire(context.Background(), s.AccountID, payload)
}

func (s *Store) conn() *sqlite.Conn {
	return s.Box.PoolRW.Get(context.Background())
}

func (s *Store) connRO() *sqlite.Conn {
	if s.Box.PoolRO != nil {
		return s.Box.PoolRO.Get(context.Background())
	}
	return s.conn()
}

func (s *Store) putRO(conn *sqlite.Conn) {
	if s.Box.PoolRO != nil {
		s.Box.PoolRO.Put(conn)
		return
	}
	s.Box.PoolRW.Put(conn)
}

// State implements dispatch.Store: the account's JMAP state is the high
// watermark of every mailbox's modifyIndex and every message's modseq,
// per spec §4.G ("max(mailbox.modifyIndex, message.modseq, 1)").
func (s *Store) State() (string, error) {
	conn := s.connRO()
	if conn == nil {
		return "", context.Canceled
	}
	defer s.putRO(conn)

	var max int64 = 1
	stmt := conn.Prep(`SELECT coalesce(max(NextModSequence), 0) AS n FROM MailboxSequencing;`)
	if _, err := stmt.Step(); err != nil {
		return "", fmt.Errorf("jmapdb: state: %w", err)
	}
	if n := stmt.GetInt64("n"); n > max {
		max = n
	}
	stmt.Reset()

	stmt2 := conn.Prep(`SELECT coalesce(max(ModSequence), 0) AS n FROM Msgs;`)
	if _, err := stmt2.Step(); err != nil {
		return "", fmt.Errorf("jmapdb: state: %w", err)
	}
	if n := stmt2.GetInt64("n"); n > max {
		max = n
	}
	stmt2.Reset()

	return strconv.FormatInt(max, 10), nil
}

func mailboxIDStr(id int64) string { return strconv.FormatInt(id, 10) }

func parseMailboxID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("jmapdb: malformed mailbox id %q: %w", id, err)
	}
	return n, nil
}

// roleForAttrs maps the IMAP SPECIAL-USE bits spillbox already tracks
// per mailbox onto JMAP Mailbox's "role" string (JMAP Mail §2).
func roleForAttrs(attrs imap.ListAttrFlag) string {
	switch {
	case attrs&imap.AttrArchive != 0:
		return "archive"
	case attrs&imap.AttrDrafts != 0:
		return "drafts"
	case attrs&imap.AttrSent != 0:
		return "sent"
	case attrs&imap.AttrTrash != 0:
		return "trash"
	case attrs&imap.AttrJunk != 0:
		return "junk"
	}
	return ""
}

type mailboxRow struct {
	id         int64
	name       string // full hierarchical path, e.g. "Work/Projects"
	attrs      imap.ListAttrFlag
	subscribed bool
}

func (s *Store) loadMailboxRow(conn *sqlite.Conn, id int64) (mailboxRow, bool, error) {
	stmt := conn.Prep(`SELECT MailboxID, Name, Attrs, Subscribed FROM Mailboxes
		WHERE MailboxID = $id AND Name IS NOT NULL;`)
	stmt.SetInt64("$id", id)
	hasRow, err := stmt.Step()
	if err != nil {
		stmt.Reset()
		return mailboxRow{}, false, err
	}
	if !hasRow {
		stmt.Reset()
		return mailboxRow{}, false, nil
	}
	row := mailboxRow{
		id:         stmt.GetInt64("MailboxID"),
		name:       stmt.GetText("Name"),
		attrs:      imap.ListAttrFlag(stmt.GetInt64("Attrs")),
		subscribed: stmt.GetInt64("Subscribed") != 0,
	}
	stmt.Reset()
	return row, true, nil
}

func (s *Store) toMailboxRecord(conn *sqlite.Conn, row mailboxRow) (dispatch.MailboxRecord, error) {
	parentID := ""
	if i := strings.LastIndex(row.name, "/"); i >= 0 {
		parentName := row.name[:i]
		pstmt := conn.Prep(`SELECT MailboxID FROM Mailboxes WHERE Name = $name;`)
		pstmt.SetText("$name", parentName)
		if hasRow, err := pstmt.Step(); err == nil && hasRow {
			parentID = mailboxIDStr(pstmt.GetInt64("MailboxID"))
		}
		pstmt.Reset()
	}

	leafName := row.name
	if i := strings.LastIndex(row.name, "/"); i >= 0 {
		leafName = row.name[i+1:]
	}

	countStmt := conn.Prep(`SELECT
		count(*) AS total,
		sum(CASE WHEN Flags NOT LIKE '%"\Seen"%' THEN 1 ELSE 0 END) AS unread
		FROM Msgs WHERE MailboxID = $id AND Expunged IS NULL;`)
	countStmt.SetInt64("$id", row.id)
	total, unread := 0, 0
	if hasRow, err := countStmt.Step(); err != nil {
		countStmt.Reset()
		return dispatch.MailboxRecord{}, fmt.Errorf("jmapdb: mailbox counts: %w", err)
	} else if hasRow {
		total = int(countStmt.GetInt64("total"))
		unread = int(countStmt.GetInt64("unread"))
	}
	countStmt.Reset()

	return dispatch.MailboxRecord{
		ID:           mailboxIDStr(row.id),
		ParentID:     parentID,
		Name:         leafName,
		Role:         roleForAttrs(row.attrs),
		TotalEmails:  total,
		UnreadEmails: unread,
		// Threads are not modeled separately from messages in this
		// adapter (spillbox's Convos table groups messages into
		// threads, but JMAP thread semantics aren't wired up here);
		// each message counts as its own thread.
		TotalThreads:  total,
		UnreadThreads: unread,
		IsSubscribed:  row.subscribed,
	}, nil
}

func (s *Store) Mailboxes(ids []string) (found []dispatch.MailboxRecord, notFound []string, err error) {
	conn := s.connRO()
	if conn == nil {
		return nil, nil, context.Canceled
	}
	defer s.putRO(conn)

	for _, id := range ids {
		n, perr := parseMailboxID(id)
		if perr != nil {
			notFound = append(notFound, id)
			continue
		}
		row, ok, lerr := s.loadMailboxRow(conn, n)
		if lerr != nil {
			return nil, nil, lerr
		}
		if !ok {
			notFound = append(notFound, id)
			continue
		}
		rec, rerr := s.toMailboxRecord(conn, row)
		if rerr != nil {
			return nil, nil, rerr
		}
		found = append(found, rec)
	}
	return found, notFound, nil
}

func (s *Store) AllMailboxIDs() ([]string, error) {
	conn := s.connRO()
	if conn == nil {
		return nil, context.Canceled
	}
	defer s.putRO(conn)

	var ids []string
	stmt := conn.Prep(`SELECT MailboxID FROM Mailboxes WHERE Name IS NOT NULL ORDER BY Name;`)
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("jmapdb: list mailboxes: %w", err)
		}
		if !hasRow {
			break
		}
		ids = append(ids, mailboxIDStr(stmt.GetInt64("MailboxID")))
	}
	return ids, nil
}

func (s *Store) CreateMailbox(m dispatch.MailboxCreate) (string, *dispatch.MethodError) {
	if strings.TrimSpace(m.Name) == "" {
		return "", dispatch.NewInvalidArguments("mailbox name is required")
	}
	if strings.Contains(m.Name, "/") {
		return "", dispatch.NewInvalidArguments("mailbox name %q may not contain '/'", m.Name)
	}

	conn := s.conn()
	if conn == nil {
		return "", dispatch.NewServerFail("no database connection")
	}
	defer s.Box.PoolRW.Put(conn)

	fullName := m.Name
	if m.ParentID != "" {
		parentN, err := parseMailboxID(m.ParentID)
		if err != nil {
			return "", dispatch.NewInvalidArguments("malformed parentId %q", m.ParentID)
		}
		parentRow, ok, err := s.loadMailboxRow(conn, parentN)
		if err != nil {
			return "", dispatch.NewServerFail("%v", err)
		}
		if !ok {
			return "", dispatch.NewNotFound("no mailbox with id %q", m.ParentID)
		}
		fullName = parentRow.name + "/" + m.Name
	}

	if err := spillbox.CreateMailbox(conn, fullName, 0); err != nil {
		return "", dispatch.NewInvalidArguments("%v", err)
	}

	idStmt := conn.Prep(`SELECT MailboxID FROM Mailboxes WHERE Name = $name;`)
	idStmt.SetText("$name", fullName)
	hasRow, serr := idStmt.Step()
	if serr != nil || !hasRow {
		idStmt.Reset()
		return "", dispatch.NewServerFail("created mailbox %q but could not look up its id", fullName)
	}
	id := idStmt.GetInt64("MailboxID")
	idStmt.Reset()

	s.notify("Mailbox")
	return mailboxIDStr(id), nil
}
