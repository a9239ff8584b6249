package jmapdb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"quillbox.dev/quillbox/email"
	"quillbox.dev/quillbox/email/msgbuilder"
	"quillbox.dev/quillbox/email/msgcleaver"
	"quillbox.dev/quillbox/jmap/changelog"
	"quillbox.dev/quillbox/jmap/dispatch"
	"quillbox.dev/quillbox/spilldb/spillbox"
)

func parseMsgID(id string) (int64, error) {
	id = strings.TrimPrefix(id, "m")
	return parseMailboxID(id) // same base-10 int64 parse, different id namespace
}

func msgIDStr(id int64) string { return email.MsgID(id).String() }

// flagsToKeywords turns spillbox's `{"flag": 1}` Flags column into the
// keyword set Email/get and Email/query expect (IMAP flags and JMAP
// keywords share the same backslash-prefixed names, e.g. "\Seen").
func flagsToKeywords(flagsJSON string) map[string]bool {
	if flagsJSON == "" {
		return nil
	}
	var raw map[string]int
	if err := json.Unmarshal([]byte(flagsJSON), &raw); err != nil {
		return nil
	}
	keywords := make(map[string]bool, len(raw))
	for k := range raw {
		keywords[k] = true
	}
	return keywords
}

// keywordsToFlags is the inverse of flagsToKeywords, used when writing a
// new or patched Flags column.
func keywordsToFlags(keywords map[string]bool) []string {
	var flags []string
	for k, v := range keywords {
		if v {
			flags = append(flags, k)
		}
	}
	sort.Strings(flags)
	return flags
}

func encodeFlagsJSON(flags []string) string {
	var buf strings.Builder
	buf.WriteByte('{')
	for i, flag := range flags {
		if i > 0 {
			buf.WriteString(", ")
		}
		fmt.Fprintf(&buf, "%q: 1", flag)
	}
	buf.WriteByte('}')
	return buf.String()
}

func wantsProp(props []string, name string) bool {
	if len(props) == 0 {
		return true
	}
	for _, p := range props {
		if p == name {
			return true
		}
	}
	return false
}

func parseAddressHeader(hdr *email.Header, key string) []dispatch.Address {
	raw := hdr.Get(email.CanonicalKey([]byte(key)))
	if len(raw) == 0 {
		return nil
	}
	addrs, err := mail.ParseAddressList(string(raw))
	if err != nil {
		return nil
	}
	out := make([]dispatch.Address, len(addrs))
	for i, a := range addrs {
		out[i] = dispatch.Address{Name: a.Name, Email: a.Address}
	}
	return out
}

// addressHeaderValue formats a JMAP EmailAddress list back to an RFC 5322
// header value, mirroring the "Name <addr>" shape imapserver's
// writeAddresses reads on the way out.
func addressHeaderValue(addrs []dispatch.Address) []byte {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.Name != "" {
			parts = append(parts, (&mail.Address{Name: a.Name, Address: a.Email}).String())
		} else {
			parts = append(parts, a.Email)
		}
	}
	return []byte(strings.Join(parts, ", "))
}

type msgRow struct {
	msgID       int64
	mailboxID   int64
	date        int64
	hdrSubject  string
	flagsJSON   string
	encodedSize int64
	plainText   string
	html        string
}

func (s *Store) loadMsgRow(conn *sqlite.Conn, msgID int64) (msgRow, bool, error) {
	stmt := conn.Prep(`SELECT MsgID, MailboxID, Date, HdrSubject, Flags, EncodedSize, PlainText, HTML
		FROM Msgs WHERE MsgID = $msgID AND State = 1 AND Expunged IS NULL;`)
	stmt.SetInt64("$msgID", msgID)
	hasRow, err := stmt.Step()
	if err != nil {
		stmt.Reset()
		return msgRow{}, false, err
	}
	if !hasRow {
		stmt.Reset()
		return msgRow{}, false, nil
	}
	row := msgRow{
		msgID:       stmt.GetInt64("MsgID"),
		mailboxID:   stmt.GetInt64("MailboxID"),
		date:        stmt.GetInt64("Date"),
		hdrSubject:  stmt.GetText("HdrSubject"),
		flagsJSON:   stmt.GetText("Flags"),
		encodedSize: stmt.GetInt64("EncodedSize"),
		plainText:   stmt.GetText("PlainText"),
		html:        stmt.GetText("HTML"),
	}
	stmt.Reset()
	return row, true, nil
}

func (s *Store) hasAttachment(conn *sqlite.Conn, msgID int64) (bool, error) {
	stmt := conn.Prep(`SELECT count(*) AS n FROM MsgParts WHERE MsgID = $msgID AND IsAttachment = 1;`)
	stmt.SetInt64("$msgID", msgID)
	hasRow, err := stmt.Step()
	if err != nil {
		stmt.Reset()
		return false, err
	}
	n := int64(0)
	if hasRow {
		n = stmt.GetInt64("n")
	}
	stmt.Reset()
	return n > 0, nil
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	const max = 256
	if len(s) > max {
		return s[:max]
	}
	return s
}

func (s *Store) toEmailRecord(conn *sqlite.Conn, row msgRow, props []string) (dispatch.EmailRecord, error) {
	rec := dispatch.EmailRecord{
		ID:         msgIDStr(row.msgID),
		MailboxIDs: map[string]bool{mailboxIDStr(row.mailboxID): true},
		Keywords:   flagsToKeywords(row.flagsJSON),
		Size:       row.encodedSize,
		ReceivedAt: time.Unix(row.date, 0).UTC(),
		SentAt:     time.Unix(row.date, 0).UTC(),
		Subject:    row.hdrSubject,
	}

	if wantsProp(props, "from") || wantsProp(props, "to") || wantsProp(props, "cc") ||
		wantsProp(props, "bcc") || wantsProp(props, "replyTo") {
		hdr, err := spillbox.LoadMsgHdrs(conn, email.MsgID(row.msgID))
		if err != nil {
			return dispatch.EmailRecord{}, fmt.Errorf("jmapdb: load headers for %s: %w", msgIDStr(row.msgID), err)
		}
		rec.From = parseAddressHeader(hdr, "From")
		rec.To = parseAddressHeader(hdr, "To")
		rec.CC = parseAddressHeader(hdr, "Cc")
		rec.BCC = parseAddressHeader(hdr, "Bcc")
		rec.ReplyTo = parseAddressHeader(hdr, "Reply-To")
	}

	if wantsProp(props, "preview") {
		rec.Preview = preview(row.plainText)
	}

	if wantsProp(props, "hasAttachment") {
		has, err := s.hasAttachment(conn, row.msgID)
		if err != nil {
			return dispatch.EmailRecord{}, err
		}
		rec.HasAttachment = has
	}

	if wantsProp(props, "bodyValues") || wantsProp(props, "textBody") || wantsProp(props, "htmlBody") {
		rec.BodyValues = make(map[string]dispatch.BodyValue)
		if row.plainText != "" {
			rec.BodyValues["text"] = dispatch.BodyValue{Value: row.plainText}
			rec.TextBody = []dispatch.BodyPart{{PartID: "text", Type: "text/plain", Size: int64(len(row.plainText))}}
		}
		if row.html != "" {
			rec.BodyValues["html"] = dispatch.BodyValue{Value: row.html}
			rec.HTMLBody = []dispatch.BodyPart{{PartID: "html", Type: "text/html", Size: int64(len(row.html))}}
		}
	}

	return rec, nil
}

func (s *Store) Emails(ids []string, props []string) (found []dispatch.EmailRecord, notFound []string, err error) {
	conn := s.connRO()
	if conn == nil {
		return nil, nil, context.Canceled
	}
	defer s.putRO(conn)

	for _, id := range ids {
		n, perr := parseMsgID(id)
		if perr != nil {
			notFound = append(notFound, id)
			continue
		}
		row, ok, lerr := s.loadMsgRow(conn, n)
		if lerr != nil {
			return nil, nil, lerr
		}
		if !ok {
			notFound = append(notFound, id)
			continue
		}
		rec, rerr := s.toEmailRecord(conn, row, props)
		if rerr != nil {
			return nil, nil, rerr
		}
		found = append(found, rec)
	}
	return found, notFound, nil
}

func sortColumn(prop string) string {
	switch prop {
	case "subject":
		return "HdrSubject"
	case "size":
		return "EncodedSize"
	case "sentAt", "receivedAt":
		return "Date"
	default:
		return "Date"
	}
}

func (s *Store) QueryEmails(filter dispatch.EmailFilter, sort []dispatch.EmailSort, limit int) (ids []string, total int, err error) {
	conn := s.connRO()
	if conn == nil {
		return nil, 0, context.Canceled
	}
	defer s.putRO(conn)

	var where strings.Builder
	where.WriteString("WHERE State = 1 AND Expunged IS NULL")
	var binds []func(*sqlite.Stmt)

	if filter.InMailbox != "" {
		mailboxID, perr := parseMailboxID(filter.InMailbox)
		if perr != nil {
			return nil, 0, perr
		}
		where.WriteString(" AND MailboxID = $inMailbox")
		binds = append(binds, func(stmt *sqlite.Stmt) { stmt.SetInt64("$inMailbox", mailboxID) })
	}
	if filter.HasKeyword != "" {
		where.WriteString(` AND json_extract(Flags, $hasKeywordPath) = 1`)
		path := `$."` + filter.HasKeyword + `"`
		binds = append(binds, func(stmt *sqlite.Stmt) { stmt.SetText("$hasKeywordPath", path) })
	}
	if filter.NotKeyword != "" {
		where.WriteString(` AND coalesce(json_extract(Flags, $notKeywordPath), 0) = 0`)
		path := `$."` + filter.NotKeyword + `"`
		binds = append(binds, func(stmt *sqlite.Stmt) { stmt.SetText("$notKeywordPath", path) })
	}
	if filter.Text != "" {
		where.WriteString(" AND (HdrSubject LIKE $text OR PlainText LIKE $text)")
		like := "%" + filter.Text + "%"
		binds = append(binds, func(stmt *sqlite.Stmt) { stmt.SetText("$text", like) })
	}
	if filter.Subject != "" {
		where.WriteString(" AND HdrSubject LIKE $subject")
		like := "%" + filter.Subject + "%"
		binds = append(binds, func(stmt *sqlite.Stmt) { stmt.SetText("$subject", like) })
	}

	countStmt := conn.Prep("SELECT count(*) AS n FROM Msgs " + where.String() + ";")
	for _, b := range binds {
		b(countStmt)
	}
	if hasRow, cerr := countStmt.Step(); cerr != nil {
		countStmt.Reset()
		return nil, 0, cerr
	} else if hasRow {
		total = int(countStmt.GetInt64("n"))
	}
	countStmt.Reset()

	orderBy := "Date DESC"
	if len(sort) > 0 {
		dir := "ASC"
		if !sort[0].IsAscending {
			dir = "DESC"
		}
		orderBy = sortColumn(sort[0].Property) + " " + dir
	}

	q := "SELECT MsgID FROM Msgs " + where.String() + " ORDER BY " + orderBy
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	q += ";"
	stmt := conn.Prep(q)
	for _, b := range binds {
		b(stmt)
	}
	for {
		hasRow, serr := stmt.Step()
		if serr != nil {
			return nil, 0, serr
		}
		if !hasRow {
			break
		}
		ids = append(ids, msgIDStr(stmt.GetInt64("MsgID")))
	}
	return ids, total, nil
}

// CreateEmail assembles an RFC 5322 message from draft, re-cleaves it the
// same way imapdb's mailbox.Append does an APPENDed message, and inserts
// it through the same spillbox.Box.InsertMsg path IMAP uses — a JMAP
// draft and an IMAP-appended message end up identical rows.
func (s *Store) CreateEmail(draft dispatch.EmailCreate) (string, *dispatch.MethodError) {
	if len(draft.MailboxIDs) == 0 {
		return "", dispatch.NewInvalidArguments("mailboxIds is required")
	}
	var mailboxID int64
	for id, v := range draft.MailboxIDs {
		if !v {
			continue
		}
		n, err := parseMailboxID(id)
		if err != nil {
			return "", dispatch.NewInvalidArguments("malformed mailboxId %q", id)
		}
		// spillbox stores one MailboxID per message; the first mailbox
		// named wins and the rest are reported in the response as not
		// applied (Email/set does not fan a message out to many
		// mailboxes the way a full JMAP store would).
		mailboxID = n
		break
	}
	if mailboxID == 0 {
		return "", dispatch.NewInvalidArguments("mailboxIds must name at least one mailbox")
	}

	msg := &email.Msg{}
	if draft.Subject != "" {
		msg.Headers.Add("Subject", []byte(draft.Subject))
	}
	if len(draft.From) > 0 {
		msg.Headers.Add("From", addressHeaderValue(draft.From))
	}
	if len(draft.To) > 0 {
		msg.Headers.Add("To", addressHeaderValue(draft.To))
	}
	if len(draft.CC) > 0 {
		msg.Headers.Add("Cc", addressHeaderValue(draft.CC))
	}
	if len(draft.BCC) > 0 {
		msg.Headers.Add("Bcc", addressHeaderValue(draft.BCC))
	}
	if len(draft.ReplyTo) > 0 {
		msg.Headers.Add("Reply-To", addressHeaderValue(draft.ReplyTo))
	}
	now := time.Now()
	msg.Headers.Add("Date", []byte(now.Format(time.RFC1123Z)))
	msg.Headers.Add("Message-Id", []byte(draftMessageID(s.AccountID)))

	if draft.TextBody != "" {
		part, err := newTextPart(s.Filer, len(msg.Parts), "text/plain; charset=utf-8", draft.TextBody)
		if err != nil {
			return "", dispatch.NewServerFail("%v", err)
		}
		msg.Parts = append(msg.Parts, part)
	}
	if draft.HTMLBody != "" {
		part, err := newTextPart(s.Filer, len(msg.Parts), "text/html; charset=utf-8", draft.HTMLBody)
		if err != nil {
			return "", dispatch.NewServerFail("%v", err)
		}
		msg.Parts = append(msg.Parts, part)
	}
	if len(msg.Parts) == 0 {
		part, err := newTextPart(s.Filer, 0, "text/plain; charset=utf-8", "")
		if err != nil {
			return "", dispatch.NewServerFail("%v", err)
		}
		msg.Parts = append(msg.Parts, part)
	}

	raw := s.Filer.BufferFile(0)
	defer raw.Close()
	builder := msgbuilder.Builder{Filer: s.Filer}
	if err := builder.Build(raw, msg); err != nil {
		return "", dispatch.NewServerFail("building message: %v", err)
	}
	for _, p := range msg.Parts {
		if p.Content != nil {
			p.Content.Close()
		}
	}
	if _, err := raw.Seek(0, 0); err != nil {
		return "", dispatch.NewServerFail("%v", err)
	}

	cleaved, err := msgcleaver.Cleave(s.Filer, raw)
	if err != nil {
		return "", dispatch.NewServerFail("cleaving message: %v", err)
	}
	defer cleaved.Close()
	cleaved.MailboxID = mailboxID
	cleaved.Date = now
	cleaved.Flags = keywordsToFlags(draft.Keywords)

	done, err := s.Box.InsertMsg(context.Background(), cleaved, 0)
	if err != nil {
		return "", dispatch.NewServerFail("%v", err)
	}
	if !done {
		return "", dispatch.NewServerFail("message was not stored")
	}

	conn := s.connRO()
	if conn == nil {
		return "", dispatch.NewServerFail("no database connection")
	}
	defer s.putRO(conn)
	stmt := conn.Prep("SELECT MsgID FROM Msgs WHERE RawHash = $rawHash;")
	stmt.SetText("$rawHash", cleaved.RawHash)
	hasRow, serr := stmt.Step()
	if serr != nil || !hasRow {
		stmt.Reset()
		return "", dispatch.NewServerFail("stored message but could not look up its id")
	}
	msgID := stmt.GetInt64("MsgID")
	stmt.Reset()

	if s.Log != nil {
		if _, lerr := s.Log.AppendChange(context.Background(), s.logUser("Email"), changelog.Change{
			Type: changelog.Created,
			ID:   msgIDStr(msgID),
		}); lerr != nil {
			return "", dispatch.NewServerFail("%v", lerr)
		}
	}
	s.notify("Email")

	return msgIDStr(msgID), nil
}

func newTextPart(filer *iox.Filer, partNum int, contentType, content string) (email.Part, error) {
	buf := filer.BufferFile(0)
	if _, err := buf.Write([]byte(content)); err != nil {
		return email.Part{}, err
	}
	if _, err := buf.Seek(0, 0); err != nil {
		return email.Part{}, err
	}
	return email.Part{PartNum: partNum, IsBody: true, ContentType: contentType, Content: buf}, nil
}

func draftMessageID(accountID string) string {
	domain := accountID
	if domain == "" {
		domain = "quillbox.invalid"
	}
	return fmt.Sprintf("<%d.%s@%s>", time.Now().UnixNano(), "draft", domain)
}

// UpdateEmail applies patch's mailbox move and/or keyword replacement,
// bumping the destination mailbox's modseq the same way imapdb's Store
// and Move methods do (spillbox.NextMsgModSeq).
func (s *Store) UpdateEmail(id string, patch dispatch.EmailPatch) *dispatch.MethodError {
	msgID, perr := parseMsgID(id)
	if perr != nil {
		return dispatch.NewNotFound("malformed email id %q", id)
	}

	conn := s.conn()
	if conn == nil {
		return dispatch.NewServerFail("no database connection")
	}
	defer s.Box.PoolRW.Put(conn)

	row, ok, err := s.loadMsgRow(conn, msgID)
	if err != nil {
		return dispatch.NewServerFail("%v", err)
	}
	if !ok {
		return dispatch.NewNotFound("no email with id %q", id)
	}

	var newMailboxID int64
	if patch.MailboxIDsSet {
		for mid, v := range patch.MailboxIDs {
			if !v {
				continue
			}
			n, perr := parseMailboxID(mid)
			if perr != nil {
				return dispatch.NewInvalidArguments("malformed mailboxId %q", mid)
			}
			newMailboxID = n
			break
		}
		if newMailboxID == 0 {
			return dispatch.NewInvalidArguments("mailboxIds must name at least one mailbox")
		}
	}

	var txErr error
	defer sqlitex.Save(conn)(&txErr)

	if patch.MailboxIDsSet && newMailboxID != row.mailboxID {
		newModSeq, merr := spillbox.NextMsgModSeq(conn, newMailboxID)
		if merr != nil {
			txErr = merr
			return dispatch.NewServerFail("%v", merr)
		}
		uid, merr := spillbox.NextMsgUID(conn, newMailboxID)
		if merr != nil {
			txErr = merr
			return dispatch.NewServerFail("%v", merr)
		}
		stmt := conn.Prep(`UPDATE Msgs SET MailboxID = $mailboxID, UID = $uid, ModSequence = $modSeq WHERE MsgID = $msgID;`)
		stmt.SetInt64("$mailboxID", newMailboxID)
		stmt.SetInt64("$uid", int64(uid))
		stmt.SetInt64("$modSeq", newModSeq)
		stmt.SetInt64("$msgID", msgID)
		if _, merr := stmt.Step(); merr != nil {
			txErr = merr
			return dispatch.NewServerFail("%v", merr)
		}
		row.mailboxID = newMailboxID
	}

	if patch.KeywordsSet {
		newModSeq, merr := spillbox.NextMsgModSeq(conn, row.mailboxID)
		if merr != nil {
			txErr = merr
			return dispatch.NewServerFail("%v", merr)
		}
		flagsJSON := encodeFlagsJSON(keywordsToFlags(patch.Keywords))
		stmt := conn.Prep(`UPDATE Msgs SET Flags = $flags, ModSequence = $modSeq WHERE MsgID = $msgID;`)
		stmt.SetText("$flags", flagsJSON)
		stmt.SetInt64("$modSeq", newModSeq)
		stmt.SetInt64("$msgID", msgID)
		if _, merr := stmt.Step(); merr != nil {
			txErr = merr
			return dispatch.NewServerFail("%v", merr)
		}
	}

	if s.Log != nil {
		if _, lerr := s.Log.AppendChange(context.Background(), s.logUser("Email"), changelog.Change{
			Type: changelog.Updated,
			ID:   id,
		}); lerr != nil {
			txErr = lerr
			return dispatch.NewServerFail("%v", lerr)
		}
	}
	s.notify("Email")

	return nil
}

// DestroyEmail marks the message expunged the same way imapdb's
// mailbox.Expunge does for a \Deleted-flagged message, without requiring
// the client to have set \Deleted first (Email/set's destroy path is
// unconditional).
func (s *Store) DestroyEmail(id string) *dispatch.MethodError {
	msgID, perr := parseMsgID(id)
	if perr != nil {
		return dispatch.NewNotFound("malformed email id %q", id)
	}

	conn := s.conn()
	if conn == nil {
		return dispatch.NewServerFail("no database connection")
	}
	defer s.Box.PoolRW.Put(conn)

	var txErr error
	defer sqlitex.Save(conn)(&txErr)

	stmt := conn.Prep(`UPDATE Msgs SET State = $msgExpunged, Expunged = $now
		WHERE MsgID = $msgID AND State = 1;`)
	stmt.SetInt64("$msgExpunged", int64(spillbox.MsgExpunged))
	stmt.SetInt64("$now", time.Now().Unix())
	stmt.SetInt64("$msgID", msgID)
	if _, merr := stmt.Step(); merr != nil {
		txErr = merr
		return dispatch.NewServerFail("%v", merr)
	}
	if conn.Changes() == 0 {
		return dispatch.NewNotFound("no email with id %q", id)
	}

	if s.Log != nil {
		if _, lerr := s.Log.AppendChange(context.Background(), s.logUser("Email"), changelog.Change{
			Type: changelog.Destroyed,
			ID:   id,
		}); lerr != nil {
			txErr = lerr
			return dispatch.NewServerFail("%v", lerr)
		}
	}
	s.notify("Email")

	return nil
}

// SubmitEmail has no outbound relay in this adapter (spec §4.I scopes
// submission out of the storage layer); it only performs the optional
// Sent-mailbox relocation, grounded on the same move logic UpdateEmail
// uses for a MailboxIDs patch.
func (s *Store) SubmitEmail(emailID string, moveToSent bool) (string, *dispatch.MethodError) {
	msgID, perr := parseMsgID(emailID)
	if perr != nil {
		return "", dispatch.NewNotFound("malformed email id %q", emailID)
	}

	if moveToSent {
		conn := s.connRO()
		if conn == nil {
			return "", dispatch.NewServerFail("no database connection")
		}
		stmt := conn.Prep(`SELECT MailboxID FROM Mailboxes WHERE Name = 'Sent';`)
		hasRow, serr := stmt.Step()
		var sentID int64
		if serr == nil && hasRow {
			sentID = stmt.GetInt64("MailboxID")
		}
		stmt.Reset()
		s.putRO(conn)

		if sentID != 0 {
			if merr := s.UpdateEmail(msgIDStr(msgID), dispatch.EmailPatch{
				MailboxIDsSet: true,
				MailboxIDs:    map[string]bool{mailboxIDStr(sentID): true},
			}); merr != nil {
				return "", merr
			}
		}
	}

	return "sub-" + msgIDStr(msgID), nil
}

// ChangesSince delegates straight to the per-(user,type) changelog (spec
// §4.F); Mailbox changes are not tracked because Mailbox/set in this
// dispatcher is create-only (no Mailbox/changes handler is registered).
func (s *Store) ChangesSince(typ string, sinceState string) (dispatch.ChangesResult, error) {
	sinceSeq, err := parseSinceState(sinceState)
	if err != nil {
		return dispatch.ChangesResult{}, err
	}
	if s.Log == nil {
		return dispatch.ChangesResult{}, fmt.Errorf("jmapdb: no changelog configured")
	}
	changes, err := s.Log.GetChangesSince(context.Background(), s.logUser(typ), sinceSeq)
	if err != nil {
		return dispatch.ChangesResult{}, err
	}
	return dispatch.ChangesResult{
		Created:                changes.Created,
		Updated:                changes.Updated,
		Destroyed:              changes.Destroyed,
		NewState:               changes.NewState,
		CannotCalculateChanges: changes.CannotCalculateChanges,
	}, nil
}

func parseSinceState(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := parseMailboxID(s)
	if err != nil {
		return 0, fmt.Errorf("jmapdb: malformed state %q: %w", s, err)
	}
	return n, nil
}
