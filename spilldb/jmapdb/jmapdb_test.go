package jmapdb

import (
	"context"
	"path/filepath"
	"testing"

	"crawshaw.io/iox"

	"quillbox.dev/quillbox/jmap/dispatch"
	"quillbox.dev/quillbox/spilldb/spillbox"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	filer := iox.NewFiler(0)
	t.Cleanup(func() { filer.Shutdown(context.Background()) })

	box, err := spillbox.New(1, filer, filepath.Join(t.TempDir(), "box.db"), 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { box.Close() })
	if err := box.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	return &Store{Box: box, Filer: filer, AccountID: "alice"}
}

func TestCreateMailboxAndList(t *testing.T) {
	s := newTestStore(t)

	id, methodErr := s.CreateMailbox(dispatch.MailboxCreate{Name: "Projects"})
	if methodErr != nil {
		t.Fatal(methodErr)
	}

	found, notFound, err := s.Mailboxes([]string{id})
	if err != nil {
		t.Fatal(err)
	}
	if len(notFound) != 0 {
		t.Fatalf("notFound = %v", notFound)
	}
	if len(found) != 1 || found[0].Name != "Projects" {
		t.Fatalf("found = %+v", found)
	}

	childID, methodErr := s.CreateMailbox(dispatch.MailboxCreate{Name: "Q1", ParentID: id})
	if methodErr != nil {
		t.Fatal(methodErr)
	}
	found, _, err = s.Mailboxes([]string{childID})
	if err != nil {
		t.Fatal(err)
	}
	if found[0].ParentID != id || found[0].Name != "Q1" {
		t.Fatalf("child record = %+v", found[0])
	}
}

func TestCreateMailboxRejectsSlash(t *testing.T) {
	s := newTestStore(t)
	if _, methodErr := s.CreateMailbox(dispatch.MailboxCreate{Name: "a/b"}); methodErr == nil {
		t.Fatal("expected error for name containing '/'")
	}
}

func inboxID(t *testing.T, s *Store) string {
	t.Helper()
	ids, err := s.AllMailboxIDs()
	if err != nil {
		t.Fatal(err)
	}
	found, _, err := s.Mailboxes(ids)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range found {
		if m.Name == "INBOX" {
			return m.ID
		}
	}
	t.Fatal("no INBOX mailbox")
	return ""
}

func TestCreateEmailThenGet(t *testing.T) {
	s := newTestStore(t)
	inbox := inboxID(t, s)

	id, methodErr := s.CreateEmail(dispatch.EmailCreate{
		MailboxIDs: map[string]bool{inbox: true},
		Subject:    "hello",
		From:       []dispatch.Address{{Name: "Alice", Email: "alice@example.com"}},
		To:         []dispatch.Address{{Email: "bob@example.com"}},
		TextBody:   "hello bob",
		Keywords:   map[string]bool{`\Seen`: true},
	})
	if methodErr != nil {
		t.Fatal(methodErr)
	}

	found, notFound, err := s.Emails([]string{id}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(notFound) != 0 {
		t.Fatalf("notFound = %v", notFound)
	}
	if len(found) != 1 {
		t.Fatalf("found = %+v", found)
	}
	rec := found[0]
	if rec.Subject != "hello" {
		t.Fatalf("Subject = %q", rec.Subject)
	}
	if !rec.Keywords[`\Seen`] {
		t.Fatalf("Keywords = %+v, want \\Seen set", rec.Keywords)
	}
	if rec.BodyValues["text"].Value != "hello bob" {
		t.Fatalf("BodyValues = %+v", rec.BodyValues)
	}
	if !rec.MailboxIDs[inbox] {
		t.Fatalf("MailboxIDs = %+v, want %s", rec.MailboxIDs, inbox)
	}
}

func TestQueryEmailsByMailboxAndKeyword(t *testing.T) {
	s := newTestStore(t)
	inbox := inboxID(t, s)

	id1, methodErr := s.CreateEmail(dispatch.EmailCreate{
		MailboxIDs: map[string]bool{inbox: true},
		Subject:    "first",
		TextBody:   "body one",
	})
	if methodErr != nil {
		t.Fatal(methodErr)
	}
	id2, methodErr := s.CreateEmail(dispatch.EmailCreate{
		MailboxIDs: map[string]bool{inbox: true},
		Subject:    "second",
		TextBody:   "body two",
		Keywords:   map[string]bool{`\Seen`: true},
	})
	if methodErr != nil {
		t.Fatal(methodErr)
	}

	ids, total, err := s.QueryEmails(dispatch.EmailFilter{InMailbox: inbox}, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(ids) != 2 {
		t.Fatalf("ids = %v, total = %d", ids, total)
	}

	seenIDs, _, err := s.QueryEmails(dispatch.EmailFilter{InMailbox: inbox, HasKeyword: `\Seen`}, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(seenIDs) != 1 || seenIDs[0] != id2 {
		t.Fatalf("seenIDs = %v, want [%s]", seenIDs, id2)
	}

	unseenIDs, _, err := s.QueryEmails(dispatch.EmailFilter{InMailbox: inbox, NotKeyword: `\Seen`}, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(unseenIDs) != 1 || unseenIDs[0] != id1 {
		t.Fatalf("unseenIDs = %v, want [%s]", unseenIDs, id1)
	}
}

func TestUpdateEmailKeywordsReplace(t *testing.T) {
	s := newTestStore(t)
	inbox := inboxID(t, s)

	id, methodErr := s.CreateEmail(dispatch.EmailCreate{
		MailboxIDs: map[string]bool{inbox: true},
		TextBody:   "x",
		Keywords:   map[string]bool{`\Seen`: true, `\Flagged`: true},
	})
	if methodErr != nil {
		t.Fatal(methodErr)
	}

	if methodErr := s.UpdateEmail(id, dispatch.EmailPatch{
		KeywordsSet: true,
		Keywords:    map[string]bool{`\Flagged`: true},
	}); methodErr != nil {
		t.Fatal(methodErr)
	}

	found, _, err := s.Emails([]string{id}, nil)
	if err != nil {
		t.Fatal(err)
	}
	kw := found[0].Keywords
	if kw[`\Seen`] {
		t.Fatalf("Keywords = %+v, \\Seen should have been cleared by replacement", kw)
	}
	if !kw[`\Flagged`] {
		t.Fatalf("Keywords = %+v, \\Flagged should remain set", kw)
	}
}

func TestUpdateEmailMove(t *testing.T) {
	s := newTestStore(t)
	inbox := inboxID(t, s)

	archiveID, methodErr := s.CreateMailbox(dispatch.MailboxCreate{Name: "Archive"})
	if methodErr != nil {
		t.Fatal(methodErr)
	}

	id, methodErr := s.CreateEmail(dispatch.EmailCreate{
		MailboxIDs: map[string]bool{inbox: true},
		TextBody:   "x",
	})
	if methodErr != nil {
		t.Fatal(methodErr)
	}

	if methodErr := s.UpdateEmail(id, dispatch.EmailPatch{
		MailboxIDsSet: true,
		MailboxIDs:    map[string]bool{archiveID: true},
	}); methodErr != nil {
		t.Fatal(methodErr)
	}

	found, _, err := s.Emails([]string{id}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !found[0].MailboxIDs[archiveID] {
		t.Fatalf("MailboxIDs = %+v, want %s", found[0].MailboxIDs, archiveID)
	}
}

func TestDestroyEmailThenQueryMisses(t *testing.T) {
	s := newTestStore(t)
	inbox := inboxID(t, s)

	id, methodErr := s.CreateEmail(dispatch.EmailCreate{
		MailboxIDs: map[string]bool{inbox: true},
		TextBody:   "x",
	})
	if methodErr != nil {
		t.Fatal(methodErr)
	}

	if methodErr := s.DestroyEmail(id); methodErr != nil {
		t.Fatal(methodErr)
	}

	_, notFound, err := s.Emails([]string{id}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(notFound) != 1 {
		t.Fatalf("notFound = %v, want [%s]", notFound, id)
	}

	ids, total, err := s.QueryEmails(dispatch.EmailFilter{InMailbox: inbox}, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 || len(ids) != 0 {
		t.Fatalf("ids = %v, total = %d, want none", ids, total)
	}
}

func TestDestroyEmailUnknownID(t *testing.T) {
	s := newTestStore(t)
	if methodErr := s.DestroyEmail("m99999"); methodErr == nil {
		t.Fatal("expected NotFound error for unknown id")
	}
}

func TestState(t *testing.T) {
	s := newTestStore(t)
	inbox := inboxID(t, s)

	before, err := s.State()
	if err != nil {
		t.Fatal(err)
	}

	if _, methodErr := s.CreateEmail(dispatch.EmailCreate{
		MailboxIDs: map[string]bool{inbox: true},
		TextBody:   "x",
	}); methodErr != nil {
		t.Fatal(methodErr)
	}

	after, err := s.State()
	if err != nil {
		t.Fatal(err)
	}
	if after == before {
		t.Fatalf("State() did not change after CreateEmail: before=%q after=%q", before, after)
	}
}
