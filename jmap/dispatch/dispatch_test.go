package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
)

// fakeStore is a minimal in-memory Store for exercising the dispatcher
// without a real persistence layer.
type fakeStore struct {
	state     int
	mailboxes map[string]MailboxRecord
	emails    map[string]EmailRecord
	changes   ChangesResult
	changesErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		state:     1,
		mailboxes: map[string]MailboxRecord{},
		emails:    map[string]EmailRecord{},
	}
}

func (s *fakeStore) State() (string, error) { return fmt.Sprintf("%d", s.state), nil }

func (s *fakeStore) Mailboxes(ids []string) ([]MailboxRecord, []string, error) {
	var found []MailboxRecord
	var notFound []string
	for _, id := range ids {
		if m, ok := s.mailboxes[id]; ok {
			found = append(found, m)
		} else {
			notFound = append(notFound, id)
		}
	}
	return found, notFound, nil
}

func (s *fakeStore) AllMailboxIDs() ([]string, error) {
	var ids []string
	for id := range s.mailboxes {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *fakeStore) CreateMailbox(m MailboxCreate) (string, *MethodError) {
	id := fmt.Sprintf("mb-%d", len(s.mailboxes)+1)
	s.mailboxes[id] = MailboxRecord{ID: id, Name: m.Name, ParentID: m.ParentID}
	s.state++
	return id, nil
}

func (s *fakeStore) QueryEmails(filter EmailFilter, sort []EmailSort, limit int) ([]string, int, error) {
	var ids []string
	for id, e := range s.emails {
		if filter.InMailbox != "" && !e.MailboxIDs[filter.InMailbox] {
			continue
		}
		ids = append(ids, id)
	}
	return ids, len(ids), nil
}

func (s *fakeStore) Emails(ids []string, props []string) ([]EmailRecord, []string, error) {
	var found []EmailRecord
	var notFound []string
	for _, id := range ids {
		if e, ok := s.emails[id]; ok {
			found = append(found, e)
		} else {
			notFound = append(notFound, id)
		}
	}
	return found, notFound, nil
}

func (s *fakeStore) CreateEmail(draft EmailCreate) (string, *MethodError) {
	id := fmt.Sprintf("e-%d", len(s.emails)+1)
	s.emails[id] = EmailRecord{ID: id, MailboxIDs: draft.MailboxIDs, Keywords: draft.Keywords, Subject: draft.Subject}
	s.state++
	return id, nil
}

func (s *fakeStore) UpdateEmail(id string, patch EmailPatch) *MethodError {
	e, ok := s.emails[id]
	if !ok {
		return newError(ErrNotFound, "no such email %q", id)
	}
	if patch.MailboxIDsSet {
		e.MailboxIDs = patch.MailboxIDs
	}
	if patch.KeywordsSet {
		e.Keywords = patch.Keywords
	}
	s.emails[id] = e
	s.state++
	return nil
}

func (s *fakeStore) DestroyEmail(id string) *MethodError {
	if _, ok := s.emails[id]; !ok {
		return newError(ErrNotFound, "no such email %q", id)
	}
	delete(s.emails, id)
	s.state++
	return nil
}

func (s *fakeStore) SubmitEmail(emailID string, moveToSent bool) (string, *MethodError) {
	if _, ok := s.emails[emailID]; !ok {
		return "", newError(ErrNotFound, "no such email %q", emailID)
	}
	return "sub-1", nil
}

func (s *fakeStore) ChangesSince(typ string, sinceState string) (ChangesResult, error) {
	return s.changes, s.changesErr
}

func TestUnknownMethod(t *testing.T) {
	store := newFakeStore()
	resp := Dispatch(context.Background(), store, []Invocation{
		{Name: "Bogus/frobnicate", Args: json.RawMessage(`{}`), CallID: "c1"},
	})
	if len(resp) != 1 || resp[0].Err == nil || resp[0].Err.Type != ErrUnknownMethod {
		t.Fatalf("got %+v, want unknownMethod", resp)
	}
}

// TestBackReference pins spec scenario E4: Email/get's ids argument is a
// back-reference to Email/query's result in the same batch.
func TestBackReference(t *testing.T) {
	store := newFakeStore()
	store.mailboxes["M"] = MailboxRecord{ID: "M", Name: "Inbox"}
	store.emails["e1"] = EmailRecord{ID: "e1", MailboxIDs: map[string]bool{"M": true}, Subject: "hi"}

	calls := []Invocation{
		{Name: "Email/query", Args: json.RawMessage(`{"filter":{"inMailbox":"M"},"limit":10}`), CallID: "a"},
		{Name: "Email/get", Args: json.RawMessage(`{"ids":{"resultOf":"a","name":"Email/query","path":"/ids"}}`), CallID: "b"},
	}

	resp := Dispatch(context.Background(), store, calls)
	if len(resp) != 2 {
		t.Fatalf("got %d responses, want 2", len(resp))
	}
	if resp[1].Err != nil {
		t.Fatalf("Email/get errored: %v", resp[1].Err)
	}
	get, ok := resp[1].Args.(emailGetResult)
	if !ok {
		t.Fatalf("Email/get args = %T, want emailGetResult", resp[1].Args)
	}
	if len(get.List) != 1 || get.List[0].ID != "e1" {
		t.Fatalf("Email/get list = %+v, want [e1]", get.List)
	}
}

func TestBackReferenceUnknownCall(t *testing.T) {
	store := newFakeStore()
	calls := []Invocation{
		{Name: "Email/get", Args: json.RawMessage(`{"ids":{"resultOf":"missing","name":"Email/query","path":"/ids"}}`), CallID: "b"},
	}
	resp := Dispatch(context.Background(), store, calls)
	if len(resp) != 1 || resp[0].Err == nil || resp[0].Err.Type != ErrInvalidArguments {
		t.Fatalf("got %+v, want invalidArguments", resp)
	}
}

// TestEmailSetKeywordReplacement pins spec scenario E5: updating keywords
// replaces the whole set, clearing any keyword absent from the map.
func TestEmailSetKeywordReplacement(t *testing.T) {
	store := newFakeStore()
	store.emails["e1"] = EmailRecord{
		ID:       "e1",
		Keywords: map[string]bool{"$seen": true, "$flagged": true},
	}

	calls := []Invocation{
		{Name: "Email/set", Args: json.RawMessage(`{"update":{"e1":{"keywords":{"$flagged":true}}}}`), CallID: "c1"},
	}
	resp := Dispatch(context.Background(), store, calls)
	if resp[0].Err != nil {
		t.Fatalf("Email/set errored: %v", resp[0].Err)
	}

	got := store.emails["e1"].Keywords
	want := map[string]bool{"$flagged": true}
	if len(got) != len(want) || !got["$flagged"] || got["$seen"] {
		t.Fatalf("keywords after update = %v, want %v", got, want)
	}
}

// TestEmailChangesCannotCalculate pins spec scenario E6.
func TestEmailChangesCannotCalculate(t *testing.T) {
	store := newFakeStore()
	store.changes = ChangesResult{CannotCalculateChanges: true}

	calls := []Invocation{
		{Name: "Email/changes", Args: json.RawMessage(`{"sinceState":"100"}`), CallID: "c1"},
	}
	resp := Dispatch(context.Background(), store, calls)
	if resp[0].Err == nil || resp[0].Err.Type != ErrCannotCalculateChanges {
		t.Fatalf("got %+v, want cannotCalculateChanges", resp[0])
	}
}

func TestInvocationWireRoundTrip(t *testing.T) {
	raw := []byte(`["Email/get",{"ids":["e1"]},"c1"]`)
	var inv Invocation
	if err := json.Unmarshal(raw, &inv); err != nil {
		t.Fatal(err)
	}
	if inv.Name != "Email/get" || inv.CallID != "c1" {
		t.Fatalf("got %+v", inv)
	}
	out, err := json.Marshal(inv)
	if err != nil {
		t.Fatal(err)
	}
	var roundTrip Invocation
	if err := json.Unmarshal(out, &roundTrip); err != nil {
		t.Fatal(err)
	}
	if roundTrip.Name != inv.Name || roundTrip.CallID != inv.CallID {
		t.Fatalf("round-trip mismatch: %+v vs %+v", roundTrip, inv)
	}
}
