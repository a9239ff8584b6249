package dispatch

import "time"

// Store is the per-account view the dispatcher's handlers operate
// against. A storage implementation adapts a user's mailboxes/messages
// (backed by the same persistence the IMAP/POP3 engines use) to this
// shape; the dispatcher itself has no notion of SQL, journals, or UIDs.
type Store interface {
	// State returns the account's current JMAP state string, computed as
	// max(mailbox.modifyIndex, message.modseq, 1) per spec §4.G.
	State() (string, error)

	Mailboxes(ids []string) (found []MailboxRecord, notFound []string, err error)
	AllMailboxIDs() ([]string, error)
	CreateMailbox(m MailboxCreate) (id string, err *MethodError)

	QueryEmails(filter EmailFilter, sort []EmailSort, limit int) (ids []string, total int, err error)
	Emails(ids []string, props []string) (found []EmailRecord, notFound []string, err error)
	CreateEmail(draft EmailCreate) (id string, err *MethodError)
	UpdateEmail(id string, patch EmailPatch) *MethodError
	DestroyEmail(id string) *MethodError

	// SubmitEmail sends the given draft email, optionally relocating it
	// to the account's Sent mailbox afterward.
	SubmitEmail(emailID string, moveToSent bool) (submissionID string, err *MethodError)

	// ChangesSince returns the categorized id changes since sinceState,
	// delegating to the per-user jmap/changelog.Log (spec §4.F).
	ChangesSince(typ string, sinceState string) (ChangesResult, error)
}

// MailboxRecord is the Mailbox/get projection (JMAP Mail §2).
type MailboxRecord struct {
	ID            string
	ParentID      string
	Name          string
	Role          string // "inbox", "drafts", "sent", "trash", "archive", "junk", or ""
	SortOrder     int
	TotalEmails   int
	UnreadEmails  int
	TotalThreads  int
	UnreadThreads int
	IsSubscribed  bool
}

// MailboxCreate is the argument to Mailbox/set's create path (spec §4.G:
// "create only" — no update/destroy for mailboxes in this subset).
type MailboxCreate struct {
	Name     string
	ParentID string
}

// EmailFilter mirrors Email/query's supported filter keys (spec §4.G).
type EmailFilter struct {
	InMailbox  string
	HasKeyword string
	NotKeyword string
	Text       string
	Subject    string
}

// EmailSort is one Email/query sort comparator; supported properties are
// receivedAt, sentAt, subject, size (spec §4.G).
type EmailSort struct {
	Property    string
	IsAscending bool
}

// Address is a JMAP EmailAddress object (JMAP Mail §4.1.2.3).
type Address struct {
	Name  string
	Email string
}

// BodyValue is one entry of Email/get's bodyValues map.
type BodyValue struct {
	Value string
}

// BodyPart is one entry of Email/get's textBody/htmlBody arrays.
type BodyPart struct {
	PartID      string
	Type        string
	Size        int64
}

// EmailRecord is the Email/get projection. Fields are populated according
// to the properties requested; zero values mean "not requested", not
// "absent" — Get's caller is responsible for property-filtering before
// marshaling the JSON response.
type EmailRecord struct {
	ID            string
	MailboxIDs    map[string]bool
	Keywords      map[string]bool
	Size          int64
	ReceivedAt    time.Time
	SentAt        time.Time
	Subject       string
	From          []Address
	To            []Address
	CC            []Address
	BCC           []Address
	ReplyTo       []Address
	Preview       string
	HasAttachment bool
	BodyValues    map[string]BodyValue
	TextBody      []BodyPart
	HTMLBody      []BodyPart
}

// EmailCreate is the argument to Email/set's create path: a draft built
// from the caller-supplied fields.
type EmailCreate struct {
	MailboxIDs map[string]bool
	Keywords   map[string]bool
	Subject    string
	From       []Address
	To         []Address
	CC         []Address
	BCC        []Address
	ReplyTo    []Address
	TextBody   string
	HTMLBody   string
}

// EmailPatch is a partial update for Email/set's update path.
//
// Keywords uses replacement semantics (spec §4.G, scenario E5): when
// KeywordsSet is true, Keywords entirely replaces the message's keyword
// set — a keyword present on the message but absent from this map is
// cleared, it is not merely left alone.
type EmailPatch struct {
	MailboxIDsSet bool
	MailboxIDs    map[string]bool

	KeywordsSet bool
	Keywords    map[string]bool
}

// ChangesResult is ChangesSince's return value, reusing the shape of
// jmap/changelog.Changes so a Store implementation can pass one straight
// through from a changelog.Log lookup.
type ChangesResult struct {
	Created                []string
	Updated                []string
	Destroyed              []string
	NewState                string
	CannotCalculateChanges bool
}
