// Package imap holds the types shared between the IMAP connection FSM
// (imapserver) and whatever backs it (a storage implementation satisfying
// Session/Mailbox/Message below). It has no notion of wire syntax — that
// lives in imapparser — and no notion of sockets — that lives in imapserver.
package imap

import (
	"sort"
	"time"

	"crawshaw.io/iox"
	"quillbox.dev/quillbox/email"
	"quillbox.dev/quillbox/imap/imapparser"
)

// Session is the per-user handle a DataStore hands back from Login. One
// Session backs exactly one connection; imapserver never shares a Session
// across goroutines.
type Session interface {
	Mailboxes() ([]MailboxSummary, error)
	Mailbox(name []byte) (Mailbox, error)
	CreateMailbox(name []byte, attr ListAttrFlag) error
	DeleteMailbox(name []byte) error
	RenameMailbox(old, new []byte) error
	RegisterPushDevice(name string, device imapparser.ApplePushDevice) error
	Close()
}

// Mailbox is shared by every session that has it selected. Every mutating
// method is expected to go through the journal (see JournalEntry) so that
// other sessions watching the same mailbox observe the change via
// HighestModSequence/the notifier rather than by polling.
type Mailbox interface {
	ID() int64

	Info() (MailboxInfo, error)

	// Append adds a new message with the given flags and internal date.
	// The returned uid is strictly greater than every uid ever assigned
	// in this mailbox, including ones later expunged.
	Append(flags [][]byte, date time.Time, data *iox.BufferFile) (uid uint32, err error)

	// Search finds all messages that match op and calls fn for each one,
	// in ascending sequence-number order.
	Search(op *imapparser.SearchOp, fn func(MessageSummary)) error

	// Fetch fetches the messages named by seqs and calls fn for each one.
	//
	// If uid is true then seqs is a set of UIDs, otherwise it is a set of
	// sequence numbers. When changedSince is non-zero only messages whose
	// modseq exceeds it are reported (CONDSTORE FETCH ... CHANGEDSINCE).
	//
	// The Message passed to fn may have a nil Content for all parts. If
	// the imapserver needs the content it will call LoadPart.
	//
	// The Message is only valid for the duration of the call to fn. Fetch
	// must Close the underlying email.Msg after fn returns.
	Fetch(uid bool, seqs []imapparser.SeqRange, changedSince int64, fn func(Message)) error

	// Expunge deletes all messages in the mailbox carrying \Deleted.
	//
	// If uidSeqs is non-nil only messages whose UID matches AND carry
	// \Deleted are expunged (UID EXPUNGE, RFC 4315).
	//
	// If fn is non-nil it is called with the seqNum of each deleted
	// message, one at a time, each reported only after the previous
	// message has actually been removed and sequence numbers
	// recalculated — the usual IMAP EXPUNGE renumbering rule.
	Expunge(uidSeqs []imapparser.SeqRange, fn func(seqNum uint32)) error

	// Store applies a flag mutation (STORE). When store.UnchangedSince is
	// set, UIDs whose current modseq exceeds it are left untouched and
	// reported in StoreResults.FailedModified instead (RFC 7162 §3.1.2).
	Store(uid bool, seqs []imapparser.SeqRange, store *imapparser.Store) (StoreResults, error)

	// Move relocates messages into dst, preserving \Seen and friends,
	// reporting the old and new UID pair for each moved message.
	Move(uid bool, seqs []imapparser.SeqRange, dst Mailbox, fn func(seqNum, srcUID, dstUID uint32)) error

	// Copy duplicates messages into dst without touching the source.
	Copy(uid bool, seqs []imapparser.SeqRange, dst Mailbox, fn func(srcUID, dstUID uint32)) error

	// HighestModSequence is the mailbox's modifyIndex: the MODSEQ value
	// that would be assigned to the next mutation. It only moves forward.
	HighestModSequence() (int64, error)

	Close() error
}

// MailboxSummary is the cheap projection of a mailbox used for LIST/LSUB
// and mailbox-name lookups, where the caller doesn't need counts.
type MailboxSummary struct {
	Name  string
	Attrs ListAttrFlag
}

// MailboxInfo is the full projection returned by SELECT/EXAMINE/STATUS. It
// mirrors the Mailbox record described in the data model: uidNext and
// uidValidity are assigned once at mailbox creation and uidValidity never
// changes afterward; HighestModSequence is the mailbox's modifyIndex.
type MailboxInfo struct {
	Summary            MailboxSummary
	NumMessages        uint32
	NumRecent          uint32
	NumUnseen          uint32
	UIDNext            uint32
	UIDValidity        uint32
	FirstUnseenSeqNum  uint32
	HighestModSequence int64
}

// StoreResult is one line of a successful STORE/FETCH-flags response.
type StoreResult struct {
	SeqNum      uint32
	UID         uint32
	Flags       []string
	ModSequence int64
}

// StoreResults is the outcome of Mailbox.Store: Stored holds the messages
// that were actually updated, FailedModified holds the UIDs skipped because
// their modseq already exceeded the request's UNCHANGEDSINCE value.
type StoreResults struct {
	Stored         []StoreResult
	FailedModified []imapparser.SeqRange
}

// MessageSummary is the minimal per-message identity used by Search and by
// journal-driven untagged updates: sequence number, UID, and modseq.
type MessageSummary struct {
	SeqNum uint32
	UID    uint32
	ModSeq int64
}

// Message is a single fetched message, valid only for the duration of the
// Fetch callback that produced it.
type Message interface {
	Summary() MessageSummary

	// Msg returns the email.Msg. Subsequent calls to Msg return the same
	// memory; parts without content loaded carry a nil Content.
	Msg() *email.Msg

	// LoadPart loads Msg().Part[partNum].Content. Any subsequent call to
	// Msg returns the part with content populated, for as long as this
	// Message is valid.
	LoadPart(partNum int) error

	// SetSeen sets the \Seen flag on this message, bumping its modseq.
	SetSeen() error
}

// JournalEntry is one append-only record of a mailbox mutation: a new
// message (EXISTS), a removal (EXPUNGE), or a flag/metadata change
// (FETCH). Entries are ordered by ModSeq within a mailbox and are how a
// Selected session learns about changes made by other sessions or by
// delivery, independent of polling.
type JournalEntry struct {
	MailboxID int64
	ModSeq    int64
	Kind      JournalEntryKind
	SeqNum    uint32 // valid for EXISTS/EXPUNGE
	UID       uint32
	Flags     []string // valid for FETCH
}

// JournalEntryKind distinguishes the three kinds of mailbox mutation a
// selected session can observe via its journal subscription.
type JournalEntryKind int

const (
	JournalExists JournalEntryKind = iota
	JournalExpunge
	JournalFetch
)

// Notifier is told about new deliveries so it can wake any worker process
// actually serving the affected user/mailbox (push, IDLE, or otherwise).
// Producing the underlying JournalEntry is the storage layer's job; Notify
// is purely the fan-out step.
type Notifier interface {
	Notify(userID int64, mailboxID int64, mailboxName string, devices []imapparser.ApplePushDevice)
}

// ListAttrFlag is a bitset of mailbox attributes reported by LIST/LSUB,
// including the RFC 6154 SPECIAL-USE set.
type ListAttrFlag int

const (
	AttrNone        ListAttrFlag = 0
	AttrNoinferiors ListAttrFlag = 1 << iota
	AttrNoselect
	AttrMarked
	AttrUnmarked

	// SPECIAL-USE mailbox attributes, RFC 6154.
	AttrAll
	AttrArchive
	AttrDrafts
	AttrFlagged
	AttrJunk
	AttrSent
	AttrTrash
)

// SpecialUse maps a mailbox's single SPECIAL-USE designation (as stored in
// the data model's Mailbox.specialUse field) to its LIST attribute bit. A
// mailbox has at most one of these; "none" maps to AttrNone.
func SpecialUse(use string) ListAttrFlag {
	switch use {
	case `\All`:
		return AttrAll
	case `\Archive`:
		return AttrArchive
	case `\Drafts`:
		return AttrDrafts
	case `\Junk`:
		return AttrJunk
	case `\Sent`:
		return AttrSent
	case `\Trash`:
		return AttrTrash
	default:
		return AttrNone
	}
}

func (attrs ListAttrFlag) String() (res string) {
	for _, attr := range attrList {
		if attrs&attr != 0 {
			s := attrStrings[attr]
			if res == "" {
				res = s
			} else {
				res = res + " " + s
			}
		}
	}
	return res
}

var attrStrings = map[ListAttrFlag]string{
	AttrNoinferiors: `\Noinferiors`,
	AttrNoselect:    `\Noselect`,
	AttrMarked:      `\Marked`,
	AttrUnmarked:    `\Unmarked`,
	AttrAll:         `\All`,
	AttrArchive:     `\Archive`,
	AttrDrafts:      `\Drafts`,
	AttrFlagged:     `\Flagged`,
	AttrJunk:        `\Junk`,
	AttrSent:        `\Sent`,
	AttrTrash:       `\Trash`,
}

var attrList = func() (attrList []ListAttrFlag) {
	for attr := range attrStrings {
		attrList = append(attrList, attr)
	}
	sort.Slice(attrList, func(i, j int) bool { return attrList[i] < attrList[j] })
	return attrList
}()
