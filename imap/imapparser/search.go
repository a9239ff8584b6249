package imapparser

import (
	"sort"
	"strings"
	"time"
)

// MatchMessage is the per-message view a Matcher evaluates a SearchOp
// tree against. HeaderText/BodyText are only consulted by the post-filter
// pass (TEXT, BODY, HEADER, SUBJECT, TO, FROM, CC, BCC) — PreMatch never
// calls them, so a caller can satisfy them lazily (e.g. only load the
// message body once PreMatch has said a fetch is worthwhile).
type MatchMessage interface {
	SeqNum() uint32
	UID() uint32
	ModSeq() int64
	Flag(name string) bool
	Header(name string) string
	HeaderText() string
	BodyText() string
	Date() time.Time
	RFC822Size() int64
}

// bodyDependentKeys are the search keys whose semantics require header or
// body content that isn't part of a message's persisted attributes (uid,
// flags, size, internaldate, modseq, mailbox, user). PreMatch treats them
// as undecided rather than evaluating them against placeholder content.
var bodyDependentKeys = map[SearchKey]bool{
	"BODY":    true,
	"TEXT":    true,
	"HEADER":  true,
	"SUBJECT": true,
	"TO":      true,
	"FROM":    true,
	"CC":      true,
	"BCC":     true,
}

type Matcher struct {
	op *SearchOp
}

func NewMatcher(op *SearchOp) (*Matcher, error) {
	return &Matcher{op: op}, nil
}

// NeedsBody reports whether the matcher's tree contains any search key
// that PreMatch cannot resolve on persisted attributes alone.
func (m *Matcher) NeedsBody() bool {
	return needsBody(m.op)
}

func needsBody(op *SearchOp) bool {
	if bodyDependentKeys[op.Key] {
		return true
	}
	for i := range op.Children {
		if needsBody(&op.Children[i]) {
			return true
		}
	}
	return false
}

// tri is three-valued logic used by the pre-filter pass: a body-dependent
// leaf is triUnknown rather than forced to true or false, so AND/OR/NOT
// combine it soundly instead of guessing.
type tri int

const (
	triFalse tri = iota
	triTrue
	triUnknown
)

// PreMatch is the search evaluator's pre-filter stage: it decides what it
// can from persisted attributes (uid, flags, size, internaldate, modseq,
// mailbox, user) and reports ok=false only when the message is certainly
// excluded, without touching header or body content. When it returns
// ok=true, needBody tells the caller whether Match must still be called
// once the body is available to reach a final answer.
func (m *Matcher) PreMatch(msg MatchMessage) (ok bool, needBody bool) {
	result := preMatch(msg, m.op)
	return result != triFalse, result == triUnknown
}

func preMatch(msg MatchMessage, op *SearchOp) tri {
	if bodyDependentKeys[op.Key] {
		return triUnknown
	}
	switch op.Key {
	case "AND":
		saw := triTrue
		for i := range op.Children {
			switch preMatch(msg, &op.Children[i]) {
			case triFalse:
				return triFalse
			case triUnknown:
				saw = triUnknown
			}
		}
		return saw
	case "OR":
		saw := triFalse
		for i := range op.Children {
			switch preMatch(msg, &op.Children[i]) {
			case triTrue:
				return triTrue
			case triUnknown:
				saw = triUnknown
			}
		}
		return saw
	case "NOT":
		if len(op.Children) != 1 {
			return triFalse
		}
		switch preMatch(msg, &op.Children[0]) {
		case triTrue:
			return triFalse
		case triFalse:
			return triTrue
		default:
			return triUnknown
		}
	}
	if matchLeaf(msg, op) {
		return triTrue
	}
	return triFalse
}

// Match is the complete, two-valued evaluator: it may consult header and
// body content and is the authority used once PreMatch has said a fetch
// is needed (or directly, for trees with no body-dependent keys at all).
func (m *Matcher) Match(msg MatchMessage) bool {
	return match(msg, m.op)
}

func match(msg MatchMessage, op *SearchOp) bool {
	switch op.Key {
	case "AND":
		for i := range op.Children {
			if !match(msg, &op.Children[i]) {
				return false
			}
		}
		return true
	case "OR":
		for i := range op.Children {
			if match(msg, &op.Children[i]) {
				return true
			}
		}
		return false
	case "NOT":
		if len(op.Children) != 1 {
			return false // malformed AST, avoid panic
		}
		return !match(msg, &op.Children[0])
	}
	return matchLeaf(msg, op)
}

// matchLeaf evaluates a single non-boolean search key. It is shared by
// both passes: preMatch only ever calls it for keys not in
// bodyDependentKeys, so the HeaderText/BodyText branches below are only
// reached from the full Match pass.
func matchLeaf(msg MatchMessage, op *SearchOp) bool {
	switch op.Key {
	case "SEQSET":
		return SeqContains(op.Sequences, msg.SeqNum())
	case "UID":
		return SeqContains(op.Sequences, msg.UID())
	case "ALL":
		return true
	case "BEFORE":
		return msg.Date().Before(op.Date)
	case "KEYWORD":
		return msg.Flag(op.Value)
	case "LARGER":
		return msg.RFC822Size() > op.Num
	case "SMALLER":
		return msg.RFC822Size() < op.Num
	case "MODSEQ":
		return msg.ModSeq() >= op.Num
	case "NEW":
		// equivalent to (RECENT UNSEEN)
		return msg.Flag(`\Recent`) && !msg.Flag(`\Seen`)
	case "OLD":
		return !msg.Flag(`\Recent`)
	case "ON":
		year, month, day := msg.Date().Date()
		return sameDay(time.Date(year, month, day, 0, 0, 0, 0, time.UTC), op.Date)
	case "RECENT":
		return msg.Flag(`\Recent`)
	case "SEEN":
		return msg.Flag(`\Seen`)
	case "SENTBEFORE":
		return headerDate(msg).Before(dateOnly(op.Date))
	case "SENTON":
		return sameDay(headerDate(msg), op.Date)
	case "SENTSINCE":
		d := dateOnly(headerDate(msg))
		return d.Equal(dateOnly(op.Date)) || d.After(dateOnly(op.Date))
	case "SINCE":
		d := dateOnly(msg.Date())
		return d.Equal(dateOnly(op.Date)) || d.After(dateOnly(op.Date))
	case "HEADER":
		i := strings.IndexByte(op.Value, ':')
		if i < 1 {
			return false
		}
		name := op.Value[:i]
		value := ""
		if i < len(op.Value)-1 {
			value = op.Value[i+2:]
		}
		return strings.Contains(msg.Header(name), value)
	case "SUBJECT":
		return strings.Contains(msg.Header("Subject"), op.Value)
	case "TO":
		return strings.Contains(msg.Header("To"), op.Value)
	case "FROM":
		return strings.Contains(msg.Header("From"), op.Value)
	case "CC":
		return strings.Contains(msg.Header("CC"), op.Value)
	case "BCC":
		return strings.Contains(msg.Header("BCC"), op.Value)
	case "BODY":
		return strings.Contains(strings.ToLower(msg.BodyText()), strings.ToLower(op.Value))
	case "TEXT":
		text := msg.HeaderText() + msg.BodyText()
		return strings.Contains(strings.ToLower(text), strings.ToLower(op.Value))
	case "ANSWERED":
		return msg.Flag(`\Answered`)
	case "UNANSWERED":
		return !msg.Flag(`\Answered`)
	case "DELETED":
		return msg.Flag(`\Deleted`)
	case "UNDELETED":
		return !msg.Flag(`\Deleted`)
	case "DRAFT":
		return msg.Flag(`\Draft`)
	case "UNDRAFT":
		return !msg.Flag(`\Draft`)
	case "FLAGGED":
		return msg.Flag(`\Flagged`)
	case "UNFLAGGED":
		return !msg.Flag(`\Flagged`)
	case "UNKEYWORD":
		return !msg.Flag(op.Value)
	case "UNSEEN":
		return !msg.Flag(`\Seen`)
	}
	return false
}

func dateOnly(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func sameDay(t, ref time.Time) bool {
	return dateOnly(t).Equal(dateOnly(ref))
}

// headerDate parses the message's Date: header for SENTBEFORE/SENTON/
// SENTSINCE, which compare against the header date rather than the
// mailbox's recorded internal date. A message with no parseable Date:
// header sorts before everything (zero time).
func headerDate(msg MatchMessage) time.Time {
	v := msg.Header("Date")
	if v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC1123Z, v); err == nil {
		return t
	}
	if t, err := time.Parse("2 Jan 2006 15:04:05 -0700", v); err == nil {
		return t
	}
	return time.Time{}
}

// SeqContains reports whether seqNum falls in any of sequences, treating
// a zero Max as the unresolved "*" placeholder (matches any seqNum >=
// Min). It is O(len(sequences)) and is meant for single-message checks;
// ResolveSeqSet should be used instead when testing a whole sorted list
// of candidate UIDs/sequence numbers against a SeqRange set.
func SeqContains(sequences []SeqRange, seqNum uint32) bool {
	for _, seq := range sequences {
		if seq.Min <= seqNum && (seq.Max == 0 || seq.Max >= seqNum) {
			return true
		}
	}
	return false
}

// ResolveSeqSet expands sequences against a sorted-ascending list of
// known values (UIDs or sequence numbers) and returns the subset of list
// that falls within sequences, in ascending order with no duplicates.
//
// star resolves a SeqRange's Max == 0 ("*" in the wire syntax): the
// largest value it could plausibly mean. Callers pass the mailbox's
// current max UID (for a UID set) or message count (for a sequence-number
// set).
//
// Unlike calling SeqContains once per element of list (O(len(sequences) *
// len(list))), this sorts and merges sequences once and binary-searches
// list for each merged range, costing O((len(sequences) + len(list)) *
// log len(list)).
func ResolveSeqSet(sequences []SeqRange, list []uint32, star uint32) []uint32 {
	if len(sequences) == 0 || len(list) == 0 {
		return nil
	}
	ranges := make([]SeqRange, len(sequences))
	copy(ranges, sequences)
	for i := range ranges {
		if ranges[i].Max == 0 {
			ranges[i].Max = star
		}
		if ranges[i].Min == 0 {
			ranges[i].Min = star
		}
		if ranges[i].Min > ranges[i].Max {
			ranges[i].Min, ranges[i].Max = ranges[i].Max, ranges[i].Min
		}
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Min < ranges[j].Min })

	merged := ranges[:1]
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r.Min <= last.Max+1 {
			if r.Max > last.Max {
				last.Max = r.Max
			}
			continue
		}
		merged = append(merged, r)
	}

	var out []uint32
	for _, r := range merged {
		start := sort.Search(len(list), func(i int) bool { return list[i] >= r.Min })
		end := sort.Search(len(list), func(i int) bool { return list[i] > r.Max })
		out = append(out, list[start:end]...)
	}
	return out
}
