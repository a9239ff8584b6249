package imapparser

import (
	"testing"
	"time"
)

var seqContainsTests = []struct {
	seqs    []SeqRange
	want    []uint32
	wantNot []uint32
}{
	{
		seqs: []SeqRange{SeqRange{0, 0}},
		want: []uint32{1, 2, 3, 4},
	},
	{
		seqs:    []SeqRange{SeqRange{1, 1}, SeqRange{3, 4}},
		want:    []uint32{1, 3, 4},
		wantNot: []uint32{2, 5},
	},
	{
		seqs:    []SeqRange{SeqRange{4, 0}},
		want:    []uint32{4, 5, 6},
		wantNot: []uint32{1, 2, 3},
	},
}

func TestSeqContains(t *testing.T) {
	for _, test := range seqContainsTests {
		for _, id := range test.want {
			if !SeqContains(test.seqs, id) {
				t.Errorf("SeqContains(%v, %d)=false, want true", test.seqs, id)
			}
		}
		for _, id := range test.wantNot {
			if SeqContains(test.seqs, id) {
				t.Errorf("SeqContains(%v, %d)=true, want false", test.seqs, id)
			}
		}
	}
}

var resolveSeqSetTests = []struct {
	seqs []SeqRange
	list []uint32
	star uint32
	want []uint32
}{
	{
		seqs: []SeqRange{{1, 1}, {3, 4}},
		list: []uint32{1, 2, 3, 4, 5},
		want: []uint32{1, 3, 4},
	},
	{
		seqs: []SeqRange{{4, 0}},
		list: []uint32{1, 2, 3, 4, 5, 6},
		star: 6,
		want: []uint32{4, 5, 6},
	},
	{
		// overlapping ranges must not produce duplicates
		seqs: []SeqRange{{1, 3}, {2, 5}},
		list: []uint32{1, 2, 3, 4, 5, 6},
		want: []uint32{1, 2, 3, 4, 5},
	},
	{
		// a range entirely outside list contributes nothing
		seqs: []SeqRange{{100, 200}},
		list: []uint32{1, 2, 3},
		want: nil,
	},
}

func TestResolveSeqSet(t *testing.T) {
	for _, test := range resolveSeqSetTests {
		got := ResolveSeqSet(test.seqs, test.list, test.star)
		if len(got) != len(test.want) {
			t.Errorf("ResolveSeqSet(%v, %v, %d) = %v, want %v", test.seqs, test.list, test.star, got, test.want)
			continue
		}
		for i := range got {
			if got[i] != test.want[i] {
				t.Errorf("ResolveSeqSet(%v, %v, %d) = %v, want %v", test.seqs, test.list, test.star, got, test.want)
				break
			}
		}
	}
}

// testMsg is a minimal MatchMessage for exercising the Matcher.
type testMsg struct {
	seqNum     uint32
	uid        uint32
	modSeq     int64
	flags      map[string]bool
	headers    map[string]string
	headerText string
	bodyText   string
	date       time.Time
	size       int64
}

func (m *testMsg) SeqNum() uint32        { return m.seqNum }
func (m *testMsg) UID() uint32           { return m.uid }
func (m *testMsg) ModSeq() int64         { return m.modSeq }
func (m *testMsg) Flag(name string) bool { return m.flags[name] }
func (m *testMsg) Header(name string) string {
	return m.headers[name]
}
func (m *testMsg) HeaderText() string   { return m.headerText }
func (m *testMsg) BodyText() string     { return m.bodyText }
func (m *testMsg) Date() time.Time      { return m.date }
func (m *testMsg) RFC822Size() int64    { return m.size }

// TestModSeqQuirkRejected pins the fix for the documented MODSEQ search
// quirk: a comparator that always returns true regardless of the supplied
// value is explicitly rejected. The correct comparator is modseq >= v.
func TestModSeqQuirkRejected(t *testing.T) {
	msg := &testMsg{modSeq: 5}
	op := &SearchOp{Key: "MODSEQ", Num: 10}
	m, err := NewMatcher(op)
	if err != nil {
		t.Fatal(err)
	}
	if m.Match(msg) {
		t.Errorf("MODSEQ 10 matched a message with modseq 5; the always-true comparator is rejected, want modseq >= v")
	}
	msg.modSeq = 10
	if !m.Match(msg) {
		t.Errorf("MODSEQ 10 should match a message with modseq == 10")
	}
	msg.modSeq = 11
	if !m.Match(msg) {
		t.Errorf("MODSEQ 10 should match a message with modseq > 10")
	}
}

func TestMatchBodyAndText(t *testing.T) {
	msg := &testMsg{
		headerText: "Subject: hello world\r\n\r\n",
		bodyText:   "the quick Brown fox",
	}
	bodyOp := &SearchOp{Key: "BODY", Value: "brown fox"}
	m, err := NewMatcher(bodyOp)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Match(msg) {
		t.Errorf("BODY search should be case-insensitive and match body text")
	}

	textOp := &SearchOp{Key: "TEXT", Value: "hello"}
	m, err = NewMatcher(textOp)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Match(msg) {
		t.Errorf("TEXT search should match header text")
	}
}

func TestMatchKeywordUnkeyword(t *testing.T) {
	msg := &testMsg{flags: map[string]bool{"Work": true}}

	m, err := NewMatcher(&SearchOp{Key: "KEYWORD", Value: "Work"})
	if err != nil {
		t.Fatal(err)
	}
	if !m.Match(msg) {
		t.Errorf("KEYWORD Work should match a message carrying the Work flag")
	}

	m, err = NewMatcher(&SearchOp{Key: "UNKEYWORD", Value: "Work"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Match(msg) {
		t.Errorf("UNKEYWORD Work should not match a message carrying the Work flag")
	}
}

func TestPreMatchNeedsBody(t *testing.T) {
	// A tree mixing a persisted AND a body-dependent key must defer to
	// the full Match once pre-filtering can't exclude the message.
	op := &SearchOp{
		Key: "AND",
		Children: []SearchOp{
			{Key: "SEEN"},
			{Key: "BODY", Value: "needle"},
		},
	}
	m, err := NewMatcher(op)
	if err != nil {
		t.Fatal(err)
	}
	if !m.NeedsBody() {
		t.Errorf("NeedsBody() = false, want true for a tree containing BODY")
	}

	unseen := &testMsg{flags: map[string]bool{}, bodyText: "a needle in a haystack"}
	ok, needBody := m.PreMatch(unseen)
	if ok {
		t.Errorf("PreMatch should exclude an unseen message from a SEEN AND ... tree without needing the body")
	}
	_ = needBody

	seenNoMatch := &testMsg{flags: map[string]bool{`\Seen`: true}, bodyText: "nothing interesting"}
	ok, needBody = m.PreMatch(seenNoMatch)
	if !ok || !needBody {
		t.Errorf("PreMatch(seen, no body match) = %v, %v, want true, true (deferred to Match)", ok, needBody)
	}
	if m.Match(seenNoMatch) {
		t.Errorf("full Match should reject a seen message whose body lacks the needle")
	}

	seenMatch := &testMsg{flags: map[string]bool{`\Seen`: true}, bodyText: "a needle in a haystack"}
	ok, needBody = m.PreMatch(seenMatch)
	if !ok || !needBody {
		t.Errorf("PreMatch(seen, body match) = %v, %v, want true, true", ok, needBody)
	}
	if !m.Match(seenMatch) {
		t.Errorf("full Match should accept a seen message whose body has the needle")
	}
}

func TestMatchSentBeforeOnSince(t *testing.T) {
	msg := &testMsg{headers: map[string]string{"Date": "15 Mar 2024 10:00:00 +0000"}}

	before, err := NewMatcher(&SearchOp{Key: "SENTBEFORE", Date: time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatal(err)
	}
	if !before.Match(msg) {
		t.Errorf("SENTBEFORE 2024-03-16 should match a message sent 2024-03-15")
	}

	on, err := NewMatcher(&SearchOp{Key: "SENTON", Date: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatal(err)
	}
	if !on.Match(msg) {
		t.Errorf("SENTON 2024-03-15 should match a message sent 2024-03-15")
	}

	since, err := NewMatcher(&SearchOp{Key: "SENTSINCE", Date: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatal(err)
	}
	if !since.Match(msg) {
		t.Errorf("SENTSINCE 2024-03-15 should match a message sent on that same day")
	}
}
