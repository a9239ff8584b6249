package notifier

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecodeEventNoPayload(t *testing.T) {
	msg := encodeEvent("alice", nil)
	if string(msg) != `{"e":"alice"}` {
		t.Fatalf("encodeEvent = %q", msg)
	}
	event, ok := decodeEvent(msg)
	if !ok {
		t.Fatal("decodeEvent returned ok=false")
	}
	if event.User != "alice" || event.Payload != nil {
		t.Fatalf("decodeEvent = %+v", event)
	}
}

func TestEncodeDecodeEventWithPayload(t *testing.T) {
	payload := json.RawMessage(`{"mailbox":"INBOX","uid":42}`)
	msg := encodeEvent("bob", payload)
	event, ok := decodeEvent(msg)
	if !ok {
		t.Fatal("decodeEvent returned ok=false")
	}
	if event.User != "bob" {
		t.Fatalf("User = %q, want bob", event.User)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(event.Payload, &got); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if got["mailbox"] != "INBOX" {
		t.Fatalf("payload = %v", got)
	}
}

func TestDecodeEventMalformed(t *testing.T) {
	for _, bad := range []string{
		``,
		`not json at all`,
		`{"x":"alice"}`,
		`{"e":"alice"`,
	} {
		if _, ok := decodeEvent([]byte(bad)); ok {
			t.Errorf("decodeEvent(%q) = ok, want failure", bad)
		}
	}
}

// TestFastPathFingerprint pins the no-payload fast path: a payload-less
// message is detected without ever calling encoding/json.Unmarshal. We
// can't observe "didn't call json" directly, so this instead pins the
// fingerprint shape itself doesn't regress — the byte after the closing
// quote of the user id must be exactly '}'.
func TestFastPathFingerprint(t *testing.T) {
	msg := encodeEvent("carol", nil)
	want := `{"e":"carol"}`
	if string(msg) != want {
		t.Fatalf("encodeEvent = %q, want %q", msg, want)
	}
}

func TestDispatchFanOutToLocalListeners(t *testing.T) {
	w := &Worker{
		listeners: map[string][]chan Event{
			"alice": {make(chan Event, 1), make(chan Event, 1)},
			"bob":   {make(chan Event, 1)},
		},
	}

	w.dispatch(Event{User: "alice"})

	for i, ch := range w.listeners["alice"] {
		select {
		case ev := <-ch:
			if ev.User != "alice" {
				t.Errorf("listener %d got %+v", i, ev)
			}
		default:
			t.Errorf("listener %d for alice got nothing", i)
		}
	}
	select {
	case ev := <-w.listeners["bob"][0]:
		t.Errorf("bob's listener should not have received anything, got %+v", ev)
	default:
	}
}

// TestDispatchNonBlocking pins that a full listener channel doesn't stall
// dispatch to the others.
func TestDispatchNonBlocking(t *testing.T) {
	full := make(chan Event) // unbuffered, nothing draining it
	drained := make(chan Event, 1)
	w := &Worker{
		listeners: map[string][]chan Event{
			"alice": {full, drained},
		},
	}

	done := make(chan struct{})
	go func() {
		w.dispatch(Event{User: "alice"})
		close(done)
	}()
	<-done

	select {
	case <-drained:
	default:
		t.Error("drained listener should have received the event")
	}
}

func TestSubscribeRefcounting(t *testing.T) {
	w := &Worker{}
	w.mu.Lock()
	w.registered = map[string]int{}
	w.listeners = map[string][]chan Event{}
	w.mu.Unlock()

	ch1 := make(chan Event, 1)
	ch2 := make(chan Event, 1)

	w.mu.Lock()
	w.registered["alice"] = 1
	w.listeners["alice"] = []chan Event{ch1}
	w.mu.Unlock()

	w.mu.Lock()
	w.registered["alice"]++
	w.listeners["alice"] = append(w.listeners["alice"], ch2)
	w.mu.Unlock()

	if w.registered["alice"] != 2 {
		t.Fatalf("registered[alice] = %d, want 2", w.registered["alice"])
	}
	if len(w.listeners["alice"]) != 2 {
		t.Fatalf("listeners[alice] = %d, want 2", len(w.listeners["alice"]))
	}
}
