// Package notifier fans out per-user events across a pool of worker
// processes via a KV cache: a sorted-set registry of which worker is
// currently serving which user, plus Redis pub/sub for delivery (spec
// §4.H). It is the sole mutator path a delivering process uses to wake
// whatever worker actually holds that user's live IMAP/JMAP sessions.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a registry entry is trusted before it's treated
// as stale (the worker that wrote it is presumed dead or hung).
const DefaultTTL = 120 * time.Second

// DefaultRefresh is how often a live worker re-stamps its registrations;
// spec names it ttl/4.
const DefaultRefresh = DefaultTTL / 4

// Event is one fan-out notification: a user was affected, optionally
// with an opaque payload (already-JSON-encoded, e.g. a journal entry).
type Event struct {
	User    string
	Payload json.RawMessage
}

// Worker is one process's handle into the fan-out registry. The zero
// value is not ready to use; set Client and ID.
type Worker struct {
	Client  *redis.Client
	ID      string        // spec's workerId config
	TTL     time.Duration // 0 means DefaultTTL
	Refresh time.Duration // 0 means DefaultRefresh

	mu         sync.Mutex
	registered map[string]int // user -> local listener refcount
	listeners  map[string][]chan Event

	pubsub *redis.PubSub
}

func (w *Worker) ttl() time.Duration {
	if w.TTL <= 0 {
		return DefaultTTL
	}
	return w.TTL
}

func (w *Worker) refresh() time.Duration {
	if w.Refresh <= 0 {
		return DefaultRefresh
	}
	return w.Refresh
}

func usersKey(user string) string     { return "users:" + user }
func channelKey(workerID string) string { return "worker:" + workerID }

// Subscribe registers this worker as serving user and fans future Fire
// calls for that user through ch until the returned func is called.
// Multiple local sessions for the same user share one registry entry;
// the entry is only removed when the last of them unsubscribes.
func (w *Worker) Subscribe(ctx context.Context, user string, ch chan Event) (unsubscribe func(context.Context) error, err error) {
	w.mu.Lock()
	if w.registered == nil {
		w.registered = make(map[string]int)
		w.listeners = make(map[string][]chan Event)
	}
	first := w.registered[user] == 0
	w.registered[user]++
	w.listeners[user] = append(w.listeners[user], ch)
	w.mu.Unlock()

	if first {
		if err := w.Client.ZAdd(ctx, usersKey(user), redis.Z{
			Score: float64(time.Now().Unix()), Member: w.ID,
		}).Err(); err != nil {
			return nil, fmt.Errorf("notifier: subscribe %s: %w", user, err)
		}
	}

	return func(ctx context.Context) error {
		return w.unsubscribe(ctx, user, ch)
	}, nil
}

func (w *Worker) unsubscribe(ctx context.Context, user string, ch chan Event) error {
	w.mu.Lock()
	chans := w.listeners[user]
	for i, c := range chans {
		if c == ch {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	w.listeners[user] = chans
	w.registered[user]--
	last := w.registered[user] <= 0
	if last {
		delete(w.registered, user)
		delete(w.listeners, user)
	}
	w.mu.Unlock()

	if !last {
		return nil
	}
	if err := w.Client.ZRem(ctx, usersKey(user), w.ID).Err(); err != nil {
		return fmt.Errorf("notifier: unsubscribe %s: %w", user, err)
	}
	return nil
}

// RunRefresh re-stamps every user this worker currently serves every
// Refresh interval, until ctx is cancelled. Workers that stop refreshing
// (crashed, wedged) fall out of Fire's recipient set once their entries
// age past TTL.
func (w *Worker) RunRefresh(ctx context.Context, logf func(format string, v ...interface{})) {
	ticker := time.NewTicker(w.refresh())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			users := make([]string, 0, len(w.registered))
			for user := range w.registered {
				users = append(users, user)
			}
			w.mu.Unlock()

			now := float64(time.Now().Unix())
			for _, user := range users {
				if err := w.Client.ZAdd(ctx, usersKey(user), redis.Z{Score: now, Member: w.ID}).Err(); err != nil {
					logf("notifier: refresh %s: %v", user, err)
				}
			}
		}
	}
}

// Fire publishes event to every worker currently registered for user,
// first evicting any registry entry older than TTL (a worker that
// stopped refreshing is presumed gone and is never published to).
func (w *Worker) Fire(ctx context.Context, user string, payload json.RawMessage) error {
	cutoff := time.Now().Add(-w.ttl())
	if err := w.Client.ZRemRangeByScore(ctx, usersKey(user), "-inf", fmt.Sprintf("%d", cutoff.Unix())).Err(); err != nil {
		return fmt.Errorf("notifier: evict stale for %s: %w", user, err)
	}

	workerIDs, err := w.Client.ZRange(ctx, usersKey(user), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("notifier: list workers for %s: %w", user, err)
	}

	msg := encodeEvent(user, payload)
	pipe := w.Client.Pipeline()
	for _, id := range workerIDs {
		pipe.Publish(ctx, channelKey(id), msg)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("notifier: publish to %d workers for %s: %w", len(workerIDs), user, err)
	}
	return nil
}

// Listen subscribes this worker's own channel and dispatches every
// incoming event to the local listeners registered for its user via
// Subscribe, until ctx is cancelled or the subscription errors.
func (w *Worker) Listen(ctx context.Context, logf func(format string, v ...interface{})) error {
	w.pubsub = w.Client.Subscribe(ctx, channelKey(w.ID))
	defer w.pubsub.Close()

	ch := w.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, ok := decodeEvent([]byte(msg.Payload))
			if !ok {
				logf("notifier: malformed event on %s: %q", msg.Channel, msg.Payload)
				continue
			}
			w.dispatch(event)
		}
	}
}

func (w *Worker) dispatch(event Event) {
	w.mu.Lock()
	// Copy under the lock; listener channels themselves are sent to
	// without holding it, so a slow session can't stall registration.
	chans := append([]chan Event(nil), w.listeners[event.User]...)
	w.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
			// A session that isn't draining its channel yet (e.g. not in
			// IDLE) doesn't block the whole worker's dispatch loop; it
			// will pick up the change on its next poll regardless.
		}
	}
}

const eventPrefix = `{"e":"`

// encodeEvent produces the compact wire format from spec §4.H:
// {"e": userId} or {"e": userId, "p": payload}. payload is assumed to
// already be a valid JSON value (or nil).
func encodeEvent(user string, payload json.RawMessage) []byte {
	var buf bytes.Buffer
	buf.WriteString(eventPrefix)
	buf.WriteString(user)
	if len(payload) == 0 {
		buf.WriteString(`"}`)
		return buf.Bytes()
	}
	buf.WriteString(`","p":`)
	buf.Write(payload)
	buf.WriteByte('}')
	return buf.Bytes()
}

// decodeEvent parses the wire format. The payload-less case is detected
// by a length/byte fingerprint — the byte immediately after the user id's
// closing quote is '}' — so the common case (pure wake-up, no payload)
// never invokes encoding/json.
func decodeEvent(b []byte) (Event, bool) {
	if !bytes.HasPrefix(b, []byte(eventPrefix)) {
		return Event{}, false
	}
	rest := b[len(eventPrefix):]
	idx := bytes.IndexByte(rest, '"')
	if idx < 0 {
		return Event{}, false
	}
	user := string(rest[:idx])
	tail := rest[idx+1:]

	if len(tail) == 1 && tail[0] == '}' {
		return Event{User: user}, true
	}

	var full struct {
		E string          `json:"e"`
		P json.RawMessage `json:"p"`
	}
	if err := json.Unmarshal(b, &full); err != nil {
		return Event{}, false
	}
	return Event{User: full.E, Payload: full.P}, true
}
