// Package changelog implements the per-user JMAP change log (RFC 8620
// §5.2 "changes" protocol): a durable, bounded, strictly ordered sequence
// of create/update/destroy events backed by a key-value cache, with a
// background compaction job that spills old entries to a durable store.
package changelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ChangeType is the kind of mutation a Change/Entry records.
type ChangeType string

const (
	Created   ChangeType = "created"
	Updated   ChangeType = "updated"
	Destroyed ChangeType = "destroyed"
)

// Change is one mutation to append: an object of the given type (e.g.
// "Email", "Mailbox") changed in the given way.
type Change struct {
	Type ChangeType
	ID   string
}

// Entry is a Change as recorded in the log: assigned a strictly increasing
// per-user Seq and a timestamp.
type Entry struct {
	Seq int64      `json:"seq"`
	Type ChangeType `json:"type"`
	ID   string     `json:"id"`
	TS   time.Time  `json:"ts"`
}

// Changes is the result of getChangesSince, categorized per RFC 8620
// §5.2: an id that was both created and destroyed within the requested
// window is omitted entirely, and an id created then later updated within
// the window is reported only as created.
type Changes struct {
	Created   []string
	Updated   []string
	Destroyed []string

	// NewState is the log's current seq, formatted as the JMAP state
	// string the client should pass as sinceSeq on its next call.
	NewState string

	// CannotCalculateChanges is true when the oldest entry the client
	// would need has already been compacted out of the hot log; the
	// caller must fall back to a full Foo/get instead (RFC 8620 §5.2).
	CannotCalculateChanges bool
}

// DefaultMaxEntries is the default bound on live log length (spec
// changelog.maxEntries).
const DefaultMaxEntries = 5000

// DefaultCompactKeep is the default number of entries retained in the hot
// log after compaction (spec changelog.compactKeep).
const DefaultCompactKeep = 1000

// ErrNoChanges is returned by CompactOnce when there was nothing to
// compact; it is not a failure.
var ErrNoChanges = errors.New("changelog: nothing to compact")

// DurableStore is where compaction spills entries once they age out of
// the hot Redis log. Archive must be idempotent: a crash between Archive
// succeeding and the hot log being trimmed means the next CompactOnce
// call re-submits the same range, so a DurableStore must treat a
// (user, seq) pair it has already stored as a no-op rather than an error.
type DurableStore interface {
	Archive(ctx context.Context, user string, entries []Entry) error
}

// Log is a per-user bounded change log backed by Redis. The zero value is
// not ready to use; set Client at minimum.
type Log struct {
	Client      *redis.Client
	MaxEntries  int // live log cap; 0 means DefaultMaxEntries
	CompactKeep int // post-compaction retention; 0 means DefaultCompactKeep
	Durable     DurableStore
}

func (l *Log) maxEntries() int64 {
	if l.MaxEntries <= 0 {
		return DefaultMaxEntries
	}
	return int64(l.MaxEntries)
}

func (l *Log) compactKeep() int64 {
	if l.CompactKeep <= 0 {
		return DefaultCompactKeep
	}
	return int64(l.CompactKeep)
}

func stateKey(user string) string   { return "jmap:state:" + user }
func changesKey(user string) string { return "jmap:changes:" + user }

// AppendChange atomically increments the user's seq counter, appends one
// entry with that seq, and trims the log to MaxEntries.
func (l *Log) AppendChange(ctx context.Context, user string, ch Change) (int64, error) {
	entries, err := l.AppendChangesBulk(ctx, user, []Change{ch})
	if err != nil {
		return 0, err
	}
	return entries[0].Seq, nil
}

// AppendChangesBulk reserves a contiguous range of seq values with a
// single INCRBY, then appends every entry in one pipelined round trip
// (one ZADD member per change plus the trim), satisfying the O(1)
// round-trip requirement regardless of batch size.
func (l *Log) AppendChangesBulk(ctx context.Context, user string, changes []Change) ([]Entry, error) {
	if len(changes) == 0 {
		return nil, nil
	}

	base, err := l.Client.IncrBy(ctx, stateKey(user), int64(len(changes))).Result()
	if err != nil {
		return nil, fmt.Errorf("changelog: reserve seq range: %w", err)
	}
	// IncrBy returns the counter's new value; the reserved range is
	// [base-len+1, base].
	first := base - int64(len(changes)) + 1

	now := time.Now()
	entries := make([]Entry, len(changes))
	members := make([]redis.Z, len(changes))
	for i, ch := range changes {
		e := Entry{Seq: first + int64(i), Type: ch.Type, ID: ch.ID, TS: now}
		entries[i] = e
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("changelog: marshal entry: %w", err)
		}
		members[i] = redis.Z{Score: float64(e.Seq), Member: data}
	}

	pipe := l.Client.TxPipeline()
	pipe.ZAdd(ctx, changesKey(user), members...)
	pipe.ZRemRangeByRank(ctx, changesKey(user), 0, -l.maxEntries()-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("changelog: append entries: %w", err)
	}

	return entries, nil
}

// GetChangesSince returns the categorized changes with seq > sinceSeq.
func (l *Log) GetChangesSince(ctx context.Context, user string, sinceSeq int64) (Changes, error) {
	pipe := l.Client.TxPipeline()
	stateCmd := pipe.Get(ctx, stateKey(user))
	oldestCmd := pipe.ZRangeWithScores(ctx, changesKey(user), 0, 0)
	rangeCmd := pipe.ZRangeByScore(ctx, changesKey(user), &redis.ZRangeBy{
		Min: strconv.FormatInt(sinceSeq+1, 10),
		Max: "+inf",
	})
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Changes{}, fmt.Errorf("changelog: getChangesSince: %w", err)
	}

	curSeq, err := stateCmd.Int64()
	if err != nil && err != redis.Nil {
		return Changes{}, fmt.Errorf("changelog: read state: %w", err)
	}

	out := Changes{NewState: strconv.FormatInt(curSeq, 10)}

	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		oldestSeq := int64(oldest[0].Score)
		if oldestSeq > sinceSeq+1 && sinceSeq < curSeq {
			out.CannotCalculateChanges = true
			return out, nil
		}
	} else if sinceSeq < curSeq {
		// The whole log has been compacted past sinceSeq.
		out.CannotCalculateChanges = true
		return out, nil
	}

	entries := make([]Entry, 0, len(rangeCmd.Val()))
	for _, member := range rangeCmd.Val() {
		var e Entry
		if err := json.Unmarshal([]byte(member), &e); err != nil {
			return Changes{}, fmt.Errorf("changelog: decode entry: %w", err)
		}
		entries = append(entries, e)
	}

	out.Created, out.Updated, out.Destroyed = categorizeEntries(entries)
	return out, nil
}

// categorizeEntries collapses a seq-ordered run of entries for possibly
// many ids down to one net ChangeType per id, per RFC 8620 §5.2: an id
// created and destroyed within the same window cancels out and is
// reported in neither list; an id created and then updated is reported
// only as created. Pure and Redis-free so it can be unit tested directly.
func categorizeEntries(entries []Entry) (created, updated, destroyed []string) {
	net := make(map[string]ChangeType, len(entries))
	seen := make(map[string]bool, len(entries))
	var order []string

	for _, e := range entries {
		if !seen[e.ID] {
			seen[e.ID] = true
			order = append(order, e.ID)
		}
		switch e.Type {
		case Created:
			net[e.ID] = Created
		case Updated:
			if net[e.ID] != Created {
				net[e.ID] = Updated
			}
		case Destroyed:
			if net[e.ID] == Created {
				delete(net, e.ID)
			} else {
				net[e.ID] = Destroyed
			}
		}
	}

	for _, id := range order {
		switch net[id] {
		case Created:
			created = append(created, id)
		case Updated:
			updated = append(updated, id)
		case Destroyed:
			destroyed = append(destroyed, id)
		}
	}
	return created, updated, destroyed
}

// CompactOnce moves entries beyond CompactKeep to the Durable store and
// trims them from the hot log. It is safe to call repeatedly (idempotent)
// and safe to retry after a failure (resumable): if Archive succeeds but
// the trim that follows does not run, the next call re-submits the same
// range, which DurableStore.Archive must absorb without error.
func (l *Log) CompactOnce(ctx context.Context, user string) error {
	size, err := l.Client.ZCard(ctx, changesKey(user)).Result()
	if err != nil {
		return fmt.Errorf("changelog: compaction size check: %w", err)
	}
	overflow := size - l.compactKeep()
	if overflow <= 0 {
		return ErrNoChanges
	}

	raw, err := l.Client.ZRange(ctx, changesKey(user), 0, overflow-1).Result()
	if err != nil {
		return fmt.Errorf("changelog: read compaction range: %w", err)
	}
	entries := make([]Entry, 0, len(raw))
	for _, member := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(member), &e); err != nil {
			return fmt.Errorf("changelog: decode compaction entry: %w", err)
		}
		entries = append(entries, e)
	}

	if l.Durable != nil {
		if err := l.Durable.Archive(ctx, user, entries); err != nil {
			return fmt.Errorf("changelog: archive: %w", err)
		}
	}

	if err := l.Client.ZRemRangeByRank(ctx, changesKey(user), 0, overflow-1).Err(); err != nil {
		return fmt.Errorf("changelog: trim after archive: %w", err)
	}
	return nil
}

// RunCompaction runs CompactOnce for every user returned by listUsers on
// each tick of interval, until ctx is cancelled. Errors are logged, not
// fatal: a stuck user's compaction failure must not stop the others.
func (l *Log) RunCompaction(ctx context.Context, interval time.Duration, listUsers func(context.Context) ([]string, error), logf func(format string, v ...interface{})) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			users, err := listUsers(ctx)
			if err != nil {
				logf("changelog: compaction: list users: %v", err)
				continue
			}
			for _, user := range users {
				if err := l.CompactOnce(ctx, user); err != nil && err != ErrNoChanges {
					logf("changelog: compaction failed for %s: %v", user, err)
				}
			}
		}
	}
}
