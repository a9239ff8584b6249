package changelog

import (
	"reflect"
	"testing"
	"time"
)

func entry(seq int64, typ ChangeType, id string) Entry {
	return Entry{Seq: seq, Type: typ, ID: id, TS: time.Unix(0, 0)}
}

func TestCategorizeEntriesCreateUpdate(t *testing.T) {
	created, updated, destroyed := categorizeEntries([]Entry{
		entry(1, Created, "a"),
		entry(2, Updated, "a"),
	})
	if !reflect.DeepEqual(created, []string{"a"}) {
		t.Errorf("created = %v, want [a]", created)
	}
	if updated != nil {
		t.Errorf("updated = %v, want nil", updated)
	}
	if destroyed != nil {
		t.Errorf("destroyed = %v, want nil", destroyed)
	}
}

func TestCategorizeEntriesCreateDestroyCancels(t *testing.T) {
	created, updated, destroyed := categorizeEntries([]Entry{
		entry(1, Created, "a"),
		entry(2, Destroyed, "a"),
	})
	if len(created) != 0 || len(updated) != 0 || len(destroyed) != 0 {
		t.Errorf("got created=%v updated=%v destroyed=%v, want all empty", created, updated, destroyed)
	}
}

func TestCategorizeEntriesUpdateThenDestroy(t *testing.T) {
	_, updated, destroyed := categorizeEntries([]Entry{
		entry(1, Updated, "a"),
		entry(2, Destroyed, "a"),
	})
	if updated != nil {
		t.Errorf("updated = %v, want nil", updated)
	}
	if !reflect.DeepEqual(destroyed, []string{"a"}) {
		t.Errorf("destroyed = %v, want [a]", destroyed)
	}
}

// TestCategorizeEntriesRecreateWithinWindow pins the edge case where an id
// is created, destroyed (cancelling out), and created again within the same
// query window: it must be reported exactly once, as created, not twice.
func TestCategorizeEntriesRecreateWithinWindow(t *testing.T) {
	created, updated, destroyed := categorizeEntries([]Entry{
		entry(1, Created, "a"),
		entry(2, Destroyed, "a"),
		entry(3, Created, "a"),
	})
	if !reflect.DeepEqual(created, []string{"a"}) {
		t.Errorf("created = %v, want [a]", created)
	}
	if len(updated) != 0 || len(destroyed) != 0 {
		t.Errorf("updated=%v destroyed=%v, want both empty", updated, destroyed)
	}
}

func TestCategorizeEntriesOrderPreserved(t *testing.T) {
	created, _, _ := categorizeEntries([]Entry{
		entry(1, Created, "b"),
		entry(2, Created, "a"),
		entry(3, Created, "c"),
	})
	if !reflect.DeepEqual(created, []string{"b", "a", "c"}) {
		t.Errorf("created = %v, want [b a c] (first-seen order)", created)
	}
}

func TestCategorizeEntriesMultipleIds(t *testing.T) {
	created, updated, destroyed := categorizeEntries([]Entry{
		entry(1, Created, "a"),
		entry(2, Created, "b"),
		entry(3, Updated, "b"),
		entry(4, Destroyed, "c"), // never created in window: still reported destroyed
	})
	if !reflect.DeepEqual(created, []string{"a", "b"}) {
		t.Errorf("created = %v, want [a b]", created)
	}
	if updated != nil {
		t.Errorf("updated = %v, want nil", updated)
	}
	if !reflect.DeepEqual(destroyed, []string{"c"}) {
		t.Errorf("destroyed = %v, want [c]", destroyed)
	}
}
