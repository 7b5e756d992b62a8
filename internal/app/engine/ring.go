package engine

import (
	"sync"

	"github.com/featherwire/aviary/internal/domain/schema"
)

// eventRing keeps the most recent delivered events. Inserting an event whose
// PrimaryID matches an existing entry replaces that entry without changing
// its position, so edited posts do not resurface at the top of the feed.
type eventRing struct {
	mu       sync.RWMutex
	capacity int

	// entries is ordered oldest first; Snapshot reverses it.
	entries []*schema.Event
}

func newEventRing(capacity int) *eventRing {
	if capacity <= 0 {
		capacity = 100
	}
	return &eventRing{mu: sync.RWMutex{}, capacity: capacity, entries: nil}
}

// Insert records a delivered event, evicting the oldest entry once the ring
// is full. The event is cloned so later mutations by the caller cannot leak
// into snapshots.
func (r *eventRing) Insert(evt *schema.Event) {
	if evt == nil {
		return
	}
	clone := schema.CloneEvent(evt)

	r.mu.Lock()
	defer r.mu.Unlock()

	if id := clone.PrimaryID; id != "" {
		for i, existing := range r.entries {
			if existing.PrimaryID == id {
				r.entries[i] = clone
				return
			}
		}
	}

	r.entries = append(r.entries, clone)
	if over := len(r.entries) - r.capacity; over > 0 {
		remaining := make([]*schema.Event, len(r.entries)-over)
		copy(remaining, r.entries[over:])
		r.entries = remaining
	}
}

// Snapshot returns the retained events newest first. Entries are cloned.
func (r *eventRing) Snapshot() []schema.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]schema.Event, 0, len(r.entries))
	for i := len(r.entries) - 1; i >= 0; i-- {
		out = append(out, *schema.CloneEvent(r.entries[i]))
	}
	return out
}

// Len reports how many events the ring currently retains.
func (r *eventRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
