package executor

import (
	"sync"
	"time"
)

// Dedup prevents the same intent from being placed twice within a TTL
// window. It is safe for concurrent use.
type Dedup struct {
	seen    map[string]time.Time // intentID -> first seen
	ttl     time.Duration
	nowFunc func() time.Time
	mu      sync.Mutex
}

// NewDedup creates a Dedup that treats an ID seen within ttl as a duplicate.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

// IsDuplicate returns true if id was seen within the TTL window. Otherwise
// the ID is recorded and false is returned.
func (d *Dedup) IsDuplicate(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowFunc()
	if lastSeen, ok := d.seen[id]; ok && now.Sub(lastSeen) < d.ttl {
		return true
	}
	d.seen[id] = now
	return false
}

// Cleanup removes expired entries. Call it periodically to bound memory.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowFunc()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}

// Len is the number of tracked IDs.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
