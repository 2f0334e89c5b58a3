package config

import "sync"

// Snapshot is one immutable, versioned configuration. Holders must treat
// Config as read-only.
type Snapshot struct {
	Version uint64
	Config  *Config
}

// Broadcaster distributes configuration snapshots. Each subscriber holds at
// most one pending snapshot; a newer publish replaces an unread older one.
type Broadcaster struct {
	mu      sync.Mutex
	current Snapshot
	subs    map[int]chan Snapshot
	nextID  int
}

// NewBroadcaster starts at version 1 with cfg.
func NewBroadcaster(cfg *Config) *Broadcaster {
	return &Broadcaster{
		current: Snapshot{Version: 1, Config: cfg},
		subs:    make(map[int]chan Snapshot),
	}
}

// Current returns the latest snapshot.
func (b *Broadcaster) Current() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Subscribe returns a channel of future snapshots and a cancel func.
func (b *Broadcaster) Subscribe() (<-chan Snapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Snapshot, 1)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish installs cfg as the next version and delivers it to every
// subscriber without blocking.
func (b *Broadcaster) Publish(cfg *Config) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = Snapshot{Version: b.current.Version + 1, Config: cfg}
	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- b.current
	}
	return b.current
}
