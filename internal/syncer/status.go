package syncer

import (
	"sync"
	"time"
)

// Status is the observable sync state consumed by the application layer.
type Status struct {
	Online       bool
	Syncing      bool
	PendingCount int
	LastSyncTime time.Time
	Err          string
}

// Broadcaster holds the current Status and notifies observers synchronously
// on every change. A new observer receives an immediate replay of the current
// value, then incremental updates. There is no buffering: an observer that
// subscribes mid-cycle simply sees the next change onward.
type Broadcaster struct {
	mu     sync.Mutex
	cur    Status
	subs   map[int]func(Status)
	nextID int
}

// NewBroadcaster creates a broadcaster seeded with the initial status.
func NewBroadcaster(initial Status) *Broadcaster {
	return &Broadcaster{
		cur:  initial,
		subs: make(map[int]func(Status)),
	}
}

// Current returns the current status value.
func (b *Broadcaster) Current() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur
}

// Subscribe registers an observer and replays the current status to it
// immediately. The returned function unsubscribes.
func (b *Broadcaster) Subscribe(fn func(Status)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	cur := b.cur
	b.mu.Unlock()

	fn(cur)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Update applies mutate to the current status and notifies all observers
// with the new value. Observers are called outside the broadcaster's lock so
// a callback may read Current or unsubscribe without deadlocking.
func (b *Broadcaster) Update(mutate func(*Status)) {
	b.mu.Lock()
	mutate(&b.cur)
	cur := b.cur
	fns := make([]func(Status), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(cur)
	}
}
