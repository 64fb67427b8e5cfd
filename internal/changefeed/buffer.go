package changefeed

import (
	"sort"
	"sync"
)

// BufferPolicy describes how a Buffer identifies, orders and ages its
// members.
type BufferPolicy[E any] struct {
	// Key is the dedup identity of an event.
	Key func(E) string
	// Time is the event time in Unix milliseconds. Buffers are ordered by
	// it, most recent first, and pruned by it.
	Time func(E) int64
	// Mark is the watermark coordinate of an event, used by Forget. It
	// defaults to Time.
	Mark func(E) int64
	// Capacity bounds the number of retained members.
	Capacity int
}

// Buffer is a bounded, most-recent-first collection that deduplicates by
// identity. An identity, once merged, is remembered after its event has
// been evicted by capacity or age, until Reset or Forget drops it.
type Buffer[E any] struct {
	mu      sync.Mutex
	policy  BufferPolicy[E]
	items   []E
	seen    map[string]int64
	evicted int
}

func NewBuffer[E any](policy BufferPolicy[E]) *Buffer[E] {
	if policy.Capacity <= 0 {
		policy.Capacity = 100
	}
	if policy.Mark == nil {
		policy.Mark = policy.Time
	}
	return &Buffer[E]{
		policy: policy,
		items:  []E{},
		seen:   map[string]int64{},
	}
}

// Merge adds every event whose identity has not been seen before and
// returns how many were added.
func (b *Buffer[E]) Merge(events []E) int {
	if len(events) == 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	added := 0
	for _, event := range events {
		key := b.policy.Key(event)
		if _, ok := b.seen[key]; ok {
			continue
		}
		b.seen[key] = b.policy.Mark(event)
		b.items = append(b.items, event)
		added++
	}
	if added == 0 {
		return 0
	}
	sort.SliceStable(b.items, func(i, j int) bool {
		ti, tj := b.policy.Time(b.items[i]), b.policy.Time(b.items[j])
		if ti != tj {
			return ti > tj
		}
		return b.policy.Key(b.items[i]) > b.policy.Key(b.items[j])
	})
	if len(b.items) > b.policy.Capacity {
		b.evicted += len(b.items) - b.policy.Capacity
		b.items = append([]E(nil), b.items[:b.policy.Capacity]...)
	}
	return added
}

// Prune drops members with an event time before cutoff and returns how
// many were removed.
func (b *Buffer[E]) Prune(cutoff int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.items[:0]
	for _, item := range b.items {
		if b.policy.Time(item) >= cutoff {
			kept = append(kept, item)
		}
	}
	removed := len(b.items) - len(kept)
	b.items = kept
	b.evicted += removed
	return removed
}

// Forget drops the remembered identities of evicted members whose mark is
// at or below through and returns how many were dropped. A source that
// only returns events after the watermark never sends them again.
func (b *Buffer[E]) Forget(through int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	held := make(map[string]struct{}, len(b.items))
	for _, item := range b.items {
		held[b.policy.Key(item)] = struct{}{}
	}
	dropped := 0
	for key, mark := range b.seen {
		if _, ok := held[key]; ok || mark > through {
			continue
		}
		delete(b.seen, key)
		dropped++
	}
	return dropped
}

// Known reports how many identities are remembered.
func (b *Buffer[E]) Known() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.seen)
}

// Snapshot returns a copy of the members, most recent first.
func (b *Buffer[E]) Snapshot() []E {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]E, len(b.items))
	copy(out, b.items)
	return out
}

func (b *Buffer[E]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *Buffer[E]) Capacity() int {
	return b.policy.Capacity
}

// Evicted counts members dropped by capacity or age since the last Reset.
func (b *Buffer[E]) Evicted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// Reset forgets every member and every identity.
func (b *Buffer[E]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = []E{}
	b.seen = map[string]int64{}
	b.evicted = 0
}
