package mq

import (
	"context"
	"sync"
	"time"
)

// RetryTracker counts failed handling attempts per message guid. The broker
// requeues a nacked message unchanged, so the count lives outside the
// envelope.
type RetryTracker interface {
	// Count returns the failed attempts recorded for guid
	Count(ctx context.Context, guid string) (int, error)
	// Incr records one more failed attempt and returns the new count
	Incr(ctx context.Context, guid string) (int, error)
	// Forget drops the count once the message is handled or dropped
	Forget(ctx context.Context, guid string) error
}

type retryEntry struct {
	count   int
	touched time.Time
}

// MemoryRetryTracker keeps counts in process memory. Entries not touched for
// the TTL are purged, so messages that vanish from the broker do not leak.
type MemoryRetryTracker struct {
	mu        sync.Mutex
	ttl       time.Duration
	entries   map[string]retryEntry
	lastPurge time.Time
	now       func() time.Time
}

// NewMemoryRetryTracker creates a tracker whose entries expire after ttl
func NewMemoryRetryTracker(ttl time.Duration) *MemoryRetryTracker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryRetryTracker{
		ttl:     ttl,
		entries: make(map[string]retryEntry),
		now:     time.Now,
	}
}

// Count implements RetryTracker
func (t *MemoryRetryTracker) Count(_ context.Context, guid string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[guid]
	if !ok || t.now().Sub(e.touched) > t.ttl {
		return 0, nil
	}
	return e.count, nil
}

// Incr implements RetryTracker
func (t *MemoryRetryTracker) Incr(_ context.Context, guid string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.purgeLocked(now)

	e := t.entries[guid]
	if now.Sub(e.touched) > t.ttl {
		e.count = 0
	}
	e.count++
	e.touched = now
	t.entries[guid] = e
	return e.count, nil
}

// Forget implements RetryTracker
func (t *MemoryRetryTracker) Forget(_ context.Context, guid string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, guid)
	return nil
}

// Len returns the number of tracked messages
func (t *MemoryRetryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *MemoryRetryTracker) purgeLocked(now time.Time) {
	if now.Sub(t.lastPurge) < t.ttl {
		return
	}
	t.lastPurge = now
	for guid, e := range t.entries {
		if now.Sub(e.touched) > t.ttl {
			delete(t.entries, guid)
		}
	}
}
