package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	mu sync.Mutex
	// admitted holds at most rule.Limit timestamps, oldest first.
	admitted []time.Time
	window   time.Duration
	lastSeen time.Time
	evicted  bool
}

// MemoryStore keeps sliding-log buckets in process. Suitable for a single
// replica and for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket)}
}

func (m *MemoryStore) bucketFor(key string) *bucket {
	m.mu.RLock()
	b, ok := m.buckets[key]
	m.mu.RUnlock()
	if ok {
		return b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.buckets[key]; ok {
		return b
	}
	b = &bucket{}
	m.buckets[key] = b
	return b
}

// Take drops admissions older than the window and admits when fewer than
// Limit remain, all under the bucket lock.
func (m *MemoryStore) Take(_ context.Context, key string, rule Rule, now time.Time) (Decision, error) {
	b := m.bucketFor(key)
	b.mu.Lock()
	for b.evicted {
		b.mu.Unlock()
		b = m.bucketFor(key)
		b.mu.Lock()
	}
	defer b.mu.Unlock()

	b.window = rule.Window
	b.lastSeen = now
	cutoff := now.Add(-rule.Window)
	keep := 0
	for keep < len(b.admitted) && !b.admitted[keep].After(cutoff) {
		keep++
	}
	b.admitted = b.admitted[keep:]

	if len(b.admitted) < rule.Limit {
		b.admitted = append(b.admitted, now)
		return Decision{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit - len(b.admitted)}, nil
	}
	retry := b.admitted[0].Add(rule.Window).Sub(now)
	if retry <= 0 {
		retry = time.Millisecond
	}
	return Decision{Allowed: false, Limit: rule.Limit, RetryAfter: retry}, nil
}

// expired is false for a bucket whose first Take has not run yet.
func (b *bucket) expired(now time.Time) bool {
	return !b.lastSeen.IsZero() && now.Sub(b.lastSeen) > b.window
}

// Evict removes buckets whose newest admission left the window before now.
// The scan runs under the read lock; only the deletes take the write lock.
func (m *MemoryStore) Evict(now time.Time) int {
	candidates := map[string]*bucket{}
	m.mu.RLock()
	for key, b := range m.buckets {
		if !b.mu.TryLock() {
			continue
		}
		if b.expired(now) {
			candidates[key] = b
		}
		b.mu.Unlock()
	}
	m.mu.RUnlock()
	if len(candidates) == 0 {
		return 0
	}

	removed := 0
	m.mu.Lock()
	for key, b := range candidates {
		if m.buckets[key] != b || !b.mu.TryLock() {
			continue
		}
		// re-checked: a Take may have landed between the two phases
		if b.expired(now) {
			b.evicted = true
			delete(m.buckets, key)
			removed++
		}
		b.mu.Unlock()
	}
	m.mu.Unlock()
	evictedBuckets.Add(float64(removed))
	return removed
}

// Len reports how many buckets are held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buckets)
}

// Run evicts expired buckets on every tick until ctx is done.
func (m *MemoryStore) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			m.Evict(now)
		}
	}
}
