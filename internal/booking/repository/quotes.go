package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/stationbook/internal/booking/domain"
)

// quoteRetention keeps expired quotes around long enough to answer
// "expired" rather than "not found".
const quoteRetention = time.Hour

// MemoryQuoteStore keeps quotes in process.
type MemoryQuoteStore struct {
	mu     sync.RWMutex
	quotes map[uuid.UUID]domain.Quote
}

func NewMemoryQuoteStore() *MemoryQuoteStore {
	return &MemoryQuoteStore{quotes: make(map[uuid.UUID]domain.Quote)}
}

func (m *MemoryQuoteStore) Save(_ context.Context, q domain.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[q.ID] = q
	return nil
}

func (m *MemoryQuoteStore) Get(_ context.Context, id uuid.UUID) (domain.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotes[id]
	if !ok {
		return domain.Quote{}, domain.ErrQuoteNotFound
	}
	return q, nil
}

// MarkConsumed links the quote to its booking. The first link wins.
func (m *MemoryQuoteStore) MarkConsumed(_ context.Context, id uuid.UUID, bookingID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[id]
	if !ok {
		return domain.ErrQuoteNotFound
	}
	if q.BookingID == nil {
		q.BookingID = &bookingID
		m.quotes[id] = q
	}
	return nil
}

// Purge drops quotes past their retention.
func (m *MemoryQuoteStore) Purge(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, q := range m.quotes {
		if now.After(q.ExpiresAt.Add(quoteRetention)) {
			delete(m.quotes, id)
			removed++
		}
	}
	return removed
}

const defaultQuotePrefix = "quote:"

// RedisQuoteStore shares quotes between replicas.
type RedisQuoteStore struct {
	client redis.Cmdable
	prefix string
}

func NewRedisQuoteStore(client redis.Cmdable, prefix string) *RedisQuoteStore {
	if prefix == "" {
		prefix = defaultQuotePrefix
	}
	return &RedisQuoteStore{client: client, prefix: prefix}
}

func (r *RedisQuoteStore) quoteKey(id uuid.UUID) string   { return r.prefix + id.String() }
func (r *RedisQuoteStore) bookingKey(id uuid.UUID) string { return r.prefix + id.String() + ":booking" }

func (r *RedisQuoteStore) Save(ctx context.Context, q domain.Quote) error {
	raw, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("encode quote: %w", err)
	}
	ttl := time.Until(q.ExpiresAt) + quoteRetention
	if ttl <= 0 {
		ttl = quoteRetention
	}
	if err := r.client.Set(ctx, r.quoteKey(q.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set quote: %w", err)
	}
	return nil
}

func (r *RedisQuoteStore) Get(ctx context.Context, id uuid.UUID) (domain.Quote, error) {
	vals, err := r.client.MGet(ctx, r.quoteKey(id), r.bookingKey(id)).Result()
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis get quote: %w", err)
	}
	raw, ok := vals[0].(string)
	if !ok {
		return domain.Quote{}, domain.ErrQuoteNotFound
	}
	var q domain.Quote
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		return domain.Quote{}, fmt.Errorf("decode quote: %w", err)
	}
	if linked, ok := vals[1].(string); ok {
		if bookingID, err := uuid.Parse(linked); err == nil {
			q.BookingID = &bookingID
		}
	}
	return q, nil
}

// MarkConsumed uses SETNX so concurrent confirms agree on one booking.
func (r *RedisQuoteStore) MarkConsumed(ctx context.Context, id uuid.UUID, bookingID uuid.UUID) error {
	ttl, err := r.client.PTTL(ctx, r.quoteKey(id)).Result()
	if err != nil {
		return fmt.Errorf("redis pttl quote: %w", err)
	}
	// go-redis reports a missing key as -2 and no expiry as -1.
	switch {
	case ttl == -2:
		return domain.ErrQuoteNotFound
	case ttl <= 0:
		ttl = quoteRetention
	}
	if err := r.client.SetNX(ctx, r.bookingKey(id), bookingID.String(), ttl).Err(); err != nil {
		return fmt.Errorf("redis link quote: %w", err)
	}
	return nil
}
