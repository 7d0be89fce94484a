package quarantine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/coffersTech/hotlog/internal/model"
)

// Counter counts rejected blocks by kind and forwards them to an optional
// Store. Counts are kept even when nothing is persisted.
type Counter struct {
	store *Store

	mu     sync.Mutex
	counts map[model.RejectKind]*atomic.Int64
}

// NewCounter returns a Counter in front of store, which may be nil. Counts
// start from the entries already in store.
func NewCounter(ctx context.Context, store *Store) (*Counter, error) {
	c := &Counter{store: store, counts: make(map[model.RejectKind]*atomic.Int64)}
	if store == nil {
		return c, nil
	}
	existing, err := store.KindCounts(ctx)
	if err != nil {
		return nil, err
	}
	for kind, n := range existing {
		c.counter(kind).Store(n)
	}
	return c, nil
}

func (c *Counter) counter(kind model.RejectKind) *atomic.Int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.counts[kind]
	if !ok {
		n = new(atomic.Int64)
		c.counts[kind] = n
	}
	return n
}

// Quarantine counts r and stores it when a Store is attached. r is counted
// even if storing fails.
func (c *Counter) Quarantine(ctx context.Context, r model.Rejected) error {
	c.counter(r.Kind).Add(1)
	if c.store == nil {
		return nil
	}
	return c.store.Quarantine(ctx, r)
}

// List returns the newest stored entries, or none without a Store.
func (c *Counter) List(ctx context.Context, limit int) ([]model.Rejected, error) {
	if c.store == nil {
		return []model.Rejected{}, nil
	}
	return c.store.List(ctx, limit)
}

// Count returns the number of rejects of one kind.
func (c *Counter) Count(kind model.RejectKind) int64 {
	return c.counter(kind).Load()
}

// Counts splits rejects into quarantined ones (malformed or oversized
// blocks) and discarded ones (unmatched or truncated partial blocks).
func (c *Counter) Counts() (quarantined, discarded int64) {
	quarantined = c.Count(model.RejectMalformed) + c.Count(model.RejectOversized)
	discarded = c.Count(model.RejectUnmatched) + c.Count(model.RejectTruncated)
	return quarantined, discarded
}
