package storage

import (
	"context"
	"sync"
	"time"
)

type batchKey struct{}

// Batch ties several Persist calls together as one logical write: every call
// stamps the same createDate/modifyDate and a key is counted as inserted at
// most once across the calls.
type Batch struct {
	Stamp time.Time

	mu   sync.Mutex
	seen map[string]bool
}

// NewBatch creates a batch stamped at now, truncated to milliseconds.
func NewBatch(now time.Time) *Batch {
	return &Batch{Stamp: now.UTC().Truncate(time.Millisecond), seen: make(map[string]bool)}
}

// WithBatch returns a context whose Persist calls share b.
func WithBatch(ctx context.Context, b *Batch) context.Context {
	return context.WithValue(ctx, batchKey{}, b)
}

// BatchFromContext returns the batch carried by ctx, if any.
func BatchFromContext(ctx context.Context) (*Batch, bool) {
	b, ok := ctx.Value(batchKey{}).(*Batch)
	return b, ok && b != nil
}

// batchFrom returns the batch carried by ctx, or a fresh one stamped by now.
func batchFrom(ctx context.Context, now func() time.Time) *Batch {
	if b, ok := BatchFromContext(ctx); ok {
		return b
	}
	return NewBatch(now())
}

// firstSight reports whether id has not been written earlier in the batch.
func (b *Batch) firstSight(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seen[id] {
		return false
	}
	b.seen[id] = true
	return true
}
