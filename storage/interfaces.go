package storage

import (
	"context"

	"iocpipe/core"
)

// IOCStore persists indicator batches with insert-or-update semantics keyed
// by a MatchKey.
type IOCStore interface {
	// Persist writes records in one batch. It never returns a Go error; the
	// outcome carries per-record counts and any batch-level failure.
	Persist(ctx context.Context, records []*core.Record, key core.MatchKey) *PersistOutcome

	// Close releases the underlying connection
	Close(ctx context.Context) error
}

// PersistOutcome summarizes one Persist call.
type PersistOutcome struct {
	Empty    bool  `json:"empty"`
	Inserted int   `json:"inserted"`
	Updated  int   `json:"updated"`
	Failed   int   `json:"failed"`
	Err      error `json:"-"`
}

// Written is the number of records that reached the store.
func (o *PersistOutcome) Written() int {
	return o.Inserted + o.Updated
}
