package store

import (
	"context"
	"errors"
	"iter"

	"basegraph.app/observer/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// CursorStore persists the realtime watcher's position in the change log.
// It has a single writer.
type CursorStore interface {
	// Load returns ErrNotFound when no cursor was ever saved.
	Load(ctx context.Context) (int64, error)
	Save(ctx context.Context, seq int64) error
}

// ResultStore exposes analysis results to the staleness scanner.
type ResultStore interface {
	// FindStale lazily yields results matching q. The sequence is finite and
	// may be iterated once; a read error is yielded as the last element.
	FindStale(ctx context.Context, q model.StaleQuery) iter.Seq2[model.StaleCandidate, error]
}
