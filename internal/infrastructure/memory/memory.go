// Package memory provides in-memory adapters for the domain store
// interfaces. Used by tests and by dev mode without a database.
package memory

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a looked-up entity does not exist.
var ErrNotFound = errors.New("memory: not found")

// TxRunner satisfies usage.TxRunner for single-process stores. The in-memory
// maps are mutated in place, so fn simply runs; atomicity across stores is
// only provided by the postgres implementation.
type TxRunner struct{}

// WithinTx runs fn directly.
func (TxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
