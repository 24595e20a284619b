// Package store is the persistence boundary for authoritative queue documents.
// Documents move through it as raw JSON plus an integer version, so the store
// has no dependency on the queue model. Saves are compare-and-swap: a document
// is persisted only when its version exceeds the stored version.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when no document exists for the player.
var ErrNotFound = errors.New("store: queue not found")

// Store persists one queue document per player.
type Store interface {
	// Load returns the stored version and raw document for the player, or
	// ErrNotFound.
	Load(ctx context.Context, playerID string) (version int64, raw []byte, err error)
	// Save persists raw under the given version if it exceeds the stored
	// version. It reports whether the swap happened.
	Save(ctx context.Context, playerID string, version int64, raw []byte) (bool, error)
	// Delete removes the player's document and bookkeeping.
	Delete(ctx context.Context, playerID string) error
}
