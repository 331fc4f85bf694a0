// Package store provides durable persistence for the mutation queue.
//
// A Store holds one serialized item list per namespace. Writes must be
// complete when Save returns so that a crash between an enqueue and the
// next drain never loses data. Three backends are provided: memory
// (tests), JSON files (human-inspectable), and SQLite (production).
package store

import (
	"errors"

	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/types"
)

// ErrQuotaExceeded is returned by a backend when the underlying medium
// refuses the write for capacity reasons. The queue responds by evicting
// oldest pending items and retrying; it never surfaces this to UI code.
var ErrQuotaExceeded = errors.New("store: quota exceeded")

// Store persists the queue for one or more namespaces.
type Store interface {
	// Load returns all items for the namespace in id order. A namespace
	// that has never been saved yields an empty slice, not an error.
	Load(namespace string) ([]*types.Item, error)

	// Save atomically replaces the namespace's persisted items.
	Save(namespace string, items []*types.Item) error

	Close() error
}
