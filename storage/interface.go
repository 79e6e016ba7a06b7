// Package storage provides the durable persistence backends for the
// versioned store. A backend holds exactly one snapshot: the full
// key-to-item map plus the version counter. Persist is called
// synchronously on every mutation, so a crash never loses more than the
// most recent uncommitted operation.
package storage

import (
	"encoding/json"
	"errors"
)

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("storage: backend is closed")

// Snapshot is the full durable state of a versioned store. Items are
// kept as raw JSON so the backend stays independent of the item schema.
type Snapshot struct {
	VersionCounter int64                      `json:"version_counter"`
	NodeID         string                     `json:"node_id"`
	SavedAt        float64                    `json:"saved_at"`
	Items          map[string]json.RawMessage `json:"items"`
}

// Backend persists store snapshots.
type Backend interface {
	// Load returns the last persisted snapshot. The bool is false when
	// no snapshot has ever been persisted.
	Load() (Snapshot, bool, error)

	// Persist durably writes the snapshot before returning.
	Persist(Snapshot) error

	Close() error
}
