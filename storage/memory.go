package storage

import (
	"encoding/json"
	"sync"
)

// MemoryBackend keeps the snapshot in memory only. Used by tests and by
// nodes running with persistence disabled.
type MemoryBackend struct {
	mu    sync.Mutex
	snap  Snapshot
	found bool
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Load returns the last persisted snapshot, if any.
func (b *MemoryBackend) Load() (Snapshot, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.found {
		return Snapshot{}, false, nil
	}
	return copySnapshot(b.snap), true, nil
}

// Persist stores a copy of the snapshot.
func (b *MemoryBackend) Persist(snap Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snap = copySnapshot(snap)
	b.found = true
	return nil
}

// Close is a no-op.
func (b *MemoryBackend) Close() error { return nil }

func copySnapshot(snap Snapshot) Snapshot {
	out := snap
	out.Items = make(map[string]json.RawMessage, len(snap.Items))
	for k, v := range snap.Items {
		out.Items[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
