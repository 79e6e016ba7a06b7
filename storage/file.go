package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const storeFileName = "mesh_store.json"

// FileBackend persists snapshots as a single JSON file in the data
// directory. Every write goes to a temp file first and is renamed into
// place, so a partial write never corrupts the previous durable state.
type FileBackend struct {
	dir  string
	path string

	mu     sync.Mutex
	closed bool
}

// NewFileBackend creates the data directory if needed and returns a
// file-backed store.
func NewFileBackend(dataDir string) (*FileBackend, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileBackend{
		dir:  dataDir,
		path: filepath.Join(dataDir, storeFileName),
	}, nil
}

// Load reads the snapshot file. A missing file is not an error.
func (b *FileBackend) Load() (Snapshot, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Snapshot{}, false, ErrClosed
	}

	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read store file: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode store file: %w", err)
	}
	return snap, true, nil
}

// Persist writes the snapshot atomically: marshal, write to a temp file,
// then rename over the previous file.
func (b *FileBackend) Persist(snap Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp store file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}

// Close marks the backend closed. Subsequent calls fail with ErrClosed.
func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
