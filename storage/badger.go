package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

const (
	badgerCounterKey = "meta/version_counter"
	badgerNodeKey    = "meta/node_id"
	badgerItemPrefix = "item/"
)

// BadgerBackend persists snapshots in a BadgerDB database with
// synchronous writes. Items live under one key each, so large stores do
// not rewrite the whole state on every mutation the way the file backend
// does.
type BadgerBackend struct {
	db *badger.DB

	mu   sync.Mutex
	keys map[string]struct{} // keys present at last persist, for deletions
}

// NewBadgerBackend opens (or creates) a badger database in dataDir.
func NewBadgerBackend(dataDir string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dataDir).
		WithLogger(nil).
		WithSyncWrites(true)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &BadgerBackend{db: db, keys: make(map[string]struct{})}, nil
}

// Load reads the counter and all items from the database.
func (b *BadgerBackend) Load() (Snapshot, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{Items: make(map[string]json.RawMessage)}
	found := false

	err := b.db.View(func(txn *badger.Txn) error {
		if item, err := txn.Get([]byte(badgerCounterKey)); err == nil {
			found = true
			if err := item.Value(func(val []byte) error {
				if len(val) == 8 {
					snap.VersionCounter = int64(binary.BigEndian.Uint64(val))
				}
				return nil
			}); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		if item, err := txn.Get([]byte(badgerNodeKey)); err == nil {
			if err := item.Value(func(val []byte) error {
				snap.NodeID = string(val)
				return nil
			}); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(badgerItemPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			entry := it.Item()
			key := strings.TrimPrefix(string(entry.Key()), badgerItemPrefix)
			val, err := entry.ValueCopy(nil)
			if err != nil {
				return err
			}
			snap.Items[key] = json.RawMessage(val)
			found = true
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load badger snapshot: %w", err)
	}

	b.keys = make(map[string]struct{}, len(snap.Items))
	for k := range snap.Items {
		b.keys[k] = struct{}{}
	}
	return snap, found, nil
}

// Persist writes the snapshot in one transaction: counter, changed
// items, and deletions of keys no longer present.
func (b *BadgerBackend) Persist(snap Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.db.Update(func(txn *badger.Txn) error {
		counter := make([]byte, 8)
		binary.BigEndian.PutUint64(counter, uint64(snap.VersionCounter))
		if err := txn.Set([]byte(badgerCounterKey), counter); err != nil {
			return err
		}
		if err := txn.Set([]byte(badgerNodeKey), []byte(snap.NodeID)); err != nil {
			return err
		}
		for key, raw := range snap.Items {
			if err := txn.Set([]byte(badgerItemPrefix+key), raw); err != nil {
				return err
			}
		}
		for key := range b.keys {
			if _, ok := snap.Items[key]; !ok {
				if err := txn.Delete([]byte(badgerItemPrefix + key)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist badger snapshot: %w", err)
	}

	b.keys = make(map[string]struct{}, len(snap.Items))
	for k := range snap.Items {
		b.keys[k] = struct{}{}
	}
	return nil
}

// Close closes the underlying database.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
