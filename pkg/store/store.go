// Package store implements the replicated key-value store: one versioned
// item per key, last-write-wins merge, manifest generation, and
// synchronous persistence through a storage backend.
package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshkv/internal/telemetry"
	"meshkv/storage"
)

// Merge reasons returned by Merge.
const (
	ReasonNew       = "new"
	ReasonNewer     = "newer"
	ReasonOlder     = "older"
	ReasonIdentical = "identical"
)

// Stats summarizes the store contents.
type Stats struct {
	ItemCount      int    `json:"item_count"`
	TotalSizeBytes int    `json:"total_size_bytes"`
	VersionCounter int64  `json:"version_counter"`
	NodeID         string `json:"node_id"`
}

// Store is a thread-safe versioned store. Every mutation is persisted
// through the backend before the call returns; on a persistence error
// the in-memory state stays authoritative and the error is reported to
// the caller so it can retry.
type Store struct {
	nodeID  string
	backend storage.Backend
	log     *zap.SugaredLogger

	mu      sync.Mutex
	items   map[string]Item
	counter int64
}

// New creates a store owned by nodeID and loads any previously persisted
// snapshot from the backend.
func New(nodeID string, backend storage.Backend, log *zap.SugaredLogger) (*Store, error) {
	s := &Store{
		nodeID:  nodeID,
		backend: backend,
		log:     log,
		items:   make(map[string]Item),
	}

	snap, found, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("load store: %w", err)
	}
	if found {
		s.counter = snap.VersionCounter
		for key, raw := range snap.Items {
			var it Item
			if err := json.Unmarshal(raw, &it); err != nil {
				log.Errorf("skipping corrupt item %q: %v", key, err)
				continue
			}
			s.items[key] = it
		}
		log.Infof("loaded %d item(s) from store", len(s.items))
	}
	telemetry.StoreItems.Set(float64(len(s.items)))
	return s, nil
}

// Put stores value under key with default metadata: timestamp now,
// origin this node, next version. value is marshaled to JSON.
func (s *Store) Put(key string, value any) (Item, error) {
	return s.PutAt(key, value, 0, "", 0)
}

// PutAt stores value with explicit metadata. Zero values fall back to
// the defaults used by Put.
func (s *Store) PutAt(key string, value any, timestamp float64, origin string, version int64) (Item, error) {
	raw, err := toRaw(value)
	if err != nil {
		return Item{}, fmt.Errorf("encode value for %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if timestamp == 0 {
		timestamp = nowSeconds()
	}
	if origin == "" {
		origin = s.nodeID
	}
	if version == 0 {
		s.counter++
		version = s.counter
	}

	it := Item{
		Key:        key,
		Value:      raw,
		Timestamp:  timestamp,
		OriginNode: origin,
		Version:    version,
	}
	it.fill()

	s.items[key] = it
	if err := s.persistLocked(); err != nil {
		return it, err
	}
	s.log.Debugf("stored item %s (v%d, from %s)", key, version, origin)
	return it, nil
}

// Get returns the full item for key.
func (s *Store) Get(key string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	return it, ok
}

// GetValue returns just the payload for key.
func (s *Store) GetValue(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok {
		return nil, false
	}
	return it.Value, true
}

// Exists reports whether key is present.
func (s *Store) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	return ok
}

// Delete removes key. The bool reports whether it existed.
func (s *Store) Delete(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		return false, nil
	}
	delete(s.items, key)
	if err := s.persistLocked(); err != nil {
		return true, err
	}
	s.log.Debugf("deleted item %s", key)
	return true, nil
}

// Manifest returns the metadata-only projection of the store.
func (s *Store) Manifest() Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(Manifest, len(s.items))
	for key, it := range s.items {
		m[key] = it.manifestEntry()
	}
	return m
}

// Merge applies an item received from a peer using last-write-wins with
// the origin-node tiebreak. It returns whether the item was accepted and
// why. Accepted items are persisted before returning.
func (s *Store) Merge(incoming Item) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.items[incoming.Key]
	if !ok {
		s.items[incoming.Key] = incoming
		err := s.persistLocked()
		telemetry.MergeResults.WithLabelValues(ReasonNew).Inc()
		s.log.Debugf("merged new item %s from %s", incoming.Key, incoming.OriginNode)
		return true, ReasonNew, err
	}

	if incoming.NewerThan(existing) {
		s.items[incoming.Key] = incoming
		err := s.persistLocked()
		telemetry.MergeResults.WithLabelValues(ReasonNewer).Inc()
		s.log.Debugf("merged newer item %s (theirs ts=%.3f > ours ts=%.3f)",
			incoming.Key, incoming.Timestamp, existing.Timestamp)
		return true, ReasonNewer, err
	}

	if existing.NewerThan(incoming) {
		telemetry.MergeResults.WithLabelValues(ReasonOlder).Inc()
		return false, ReasonOlder, nil
	}

	// Same timestamp and same origin: nothing to do.
	telemetry.MergeResults.WithLabelValues(ReasonIdentical).Inc()
	return false, ReasonIdentical, nil
}

// Diff compares the store against a peer's manifest and returns the
// items this node should push and the keys it should pull.
func (s *Store) Diff(remote Manifest) ([]Item, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var push []Item
	var pull []string

	for key, it := range s.items {
		entry, ok := remote[key]
		switch {
		case !ok:
			push = append(push, it)
		case it.Timestamp > entry.Timestamp:
			push = append(push, it)
		case it.Timestamp == entry.Timestamp && it.OriginNode > entry.OriginNode:
			push = append(push, it)
		}
	}

	for key, entry := range remote {
		it, ok := s.items[key]
		switch {
		case !ok:
			pull = append(pull, key)
		case it.Timestamp < entry.Timestamp:
			pull = append(pull, key)
		case it.Timestamp == entry.Timestamp && it.OriginNode < entry.OriginNode:
			pull = append(pull, key)
		}
	}

	return push, pull
}

// Keys returns all keys.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.items))
	for key := range s.items {
		out = append(out, key)
	}
	return out
}

// KeysWithPrefix returns keys starting with prefix.
func (s *Store) KeysWithPrefix(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for key := range s.items {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out
}

// ItemsWithPrefix returns items whose keys start with prefix.
func (s *Store) ItemsWithPrefix(prefix string) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Item
	for key, it := range s.items {
		if strings.HasPrefix(key, prefix) {
			out = append(out, it)
		}
	}
	return out
}

// Stats returns item count, total payload size, and the version counter.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, it := range s.items {
		total += it.SizeBytes
	}
	return Stats{
		ItemCount:      len(s.items),
		TotalSizeBytes: total,
		VersionCounter: s.counter,
		NodeID:         s.nodeID,
	}
}

// Len returns the number of items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) persistLocked() error {
	snap := storage.Snapshot{
		VersionCounter: s.counter,
		NodeID:         s.nodeID,
		SavedAt:        nowSeconds(),
		Items:          make(map[string]json.RawMessage, len(s.items)),
	}
	for key, it := range s.items {
		raw, err := json.Marshal(it)
		if err != nil {
			s.log.Errorf("encode item %q: %v", key, err)
			continue
		}
		snap.Items[key] = raw
	}
	telemetry.StoreItems.Set(float64(len(s.items)))
	if err := s.backend.Persist(snap); err != nil {
		s.log.Errorf("persist store: %v", err)
		return err
	}
	return nil
}

func toRaw(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(value)
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
