package store

import (
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

// Item is one replicated record with the metadata last-write-wins
// resolution needs.
type Item struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	Timestamp   float64         `json:"timestamp"` // unix seconds, sub-second precision
	OriginNode  string          `json:"origin_node"`
	Version     int64           `json:"version"`
	ContentHash string          `json:"content_hash,omitempty"`
	SizeBytes   int             `json:"size_bytes,omitempty"`
}

// NewerThan reports whether this item wins over other under
// last-write-wins. Equal timestamps are broken by plain string
// comparison of the origin node IDs so both sides of a conflict converge
// to the same winner regardless of who evaluates it.
func (it Item) NewerThan(other Item) bool {
	if it.Timestamp > other.Timestamp {
		return true
	}
	if it.Timestamp < other.Timestamp {
		return false
	}
	return it.OriginNode > other.OriginNode
}

// fill computes the content hash and size when absent, e.g. for locally
// created items. Items received from peers keep the hash they arrived
// with.
func (it *Item) fill() {
	canonical := canonicalValue(it.Value)
	if it.ContentHash == "" {
		h, _ := blake2b.New(16, nil)
		h.Write(canonical)
		it.ContentHash = hex.EncodeToString(h.Sum(nil))
	}
	if it.SizeBytes == 0 {
		it.SizeBytes = len(canonical)
	}
}

// canonicalValue compacts the raw JSON so hash and size do not depend on
// incidental whitespace.
func canonicalValue(raw json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

// manifestEntry converts the item to its manifest projection.
func (it Item) manifestEntry() ManifestEntry {
	return ManifestEntry{
		Timestamp:   it.Timestamp,
		Version:     it.Version,
		OriginNode:  it.OriginNode,
		ContentHash: it.ContentHash,
		SizeBytes:   it.SizeBytes,
	}
}

// ManifestEntry is the metadata-only projection of an item.
type ManifestEntry struct {
	Timestamp   float64 `json:"timestamp"`
	Version     int64   `json:"version"`
	OriginNode  string  `json:"origin_node"`
	ContentHash string  `json:"content_hash"`
	SizeBytes   int     `json:"size_bytes"`
}

// Manifest maps keys to their metadata, excluding values, so two stores
// can cheaply detect divergence.
type Manifest map[string]ManifestEntry
