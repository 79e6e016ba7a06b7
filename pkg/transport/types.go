package transport

import (
	"errors"

	"meshkv/pkg/peers"
	"meshkv/pkg/store"
)

// ErrNotImplemented is returned by a Node when no handler is registered
// for an inbound chat or task. The server answers 501.
var ErrNotImplemented = errors.New("no handler registered")

// Identity describes the local node as advertised to peers.
type Identity struct {
	NodeID       string   `json:"node_id"`
	Address      string   `json:"address"`
	Hostname     string   `json:"hostname"`
	PersonaName  string   `json:"persona_name"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
}

// Node is the surface the transport server exposes over the wire. The
// handlers translate payloads to and from these calls and never block on
// anything else.
type Node interface {
	Identity() Identity
	Uptime() float64
	Quorum() QuorumStatus
	Registry() *peers.Registry
	Store() *store.Store
	HandleChat(message, source string) (string, error)
	HandleTask(task map[string]any) (map[string]any, error)
	Status() any
	ForceSync() (pushed, pulled int)
	// PeerReturned signals that a peer previously marked dead has been
	// heard from, so a resync can be scheduled.
	PeerReturned(nodeID string)
}

// QuorumStatus is the informal count-based network size indicator.
type QuorumStatus struct {
	Status    string `json:"status"`
	NodeCount int    `json:"node_count"`
}

// HealthResponse answers GET /health.
type HealthResponse struct {
	Status    string  `json:"status"`
	NodeID    string  `json:"node_id"`
	Timestamp float64 `json:"timestamp"`
}

// InfoResponse answers GET /info.
type InfoResponse struct {
	NodeID       string       `json:"node_id"`
	Hostname     string       `json:"hostname"`
	PersonaName  string       `json:"persona_name"`
	Capabilities []string     `json:"capabilities"`
	Version      string       `json:"version"`
	Address      string       `json:"address"`
	Uptime       float64      `json:"uptime"`
	Quorum       QuorumStatus `json:"quorum"`
}

// PeersResponse answers GET /peers. The list includes the local node.
type PeersResponse struct {
	Peers     []peers.Summary `json:"peers"`
	Timestamp float64         `json:"timestamp"`
}

// AnnounceRequest is the body of POST /peers/announce.
type AnnounceRequest struct {
	NodeID       string   `json:"node_id"`
	Address      string   `json:"address"`
	Hostname     string   `json:"hostname,omitempty"`
	PersonaName  string   `json:"persona_name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Version      string   `json:"version,omitempty"`
}

// AnnounceResponse returns the local identity to the announcer.
type AnnounceResponse struct {
	Accepted     bool     `json:"accepted"`
	NodeID       string   `json:"node_id"`
	Hostname     string   `json:"hostname"`
	PersonaName  string   `json:"persona_name"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
}

// ManifestResponse answers GET /sync/manifest.
type ManifestResponse struct {
	Manifest  store.Manifest `json:"manifest"`
	NodeID    string         `json:"node_id"`
	Timestamp float64        `json:"timestamp"`
}

// PutItemResponse answers POST /sync/data/{key}.
type PutItemResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
	NodeID   string `json:"node_id"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

// ChatResponse carries the handler's reply.
type ChatResponse struct {
	Response    string `json:"response"`
	NodeID      string `json:"node_id"`
	PersonaName string `json:"persona_name"`
}

// TaskResponse answers POST /task. Task requests are free-form JSON
// objects that must at least carry task_id and task_type.
type TaskResponse struct {
	Accepted bool           `json:"accepted"`
	TaskID   string         `json:"task_id"`
	Result   map[string]any `json:"result,omitempty"`
	NodeID   string         `json:"node_id"`
}

// ForceSyncResponse answers POST /sync/force.
type ForceSyncResponse struct {
	Pushed int    `json:"pushed"`
	Pulled int    `json:"pulled"`
	NodeID string `json:"node_id"`
}

// ErrorResponse is the body of any non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}
