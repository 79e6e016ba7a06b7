// Package client is a typed SDK for a meshkv node's HTTP API, for
// programs that talk to a node without being part of the mesh.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Options control Client behavior.
type Options struct {
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
	// RequestTimeout bounds a whole request.
	RequestTimeout time.Duration
}

// Client talks to one meshkv node.
type Client struct {
	base string
	http *http.Client
}

// New returns a client for the node at address (host:port).
func New(address string, opts *Options) *Client {
	if opts == nil {
		opts = &Options{}
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	return &Client{
		base: "http://" + address,
		http: &http.Client{
			Timeout:   opts.RequestTimeout,
			Transport: &http.Transport{DialContext: dialer.DialContext},
		},
	}
}

// Close releases idle connections.
func (c *Client) Close() { c.http.CloseIdleConnections() }

// NodeInfo is the answer of GET /info.
type NodeInfo struct {
	NodeID       string   `json:"node_id"`
	Hostname     string   `json:"hostname"`
	PersonaName  string   `json:"persona_name"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
	Address      string   `json:"address"`
	Uptime       float64  `json:"uptime"`
}

// PeerInfo is one entry of GET /peers.
type PeerInfo struct {
	NodeID      string  `json:"node_id"`
	Address     string  `json:"address"`
	PersonaName string  `json:"persona_name"`
	State       string  `json:"state"`
	LastSeen    float64 `json:"last_seen"`
}

// Item is a stored item with its replication metadata.
type Item struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	Timestamp   float64         `json:"timestamp"`
	OriginNode  string          `json:"origin_node"`
	Version     int64           `json:"version"`
	ContentHash string          `json:"content_hash"`
	SizeBytes   int             `json:"size_bytes"`
}

// PutResult reports the node's merge decision for a pushed item.
type PutResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
	NodeID   string `json:"node_id"`
}

// SyncResult is the answer of POST /sync/force.
type SyncResult struct {
	Pushed int `json:"pushed"`
	Pulled int `json:"pulled"`
}

// ChatReply carries a node's answer to a chat message.
type ChatReply struct {
	Response    string `json:"response"`
	NodeID      string `json:"node_id"`
	PersonaName string `json:"persona_name"`
}

// TaskResult is the answer of POST /task.
type TaskResult struct {
	Accepted bool           `json:"accepted"`
	TaskID   string         `json:"task_id"`
	Result   map[string]any `json:"result,omitempty"`
	NodeID   string         `json:"node_id"`
}

// Healthy reports whether the node answers its health probe.
func (c *Client) Healthy(ctx context.Context) bool {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.get(ctx, "/health", &out); err != nil {
		return false
	}
	return out.Status == "healthy"
}

// Info fetches the node's identity and uptime.
func (c *Client) Info(ctx context.Context) (NodeInfo, error) {
	var out NodeInfo
	err := c.get(ctx, "/info", &out)
	return out, err
}

// Status fetches the node's full status document.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.get(ctx, "/status", &out)
	return out, err
}

// Peers lists the node's known peers, including itself.
func (c *Client) Peers(ctx context.Context) ([]PeerInfo, error) {
	var out struct {
		Peers []PeerInfo `json:"peers"`
	}
	err := c.get(ctx, "/peers", &out)
	return out.Peers, err
}

// Get fetches the item stored under key. The bool is false when the node
// does not have the key.
func (c *Client) Get(ctx context.Context, key string) (Item, bool, error) {
	var out Item
	err := c.get(ctx, "/sync/data/"+url.PathEscape(key), &out)
	if err != nil {
		if he, ok := err.(*StatusError); ok && he.Code == http.StatusNotFound {
			return Item{}, false, nil
		}
		return Item{}, false, err
	}
	return out, true, nil
}

// Put writes an item through the node's merge path. The item must carry
// key, value, timestamp, origin_node, and a version; items losing the
// merge are rejected with the losing reason.
func (c *Client) Put(ctx context.Context, it Item) (PutResult, error) {
	var out PutResult
	err := c.post(ctx, "/sync/data/"+url.PathEscape(it.Key), it, &out)
	return out, err
}

// PutValue writes value under key with fresh metadata stamped by this
// client: timestamp now, origin carrying the given node ID.
func (c *Client) PutValue(ctx context.Context, key string, value any, origin string) (PutResult, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return PutResult{}, err
	}
	return c.Put(ctx, Item{
		Key:        key,
		Value:      raw,
		Timestamp:  float64(time.Now().UnixNano()) / 1e9,
		OriginNode: origin,
		Version:    1,
	})
}

// ForceSync asks the node to sync with all reachable peers now.
func (c *Client) ForceSync(ctx context.Context) (SyncResult, error) {
	var out SyncResult
	err := c.post(ctx, "/sync/force", struct{}{}, &out)
	return out, err
}

// Chat sends a chat message to the node.
func (c *Client) Chat(ctx context.Context, message, source string) (ChatReply, error) {
	var out ChatReply
	body := map[string]string{"message": message}
	if source != "" {
		body["source"] = source
	}
	err := c.post(ctx, "/chat", body, &out)
	return out, err
}

// Task submits a task to the node. The map must carry task_id and
// task_type.
func (c *Client) Task(ctx context.Context, task map[string]any) (TaskResult, error) {
	var out TaskResult
	err := c.post(ctx, "/task", task, &out)
	return out, err
}

// StatusError is returned for non-2xx answers.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("node answered %d: %s", e.Code, e.Message)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
