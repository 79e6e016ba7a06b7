package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"meshkv/pkg/peers"
	"meshkv/pkg/store"
)

// Default client timeouts. Any transport failure within these bounds is
// a soft failure: callers treat it as a failed heartbeat or a skipped
// sync, never a fatal error.
const (
	ConnectTimeout = 5 * time.Second
	ReadTimeout    = 30 * time.Second
)

// Client issues mesh RPCs to peers.
type Client struct {
	http *http.Client
	log  *zap.SugaredLogger
}

// NewClient returns a client with the default connect/read timeouts.
func NewClient(log *zap.SugaredLogger) *Client {
	dialer := &net.Dialer{Timeout: ConnectTimeout}
	return &Client{
		http: &http.Client{
			Timeout: ReadTimeout,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     60 * time.Second,
			},
		},
		log: log,
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Health checks a peer's liveness.
func (c *Client) Health(ctx context.Context, address string) (HealthResponse, error) {
	var out HealthResponse
	err := c.getJSON(ctx, fmt.Sprintf("http://%s/health", address), &out)
	return out, err
}

// Info fetches a peer's node information.
func (c *Client) Info(ctx context.Context, address string) (InfoResponse, error) {
	var out InfoResponse
	err := c.getJSON(ctx, fmt.Sprintf("http://%s/info", address), &out)
	return out, err
}

// Peers fetches a peer's known peer list.
func (c *Client) Peers(ctx context.Context, address string) ([]peers.Summary, error) {
	var out PeersResponse
	if err := c.getJSON(ctx, fmt.Sprintf("http://%s/peers", address), &out); err != nil {
		return nil, err
	}
	return out.Peers, nil
}

// Announce sends the local identity to a peer.
func (c *Client) Announce(ctx context.Context, address string, req AnnounceRequest) (AnnounceResponse, error) {
	var out AnnounceResponse
	err := c.postJSON(ctx, fmt.Sprintf("http://%s/peers/announce", address), req, &out)
	return out, err
}

// Manifest fetches a peer's store manifest.
func (c *Client) Manifest(ctx context.Context, address string) (store.Manifest, error) {
	var out ManifestResponse
	if err := c.getJSON(ctx, fmt.Sprintf("http://%s/sync/manifest", address), &out); err != nil {
		return nil, err
	}
	return out.Manifest, nil
}

// GetItem fetches one item by key. The bool is false when the peer does
// not have the key.
func (c *Client) GetItem(ctx context.Context, address, key string) (store.Item, bool, error) {
	var out store.Item
	err := c.getJSON(ctx, itemURL(address, key), &out)
	if err != nil {
		if he, ok := err.(*httpError); ok && he.status == http.StatusNotFound {
			return store.Item{}, false, nil
		}
		return store.Item{}, false, err
	}
	return out, true, nil
}

// PushItem sends a full item to a peer's data endpoint, triggering a
// merge on the remote side.
func (c *Client) PushItem(ctx context.Context, address string, it store.Item) (PutItemResponse, error) {
	var out PutItemResponse
	err := c.postJSON(ctx, itemURL(address, it.Key), it, &out)
	if err != nil {
		// 200 (rejected merge) and 201 (accepted) both decode; anything
		// else is a transport failure.
		return out, err
	}
	return out, nil
}

// Chat sends a chat message to a peer.
func (c *Client) Chat(ctx context.Context, address, message, source string) (ChatResponse, error) {
	var out ChatResponse
	err := c.postJSON(ctx, fmt.Sprintf("http://%s/chat", address), ChatRequest{Message: message, Source: source}, &out)
	return out, err
}

// Task sends a task descriptor to a peer.
func (c *Client) Task(ctx context.Context, address string, task map[string]any) (TaskResponse, error) {
	var out TaskResponse
	err := c.postJSON(ctx, fmt.Sprintf("http://%s/task", address), task, &out)
	return out, err
}

// itemURL percent-encodes the key so slashes, spaces, and Unicode
// round-trip through the URL path.
func itemURL(address, key string) string {
	return fmt.Sprintf("http://%s/sync/data/%s", address, url.PathEscape(key))
}

type httpError struct {
	status int
	url    string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http %s: status %d", e.url, e.status)
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, rawURL string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debugf("%s %s failed: %v", req.Method, req.URL, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &httpError{status: resp.StatusCode, url: req.URL.String()}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.log.Debugf("%s %s: malformed response: %v", req.Method, req.URL, err)
		return fmt.Errorf("decode response from %s: %w", req.URL, err)
	}
	return nil
}
