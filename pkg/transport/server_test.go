package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshkv/pkg/peers"
	"meshkv/pkg/store"
	"meshkv/storage"
)

// fakeNode is a minimal Node for exercising the HTTP surface.
type fakeNode struct {
	id       Identity
	registry *peers.Registry
	store    *store.Store
	onChat   func(message, source string) (string, error)
	onTask   func(task map[string]any) (map[string]any, error)
	returned []string
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	st, err := store.New("test-node", storage.NewMemoryBackend(), log)
	require.NoError(t, err)
	return &fakeNode{
		id: Identity{
			NodeID:      "test-node",
			Address:     "127.0.0.1:0",
			Hostname:    "testhost",
			PersonaName: "tester",
			Version:     "1.0.0",
		},
		registry: peers.NewRegistry("test-node", 3, log),
		store:    st,
	}
}

func (f *fakeNode) Identity() Identity        { return f.id }
func (f *fakeNode) Uptime() float64           { return 1.5 }
func (f *fakeNode) Registry() *peers.Registry { return f.registry }
func (f *fakeNode) Store() *store.Store       { return f.store }
func (f *fakeNode) Status() any               { return map[string]string{"state": "ok"} }
func (f *fakeNode) ForceSync() (int, int)     { return 2, 3 }
func (f *fakeNode) PeerReturned(nodeID string) {
	f.returned = append(f.returned, nodeID)
}

func (f *fakeNode) Quorum() QuorumStatus {
	status, count := f.registry.Quorum()
	return QuorumStatus{Status: status, NodeCount: count}
}

func (f *fakeNode) HandleChat(message, source string) (string, error) {
	if f.onChat == nil {
		return "", ErrNotImplemented
	}
	return f.onChat(message, source)
}

func (f *fakeNode) HandleTask(task map[string]any) (map[string]any, error) {
	if f.onTask == nil {
		return nil, ErrNotImplemented
	}
	return f.onTask(task)
}

func newTestServer(t *testing.T) (*fakeNode, *httptest.Server) {
	t.Helper()
	n := newFakeNode(t)
	s := NewServer(n, "127.0.0.1", 0, false, zaptest.NewLogger(t).Sugar())
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	return n, ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body, out any) int {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	var out HealthResponse
	code := getJSON(t, ts.URL+"/health", &out)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", out.Status)
	assert.Equal(t, "test-node", out.NodeID)
	assert.Greater(t, out.Timestamp, 0.0)
}

func TestInfoEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	var out InfoResponse
	code := getJSON(t, ts.URL+"/info", &out)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "tester", out.PersonaName)
	assert.Equal(t, peers.QuorumStandalone, out.Quorum.Status)
	assert.Equal(t, 1, out.Quorum.NodeCount)
}

func TestPeersIncludesSelf(t *testing.T) {
	n, ts := newTestServer(t)
	n.registry.AddOrUpdate("peer-1", "10.0.0.1:8370", "", "alpha", nil, "", peers.SourceSeed)

	var out PeersResponse
	code := getJSON(t, ts.URL+"/peers", &out)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, out.Peers, 2)

	ids := []string{out.Peers[0].NodeID, out.Peers[1].NodeID}
	assert.Contains(t, ids, "test-node")
	assert.Contains(t, ids, "peer-1")
}

func TestAnnounceRegistersPeer(t *testing.T) {
	n, ts := newTestServer(t)

	var out AnnounceResponse
	code := postJSON(t, ts.URL+"/peers/announce", AnnounceRequest{
		NodeID:      "peer-9",
		Address:     "10.0.0.9:8370",
		PersonaName: "niner",
	}, &out)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, out.Accepted)
	assert.Equal(t, "test-node", out.NodeID)

	p, ok := n.registry.Get("peer-9")
	require.True(t, ok)
	assert.Equal(t, peers.StateAlive, p.State)
	assert.Equal(t, peers.SourceAnnounce, p.DiscoveredVia)
}

func TestAnnounceFromDeadPeerRequestsResync(t *testing.T) {
	n, ts := newTestServer(t)

	n.registry.AddOrUpdate("peer-9", "10.0.0.9:8370", "", "", nil, "", peers.SourceSeed)
	for i := 0; i < 3; i++ {
		n.registry.RecordMissedHeartbeat("peer-9")
	}
	p, _ := n.registry.Get("peer-9")
	require.Equal(t, peers.StateDead, p.State)

	code := postJSON(t, ts.URL+"/peers/announce", AnnounceRequest{
		NodeID:  "peer-9",
		Address: "10.0.0.9:8370",
	}, nil)
	assert.Equal(t, http.StatusOK, code)

	p, _ = n.registry.Get("peer-9")
	assert.Equal(t, peers.StateAlive, p.State)
	assert.Equal(t, []string{"peer-9"}, n.returned)

	// A repeat announce from an alive peer does not request another sync.
	postJSON(t, ts.URL+"/peers/announce", AnnounceRequest{NodeID: "peer-9", Address: "10.0.0.9:8370"}, nil)
	assert.Equal(t, []string{"peer-9"}, n.returned)
}

func TestAnnounceRejectsMissingFields(t *testing.T) {
	_, ts := newTestServer(t)

	code := postJSON(t, ts.URL+"/peers/announce", AnnounceRequest{NodeID: "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestDataRoundTripWithAwkwardKeys(t *testing.T) {
	n, ts := newTestServer(t)

	for _, key := range []string{
		"plain",
		"path/with/slashes",
		"spaces and ünïcode ✓",
		"query?=&chars",
	} {
		t.Run(key, func(t *testing.T) {
			_, err := n.store.Put(key, map[string]string{"k": key})
			require.NoError(t, err)

			var out store.Item
			code := getJSON(t, ts.URL+"/sync/data/"+url.PathEscape(key), &out)
			assert.Equal(t, http.StatusOK, code)
			assert.Equal(t, key, out.Key)
		})
	}
}

func TestGetDataNotFound(t *testing.T) {
	_, ts := newTestServer(t)

	var out ErrorResponse
	code := getJSON(t, ts.URL+"/sync/data/missing", &out)
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotEmpty(t, out.Error)
}

func TestPostDataMergeSemantics(t *testing.T) {
	_, ts := newTestServer(t)

	it := store.Item{
		Key:        "k",
		Value:      json.RawMessage(`"v1"`),
		Timestamp:  100,
		OriginNode: "peer-1",
		Version:    1,
	}

	// First push: accepted as new, 201.
	var out PutItemResponse
	code := postJSON(t, ts.URL+"/sync/data/k", it, &out)
	assert.Equal(t, http.StatusCreated, code)
	assert.True(t, out.Accepted)
	assert.Equal(t, store.ReasonNew, out.Reason)

	// Older push: rejected, 200.
	older := it
	older.Timestamp = 50
	code = postJSON(t, ts.URL+"/sync/data/k", older, &out)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, out.Accepted)
	assert.Equal(t, store.ReasonOlder, out.Reason)
}

func TestPostDataValidation(t *testing.T) {
	_, ts := newTestServer(t)

	// Key in body must match the path.
	it := store.Item{Key: "other", Value: json.RawMessage(`1`), Timestamp: 1, OriginNode: "p", Version: 1}
	code := postJSON(t, ts.URL+"/sync/data/k", it, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	// Missing replication metadata.
	it = store.Item{Key: "k", Value: json.RawMessage(`1`)}
	code = postJSON(t, ts.URL+"/sync/data/k", it, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	// Malformed body.
	resp, err := http.Post(ts.URL+"/sync/data/k", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestManifestEndpoint(t *testing.T) {
	n, ts := newTestServer(t)
	_, err := n.store.Put("k", "v")
	require.NoError(t, err)

	var out ManifestResponse
	code := getJSON(t, ts.URL+"/sync/manifest", &out)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, out.Manifest, "k")
	assert.Equal(t, "test-node", out.NodeID)
}

func TestForceSyncEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	var out ForceSyncResponse
	code := postJSON(t, ts.URL+"/sync/force", struct{}{}, &out)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, out.Pushed)
	assert.Equal(t, 3, out.Pulled)
}

func TestChatWithoutHandler(t *testing.T) {
	_, ts := newTestServer(t)

	code := postJSON(t, ts.URL+"/chat", ChatRequest{Message: "hi"}, nil)
	assert.Equal(t, http.StatusNotImplemented, code)
}

func TestChatWithHandler(t *testing.T) {
	n, ts := newTestServer(t)
	n.onChat = func(message, source string) (string, error) {
		return fmt.Sprintf("heard %q from %s", message, source), nil
	}

	var out ChatResponse
	code := postJSON(t, ts.URL+"/chat", ChatRequest{Message: "hi"}, &out)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, `heard "hi" from mesh`, out.Response)
	assert.Equal(t, "tester", out.PersonaName)
}

func TestChatHandlerError(t *testing.T) {
	n, ts := newTestServer(t)
	n.onChat = func(message, source string) (string, error) {
		return "", errors.New("boom")
	}

	code := postJSON(t, ts.URL+"/chat", ChatRequest{Message: "hi"}, nil)
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestTaskEndpoint(t *testing.T) {
	n, ts := newTestServer(t)

	// No handler: 501.
	task := map[string]any{"task_id": "t1", "task_type": "noop"}
	code := postJSON(t, ts.URL+"/task", task, nil)
	assert.Equal(t, http.StatusNotImplemented, code)

	n.onTask = func(task map[string]any) (map[string]any, error) {
		return map[string]any{"done": true}, nil
	}

	var out TaskResponse
	code = postJSON(t, ts.URL+"/task", task, &out)
	assert.Equal(t, http.StatusAccepted, code)
	assert.True(t, out.Accepted)
	assert.Equal(t, "t1", out.TaskID)
	assert.Equal(t, true, out.Result["done"])

	// Missing task_type: rejected before the handler runs.
	code = postJSON(t, ts.URL+"/task", map[string]any{"task_id": "t2"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestServerStartStop(t *testing.T) {
	n := newFakeNode(t)
	s := NewServer(n, "127.0.0.1", 0, false, zaptest.NewLogger(t).Sugar())

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.NotZero(t, s.Port())

	c := NewClient(zaptest.NewLogger(t).Sugar())
	defer c.Close()
	health, err := c.Health(context.Background(), fmt.Sprintf("127.0.0.1:%d", s.Port()))
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.IsRunning())
}

func TestClientAgainstServer(t *testing.T) {
	n := newFakeNode(t)
	s := NewServer(n, "127.0.0.1", 0, false, zaptest.NewLogger(t).Sugar())
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	addr := fmt.Sprintf("127.0.0.1:%d", s.Port())
	c := NewClient(zaptest.NewLogger(t).Sugar())
	defer c.Close()
	ctx := context.Background()

	// Push an item, read it back through the typed client.
	it := store.Item{Key: "a/b c", Value: json.RawMessage(`42`), Timestamp: 10, OriginNode: "peer", Version: 1}
	res, err := c.PushItem(ctx, addr, it)
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	got, found, err := c.GetItem(ctx, addr, "a/b c")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a/b c", got.Key)

	_, found, err = c.GetItem(ctx, addr, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	manifest, err := c.Manifest(ctx, addr)
	require.NoError(t, err)
	assert.Contains(t, manifest, "a/b c")

	// Announce and verify the peer list.
	_, err = c.Announce(ctx, addr, AnnounceRequest{NodeID: "peer-2", Address: "10.0.0.2:1"})
	require.NoError(t, err)
	list, err := c.Peers(ctx, addr)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
