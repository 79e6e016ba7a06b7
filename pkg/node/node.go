// Package node assembles a complete mesh node: versioned store, peer
// registry, RPC server, gossip protocol, and sync protocol, with an
// ordered lifecycle and application hooks for chat and task messages.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshkv/config"
	"meshkv/pkg/gossip"
	"meshkv/pkg/peers"
	"meshkv/pkg/store"
	"meshkv/pkg/syncer"
	"meshkv/pkg/transport"
	"meshkv/storage"
)

// Version is the protocol/software version advertised to peers.
const Version = "1.0.0"

// bootstrapWait bounds how long Start waits for the gossip bootstrap
// before launching the sync loop anyway.
const bootstrapWait = 5 * time.Second

// ChatHandler answers an inbound chat message.
type ChatHandler func(message, source string) (string, error)

// TaskHandler executes an inbound task and returns its result.
type TaskHandler func(task map[string]any) (map[string]any, error)

// ProtocolStatus reports the liveness of each background protocol.
type ProtocolStatus struct {
	ServerRunning      bool `json:"server_running"`
	GossipRunning      bool `json:"gossip_running"`
	GossipBootstrapped bool `json:"gossip_bootstrapped"`
	SyncRunning        bool `json:"sync_running"`
}

// Status is the full node status answered by GET /status.
type Status struct {
	NodeID      string                 `json:"node_id"`
	PersonaName string                 `json:"persona_name"`
	Address     string                 `json:"address"`
	Uptime      float64                `json:"uptime"`
	Quorum      transport.QuorumStatus `json:"quorum"`
	Peers       []peers.Summary        `json:"peers"`
	Store       store.Stats            `json:"store"`
	Protocols   ProtocolStatus         `json:"protocols"`
	Running     bool                   `json:"running"`
}

// Node is the top-level coordinator. Create with New, then Start; the
// node serves until Stop.
type Node struct {
	cfg *config.Config
	log *zap.SugaredLogger

	identity  transport.Identity
	startTime time.Time

	registry *peers.Registry
	store    *store.Store
	client   *transport.Client
	server   *transport.Server
	gossip   *gossip.Protocol
	syncer   *syncer.Syncer

	mu      sync.Mutex
	onChat  ChatHandler
	onTask  TaskHandler
	running bool
}

// New builds a node from configuration. The storage backend is opened
// here; a backend failure is fatal.
func New(cfg *config.Config, log *zap.SugaredLogger) (*Node, error) {
	nodeID := cfg.Node.ID
	if nodeID == "" {
		nodeID = uuid.New().String()
	}
	hostname, _ := os.Hostname()

	backend, err := storage.Open(cfg.Storage.Backend, cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open storage backend: %w", err)
	}
	st, err := store.New(nodeID, backend, log)
	if err != nil {
		backend.Close()
		return nil, err
	}

	n := &Node{
		cfg: cfg,
		log: log,
		identity: transport.Identity{
			NodeID:       nodeID,
			Hostname:     hostname,
			PersonaName:  cfg.Node.PersonaName,
			Capabilities: cfg.Node.Capabilities,
			Version:      Version,
		},
		registry: peers.NewRegistry(nodeID, cfg.Mesh.MaxMissed, log),
		store:    st,
		client:   transport.NewClient(log),
	}

	n.server = transport.NewServer(n, cfg.Server.Host, cfg.Server.Port, cfg.Metrics.Enabled, log)
	n.syncer = syncer.New(syncer.Config{
		Interval:  time.Duration(cfg.Mesh.SyncInterval) * time.Second,
		BatchSize: cfg.Mesh.SyncBatchSize,
	}, n.registry, st, n.client, log)
	n.gossip = gossip.New(gossip.Config{
		SeedPeers:         cfg.Mesh.SeedPeers,
		HeartbeatInterval: time.Duration(cfg.Mesh.HeartbeatInterval) * time.Second,
		GossipInterval:    time.Duration(cfg.Mesh.GossipInterval) * time.Second,
		DeadPeerRetention: time.Duration(cfg.Mesh.DeadPeerRetention) * time.Second,
	}, n.registry, n.client, n.Identity, n.syncer.RequestSync, log)

	return n, nil
}

// Start brings the node up: RPC server first so peers can reach us, then
// gossip bootstrap, then the sync loop. A listener bind failure aborts
// startup.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	n.startTime = time.Now()
	if err := n.server.Start(); err != nil {
		return err
	}
	n.resolveAdvertiseAddr()

	n.gossip.Start()
	// Give bootstrap a short window so the first sync cycle already has
	// peers to talk to; a slow seed must not block startup.
	bctx, cancel := context.WithTimeout(context.Background(), bootstrapWait)
	if err := n.WaitForBootstrap(bctx); err != nil {
		n.log.Warnf("bootstrap still running after %s, starting sync loop", bootstrapWait)
	}
	cancel()
	n.syncer.Start()

	n.mu.Lock()
	n.running = true
	n.mu.Unlock()

	n.log.Infof("node %s (%s) started at %s", shortID(n.identity.NodeID),
		n.identity.PersonaName, n.identity.Address)
	return nil
}

// Stop shuts the node down in reverse start order and closes the store.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	n.mu.Unlock()

	n.syncer.Stop()
	n.gossip.Stop()
	err := n.server.Stop(ctx)
	n.client.Close()
	if cerr := n.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	n.log.Infof("node %s stopped", shortID(n.identity.NodeID))
	return err
}

// IsRunning reports whether the node has been started and not stopped.
func (n *Node) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// WaitForBootstrap blocks until the gossip bootstrap finishes or the
// context expires.
func (n *Node) WaitForBootstrap(ctx context.Context) error {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if n.gossip.BootstrapComplete() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Identity returns the advertised identity, with the address resolved
// after Start.
func (n *Node) Identity() transport.Identity {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.identity
}

// Uptime returns seconds since Start.
func (n *Node) Uptime() float64 {
	if n.startTime.IsZero() {
		return 0
	}
	return time.Since(n.startTime).Seconds()
}

// Quorum returns the informal network-size status.
func (n *Node) Quorum() transport.QuorumStatus {
	status, count := n.registry.Quorum()
	return transport.QuorumStatus{Status: status, NodeCount: count}
}

// Registry exposes the peer registry.
func (n *Node) Registry() *peers.Registry { return n.registry }

// Store exposes the versioned store.
func (n *Node) Store() *store.Store { return n.store }

// Port returns the resolved RPC listen port.
func (n *Node) Port() int { return n.server.Port() }

// Put stores a value in the replicated store under this node's identity.
func (n *Node) Put(key string, value any) (store.Item, error) {
	return n.store.Put(key, value)
}

// Get returns the payload stored under key.
func (n *Node) Get(key string) (json.RawMessage, bool) {
	return n.store.GetValue(key)
}

// Delete removes key from the local store. The removal does not
// replicate; a peer holding the key will offer it back on the next sync.
func (n *Node) Delete(key string) (bool, error) {
	return n.store.Delete(key)
}

// DiscoverPeer manually adds a peer by address.
func (n *Node) DiscoverPeer(ctx context.Context, address string) (peers.Peer, error) {
	return n.gossip.DiscoverPeer(ctx, address)
}

// ForceSync runs an immediate sync with every reachable peer.
func (n *Node) ForceSync() (pushed, pulled int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return n.syncer.ForceSyncAll(ctx)
}

// ForceAnnounce re-announces this node to every reachable peer and
// returns how many acknowledged.
func (n *Node) ForceAnnounce(ctx context.Context) int {
	return n.gossip.ForceAnnounce(ctx)
}

// PeerReturned schedules an out-of-band sync with a peer that was dead
// and has been heard from again.
func (n *Node) PeerReturned(nodeID string) {
	n.syncer.RequestSync(nodeID)
}

// SetOnChat registers the chat handler. Without one, inbound chats are
// answered with 501.
func (n *Node) SetOnChat(h ChatHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onChat = h
}

// SetOnTask registers the task handler.
func (n *Node) SetOnTask(h TaskHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onTask = h
}

// HandleChat dispatches an inbound chat message to the registered handler.
func (n *Node) HandleChat(message, source string) (string, error) {
	n.mu.Lock()
	h := n.onChat
	n.mu.Unlock()
	if h == nil {
		return "", transport.ErrNotImplemented
	}
	return h(message, source)
}

// HandleTask dispatches an inbound task to the registered handler.
func (n *Node) HandleTask(task map[string]any) (map[string]any, error) {
	n.mu.Lock()
	h := n.onTask
	n.mu.Unlock()
	if h == nil {
		return nil, transport.ErrNotImplemented
	}
	return h(task)
}

// Status returns the full node status.
func (n *Node) Status() any {
	id := n.Identity()
	return Status{
		NodeID:      id.NodeID,
		PersonaName: id.PersonaName,
		Address:     id.Address,
		Uptime:      n.Uptime(),
		Quorum:      n.Quorum(),
		Peers:       n.registry.GossipList(),
		Store:       n.store.Stats(),
		Protocols: ProtocolStatus{
			ServerRunning:      n.server.IsRunning(),
			GossipRunning:      n.gossip.Running(),
			GossipBootstrapped: n.gossip.BootstrapComplete(),
			SyncRunning:        n.syncer.Running(),
		},
		Running: n.IsRunning(),
	}
}

// resolveAdvertiseAddr fixes the address peers should dial. An explicit
// advertise_addr wins; otherwise the outbound-interface IP is combined
// with the resolved listen port.
func (n *Node) resolveAdvertiseAddr() {
	addr := n.cfg.Server.AdvertiseAddr
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", localIP(), n.server.Port())
	}
	n.mu.Lock()
	n.identity.Address = addr
	n.mu.Unlock()
}

// localIP finds the IP of the default outbound interface. The UDP dial
// does not send any packet; it only asks the kernel for a route.
func localIP() string {
	conn, err := net.Dial("udp", "10.255.255.255:1")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
