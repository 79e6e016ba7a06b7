// Package gossip implements peer discovery and failure detection: seed
// bootstrap, periodic heartbeats, and random peer-list exchange. It owns
// all transitions of the peer registry's health states.
package gossip

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshkv/internal/telemetry"
	"meshkv/pkg/peers"
	"meshkv/pkg/transport"
)

// Fanout is the number of random peers contacted per gossip round.
const Fanout = 3

// Config holds the gossip protocol timing knobs.
type Config struct {
	SeedPeers         []string
	HeartbeatInterval time.Duration
	GossipInterval    time.Duration
	DeadPeerRetention time.Duration
}

func (c *Config) defaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.GossipInterval <= 0 {
		c.GossipInterval = 30 * time.Second
	}
	if c.DeadPeerRetention <= 0 {
		c.DeadPeerRetention = time.Hour
	}
}

// Protocol runs the gossip loop. All network calls go through the
// transport client; all peer state changes go through the registry.
type Protocol struct {
	cfg      Config
	registry *peers.Registry
	client   *transport.Client
	local    func() transport.Identity
	log      *zap.SugaredLogger

	// onPeerReturned fires when a heartbeat succeeds against a peer that
	// was DEAD, so the sync protocol can schedule an immediate resync.
	onPeerReturned func(nodeID string)

	mu           sync.Mutex
	bootstrapped bool
	running      bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the gossip protocol. local supplies the identity advertised
// in announcements; onPeerReturned may be nil.
func New(cfg Config, registry *peers.Registry, client *transport.Client,
	local func() transport.Identity, onPeerReturned func(nodeID string), log *zap.SugaredLogger) *Protocol {
	cfg.defaults()
	return &Protocol{
		cfg:            cfg,
		registry:       registry,
		client:         client,
		local:          local,
		onPeerReturned: onPeerReturned,
		log:            log,
	}
}

// Start bootstraps from the seed list and launches the gossip loop.
func (g *Protocol) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.done = make(chan struct{})

	g.mu.Lock()
	g.running = true
	g.mu.Unlock()

	go func() {
		defer close(g.done)
		g.bootstrap(ctx)
		g.run(ctx)
	}()
}

// Stop cancels the loop and waits up to five seconds for it to exit.
func (g *Protocol) Stop() {
	if g.cancel == nil {
		return
	}
	g.mu.Lock()
	g.running = false
	g.mu.Unlock()

	g.cancel()
	select {
	case <-g.done:
	case <-time.After(5 * time.Second):
		g.log.Warn("gossip loop did not stop in time")
	}
}

// Running reports whether the gossip loop is active.
func (g *Protocol) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// BootstrapComplete reports whether the initial seed contact has finished
// (successfully or not).
func (g *Protocol) BootstrapComplete() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bootstrapped
}

// DiscoverPeer contacts an address directly, announces to it, and merges
// the peers it knows. Used for manual peer addition.
func (g *Protocol) DiscoverPeer(ctx context.Context, address string) (peers.Peer, error) {
	return g.discoverFrom(ctx, address, peers.SourceManual)
}

// ForceAnnounce re-announces the local node to every reachable peer.
func (g *Protocol) ForceAnnounce(ctx context.Context) int {
	reached := 0
	for _, p := range g.registry.List(peers.FilterReachable) {
		if _, err := g.announce(ctx, p.Address); err == nil {
			reached++
		}
	}
	return reached
}

func (g *Protocol) run(ctx context.Context) {
	nextHeartbeat := time.Now()
	nextGossip := time.Now().Add(g.cfg.GossipInterval)

	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		now := time.Now()
		if !now.Before(nextHeartbeat) {
			g.heartbeatAll(ctx)
			nextHeartbeat = now.Add(g.cfg.HeartbeatInterval)
		}
		if !now.Before(nextGossip) {
			g.gossipRound(ctx)
			g.registry.PruneDead(g.cfg.DeadPeerRetention)
			nextGossip = now.Add(g.cfg.GossipInterval)
		}
	}
}

// bootstrap runs peer discovery against every seed address. Failures are
// logged and retried by later gossip rounds; a node with no reachable
// seeds still starts and serves.
func (g *Protocol) bootstrap(ctx context.Context) {
	for _, seed := range g.cfg.SeedPeers {
		if seed == "" || seed == g.local().Address {
			continue
		}
		if _, err := g.discoverFrom(ctx, seed, peers.SourceSeed); err != nil {
			g.log.Infof("seed %s unreachable: %v", seed, err)
		}
	}

	g.mu.Lock()
	g.bootstrapped = true
	g.mu.Unlock()
	g.log.Infof("bootstrap complete: %d peer(s) known", g.registry.Len())
}

// discoverFrom announces to one address, registers the responder, merges
// its peer list, and announces to every peer learned through it, so a
// joining node sees the whole mesh without waiting for a gossip round.
func (g *Protocol) discoverFrom(ctx context.Context, address, via string) (peers.Peer, error) {
	resp, err := g.announce(ctx, address)
	if err != nil {
		return peers.Peer{}, err
	}
	p, _ := g.registry.AddOrUpdate(resp.NodeID, address, resp.Hostname, resp.PersonaName,
		resp.Capabilities, resp.Version, via)
	g.recordSuccess(resp.NodeID)

	before := g.knownIDs()
	pctx, cancel := context.WithTimeout(ctx, transport.ReadTimeout)
	list, err := g.client.Peers(pctx, address)
	cancel()
	if err != nil {
		g.log.Debugf("peer list from %s failed: %v", address, err)
		return p, nil
	}
	if g.registry.MergeList(list, gossipSource(resp.NodeID)) > 0 {
		g.announceToNew(ctx, before)
	}
	return p, nil
}

// heartbeatAll checks every known peer, dead ones included, so a peer
// that recovers without restarting (and therefore never re-announces) is
// noticed on the next round.
func (g *Protocol) heartbeatAll(ctx context.Context) {
	for _, p := range g.registry.List(peers.FilterAll) {
		hctx, cancel := context.WithTimeout(ctx, transport.ConnectTimeout)
		_, err := g.client.Health(hctx, p.Address)
		cancel()

		if err != nil {
			telemetry.HeartbeatsTotal.WithLabelValues("miss").Inc()
			g.registry.RecordMissedHeartbeat(p.NodeID)
			continue
		}
		telemetry.HeartbeatsTotal.WithLabelValues("ok").Inc()
		g.recordSuccess(p.NodeID)
	}
	g.updatePeerGauges()
}

// gossipRound exchanges peer lists with up to Fanout random reachable
// peers and announces to any newly learned ones. With no reachable peers
// it falls back to retrying the seeds.
func (g *Protocol) gossipRound(ctx context.Context) {
	reachable := g.registry.List(peers.FilterReachable)
	if len(reachable) == 0 {
		g.log.Debug("no reachable peers, retrying seeds")
		g.bootstrapSeedsOnly(ctx)
		return
	}

	rand.Shuffle(len(reachable), func(i, j int) {
		reachable[i], reachable[j] = reachable[j], reachable[i]
	})
	if len(reachable) > Fanout {
		reachable = reachable[:Fanout]
	}

	for _, p := range reachable {
		gctx, cancel := context.WithTimeout(ctx, transport.ReadTimeout)
		list, err := g.client.Peers(gctx, p.Address)
		cancel()
		if err != nil {
			g.registry.RecordMissedHeartbeat(p.NodeID)
			continue
		}
		g.recordSuccess(p.NodeID)

		before := g.knownIDs()
		if g.registry.MergeList(list, gossipSource(p.NodeID)) > 0 {
			g.announceToNew(ctx, before)
		}
	}
	telemetry.GossipRounds.Inc()
	g.updatePeerGauges()
}

// bootstrapSeedsOnly retries up to two random seeds, used when every
// known peer has gone dark.
func (g *Protocol) bootstrapSeedsOnly(ctx context.Context) {
	seeds := append([]string(nil), g.cfg.SeedPeers...)
	rand.Shuffle(len(seeds), func(i, j int) { seeds[i], seeds[j] = seeds[j], seeds[i] })
	if len(seeds) > 2 {
		seeds = seeds[:2]
	}
	for _, seed := range seeds {
		if seed == "" || seed == g.local().Address {
			continue
		}
		if _, err := g.discoverFrom(ctx, seed, peers.SourceSeed); err != nil {
			g.log.Debugf("seed %s still unreachable: %v", seed, err)
		}
	}
}

// announceToNew announces to peers not present in before, so they learn
// about this node without waiting for their own gossip round.
func (g *Protocol) announceToNew(ctx context.Context, before map[string]struct{}) {
	for _, p := range g.registry.List(peers.FilterReachable) {
		if _, known := before[p.NodeID]; known {
			continue
		}
		if _, err := g.announce(ctx, p.Address); err != nil {
			g.log.Debugf("announce to new peer %s failed: %v", p.Address, err)
		}
	}
}

func (g *Protocol) knownIDs() map[string]struct{} {
	ids := make(map[string]struct{})
	for _, p := range g.registry.List(peers.FilterAll) {
		ids[p.NodeID] = struct{}{}
	}
	return ids
}

func (g *Protocol) announce(ctx context.Context, address string) (transport.AnnounceResponse, error) {
	id := g.local()
	actx, cancel := context.WithTimeout(ctx, transport.ConnectTimeout)
	defer cancel()
	return g.client.Announce(actx, address, transport.AnnounceRequest{
		NodeID:       id.NodeID,
		Address:      id.Address,
		Hostname:     id.Hostname,
		PersonaName:  id.PersonaName,
		Capabilities: id.Capabilities,
		Version:      id.Version,
	})
}

func (g *Protocol) recordSuccess(nodeID string) {
	found, previous := g.registry.RecordHeartbeat(nodeID)
	if found && previous == peers.StateDead && g.onPeerReturned != nil {
		g.onPeerReturned(nodeID)
	}
}

// gossipSource records which peer a gossiped entry was learned from.
func gossipSource(nodeID string) string {
	if len(nodeID) > 8 {
		nodeID = nodeID[:8]
	}
	return "gossip-" + nodeID
}

func (g *Protocol) updatePeerGauges() {
	counts := map[peers.State]int{}
	for _, p := range g.registry.List(peers.FilterAll) {
		counts[p.State]++
	}
	for _, st := range []peers.State{peers.StateAlive, peers.StateSuspected, peers.StateDead} {
		telemetry.PeersKnown.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
