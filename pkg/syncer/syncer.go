// Package syncer implements manifest-based anti-entropy: each cycle it
// compares the local store against every reachable peer's manifest and
// pushes or pulls whole items until both sides converge.
package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshkv/internal/telemetry"
	"meshkv/pkg/peers"
	"meshkv/pkg/store"
	"meshkv/pkg/transport"
)

// Config holds the sync protocol knobs.
type Config struct {
	Interval  time.Duration
	BatchSize int
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
}

// Syncer runs the periodic sync loop. Peers flagged through RequestSync
// are synced on the next one-second tick instead of waiting for the full
// interval; the gossip protocol uses this when a dead peer returns.
type Syncer struct {
	cfg      Config
	registry *peers.Registry
	store    *store.Store
	client   *transport.Client
	log      *zap.SugaredLogger

	mu      sync.Mutex
	pending map[string]struct{}
	running bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a syncer.
func New(cfg Config, registry *peers.Registry, st *store.Store, client *transport.Client, log *zap.SugaredLogger) *Syncer {
	cfg.defaults()
	return &Syncer{
		cfg:      cfg,
		registry: registry,
		store:    st,
		client:   client,
		log:      log,
		pending:  make(map[string]struct{}),
	}
}

// Start launches the sync loop.
func (s *Syncer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		s.run(ctx)
	}()
}

// Stop cancels the loop and waits up to five seconds for it to exit.
func (s *Syncer) Stop() {
	if s.cancel == nil {
		return
	}
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.cancel()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		s.log.Warn("sync loop did not stop in time")
	}
}

// Running reports whether the sync loop is active.
func (s *Syncer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RequestSync schedules an out-of-band sync with a peer on the next tick.
func (s *Syncer) RequestSync(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[nodeID] = struct{}{}
}

// ForceSyncAll synchronizes with every reachable peer immediately and
// returns the totals of items pushed and pulled.
func (s *Syncer) ForceSyncAll(ctx context.Context) (int, int) {
	totalPushed, totalPulled := 0, 0
	for _, p := range s.registry.List(peers.FilterReachable) {
		pushed, pulled, err := s.syncWithPeer(ctx, p)
		if err != nil {
			s.log.Debugf("force sync with %s failed: %v", p.Address, err)
			continue
		}
		totalPushed += pushed
		totalPulled += pulled
	}
	return totalPushed, totalPulled
}

func (s *Syncer) run(ctx context.Context) {
	next := time.Now().Add(s.cfg.Interval)

	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		s.drainPending(ctx)

		if !time.Now().Before(next) {
			s.cycle(ctx)
			next = time.Now().Add(s.cfg.Interval)
		}
	}
}

// drainPending services out-of-band sync requests queued since the last
// tick.
func (s *Syncer) drainPending(ctx context.Context) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.pending = make(map[string]struct{})
	s.mu.Unlock()

	for _, id := range ids {
		p, ok := s.registry.Get(id)
		if !ok || !p.Reachable() {
			continue
		}
		if _, _, err := s.syncWithPeer(ctx, p); err != nil {
			s.log.Debugf("requested sync with %s failed: %v", p.Address, err)
		}
	}
}

func (s *Syncer) cycle(ctx context.Context) {
	for _, p := range s.registry.List(peers.FilterReachable) {
		if ctx.Err() != nil {
			return
		}
		if _, _, err := s.syncWithPeer(ctx, p); err != nil {
			s.log.Debugf("sync with %s failed: %v", p.Address, err)
		}
	}
}

// syncWithPeer runs one manifest exchange with a peer: fetch its
// manifest, diff against the local store, push what we win, pull what
// they win. At most one batch moves in each direction per exchange; the
// remainder waits for later cycles, bounding the work a round can do.
func (s *Syncer) syncWithPeer(ctx context.Context, p peers.Peer) (pushed, pulled int, err error) {
	mctx, cancel := context.WithTimeout(ctx, transport.ReadTimeout)
	manifest, err := s.client.Manifest(mctx, p.Address)
	cancel()
	if err != nil {
		return 0, 0, err
	}

	toPush, toPull := s.store.Diff(manifest)
	if len(toPush) > s.cfg.BatchSize {
		toPush = toPush[:s.cfg.BatchSize]
	}
	if len(toPull) > s.cfg.BatchSize {
		toPull = toPull[:s.cfg.BatchSize]
	}

	for _, it := range toPush {
		pctx, cancel := context.WithTimeout(ctx, transport.ReadTimeout)
		resp, perr := s.client.PushItem(pctx, p.Address, it)
		cancel()
		if perr != nil {
			s.log.Debugf("push %s to %s failed: %v", it.Key, p.Address, perr)
			continue
		}
		if resp.Accepted {
			pushed++
		}
	}

	for _, key := range toPull {
		gctx, cancel := context.WithTimeout(ctx, transport.ReadTimeout)
		it, ok, gerr := s.client.GetItem(gctx, p.Address, key)
		cancel()
		if gerr != nil || !ok {
			continue
		}
		accepted, _, merr := s.store.Merge(it)
		if merr != nil {
			s.log.Errorf("merge pulled item %s: %v", key, merr)
			continue
		}
		if accepted {
			pulled++
		}
	}

	s.registry.RecordSync(p.NodeID)
	if pushed > 0 || pulled > 0 {
		telemetry.SyncItemsPushed.Add(float64(pushed))
		telemetry.SyncItemsPulled.Add(float64(pulled))
		s.log.Infof("synced with %s: pushed %d, pulled %d", p.Address, pushed, pulled)
	}
	return pushed, pulled, nil
}
