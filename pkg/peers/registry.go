// Package peers tracks the nodes this node knows about and their health
// state. The registry is a passive, mutex-guarded structure; the gossip
// and sync protocols drive all state transitions through its methods.
package peers

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Filter selects peers by health state.
type Filter int

const (
	// FilterAll returns every known peer.
	FilterAll Filter = iota
	// FilterAlive returns only ALIVE peers.
	FilterAlive
	// FilterReachable returns ALIVE and SUSPECTED peers.
	FilterReachable
	// FilterDead returns only DEAD peers.
	FilterDead
)

// Quorum status values, counted including the local node.
const (
	QuorumStandalone = "standalone"
	QuorumPair       = "pair"
	QuorumFull       = "quorum"
)

// Registry is a thread-safe registry of known peers.
type Registry struct {
	localID   string
	maxMissed int
	log       *zap.SugaredLogger

	mu    sync.Mutex
	peers map[string]*Peer
}

// NewRegistry creates a registry. Peers whose node ID equals localID are
// rejected at insertion. maxMissed is the number of missed heartbeats
// before a peer is marked DEAD.
func NewRegistry(localID string, maxMissed int, log *zap.SugaredLogger) *Registry {
	if maxMissed <= 0 {
		maxMissed = 3
	}
	return &Registry{
		localID:   localID,
		maxMissed: maxMissed,
		log:       log,
		peers:     make(map[string]*Peer),
	}
}

// AddOrUpdate inserts a new peer or refreshes the mutable fields of an
// existing one. It returns false when nodeID is the local node.
func (r *Registry) AddOrUpdate(nodeID, address, hostname, persona string, capabilities []string, version, via string) (Peer, bool) {
	if nodeID == "" || nodeID == r.localID {
		return Peer{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(nodeID, address, hostname, persona, capabilities, version, via), true
}

func (r *Registry) addLocked(nodeID, address, hostname, persona string, capabilities []string, version, via string) Peer {
	p, ok := r.peers[nodeID]
	if ok {
		p.Address = address
		if hostname != "" {
			p.Hostname = hostname
		}
		if persona != "" {
			p.PersonaName = persona
		}
		if capabilities != nil {
			p.Capabilities = capabilities
		}
		if version != "" {
			p.Version = version
		}
		p.LastSeen = time.Now()
		r.log.Debugf("updated peer %s at %s", shortID(nodeID), address)
	} else {
		now := time.Now()
		p = &Peer{
			NodeID:        nodeID,
			Address:       address,
			Hostname:      hostname,
			PersonaName:   persona,
			Capabilities:  capabilities,
			Version:       version,
			State:         StateAlive,
			LastSeen:      now,
			LastHeartbeat: now,
			DiscoveredAt:  now,
			DiscoveredVia: via,
		}
		r.peers[nodeID] = p
		r.log.Infof("discovered new peer %s (%s) at %s via %s", shortID(nodeID), persona, address, via)
	}
	return *p
}

// Remove deletes a peer. Returns true if it was known.
func (r *Registry) Remove(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[nodeID]; ok {
		delete(r.peers, nodeID)
		return true
	}
	return false
}

// Get returns a copy of the peer with the given node ID.
func (r *Registry) Get(nodeID string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[nodeID]; ok {
		return *p, true
	}
	return Peer{}, false
}

// FindByName returns the peer whose persona name or hostname matches name,
// case-insensitively.
func (r *Registry) FindByName(name string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		if strings.EqualFold(p.PersonaName, name) || strings.EqualFold(p.Hostname, name) {
			return *p, true
		}
	}
	return Peer{}, false
}

// List returns copies of the peers matching the filter.
func (r *Registry) List(f Filter) []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		switch f {
		case FilterAlive:
			if p.State != StateAlive {
				continue
			}
		case FilterReachable:
			if !p.Reachable() {
				continue
			}
		case FilterDead:
			if p.State != StateDead {
				continue
			}
		}
		out = append(out, *p)
	}
	return out
}

// RecordHeartbeat records a successful heartbeat for a peer. It returns
// whether the peer was found and its previous state; callers use a
// previous state of DEAD to trigger an out-of-band resync.
func (r *Registry) RecordHeartbeat(nodeID string) (bool, State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[nodeID]
	if !ok {
		return false, ""
	}
	previous := p.markHeartbeat()
	if previous != StateAlive {
		r.log.Infof("peer %s (%s) is back alive", shortID(nodeID), p.Address)
	}
	return true, previous
}

// RecordMissedHeartbeat records a failed heartbeat for a peer.
func (r *Registry) RecordMissedHeartbeat(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[nodeID]
	if !ok {
		return false
	}
	before := p.State
	p.markMissed(r.maxMissed)
	if p.State != before {
		switch p.State {
		case StateDead:
			r.log.Warnf("peer %s (%s) is now dead", shortID(nodeID), p.Address)
		case StateSuspected:
			r.log.Infof("peer %s (%s) is suspected", shortID(nodeID), p.Address)
		}
	}
	return true
}

// RecordSync stamps the peer's last successful sync time.
func (r *Registry) RecordSync(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[nodeID]; ok {
		p.LastSync = time.Now()
	}
}

// MergeList bulk-ingests peer summaries received during gossip and
// returns the number of previously unknown peers.
func (r *Registry) MergeList(summaries []Summary, source string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	newCount := 0
	for _, s := range summaries {
		if s.NodeID == "" || s.NodeID == r.localID {
			continue
		}
		if _, known := r.peers[s.NodeID]; !known {
			newCount++
		}
		r.addLocked(s.NodeID, s.Address, s.Hostname, s.PersonaName, s.Capabilities, s.Version, source)
	}
	if newCount > 0 {
		r.log.Infof("merged %d new peer(s) from %s", newCount, source)
	}
	return newCount
}

// PruneDead removes DEAD peers last seen longer than maxAge ago and
// returns the number removed.
func (r *Registry) PruneDead(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	pruned := 0
	for id, p := range r.peers {
		if p.State == StateDead && time.Since(p.LastSeen) > maxAge {
			delete(r.peers, id)
			pruned++
		}
	}
	if pruned > 0 {
		r.log.Infof("pruned %d stale dead peer(s)", pruned)
	}
	return pruned
}

// GossipList returns the peer summaries to offer during gossip exchange.
func (r *Registry) GossipList() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Summary, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.Summary())
	}
	return out
}

// Quorum returns the informal quorum status and the total node count
// including the local node. Only reachable peers are counted.
func (r *Registry) Quorum() (string, int) {
	total := len(r.List(FilterReachable)) + 1
	switch {
	case total >= 3:
		return QuorumFull, total
	case total == 2:
		return QuorumPair, total
	default:
		return QuorumStandalone, total
	}
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
