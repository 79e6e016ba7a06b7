package peers

import (
	"time"
)

// State is the health state of a peer.
type State string

const (
	// StateAlive means the peer is responding to heartbeats.
	StateAlive State = "alive"
	// StateSuspected means the peer missed at least one heartbeat.
	StateSuspected State = "suspected"
	// StateDead means the peer missed the configured maximum of heartbeats.
	StateDead State = "dead"
)

// Discovery sources recorded on a peer.
const (
	SourceSeed     = "seed"
	SourceGossip   = "gossip"
	SourceAnnounce = "announce"
	SourceManual   = "manual"
)

// Peer describes one remote node known to this node.
type Peer struct {
	NodeID       string
	Address      string // host:port
	Hostname     string
	PersonaName  string
	Capabilities []string
	Version      string

	State            State
	LastSeen         time.Time
	LastHeartbeat    time.Time
	MissedHeartbeats int

	LastSync time.Time

	DiscoveredAt  time.Time
	DiscoveredVia string
}

// Reachable reports whether the peer is a valid gossip/sync target.
// SUSPECTED peers stay reachable; only DEAD peers are excluded.
func (p *Peer) Reachable() bool {
	return p.State == StateAlive || p.State == StateSuspected
}

// Age returns the time since the peer was last seen.
func (p *Peer) Age() time.Duration {
	return time.Since(p.LastSeen)
}

// markHeartbeat records a successful heartbeat and returns the previous
// state so callers can detect a DEAD -> ALIVE transition.
func (p *Peer) markHeartbeat() State {
	previous := p.State
	now := time.Now()
	p.LastHeartbeat = now
	p.LastSeen = now
	p.MissedHeartbeats = 0
	p.State = StateAlive
	return previous
}

// markMissed records a missed heartbeat: ALIVE -> SUSPECTED at the first
// miss, SUSPECTED -> DEAD once maxMissed is reached.
func (p *Peer) markMissed(maxMissed int) {
	p.MissedHeartbeats++
	if p.MissedHeartbeats >= maxMissed {
		p.State = StateDead
	} else {
		p.State = StateSuspected
	}
}

// Summary is the wire projection of a peer exchanged during gossip and
// announcements.
type Summary struct {
	NodeID        string   `json:"node_id"`
	Address       string   `json:"address"`
	Hostname      string   `json:"hostname,omitempty"`
	PersonaName   string   `json:"persona_name,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	Version       string   `json:"version,omitempty"`
	State         string   `json:"state,omitempty"`
	LastSeen      float64  `json:"last_seen,omitempty"`
	LastHeartbeat float64  `json:"last_heartbeat,omitempty"`
	DiscoveredVia string   `json:"discovered_via,omitempty"`
}

// Summary converts the peer to its wire form.
func (p *Peer) Summary() Summary {
	return Summary{
		NodeID:        p.NodeID,
		Address:       p.Address,
		Hostname:      p.Hostname,
		PersonaName:   p.PersonaName,
		Capabilities:  p.Capabilities,
		Version:       p.Version,
		State:         string(p.State),
		LastSeen:      unixSeconds(p.LastSeen),
		LastHeartbeat: unixSeconds(p.LastHeartbeat),
		DiscoveredVia: p.DiscoveredVia,
	}
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
