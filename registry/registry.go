/*
Package registry implements the Peer Registry: the authoritative,
thread-safe mapping of NodeId to Peer records that backs both the sync
barrier's cohort and the cycle engine's frame completion check.
*/
package registry

import (
	"encoding/json"
	"sync"
	"time"
)

// Endpoint is a (host, port) pair.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Peer is one known participant in the cluster, including self
// (self always carries LinkCost 0).
type Peer struct {
	NodeID   string    `json:"node_id"`
	Endpoint Endpoint  `json:"endpoint"`
	LinkCost int       `json:"link_cost"`
	LastSeen time.Time `json:"last_seen"`
}

// Registry is a thread-safe NodeId -> Peer map.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{peers: make(map[string]Peer)}
}

// Upsert inserts or refreshes a peer record.
func (r *Registry) Upsert(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.NodeID] = p
}

// Remove deletes a peer record, if present.
func (r *Registry) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, nodeID)
}

// Get returns the peer record for nodeID, if present.
func (r *Registry) Get(nodeID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[nodeID]
	return p, ok
}

// Snapshot returns a copy of all known peer records. The order is
// unspecified; callers needing determinism should sort by NodeID.
func (r *Registry) Snapshot() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Count returns the number of known peers (including self, if upserted).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Prune removes peers (other than keepNodeID, which is always self)
// whose LastSeen is older than staleAfter relative to now.
func (r *Registry) Prune(now time.Time, staleAfter time.Duration, keepNodeID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, p := range r.peers {
		if id == keepNodeID {
			continue
		}
		if now.Sub(p.LastSeen) > staleAfter {
			delete(r.peers, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// MarshalJSON renders the registry as a stable, sorted-by-NodeID array
// so `dtrackctl peers` output is reproducible across runs.
func (r *Registry) MarshalJSON() ([]byte, error) {
	snap := r.Snapshot()
	return json.Marshal(sortedPeers(snap))
}

func sortedPeers(peers []Peer) []Peer {
	for i := 1; i < len(peers); i++ {
		for j := i; j > 0 && peers[j].NodeID < peers[j-1].NodeID; j-- {
			peers[j], peers[j-1] = peers[j-1], peers[j]
		}
	}
	return peers
}
