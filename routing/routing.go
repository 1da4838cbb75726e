/*
Package routing implements the Routing Table Manager: a Bellman-Ford
distance-vector layer over the Message Transport, with periodic and
change-triggered advertisement and split-horizon relaxation.

Split-horizon is a deliberate redesign versus the original Python
(camera_node/routing_table_manager.py), which advertises a route back
to the very neighbor it was learned from and is therefore vulnerable to
count-to-infinity under link failure. See DESIGN.md.
*/
package routing

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtrack-fleet/dtrack/protocol"
	"github.com/dtrack-fleet/dtrack/registry"
	"github.com/dtrack-fleet/dtrack/transport"
)

// AdvertiseInterval is how often the full table is broadcast to
// neighbors absent any change.
const AdvertiseInterval = 5 * time.Second

const (
	routingReceiveTimeout = 1 * time.Second
	routingBufferSize     = 1024
)

// Route is a single routing table entry: the cost to reach a
// destination and the neighbor to forward through.
type Route struct {
	Distance int
	NextHop  string
}

// Neighbor is a direct, one-hop peer reachable at host:port+1.
type Neighbor struct {
	NodeID   string
	Host     string
	Port     int // base port; routing traffic uses Port+1
	LinkCost int
}

// Table is a thread-safe distance-vector routing table.
type Table struct {
	selfID string

	mu      sync.Mutex
	routes  map[string]Route
	changed bool

	neighbors map[string]Neighbor

	socket *transport.Socket
}

// NewTable creates a routing table seeded with only the self route: a
// node is always reachable from itself at distance zero.
func NewTable(selfID string, socket *transport.Socket) *Table {
	return &Table{
		selfID:    selfID,
		routes:    map[string]Route{selfID: {Distance: 0, NextHop: selfID}},
		neighbors: make(map[string]Neighbor),
		socket:    socket,
	}
}

// SetNeighbors replaces the direct-neighbor set (host/port/link-cost),
// typically derived from the peer registry.
func (t *Table) SetNeighbors(neighbors []Neighbor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.neighbors = make(map[string]Neighbor, len(neighbors))
	for _, n := range neighbors {
		t.neighbors[n.NodeID] = n
		if existing, ok := t.routes[n.NodeID]; !ok || n.LinkCost < existing.Distance {
			t.routes[n.NodeID] = Route{Distance: n.LinkCost, NextHop: n.NodeID}
			t.changed = true
		}
	}
}

// Lookup returns the route to dest, if known.
func (t *Table) Lookup(dest string) (Route, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.routes[dest]
	return r, ok
}

// Snapshot returns a copy of the full routing table.
func (t *Table) Snapshot() map[string]Route {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Route, len(t.routes))
	for k, v := range t.routes {
		out[k] = v
	}
	return out
}

// Relax applies Bellman-Ford relaxation using a neighbor's advertised
// table. Returns true if the local table changed. Relaxation is
// idempotent: applying the same update a second time produces no
// change.
func (t *Table) Relax(from string, advertised map[string]protocol.RouteEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	neighbor, ok := t.neighbors[from]
	if !ok {
		log.Debugf("routing: ignoring update from unknown neighbor %s", from)
		return false
	}

	changed := false

	if existing, ok := t.routes[from]; !ok || neighbor.LinkCost < existing.Distance {
		t.routes[from] = Route{Distance: neighbor.LinkCost, NextHop: from}
		changed = true
	}

	for dest, entry := range advertised {
		if dest == t.selfID {
			continue
		}
		candidate := entry.Distance + neighbor.LinkCost
		existing, known := t.routes[dest]
		if !known || candidate < existing.Distance {
			t.routes[dest] = Route{Distance: candidate, NextHop: from}
			changed = true
		}
	}

	if changed {
		t.changed = true
	}
	return changed
}

// snapshotForNeighbor builds the table to advertise to neighborID,
// applying split-horizon: omit any route whose next_hop is neighborID,
// since readvertising it back would risk count-to-infinity.
func (t *Table) snapshotForNeighbor(neighborID string) map[string]protocol.RouteEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]protocol.RouteEntry, len(t.routes))
	for dest, r := range t.routes {
		if r.NextHop == neighborID {
			continue
		}
		out[dest] = protocol.RouteEntry{Distance: r.Distance, NextHop: r.NextHop}
	}
	return out
}

func (t *Table) takeChanged() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.changed
	t.changed = false
	return c
}

// Broadcast sends a split-horizon snapshot of the table to every
// direct neighbor.
func (t *Table) Broadcast() {
	t.mu.Lock()
	neighbors := make([]Neighbor, 0, len(t.neighbors))
	for _, n := range t.neighbors {
		neighbors = append(neighbors, n)
	}
	t.mu.Unlock()

	for _, n := range neighbors {
		update := protocol.NewRoutingUpdate(t.snapshotForNeighbor(n.NodeID))
		payload, err := json.Marshal(update)
		if err != nil {
			log.Errorf("routing: marshaling update for %s: %v", n.NodeID, err)
			continue
		}
		if err := t.socket.SendTo(n.Host, n.Port+1, payload); err != nil {
			log.Debugf("routing: sending to neighbor %s: %v", n.NodeID, err)
		}
	}
}

// Manager runs the routing listener and periodic advertiser goroutines.
type Manager struct {
	Table *Table
}

// NewManager creates a routing Manager bound to table.
func NewManager(table *Table) *Manager {
	return &Manager{Table: table}
}

// Run drives the routing listener and the 5-second periodic
// advertisement loop until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	m.Table.Broadcast()

	go m.Table.socket.ReceiveLoop(ctx, routingReceiveTimeout, routingBufferSize, m.handleDatagram)

	ticker := time.NewTicker(AdvertiseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Table.Broadcast()
		}
	}
}

func (m *Manager) handleDatagram(payload []byte, _ *net.UDPAddr) {
	var update protocol.RoutingUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		log.Debugf("routing: dropping malformed datagram: %v", err)
		return
	}
	if update.Type != protocol.TypeRoutingUpdate {
		return
	}

	from := advertiserID(update.RoutingTable)
	if from == "" {
		return
	}

	if m.Table.Relax(from, update.RoutingTable) {
		m.Table.Broadcast()
	}
}

// advertiserID infers the sending node from its table: the neighbor's
// own self-route always maps to (0, self).
func advertiserID(table map[string]protocol.RouteEntry) string {
	for dest, entry := range table {
		if entry.Distance == 0 && entry.NextHop == dest {
			return dest
		}
	}
	return ""
}

// peerToNeighbor converts a registry peer into a routing Neighbor.
func peerToNeighbor(p registry.Peer) Neighbor {
	return Neighbor{
		NodeID:   p.NodeID,
		Host:     p.Endpoint.Host,
		Port:     p.Endpoint.Port,
		LinkCost: p.LinkCost,
	}
}

// NeighborsFromRegistry builds a Neighbor slice from a registry
// snapshot, excluding selfID.
func NeighborsFromRegistry(peers []registry.Peer, selfID string) []Neighbor {
	out := make([]Neighbor, 0, len(peers))
	for _, p := range peers {
		if p.NodeID == selfID {
			continue
		}
		out = append(out, peerToNeighbor(p))
	}
	return out
}
