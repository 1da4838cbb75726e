/*
Package syncbarrier implements the Sync Manager: a cluster-wide barrier
with a variable cohort size, plus the 10-second wall-clock boundary
wait that is this system's only approximation of clock synchronization.
*/
package syncbarrier

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

// DefaultGraceWindow is the cohort-stability window used after any
// cohort growth.
const DefaultGraceWindow = 5 * time.Second

// DefaultStaleThreshold is how long a peer can go unseen before it is
// dropped from the expected cohort.
const DefaultStaleThreshold = 15 * time.Second

const (
	syncReceiveTimeout = 1 * time.Second
	syncBufferSize     = 1024
	wallClockBoundary  = 10 * time.Second
	boundaryGuard      = 1 * time.Second
)

// cohortMember tracks one expected peer's readiness state.
type cohortMember struct {
	endpoint registry.Endpoint
	ready    bool
	lastSeen time.Time
}

// Barrier implements the variable-cohort sync barrier for one node.
type Barrier struct {
	selfID string
	socket *transport.Socket

	graceWindow    time.Duration
	staleThreshold time.Duration

	mu         sync.Mutex
	members    map[string]*cohortMember
	lastGrowth time.Time
	released   bool
}

// New creates a Barrier for selfID, seeded with the currently known
// peers (including self). graceWindow and staleThreshold configure the
// cohort-stability and eviction timers; pass DefaultGraceWindow /
// DefaultStaleThreshold for the documented defaults.
func New(selfID string, socket *transport.Socket, peers []registry.Peer, graceWindow, staleThreshold time.Duration) *Barrier {
	b := &Barrier{
		selfID:         selfID,
		socket:         socket,
		graceWindow:    graceWindow,
		staleThreshold: staleThreshold,
		members:        make(map[string]*cohortMember),
	}
	now := time.Now()
	for _, p := range peers {
		b.members[p.NodeID] = &cohortMember{endpoint: p.Endpoint, lastSeen: now}
	}
	if _, ok := b.members[selfID]; !ok {
		b.members[selfID] = &cohortMember{lastSeen: now}
	}
	b.lastGrowth = now
	return b
}

// AddPeer enlarges the cohort. A peer arriving during the wait resets
// the grace window, since the cohort's shape just changed.
func (b *Barrier) AddPeer(p registry.Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.members[p.NodeID]; !exists {
		b.members[p.NodeID] = &cohortMember{endpoint: p.Endpoint, lastSeen: time.Now()}
		b.lastGrowth = time.Now()
	}
}

// cohortSize returns the number of currently expected members.
func (b *Barrier) cohortSize() int {
	return len(b.members)
}

func (b *Barrier) readyCount() int {
	n := 0
	for _, m := range b.members {
		if m.ready {
			n++
		}
	}
	return n
}

// markReady marks nodeID ready. The barrier itself only releases once
// the cohort has been fully ready and unchanged for graceWindow — see
// maybeRelease.
func (b *Barrier) markReady(nodeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.members[nodeID]
	if !ok {
		m = &cohortMember{lastSeen: time.Now()}
		b.members[nodeID] = m
		b.lastGrowth = time.Now()
	}
	m.ready = true
	m.lastSeen = time.Now()
	b.maybeRelease(time.Now())
}

// markDisconnected removes nodeID from the expected cohort.
func (b *Barrier) markDisconnected(nodeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.members, nodeID)
	b.maybeRelease(time.Now())
}

// dropStale removes members not seen within the stale threshold.
func (b *Barrier) dropStale() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for id, m := range b.members {
		if id == b.selfID {
			continue
		}
		if now.Sub(m.lastSeen) > b.staleThreshold {
			delete(b.members, id)
		}
	}
	b.maybeRelease(now)
}

// maybeRelease releases the barrier once the cohort is fully ready and
// has gone graceWindow without growing: a peer arriving right as the
// cohort reaches its expected size resets lastGrowth (see AddPeer,
// markReady) and the cohort is not considered stable until that window
// passes without a further arrival. Callers must hold b.mu.
func (b *Barrier) maybeRelease(now time.Time) {
	if b.cohortSize() > 0 && b.readyCount() >= b.cohortSize() && now.Sub(b.lastGrowth) >= b.graceWindow {
		b.released = true
	}
}

// Ready returns true if the barrier has released.
func (b *Barrier) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// checkRelease re-evaluates maybeRelease against the current time, so
// a cohort that reached full readiness without any further event still
// releases once it has sat stable for graceWindow.
func (b *Barrier) checkRelease() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRelease(time.Now())
}

// Cohort returns the node IDs currently marked ready.
func (b *Barrier) Cohort() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.members))
	for id, m := range b.members {
		if m.ready {
			out = append(out, id)
		}
	}
	return out
}

func (b *Barrier) broadcast(msg interface{}) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("syncbarrier: marshaling status: %v", err)
		return
	}
	b.mu.Lock()
	targets := make([]registry.Endpoint, 0, len(b.members))
	for id, m := range b.members {
		if id == b.selfID {
			continue
		}
		targets = append(targets, m.endpoint)
	}
	b.mu.Unlock()

	for _, ep := range targets {
		if err := b.socket.SendTo(ep.Host, ep.Port, payload); err != nil {
			log.Debugf("syncbarrier: sending status to %s:%d: %v", ep.Host, ep.Port, err)
		}
	}
}

// HandleDatagram processes one datagram addressed to the sync protocol,
// ignoring anything that isn't a sync_status message. Safe to call from
// a dispatcher shared with discovery.Responder.HandleDatagram, since
// discovery and sync traffic arrive on the same port.
func (b *Barrier) HandleDatagram(payload []byte, _ *net.UDPAddr) {
	var env protocol.Envelope
	if json.Unmarshal(payload, &env) != nil {
		return
	}
	var status protocol.SyncStatus
	if json.Unmarshal(payload, &status) != nil || status.NodeID == "" {
		return
	}
	if status.Status {
		b.markReady(status.NodeID)
	} else {
		b.markDisconnected(status.NodeID)
	}
}

// Start marks this node ready and broadcasts that readiness to the
// cohort. It does not itself listen for replies: when the discovery
// port is shared with a discovery.Responder (the normal case, see
// cmd/dtrackd), a single dispatcher owns the ReceiveLoop and hands
// each datagram to both HandleDatagram and the Responder's own
// handler. Call Run instead of Start when Barrier owns its socket
// outright (e.g. in isolation, in tests).
func (b *Barrier) Start(ctx context.Context) {
	b.markReady(b.selfID)
	b.broadcast(protocol.NewSyncReady(b.selfID))
}

// Run listens for sync_status datagrams until ctx is canceled, in
// addition to the Start behavior. Use this only when Barrier owns the
// socket outright.
func (b *Barrier) Run(ctx context.Context) {
	go b.socket.ReceiveLoop(ctx, syncReceiveTimeout, syncBufferSize, b.HandleDatagram)
	b.Start(ctx)
}

// Stop announces disconnection to the cohort.
func (b *Barrier) Stop() {
	b.broadcast(protocol.NewSyncDisconnect(b.selfID))
}

// Wait blocks until the barrier releases or timeout elapses, returning
// (released, cohort-at-return). On timeout the manager reports the
// cohort it has so far rather than failing outright. It polls at a
// fine granularity (mirroring the cycle engine's own COLLECT-phase
// polling loop) so that a released barrier or a stale peer is noticed
// promptly without a separate wakeup channel per caller.
func (b *Barrier) Wait(timeout time.Duration) (bool, []string) {
	deadline := time.Now().Add(timeout)
	lastStaleCheck := time.Now()

	for {
		b.checkRelease()
		if b.Ready() {
			return true, b.Cohort()
		}
		if !time.Now().Before(deadline) {
			return false, b.Cohort()
		}
		if time.Since(lastStaleCheck) >= time.Second {
			b.dropStale()
			lastStaleCheck = time.Now()
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// WaitForBoundary returns how long to wait from now until the next
// 10-second wall-clock boundary; if the next boundary is under 1 second
// away, it returns the wait until the one after instead. It does not
// sleep itself; callers sleep for the returned duration. This is the system's only approximation of clock
// synchronization; it assumes clocks are within roughly 100ms of each
// other on a modern LAN and performs no NTP exchange of its own.
func WaitForBoundary(now time.Time) time.Duration {
	nanosIntoBoundary := now.UnixNano() % wallClockBoundary.Nanoseconds()
	remaining := wallClockBoundary - time.Duration(nanosIntoBoundary)
	if remaining < boundaryGuard {
		remaining += wallClockBoundary
	}
	return remaining
}
