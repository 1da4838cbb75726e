/*
Package discovery implements the Discovery Service: a JSON
request/response probe over the cluster discovery port, plus a
client-side /24 scanner that fans out bounded concurrent probes the way
golang.org/x/sync/errgroup is used for bounded fan-out in
fbclock/daemon's runLinearizabilityTests.
*/
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dtrack-fleet/dtrack/protocol"
	"github.com/dtrack-fleet/dtrack/registry"
	"github.com/dtrack-fleet/dtrack/transport"
)

const (
	discoveryReceiveTimeout = 1 * time.Second
	discoveryBufferSize     = 1024

	// DefaultProbeConcurrency bounds how many /24 hosts are probed at
	// once, so a scan never opens 254 goroutines at a time.
	DefaultProbeConcurrency = 32

	// DefaultProbeTimeout is how long the scanner waits for a single
	// host's discovery_response before giving up on it silently.
	DefaultProbeTimeout = 200 * time.Millisecond
)

// Responder serves the discovery port on a socket it is given: it
// answers discovery_request with this node's discovery_response, and
// upserts the peer registry from every discovery_response it receives
// (the replies to this node's own scans). A discovery_request does not
// add the requester to the registry.
type Responder struct {
	selfID string
	host   string
	port   int

	socket   *transport.Socket
	registry *registry.Registry
}

// NewResponder creates a discovery Responder for selfID, advertising
// host:port as this node's detection base port.
func NewResponder(selfID, host string, port int, socket *transport.Socket, reg *registry.Registry) *Responder {
	return &Responder{selfID: selfID, host: host, port: port, socket: socket, registry: reg}
}

// Run listens for discovery datagrams until ctx is canceled. Use this
// only when Responder owns the socket outright; when the discovery
// port is shared with a syncbarrier.Barrier, call HandleDatagram from
// a single shared ReceiveLoop instead (see cmd/dtrackd).
func (r *Responder) Run(ctx context.Context) {
	r.socket.ReceiveLoop(ctx, discoveryReceiveTimeout, discoveryBufferSize, r.HandleDatagram)
}

// HandleDatagram processes one datagram addressed to the discovery
// port, ignoring anything that isn't a discovery_request/response.
func (r *Responder) HandleDatagram(payload []byte, from *net.UDPAddr) {
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Debugf("discovery: dropping malformed datagram from %s: %v", from, err)
		return
	}

	switch env.Type {
	case protocol.TypeDiscoveryRequest:
		r.reply(from)
	case protocol.TypeDiscoveryResponse:
		var resp protocol.DiscoveryResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			log.Debugf("discovery: malformed discovery_response from %s: %v", from, err)
			return
		}
		r.upsert(resp.Node)
	default:
		// Not ours; a shared dispatcher also hands this datagram to
		// other handlers (e.g. syncbarrier.Barrier.HandleDatagram).
	}
}

func (r *Responder) reply(to *net.UDPAddr) {
	resp := protocol.NewDiscoveryResponse(r.selfID, r.host, r.port)
	payload, err := json.Marshal(resp)
	if err != nil {
		log.Errorf("discovery: marshaling response: %v", err)
		return
	}
	if err := r.socket.SendTo(to.IP.String(), to.Port, payload); err != nil {
		log.Debugf("discovery: replying to %s: %v", to, err)
	}
}

func (r *Responder) upsert(node protocol.DiscoveryNode) {
	if node.NodeID == "" || node.NodeID == r.selfID {
		return
	}
	r.registry.Upsert(registry.Peer{
		NodeID:   node.NodeID,
		Endpoint: registry.Endpoint{Host: node.Host, Port: node.Port},
		LastSeen: time.Now(),
	})
}

// Scanner probes a /24 for dtrack nodes by sending discovery_request to
// every candidate host and collecting discovery_response replies. It
// shares a Responder's registry: replies land there via
// Responder.HandleDatagram,
// and Scan correlates them by watching for new-or-refreshed entries at
// the probed host within the probe window.
type Scanner struct {
	socket      *transport.Socket
	registry    *registry.Registry
	port        int
	concurrency int
	probeWait   time.Duration
}

// NewScanner creates a Scanner that sends probes from socket to
// discoveryPort on each candidate host, recording responses into reg
// (normally the same registry a Responder is upserting into).
func NewScanner(socket *transport.Socket, reg *registry.Registry, discoveryPort int) *Scanner {
	return &Scanner{
		socket:      socket,
		registry:    reg,
		port:        discoveryPort,
		concurrency: DefaultProbeConcurrency,
		probeWait:   DefaultProbeTimeout,
	}
}

// Scan probes every host in cidr (e.g. "192.168.1.0/24") concurrently,
// bounded by s.concurrency, and returns the peers that responded.
// Probe failures (unreachable host, no response within probeWait) are
// silent and never fail the overall scan.
func (s *Scanner) Scan(ctx context.Context, cidr string) ([]registry.Peer, error) {
	hosts, err := hostsInCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("discovery: parsing %q: %w", cidr, err)
	}

	found := make(chan registry.Peer, len(hosts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, host := range hosts {
		host := host
		g.Go(func() error {
			peer, ok := s.probe(gctx, host)
			if ok {
				found <- peer
			}
			return nil
		})
	}

	// g.Wait never returns an error here: probe swallows its own
	// failures, so a dead host never aborts the scan. The error return
	// exists only to satisfy errgroup.Group.
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(found)

	var peers []registry.Peer
	for p := range found {
		peers = append(peers, p)
	}
	return peers, nil
}

func (s *Scanner) probe(ctx context.Context, host string) (registry.Peer, bool) {
	sentAt := time.Now()

	req := protocol.NewDiscoveryRequest()
	payload, err := json.Marshal(req)
	if err != nil {
		return registry.Peer{}, false
	}
	if err := s.socket.SendTo(host, s.port, payload); err != nil {
		log.Debugf("discovery: probing %s: %v", host, err)
		return registry.Peer{}, false
	}

	deadline := time.Now().Add(s.probeWait)
	for {
		if peer, ok := s.newlySeenAt(host, sentAt); ok {
			return peer, true
		}
		if !time.Now().Before(deadline) {
			return registry.Peer{}, false
		}
		select {
		case <-ctx.Done():
			return registry.Peer{}, false
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// newlySeenAt reports whether the registry now holds a peer at host
// whose last_seen postdates sentAt — i.e. a reply arrived after this
// probe went out.
func (s *Scanner) newlySeenAt(host string, sentAt time.Time) (registry.Peer, bool) {
	for _, p := range s.registry.Snapshot() {
		if p.Endpoint.Host == host && p.LastSeen.After(sentAt) {
			return p, true
		}
	}
	return registry.Peer{}, false
}

// hostsInCIDR expands cidr into every usable host address (excluding
// network and broadcast addresses for /30 and wider).
func hostsInCIDR(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}

	var hosts []string
	for candidate := ip.Mask(ipnet.Mask); ipnet.Contains(candidate); incIP(candidate) {
		hosts = append(hosts, candidate.String())
	}

	ones, bits := ipnet.Mask.Size()
	if bits-ones >= 2 && len(hosts) >= 2 {
		// Drop network and broadcast addresses.
		hosts = hosts[1 : len(hosts)-1]
	}
	return hosts, nil
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			return
		}
	}
}
