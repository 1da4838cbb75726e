package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dtrack-fleet/dtrack/protocol"
	"github.com/dtrack-fleet/dtrack/registry"
	"github.com/dtrack-fleet/dtrack/transport"
)

func TestResponderRepliesToDiscoveryRequest(t *testing.T) {
	serverSocket, err := transport.Bind("server", "127.0.0.1", 0)
	require.NoError(t, err)
	defer serverSocket.Close()

	clientSocket, err := transport.Bind("client", "127.0.0.1", 0)
	require.NoError(t, err)
	defer clientSocket.Close()

	reg := registry.New()
	r := NewResponder("server-node", "127.0.0.1", 9000, serverSocket, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	clientReg := registry.New()
	scanner := NewScanner(clientSocket, clientReg, serverSocket.LocalPort())
	scanner.probeWait = time.Second

	clientResponder := NewResponder("client-node", "127.0.0.1", 9001, clientSocket, clientReg)
	go clientResponder.Run(ctx)

	peer, ok := scanner.probe(ctx, "127.0.0.1")
	require.True(t, ok)
	require.Equal(t, "server-node", peer.NodeID)
	require.Equal(t, 9000, peer.Endpoint.Port)
}

func TestResponderIgnoresSelf(t *testing.T) {
	reg := registry.New()
	r := &Responder{selfID: "a", registry: reg}
	r.upsert(protocol.DiscoveryNode{NodeID: "a", Host: "127.0.0.1", Port: 1})
	require.Equal(t, 0, reg.Count())
}

func TestScanHostsInCIDRExcludesNetworkAndBroadcast(t *testing.T) {
	hosts, err := hostsInCIDR("192.168.1.0/30")
	require.NoError(t, err)
	require.Equal(t, []string{"192.168.1.1", "192.168.1.2"}, hosts)
}

func TestScanHostsInCIDRSmallMaskKeepsAllAddresses(t *testing.T) {
	hosts, err := hostsInCIDR("192.168.1.0/31")
	require.NoError(t, err)
	require.Equal(t, []string{"192.168.1.0", "192.168.1.1"}, hosts)
}
