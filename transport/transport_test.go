package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendAndReceiveLoop(t *testing.T) {
	recv, err := Bind("recv", "127.0.0.1", 0)
	require.NoError(t, err)
	defer recv.Close()

	send, err := Bind("send", "127.0.0.1", 0)
	require.NoError(t, err)
	defer send.Close()

	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go recv.ReceiveLoop(ctx, 10*time.Millisecond, 4096, func(payload []byte, from *net.UDPAddr) {
		mu.Lock()
		got = append([]byte(nil), payload...)
		mu.Unlock()
		close(done)
	})

	require.NoError(t, send.SendTo("127.0.0.1", recv.LocalPort(), []byte("hello")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "hello", string(got))
}

func TestReceiveLoopStopsOnCancel(t *testing.T) {
	recv, err := Bind("recv", "127.0.0.1", 0)
	require.NoError(t, err)
	defer recv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		recv.ReceiveLoop(ctx, 5*time.Millisecond, 4096, func(payload []byte, from *net.UDPAddr) {})
		close(loopDone)
	}()

	cancel()

	select {
	case <-loopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not stop after cancel")
	}
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	s, err := Bind("send", "127.0.0.1", 0)
	require.NoError(t, err)
	defer s.Close()

	big := make([]byte, 64*1024+1)
	err = s.SendTo("127.0.0.1", 1, big)
	require.Error(t, err)
}
