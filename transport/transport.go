/*
Package transport implements the Message Transport: a thin UDP
datagram façade with per-role ports and a receive loop that honors
cancellation via short read timeouts, exactly as ptp4u/server's
listeners do (SetNonblock + bounded timeouts) but over plain
net.UDPConn instead of raw sockets, since this protocol needs no
hardware timestamping.
*/
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtrack-fleet/dtrack/protocol"
)

// Socket is one bound UDP datagram endpoint used for both sending and
// receiving on a single role's port (detection, routing, or discovery).
type Socket struct {
	conn *net.UDPConn
	name string
}

// Bind opens a UDP socket on host:port. name is used only for logging.
func Bind(name, host string, port int) (*Socket, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding %s socket on %s:%d: %w", name, host, port, err)
	}
	return &Socket{conn: conn, name: name}, nil
}

// LocalPort returns the bound local port (useful when binding to port 0).
func (s *Socket) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close releases the underlying socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// SendTo writes payload to host:port. Transient send failures are
// returned to the caller, who is expected to log and move on; a
// single unreachable peer is never fatal.
func (s *Socket) SendTo(host string, port int, payload []byte) error {
	if len(payload) > protocol.MaxDatagramSize {
		return fmt.Errorf("%s: payload of %d bytes exceeds max datagram size %d", s.name, len(payload), protocol.MaxDatagramSize)
	}
	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	_, err := s.conn.WriteToUDP(payload, addr)
	return err
}

// Handler processes one received datagram. It must not block for long;
// it runs on the receive loop's goroutine.
type Handler func(payload []byte, from *net.UDPAddr)

// ReceiveLoop reads datagrams until ctx is canceled, dispatching each
// to handler. readTimeout bounds how promptly the loop notices
// cancellation, so shutdown is never blocked on an idle socket.
func (s *Socket) ReceiveLoop(ctx context.Context, readTimeout time.Duration, bufSize int, handler Handler) {
	buf := make([]byte, bufSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			log.WithField("socket", s.name).Errorf("setting read deadline: %v", err)
			return
		}

		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.WithField("socket", s.name).Debugf("read error: %v", err)
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		handler(payload, from)
	}
}
