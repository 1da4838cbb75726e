package cycle

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dtrack-fleet/dtrack/detector"
	"github.com/dtrack-fleet/dtrack/protocol"
	"github.com/dtrack-fleet/dtrack/registry"
	"github.com/dtrack-fleet/dtrack/routing"
	"github.com/dtrack-fleet/dtrack/stats"
	"github.com/dtrack-fleet/dtrack/transport"
)

type recordingSink struct {
	frames []*Frame
}

func (s *recordingSink) ProcessFrame(_ context.Context, f *Frame) {
	s.frames = append(s.frames, f)
}

func newTestEngine(t *testing.T, selfID string, cycleTime, collectionTimeout time.Duration) (*Engine, *registry.Registry, *recordingSink) {
	t.Helper()
	socket, err := transport.Bind(selfID, "127.0.0.1", 0)
	require.NoError(t, err)
	t.Cleanup(func() { socket.Close() })

	reg := registry.New()
	reg.Upsert(registry.Peer{NodeID: selfID})

	table := routing.NewTable(selfID, socket)
	sink := &recordingSink{}
	det := detector.NewStatic(nil)

	e := New(selfID, det, reg, table, socket, sink, stats.Noop{}, cycleTime, collectionTimeout)
	return e, reg, sink
}

func TestClassifyAcceptsCurrentFrameDetection(t *testing.T) {
	e, _, _ := newTestEngine(t, "a", time.Hour, time.Hour)
	e.frameNumber = 5
	e.currentFrame = newFrame(5, 0)

	e.classify(protocol.DetectionMessage{FrameNumber: 5, SourceNode: "b", Detections: []protocol.Detection{{Confidence: 1}}})

	require.Len(t, e.currentFrame.Detections["b"], 1)
}

func TestClassifyBuffersNextFrameDetection(t *testing.T) {
	e, _, _ := newTestEngine(t, "a", time.Hour, time.Hour)
	e.frameNumber = 5
	e.currentFrame = newFrame(5, 0)

	e.classify(protocol.DetectionMessage{FrameNumber: 6, SourceNode: "b", Detections: []protocol.Detection{{Confidence: 1}}})

	require.Empty(t, e.currentFrame.Detections["b"])
	buffered, ok := e.earlyDetections[6]
	require.True(t, ok)
	require.Len(t, buffered["b"], 1)
}

func TestClassifyDropsStaleFrame(t *testing.T) {
	e, _, _ := newTestEngine(t, "a", time.Hour, time.Hour)
	e.frameNumber = 5
	e.currentFrame = newFrame(5, 0)

	e.classify(protocol.DetectionMessage{FrameNumber: 3, SourceNode: "b", Detections: []protocol.Detection{{Confidence: 1}}})

	require.Empty(t, e.currentFrame.Detections["b"])
	require.Empty(t, e.earlyDetections)
}

func TestBeginCycleDrainsEarlyBuffer(t *testing.T) {
	e, _, _ := newTestEngine(t, "a", time.Hour, time.Hour)
	e.frameNumber = 5
	e.bufferEarly(protocol.DetectionMessage{FrameNumber: 6, SourceNode: "b", Detections: []protocol.Detection{{Confidence: 9}}})

	frame, _ := e.beginCycle(time.Now())
	require.Equal(t, int64(6), frame.FrameNumber)
	require.Len(t, frame.Detections["b"], 1)
	require.Empty(t, e.earlyDetections)
}

func TestEvictEarlyUpToDropsOldAndKeepsNewer(t *testing.T) {
	e, _, _ := newTestEngine(t, "a", time.Hour, time.Hour)
	e.bufferEarly(protocol.DetectionMessage{FrameNumber: 3, SourceNode: "b"})
	e.bufferEarly(protocol.DetectionMessage{FrameNumber: 5, SourceNode: "b"})

	e.evictEarlyUpTo(4)

	_, hasThree := e.earlyDetections[3]
	_, hasFive := e.earlyDetections[5]
	require.False(t, hasThree)
	require.True(t, hasFive)
}

func TestCollectStopsOnCompletionBeforeTimeout(t *testing.T) {
	e, reg, _ := newTestEngine(t, "a", time.Hour, time.Hour)
	reg.Upsert(registry.Peer{NodeID: "b"})

	start := time.Now()
	e.currentFrame = newFrame(1, 0)
	e.currentFrame.Detections["a"] = nil
	go func() {
		time.Sleep(5 * time.Millisecond)
		e.classify(protocol.DetectionMessage{FrameNumber: 1, SourceNode: "b"})
	}()

	e.collect(context.Background(), e.currentFrame, start)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCollectRespectsHardCutoff(t *testing.T) {
	e, reg, _ := newTestEngine(t, "a", time.Hour, 20*time.Millisecond)
	reg.Upsert(registry.Peer{NodeID: "b"})

	start := time.Now()
	e.currentFrame = newFrame(1, 0)
	e.currentFrame.Detections["a"] = nil

	e.collect(context.Background(), e.currentFrame, start)
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestProcessInvokesSinkAndClearsCurrentFrame(t *testing.T) {
	e, _, sink := newTestEngine(t, "a", time.Hour, time.Hour)
	e.currentFrame = newFrame(1, 0)
	e.currentFrame.Detections["a"] = []protocol.Detection{{Confidence: 5}}

	e.process(context.Background(), e.currentFrame)

	require.Nil(t, e.currentFrame)
	require.Len(t, sink.frames, 1)
	require.Len(t, sink.frames[0].Detections["a"], 1)
}

func TestPadReturnsImmediatelyOnOverrun(t *testing.T) {
	e, _, _ := newTestEngine(t, "a", 5*time.Millisecond, time.Hour)
	start := time.Now().Add(-10 * time.Millisecond)

	before := time.Now()
	e.pad(start) // elapsed already exceeds cycleTime; must not sleep further
	require.Less(t, time.Since(before), 50*time.Millisecond)
}

func TestForwardingSendsDetectionToNextHop(t *testing.T) {
	destSocket, err := transport.Bind("dest", "127.0.0.1", 0)
	require.NoError(t, err)
	defer destSocket.Close()

	e, reg, _ := newTestEngine(t, "mid", time.Hour, time.Hour)
	reg.Upsert(registry.Peer{NodeID: "dest", Endpoint: registry.Endpoint{Host: "127.0.0.1", Port: destSocket.LocalPort()}})
	e.table.SetNeighbors([]routing.Neighbor{{NodeID: "dest", Host: "127.0.0.1", Port: destSocket.LocalPort(), LinkCost: 1}})

	received := make(chan []byte, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go destSocket.ReceiveLoop(ctx, 10*time.Millisecond, 4096, func(payload []byte, _ *net.UDPAddr) {
		received <- payload
	})

	e.forward(protocol.DetectionMessage{FrameNumber: 1, SourceNode: "a", DestinationNode: "dest", Detections: nil})

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarded message never arrived")
	}
}
