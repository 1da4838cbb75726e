/*
Package cycle implements the Distributed Cycle Engine, the central
core: DETECT -> COLLECT -> PROCESS -> padding, driven off a background
detection listener exactly the way ptp4u/server.Start runs its
listeners and workers as long-lived goroutines gated by a single
running flag.
*/
package cycle

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtrack-fleet/dtrack/detector"
	"github.com/dtrack-fleet/dtrack/protocol"
	"github.com/dtrack-fleet/dtrack/registry"
	"github.com/dtrack-fleet/dtrack/routing"
	"github.com/dtrack-fleet/dtrack/stats"
	"github.com/dtrack-fleet/dtrack/transport"
)

const (
	// DefaultCycleTime is the wall-clock period of one cycle.
	DefaultCycleTime = 10 * time.Second
	// DefaultCollectionTimeout is the hard cutoff for COLLECT, measured
	// from cycle start.
	DefaultCollectionTimeout = 5 * time.Second

	detectionReceiveTimeout = 10 * time.Millisecond
	detectionBufferSize     = 4096

	// collectPollInterval is the COLLECT loop's sleep granularity,
	// bounded at <=1ms so a completed frame is noticed promptly.
	collectPollInterval = 1 * time.Millisecond
)

// Frame holds one cycle's in-progress or completed detection set, keyed
// by frame_number.
type Frame struct {
	FrameNumber int64
	StartTimeMs float64
	Detections  map[string][]protocol.Detection // node_id -> ordered detections
}

func newFrame(frameNumber int64, startTimeMs float64) *Frame {
	return &Frame{FrameNumber: frameNumber, StartTimeMs: startTimeMs, Detections: map[string][]protocol.Detection{}}
}

// Sink receives completed frames for global tracking. Defined here
// rather than imported from tracker to keep cycle decoupled from the
// clustering implementation; tracker.Engine satisfies it.
type Sink interface {
	ProcessFrame(ctx context.Context, frame *Frame)
}

// Engine drives the per-cycle state machine for one node.
type Engine struct {
	selfID string

	detector  detector.LocalDetector
	registry  *registry.Registry
	table     *routing.Table
	socket    *transport.Socket
	sink      Sink
	collector stats.Collector

	cycleTime         time.Duration
	collectionTimeout time.Duration

	// frame lock: guards frameNumber and currentFrame.
	frameMu      sync.Mutex
	frameNumber  int64
	currentFrame *Frame

	// early lock: guards earlyDetections, a second, independent lock
	// from frameMu so that the detection listener never holds both at
	// once across a blocking operation.
	earlyMu         sync.Mutex
	earlyDetections map[int64]map[string][]protocol.Detection
}

// New creates an Engine for selfID. cycleTime and collectionTimeout of
// zero fall back to the documented defaults.
func New(selfID string, det detector.LocalDetector, reg *registry.Registry, table *routing.Table, socket *transport.Socket, sink Sink, collector stats.Collector, cycleTime, collectionTimeout time.Duration) *Engine {
	if cycleTime <= 0 {
		cycleTime = DefaultCycleTime
	}
	if collectionTimeout <= 0 {
		collectionTimeout = DefaultCollectionTimeout
	}
	if collector == nil {
		collector = stats.Noop{}
	}
	return &Engine{
		selfID:            selfID,
		detector:          det,
		registry:          reg,
		table:             table,
		socket:            socket,
		sink:              sink,
		collector:         collector,
		cycleTime:         cycleTime,
		collectionTimeout: collectionTimeout,
		earlyDetections:   map[int64]map[string][]protocol.Detection{},
	}
}

// Run starts the background detection listener and drives the cycle
// loop until ctx is canceled.
func (e *Engine) Run(ctx context.Context) {
	go e.socket.ReceiveLoop(ctx, detectionReceiveTimeout, detectionBufferSize, e.handleDatagram)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		e.runOneCycle(ctx)
	}
}

func (e *Engine) runOneCycle(ctx context.Context) {
	cycleStart := time.Now()

	frame, localDetections := e.beginCycle(cycleStart)
	e.broadcastDetections(frame, localDetections)
	e.collect(ctx, frame, cycleStart)
	e.process(ctx, frame)
	e.pad(cycleStart)
}

// beginCycle implements step 1 (cycle anchor) and the DETECT phase's
// local-detection + early-buffer drain (step 2), under the frame lock.
func (e *Engine) beginCycle(cycleStart time.Time) (*Frame, []protocol.Detection) {
	localDetections, err := e.detector.Detect(context.Background())
	if err != nil {
		log.Errorf("cycle: local detection failed: %v", err)
		localDetections = nil
	}

	e.frameMu.Lock()
	e.frameNumber++
	frameNumber := e.frameNumber
	frame := newFrame(frameNumber, float64(cycleStart.UnixMilli()))
	frame.Detections[e.selfID] = localDetections
	e.currentFrame = frame
	e.frameMu.Unlock()

	if buffered, ok := e.takeEarly(frameNumber); ok {
		for node, dets := range buffered {
			e.frameMu.Lock()
			e.currentFrame.Detections[node] = dets
			e.frameMu.Unlock()
		}
	}

	return frame, localDetections
}

// broadcastDetections sends this node's detections to every other
// known peer, forwarding via the routing table's next hop.
func (e *Engine) broadcastDetections(frame *Frame, localDetections []protocol.Detection) {
	msg := protocol.NewDetectionMessage(frame.FrameNumber, e.selfID, "", float64(time.Now().UnixMilli()), localDetections)

	for _, peer := range e.registry.Snapshot() {
		if peer.NodeID == e.selfID {
			continue
		}
		e.sendTo(peer.NodeID, msg)
	}
}

func (e *Engine) sendTo(destNodeID string, msg protocol.DetectionMessage) {
	route, ok := e.table.Lookup(destNodeID)
	if !ok {
		log.Debugf("cycle: no route to %s, skipping this cycle", destNodeID)
		return
	}
	nextHop, ok := e.registry.Get(route.NextHop)
	if !ok {
		log.Debugf("cycle: next hop %s for %s not in registry, skipping", route.NextHop, destNodeID)
		return
	}

	msg.DestinationNode = destNodeID
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("cycle: marshaling detection for %s: %v", destNodeID, err)
		return
	}
	if err := e.socket.SendTo(nextHop.Endpoint.Host, nextHop.Endpoint.Port, payload); err != nil {
		log.Debugf("cycle: sending detection to %s via %s: %v", destNodeID, route.NextHop, err)
	}
}

// collect implements the COLLECT phase (step 3): wait for completion or
// the hard cutoff measured from cycleStart (or ctx cancellation),
// polling at collectPollInterval. There is no separate deadline
// measured from the start of the phase itself.
func (e *Engine) collect(ctx context.Context, frame *Frame, cycleStart time.Time) {
	deadline := cycleStart.Add(e.collectionTimeout)
	expected := e.registry.Count()

	for {
		if e.frameDetectionCount(frame.FrameNumber) >= expected {
			break
		}
		if !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(collectPollInterval):
		}
	}

	e.collector.ObserveFrameLatencyMs(float64(time.Since(cycleStart).Milliseconds()))
}

func (e *Engine) frameDetectionCount(frameNumber int64) int {
	e.frameMu.Lock()
	defer e.frameMu.Unlock()
	if e.currentFrame == nil || e.currentFrame.FrameNumber != frameNumber {
		return 0
	}
	return len(e.currentFrame.Detections)
}

// process implements the PROCESS phase (step 4): hand the frame to the
// sink, evict stale early-arrival entries, clear currentFrame.
func (e *Engine) process(ctx context.Context, frame *Frame) {
	e.frameMu.Lock()
	snapshot := &Frame{FrameNumber: frame.FrameNumber, StartTimeMs: frame.StartTimeMs, Detections: frame.Detections}
	if e.currentFrame != nil && e.currentFrame.FrameNumber == frame.FrameNumber {
		snapshot.Detections = e.currentFrame.Detections
	}
	e.currentFrame = nil
	e.frameMu.Unlock()

	e.evictEarlyUpTo(frame.FrameNumber)

	if e.sink != nil {
		e.sink.ProcessFrame(ctx, snapshot)
	}
}

// pad implements step 5: sleep the cycle's remainder, or log an
// overrun and proceed immediately.
func (e *Engine) pad(cycleStart time.Time) {
	elapsed := time.Since(cycleStart)
	if elapsed < e.cycleTime {
		time.Sleep(e.cycleTime - elapsed)
		e.collector.IncCyclesCompleted()
		return
	}
	log.Warnf("cycle: overran budget of %s by %s", e.cycleTime, elapsed-e.cycleTime)
	e.collector.IncCycleOverruns()
	e.collector.IncCyclesCompleted()
}

func (e *Engine) handleDatagram(payload []byte, _ *net.UDPAddr) {
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return
	}
	if env.Type != protocol.TypeDetection {
		return
	}
	var msg protocol.DetectionMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Debugf("cycle: malformed detection message: %v", err)
		return
	}

	// A message not addressed to this node is forwarded toward its
	// destination, never consumed.
	if msg.DestinationNode != "" && msg.DestinationNode != e.selfID {
		e.forward(msg)
		return
	}

	e.classify(msg)
}

func (e *Engine) forward(msg protocol.DetectionMessage) {
	e.sendTo(msg.DestinationNode, msg)
}

// classify dispatches an inbound detection message by frame_number:
// current frame, next frame (buffered), or dropped as stale.
func (e *Engine) classify(msg protocol.DetectionMessage) {
	e.frameMu.Lock()
	current := e.currentFrame
	e.frameMu.Unlock()

	switch {
	case current != nil && msg.FrameNumber == current.FrameNumber:
		e.frameMu.Lock()
		if e.currentFrame != nil && e.currentFrame.FrameNumber == msg.FrameNumber {
			e.currentFrame.Detections[msg.SourceNode] = msg.Detections
		}
		e.frameMu.Unlock()
		e.collector.IncDetectionsReceived()
	case current != nil && msg.FrameNumber == current.FrameNumber+1:
		e.bufferEarly(msg)
		e.collector.IncDetectionsReceived()
	case current == nil && msg.FrameNumber == e.peekFrameNumber()+1:
		e.bufferEarly(msg)
		e.collector.IncDetectionsReceived()
	default:
		e.collector.IncDetectionsDropped()
	}
}

func (e *Engine) peekFrameNumber() int64 {
	e.frameMu.Lock()
	defer e.frameMu.Unlock()
	return e.frameNumber
}

func (e *Engine) bufferEarly(msg protocol.DetectionMessage) {
	e.earlyMu.Lock()
	defer e.earlyMu.Unlock()
	byNode, ok := e.earlyDetections[msg.FrameNumber]
	if !ok {
		byNode = map[string][]protocol.Detection{}
		e.earlyDetections[msg.FrameNumber] = byNode
	}
	byNode[msg.SourceNode] = msg.Detections
}

func (e *Engine) takeEarly(frameNumber int64) (map[string][]protocol.Detection, bool) {
	e.earlyMu.Lock()
	defer e.earlyMu.Unlock()
	buffered, ok := e.earlyDetections[frameNumber]
	if ok {
		delete(e.earlyDetections, frameNumber)
	}
	return buffered, ok
}

// evictEarlyUpTo drops every buffered early-arrival entry at or below
// frameNumber.
func (e *Engine) evictEarlyUpTo(frameNumber int64) {
	e.earlyMu.Lock()
	defer e.earlyMu.Unlock()
	for fn := range e.earlyDetections {
		if fn <= frameNumber {
			delete(e.earlyDetections, fn)
		}
	}
}
