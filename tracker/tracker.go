/*
Package tracker implements the Global Tracker: DBSCAN clusters a
frame's world positions, matches clusters to existing tracks greedily
with a strict-less-than tie-break, assigns stable global_id values, and
purges inactive tracks. Output fans out to a Sink through an outbound
queue goroutine so a slow consumer can never stall the clustering hot
path.
*/
package tracker

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtrack-fleet/dtrack/cycle"
	"github.com/dtrack-fleet/dtrack/protocol"
	"github.com/dtrack-fleet/dtrack/stats"
)

// DefaultEps is the DBSCAN neighborhood radius.
const DefaultEps = 0.5

// DefaultMinSamples makes every point belong to some cluster (no noise
// by construction).
const DefaultMinSamples = 1

// DefaultInactiveTimeout purges a track after this many frames of
// silence.
const DefaultInactiveTimeout = 10

// DefaultOutboundQueueSize bounds the outbound sink queue; beyond this
// the oldest batch is dropped rather than blocking PROCESS.
const DefaultOutboundQueueSize = 64

// Sink receives labeled detections for a completed frame. Implementations
// must not block the caller for long; Engine already isolates Sink calls
// on their own goroutine, but a Sink that blocks forever will still back
// up the outbound queue and eventually drop batches.
type Sink interface {
	Emit(ctx context.Context, detections []protocol.LabeledDetection) error
}

// track is one globally stable identity.
type track struct {
	globalID      int64
	lastX, lastZ  float64
	lastSeenFrame int64
}

// Engine fuses per-frame multi-node detections into global tracks and
// satisfies cycle.Sink, so it can be handed directly to cycle.New.
type Engine struct {
	eps             float64
	minSamples      int
	inactiveTimeout int64

	mu           sync.Mutex
	tracks       map[int64]*track
	nextGlobalID int64

	sink      Sink
	outbound  chan []protocol.LabeledDetection
	collector stats.Collector
}

// New creates a tracker Engine. eps/minSamples/inactiveTimeout of zero
// fall back to the documented defaults.
func New(sink Sink, collector stats.Collector, eps float64, minSamples, inactiveTimeout int) *Engine {
	if eps <= 0 {
		eps = DefaultEps
	}
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	if inactiveTimeout <= 0 {
		inactiveTimeout = DefaultInactiveTimeout
	}
	if collector == nil {
		collector = stats.Noop{}
	}
	e := &Engine{
		eps:             eps,
		minSamples:      minSamples,
		inactiveTimeout: int64(inactiveTimeout),
		tracks:          make(map[int64]*track),
		sink:            sink,
		outbound:        make(chan []protocol.LabeledDetection, DefaultOutboundQueueSize),
		collector:       collector,
	}
	return e
}

// RunOutboundQueue drains the outbound queue to the sink until ctx is
// canceled. Callers must run this in its own goroutine before frames
// start arriving.
func (e *Engine) RunOutboundQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-e.outbound:
			if err := e.sink.Emit(ctx, batch); err != nil {
				log.Errorf("tracker: sink emit failed: %v", err)
			}
		}
	}
}

// ProcessFrame implements cycle.Sink: cluster the frame's world
// positions, match to existing tracks, stamp global IDs, purge
// inactive tracks, and enqueue the result for the sink.
func (e *Engine) ProcessFrame(ctx context.Context, frame *cycle.Frame) {
	start := time.Now()

	points := flatten(frame)

	e.mu.Lock()
	if len(points) == 0 {
		e.purgeInactive(frame.FrameNumber)
		e.collector.SetActiveTracks(len(e.tracks))
		e.mu.Unlock()
		return
	}

	clusters := dbscan(points, e.eps, e.minSamples)
	e.collector.ObserveClusteringLatencyMs(float64(time.Since(start).Microseconds()) / 1000)

	labeled := make([]protocol.LabeledDetection, 0, len(points))
	matchedTracks := make(map[int64]bool, len(clusters))

	for _, c := range clusters {
		id := e.matchOrAllocate(c, matchedTracks)
		t := e.tracks[id]
		t.lastX, t.lastZ = c.centroidX, c.centroidZ
		t.lastSeenFrame = frame.FrameNumber

		for _, p := range c.members {
			labeled = append(labeled, protocol.LabeledDetection{
				SourceNode: p.src.SourceNode,
				GlobalID:   id,
				Detection:  p.src.Detection,
			})
		}
	}

	e.purgeInactive(frame.FrameNumber)
	e.collector.SetActiveTracks(len(e.tracks))
	e.mu.Unlock()

	e.enqueue(ctx, labeled)
}

// TrackInfo is a read-only view of one global track, for debug/admin
// inspection (see cmd/dtrackctl).
type TrackInfo struct {
	GlobalID      int64   `json:"global_id"`
	X             float64 `json:"x"`
	Z             float64 `json:"z"`
	LastSeenFrame int64   `json:"last_seen_frame"`
}

// Snapshot returns the current set of global tracks.
func (e *Engine) Snapshot() []TrackInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]TrackInfo, 0, len(e.tracks))
	for _, t := range e.tracks {
		out = append(out, TrackInfo{GlobalID: t.globalID, X: t.lastX, Z: t.lastZ, LastSeenFrame: t.lastSeenFrame})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GlobalID < out[j].GlobalID })
	return out
}

// matchOrAllocate greedily matches c to the closest unmatched existing
// track within eps (ascending global_id order, strict < tie-break), or
// allocates a fresh global_id.
func (e *Engine) matchOrAllocate(c cluster, matched map[int64]bool) int64 {
	ids := make([]int64, 0, len(e.tracks))
	for id := range e.tracks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	best := int64(-1)
	bestDist := math.Inf(1)
	for _, id := range ids {
		if matched[id] {
			continue
		}
		t := e.tracks[id]
		dx := t.lastX - c.centroidX
		dz := t.lastZ - c.centroidZ
		dist := dx*dx + dz*dz
		if dist < bestDist {
			bestDist = dist
			best = id
		}
	}

	if best != -1 && bestDist <= e.eps*e.eps {
		matched[best] = true
		return best
	}

	e.nextGlobalID++
	id := e.nextGlobalID
	e.tracks[id] = &track{globalID: id}
	matched[id] = true
	return id
}

// purgeInactive removes tracks unseen for more than inactiveTimeout
// frames.
func (e *Engine) purgeInactive(currentFrame int64) {
	for id, t := range e.tracks {
		if currentFrame-t.lastSeenFrame > e.inactiveTimeout {
			delete(e.tracks, id)
		}
	}
}

func (e *Engine) enqueue(ctx context.Context, labeled []protocol.LabeledDetection) {
	if len(labeled) == 0 {
		return
	}
	select {
	case e.outbound <- labeled:
	case <-ctx.Done():
	default:
		// Outbound queue full: drop the oldest pending batch rather than
		// block the clustering hot path.
		select {
		case <-e.outbound:
		default:
		}
		select {
		case e.outbound <- labeled:
		default:
			log.Warn("tracker: outbound queue saturated, dropping frame")
		}
	}
}

// flatten drops detections without a world position and keeps track of
// which source node each came from. Detections are visited in
// ascending node-ID order rather than frame.Detections' native map
// order, so the resulting point slice — and therefore dbscan's
// cluster-id assignment and the clusters-to-tracks greedy match in
// ProcessFrame — is reproducible across runs of an identical frame.
func flatten(frame *cycle.Frame) []point {
	nodes := make([]string, 0, len(frame.Detections))
	for node := range frame.Detections {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	var points []point
	for _, node := range nodes {
		dets := frame.Detections[node]
		for i := range dets {
			d := dets[i]
			if d.WorldPosition == nil {
				continue
			}
			points = append(points, point{
				x: d.WorldPosition.X,
				z: d.WorldPosition.Z,
				src: &protocol.LabeledDetection{
					SourceNode: node,
					Detection:  d,
				},
			})
		}
	}
	return points
}
