/*
Package detector defines the Local Detector external contract: on
demand, produce this instant's list of world-plane detections. The
camera/YOLO pipeline itself (original_source/YOLO-on-pi,
original_source/camera_node/local_detector_pipeline.py) is out of
scope; this package provides the interface plus two reference
implementations usable for tests and hardware-free demos.
*/
package detector

import (
	"context"
	"math"
	"math/rand"

	"github.com/dtrack-fleet/dtrack/protocol"
)

// LocalDetector produces, on demand, the detections visible to this
// node "right now". Implementations must return within the cycle's
// time budget: the cycle engine calls Detect synchronously, with no
// deadline of its own, and the DETECT phase does not end until Detect
// returns.
type LocalDetector interface {
	Detect(ctx context.Context) ([]protocol.Detection, error)
}

// Static is a LocalDetector that always returns the same fixed
// detection list, reassigning TrackingID sequentially on each call so
// callers can observe the node-local monotonic counter behavior
// without a real camera. Useful for integration tests and single-node
// demos.
type Static struct {
	Detections []protocol.Detection

	nextTrackingID int
}

// NewStatic creates a Static detector seeded with detections. Each
// call to Detect returns a copy with fresh, monotonically increasing
// TrackingID values.
func NewStatic(detections []protocol.Detection) *Static {
	return &Static{Detections: detections}
}

// Detect returns a copy of s.Detections with freshly assigned tracking
// IDs. It never blocks and never errors.
func (s *Static) Detect(_ context.Context) ([]protocol.Detection, error) {
	out := make([]protocol.Detection, len(s.Detections))
	for i, d := range s.Detections {
		d.TrackingID = s.nextTrackingID
		s.nextTrackingID++
		out[i] = d
	}
	return out, nil
}

// Synthetic is a LocalDetector that deterministically walks a small
// number of simulated persons in a random walk seeded by the node id,
// so multiple nodes run without hardware produce distinguishable,
// reproducible detection streams for manual multi-node testing.
type Synthetic struct {
	rng           *rand.Rand
	numPersons    int
	stepMeters    float64
	worldBoundsXZ float64

	positions      []protocol.WorldPosition
	nextTrackingID int
}

// NewSynthetic creates a Synthetic detector for nodeSeed (typically a
// hash of the node id) tracking numPersons simulated persons that each
// take a random step of up to stepMeters per Detect call, confined to
// a [-worldBoundsXZ, worldBoundsXZ] square.
func NewSynthetic(nodeSeed int64, numPersons int, stepMeters, worldBoundsXZ float64) *Synthetic {
	rng := rand.New(rand.NewSource(nodeSeed))
	positions := make([]protocol.WorldPosition, numPersons)
	for i := range positions {
		positions[i] = protocol.WorldPosition{
			X: (rng.Float64()*2 - 1) * worldBoundsXZ,
			Z: (rng.Float64()*2 - 1) * worldBoundsXZ,
		}
	}
	return &Synthetic{
		rng:           rng,
		numPersons:    numPersons,
		stepMeters:    stepMeters,
		worldBoundsXZ: worldBoundsXZ,
		positions:     positions,
	}
}

// Detect advances each simulated person by one random step and returns
// a detection per person, with a deterministic bounding box derived
// from its world position. It never errors.
func (s *Synthetic) Detect(_ context.Context) ([]protocol.Detection, error) {
	out := make([]protocol.Detection, 0, s.numPersons)
	for i := range s.positions {
		s.step(i)
		pos := s.positions[i]

		out = append(out, protocol.Detection{
			TrackingID: s.nextTrackingID,
			Confidence: 90,
			BBox:       bboxAround(pos),
			WorldPosition: &protocol.WorldPosition{
				X: pos.X,
				Y: 0,
				Z: pos.Z,
			},
		})
		s.nextTrackingID++
	}
	return out, nil
}

func (s *Synthetic) step(i int) {
	dx := (s.rng.Float64()*2 - 1) * s.stepMeters
	dz := (s.rng.Float64()*2 - 1) * s.stepMeters
	s.positions[i].X = clamp(s.positions[i].X+dx, -s.worldBoundsXZ, s.worldBoundsXZ)
	s.positions[i].Z = clamp(s.positions[i].Z+dz, -s.worldBoundsXZ, s.worldBoundsXZ)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// bboxAround produces a plausible fixed-size bounding box horizontally
// centered on a pixel column derived from pos.X (pos.Z does not affect
// it), purely for wire-format realism; no camera projection is
// performed.
func bboxAround(pos protocol.WorldPosition) protocol.BoundingBox {
	const halfWidth = 20.0
	cx := 320 + pos.X*10
	return protocol.BoundingBox{
		X1: cx - halfWidth,
		Y1: 200,
		X2: cx + halfWidth,
		Y2: 400,
	}
}
