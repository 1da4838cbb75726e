package tracker

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/dtrack-fleet/dtrack/protocol"
)

// LogSink emits each labeled detection as a structured log line. Useful
// as a default when no external consumer (e.g. original_source/mobile_app/backend)
// is configured.
type LogSink struct{}

// Emit logs each labeled detection at info level.
func (LogSink) Emit(_ context.Context, detections []protocol.LabeledDetection) error {
	for _, d := range detections {
		log.WithFields(log.Fields{
			"source_node": d.SourceNode,
			"global_id":   d.GlobalID,
			"tracking_id": d.Detection.TrackingID,
		}).Info("labeled detection")
	}
	return nil
}

// ChanSink forwards labeled detection batches onto a buffered channel,
// for a REST/mobile backend consumer (original_source/mobile_app/backend)
// to drain at its own pace.
type ChanSink struct {
	ch chan []protocol.LabeledDetection
}

// NewChanSink creates a ChanSink with the given channel buffer size.
func NewChanSink(bufSize int) *ChanSink {
	return &ChanSink{ch: make(chan []protocol.LabeledDetection, bufSize)}
}

// C exposes the underlying channel for consumers to range over.
func (s *ChanSink) C() <-chan []protocol.LabeledDetection {
	return s.ch
}

// Emit pushes detections onto the channel, dropping them if the
// consumer is not keeping up rather than blocking the caller.
func (s *ChanSink) Emit(ctx context.Context, detections []protocol.LabeledDetection) error {
	select {
	case s.ch <- detections:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		log.Warn("tracker: ChanSink consumer not keeping up, dropping batch")
		return nil
	}
}
