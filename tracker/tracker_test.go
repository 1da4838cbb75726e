package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/dtrack-fleet/dtrack/cycle"
	"github.com/dtrack-fleet/dtrack/protocol"
	"github.com/dtrack-fleet/dtrack/stats"
)

func wp(x, z float64) *protocol.WorldPosition {
	return &protocol.WorldPosition{X: x, Z: z}
}

func frameWith(frameNumber int64, dets map[string][]protocol.Detection) *cycle.Frame {
	return &cycle.Frame{FrameNumber: frameNumber, Detections: dets}
}

func TestProcessFrameAssignsFreshGlobalIDsWhenNoPriorTracks(t *testing.T) {
	sink := NewChanSink(4)
	e := New(sink, stats.Noop{}, 0, 0, 0)

	frame := frameWith(1, map[string][]protocol.Detection{
		"a": {{TrackingID: 1, WorldPosition: wp(0, 0)}},
		"b": {{TrackingID: 1, WorldPosition: wp(10, 10)}},
	})

	e.ProcessFrame(context.Background(), frame)
	require.Len(t, e.tracks, 2)
}

func TestProcessFrameReusesGlobalIDForSameMovingTrack(t *testing.T) {
	sink := NewChanSink(4)
	e := New(sink, stats.Noop{}, 0, 0, 0)

	frame1 := frameWith(1, map[string][]protocol.Detection{
		"a": {{WorldPosition: wp(0, 0)}},
	})
	e.ProcessFrame(context.Background(), frame1)
	require.Len(t, e.tracks, 1)
	var firstID int64
	for id := range e.tracks {
		firstID = id
	}

	frame2 := frameWith(2, map[string][]protocol.Detection{
		"a": {{WorldPosition: wp(0.1, 0.1)}},
	})
	e.ProcessFrame(context.Background(), frame2)
	require.Len(t, e.tracks, 1)
	for id := range e.tracks {
		require.Equal(t, firstID, id, "a small move within eps must keep the same global_id")
	}
}

func TestFlattenDropsMissingWorldPositionsAndKeepsSourceNode(t *testing.T) {
	frame := frameWith(1, map[string][]protocol.Detection{
		"a": {
			{TrackingID: 1, WorldPosition: wp(1, 2)},
			{TrackingID: 2, WorldPosition: nil},
		},
	})

	want := []point{
		{x: 1, z: 2, src: &protocol.LabeledDetection{
			SourceNode: "a",
			Detection:  protocol.Detection{TrackingID: 1, WorldPosition: wp(1, 2)},
		}},
	}
	got := flatten(frame)
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(point{})); diff != "" {
		t.Errorf("flatten mismatch (-want +got):\n%s", diff)
	}
}

func TestFlattenOrdersPointsByNodeIDRegardlessOfMapIteration(t *testing.T) {
	frame := frameWith(1, map[string][]protocol.Detection{
		"charlie": {{TrackingID: 1, WorldPosition: wp(3, 3)}},
		"alpha":   {{TrackingID: 1, WorldPosition: wp(1, 1)}},
		"bravo":   {{TrackingID: 1, WorldPosition: wp(2, 2)}},
	})

	want := []point{
		{x: 1, z: 1, src: &protocol.LabeledDetection{
			SourceNode: "alpha",
			Detection:  protocol.Detection{TrackingID: 1, WorldPosition: wp(1, 1)},
		}},
		{x: 2, z: 2, src: &protocol.LabeledDetection{
			SourceNode: "bravo",
			Detection:  protocol.Detection{TrackingID: 1, WorldPosition: wp(2, 2)},
		}},
		{x: 3, z: 3, src: &protocol.LabeledDetection{
			SourceNode: "charlie",
			Detection:  protocol.Detection{TrackingID: 1, WorldPosition: wp(3, 3)},
		}},
	}

	for i := 0; i < 10; i++ {
		got := flatten(frame)
		if diff := cmp.Diff(want, got, cmp.AllowUnexported(point{})); diff != "" {
			t.Fatalf("flatten order mismatch on iteration %d (-want +got):\n%s", i, diff)
		}
	}
}

func TestProcessFrameSkipsDetectionsWithoutWorldPosition(t *testing.T) {
	sink := NewChanSink(4)
	e := New(sink, stats.Noop{}, 0, 0, 0)

	frame := frameWith(1, map[string][]protocol.Detection{
		"a": {{WorldPosition: nil}},
	})
	e.ProcessFrame(context.Background(), frame)
	require.Empty(t, e.tracks)
}

func TestProcessFramePurgesInactiveTracks(t *testing.T) {
	sink := NewChanSink(4)
	e := New(sink, stats.Noop{}, 0, 0, 2) // inactiveTimeout=2 frames

	e.ProcessFrame(context.Background(), frameWith(1, map[string][]protocol.Detection{
		"a": {{WorldPosition: wp(0, 0)}},
	}))
	require.Len(t, e.tracks, 1)

	// No detections for frames 2..4; track should be purged once the
	// gap exceeds inactiveTimeout.
	e.ProcessFrame(context.Background(), frameWith(4, map[string][]protocol.Detection{}))
	require.Empty(t, e.tracks)
}

func TestProcessFrameEmitsLabeledDetectionsToSink(t *testing.T) {
	sink := NewChanSink(4)
	e := New(sink, stats.Noop{}, 0, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.RunOutboundQueue(ctx)

	frame := frameWith(1, map[string][]protocol.Detection{
		"a": {{TrackingID: 7, WorldPosition: wp(0, 0)}},
	})
	e.ProcessFrame(ctx, frame)

	select {
	case batch := <-sink.C():
		require.Len(t, batch, 1)
		require.Equal(t, "a", batch[0].SourceNode)
		require.Equal(t, 7, batch[0].Detection.TrackingID)
	case <-time.After(time.Second):
		t.Fatal("expected a labeled detection batch")
	}
}

func TestRunOutboundQueueDeliversToSink(t *testing.T) {
	delivered := make(chan []protocol.LabeledDetection, 1)
	sink := &fakeSink{deliver: delivered}
	e := New(sink, stats.Noop{}, 0, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.RunOutboundQueue(ctx)

	e.ProcessFrame(ctx, frameWith(1, map[string][]protocol.Detection{
		"a": {{WorldPosition: wp(0, 0)}},
	}))

	select {
	case batch := <-delivered:
		require.Len(t, batch, 1)
	case <-time.After(time.Second):
		t.Fatal("RunOutboundQueue never delivered to the sink")
	}
}

type fakeSink struct {
	deliver chan []protocol.LabeledDetection
}

func (f *fakeSink) Emit(_ context.Context, detections []protocol.LabeledDetection) error {
	f.deliver <- detections
	return nil
}
