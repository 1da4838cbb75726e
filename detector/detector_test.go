package detector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dtrack-fleet/dtrack/protocol"
)

func TestStaticAssignsMonotonicTrackingIDs(t *testing.T) {
	s := NewStatic([]protocol.Detection{{Confidence: 50}, {Confidence: 60}})

	first, err := s.Detect(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, first[0].TrackingID)
	require.Equal(t, 1, first[1].TrackingID)

	second, err := s.Detect(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, second[0].TrackingID)
	require.Equal(t, 3, second[1].TrackingID)
}

func TestStaticDoesNotMutateSourceSlice(t *testing.T) {
	source := []protocol.Detection{{Confidence: 50}}
	s := NewStatic(source)
	_, _ = s.Detect(context.Background())
	require.Equal(t, 0, source[0].TrackingID, "Detect must not mutate the configured source detections")
}

func TestSyntheticIsDeterministicForFixedSeed(t *testing.T) {
	a := NewSynthetic(42, 3, 0.5, 10)
	b := NewSynthetic(42, 3, 0.5, 10)

	for i := 0; i < 5; i++ {
		da, err := a.Detect(context.Background())
		require.NoError(t, err)
		db, err := b.Detect(context.Background())
		require.NoError(t, err)
		require.Equal(t, da, db, "same seed must produce the same detection stream")
	}
}

func TestSyntheticStaysWithinWorldBounds(t *testing.T) {
	s := NewSynthetic(7, 5, 2.0, 3.0)
	for i := 0; i < 50; i++ {
		dets, err := s.Detect(context.Background())
		require.NoError(t, err)
		for _, d := range dets {
			require.NotNil(t, d.WorldPosition)
			require.LessOrEqual(t, d.WorldPosition.X, 3.0)
			require.GreaterOrEqual(t, d.WorldPosition.X, -3.0)
			require.LessOrEqual(t, d.WorldPosition.Z, 3.0)
			require.GreaterOrEqual(t, d.WorldPosition.Z, -3.0)
		}
	}
}
