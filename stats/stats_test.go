package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPromCollectorIncrementsCounters(t *testing.T) {
	c := NewPromCollector()

	c.IncCyclesCompleted()
	c.IncCyclesCompleted()
	require.Equal(t, float64(2), testutil.ToFloat64(c.cyclesCompleted))

	c.SetActiveTracks(5)
	require.Equal(t, float64(5), testutil.ToFloat64(c.activeTracks))

	c.SetPeersKnown(3)
	require.Equal(t, float64(3), testutil.ToFloat64(c.peersKnown))
}

func TestNoopSatisfiesCollector(t *testing.T) {
	var c Collector = Noop{}
	c.IncCyclesCompleted()
	c.IncCycleOverruns()
	c.ObserveFrameLatencyMs(1.5)
	c.SetPeersKnown(1)
	c.SetRoutingTableSize(1)
	c.IncDetectionsReceived()
	c.IncDetectionsDropped()
	c.ObserveClusteringLatencyMs(0.2)
	c.SetActiveTracks(1)
}
