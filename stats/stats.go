/*
Package stats implements metrics collection and HTTP exposition,
following the shape of ptp/ptp4u/stats/stats.go's Stats interface:
typed Inc/Set methods hide the prometheus wiring from business logic,
which only ever calls a Collector method by name instead of reaching
for prometheus.Must... calls directly. Exposition itself follows
ptp/sptp/stats/prom_exporter.go: a prometheus.Registry plus
promhttp.Handler on a dedicated port.
*/
package stats

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Collector is the metrics surface the rest of the daemon depends on.
// Business-logic packages (cycle, tracker) take a Collector, never a
// *prometheus.Registry directly.
type Collector interface {
	// IncCyclesCompleted counts one fully-finished DETECT/COLLECT/PROCESS cycle.
	IncCyclesCompleted()
	// IncCycleOverruns counts a cycle whose total duration exceeded cycle_time.
	IncCycleOverruns()
	// ObserveFrameLatencyMs records how long COLLECT took to complete (or time out) a frame.
	ObserveFrameLatencyMs(ms float64)
	// SetPeersKnown sets the current peer registry size.
	SetPeersKnown(n int)
	// SetRoutingTableSize sets the current routing table size.
	SetRoutingTableSize(n int)
	// IncDetectionsReceived counts one detection message accepted into a frame.
	IncDetectionsReceived()
	// IncDetectionsDropped counts one detection message dropped (stale or unknown frame).
	IncDetectionsDropped()
	// ObserveClusteringLatencyMs records how long one PROCESS-phase DBSCAN pass took.
	ObserveClusteringLatencyMs(ms float64)
	// SetActiveTracks sets the current number of live global tracks.
	SetActiveTracks(n int)
}

// PromCollector is the default Collector, backed by a dedicated
// prometheus.Registry (not the global default registry, exactly as
// ptp/sptp/stats.PrometheusExporter keeps its own).
type PromCollector struct {
	registry *prometheus.Registry

	cyclesCompleted    prometheus.Counter
	cycleOverruns      prometheus.Counter
	frameLatencyMs     prometheus.Histogram
	peersKnown         prometheus.Gauge
	routingTableSize   prometheus.Gauge
	detectionsReceived prometheus.Counter
	detectionsDropped  prometheus.Counter
	clusteringLatency  prometheus.Histogram
	activeTracks       prometheus.Gauge
}

// NewPromCollector registers all dtrack metrics on a fresh registry.
func NewPromCollector() *PromCollector {
	reg := prometheus.NewRegistry()

	c := &PromCollector{
		registry: reg,
		cyclesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dtrack_cycles_completed_total",
			Help: "Total number of cycles that reached COMPLETE.",
		}),
		cycleOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dtrack_cycle_overruns_total",
			Help: "Total number of cycles whose duration exceeded cycle_time.",
		}),
		frameLatencyMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dtrack_frame_completion_latency_milliseconds",
			Help:    "Time for the COLLECT phase to complete or time out a frame.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		peersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dtrack_peers_known",
			Help: "Current size of the peer registry.",
		}),
		routingTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dtrack_routing_table_size",
			Help: "Current number of destinations in the routing table.",
		}),
		detectionsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dtrack_detections_received_total",
			Help: "Total detection messages accepted into a frame.",
		}),
		detectionsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dtrack_detections_dropped_total",
			Help: "Total detection messages dropped for being stale or unrecognized.",
		}),
		clusteringLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dtrack_clustering_latency_milliseconds",
			Help:    "Time for one PROCESS-phase clustering pass.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		activeTracks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dtrack_active_tracks",
			Help: "Current number of live global tracks.",
		}),
	}

	reg.MustRegister(
		c.cyclesCompleted,
		c.cycleOverruns,
		c.frameLatencyMs,
		c.peersKnown,
		c.routingTableSize,
		c.detectionsReceived,
		c.detectionsDropped,
		c.clusteringLatency,
		c.activeTracks,
	)
	return c
}

func (c *PromCollector) IncCyclesCompleted() { c.cyclesCompleted.Inc() }
func (c *PromCollector) IncCycleOverruns()   { c.cycleOverruns.Inc() }
func (c *PromCollector) ObserveFrameLatencyMs(ms float64) {
	c.frameLatencyMs.Observe(ms)
}
func (c *PromCollector) SetPeersKnown(n int)       { c.peersKnown.Set(float64(n)) }
func (c *PromCollector) SetRoutingTableSize(n int) { c.routingTableSize.Set(float64(n)) }
func (c *PromCollector) IncDetectionsReceived()    { c.detectionsReceived.Inc() }
func (c *PromCollector) IncDetectionsDropped()     { c.detectionsDropped.Inc() }
func (c *PromCollector) ObserveClusteringLatencyMs(ms float64) {
	c.clusteringLatency.Observe(ms)
}
func (c *PromCollector) SetActiveTracks(n int) { c.activeTracks.Set(float64(n)) }

// Handler returns the /metrics handler, for callers that want to mount
// it on a mux shared with other endpoints (e.g. debug.Register).
func (c *PromCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on port and blocks, exactly as
// PrometheusExporter.Start does in ptp/sptp/stats/prom_exporter.go.
// Callers typically run this in its own goroutine.
func (c *PromCollector) Serve(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", port), mux))
}

// Noop is a Collector that discards everything; used by tests and by
// components run without a monitoring port configured.
type Noop struct{}

func (Noop) IncCyclesCompleted()                {}
func (Noop) IncCycleOverruns()                  {}
func (Noop) ObserveFrameLatencyMs(float64)      {}
func (Noop) SetPeersKnown(int)                  {}
func (Noop) SetRoutingTableSize(int)            {}
func (Noop) IncDetectionsReceived()             {}
func (Noop) IncDetectionsDropped()              {}
func (Noop) ObserveClusteringLatencyMs(float64) {}
func (Noop) SetActiveTracks(int)                {}
