// Package metrics exposes mesher diagnostics and runtime gauges to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mandelmesh.io/internal/mesh/diag"
	"mandelmesh.io/internal/mesh/frame"
	"mandelmesh.io/internal/mesh/stream"
	"mandelmesh.io/internal/persistence/indexdb"
)

const namespace = "mandelmesh"

// Collector is a diag.Sink that turns events into counters and histograms, and
// the owner of the gauge funcs registered by the Watch methods.
type Collector struct {
	reg     *prometheus.Registry
	factory promauto.Factory

	events    *prometheus.CounterVec
	phaseMS   *prometheus.HistogramVec
	chunkTris prometheus.Histogram
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Collector{
		reg:     reg,
		factory: f,
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diag_events_total",
			Help:      "Diagnostic events emitted by the mesher, by kind.",
		}, []string{"kind"}),
		phaseMS: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extract_phase_ms",
			Help:      "Per-chunk extraction time in milliseconds, by phase.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 14),
		}, []string{"phase"}),
		chunkTris: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_triangles",
			Help:      "Triangles per extracted chunk.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 12),
		}),
	}
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

func (c *Collector) Emit(e diag.Event) {
	c.events.WithLabelValues(string(e.Kind)).Inc()
	if e.Kind != diag.Extracted {
		return
	}
	c.phaseMS.WithLabelValues("sample").Observe(e.SampleMS)
	c.phaseMS.WithLabelValues("quad").Observe(e.QuadMS)
	c.phaseMS.WithLabelValues("normal").Observe(e.NormalMS)
	c.chunkTris.Observe(float64(e.Indices / 3))
}

// WatchTree exports the tree's metrics snapshot. m must be safe to call from any goroutine.
func (c *Collector) WatchTree(m func() stream.Metrics) {
	gauge := func(name, help string, v func(stream.Metrics) float64) {
		c.factory.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "tree", Name: name, Help: help},
			func() float64 { return v(m()) })
	}
	counter := func(name, help string, v func(stream.Metrics) float64) {
		c.factory.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Subsystem: "tree", Name: name, Help: help},
			func() float64 { return v(m()) })
	}
	gauge("live_chunks", "Chunks currently installed.", func(s stream.Metrics) float64 { return float64(s.LiveChunks) })
	gauge("empty_chunks", "Installed chunks with no geometry.", func(s stream.Metrics) float64 { return float64(s.EmptyChunks) })
	gauge("live_triangles", "Triangles across installed chunks.", func(s stream.Metrics) float64 { return float64(s.LiveTriangles) })
	gauge("live_vertices", "Vertices across installed chunks.", func(s stream.Metrics) float64 { return float64(s.LiveVertices) })
	gauge("outstanding", "Coordinates enqueued but not yet applied.", func(s stream.Metrics) float64 { return float64(s.Outstanding) })
	gauge("max_depth", "Deepest installed node.", func(s stream.Metrics) float64 { return float64(s.MaxDepth) })
	gauge("last_extract_ms", "Duration of the most recent chunk extraction.", func(s stream.Metrics) float64 { return s.LastExtractMS })
	gauge("faulted", "1 once the worker has faulted.", func(s stream.Metrics) float64 {
		if s.Faulted {
			return 1
		}
		return 0
	})
	counter("batches_applied_total", "Split batches applied by the frame loop.", func(s stream.Metrics) float64 { return float64(s.BatchesApplied) })
	counter("chunks_built_total", "Chunks extracted by the worker.", func(s stream.Metrics) float64 { return float64(s.ChunksBuilt) })
}

func (c *Collector) WatchLoop(m func() frame.Metrics) {
	c.factory.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "frame", Name: "tick", Help: "Current frame tick."},
		func() float64 { return float64(m().Tick) })
	c.factory.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "frame", Name: "viewers", Help: "Connected viewers."},
		func() float64 { return float64(m().Viewers) })
	c.factory.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "frame", Name: "step_ms", Help: "Last tick step duration in milliseconds."},
		func() float64 { return m().StepMS })
	c.factory.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Subsystem: "frame", Name: "viewers_dropped_total", Help: "Viewers disconnected for falling behind."},
		func() float64 { return float64(m().ViewersDropped) })
	c.factory.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Subsystem: "frame", Name: "snapshots_queued_total", Help: "Snapshots handed to the writer."},
		func() float64 { return float64(m().SnapshotsQueued) })
	c.factory.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Subsystem: "frame", Name: "snapshots_dropped_total", Help: "Snapshots refused because the writer was busy."},
		func() float64 { return float64(m().SnapshotsDropped) })
}

func (c *Collector) WatchIndex(m func() indexdb.Stats) {
	c.factory.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "index", Name: "queue_depth", Help: "Pending index writes."},
		func() float64 { return float64(m().QueueDepth) })
	c.factory.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Subsystem: "index", Name: "dropped_total", Help: "Index writes dropped because the queue was full."},
		func() float64 {
			s := m()
			return float64(s.DropChunkTotal + s.DropEvictTotal + s.DropSnapshotTotal)
		})
}

// WatchCounter exports an arbitrary monotonic counter, e.g. event log drops.
func (c *Collector) WatchCounter(subsystem, name, help string, v func() uint64) {
	c.factory.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help},
		func() float64 { return float64(v()) })
}
