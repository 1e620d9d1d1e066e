package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sentinel"

// Metrics holds every Prometheus collector used by the Edge and Center
// nodes. Each binary registers the full set on its own registry; series that
// a node never touches simply stay absent from its scrape.
type Metrics struct {
	registry *prometheus.Registry

	// Edge link
	LinkTransitions   *prometheus.CounterVec // asset, from, to
	LinkState         *prometheus.GaugeVec   // asset; value is model.ConnectionState
	HeartbeatFailures *prometheus.CounterVec // asset
	ReplayedRecords   *prometheus.CounterVec // asset
	ReplayGapRecords  *prometheus.CounterVec // asset

	// Edge buffer
	BufferDepth    *prometheus.GaugeVec   // asset
	BufferAppended *prometheus.CounterVec // asset
	BufferDropped  *prometheus.CounterVec // asset

	// Center ingest and admission
	AdmissionAccepted prometheus.Counter
	AdmissionDropped  prometheus.Counter
	IngestDuplicates  *prometheus.CounterVec // asset
	IngestFrames      *prometheus.CounterVec // path: live|replay, result
	QueueDepth        *prometheus.GaugeVec   // stage

	// Center processing
	MotionFrames     *prometheus.CounterVec // result: significant|insignificant
	DetectorRequests *prometheus.CounterVec // outcome: ok|unavailable|timeout
	DetectorLatency  prometheus.Histogram
	DetectorHealthy  prometheus.Gauge
	TrackTransitions *prometheus.CounterVec // to
	TracksActive     *prometheus.GaugeVec   // asset
	AlertsPublished  *prometheus.CounterVec // kind
	AlertsSuppressed *prometheus.CounterVec // kind
	GatewayRecords   *prometheus.CounterVec // format
	SinkErrors       *prometheus.CounterVec // sink
	FramesProcessed  *prometheus.CounterVec // asset
}

// NewMetrics creates all collectors and registers them on a fresh registry
// together with the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,

		LinkTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "link", Name: "transitions_total",
			Help: "Connection state transitions by asset and edge",
		}, []string{"asset", "from", "to"}),
		LinkState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "link", Name: "state",
			Help: "Current connection state (0=live, 1=degraded, 2=silent_watch, 3=resyncing)",
		}, []string{"asset"}),
		HeartbeatFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "link", Name: "heartbeat_failures_total",
			Help: "Heartbeats that failed or exceeded the round-trip timeout",
		}, []string{"asset"}),
		ReplayedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "link", Name: "replayed_records_total",
			Help: "Buffered records acknowledged by the Center during resync",
		}, []string{"asset"}),
		ReplayGapRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "replay_gap_records_total",
			Help: "Records evicted before they could be replayed",
		}, []string{"asset"}),

		BufferDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "depth",
			Help: "Unacknowledged records held in the local event buffer",
		}, []string{"asset"}),
		BufferAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "appended_total",
			Help: "Records appended to the local event buffer",
		}, []string{"asset"}),
		BufferDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "dropped_total",
			Help: "Oldest unacknowledged records evicted on overflow",
		}, []string{"asset"}),

		AdmissionAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "admission", Name: "accepted_total",
			Help: "Items admitted by the leaky bucket",
		}),
		AdmissionDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "admission", Name: "dropped_total",
			Help: "Items dropped by the leaky bucket",
		}),
		IngestDuplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "duplicate_records_total",
			Help: "Replayed records acknowledged without re-ingest",
		}, []string{"asset"}),
		IngestFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "frames_total",
			Help: "Frames received from Edge nodes by path and result",
		}, []string{"path", "result"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "queue_depth",
			Help: "Items waiting in each pipeline stage queue",
		}, []string{"stage"}),

		MotionFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "motion", Name: "frames_total",
			Help: "Frames evaluated by the motion gate",
		}, []string{"result"}),
		DetectorRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "detector", Name: "requests_total",
			Help: "Detector calls by outcome",
		}, []string{"outcome"}),
		DetectorLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "detector", Name: "latency_seconds",
			Help:    "Detector round-trip latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		DetectorHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "detector", Name: "healthy",
			Help: "1 while the detector backend is considered healthy",
		}),
		TrackTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tracker", Name: "transitions_total",
			Help: "Track lifecycle transitions by target state",
		}, []string{"to"}),
		TracksActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "tracker", Name: "active_tracks",
			Help: "Tentative and confirmed tracks per asset",
		}, []string{"asset"}),
		AlertsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alerts", Name: "published_total",
			Help: "Alerts emitted",
		}, []string{"kind"}),
		AlertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alerts", Name: "suppressed_total",
			Help: "Duplicate alerts suppressed by the deduper",
		}, []string{"kind"}),
		GatewayRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "records_total",
			Help: "Records translated by output format",
		}, []string{"format"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sink", Name: "errors_total",
			Help: "Failed sink writes",
		}, []string{"sink"}),
		FramesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "frames_total",
			Help: "Frames that reached the tracker",
		}, []string{"asset"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.LinkTransitions, m.LinkState, m.HeartbeatFailures, m.ReplayedRecords, m.ReplayGapRecords,
		m.BufferDepth, m.BufferAppended, m.BufferDropped,
		m.AdmissionAccepted, m.AdmissionDropped, m.IngestDuplicates, m.IngestFrames, m.QueueDepth,
		m.MotionFrames, m.DetectorRequests, m.DetectorLatency, m.DetectorHealthy,
		m.TrackTransitions, m.TracksActive, m.AlertsPublished, m.AlertsSuppressed,
		m.GatewayRecords, m.SinkErrors, m.FramesProcessed,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// OrNew returns m, or a fresh unshared Metrics when m is nil so components
// never need nil checks around instrumentation.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return NewMetrics()
	}
	return m
}
