package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Camera
	FramesRead     atomic.Uint64
	FramesDropped  atomic.Uint64
	ReadErrors     atomic.Uint64
	CameraRestarts atomic.Uint64

	// Motion tracker
	TrackerState        atomic.Uint64 // 0 = searching, 1 = tracking
	StateTransitions    atomic.Uint64
	TrackerResets       atomic.Uint64
	TrackerInitFailures atomic.Uint64

	// Snapshots
	SnapshotsWritten atomic.Uint64
	SnapshotsFailed  atomic.Uint64
	SnapshotsPruned  atomic.Uint64

	// Remote detection and upstream reporting
	DetectRequests atomic.Uint64
	DetectFailures atomic.Uint64
	ReportsQueued  atomic.Uint64
	ReportsSent    atomic.Uint64
	ReportsFailed  atomic.Uint64

	// Clients
	StreamClients    atomic.Uint64 // MJPEG viewers
	EventSubscribers atomic.Uint64 // SSE and WebRTC event consumers
	ActiveClients    atomic.Uint64 // WebRTC peers
	TotalClients     atomic.Uint64
	RTSPClients      atomic.Uint64

	// Latency tracking
	FrameLatencyMs   atomic.Uint64 // Capture to fan-out
	ProcessLatencyMs atomic.Uint64 // One tracker iteration

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name  string
		help  string
		value *atomic.Uint64
	}{
		{"camera_frames_read_total", "Total frames read from the camera", &m.FramesRead},
		{"camera_frames_dropped_total", "Total frames dropped because a subscriber was slow", &m.FramesDropped},
		{"camera_read_errors_total", "Total camera read errors", &m.ReadErrors},
		{"camera_restarts_total", "Total camera restarts after read errors", &m.CameraRestarts},

		{"motion_tracker_state", "Tracker state (0=searching, 1=tracking)", &m.TrackerState},
		{"motion_state_transitions_total", "Total tracker state transitions", &m.StateTransitions},
		{"motion_resets_total", "Total idle resets of the tracker", &m.TrackerResets},
		{"motion_tracker_init_failures_total", "Total MIL tracker initialization failures", &m.TrackerInitFailures},

		{"snapshots_written_total", "Total snapshots persisted", &m.SnapshotsWritten},
		{"snapshots_failed_total", "Total snapshot write failures", &m.SnapshotsFailed},
		{"snapshots_pruned_total", "Total snapshots removed by retention", &m.SnapshotsPruned},

		{"detect_requests_total", "Total remote detection requests", &m.DetectRequests},
		{"detect_failures_total", "Total failed remote detection requests", &m.DetectFailures},
		{"reports_queued", "Reports waiting for delivery", &m.ReportsQueued},
		{"reports_sent_total", "Total reports accepted upstream", &m.ReportsSent},
		{"reports_failed_total", "Total reports that failed delivery", &m.ReportsFailed},

		{"stream_clients", "Number of active MJPEG clients", &m.StreamClients},
		{"event_subscribers", "Number of active motion event subscribers", &m.EventSubscribers},
		{"webrtc_active_clients", "Number of active WebRTC clients", &m.ActiveClients},
		{"webrtc_total_clients", "Total WebRTC clients connected", &m.TotalClients},
		{"rtsp_clients", "Number of RTSP sessions playing", &m.RTSPClients},

		{"frame_latency_ms", "Frame latency from capture to fan-out in milliseconds", &m.FrameLatencyMs},
		{"process_latency_ms", "Duration of the last tracker iteration in milliseconds", &m.ProcessLatencyMs},
	}

	for _, g := range gauges {
		v := g.value
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "stream",
				Name:      g.name,
				Help:      g.help,
			},
			func() float64 { return float64(v.Load()) },
		))
	}
}

// UpdateFrameLatency updates the frame latency
func (m *Metrics) UpdateFrameLatency(captureTime time.Time) {
	latency := time.Since(captureTime).Milliseconds()
	if latency < 0 {
		latency = 0
	}
	m.FrameLatencyMs.Store(uint64(latency))
}

// UpdateProcessLatency updates the tracker iteration latency
func (m *Metrics) UpdateProcessLatency(duration time.Duration) {
	m.ProcessLatencyMs.Store(uint64(duration.Milliseconds()))
}

// Decrement lowers a gauge-style counter without wrapping below zero.
func Decrement(v *atomic.Uint64) {
	for {
		cur := v.Load()
		if cur == 0 {
			return
		}
		if v.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr.
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
