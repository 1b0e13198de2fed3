package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Synthesis stream metrics
	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fishaudio_active_streams",
		Help: "Number of synthesis streams with a live provider connection",
	})

	streamsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fishaudio_streams_total",
		Help: "Total number of synthesis streams completed",
	}, []string{"status"}) // status: "ok" or "error"

	firstFrameLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fishaudio_first_frame_latency_seconds",
		Help:    "Latency from first flush to first audio frame",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	streamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fishaudio_stream_duration_seconds",
		Help:    "Lifetime of a synthesis stream from open to close",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	framesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fishaudio_frames_total",
		Help: "Total audio frames emitted to callers",
	})

	audioBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fishaudio_audio_bytes_total",
		Help: "Total audio payload bytes emitted to callers",
	})

	providerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fishaudio_provider_errors_total",
		Help: "Provider failures by error code",
	}, []string{"code"})

	// Gateway session metrics
	gatewaySessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fishaudio_gateway_sessions",
		Help: "Number of connected gateway clients",
	})

	gatewaySessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fishaudio_gateway_sessions_total",
		Help: "Total gateway client sessions handled",
	})
)

// StreamMetrics tracks metrics for one synthesis stream.
type StreamMetrics struct {
	mu         sync.Mutex
	openedAt   time.Time
	flushedAt  time.Time
	firstFrame bool
}

// NewStreamMetrics starts tracking a stream; the gauge is bumped when the
// stream actually connects (RecordConnect).
func NewStreamMetrics() *StreamMetrics {
	return &StreamMetrics{openedAt: time.Now()}
}

// RecordConnect marks the provider connection as live.
func (m *StreamMetrics) RecordConnect() {
	activeStreams.Inc()
	m.mu.Lock()
	m.flushedAt = time.Now()
	m.mu.Unlock()
}

// RecordFrame records one delivered frame; the first frame also observes
// the first-frame latency.
func (m *StreamMetrics) RecordFrame(bytes int) {
	framesTotal.Inc()
	audioBytesTotal.Add(float64(bytes))

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.firstFrame && !m.flushedAt.IsZero() {
		m.firstFrame = true
		firstFrameLatency.Observe(time.Since(m.flushedAt).Seconds())
	}
}

// RecordClose finalizes the stream's metrics. connected reports whether a
// provider connection was ever made; failed whether the stream ended in a
// provider error.
func (m *StreamMetrics) RecordClose(connected, failed bool) {
	if connected {
		activeStreams.Dec()
	}
	status := "ok"
	if failed {
		status = "error"
	}
	streamsTotal.WithLabelValues(status).Inc()
	streamDuration.Observe(time.Since(m.openedAt).Seconds())
}

// RecordProviderError counts a provider failure by code.
func RecordProviderError(code string) {
	providerErrors.WithLabelValues(code).Inc()
}

// RecordSessionStart counts a new gateway client session.
func RecordSessionStart() {
	gatewaySessions.Inc()
	gatewaySessionsTotal.Inc()
}

// RecordSessionEnd marks a gateway client session as finished.
func RecordSessionEnd() {
	gatewaySessions.Dec()
}
