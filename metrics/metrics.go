// Package metrics holds the Prometheus collectors of the bot. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Utterance outcomes.
const (
	OutcomeDelivered  = "delivered"
	OutcomeTooShort   = "too_short"
	OutcomeTooLong    = "too_long"
	OutcomeConversion = "conversion_failed"
	OutcomeFailed     = "transcription_failed"
	OutcomeEmpty      = "empty"
	OutcomeSuppressed = "suppressed"
	OutcomeSendFailed = "send_failed"
)

type Metrics struct {
	Utterances        *prometheus.CounterVec
	UtteranceDuration prometheus.Histogram

	TranscriptionRequests prometheus.Counter
	TranscriptionFailures prometheus.Counter
	TranscriptionLatency  prometheus.Histogram
	RateLimitWait         prometheus.Histogram

	ActiveSessions prometheus.Gauge
	DroppedPackets prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Utterances: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_utterances_total",
			Help: "Finalized utterances by outcome",
		}, []string{"outcome"}),
		UtteranceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_utterance_duration_seconds",
			Help:    "Duration of finalized utterances",
			Buckets: prometheus.LinearBuckets(0.5, 1.5, 14), // 0.5s to 20s
		}),
		TranscriptionRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_transcription_requests_total",
			Help: "Calls made to the transcription backend",
		}),
		TranscriptionFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_transcription_failures_total",
			Help: "Failed calls to the transcription backend",
		}),
		TranscriptionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_transcription_latency_seconds",
			Help:    "Time spent in the transcription backend",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 100ms to ~13s
		}),
		RateLimitWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_rate_limit_wait_seconds",
			Help:    "Time spent waiting for the transcription admission gate",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_active_sessions",
			Help: "Voice sessions currently connected",
		}),
		DroppedPackets: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_dropped_packets_total",
			Help: "Inbound voice packets dropped because the queue was full",
		}),
	}
}

func (m *Metrics) Utterance(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Utterances.WithLabelValues(outcome).Inc()
	m.UtteranceDuration.Observe(d.Seconds())
}

func (m *Metrics) Transcription(latency time.Duration, err error) {
	if m == nil {
		return
	}
	m.TranscriptionRequests.Inc()
	m.TranscriptionLatency.Observe(latency.Seconds())
	if err != nil {
		m.TranscriptionFailures.Inc()
	}
}

func (m *Metrics) Waited(d time.Duration) {
	if m == nil {
		return
	}
	m.RateLimitWait.Observe(d.Seconds())
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) PacketDropped() {
	if m == nil {
		return
	}
	m.DroppedPackets.Inc()
}
