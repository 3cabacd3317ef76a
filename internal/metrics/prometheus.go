package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the meeting coordinator.
type Metrics struct {
	// Session lifecycle metrics
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsEnded   prometheus.Counter
	SessionsFailed  prometheus.Counter
	SessionDuration prometheus.Histogram

	// Audio ingest metrics
	AudioChunksAccepted prometheus.Counter
	AudioChunksRejected prometheus.Counter

	// Transcript metrics
	TranscriptLines  *prometheus.CounterVec
	WordsTranscribed prometheus.Counter

	// Transcription link metrics
	LinkConnects  prometheus.Counter
	LinkFailures  prometheus.Counter
	LinkHandshake prometheus.Histogram

	// Summary metrics
	SummaryTriggers  prometheus.Counter
	SummarySkips     prometheus.Counter
	SummarySuccesses prometheus.Counter
	SummaryFailures  prometheus.Counter
	SummaryDuration  prometheus.Histogram

	// Broadcast metrics
	EventsPublished prometheus.Counter
	EventsDropped   prometheus.Counter
	Subscribers     prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Tests pass
// a fresh prometheus.NewRegistry to keep registrations isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Session lifecycle metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "astro_active_sessions",
			Help: "Current number of live meeting sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "astro_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsEnded: factory.NewCounter(prometheus.CounterOpts{
			Name: "astro_sessions_ended_total",
			Help: "Total number of sessions ended normally",
		}),
		SessionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "astro_sessions_failed_total",
			Help: "Total number of sessions moved to the error status",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "astro_session_duration_seconds",
			Help:    "Duration of ended meeting sessions",
			Buckets: prometheus.ExponentialBuckets(60, 2, 8), // 1 minute to ~2 hours
		}),

		// Audio ingest metrics
		AudioChunksAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "astro_audio_chunks_accepted_total",
			Help: "Total number of audio chunks accepted into ingest queues",
		}),
		AudioChunksRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "astro_audio_chunks_rejected_total",
			Help: "Total number of audio chunks rejected by full or closed queues",
		}),

		// Transcript metrics
		TranscriptLines: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "astro_transcript_lines_total",
			Help: "Total number of transcript lines appended",
		}, []string{"kind"}),
		WordsTranscribed: factory.NewCounter(prometheus.CounterOpts{
			Name: "astro_words_transcribed_total",
			Help: "Total number of words across final transcript lines",
		}),

		// Transcription link metrics
		LinkConnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "astro_link_connects_total",
			Help: "Total number of successful provider handshakes",
		}),
		LinkFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "astro_link_failures_total",
			Help: "Total number of provider handshake or transport failures",
		}),
		LinkHandshake: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "astro_link_handshake_duration_seconds",
			Help:    "Duration of provider handshakes",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		}),

		// Summary metrics
		SummaryTriggers: factory.NewCounter(prometheus.CounterOpts{
			Name: "astro_summary_triggers_total",
			Help: "Total number of summary regenerations triggered",
		}),
		SummarySkips: factory.NewCounter(prometheus.CounterOpts{
			Name: "astro_summary_skips_total",
			Help: "Total number of triggers skipped because one was in flight",
		}),
		SummarySuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "astro_summary_successes_total",
			Help: "Total number of summaries applied",
		}),
		SummaryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "astro_summary_failures_total",
			Help: "Total number of summarization calls that exhausted retries",
		}),
		SummaryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "astro_summary_duration_seconds",
			Help:    "Duration of summarization calls",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 9), // 0.5s to ~4 minutes
		}),

		// Broadcast metrics
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "astro_events_published_total",
			Help: "Total number of events published to session subscribers",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "astro_events_dropped_total",
			Help: "Total number of events dropped on full subscriber buffers",
		}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "astro_subscribers",
			Help: "Current number of event subscribers across sessions",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "astro_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "astro_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "astro_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionCreated increments the created counter and active gauge.
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionEnded records a normal end with its final duration.
func (m *Metrics) RecordSessionEnded(durationSeconds float64) {
	m.SessionsEnded.Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionFailed records a session moving to the error status.
func (m *Metrics) RecordSessionFailed() {
	m.SessionsFailed.Inc()
	m.ActiveSessions.Dec()
}

// RecordAudioChunk records one push attempt against an ingest queue.
func (m *Metrics) RecordAudioChunk(accepted bool) {
	if accepted {
		m.AudioChunksAccepted.Inc()
	} else {
		m.AudioChunksRejected.Inc()
	}
}

// RecordTranscriptLine records an appended line and its word count.
func (m *Metrics) RecordTranscriptLine(isFinal bool, words int) {
	kind := "interim"
	if isFinal {
		kind = "final"
		m.WordsTranscribed.Add(float64(words))
	}
	m.TranscriptLines.WithLabelValues(kind).Inc()
}

// RecordLinkConnect records a successful handshake.
func (m *Metrics) RecordLinkConnect(handshakeSeconds float64) {
	m.LinkConnects.Inc()
	m.LinkHandshake.Observe(handshakeSeconds)
}

// RecordLinkFailure increments the link failures counter.
func (m *Metrics) RecordLinkFailure() {
	m.LinkFailures.Inc()
}

// RecordSummaryTrigger increments the summary triggers counter.
func (m *Metrics) RecordSummaryTrigger() {
	m.SummaryTriggers.Inc()
}

// RecordSummarySkip increments the skipped triggers counter.
func (m *Metrics) RecordSummarySkip() {
	m.SummarySkips.Inc()
}

// RecordSummarySuccess records an applied summary.
func (m *Metrics) RecordSummarySuccess(durationSeconds float64) {
	m.SummarySuccesses.Inc()
	m.SummaryDuration.Observe(durationSeconds)
}

// RecordSummaryFailure records a summarization that exhausted retries.
func (m *Metrics) RecordSummaryFailure(durationSeconds float64) {
	m.SummaryFailures.Inc()
	m.SummaryDuration.Observe(durationSeconds)
}

// RecordEventPublished increments the events published counter.
func (m *Metrics) RecordEventPublished() {
	m.EventsPublished.Inc()
}

// RecordEventDropped increments the events dropped counter.
func (m *Metrics) RecordEventDropped() {
	m.EventsDropped.Inc()
}

// SetSubscribers sets the current subscriber gauge.
func (m *Metrics) SetSubscribers(count int) {
	m.Subscribers.Set(float64(count))
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error.
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
