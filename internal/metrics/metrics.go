// Package metrics exports pipeline and ingress metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter owns the process metric registry.
type Exporter struct {
	registry *prometheus.Registry

	// Ingress metrics
	webhookEvents *prometheus.CounterVec
	dedupHits     prometheus.Counter

	// Merger metrics
	mergerFlushes *prometheus.CounterVec
	mergerBatch   prometheus.Histogram

	// Queue metrics
	queueDepth   *prometheus.GaugeVec
	queueRetries *prometheus.CounterVec

	// Stage metrics
	stageDuration *prometheus.HistogramVec
	stageResults  *prometheus.CounterVec

	// LLM metrics
	llmTokens  *prometheus.CounterVec
	llmLatency prometheus.Histogram

	// Outbound metrics
	wahaSendAttempts *prometheus.CounterVec
	segmentsPerReply prometheus.Histogram
	typingSeconds    prometheus.Histogram
}

// Config configures the exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns default exporter configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}
}

// New creates the exporter and registers all instruments.
func New(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.webhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waflow",
			Subsystem: "ingress",
			Name:      "webhook_events_total",
			Help:      "Webhook events received, by event class and outcome",
		},
		[]string{"event", "status"},
	)

	e.dedupHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "waflow",
			Subsystem: "ingress",
			Name:      "dedup_hits_total",
			Help:      "Webhook deliveries dropped as duplicates",
		},
	)

	e.mergerFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waflow",
			Subsystem: "merger",
			Name:      "flushes_total",
			Help:      "Merge buffer flushes, by reason",
		},
		[]string{"reason"},
	)

	e.mergerBatch = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "waflow",
			Subsystem: "merger",
			Name:      "batch_size",
			Help:      "Messages coalesced per flush",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		},
	)

	e.queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "waflow",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Pending messages per stage queue",
		},
		[]string{"stage"},
	)

	e.queueRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waflow",
			Subsystem: "queue",
			Name:      "retries_total",
			Help:      "Queue redeliveries scheduled after transient failures",
		},
		[]string{"stage"},
	)

	e.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "waflow",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Stage handler duration in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"stage"},
	)

	e.stageResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waflow",
			Subsystem: "pipeline",
			Name:      "stage_results_total",
			Help:      "Stage handler results, by result code",
		},
		[]string{"stage", "code"},
	)

	e.llmTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waflow",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "LLM tokens consumed",
		},
		[]string{"model", "kind"},
	)

	e.llmLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "waflow",
			Subsystem: "llm",
			Name:      "latency_seconds",
			Help:      "LLM request latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
	)

	e.wahaSendAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waflow",
			Subsystem: "waha",
			Name:      "send_attempts_total",
			Help:      "sendText attempts, by outcome",
		},
		[]string{"outcome"},
	)

	e.segmentsPerReply = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "waflow",
			Subsystem: "humanizer",
			Name:      "segments_per_reply",
			Help:      "Segments produced per assistant reply",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12},
		},
	)

	e.typingSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "waflow",
			Subsystem: "humanizer",
			Name:      "typing_seconds",
			Help:      "Simulated typing time per reply in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40},
		},
	)

	registry.MustRegister(
		e.webhookEvents,
		e.dedupHits,
		e.mergerFlushes,
		e.mergerBatch,
		e.queueDepth,
		e.queueRetries,
		e.stageDuration,
		e.stageResults,
		e.llmTokens,
		e.llmLatency,
		e.wahaSendAttempts,
		e.segmentsPerReply,
		e.typingSeconds,
	)

	return e
}

// RecordWebhookEvent records one webhook delivery.
func (e *Exporter) RecordWebhookEvent(event, status string) {
	e.webhookEvents.WithLabelValues(event, status).Inc()
}

// RecordDedupHit records a duplicate webhook delivery.
func (e *Exporter) RecordDedupHit() {
	e.dedupHits.Inc()
}

// RecordMergerFlush records one merge-buffer flush.
func (e *Exporter) RecordMergerFlush(reason string, batchSize int) {
	e.mergerFlushes.WithLabelValues(reason).Inc()
	e.mergerBatch.Observe(float64(batchSize))
}

// SetQueueDepth sets the pending count for a stage queue.
func (e *Exporter) SetQueueDepth(stage string, depth int) {
	e.queueDepth.WithLabelValues(stage).Set(float64(depth))
}

// RecordQueueRetry records a scheduled redelivery.
func (e *Exporter) RecordQueueRetry(stage string) {
	e.queueRetries.WithLabelValues(stage).Inc()
}

// RecordStageResult records a stage handler outcome with its duration.
func (e *Exporter) RecordStageResult(stage, code string, duration time.Duration) {
	e.stageResults.WithLabelValues(stage, code).Inc()
	e.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordLLMUsage records token usage and latency for one provider call.
func (e *Exporter) RecordLLMUsage(model string, promptTokens, completionTokens int, latency time.Duration) {
	e.llmTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	e.llmTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	e.llmLatency.Observe(latency.Seconds())
}

// RecordSendAttempt records one WAHA sendText attempt.
func (e *Exporter) RecordSendAttempt(outcome string) {
	e.wahaSendAttempts.WithLabelValues(outcome).Inc()
}

// RecordReplyShape records humanizer output shape for one reply.
func (e *Exporter) RecordReplyShape(segments int, typingTime time.Duration) {
	e.segmentsPerReply.Observe(float64(segments))
	e.typingSeconds.Observe(typingTime.Seconds())
}

// Handler returns the HTTP handler for the metrics endpoint.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}
