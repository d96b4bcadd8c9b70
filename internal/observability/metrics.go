// Package observability exposes process-wide Prometheus metrics for the
// conversation engine. Registration is lazy so tests and library consumers
// never pay for metrics they do not scrape.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type engineMetrics struct {
	turnsTotal    *prometheus.CounterVec
	turnDuration  *prometheus.HistogramVec
	roundsPerTurn prometheus.Histogram

	streamChunksTotal *prometheus.CounterVec
	streamDuration    *prometheus.HistogramVec
	requestRetries    *prometheus.CounterVec

	promptTokensTotal     prometheus.Counter
	completionTokensTotal prometheus.Counter
	compactionsTotal      prometheus.Counter

	queueDepth     prometheus.Gauge
	queueDiscarded prometheus.Counter

	toolCallsTotal   *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec

	sessionSaveDuration prometheus.Histogram
	sessionLoadDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *engineMetrics
	registry    *prometheus.Registry
)

func getMetrics() *engineMetrics {
	metricsOnce.Do(func() {
		registry = prometheus.NewRegistry()

		metricsInst = &engineMetrics{
			turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "coda_turns_total",
				Help: "Completed conversational turns by provider and outcome",
			}, []string{"provider", "status"}),
			turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "coda_turn_duration_seconds",
				Help:    "Wall time of one conversational turn",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
			}, []string{"provider"}),
			roundsPerTurn: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "coda_tool_rounds_per_turn",
				Help:    "Tool-calling rounds used by one turn",
				Buckets: prometheus.LinearBuckets(0, 5, 9),
			}),
			streamChunksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "coda_stream_chunks_total",
				Help: "Stream chunks received by provider",
			}, []string{"provider"}),
			streamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "coda_stream_duration_seconds",
				Help:    "Duration of one streamed provider response",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			}, []string{"provider"}),
			requestRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "coda_request_retries_total",
				Help: "Blocking request retries by provider",
			}, []string{"provider"}),
			promptTokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "coda_prompt_tokens_total",
				Help: "Provider-confirmed prompt tokens",
			}),
			completionTokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "coda_completion_tokens_total",
				Help: "Provider-confirmed completion tokens",
			}),
			compactionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "coda_compactions_total",
				Help: "History compactions performed",
			}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "coda_queue_depth",
				Help: "User messages waiting behind the in-flight turn",
			}),
			queueDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "coda_queue_discarded_total",
				Help: "Queued messages discarded by stop",
			}),
			toolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "coda_tool_calls_total",
				Help: "Tool calls dispatched by tool and outcome",
			}, []string{"tool", "status"}),
			toolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "coda_tool_call_duration_seconds",
				Help:    "Tool call execution time",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			}, []string{"tool"}),
			sessionSaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "coda_session_save_duration_seconds",
				Help:    "Session persistence write time",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			}),
			sessionLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "coda_session_load_duration_seconds",
				Help:    "Session persistence read time",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			}),
		}

		registry.MustRegister(
			metricsInst.turnsTotal,
			metricsInst.turnDuration,
			metricsInst.roundsPerTurn,
			metricsInst.streamChunksTotal,
			metricsInst.streamDuration,
			metricsInst.requestRetries,
			metricsInst.promptTokensTotal,
			metricsInst.completionTokensTotal,
			metricsInst.compactionsTotal,
			metricsInst.queueDepth,
			metricsInst.queueDiscarded,
			metricsInst.toolCallsTotal,
			metricsInst.toolCallDuration,
			metricsInst.sessionSaveDuration,
			metricsInst.sessionLoadDuration,
		)
	})
	return metricsInst
}

// EnsureRegistered forces metric registration. Call once at startup paths
// that want the full metric set present before the first scrape.
func EnsureRegistered() {
	getMetrics()
}

// Handler returns an HTTP handler serving the engine metrics.
func Handler() http.Handler {
	getMetrics()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// RecordTurn records one completed turn.
func RecordTurn(provider string, d time.Duration, rounds int, success bool) {
	m := getMetrics()
	status := "ok"
	if !success {
		status = "error"
	}
	m.turnsTotal.WithLabelValues(provider, status).Inc()
	m.turnDuration.WithLabelValues(provider).Observe(d.Seconds())
	m.roundsPerTurn.Observe(float64(rounds))
}

// RecordStreamChunk counts one received stream chunk.
func RecordStreamChunk(provider string) {
	getMetrics().streamChunksTotal.WithLabelValues(provider).Inc()
}

// RecordStream records the duration of one streamed response.
func RecordStream(provider string, d time.Duration) {
	getMetrics().streamDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordRetry counts one blocking-path retry.
func RecordRetry(provider string) {
	getMetrics().requestRetries.WithLabelValues(provider).Inc()
}

// RecordUsage accumulates provider-confirmed token usage.
func RecordUsage(promptTokens, completionTokens int) {
	m := getMetrics()
	m.promptTokensTotal.Add(float64(promptTokens))
	m.completionTokensTotal.Add(float64(completionTokens))
}

// RecordCompaction counts one history compaction.
func RecordCompaction() {
	getMetrics().compactionsTotal.Inc()
}

// SetQueueDepth publishes the number of waiting queued messages.
func SetQueueDepth(n int) {
	getMetrics().queueDepth.Set(float64(n))
}

// RecordQueueDiscarded counts messages discarded by a stop.
func RecordQueueDiscarded(n int) {
	getMetrics().queueDiscarded.Add(float64(n))
}

// RecordToolCall records one dispatched tool call.
func RecordToolCall(tool string, d time.Duration, success bool) {
	m := getMetrics()
	status := "ok"
	if !success {
		status = "error"
	}
	m.toolCallsTotal.WithLabelValues(tool, status).Inc()
	m.toolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordSessionSave records one persistence write.
func RecordSessionSave(d time.Duration) {
	getMetrics().sessionSaveDuration.Observe(d.Seconds())
}

// RecordSessionLoad records one persistence read.
func RecordSessionLoad(d time.Duration) {
	getMetrics().sessionLoadDuration.Observe(d.Seconds())
}
