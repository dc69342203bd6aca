package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the loom service.
type Metrics struct {
	TurnTotal              *prometheus.CounterVec
	StreamDurationMs       *prometheus.HistogramVec
	TokensTotal            *prometheus.CounterVec
	CostUSDTotal           *prometheus.CounterVec
	WatchdogTimeoutTotal   *prometheus.CounterVec
	BackgroundFailureTotal *prometheus.CounterVec
	RateLimitHitTotal      *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		TurnTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_turn_total",
			Help: "Total number of conversation turns processed.",
		}, []string{"provider", "model", "status"}),

		StreamDurationMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_stream_duration_ms",
			Help:    "End-to-end turn duration in milliseconds (including provider latency).",
			Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
		}, []string{"provider", "model"}),

		TokensTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_tokens_total",
			Help: "Total tokens processed.",
		}, []string{"provider", "model", "direction"}),

		CostUSDTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_cost_usd_total",
			Help: "Estimated total cost in USD.",
		}, []string{"provider", "model"}),

		WatchdogTimeoutTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_watchdog_timeout_total",
			Help: "Streams torn down by the idle watchdog.",
		}, []string{"provider", "model"}),

		BackgroundFailureTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_background_failure_total",
			Help: "Failed fire-and-forget background tasks.",
		}, []string{"task"}),

		RateLimitHitTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_rate_limit_hit_total",
			Help: "Requests rejected by rate limiting or spend caps.",
		}, []string{"dimension"}),
	}
}

// RecordTurn records metrics for a completed turn, successful or not.
func (m *Metrics) RecordTurn(labels TurnLabels) {
	m.TurnTotal.WithLabelValues(labels.Provider, labels.Model, labels.Status).Inc()
	m.StreamDurationMs.WithLabelValues(labels.Provider, labels.Model).Observe(labels.DurationMs)

	if labels.TokensIn > 0 {
		m.TokensTotal.WithLabelValues(labels.Provider, labels.Model, "prompt").Add(float64(labels.TokensIn))
	}
	if labels.TokensOut > 0 {
		m.TokensTotal.WithLabelValues(labels.Provider, labels.Model, "completion").Add(float64(labels.TokensOut))
	}
	if labels.CostUSD > 0 {
		m.CostUSDTotal.WithLabelValues(labels.Provider, labels.Model).Add(labels.CostUSD)
	}
}

// RecordWatchdogTimeout records a stream killed for idleness.
func (m *Metrics) RecordWatchdogTimeout(provider, model string) {
	m.WatchdogTimeoutTotal.WithLabelValues(provider, model).Inc()
}

// RecordBackgroundFailure records a failed background task.
func (m *Metrics) RecordBackgroundFailure(task string) {
	m.BackgroundFailureTotal.WithLabelValues(task).Inc()
}

// RecordRateLimitHit records a request rejected by a limit dimension.
func (m *Metrics) RecordRateLimitHit(dimension string) {
	m.RateLimitHitTotal.WithLabelValues(dimension).Inc()
}

// TurnLabels holds the label values for recording a turn.
type TurnLabels struct {
	Provider   string
	Model      string
	Status     string
	DurationMs float64
	TokensIn   int
	TokensOut  int
	CostUSD    float64
}
