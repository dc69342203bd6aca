package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// testMetrics builds a Metrics instance on a private registry so tests never
// collide with promauto's global registration.
func testMetrics() *Metrics {
	return &Metrics{
		TurnTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_loom_turn_total",
			Help: "Test counter",
		}, []string{"provider", "model", "status"}),
		StreamDurationMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "test_loom_stream_duration_ms",
			Help:    "Test histogram",
			Buckets: []float64{100, 500, 1000},
		}, []string{"provider", "model"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_loom_tokens_total",
			Help: "Test counter",
		}, []string{"provider", "model", "direction"}),
		CostUSDTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_loom_cost_usd_total",
			Help: "Test counter",
		}, []string{"provider", "model"}),
		WatchdogTimeoutTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_loom_watchdog_timeout_total",
			Help: "Test counter",
		}, []string{"provider", "model"}),
		BackgroundFailureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_loom_background_failure_total",
			Help: "Test counter",
		}, []string{"task"}),
		RateLimitHitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_loom_rate_limit_hit_total",
			Help: "Test counter",
		}, []string{"dimension"}),
	}
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("failed to get metric: %v", err)
	}
	var metric dto.Metric
	counter.Write(&metric)
	return *metric.Counter.Value
}

func TestRecordTurn(t *testing.T) {
	m := testMetrics()

	m.RecordTurn(TurnLabels{
		Provider:   "groq",
		Model:      "llama-3.1-8b-instant",
		Status:     "success",
		DurationMs: 150,
		TokensIn:   100,
		TokensOut:  50,
		CostUSD:    0.005,
	})

	if got := counterValue(t, m.TurnTotal, "groq", "llama-3.1-8b-instant", "success"); got != 1 {
		t.Errorf("expected turn count 1, got %v", got)
	}
	if got := counterValue(t, m.TokensTotal, "groq", "llama-3.1-8b-instant", "prompt"); got != 100 {
		t.Errorf("expected 100 prompt tokens, got %v", got)
	}
	if got := counterValue(t, m.TokensTotal, "groq", "llama-3.1-8b-instant", "completion"); got != 50 {
		t.Errorf("expected 50 completion tokens, got %v", got)
	}
	if got := counterValue(t, m.CostUSDTotal, "groq", "llama-3.1-8b-instant"); got != 0.005 {
		t.Errorf("expected cost 0.005, got %v", got)
	}
}

func TestRecordTurn_ErrorSkipsZeroTokens(t *testing.T) {
	m := testMetrics()

	m.RecordTurn(TurnLabels{
		Provider:   "groq",
		Model:      "llama-3.1-8b-instant",
		Status:     "error",
		DurationMs: 30,
	})

	if got := counterValue(t, m.TurnTotal, "groq", "llama-3.1-8b-instant", "error"); got != 1 {
		t.Errorf("expected error turn count 1, got %v", got)
	}
	if got := counterValue(t, m.TokensTotal, "groq", "llama-3.1-8b-instant", "prompt"); got != 0 {
		t.Errorf("zero-token turn must not add to the token counter, got %v", got)
	}
}

func TestRecordWatchdogTimeout(t *testing.T) {
	m := testMetrics()
	m.RecordWatchdogTimeout("groq", "llama-3.1-8b-instant")

	if got := counterValue(t, m.WatchdogTimeoutTotal, "groq", "llama-3.1-8b-instant"); got != 1 {
		t.Errorf("expected watchdog count 1, got %v", got)
	}
}

func TestRecordBackgroundFailure(t *testing.T) {
	m := testMetrics()
	m.RecordBackgroundFailure("embedding")

	if got := counterValue(t, m.BackgroundFailureTotal, "embedding"); got != 1 {
		t.Errorf("expected background failure count 1, got %v", got)
	}
}

func TestRecordRateLimitHit(t *testing.T) {
	m := testMetrics()
	m.RecordRateLimitHit("rpm")
	m.RecordRateLimitHit("budget")

	if got := counterValue(t, m.RateLimitHitTotal, "rpm"); got != 1 {
		t.Errorf("expected rpm hit count 1, got %v", got)
	}
	if got := counterValue(t, m.RateLimitHitTotal, "budget"); got != 1 {
		t.Errorf("expected budget hit count 1, got %v", got)
	}
}
