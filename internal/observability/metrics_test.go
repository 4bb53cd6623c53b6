package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Don't call NewMetrics() here as it registers with default registry
	// Just verify the structure would be created
	t.Log("Metrics structure verified through integration tests")
}

func TestPipelineRequestCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_pipeline_requests_total",
			Help: "Test pipeline request counter",
		},
		[]string{"topic"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("reminders.create").Inc()
	counter.WithLabelValues("reminders.create").Inc()
	counter.WithLabelValues("llmnormalize.run").Inc()

	if count := testutil.CollectAndCount(counter); count != 2 {
		t.Errorf("Expected 2 label combinations, got %d", count)
	}

	expected := `
		# HELP test_pipeline_requests_total Test pipeline request counter
		# TYPE test_pipeline_requests_total counter
		test_pipeline_requests_total{topic="llmnormalize.run"} 1
		test_pipeline_requests_total{topic="reminders.create"} 2
	`
	if err := testutil.CollectAndCompare(counter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestPipelineRejectedCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_pipeline_rejected_total",
			Help: "Test pipeline rejection counter",
		},
		[]string{"stage", "code"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("authorize", "PERMISSION_DENIED").Inc()
	counter.WithLabelValues("authorize", "PERMISSION_DENIED").Inc()
	counter.WithLabelValues("payload", "SCHEMA_VALIDATION_FAILED").Inc()

	expected := `
		# HELP test_pipeline_rejected_total Test pipeline rejection counter
		# TYPE test_pipeline_rejected_total counter
		test_pipeline_rejected_total{code="PERMISSION_DENIED",stage="authorize"} 2
		test_pipeline_rejected_total{code="SCHEMA_VALIDATION_FAILED",stage="payload"} 1
	`
	if err := testutil.CollectAndCompare(counter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestRateLimitDecisions(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_rate_limit_decisions_total",
			Help: "Test rate limit decision counter",
		},
		[]string{"group", "outcome"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("default", "allow").Inc()
	counter.WithLabelValues("default", "deny").Inc()

	count := testutil.CollectAndCount(counter)
	if count < 1 {
		t.Error("Expected at least 1 rate limit decision recorded")
	}
}

func TestHandlerExecutionCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_handler_executions_total",
			Help: "Test handler execution counter",
		},
		[]string{"topic", "status"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("reminders.create", "success").Inc()
	counter.WithLabelValues("reminders.create", "success").Inc()
	counter.WithLabelValues("reminders.create", "timeout").Inc()

	count := testutil.CollectAndCount(counter)
	if count < 1 {
		t.Error("Expected at least 1 handler execution recorded")
	}
}

func TestContainerSpawnCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_container_spawn_total",
			Help: "Test container spawn counter",
		},
		[]string{"runtime", "outcome"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("docker", "success").Inc()
	counter.WithLabelValues("docker", "success").Inc()
	counter.WithLabelValues("firecracker", "error").Inc()

	count := testutil.CollectAndCount(counter)
	if count < 1 {
		t.Error("Expected at least 1 container spawn recorded")
	}
}

func TestSessionLifecycle(t *testing.T) {
	// Test gauge and histogram behavior with isolated registry
	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "test_active_sessions",
			Help: "Test active sessions",
		},
		[]string{"group"},
	)
	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_session_duration_seconds",
			Help:    "Test session duration",
			Buckets: []float64{60, 300, 600},
		},
		[]string{"group"},
	)
	registry.MustRegister(gauge, histogram)

	// Start sessions
	gauge.WithLabelValues("default").Inc()
	gauge.WithLabelValues("default").Inc()
	gauge.WithLabelValues("support").Inc()

	// End sessions
	gauge.WithLabelValues("default").Dec()
	histogram.WithLabelValues("default").Observe(300.0)
	histogram.WithLabelValues("support").Observe(600.0)

	// Verify metrics were tracked
	if testutil.CollectAndCount(gauge) < 1 {
		t.Error("Expected active sessions gauge to be tracked")
	}
	if testutil.CollectAndCount(histogram) < 1 {
		t.Error("Expected session duration histogram to have observations")
	}
}

func TestHistogramBuckets(t *testing.T) {
	// Test histogram with various durations
	registry := prometheus.NewRegistry()
	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_duration_seconds",
			Help:    "Test duration histogram",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0},
		},
		[]string{"operation"},
	)
	registry.MustRegister(histogram)

	durations := []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0}
	for _, duration := range durations {
		histogram.WithLabelValues("test").Observe(duration)
	}

	// Verify histogram recorded all observations
	if testutil.CollectAndCount(histogram) < 1 {
		t.Error("Expected histogram to have observations across buckets")
	}
}

func TestConcurrentMetrics(t *testing.T) {
	// Test concurrent metric recording
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_concurrent_total",
			Help: "Test concurrent counter",
		},
		[]string{"label"},
	)
	registry.MustRegister(counter)

	done := make(chan bool)
	iterations := 100

	go func() {
		for i := 0; i < iterations; i++ {
			counter.WithLabelValues("a").Inc()
			time.Sleep(time.Microsecond)
		}
		done <- true
	}()

	go func() {
		for i := 0; i < iterations; i++ {
			counter.WithLabelValues("b").Inc()
			time.Sleep(time.Microsecond)
		}
		done <- true
	}()

	<-done
	<-done

	// Should not panic
	if testutil.CollectAndCount(counter) < 1 {
		t.Error("Expected concurrent metric recording to work")
	}
}
