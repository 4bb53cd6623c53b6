// Package observability provides monitoring and debugging capabilities for
// the supervisor through metrics, structured logging, and distributed
// tracing.
//
// # Overview
//
// The observability package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed request tracing with OpenTelemetry
//
// # Architecture
//
// The package is designed to be:
//   - Low-overhead: Minimal performance impact on production systems
//   - Type-safe: Strongly-typed APIs reduce configuration errors
//   - Production-ready: Built-in security (redaction) and reliability features
//   - Standards-based: Uses Prometheus, OpenTelemetry, and slog
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track:
//   - Validation pipeline throughput and rejections, by stage
//   - Rate limiter allow/deny decisions
//   - Handler execution latency and outcomes
//   - Active sessions and session lifetime, by group
//   - Container spawn, crash, and termination counts, by runtime
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	// Track a request entering the pipeline
//	metrics.PipelineAccepted("reminders.create")
//
//	// Track a handler execution
//	start := time.Now()
//	// ... execute handler ...
//	metrics.RecordHandlerExecution("reminders.create", "success", time.Since(start).Seconds())
//
//	// Track a container spawn
//	start = time.Now()
//	// ... spawn container ...
//	metrics.RecordContainerSpawn("docker", "success", time.Since(start).Seconds())
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic request ID correlation from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	// Add context IDs for correlation
//	ctx := observability.AddRequestID(ctx, requestID)
//	ctx = observability.AddSessionID(ctx, sessionID)
//
//	// Structured logging with automatic context correlation
//	logger.Info(ctx, "dispatching request",
//	    "topic", "reminders.create",
//	    "container_id", containerID,
//	)
//
//	// Error logging with automatic redaction
//	logger.Error(ctx, "handler execution failed",
//	    "error", err,
//	    "topic", "reminders.create",
//	    "api_key", apiKey, // Automatically redacted
//	)
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry to track requests across components:
//   - End-to-end request visualization from router to handler
//   - Performance bottleneck identification
//   - Error correlation across the pipeline and container lifecycle
//
// Example usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "carapace-supervisord",
//	    ServiceVersion: "1.0.0",
//	    Environment:    "production",
//	    Endpoint:       "localhost:4317", // OTLP collector
//	    SamplingRate:   0.1,              // Sample 10% of traces
//	})
//	defer shutdown(context.Background())
//
//	// Trace a request flowing through the pipeline to a handler
//	ctx, span := tracer.TraceRequestDispatch(ctx, "reminders.create", sessionID)
//	defer span.End()
//
//	// Trace the handler invocation itself
//	ctx, handlerSpan := tracer.TraceHandlerExecution(ctx, "reminders.create")
//	defer handlerSpan.End()
//	if err != nil {
//	    tracer.RecordError(handlerSpan, err)
//	}
//
// The GetTraceID and GetSpanID helpers are consumed directly by
// internal/audit to stamp every audit event with the trace/span that
// produced it.
//
// # Context Propagation
//
// Components integrate with Go's context for automatic correlation:
//
//	// Add IDs to context
//	ctx = observability.AddRequestID(ctx, "req-123")
//	ctx = observability.AddSessionID(ctx, "sess-456")
//
//	// IDs automatically appear in logs
//	logger.Info(ctx, "dispatching") // Includes request_id, session_id
//
//	// Spans inherit context
//	ctx, span := tracer.Start(ctx, "operation")
//	// Trace context propagates to child spans
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - API keys (Anthropic, generic)
//   - Passwords and secrets
//   - JWT tokens
//   - Bearer tokens
//   - Custom patterns via configuration
//
// Sensitive fields in maps are also redacted:
//   - password, passwd, pwd
//   - secret, api_key, apikey
//   - token, auth, authorization
//   - private_key, privatekey
//
// # Performance
//
// The observability system is designed for minimal overhead:
//   - Metrics use lock-free counters where possible
//   - Logging with slog is highly efficient
//   - Tracing supports sampling to reduce overhead
//
// # Testing
//
// All components provide testable interfaces:
//   - Metrics can be verified using prometheus/testutil
//   - Logging can write to bytes.Buffer for assertions
//   - Tracing works with no-op exporters in tests
//
// # Monitoring Dashboard
//
// The metrics exposed can be used to build dashboards:
//
//	# Pipeline rejection rate by stage
//	rate(carapace_pipeline_rejected_total[5m])
//
//	# Handler execution latency (95th percentile)
//	histogram_quantile(0.95, rate(carapace_handler_execution_duration_seconds_bucket[5m]))
//
//	# Active sessions
//	carapace_active_sessions
//
//	# Container crash rate
//	rate(carapace_container_crash_total[5m])
//
// # Further Reading
//
//   - Prometheus best practices: https://prometheus.io/docs/practices/naming/
//   - OpenTelemetry specification: https://opentelemetry.io/docs/specs/otel/
//   - slog documentation: https://pkg.go.dev/log/slog
package observability
