// Package executor drives a single handler invocation: deadline
// enforcement, panic recovery, error normalization, response size
// capping, response sanitization, and the audit trail entries that
// result. It is the only place handler code actually runs.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/fred-drake/carapace/internal/audit"
	"github.com/fred-drake/carapace/internal/observability"
	"github.com/fred-drake/carapace/internal/pipeline"
	"github.com/fred-drake/carapace/internal/sanitizer"
)

// genericPluginErrorMessage is returned for any handler failure that
// isn't a *ToolError — a plain error or a recovered panic. The
// original message, stack, or any other handler-internal detail must
// never reach the caller; this is a hard invariant, not a default.
const genericPluginErrorMessage = "the tool handler failed unexpectedly"

// Executor runs handler invocations under the bounds configured at
// construction time.
type Executor struct {
	cfg     Config
	trail   *audit.Trail
	metrics *observability.Metrics
}

// New constructs an Executor. trail and metrics may be nil in tests
// that don't care about side-channel recording.
func New(cfg Config, trail *audit.Trail, metrics *observability.Metrics) *Executor {
	return &Executor{cfg: cfg.withDefaults(), trail: trail, metrics: metrics}
}

// invocationResult is the outcome of the raw, un-normalized handler
// call: either a result value, or an error that still needs
// normalizing into an ErrorPayload.
type invocationResult struct {
	value any
	err   error
}

// Execute runs tool's handler against envelope's payload within the
// configured deadline, normalizes whatever comes back into a
// well-formed ResponseEnvelope, and records the corresponding audit
// trail entries and metrics.
func (ex *Executor) Execute(ctx context.Context, envelope *pipeline.Envelope, tool *pipeline.Descriptor, handlerCtx pipeline.Context) *pipeline.ResponseEnvelope {
	start := time.Now()

	deadlineCtx, cancel := context.WithTimeout(ctx, ex.cfg.Deadline)
	defer cancel()

	resultCh := make(chan invocationResult, 1)
	go func() {
		resultCh <- ex.invoke(tool, envelope, handlerCtx)
	}()

	var payload pipeline.ResponsePayload
	status := "success"

	select {
	case res := <-resultCh:
		if res.err != nil {
			errPayload, normalized := ex.normalize(tool.Name, res.err)
			payload.Error = errPayload
			status = statusForCode(errPayload.Code)
			ex.recordNormalization(envelope, res.err, errPayload, normalized)
		} else {
			sanitized := sanitizer.Sanitize(res.value)
			payload.Result = sanitized.Value
			ex.recordSuccess(envelope, sanitized)
		}
	case <-deadlineCtx.Done():
		payload.Error = &pipeline.ErrorPayload{
			Code:      pipeline.ErrPluginTimeout,
			Message:   fmt.Sprintf("tool %q exceeded its execution deadline", tool.Name),
			Retriable: pipeline.DefaultRetriable(pipeline.ErrPluginTimeout),
		}
		status = statusForCode(pipeline.ErrPluginTimeout)
		ex.recordError(envelope, payload.Error, "")
	}

	ex.capSize(tool.Name, &payload)
	if payload.Error != nil && status != "timeout" {
		status = statusForCode(payload.Error.Code)
	}

	if ex.metrics != nil {
		ex.metrics.RecordHandlerExecution(envelope.Topic, status, time.Since(start).Seconds())
	}

	return &pipeline.ResponseEnvelope{
		ID:          envelope.ID,
		Version:     envelope.Version,
		Type:        "response",
		Topic:       envelope.Topic,
		Source:      envelope.Source,
		Correlation: envelope.Correlation,
		Group:       envelope.Group,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	}
}

// invoke calls the handler, recovering any panic into an
// invocationResult rather than letting it escape — a handler bug must
// never take down the supervisor process.
func (ex *Executor) invoke(tool *pipeline.Descriptor, envelope *pipeline.Envelope, handlerCtx pipeline.Context) (res invocationResult) {
	defer func() {
		if r := recover(); r != nil {
			res = invocationResult{err: fmt.Errorf("handler panic: %v", r)}
		}
	}()

	value, err := tool.Handler.HandleToolInvocation(tool.Name, envelope.Payload, handlerCtx)
	return invocationResult{value: value, err: err}
}

// normalize converts a raw handler error into a wire-safe
// ErrorPayload. It reports whether the code was rewritten, which
// governs whether a dual-entry audit record is written.
func (ex *Executor) normalize(toolName string, err error) (*pipeline.ErrorPayload, bool) {
	if toolErr, ok := err.(*ToolError); ok {
		if pipeline.IsReservedPipelineCode(toolErr.Code) {
			return &pipeline.ErrorPayload{
				Code:      pipeline.ErrHandlerError,
				Message:   toolErr.Message,
				Retriable: toolErr.Retriable,
			}, true
		}
		return &pipeline.ErrorPayload{
			Code:      toolErr.Code,
			Message:   toolErr.Message,
			Retriable: toolErr.Retriable,
		}, false
	}

	return &pipeline.ErrorPayload{
		Code:      pipeline.ErrPluginError,
		Message:   genericPluginErrorMessage,
		Retriable: pipeline.DefaultRetriable(pipeline.ErrPluginError),
	}, true
}

// capSize enforces the response size ceiling on the final payload,
// overriding any existing result or error to an oversize HANDLER_ERROR
// when the marshaled payload exceeds the configured maximum.
func (ex *Executor) capSize(toolName string, payload *pipeline.ResponsePayload) {
	data, err := marshalPayload(*payload)
	if err != nil || len(data) <= ex.cfg.MaxResponseSize {
		return
	}
	payload.Result = nil
	payload.Error = &pipeline.ErrorPayload{
		Code:      pipeline.ErrHandlerError,
		Message:   fmt.Sprintf("tool %q response exceeded the maximum allowed size", toolName),
		Retriable: false,
	}
}

func statusForCode(code pipeline.ErrorCode) string {
	switch code {
	case pipeline.ErrPluginTimeout:
		return "timeout"
	default:
		return "error"
	}
}

// recordSuccess writes the routed entry for a plain success, plus a
// sanitized entry when the sanitizer redacted anything.
func (ex *Executor) recordSuccess(envelope *pipeline.Envelope, result sanitizer.Result) {
	if ex.trail == nil {
		return
	}
	now := time.Now().UTC()
	_ = ex.trail.Append(audit.TrailEntry{
		Timestamp:   now,
		Group:       envelope.Group,
		Source:      envelope.Source,
		Topic:       envelope.Topic,
		Correlation: envelope.Correlation,
		Outcome:     audit.OutcomeRouted,
	})
	if len(result.RedactedPaths) > 0 {
		_ = ex.trail.Append(audit.TrailEntry{
			Timestamp:   now,
			Group:       envelope.Group,
			Source:      envelope.Source,
			Topic:       envelope.Topic,
			Correlation: envelope.Correlation,
			Outcome:     audit.OutcomeSanitized,
			FieldPaths:  result.RedactedPaths,
		})
	}
}

// recordNormalization writes either a single error entry, or — when
// normalize actually rewrote the code — the linked
// before_normalization/after_normalization pair.
func (ex *Executor) recordNormalization(envelope *pipeline.Envelope, original error, normalized *pipeline.ErrorPayload, wasRewritten bool) {
	if !wasRewritten {
		ex.recordError(envelope, normalized, "")
		return
	}
	if ex.trail == nil {
		return
	}
	now := time.Now().UTC()
	_ = ex.trail.Append(audit.TrailEntry{
		Timestamp:   now,
		Group:       envelope.Group,
		Source:      envelope.Source,
		Topic:       envelope.Topic,
		Correlation: envelope.Correlation,
		Outcome:     audit.OutcomeError,
		Phase:       "before_normalization",
		Error:       original.Error(),
	})
	_ = ex.trail.Append(audit.TrailEntry{
		Timestamp:   now,
		Group:       envelope.Group,
		Source:      envelope.Source,
		Topic:       envelope.Topic,
		Correlation: envelope.Correlation,
		Outcome:     audit.OutcomeError,
		Phase:       "after_normalization",
		Error:       string(normalized.Code) + ": " + normalized.Message,
	})
}

func (ex *Executor) recordError(envelope *pipeline.Envelope, errPayload *pipeline.ErrorPayload, phase string) {
	if ex.trail == nil {
		return
	}
	_ = ex.trail.Append(audit.TrailEntry{
		Timestamp:   time.Now().UTC(),
		Group:       envelope.Group,
		Source:      envelope.Source,
		Topic:       envelope.Topic,
		Correlation: envelope.Correlation,
		Outcome:     audit.OutcomeError,
		Phase:       phase,
		Error:       string(errPayload.Code) + ": " + errPayload.Message,
	})
}
