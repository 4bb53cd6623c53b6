package pipeline

import (
	"time"

	"github.com/fred-drake/carapace/internal/observability"
	"github.com/fred-drake/carapace/internal/ratelimit"
	"github.com/fred-drake/carapace/internal/sessions"
)

// RejectionEntry is what the onRejection sink receives: the original
// wire message, the session it arrived on, the stage that rejected
// it, and the structured error. The audit log is the typical
// consumer.
type RejectionEntry struct {
	Wire    Wire
	Session *sessions.Context
	Stage   string
	Error   *ErrorPayload
}

// RejectionSink is fired exactly once per rejected wire message.
type RejectionSink func(entry RejectionEntry)

// Pipeline runs the fixed four-stage sequence: construct, topic,
// payload, authorize. It is the only path from untrusted bytes to
// privileged code.
type Pipeline struct {
	stages   []Stage
	onReject RejectionSink
	metrics  *observability.Metrics
}

// New builds a Pipeline wired to catalog and limiter, in the fixed
// stage order required by the validation contract.
func New(catalog *Catalog, limiter *ratelimit.Limiter) *Pipeline {
	return &Pipeline{
		stages: []Stage{
			constructStage{},
			topicStage{catalog: catalog},
			payloadStage{catalog: catalog},
			authorizeStage{limiter: limiter},
		},
	}
}

// OnRejection registers the single rejection callback. Only the last
// registration wins, matching the transport's single-callback contract
// in internal/router.
func (p *Pipeline) OnRejection(fn RejectionSink) {
	p.onReject = fn
}

// SetMetrics attaches a metrics sink; nil disables metrics recording.
func (p *Pipeline) SetMetrics(m *observability.Metrics) {
	p.metrics = m
}

// Run drives wire through the four stages for the given session. On
// success it returns the constructed envelope and resolved tool
// descriptor. On rejection it fires the registered sink exactly once
// and returns a nil envelope/tool.
//
// If every stage passes without attaching both an envelope and a tool
// (a programming error — cannot happen with the stage order above,
// guarded here as a defensive backstop), Run emits PLUGIN_ERROR.
func (p *Pipeline) Run(wire Wire, session *sessions.Context) (*Envelope, *Descriptor, *Rejection) {
	if p.metrics != nil {
		p.metrics.PipelineAccepted(wire.Topic)
	}

	rc := &runContext{wire: wire, session: session}

	for _, stage := range p.stages {
		start := time.Now()
		rejection := stage.Run(rc)
		if p.metrics != nil {
			p.metrics.ObserveStageDuration(stage.Name(), time.Since(start).Seconds())
		}
		if rejection != nil {
			p.reject(wire, session, rejection)
			return nil, nil, rejection
		}
	}

	if rc.envelope == nil || rc.tool == nil {
		rejection := &Rejection{Stage: "authorize", Code: ErrPluginError, Message: "pipeline completed without producing an envelope or tool"}
		p.reject(wire, session, rejection)
		return nil, nil, rejection
	}

	return rc.envelope, rc.tool, nil
}

func (p *Pipeline) reject(wire Wire, session *sessions.Context, rejection *Rejection) {
	if p.metrics != nil {
		p.metrics.PipelineRejected(rejection.Stage, string(rejection.Code))
	}
	if p.onReject == nil {
		return
	}
	payload := NewErrorPayload(rejection.Code, rejection.Message)
	payload.RetryAfter = rejection.RetryAfter
	p.onReject(RejectionEntry{
		Wire:    wire,
		Session: session,
		Stage:   rejection.Stage,
		Error:   payload,
	})
}
