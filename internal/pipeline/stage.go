package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/fred-drake/carapace/internal/ratelimit"
	"github.com/fred-drake/carapace/internal/sessions"
)

// topicPrefix is the required namespace for every invokable tool topic.
const topicPrefix = "tool.invoke."

// runContext carries the state threaded through the four stages. A
// stage either enriches it or returns a non-nil *Rejection, in which
// case the pipeline stops and the remaining stages never run.
type runContext struct {
	wire     Wire
	session  *sessions.Context
	envelope *Envelope
	tool     *Descriptor
}

// Stage is one step of the fixed four-stage pipeline.
type Stage interface {
	// Name is the stage's identifier, used in rejection entries and
	// metrics labels.
	Name() string
	// Run enriches rc or returns a rejection. rc is mutated in place.
	Run(rc *runContext) *Rejection
}

// newEnvelopeID is overridable in tests; production code mints a
// fresh opaque id via github.com/google/uuid (see construct.go).
var newEnvelopeID = defaultEnvelopeID

// constructStage promotes the trusted session fields into a request
// envelope. Emits PLUGIN_ERROR on failure.
type constructStage struct{}

func (constructStage) Name() string { return "construct" }

func (constructStage) Run(rc *runContext) *Rejection {
	if rc.session == nil {
		return &Rejection{Stage: "construct", Code: ErrPluginError, Message: "no session context"}
	}
	rc.envelope = &Envelope{
		ID:          newEnvelopeID(),
		Version:     1,
		Type:        "request",
		Topic:       rc.wire.Topic,
		Source:      rc.session.Source,
		Correlation: rc.wire.Correlation,
		Group:       rc.session.Group,
		Timestamp:   time.Now(),
		Payload:     rc.wire.Arguments,
	}
	return nil
}

// topicStage requires topic.invoke.<name> and attaches the tool
// descriptor. Emits UNKNOWN_TOOL on failure.
type topicStage struct {
	catalog *Catalog
}

func (topicStage) Name() string { return "topic" }

func (s topicStage) Run(rc *runContext) *Rejection {
	topic := rc.wire.Topic
	if !strings.HasPrefix(topic, topicPrefix) {
		return &Rejection{Stage: "topic", Code: ErrUnknownTool, Message: fmt.Sprintf("unknown topic %q", topic)}
	}
	name := strings.TrimPrefix(topic, topicPrefix)
	tool := s.catalog.Lookup(name)
	if tool == nil {
		return &Rejection{Stage: "topic", Code: ErrUnknownTool, Message: fmt.Sprintf("unknown tool %q", name)}
	}
	rc.tool = tool
	return nil
}

// payloadStage validates arguments against the tool's pre-compiled
// schema. Emits VALIDATION_FAILED on failure.
type payloadStage struct {
	catalog *Catalog
}

func (payloadStage) Name() string { return "payload" }

func (s payloadStage) Run(rc *runContext) *Rejection {
	if rc.tool == nil {
		return &Rejection{Stage: "payload", Code: ErrPluginError, Message: "no tool descriptor"}
	}
	schema := s.catalog.Schema(rc.tool.Name)
	if schema == nil {
		return &Rejection{Stage: "payload", Code: ErrPluginError, Message: "schema not compiled"}
	}
	var payload any = rc.wire.Arguments
	if rc.wire.Arguments == nil {
		payload = map[string]any{}
	}
	if err := schema.Validate(payload); err != nil {
		return &Rejection{Stage: "payload", Code: ErrValidationFailed, Message: err.Error()}
	}
	return nil
}

// authorizeStage enforces group restrictions and the per-session rate
// limiter. Emits UNAUTHORIZED or RATE_LIMITED on failure.
type authorizeStage struct {
	limiter *ratelimit.Limiter
}

func (authorizeStage) Name() string { return "authorize" }

func (s authorizeStage) Run(rc *runContext) *Rejection {
	if rc.tool == nil || rc.session == nil {
		return &Rejection{Stage: "authorize", Code: ErrPluginError, Message: "incomplete context"}
	}
	if len(rc.tool.AllowedGroups) > 0 {
		if _, ok := rc.tool.AllowedGroups[rc.session.Group]; !ok {
			return &Rejection{Stage: "authorize", Code: ErrUnauthorized, Message: fmt.Sprintf("group %q not permitted for tool %q", rc.session.Group, rc.tool.Name)}
		}
	}

	decision := s.limiter.TryConsume(rc.session.SessionID, rc.session.Group, 1)
	if !decision.Allowed {
		return &Rejection{
			Stage:      "authorize",
			Code:       ErrRateLimited,
			Message:    fmt.Sprintf("rate limited, retry after %.3fs", decision.RetryAfter.Seconds()),
			RetryAfter: decision.RetryAfter.Seconds(),
		}
	}
	return nil
}
