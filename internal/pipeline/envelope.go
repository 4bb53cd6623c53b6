// Package pipeline implements the four-stage validation/dispatch
// pipeline every wire message traverses before any handler code runs:
// construct, topic, payload, authorize. It is the only path from
// untrusted bytes to privileged code.
package pipeline

import (
	"time"

	"github.com/fred-drake/carapace/internal/sessions"
)

// Wire is the untrusted message as received from an agent connection.
// No field other than Topic/Correlation/Arguments is consulted; extra
// fields arriving on the wire are carried through unread.
type Wire struct {
	Topic       string         `json:"topic"`
	Correlation string         `json:"correlation"`
	Arguments   map[string]any `json:"arguments"`
}

// Envelope is the host-constructed request envelope. Source and Group
// always come from the session context, never from the wire.
type Envelope struct {
	ID          string         `json:"id"`
	Version     int            `json:"version"`
	Type        string         `json:"type"`
	Topic       string         `json:"topic"`
	Source      string         `json:"source"`
	Correlation string         `json:"correlation"`
	Group       string         `json:"group"`
	Timestamp   time.Time      `json:"timestamp"`
	Payload     map[string]any `json:"payload"`
}

// ResponsePayload holds exactly one of Result or Error.
type ResponsePayload struct {
	Result any           `json:"result"`
	Error  *ErrorPayload `json:"error"`
}

// ResponseEnvelope mirrors Envelope's shape with Type = "response".
type ResponseEnvelope struct {
	ID          string          `json:"id"`
	Version     int             `json:"version"`
	Type        string          `json:"type"`
	Topic       string          `json:"topic"`
	Source      string          `json:"source"`
	Correlation string          `json:"correlation"`
	Group       string          `json:"group"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     ResponsePayload `json:"payload"`
}

// ErrorPayload is the typed, wire-serializable shape of a rejection or
// handler error.
type ErrorPayload struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Retriable  bool      `json:"retriable"`
	RetryAfter float64   `json:"retryAfter,omitempty"`
}

// Descriptor is a registered tool's immutable metadata. Re-registering
// a name under Catalog.Register replaces the descriptor atomically.
type Descriptor struct {
	Name          string
	Schema        []byte // raw JSON Schema, compiled once at Register time
	AllowedGroups map[string]struct{}
	RiskLevel     string
	Handler       Handler
}

// Handler is the capability interface a tool handler implements.
// Executor-facing; see internal/executor for the driving code.
type Handler interface {
	Initialize() error
	HandleToolInvocation(toolName string, arguments map[string]any, ctx Context) (result any, err error)
	Shutdown() error
}

// Context is the handler-facing view of the originating session.
type Context struct {
	SessionID   string
	Group       string
	Source      string
	Correlation string
}

// Rejection is what a stage returns when it refuses a wire message.
type Rejection struct {
	Stage      string
	Code       ErrorCode
	Message    string
	RetryAfter float64 // seconds; only meaningful for ErrRateLimited
}

// NewContextFromSession builds a handler Context from a session
// context and the originating correlation id.
func NewContextFromSession(session *sessions.Context, correlation string) Context {
	return Context{
		SessionID:   session.SessionID,
		Group:       session.Group,
		Source:      session.Source,
		Correlation: correlation,
	}
}
