// Package router implements the request transport & correlation layer:
// the host endpoint containers dial, the pending-request table that
// matches replies back to their originating connection, and the two
// concrete wire adapters (Unix domain socket, WebSocket) that share
// both.
package router

import (
	"errors"
	"time"

	"github.com/fred-drake/carapace/internal/pipeline"
)

// Identity is an opaque, per-connection routing token. It is never the
// raw net.Conn pointer — handlers and pipeline code only ever see this
// token, so nothing downstream can forge or replay it into a
// different connection.
type Identity string

// RequestFunc is the single delivery callback registered via
// OnRequest. It receives the sender's identity and the decoded wire
// message.
type RequestFunc func(identity Identity, wire pipeline.Wire)

// TimeoutFunc is invoked when a pending request's deadline fires
// before a response arrives.
type TimeoutFunc func(correlation string, identity Identity)

// Errors returned by SendResponse and Bind. These are sentinel values
// so callers can match with errors.Is.
var (
	ErrAlreadyBound     = errors.New("router: endpoint already bound")
	ErrNotBound         = errors.New("router: endpoint not bound")
	ErrNoPendingRequest = errors.New("router: no pending request for correlation")
	ErrIdentityMismatch = errors.New("router: correlation pending under a different identity")
)

// Endpoint is the host-side transport every container dials. Two
// implementations — UnixSocketEndpoint and WebSocketEndpoint — share
// this contract and a single pendingTable implementation.
type Endpoint interface {
	// Bind starts listening at address. Re-binding an already-bound
	// instance fails with ErrAlreadyBound; rebind is possible only
	// after Close.
	Bind(address string) error

	// OnRequest registers the single delivery callback. Only the
	// most recent registration is active.
	OnRequest(fn RequestFunc)

	// OnTimeout registers the callback invoked when a pending
	// request's deadline fires.
	OnTimeout(fn TimeoutFunc)

	// SendResponse routes response back to the connection that sent
	// the request matching response.Correlation. Fails with
	// ErrNotBound before Bind, ErrNoPendingRequest when the
	// correlation is absent, or ErrIdentityMismatch when the
	// correlation is pending under a different identity. On success
	// the pending entry and its deadline timer are removed
	// atomically.
	SendResponse(identity Identity, response pipeline.ResponseEnvelope) error

	// Close cancels all pending timers, refuses new sends, and
	// releases the endpoint. Safe to call twice.
	Close() error
}

// deadline is the per-request timeout enforced on unanswered
// requests; overridable per endpoint via WithDeadline.
const defaultDeadline = 35 * time.Second
