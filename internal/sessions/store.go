// Package sessions implements the supervisor's session manager: the
// component that mints, looks up, and releases sessions, maintaining the
// connectionIdentity→session and containerId→session uniqueness
// invariants alongside the primary sessionId→session map.
package sessions

import (
	"errors"
	"time"
)

// Session is the trusted, host-owned session context. The manager is
// the exclusive owner of Session objects for their entire lifetime.
type Session struct {
	// SessionID is opaque and host-minted.
	SessionID string

	// Group is the authorization compartment the session belongs to.
	Group string

	// ContainerID identifies the container this session is bound to.
	ContainerID string

	// ConnectionIdentity is the transport-layer identity used to route
	// replies back to the container (see internal/router).
	ConnectionIdentity string

	// StartedAt is when the session was created.
	StartedAt time.Time
}

// Context is the view of a Session the validation pipeline consumes.
type Context struct {
	SessionID string
	Group     string
	Source    string
	StartedAt time.Time
}

// CreateParams are the caller-supplied fields for Create; SessionID and
// StartedAt are assigned by the manager.
type CreateParams struct {
	ContainerID        string
	Group              string
	ConnectionIdentity string
}

var (
	// ErrDuplicateIdentity is returned when ConnectionIdentity is already
	// bound to a live session.
	ErrDuplicateIdentity = errors.New("sessions: connection identity already in use")

	// ErrDuplicateContainer is returned when ContainerID is already
	// bound to a live session.
	ErrDuplicateContainer = errors.New("sessions: container id already in use")
)

// Manager mints, looks up, and releases sessions, maintaining the three
// uniqueness maps described in CreateParams's doc comment in lock-step.
type Manager interface {
	// Create mints a new session or fails if either identity key is
	// already bound to a live session.
	Create(params CreateParams) (*Session, error)

	// Get looks up a session by its primary id. Returns nil if absent.
	Get(sessionID string) *Session

	// GetByConnectionIdentity looks up a session by connection identity.
	// Returns nil if absent.
	GetByConnectionIdentity(connectionIdentity string) *Session

	// GetByContainerID looks up a session by container id. Returns nil
	// if absent.
	GetByContainerID(containerID string) *Session

	// Delete removes all three mappings for sessionID atomically,
	// reporting whether a session was present.
	Delete(sessionID string) bool

	// GetAll returns every live session.
	GetAll() []*Session

	// Cleanup wipes all session state.
	Cleanup()

	// ToSessionContext returns the pipeline-facing view of a session,
	// or nil if sessionID is not live.
	ToSessionContext(sessionID string) *Context
}
