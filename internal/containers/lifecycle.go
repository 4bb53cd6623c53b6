package containers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fred-drake/carapace/internal/observability"
	"github.com/fred-drake/carapace/internal/sessions"
)

// defaultStopTimeout is the graceful-stop grace period applied when a
// caller doesn't supply one — 500ms in tests, configured higher in
// production per the data model.
const defaultStopTimeout = 500 * time.Millisecond

// SpawnParams are the caller-supplied fields for Spawn.
type SpawnParams struct {
	Group      string
	Image      string
	SocketPath string // host path of the Unix-domain socket directory bind-mounted into the container
	Env        []string
}

// Managed is a container under Lifecycle's supervision, paired with
// the session it's bound to.
type Managed struct {
	Session *sessions.Session
	Handle  Handle
}

// Lifecycle spawns containers for new sessions, supervises their
// state, and guarantees a graceful-then-forceful teardown — the
// acquire/release/rollback-on-error discipline of the teacher's
// Pool.Get/Put/Close, generalized from "borrow a warm interpreter
// process" to "spawn and own a session-bound container."
type Lifecycle struct {
	sessions    sessions.Manager
	runtime     Runtime
	metrics     *observability.Metrics
	stopTimeout time.Duration

	mu      sync.Mutex
	managed map[string]Managed // sessionID -> managed container
}

// NewLifecycle constructs a Lifecycle. stopTimeout of zero selects
// defaultStopTimeout.
func NewLifecycle(manager sessions.Manager, runtime Runtime, metrics *observability.Metrics, stopTimeout time.Duration) *Lifecycle {
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	return &Lifecycle{
		sessions:    manager,
		runtime:     runtime,
		metrics:     metrics,
		stopTimeout: stopTimeout,
		managed:     make(map[string]Managed),
	}
}

// Spawn mints a session, provisions the socket mount, starts the
// container, and registers it as managed. Failure at any step rolls
// back everything that already succeeded: the session is deleted, the
// container (if started) is removed, and provisioned sockets are
// released — nothing is left half-built.
//
// The session's ConnectionIdentity is left empty at mint time: it is
// established when the container actually dials the router and the
// dispatcher binds the two together, which happens strictly after
// the container process exists.
func (l *Lifecycle) Spawn(ctx context.Context, params SpawnParams) (*Managed, error) {
	containerID := uuid.NewString()

	start := time.Now()
	session, err := l.sessions.Create(sessions.CreateParams{
		ContainerID: containerID,
		Group:       params.Group,
	})
	if err != nil {
		return nil, fmt.Errorf("containers: spawn: session create: %w", err)
	}

	runOpts := RunOptions{
		Image:           params.Image,
		Name:            containerID,
		ReadOnly:        true,
		NetworkDisabled: true,
		Env:             params.Env,
		SocketMounts: []SocketMount{
			{HostPath: params.SocketPath, ContainerPath: "/run/carapace/router.sock"},
		},
	}

	handle, err := l.runtime.Run(ctx, runOpts)
	if err != nil {
		l.sessions.Delete(session.SessionID)
		l.recordSpawn(false, time.Since(start))
		return nil, fmt.Errorf("containers: spawn: run: %w", err)
	}

	managed := Managed{Session: session, Handle: handle}

	l.mu.Lock()
	l.managed[session.SessionID] = managed
	l.mu.Unlock()

	l.recordSpawn(true, time.Since(start))
	if l.metrics != nil {
		l.metrics.SessionStarted(params.Group)
	}

	return &managed, nil
}

func (l *Lifecycle) recordSpawn(success bool, elapsed time.Duration) {
	if l.metrics == nil {
		return
	}
	outcome := "error"
	if success {
		outcome = "success"
	}
	l.metrics.RecordContainerSpawn(l.runtime.Name(), outcome, elapsed.Seconds())
}

// GetStatus reports the session's mapped lifecycle state from
// Runtime.Inspect. Returns false if sessionID isn't managed.
func (l *Lifecycle) GetStatus(ctx context.Context, sessionID string) (InspectState, bool, error) {
	managed, ok := l.lookup(sessionID)
	if !ok {
		return InspectState{}, false, nil
	}
	state, err := l.runtime.Inspect(ctx, managed.Handle)
	if err != nil {
		return InspectState{}, true, err
	}
	return state, true, nil
}

// Shutdown issues a graceful stop with the configured timeout,
// escalating to Kill then Remove on timeout, and always deletes the
// session regardless of how the container responded — a crashed
// container (status dead) must not leave dangling state, so Shutdown
// tolerates Stop/Kill errors and still proceeds to Remove and delete.
func (l *Lifecycle) Shutdown(ctx context.Context, sessionID string) error {
	managed, ok := l.lookup(sessionID)
	if !ok {
		l.sessions.Delete(sessionID)
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, l.stopTimeout)
	stopErr := l.runtime.Stop(stopCtx, managed.Handle, l.stopTimeout)
	cancel()

	if stopErr != nil {
		_ = l.runtime.Kill(ctx, managed.Handle)
	}
	_ = l.runtime.Remove(ctx, managed.Handle)

	l.sessions.Delete(sessionID)
	l.mu.Lock()
	delete(l.managed, sessionID)
	l.mu.Unlock()

	if l.metrics != nil {
		reason := "session_end"
		if stopErr != nil {
			reason = "shutdown_escalated"
		}
		l.metrics.RecordContainerTerminated(l.runtime.Name(), reason)
		l.metrics.SessionEnded(managed.Session.Group, time.Since(managed.Session.StartedAt).Seconds())
	}

	return nil
}

// ShutdownAll concurrently shuts down every managed container and
// waits for all to complete before returning.
func (l *Lifecycle) ShutdownAll(ctx context.Context) error {
	l.mu.Lock()
	sessionIDs := make([]string, 0, len(l.managed))
	for id := range l.managed {
		sessionIDs = append(sessionIDs, id)
	}
	l.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(sessionIDs))
	for i, sessionID := range sessionIDs {
		wg.Add(1)
		go func(i int, sessionID string) {
			defer wg.Done()
			errs[i] = l.Shutdown(ctx, sessionID)
		}(i, sessionID)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *Lifecycle) lookup(sessionID string) (Managed, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	managed, ok := l.managed[sessionID]
	return managed, ok
}
