// Package supervisor is the composition root: it wires the validation
// pipeline, rate limiter, session manager, container lifecycle, event
// dispatcher, handler executor, and the two audit surfaces (operational
// log and append-only trail) into a single running service, and owns
// the one-endpoint-per-session transport binding that ties a spawned
// container's dedicated Unix-domain socket to the session the
// dispatcher minted it for.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fred-drake/carapace/internal/audit"
	"github.com/fred-drake/carapace/internal/config"
	"github.com/fred-drake/carapace/internal/containers"
	"github.com/fred-drake/carapace/internal/dispatcher"
	"github.com/fred-drake/carapace/internal/executor"
	"github.com/fred-drake/carapace/internal/observability"
	"github.com/fred-drake/carapace/internal/pipeline"
	"github.com/fred-drake/carapace/internal/ratelimit"
	"github.com/fred-drake/carapace/internal/router"
	"github.com/fred-drake/carapace/internal/sessions"
)

// Supervisor owns every long-lived component and the per-session
// endpoints bound to spawned containers.
type Supervisor struct {
	cfg config.Config

	catalog    *pipeline.Catalog
	limiter    *ratelimit.Limiter
	sessions   sessions.Manager
	lifecycle  *containers.Lifecycle
	dispatcher *dispatcher.Dispatcher
	pipeline   *pipeline.Pipeline
	executor   *executor.Executor
	trail      *audit.Trail
	auditLog   *audit.Logger
	metrics    *observability.Metrics
	logger     *observability.Logger

	mu        sync.Mutex
	endpoints map[string]router.Endpoint // sessionID -> its dedicated endpoint
}

// New wires every component from cfg. runtime is the container
// adapter selected by the caller (per cfg.Containers.Runtime — the
// caller picks the concrete adapter since construction may need
// runtime-specific dependencies, e.g. a Docker client).
func New(cfg config.Config, runtime containers.Runtime) (*Supervisor, error) {
	metrics := observability.NewMetrics()
	logger := observability.NewLogger(observability.LogConfig{})

	auditLog, err := audit.NewLogger(cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("supervisor: audit logger: %w", err)
	}
	trail := audit.NewTrail(cfg.Audit.TrailBasePath)

	sessionManager := sessions.NewMemoryManager()
	// stopTimeout is the graceful-stop grace period, not SpawnTimeout
	// (which bounds container startup); zero lets Lifecycle apply its
	// own default.
	lifecycle := containers.NewLifecycle(sessionManager, runtime, metrics, 0)

	disp := dispatcher.New(cfg.Dispatcher, lifecycle, sessionManager, metrics, logger, cfg.Containers.Image, cfg.Router.SocketDir)

	catalog := pipeline.NewCatalog()
	limiter := ratelimit.NewLimiter(cfg.RateLimit)

	exec := executor.New(executor.Config{Deadline: cfg.Router.RequestTimeout}, trail, metrics)

	s := &Supervisor{
		cfg:        cfg,
		catalog:    catalog,
		limiter:    limiter,
		sessions:   sessionManager,
		lifecycle:  lifecycle,
		dispatcher: disp,
		executor:   exec,
		trail:      trail,
		auditLog:   auditLog,
		metrics:    metrics,
		logger:     logger.WithFields("component", "supervisor"),
		endpoints:  make(map[string]router.Endpoint),
	}

	p := pipeline.New(catalog, limiter)
	p.SetMetrics(metrics)
	p.OnRejection(s.onRejection)
	s.pipeline = p

	return s, nil
}

// RegisterHandler installs a tool descriptor into the catalog,
// compiling its schema. Safe to call before or after Start.
func (s *Supervisor) RegisterHandler(desc *pipeline.Descriptor) error {
	return s.catalog.Register(desc)
}

// RegisterResolver binds an explicit-mode session resolver to group.
func (s *Supervisor) RegisterResolver(group string, resolver dispatcher.SessionResolver) {
	s.dispatcher.RegisterResolver(group, resolver)
}

// HandleEvent resolves event through the dispatcher and, on a spawn or
// resume, binds a dedicated router.Endpoint to the newly managed
// session's own socket path. The endpoint's request callback captures
// the session directly — no connection-identity lookup is ever
// needed, since each endpoint serves exactly one session for its
// entire lifetime.
func (s *Supervisor) HandleEvent(ctx context.Context, event dispatcher.Event) (dispatcher.Decision, error) {
	spawnCtx := ctx
	if s.cfg.Containers.SpawnTimeout > 0 {
		var cancel context.CancelFunc
		spawnCtx, cancel = context.WithTimeout(ctx, s.cfg.Containers.SpawnTimeout)
		defer cancel()
	}

	decision, err := s.dispatcher.Dispatch(spawnCtx, event)
	if err != nil {
		return decision, err
	}
	if decision.Managed == nil {
		return decision, nil
	}

	if err := s.bindSessionEndpoint(decision.Managed.Session, decision.SocketPath); err != nil {
		s.logger.Error(ctx, "supervisor: failed to bind session endpoint", "session_id", decision.Managed.Session.SessionID, "error", err)
		_ = s.lifecycle.Shutdown(ctx, decision.Managed.Session.SessionID)
		return dispatcher.Decision{}, fmt.Errorf("supervisor: bind endpoint: %w", err)
	}
	return decision, nil
}

// bindSessionEndpoint creates, binds, and registers a
// router.UnixSocketEndpoint dedicated to session at socketPath.
func (s *Supervisor) bindSessionEndpoint(session *sessions.Session, socketPath string) error {
	endpoint := router.NewUnixSocketEndpoint(slog.Default(), s.cfg.Router.RequestTimeout)

	sessionID := session.SessionID
	endpoint.OnRequest(func(identity router.Identity, wire pipeline.Wire) {
		s.handleRequest(identity, wire, sessionID, endpoint)
	})
	endpoint.OnTimeout(func(correlation string, identity router.Identity) {
		// correlation is unique per request, so it is never used as a
		// metrics label (unbounded cardinality) — only logged.
		s.logger.Warn(context.Background(), "supervisor: request timed out", "session_id", sessionID, "correlation", correlation)
	})

	if err := endpoint.Bind(socketPath); err != nil {
		return err
	}

	s.mu.Lock()
	s.endpoints[sessionID] = endpoint
	s.mu.Unlock()
	return nil
}

// handleRequest drives a single wire message through the pipeline and,
// on acceptance, the executor, always sending exactly one response
// back on the same connection the request arrived on.
func (s *Supervisor) handleRequest(identity router.Identity, wire pipeline.Wire, sessionID string, endpoint router.Endpoint) {
	ctx := context.Background()

	sessionCtx := s.sessions.ToSessionContext(sessionID)
	if sessionCtx == nil {
		s.logger.Warn(ctx, "supervisor: request for unknown session", "session_id", sessionID)
		return
	}

	s.metrics.RequestStarted(sessionID)
	defer s.metrics.RequestFinished(sessionID)

	envelope, tool, rejection := s.pipeline.Run(wire, sessionCtx)
	if rejection != nil {
		payload := pipeline.NewErrorPayload(rejection.Code, rejection.Message)
		payload.RetryAfter = rejection.RetryAfter
		response := pipeline.ResponseEnvelope{
			ID:          wire.Correlation,
			Version:     1,
			Type:        "response",
			Topic:       wire.Topic,
			Source:      sessionCtx.Source,
			Correlation: wire.Correlation,
			Group:       sessionCtx.Group,
			Timestamp:   time.Now().UTC(),
			Payload:     pipeline.ResponsePayload{Error: payload},
		}
		if err := endpoint.SendResponse(identity, response); err != nil {
			s.logger.Warn(ctx, "supervisor: failed to send rejection response", "session_id", sessionID, "error", err)
		}
		return
	}

	handlerCtx := pipeline.NewContextFromSession(sessionCtx, wire.Correlation)
	response := s.executor.Execute(ctx, envelope, tool, handlerCtx)
	if err := endpoint.SendResponse(identity, *response); err != nil {
		s.logger.Warn(ctx, "supervisor: failed to send response", "session_id", sessionID, "error", err)
	}
}

// onRejection is the pipeline's audit-side rejection sink: it never
// touches the transport (the request-handling closure already sent
// the wire response), it only records the rejection for later query.
func (s *Supervisor) onRejection(entry pipeline.RejectionEntry) {
	var sessionID string
	if entry.Session != nil {
		sessionID = entry.Session.SessionID
	}
	s.auditLog.LogPipelineRejected(context.Background(), entry.Stage, string(entry.Error.Code), entry.Wire.Correlation, sessionID, nil)

	group := ""
	source := ""
	if entry.Session != nil {
		group = entry.Session.Group
		source = entry.Session.Source
	}
	_ = s.trail.Append(audit.TrailEntry{
		Timestamp:   time.Now().UTC(),
		Group:       group,
		Source:      source,
		Topic:       entry.Wire.Topic,
		Correlation: entry.Wire.Correlation,
		Stage:       entry.Stage,
		Outcome:     audit.OutcomeRejected,
		Reason:      entry.Error.Message,
	})
}

// Stop tears every managed container down, then closes every
// per-session endpoint — top-down, containers first, so no endpoint
// is closed while its container might still be trying to dial it
// during a graceful stop escalation.
func (s *Supervisor) Stop(ctx context.Context) error {
	shutdownErr := s.lifecycle.ShutdownAll(ctx)

	s.mu.Lock()
	endpoints := make([]router.Endpoint, 0, len(s.endpoints))
	for id, ep := range s.endpoints {
		endpoints = append(endpoints, ep)
		delete(s.endpoints, id)
	}
	s.mu.Unlock()

	for _, ep := range endpoints {
		_ = ep.Close()
	}

	if err := s.auditLog.Close(); err != nil {
		s.logger.Warn(ctx, "supervisor: audit logger close failed", "error", err)
	}

	return shutdownErr
}

// Metrics returns the supervisor's Prometheus metrics, for wiring into
// an HTTP /metrics handler by the caller.
func (s *Supervisor) Metrics() *observability.Metrics { return s.metrics }
