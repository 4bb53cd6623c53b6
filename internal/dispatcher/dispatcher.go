// Package dispatcher resolves externally published events (inbound
// messages naming a handler group) into container spawns. It decides,
// per group, whether to start a fresh session, resume a live one, or
// defer session selection to a handler-supplied resolver — enforcing a
// per-group session cap and a topic-namespace filter along the way.
//
// The security invariant this package exists to uphold: the only
// session id that ever reaches a container is one minted by the host.
// An event's own payload may carry a session id field, but for every
// policy except explicit it is never even read, and for explicit it is
// only ever consulted by the group's own resolver, never trusted
// as-is.
package dispatcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/fred-drake/carapace/internal/config"
	"github.com/fred-drake/carapace/internal/containers"
	"github.com/fred-drake/carapace/internal/observability"
	"github.com/fred-drake/carapace/internal/sessions"
)

// responseTopicPrefix marks topics that are always replies, never spawn
// triggers — a dispatcher that spawned a container on its own response
// would spawn forever.
const responseTopicPrefix = "response."

// Event is an externally published occurrence (e.g. an inbound channel
// message) that may trigger a session spawn for its group.
type Event struct {
	Topic   string
	Group   string
	Payload map[string]any

	// Env is copied onto the spawned container's environment verbatim,
	// in addition to whatever session-resolution env vars Dispatch
	// injects.
	Env []string
}

// Decision records what the dispatcher did with an Event, mainly for
// tests and logging.
type Decision struct {
	Action  string // "spawned" | "resumed" | "dropped_cap" | "dropped_rate" | "dropped_topic" | "resolve_error"
	Managed *containers.Managed

	// SocketPath is the host path of the dedicated Unix-domain socket
	// file minted for this spawn, set only when Action is "spawned" or
	// "resumed". The caller binds its own router.Endpoint there — one
	// endpoint per session, never shared across containers.
	SocketPath string
}

// SessionResolver is the handler-supplied hook for the "explicit"
// policy: given the event and a read path into the session manager, it
// returns the session id to inject, or empty to spawn without one. An
// error here is a dispatcher error — it is logged, not retried, and
// never spawns a container.
type SessionResolver interface {
	ResolveSession(ctx context.Context, event Event, sessions sessions.Manager) (string, error)
}

// ResolverRememberer is an optional extension of SessionResolver for
// resolvers backed by durable storage: after a fresh spawn under the
// explicit policy, the dispatcher calls RememberSession so a later
// event carrying the same resume key resolves back to this session.
// Resolvers that don't need this (in-memory ones, say) simply don't
// implement it.
type ResolverRememberer interface {
	RememberSession(ctx context.Context, event Event, sessionID string) error
}

// SessionResolverFunc adapts a function to a SessionResolver.
type SessionResolverFunc func(ctx context.Context, event Event, sessions sessions.Manager) (string, error)

// ResolveSession calls the underlying function.
func (f SessionResolverFunc) ResolveSession(ctx context.Context, event Event, sessions sessions.Manager) (string, error) {
	return f(ctx, event, sessions)
}

// Dispatcher resolves events into container spawns per-group policy.
type Dispatcher struct {
	cfg       config.DispatcherConfig
	lifecycle *containers.Lifecycle
	sessions  sessions.Manager
	metrics   *observability.Metrics
	logger    *observability.Logger

	defaultImage string
	socketDir    string

	mu        sync.Mutex
	resolvers map[string]SessionResolver // group -> explicit-policy resolver
	smoothers map[string]*rate.Limiter   // group -> spawn-rate smoothing limiter
}

// New constructs a Dispatcher. defaultImage is used for any group
// whose policy doesn't override GroupPolicy.Image; socketDir is the
// host directory under which a fresh per-session socket file is
// minted for every spawn — each container gets exactly one socket
// file bind-mounted into it, never the whole directory.
func New(cfg config.DispatcherConfig, lifecycle *containers.Lifecycle, manager sessions.Manager, metrics *observability.Metrics, logger *observability.Logger, defaultImage, socketDir string) *Dispatcher {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	d := &Dispatcher{
		cfg:          cfg,
		lifecycle:    lifecycle,
		sessions:     manager,
		metrics:      metrics,
		logger:       logger.WithFields("component", "dispatcher"),
		defaultImage: defaultImage,
		socketDir:    socketDir,
		resolvers:    make(map[string]SessionResolver),
		smoothers:    make(map[string]*rate.Limiter),
	}
	for group, policy := range cfg.Groups {
		if policy.SpawnRatePerSecond <= 0 {
			continue
		}
		burst := policy.SpawnBurst
		if burst <= 0 {
			burst = 1
		}
		d.smoothers[group] = rate.NewLimiter(rate.Limit(policy.SpawnRatePerSecond), burst)
	}
	return d
}

// RegisterResolver binds a SessionResolver to a group for the
// "explicit" policy. A group configured as "explicit" with no
// registered resolver fails every dispatch for that group.
func (d *Dispatcher) RegisterResolver(group string, resolver SessionResolver) {
	if resolver == nil {
		return
	}
	d.mu.Lock()
	d.resolvers[group] = resolver
	d.mu.Unlock()
}

// Dispatch resolves a single event per its group's policy. A dropped
// event (cap exceeded, topic outside the group's namespace, or a
// reserved response.* topic) is not an error — it's reported in the
// returned Decision.Action and the caller should simply move on.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) (Decision, error) {
	if strings.HasPrefix(event.Topic, responseTopicPrefix) {
		d.record(event.Group, "dropped_topic")
		return Decision{Action: "dropped_topic"}, nil
	}

	policy, ok := d.cfg.Groups[event.Group]
	if !ok {
		policy = config.GroupPolicy{Mode: "fresh"}
	}

	if !topicAllowed(policy.Topics, event.Topic) {
		d.record(event.Group, "dropped_topic")
		return Decision{Action: "dropped_topic"}, nil
	}

	maxSessions := policy.MaxSessions
	if maxSessions == 0 {
		maxSessions = d.cfg.DefaultMaxSessions
	}
	if maxSessions > 0 && d.liveSessionCount(event.Group) >= maxSessions {
		d.record(event.Group, "dropped_cap")
		return Decision{Action: "dropped_cap"}, nil
	}

	if smoother, ok := d.smoothers[event.Group]; ok && !smoother.Allow() {
		d.record(event.Group, "dropped_rate")
		return Decision{Action: "dropped_rate"}, nil
	}

	image := policy.Image
	if image == "" {
		image = d.defaultImage
	}

	switch strings.ToLower(strings.TrimSpace(policy.Mode)) {
	case "resume":
		return d.dispatchResume(ctx, event, image)
	case "explicit":
		return d.dispatchExplicit(ctx, event, image)
	case "fresh", "":
		return d.spawn(ctx, event, image, "spawned", nil)
	default:
		return Decision{}, fmt.Errorf("dispatcher: group %q has unsupported mode %q", event.Group, policy.Mode)
	}
}

// dispatchResume resolves the latest live session for the group,
// independent of whatever (untrusted) session id the event payload
// carries, and injects it as a spawn env var. With no live session it
// falls back per ResumeFallback.
func (d *Dispatcher) dispatchResume(ctx context.Context, event Event, image string) (Decision, error) {
	if live := d.latestLiveSession(event.Group); live != nil {
		return d.spawn(ctx, event, image, "resumed", []string{"CARAPACE_RESUME_SESSION_ID=" + live.SessionID})
	}

	switch strings.ToLower(strings.TrimSpace(d.cfg.ResumeFallback)) {
	case "drop":
		d.record(event.Group, "dropped_cap")
		return Decision{Action: "dropped_cap"}, nil
	default: // "fresh"
		return d.spawn(ctx, event, image, "spawned", nil)
	}
}

// dispatchExplicit defers session selection to the group's registered
// resolver. A resolver error or an unregistered group never spawns a
// container — it's logged as a dispatcher error instead.
func (d *Dispatcher) dispatchExplicit(ctx context.Context, event Event, image string) (Decision, error) {
	d.mu.Lock()
	resolver, ok := d.resolvers[event.Group]
	d.mu.Unlock()
	if !ok {
		d.logger.Error(ctx, "dispatcher: explicit group has no registered resolver", "group", event.Group)
		d.record(event.Group, "resolve_error")
		return Decision{Action: "resolve_error"}, nil
	}

	sessionID, err := resolver.ResolveSession(ctx, event, d.sessions)
	if err != nil {
		d.logger.Error(ctx, "dispatcher: resolveSession failed", "group", event.Group, "error", err)
		d.record(event.Group, "resolve_error")
		return Decision{Action: "resolve_error"}, nil
	}
	if sessionID == "" {
		decision, err := d.spawn(ctx, event, image, "spawned", nil)
		if err == nil && decision.Managed != nil {
			if rememberer, ok := resolver.(ResolverRememberer); ok {
				if rememberErr := rememberer.RememberSession(ctx, event, decision.Managed.Session.SessionID); rememberErr != nil {
					d.logger.Error(ctx, "dispatcher: rememberSession failed", "group", event.Group, "error", rememberErr)
				}
			}
		}
		return decision, err
	}
	return d.spawn(ctx, event, image, "resumed", []string{"CARAPACE_RESUME_SESSION_ID=" + sessionID})
}

func (d *Dispatcher) spawn(ctx context.Context, event Event, image, action string, extraEnv []string) (Decision, error) {
	env := make([]string, 0, len(event.Env)+len(extraEnv))
	env = append(env, event.Env...)
	env = append(env, extraEnv...)

	socketPath := filepath.Join(d.socketDir, uuid.NewString()+".sock")
	managed, err := d.lifecycle.Spawn(ctx, containers.SpawnParams{
		Group:      event.Group,
		Image:      image,
		SocketPath: socketPath,
		Env:        env,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("dispatcher: spawn for group %q: %w", event.Group, err)
	}
	d.record(event.Group, action)
	return Decision{Action: action, Managed: managed, SocketPath: socketPath}, nil
}

// latestLiveSession returns the most recently started live session for
// group, or nil if none is live.
func (d *Dispatcher) latestLiveSession(group string) *sessions.Session {
	candidates := make([]*sessions.Session, 0)
	for _, s := range d.sessions.GetAll() {
		if s.Group == group {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].StartedAt.After(candidates[j].StartedAt)
	})
	return candidates[0]
}

func (d *Dispatcher) liveSessionCount(group string) int {
	count := 0
	for _, s := range d.sessions.GetAll() {
		if s.Group == group {
			count++
		}
	}
	return count
}

func (d *Dispatcher) record(group, decision string) {
	if d.metrics != nil {
		d.metrics.RecordDispatchDecision(group, decision)
	}
}

func topicAllowed(allowed []string, topic string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, prefix := range allowed {
		if topic == prefix || strings.HasPrefix(topic, prefix+".") {
			return true
		}
	}
	return false
}
