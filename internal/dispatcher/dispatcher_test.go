package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fred-drake/carapace/internal/config"
	"github.com/fred-drake/carapace/internal/containers"
	"github.com/fred-drake/carapace/internal/sessions"
)

type fakeRuntime struct {
	mu      sync.Mutex
	running map[string]bool
}

func newFakeRuntime() *fakeRuntime { return &fakeRuntime{running: make(map[string]bool)} }

func (f *fakeRuntime) Name() string                                { return "fake" }
func (f *fakeRuntime) IsAvailable(ctx context.Context) bool         { return true }
func (f *fakeRuntime) Version(ctx context.Context) (string, error)  { return "fake-1.0", nil }
func (f *fakeRuntime) Pull(ctx context.Context, image string) error { return nil }
func (f *fakeRuntime) ImageExists(ctx context.Context, image string) (bool, error) {
	return true, nil
}
func (f *fakeRuntime) LoadImage(ctx context.Context, tarballPath string) error { return nil }
func (f *fakeRuntime) Build(ctx context.Context, opts containers.BuildOptions) (string, error) {
	return "sha256:fake", nil
}
func (f *fakeRuntime) InspectLabels(ctx context.Context, image string) (map[string]string, error) {
	return nil, nil
}

func (f *fakeRuntime) Run(ctx context.Context, opts containers.RunOptions) (containers.Handle, error) {
	f.mu.Lock()
	f.running[opts.Name] = true
	f.mu.Unlock()
	return containers.Handle{Runtime: "fake", Value: opts.Name}, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, handle containers.Handle, timeout time.Duration) error {
	f.mu.Lock()
	delete(f.running, handle.Value)
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) Kill(ctx context.Context, handle containers.Handle) error { return nil }

func (f *fakeRuntime) Remove(ctx context.Context, handle containers.Handle) error { return nil }

func (f *fakeRuntime) Inspect(ctx context.Context, handle containers.Handle) (containers.InspectState, error) {
	f.mu.Lock()
	running := f.running[handle.Value]
	f.mu.Unlock()
	if running {
		return containers.InspectState{Status: containers.StatusRunning}, nil
	}
	return containers.InspectState{Status: containers.StatusExited}, nil
}

func newTestDispatcher(t *testing.T, cfg config.DispatcherConfig) (*Dispatcher, sessions.Manager, *containers.Lifecycle) {
	t.Helper()
	manager := sessions.NewMemoryManager()
	lifecycle := containers.NewLifecycle(manager, newFakeRuntime(), nil, 10*time.Millisecond)
	return New(cfg, lifecycle, manager, nil, nil, "carapace/agent", "/var/run/carapace"), manager, lifecycle
}

func TestDispatch_FreshAlwaysSpawnsIgnoringPayloadSessionID(t *testing.T) {
	cfg := config.DispatcherConfig{Groups: map[string]config.GroupPolicy{
		"default": {Mode: "fresh"},
	}}
	d, _, _ := newTestDispatcher(t, cfg)

	decision, err := d.Dispatch(context.Background(), Event{
		Topic: "message.inbound", Group: "default",
		Payload: map[string]any{"sessionId": "attacker-supplied"},
	})
	require.NoError(t, err)
	require.Equal(t, "spawned", decision.Action)
	require.NotEqual(t, "attacker-supplied", decision.Managed.Session.SessionID)
}

func TestDispatch_DropsReservedResponseTopic(t *testing.T) {
	cfg := config.DispatcherConfig{Groups: map[string]config.GroupPolicy{
		"default": {Mode: "fresh"},
	}}
	d, _, _ := newTestDispatcher(t, cfg)

	decision, err := d.Dispatch(context.Background(), Event{Topic: "response.tool_result", Group: "default"})
	require.NoError(t, err)
	require.Equal(t, "dropped_topic", decision.Action)
}

func TestDispatch_DropsEventOutsideGroupTopicNamespace(t *testing.T) {
	cfg := config.DispatcherConfig{Groups: map[string]config.GroupPolicy{
		"default": {Mode: "fresh", Topics: []string{"message"}},
	}}
	d, _, _ := newTestDispatcher(t, cfg)

	decision, err := d.Dispatch(context.Background(), Event{Topic: "webhook.ping", Group: "default"})
	require.NoError(t, err)
	require.Equal(t, "dropped_topic", decision.Action)

	decision, err = d.Dispatch(context.Background(), Event{Topic: "message.inbound", Group: "default"})
	require.NoError(t, err)
	require.Equal(t, "spawned", decision.Action)
}

func TestDispatch_EnforcesMaxSessionsCap(t *testing.T) {
	cfg := config.DispatcherConfig{Groups: map[string]config.GroupPolicy{
		"default": {Mode: "fresh", MaxSessions: 1},
	}}
	d, _, _ := newTestDispatcher(t, cfg)

	decision, err := d.Dispatch(context.Background(), Event{Topic: "message.inbound", Group: "default"})
	require.NoError(t, err)
	require.Equal(t, "spawned", decision.Action)

	decision, err = d.Dispatch(context.Background(), Event{Topic: "message.inbound", Group: "default"})
	require.NoError(t, err)
	require.Equal(t, "dropped_cap", decision.Action)
}

func TestDispatch_ResumeInjectsLatestLiveSession(t *testing.T) {
	cfg := config.DispatcherConfig{Groups: map[string]config.GroupPolicy{
		"support": {Mode: "resume"},
	}}
	d, manager, _ := newTestDispatcher(t, cfg)

	existing, err := manager.Create(sessions.CreateParams{Group: "support", ContainerID: "pre-existing"})
	require.NoError(t, err)

	resumed, err := d.Dispatch(context.Background(), Event{
		Topic: "message.inbound", Group: "support",
		Payload: map[string]any{"sessionId": "attacker-supplied"},
	})
	require.NoError(t, err)
	require.Equal(t, "resumed", resumed.Action)
	require.NotEqual(t, existing.SessionID, resumed.Managed.Session.SessionID)
}

func TestDispatch_ResumeFallsBackToFreshWhenNoLiveSession(t *testing.T) {
	cfg := config.DispatcherConfig{
		ResumeFallback: "fresh",
		Groups: map[string]config.GroupPolicy{
			"support": {Mode: "resume"},
		},
	}
	d, _, _ := newTestDispatcher(t, cfg)

	decision, err := d.Dispatch(context.Background(), Event{Topic: "message.inbound", Group: "support"})
	require.NoError(t, err)
	require.Equal(t, "spawned", decision.Action)
}

func TestDispatch_ResumeDropsWhenConfiguredAndNoLiveSession(t *testing.T) {
	cfg := config.DispatcherConfig{
		ResumeFallback: "drop",
		Groups: map[string]config.GroupPolicy{
			"support": {Mode: "resume"},
		},
	}
	d, _, _ := newTestDispatcher(t, cfg)

	decision, err := d.Dispatch(context.Background(), Event{Topic: "message.inbound", Group: "support"})
	require.NoError(t, err)
	require.Equal(t, "dropped_cap", decision.Action)
}

func TestDispatch_ExplicitUsesRegisteredResolver(t *testing.T) {
	cfg := config.DispatcherConfig{Groups: map[string]config.GroupPolicy{
		"approvals": {Mode: "explicit"},
	}}
	d, _, _ := newTestDispatcher(t, cfg)
	d.RegisterResolver("approvals", SessionResolverFunc(func(ctx context.Context, event Event, sm sessions.Manager) (string, error) {
		return "", nil
	}))

	decision, err := d.Dispatch(context.Background(), Event{Topic: "approval.request", Group: "approvals"})
	require.NoError(t, err)
	require.Equal(t, "spawned", decision.Action)
}

func TestDispatch_ExplicitResolverErrorNeverSpawns(t *testing.T) {
	cfg := config.DispatcherConfig{Groups: map[string]config.GroupPolicy{
		"approvals": {Mode: "explicit"},
	}}
	d, manager, _ := newTestDispatcher(t, cfg)
	d.RegisterResolver("approvals", SessionResolverFunc(func(ctx context.Context, event Event, sm sessions.Manager) (string, error) {
		return "", errors.New("malformed approval event")
	}))

	decision, err := d.Dispatch(context.Background(), Event{Topic: "approval.request", Group: "approvals"})
	require.NoError(t, err)
	require.Equal(t, "resolve_error", decision.Action)
	require.Empty(t, manager.GetAll())
}

type rememberingResolver struct {
	remembered []string
}

func (r *rememberingResolver) ResolveSession(ctx context.Context, event Event, sm sessions.Manager) (string, error) {
	return "", nil
}

func (r *rememberingResolver) RememberSession(ctx context.Context, event Event, sessionID string) error {
	r.remembered = append(r.remembered, sessionID)
	return nil
}

func TestDispatch_ExplicitRemembersFreshSpawn(t *testing.T) {
	cfg := config.DispatcherConfig{Groups: map[string]config.GroupPolicy{
		"approvals": {Mode: "explicit"},
	}}
	d, _, _ := newTestDispatcher(t, cfg)
	resolver := &rememberingResolver{}
	d.RegisterResolver("approvals", resolver)

	decision, err := d.Dispatch(context.Background(), Event{Topic: "approval.request", Group: "approvals"})
	require.NoError(t, err)
	require.Equal(t, "spawned", decision.Action)
	require.Equal(t, []string{decision.Managed.Session.SessionID}, resolver.remembered)
}

func TestDispatch_ExplicitWithoutResolverNeverSpawns(t *testing.T) {
	cfg := config.DispatcherConfig{Groups: map[string]config.GroupPolicy{
		"approvals": {Mode: "explicit"},
	}}
	d, manager, _ := newTestDispatcher(t, cfg)

	decision, err := d.Dispatch(context.Background(), Event{Topic: "approval.request", Group: "approvals"})
	require.NoError(t, err)
	require.Equal(t, "resolve_error", decision.Action)
	require.Empty(t, manager.GetAll())
}

func TestDispatch_UnconfiguredGroupDefaultsToFresh(t *testing.T) {
	cfg := config.DispatcherConfig{}
	d, _, _ := newTestDispatcher(t, cfg)

	decision, err := d.Dispatch(context.Background(), Event{Topic: "message.inbound", Group: "unknown"})
	require.NoError(t, err)
	require.Equal(t, "spawned", decision.Action)
}

func TestDispatch_SpawnRateSmoothingDropsBurstBeyondLimit(t *testing.T) {
	cfg := config.DispatcherConfig{Groups: map[string]config.GroupPolicy{
		"default": {Mode: "fresh", SpawnRatePerSecond: 0.001, SpawnBurst: 1},
	}}
	d, _, _ := newTestDispatcher(t, cfg)

	first, err := d.Dispatch(context.Background(), Event{Topic: "message.inbound", Group: "default"})
	require.NoError(t, err)
	require.Equal(t, "spawned", first.Action)

	second, err := d.Dispatch(context.Background(), Event{Topic: "message.inbound", Group: "default"})
	require.NoError(t, err)
	require.Equal(t, "dropped_rate", second.Action)
}
