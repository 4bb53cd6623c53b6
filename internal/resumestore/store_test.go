package resumestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fred-drake/carapace/internal/dispatcher"
	"github.com/fred-drake/carapace/internal/sessions"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "resume.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "default", "user-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Put(ctx, "default", "user-1", "sess-abc"))

	sessionID, ok, err := store.Get(ctx, "default", "user-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sess-abc", sessionID)
}

func TestStore_PutOverwritesPreviousValue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "default", "user-1", "sess-1"))
	require.NoError(t, store.Put(ctx, "default", "user-1", "sess-2"))

	sessionID, ok, err := store.Get(ctx, "default", "user-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sess-2", sessionID)
}

func TestStore_DeleteRemovesEntry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "default", "user-1", "sess-1"))
	require.NoError(t, store.Delete(ctx, "default", "user-1"))

	_, ok, err := store.Get(ctx, "default", "user-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResolver_ResolveSession_MissingKeyYieldsEmpty(t *testing.T) {
	store := newTestStore(t)
	resolver := NewResolver(store, "resumeKey")

	manager := sessions.NewMemoryManager()
	sessionID, err := resolver.ResolveSession(context.Background(), dispatcher.Event{Group: "default"}, manager)
	require.NoError(t, err)
	require.Empty(t, sessionID)
}

func TestResolver_ResolveSession_ResumesLiveSession(t *testing.T) {
	store := newTestStore(t)
	resolver := NewResolver(store, "resumeKey")
	manager := sessions.NewMemoryManager()

	session, err := manager.Create(sessions.CreateParams{Group: "default", ContainerID: "ctr-1"})
	require.NoError(t, err)
	require.NoError(t, resolver.Remember(context.Background(), "default", "user-1", session.SessionID))

	event := dispatcher.Event{Group: "default", Payload: map[string]any{"resumeKey": "user-1"}}
	sessionID, err := resolver.ResolveSession(context.Background(), event, manager)
	require.NoError(t, err)
	require.Equal(t, session.SessionID, sessionID)
}

func TestResolver_ResolveSession_ForgetsDeadSession(t *testing.T) {
	store := newTestStore(t)
	resolver := NewResolver(store, "resumeKey")
	manager := sessions.NewMemoryManager()

	require.NoError(t, resolver.Remember(context.Background(), "default", "user-1", "sess-gone"))

	event := dispatcher.Event{Group: "default", Payload: map[string]any{"resumeKey": "user-1"}}
	sessionID, err := resolver.ResolveSession(context.Background(), event, manager)
	require.NoError(t, err)
	require.Empty(t, sessionID)

	_, ok, err := store.Get(context.Background(), "default", "user-1")
	require.NoError(t, err)
	require.False(t, ok)
}
