package containers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// skipIfNoDocker proves the daemon DockerAdapter talks to is actually
// reachable by asking testcontainers-go to start a throwaway fixture
// container — the same "start it, recover from a panic if the daemon
// isn't there, skip" idiom the pack uses for its own Docker-backed
// integration tests.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	var probe testcontainers.Container
	var probeErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				probeErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		probe, probeErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:      "alpine:3.20",
				Cmd:        []string{"sleep", "2"},
				WaitingFor: wait.ForExit(),
			},
			Started: true,
		})
	}()
	if probeErr != nil {
		t.Skipf("docker daemon unavailable, skipping: %v", probeErr)
	}
	t.Cleanup(func() { _ = probe.Terminate(ctx) })
}

func TestDockerAdapter_RunInspectStopRemove(t *testing.T) {
	skipIfNoDocker(t)

	adapter, err := NewDockerAdapter()
	require.NoError(t, err)

	ctx := context.Background()
	handle, err := adapter.Run(ctx, RunOptions{
		Image:           "alpine:3.20",
		Name:            "carapace-containers-test-" + time.Now().Format("150405"),
		NetworkDisabled: true,
		Command:         []string{"sleep", "30"},
	})
	require.NoError(t, err)
	defer func() {
		_ = adapter.Stop(ctx, handle, time.Second)
		_ = adapter.Remove(ctx, handle)
	}()

	state, err := adapter.Inspect(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, state.Status)

	require.NoError(t, adapter.Stop(ctx, handle, 2*time.Second))
	require.NoError(t, adapter.Remove(ctx, handle))
}
