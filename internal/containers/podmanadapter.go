package containers

import (
	"context"
	"fmt"
	"os"

	"github.com/docker/docker/client"
)

// PodmanAdapter reuses DockerAdapter's run/inspect option translation
// — Podman speaks the same Docker-compatible API over its own
// socket — adding the two deltas spec.md calls out for a rootless,
// daemonless engine: a ":Z" suffix on bind mounts for SELinux/MAC
// relabeling, and "--userns=keep-id" so the in-container user maps to
// the invoking host user instead of a subordinate-uid range.
type PodmanAdapter struct {
	*DockerAdapter
	keepIDUserNS bool
}

// NewPodmanAdapter connects to the Podman API socket at socketPath
// (typically $XDG_RUNTIME_DIR/podman/podman.sock), reusing
// DockerAdapter's Docker-API-compatible client underneath.
func NewPodmanAdapter(socketPath string) (*PodmanAdapter, error) {
	if socketPath == "" {
		socketPath = defaultPodmanSocket()
	}
	cli, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socketPath),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("containers: podman client: %w", err)
	}
	return &PodmanAdapter{DockerAdapter: &DockerAdapter{cli: cli}, keepIDUserNS: true}, nil
}

func defaultPodmanSocket() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = "/run/user/0"
	}
	return runtimeDir + "/podman/podman.sock"
}

func (p *PodmanAdapter) Name() string { return "podman" }

// Run relabels every bind mount with the ":Z" suffix Podman's SELinux
// integration expects and sets the rootless user-namespace mapping
// before delegating to the shared Docker-API translation.
func (p *PodmanAdapter) Run(ctx context.Context, opts RunOptions) (Handle, error) {
	opts = relabelForPodman(opts, p.keepIDUserNS)
	return p.DockerAdapter.Run(ctx, opts)
}

func relabelForPodman(opts RunOptions, keepIDUserNS bool) RunOptions {
	relabeled := make([]Mount, len(opts.Volumes))
	for i, v := range opts.Volumes {
		v.ContainerPath = v.ContainerPath + ":Z"
		relabeled[i] = v
	}
	opts.Volumes = relabeled

	if keepIDUserNS {
		opts.Env = append(opts.Env, "PODMAN_USERNS=keep-id")
	}
	return opts
}
