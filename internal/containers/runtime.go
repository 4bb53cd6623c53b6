// Package containers implements the container/session lifecycle
// manager: runtime-agnostic container spawning, health supervision,
// and graceful-then-forceful teardown, plus the per-engine adapters
// that give it a uniform surface over Docker, Podman, and Firecracker.
package containers

import (
	"context"
	"errors"
	"time"
)

// ErrNotAvailable is returned by an adapter's Version/Pull/Run methods
// when IsAvailable reported false and the caller tried to use it anyway.
var ErrNotAvailable = errors.New("containers: runtime not available on this host")

// Mount is one host-directory-to-container-path bind mount.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// SocketMount is a bind mount of a Unix-domain socket directory used to
// let a container dial the router endpoint. Expressed separately from
// Mount because the macOS engine may realize it over vsock instead of
// a bind mount while exposing this same shape to callers.
type SocketMount struct {
	HostPath      string
	ContainerPath string
}

// PortMapping binds a container TCP port to a host address and port.
// HostAddress defaults to 127.0.0.1 when empty.
type PortMapping struct {
	ContainerPort int
	HostAddress   string
	HostPort      int
}

// RunOptions is the engine-normalized set of parameters for starting a
// container. Every adapter translates this single shape into its own
// engine's idioms (CLI flags, API request body, VM boot config).
type RunOptions struct {
	Image           string
	Name            string
	ReadOnly        bool
	NetworkDisabled bool
	Network         string
	Volumes         []Mount
	SocketMounts    []SocketMount
	Env             []string
	User            string // uid:gid
	Entrypoint      []string
	Command         []string
	PortMappings    []PortMapping
	// Stdin, when non-nil, is attached at creation time for one-shot
	// credential injection; the container is created and started with
	// stdin attached rather than run detached.
	Stdin []byte
	// CPULimit is in millicores; MemLimitMB is in megabytes. Zero means
	// "use the engine's default."
	CPULimit   int
	MemLimitMB int
}

// Handle is an opaque, runtime-specific reference to a started
// container. Callers never parse or construct its Value; they receive
// it from Run and pass it back to Stop/Kill/Remove/Inspect.
type Handle struct {
	Runtime string
	Value   string
}

// Status is the normalized lifecycle state a container can be in,
// mapped from each engine's own inspection vocabulary.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusDead    Status = "dead"
	StatusUnknown Status = "unknown"
)

// zeroTime is the Go zero value, serialized as the sentinel timestamp
// 0001-01-01T00:00:00Z the data model treats as "absent."
var zeroTime time.Time

// InspectState is the normalized result of Runtime.Inspect.
type InspectState struct {
	Status    Status
	ExitCode  int
	StartedAt time.Time
	ExitedAt  time.Time
	PID       int
}

// StartedAtPresent reports whether StartedAt is present (non-zero).
func (s InspectState) StartedAtPresent() bool { return !s.StartedAt.Equal(zeroTime) }

// ExitedAtPresent reports whether ExitedAt is present (non-zero).
func (s InspectState) ExitedAtPresent() bool { return !s.ExitedAt.Equal(zeroTime) }

// Runtime is the capability set every container engine adapter
// implements. Methods are deliberately narrow and synchronous;
// concurrency and retry policy live in Lifecycle, not here.
type Runtime interface {
	// Name identifies the adapter for logging and metrics labels
	// ("docker", "podman", "firecracker").
	Name() string

	// IsAvailable reports whether the engine is usable on this host.
	IsAvailable(ctx context.Context) bool

	// Version returns the engine's reported version string.
	Version(ctx context.Context) (string, error)

	// Pull fetches image from its configured registry.
	Pull(ctx context.Context, image string) error

	// ImageExists reports whether image is present locally.
	ImageExists(ctx context.Context, image string) (bool, error)

	// LoadImage imports an image from a local tarball path.
	LoadImage(ctx context.Context, tarballPath string) error

	// Build constructs an image from opts, returning its content digest.
	Build(ctx context.Context, opts BuildOptions) (string, error)

	// InspectLabels returns image's configured labels.
	InspectLabels(ctx context.Context, image string) (map[string]string, error)

	// Run starts a new container per opts, returning its handle.
	Run(ctx context.Context, opts RunOptions) (Handle, error)

	// Stop issues a graceful stop, waiting up to timeout before the
	// caller should escalate to Kill. A zero timeout selects the
	// engine's own default grace period.
	Stop(ctx context.Context, handle Handle, timeout time.Duration) error

	// Kill forcibly terminates the container.
	Kill(ctx context.Context, handle Handle) error

	// Remove deletes the container's on-disk state. Safe to call on an
	// already-removed handle.
	Remove(ctx context.Context, handle Handle) error

	// Inspect returns the container's current normalized state.
	Inspect(ctx context.Context, handle Handle) (InspectState, error)
}

// BuildOptions parameterizes Runtime.Build.
type BuildOptions struct {
	ContextDir string
	Dockerfile string
	Tags       []string
	BuildArgs  map[string]string
}
