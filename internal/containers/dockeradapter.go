package containers

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerAdapter implements Runtime against a standard OCI daemon via
// the Docker SDK client, the typed-API generalization of the teacher's
// exec.Command("docker", ...) shell-out: the same resource-limit
// flags (network none, memory, pids-limit) are issued here as struct
// fields on container.Resources instead of CLI arguments.
type DockerAdapter struct {
	cli *client.Client
}

// NewDockerAdapter builds an adapter talking to the daemon referenced
// by the standard DOCKER_HOST environment, matching client.FromEnv.
func NewDockerAdapter() (*DockerAdapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("containers: docker client: %w", err)
	}
	return &DockerAdapter{cli: cli}, nil
}

func (d *DockerAdapter) Name() string { return "docker" }

func (d *DockerAdapter) IsAvailable(ctx context.Context) bool {
	_, err := d.cli.Ping(ctx)
	return err == nil
}

func (d *DockerAdapter) Version(ctx context.Context) (string, error) {
	v, err := d.cli.ServerVersion(ctx)
	if err != nil {
		return "", err
	}
	return v.Version, nil
}

func (d *DockerAdapter) Pull(ctx context.Context, img string) error {
	rc, err := d.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (d *DockerAdapter) ImageExists(ctx context.Context, img string) (bool, error) {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, img)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *DockerAdapter) LoadImage(ctx context.Context, tarballPath string) error {
	f, err := openForRead(tarballPath)
	if err != nil {
		return err
	}
	defer f.Close()
	resp, err := d.cli.ImageLoad(ctx, f, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

func (d *DockerAdapter) Build(ctx context.Context, opts BuildOptions) (string, error) {
	buildCtx, err := tarDirectory(opts.ContextDir)
	if err != nil {
		return "", err
	}

	resp, err := d.cli.ImageBuild(ctx, buildCtx, dockerBuildOptions(opts))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	digest, err := scanBuildOutputForDigest(resp.Body)
	if err != nil {
		return "", err
	}
	return digest, nil
}

func (d *DockerAdapter) InspectLabels(ctx context.Context, img string) (map[string]string, error) {
	inspect, _, err := d.cli.ImageInspectWithRaw(ctx, img)
	if err != nil {
		return nil, err
	}
	if inspect.Config == nil {
		return nil, nil
	}
	return inspect.Config.Labels, nil
}

func (d *DockerAdapter) Run(ctx context.Context, opts RunOptions) (Handle, error) {
	config, hostConfig, netConfig := dockerRunConfig(opts)

	created, err := d.cli.ContainerCreate(ctx, config, hostConfig, netConfig, nil, opts.Name)
	if err != nil {
		return Handle{}, fmt.Errorf("containers: docker create: %w", err)
	}

	startOpts := container.StartOptions{}
	if len(opts.Stdin) > 0 {
		attach, err := d.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{Stream: true, Stdin: true})
		if err != nil {
			_ = d.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
			return Handle{}, fmt.Errorf("containers: docker attach: %w", err)
		}
		if err := d.cli.ContainerStart(ctx, created.ID, startOpts); err != nil {
			attach.Close()
			_ = d.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
			return Handle{}, fmt.Errorf("containers: docker start: %w", err)
		}
		_, writeErr := attach.Conn.Write(opts.Stdin)
		attach.CloseWrite()
		attach.Close()
		if writeErr != nil {
			_ = d.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
			return Handle{}, fmt.Errorf("containers: docker stdin write: %w", writeErr)
		}
	} else if err := d.cli.ContainerStart(ctx, created.ID, startOpts); err != nil {
		_ = d.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return Handle{}, fmt.Errorf("containers: docker start: %w", err)
	}

	return Handle{Runtime: d.Name(), Value: created.ID}, nil
}

func (d *DockerAdapter) Stop(ctx context.Context, handle Handle, timeout time.Duration) error {
	opts := container.StopOptions{}
	if timeout > 0 {
		seconds := int(timeout.Seconds())
		opts.Timeout = &seconds
	}
	return d.cli.ContainerStop(ctx, handle.Value, opts)
}

func (d *DockerAdapter) Kill(ctx context.Context, handle Handle) error {
	return d.cli.ContainerKill(ctx, handle.Value, "SIGKILL")
}

func (d *DockerAdapter) Remove(ctx context.Context, handle Handle) error {
	err := d.cli.ContainerRemove(ctx, handle.Value, container.RemoveOptions{Force: true})
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	return err
}

func (d *DockerAdapter) Inspect(ctx context.Context, handle Handle) (InspectState, error) {
	inspect, err := d.cli.ContainerInspect(ctx, handle.Value)
	if err != nil {
		return InspectState{}, err
	}
	return dockerInspectToState(inspect.State), nil
}

func dockerInspectToState(state *container.State) InspectState {
	if state == nil {
		return InspectState{Status: StatusUnknown}
	}
	out := InspectState{
		ExitCode: state.ExitCode,
		PID:      state.Pid,
	}
	switch {
	case state.Running:
		out.Status = StatusRunning
	case state.Dead:
		out.Status = StatusDead
	case state.Status == "created":
		out.Status = StatusCreated
	case state.Status == "exited":
		out.Status = StatusExited
	default:
		out.Status = StatusUnknown
	}
	if t, err := time.Parse(time.RFC3339Nano, state.StartedAt); err == nil {
		out.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, state.FinishedAt); err == nil {
		out.ExitedAt = t
	}
	return out
}

// dockerRunConfig translates the normalized RunOptions into the three
// structs the create call wants, applying the same sandbox-hardening
// defaults as the teacher's baseDockerArgs: no network unless
// requested, a pids cap, and a nofile ulimit.
func dockerRunConfig(opts RunOptions) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	config := &container.Config{
		Image:        opts.Image,
		Env:          opts.Env,
		Entrypoint:   opts.Entrypoint,
		Cmd:          opts.Command,
		User:         opts.User,
		AttachStdin:  len(opts.Stdin) > 0,
		OpenStdin:    len(opts.Stdin) > 0,
		StdinOnce:    len(opts.Stdin) > 0,
		ExposedPorts: dockerExposedPorts(opts.PortMappings),
	}

	hostConfig := &container.HostConfig{
		ReadonlyRootfs: opts.ReadOnly,
		Mounts:         dockerMounts(opts),
		PortBindings:   dockerPortBindings(opts.PortMappings),
		Resources: container.Resources{
			PidsLimit: dockerPidsLimit(),
		},
		Ulimits: []*container.Ulimit{
			{Name: "nofile", Soft: 1024, Hard: 1024},
		},
	}
	if opts.CPULimit > 0 {
		hostConfig.Resources.NanoCPUs = int64(opts.CPULimit) * 1_000_000
	}
	if opts.MemLimitMB > 0 {
		bytes := int64(opts.MemLimitMB) * 1024 * 1024
		hostConfig.Resources.Memory = bytes
		hostConfig.Resources.MemorySwap = bytes
	}

	netConfig := &network.NetworkingConfig{}
	if opts.NetworkDisabled {
		hostConfig.NetworkMode = "none"
	} else if opts.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(opts.Network)
	}

	return config, hostConfig, netConfig
}

func dockerPidsLimit() *int64 {
	limit := int64(100)
	return &limit
}

func dockerMounts(opts RunOptions) []mount.Mount {
	mounts := make([]mount.Mount, 0, len(opts.Volumes)+len(opts.SocketMounts))
	for _, v := range opts.Volumes {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   v.HostPath,
			Target:   v.ContainerPath,
			ReadOnly: v.ReadOnly,
		})
	}
	for _, s := range opts.SocketMounts {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: s.HostPath,
			Target: s.ContainerPath,
		})
	}
	return mounts
}

func dockerExposedPorts(mappings []PortMapping) nat.PortSet {
	if len(mappings) == 0 {
		return nil
	}
	set := make(nat.PortSet, len(mappings))
	for _, m := range mappings {
		port, err := nat.NewPort("tcp", fmt.Sprintf("%d", m.ContainerPort))
		if err != nil {
			continue
		}
		set[port] = struct{}{}
	}
	return set
}

func dockerPortBindings(mappings []PortMapping) nat.PortMap {
	if len(mappings) == 0 {
		return nil
	}
	bindings := make(nat.PortMap, len(mappings))
	for _, m := range mappings {
		port, err := nat.NewPort("tcp", fmt.Sprintf("%d", m.ContainerPort))
		if err != nil {
			continue
		}
		hostAddress := m.HostAddress
		if hostAddress == "" {
			hostAddress = "127.0.0.1"
		}
		bindings[port] = []nat.PortBinding{{HostIP: hostAddress, HostPort: fmt.Sprintf("%d", m.HostPort)}}
	}
	return bindings
}

func dockerBuildOptions(opts BuildOptions) image.BuildOptions {
	dockerfile := opts.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	return image.BuildOptions{
		Tags:       opts.Tags,
		Dockerfile: dockerfile,
		BuildArgs:  stringPtrMap(opts.BuildArgs),
	}
}

func stringPtrMap(in map[string]string) map[string]*string {
	if in == nil {
		return nil
	}
	out := make(map[string]*string, len(in))
	for k, v := range in {
		v := v
		out[k] = &v
	}
	return out
}

// scanBuildOutputForDigest reads the build response's JSON-stream
// output for the "writing image sha256:..." line BuildKit emits and
// extracts the digest callers want back.
func scanBuildOutputForDigest(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	text := string(data)
	const marker = "sha256:"
	idx := strings.LastIndex(text, marker)
	if idx == -1 {
		return "", fmt.Errorf("containers: build output had no digest")
	}
	end := idx + len(marker)
	for end < len(text) && isHexDigit(text[end]) {
		end++
	}
	return text[idx:end], nil
}

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f')
}

// tarDirectory packages a build context directory into the tar stream
// the Docker build API expects.
func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := addDirToTar(tw, dir, ""); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
