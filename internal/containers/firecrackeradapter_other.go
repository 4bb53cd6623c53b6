//go:build !linux

package containers

import (
	"context"
	"time"
)

// FirecrackerAdapter is unavailable outside Linux; every method other
// than IsAvailable reports ErrNotAvailable.
type FirecrackerAdapter struct{}

// FirecrackerConfig names the host paths every VM boots from.
type FirecrackerConfig struct {
	KernelPath   string
	RootFSImages map[string]string
}

// NewFirecrackerAdapter constructs a stub adapter; IsAvailable always
// reports false on this platform.
func NewFirecrackerAdapter(cfg FirecrackerConfig) *FirecrackerAdapter {
	return &FirecrackerAdapter{}
}

func (f *FirecrackerAdapter) Name() string { return "firecracker" }

func (f *FirecrackerAdapter) IsAvailable(ctx context.Context) bool { return false }

func (f *FirecrackerAdapter) Version(ctx context.Context) (string, error) {
	return "", ErrNotAvailable
}

func (f *FirecrackerAdapter) Pull(ctx context.Context, image string) error { return ErrNotAvailable }

func (f *FirecrackerAdapter) ImageExists(ctx context.Context, image string) (bool, error) {
	return false, ErrNotAvailable
}

func (f *FirecrackerAdapter) LoadImage(ctx context.Context, tarballPath string) error {
	return ErrNotAvailable
}

func (f *FirecrackerAdapter) Build(ctx context.Context, opts BuildOptions) (string, error) {
	return "", ErrNotAvailable
}

func (f *FirecrackerAdapter) InspectLabels(ctx context.Context, image string) (map[string]string, error) {
	return nil, ErrNotAvailable
}

func (f *FirecrackerAdapter) Run(ctx context.Context, opts RunOptions) (Handle, error) {
	return Handle{}, ErrNotAvailable
}

func (f *FirecrackerAdapter) Stop(ctx context.Context, handle Handle, timeout time.Duration) error {
	return ErrNotAvailable
}

func (f *FirecrackerAdapter) Kill(ctx context.Context, handle Handle) error { return ErrNotAvailable }

func (f *FirecrackerAdapter) Remove(ctx context.Context, handle Handle) error {
	return ErrNotAvailable
}

func (f *FirecrackerAdapter) Inspect(ctx context.Context, handle Handle) (InspectState, error) {
	return InspectState{}, ErrNotAvailable
}
