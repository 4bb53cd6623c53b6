package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/fred-drake/carapace/internal/config"
	"github.com/fred-drake/carapace/internal/containers"
	"github.com/fred-drake/carapace/internal/handlers/llmnormalize"
	"github.com/fred-drake/carapace/internal/handlers/reminders"
	"github.com/fred-drake/carapace/internal/pipeline"
	"github.com/fred-drake/carapace/internal/resumestore"
	"github.com/fred-drake/carapace/internal/supervisor"
)

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "carapace-supervisord",
		Short: "Host-side sandbox supervisor for untrusted agent containers",
	}
	root.AddCommand(buildServeCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor until SIGINT/SIGTERM",
		Long: `Start the supervisor: load configuration, bind the container
runtime adapter named by containers.runtime, register the reference
handler pack, and serve the control-plane gRPC health service and the
Prometheus /metrics endpoint.

Graceful shutdown tears down every managed container before exiting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "carapace.yaml", "Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("carapace-supervisord: load config: %w", err)
	}

	runtime, err := newRuntime(cfg.Containers)
	if err != nil {
		return fmt.Errorf("carapace-supervisord: container runtime: %w", err)
	}

	sup, err := supervisor.New(*cfg, runtime)
	if err != nil {
		return fmt.Errorf("carapace-supervisord: build supervisor: %w", err)
	}

	if err := registerReferenceHandlers(sup); err != nil {
		return fmt.Errorf("carapace-supervisord: register handlers: %w", err)
	}

	resumeStore, err := registerResumeResolvers(sup, cfg.Sessions, cfg.Dispatcher)
	if err != nil {
		return fmt.Errorf("carapace-supervisord: resume store: %w", err)
	}
	if resumeStore != nil {
		defer resumeStore.Close()
	}

	grpcServer, grpcListener, err := startControlPlane(cfg.Server)
	if err != nil {
		return fmt.Errorf("carapace-supervisord: control plane: %w", err)
	}
	go func() { _ = grpcServer.Serve(grpcListener) }()

	metricsServer := startMetricsServer(cfg.Server)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-runCtx.Done()

	grpcServer.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	return sup.Stop(shutdownCtx)
}

// newRuntime selects the container adapter named by cfg.Runtime,
// defaulting to Docker when unset.
func newRuntime(cfg config.ContainersConfig) (containers.Runtime, error) {
	switch cfg.Runtime {
	case "", "docker":
		return containers.NewDockerAdapter()
	case "podman":
		return containers.NewPodmanAdapter("")
	case "firecracker":
		return containers.NewFirecrackerAdapter(containers.FirecrackerConfig{}), nil
	default:
		return nil, fmt.Errorf("unsupported containers.runtime %q", cfg.Runtime)
	}
}

// registerReferenceHandlers installs the two supplemented-feature
// handlers (§5) so the supervisor has something concrete to dispatch
// to out of the box.
func registerReferenceHandlers(sup *supervisor.Supervisor) error {
	reminderHandler := reminders.New()
	if err := sup.RegisterHandler(&pipeline.Descriptor{
		Name:    "create_reminder",
		Schema:  []byte(reminders.Schema),
		Handler: reminderHandler,
	}); err != nil {
		return err
	}
	if err := sup.RegisterHandler(&pipeline.Descriptor{
		Name:    "list_reminders",
		Schema:  []byte(`{"type":"object"}`),
		Handler: reminderHandler,
	}); err != nil {
		return err
	}

	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		normalizeHandler := llmnormalize.New(llmnormalize.Config{APIKey: apiKey})
		if err := sup.RegisterHandler(&pipeline.Descriptor{
			Name:    "normalize_reminder_request",
			Schema:  []byte(llmnormalize.Schema),
			Handler: normalizeHandler,
		}); err != nil {
			return err
		}
	}
	return nil
}

// registerResumeResolvers opens the sqlite-backed resume store named by
// cfg.PersistPath, if any, and binds a resumestore.Resolver to every
// "explicit" mode group that names a ResumeKeyField. Returns a nil store
// when persistence is disabled so callers can skip the deferred Close.
func registerResumeResolvers(sup *supervisor.Supervisor, cfg config.SessionsConfig, dispatcherCfg config.DispatcherConfig) (*resumestore.Store, error) {
	if cfg.PersistPath == "" {
		return nil, nil
	}

	store, err := resumestore.Open(cfg.PersistPath)
	if err != nil {
		return nil, err
	}

	for group, policy := range dispatcherCfg.Groups {
		if policy.Mode != "explicit" || policy.ResumeKeyField == "" {
			continue
		}
		sup.RegisterResolver(group, resumestore.NewResolver(store, policy.ResumeKeyField))
	}
	return store, nil
}

// startControlPlane wires the supervisor's gRPC control-plane surface:
// just the standard health-checking protocol for now, matching the
// teacher's grpc_service.go health-service wiring without pulling in a
// custom protobuf service definition this supervisor doesn't need yet.
func startControlPlane(cfg config.ServerConfig) (*grpc.Server, net.Listener, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.GRPCPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	server := grpc.NewServer()
	healthServer := health.NewServer()
	healthServer.SetServingStatus("carapace.supervisor", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	return server, listener, nil
}

func startMetricsServer(cfg config.ServerConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.MetricsPort),
		Handler: mux,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}
