package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fred-drake/carapace/internal/audit"
	"github.com/fred-drake/carapace/internal/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config is the supervisor's aggregate configuration, populated by the
// host-side loader (outer CLI config is an external collaborator, see
// SPEC_FULL.md §2.3) and passed to every component constructor.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Router     RouterConfig     `yaml:"router"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	RateLimit  ratelimit.Config `yaml:"rate_limit"`
	Containers ContainersConfig `yaml:"containers"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Audit      audit.Config     `yaml:"audit"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the supervisor's control-plane surface.
type ServerConfig struct {
	Host        string `yaml:"host"`
	GRPCPort    int    `yaml:"grpc_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// RouterConfig configures the request/response transport layer.
type RouterConfig struct {
	// SocketDir is the directory under which per-session Unix-domain
	// sockets are bind-mounted into container filesystem namespaces.
	SocketDir string `yaml:"socket_dir"`

	// WebSocketAddr, when non-empty, enables the loopback WebSocket
	// transport alongside the Unix-socket one.
	WebSocketAddr string `yaml:"websocket_addr"`

	// RequestTimeout is how long the router waits for a handler response
	// before synthesizing a timeout error back to the container.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxPendingPerSession caps in-flight correlated requests per session.
	MaxPendingPerSession int `yaml:"max_pending_per_session"`
}

// PipelineConfig configures the validation/dispatch pipeline.
type PipelineConfig struct {
	// SchemaDir holds the JSON Schema documents compiled once at
	// Catalog.Register time (SPEC_FULL.md §2.5).
	SchemaDir string `yaml:"schema_dir"`

	// MaxPayloadBytes bounds a request's serialized argument payload.
	MaxPayloadBytes int `yaml:"max_payload_bytes"`
}

// ContainersConfig configures the container/session lifecycle manager.
type ContainersConfig struct {
	// Runtime selects the adapter: "docker", "firecracker", or "podman".
	Runtime string `yaml:"runtime"`

	// Image is the default sandbox image reference.
	Image string `yaml:"image"`

	// NetworkEnabled controls whether spawned containers get a network
	// namespace at all; default is disabled (`--network none`).
	NetworkEnabled bool `yaml:"network_enabled"`

	// SpawnTimeout bounds how long the lifecycle manager waits for a
	// container to report healthy before rolling back the spawn.
	SpawnTimeout time.Duration `yaml:"spawn_timeout"`

	// IdleTimeout terminates a container whose session has seen no
	// traffic for this long. Zero disables idle reaping.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	Limits ContainerResourceLimits `yaml:"limits"`
}

// ContainerResourceLimits mirrors the adapter-agnostic resource caps
// applied regardless of which runtime adapter is active.
type ContainerResourceLimits struct {
	MaxCPU      int    `yaml:"max_cpu"`
	MaxMemory   string `yaml:"max_memory"`
	PidsLimit   int    `yaml:"pids_limit"`
}

// DefaultContainersConfig returns sane container lifecycle defaults.
func DefaultContainersConfig() ContainersConfig {
	return ContainersConfig{
		Runtime:        "docker",
		NetworkEnabled: false,
		SpawnTimeout:   30 * time.Second,
		IdleTimeout:    15 * time.Minute,
		Limits: ContainerResourceLimits{
			MaxCPU:    1,
			MaxMemory: "512m",
			PidsLimit: 128,
		},
	}
}

// GroupPolicy configures how the event dispatcher resolves a session for
// a given handler group.
type GroupPolicy struct {
	// Mode is "fresh" (always spawn a new session), "resume" (reuse a
	// live session keyed by connection identity), or "explicit" (caller
	// supplies a session id).
	Mode string `yaml:"mode"`

	// MaxSessions caps concurrently live sessions for this group. Zero
	// means use DispatcherConfig.DefaultMaxSessions.
	MaxSessions int `yaml:"max_sessions"`

	// Topics restricts which event topics may trigger a spawn for this
	// group. Empty means unrestricted. A topic outside this set (or
	// matching a reserved response namespace) is silently dropped.
	Topics []string `yaml:"topics"`

	// Image overrides ContainersConfig.Image for sessions spawned under
	// this group. Empty selects the container-wide default.
	Image string `yaml:"image"`

	// SpawnRatePerSecond smooths the burst of spawns the group's
	// MaxSessions cap would otherwise allow all at once. Zero disables
	// smoothing for the group (MaxSessions is still enforced).
	SpawnRatePerSecond float64 `yaml:"spawn_rate_per_second"`

	// SpawnBurst is the smoothing token bucket's burst size. Zero
	// defaults to 1 when SpawnRatePerSecond is set.
	SpawnBurst int `yaml:"spawn_burst"`

	// ResumeKeyField names the inbound event payload field an
	// "explicit" mode group's caller uses to request a specific prior
	// session. Only consulted when SessionsConfig.PersistPath is set;
	// empty disables persisted resume for the group even in explicit mode.
	ResumeKeyField string `yaml:"resume_key_field"`
}

// DispatcherConfig configures the event dispatcher's group resolution.
type DispatcherConfig struct {
	// ResumeFallback controls what happens when Mode is "resume" but no
	// live session exists for the connection identity: "fresh" (spawn a
	// new session, the default) or "drop" (reject the event).
	ResumeFallback string `yaml:"resume_fallback"`

	// DefaultMaxSessions is the session cap applied to any group whose
	// GroupPolicy.MaxSessions is zero.
	DefaultMaxSessions int `yaml:"default_max_sessions"`

	// Groups maps group name to its resolution policy.
	Groups map[string]GroupPolicy `yaml:"groups"`
}

// SessionsConfig configures the session manager and its optional
// sqlite-backed resumable-session store.
type SessionsConfig struct {
	// PersistPath, when non-empty, enables the sqlite-backed key/value
	// store for resumable session state (SPEC_FULL.md §3, §6).
	PersistPath string `yaml:"persist_path"`

	// CleanupInterval is how often expired sessions are swept.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// IdleExpiry terminates a session with no activity for this long.
	IdleExpiry time.Duration `yaml:"idle_expiry"`
}

// LoggingConfig configures the ambient structured logger (SPEC_FULL.md §2.1).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file, expanding ${VAR}
// environment references, applying env-var overrides, filling defaults,
// and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyRouterDefaults(&cfg.Router)
	applyPipelineDefaults(&cfg.Pipeline)
	applyRateLimitDefaults(&cfg.RateLimit)
	applyContainersDefaults(&cfg.Containers)
	applyDispatcherDefaults(&cfg.Dispatcher)
	applySessionsDefaults(&cfg.Sessions)
	applyAuditDefaults(&cfg.Audit)
	applyLoggingDefaults(&cfg.Logging)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.GRPCPort == 0 {
		cfg.GRPCPort = 50051
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
}

func applyRouterDefaults(cfg *RouterConfig) {
	if cfg.SocketDir == "" {
		cfg.SocketDir = "/var/run/carapace"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxPendingPerSession == 0 {
		cfg.MaxPendingPerSession = 64
	}
}

func applyPipelineDefaults(cfg *PipelineConfig) {
	if cfg.MaxPayloadBytes == 0 {
		cfg.MaxPayloadBytes = 1 << 20 // 1 MiB
	}
}

func applyRateLimitDefaults(cfg *ratelimit.Config) {
	if cfg.RequestsPerSecond == 0 && cfg.BurstSize == 0 && !cfg.Enabled {
		*cfg = ratelimit.DefaultConfig()
	}
}

func applyAuditDefaults(cfg *audit.Config) {
	if cfg.Level == "" && cfg.Format == "" && cfg.Output == "" {
		enabled := cfg.Enabled
		*cfg = audit.DefaultConfig()
		cfg.Enabled = enabled
	}
}

func applyContainersDefaults(cfg *ContainersConfig) {
	defaults := DefaultContainersConfig()
	if cfg.Runtime == "" {
		cfg.Runtime = defaults.Runtime
	}
	if cfg.SpawnTimeout == 0 {
		cfg.SpawnTimeout = defaults.SpawnTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaults.IdleTimeout
	}
	if cfg.Limits.MaxCPU == 0 {
		cfg.Limits.MaxCPU = defaults.Limits.MaxCPU
	}
	if cfg.Limits.MaxMemory == "" {
		cfg.Limits.MaxMemory = defaults.Limits.MaxMemory
	}
	if cfg.Limits.PidsLimit == 0 {
		cfg.Limits.PidsLimit = defaults.Limits.PidsLimit
	}
}

func applyDispatcherDefaults(cfg *DispatcherConfig) {
	if cfg.ResumeFallback == "" {
		cfg.ResumeFallback = "fresh"
	}
	if cfg.DefaultMaxSessions == 0 {
		cfg.DefaultMaxSessions = 100
	}
}

func applySessionsDefaults(cfg *SessionsConfig) {
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.IdleExpiry == 0 {
		cfg.IdleExpiry = 30 * time.Minute
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if value := strings.TrimSpace(os.Getenv("CARAPACE_HOST")); value != "" {
		cfg.Server.Host = value
	}
	if value := strings.TrimSpace(os.Getenv("CARAPACE_GRPC_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.GRPCPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("CARAPACE_METRICS_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.MetricsPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("CARAPACE_SOCKET_DIR")); value != "" {
		cfg.Router.SocketDir = value
	}
	if value := strings.TrimSpace(os.Getenv("CARAPACE_CONTAINER_RUNTIME")); value != "" {
		cfg.Containers.Runtime = value
	}
	if value := strings.TrimSpace(os.Getenv("CARAPACE_SESSIONS_PERSIST_PATH")); value != "" {
		cfg.Sessions.PersistPath = value
	}
}

// ConfigValidationError reports every structural config problem found,
// rather than failing on the first one.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	if cfg.Router.RequestTimeout < 0 {
		issues = append(issues, "router.request_timeout must be >= 0")
	}
	if cfg.Router.MaxPendingPerSession < 0 {
		issues = append(issues, "router.max_pending_per_session must be >= 0")
	}
	if cfg.Pipeline.MaxPayloadBytes < 0 {
		issues = append(issues, "pipeline.max_payload_bytes must be >= 0")
	}
	if cfg.RateLimit.RequestsPerSecond < 0 {
		issues = append(issues, "rate_limit.requests_per_second must be >= 0")
	}
	if cfg.RateLimit.BurstSize < 0 {
		issues = append(issues, "rate_limit.burst_size must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Containers.Runtime)) {
	case "docker", "firecracker", "podman":
	default:
		issues = append(issues, "containers.runtime must be \"docker\", \"firecracker\", or \"podman\"")
	}
	if cfg.Containers.SpawnTimeout < 0 {
		issues = append(issues, "containers.spawn_timeout must be >= 0")
	}
	if cfg.Containers.IdleTimeout < 0 {
		issues = append(issues, "containers.idle_timeout must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Dispatcher.ResumeFallback)) {
	case "fresh", "drop":
	default:
		issues = append(issues, "dispatcher.resume_fallback must be \"fresh\" or \"drop\"")
	}
	if cfg.Dispatcher.DefaultMaxSessions < 0 {
		issues = append(issues, "dispatcher.default_max_sessions must be >= 0")
	}
	for name, policy := range cfg.Dispatcher.Groups {
		switch strings.ToLower(strings.TrimSpace(policy.Mode)) {
		case "fresh", "resume", "explicit":
		default:
			issues = append(issues, fmt.Sprintf("dispatcher.groups[%s].mode must be \"fresh\", \"resume\", or \"explicit\"", name))
		}
		if policy.MaxSessions < 0 {
			issues = append(issues, fmt.Sprintf("dispatcher.groups[%s].max_sessions must be >= 0", name))
		}
	}

	if cfg.Sessions.CleanupInterval < 0 {
		issues = append(issues, "sessions.cleanup_interval must be >= 0")
	}
	if cfg.Sessions.IdleExpiry < 0 {
		issues = append(issues, "sessions.idle_expiry must be >= 0")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}

	return nil
}
