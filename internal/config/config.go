// Package config handles loading and validating sanduku configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/sanduku/internal/observability"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for sanduku.
type Config struct {
	Server        ServerConfig         `json:"server" yaml:"server"`
	Worker        WorkerConfig         `json:"worker" yaml:"worker"`
	Manager       ManagerConfig        `json:"manager" yaml:"manager"`
	Pool          PoolConfig           `json:"pool" yaml:"pool"`
	Backend       BackendConfig        `json:"backend" yaml:"backend"`
	Ports         PortsConfig          `json:"ports" yaml:"ports"`
	State         StateConfig          `json:"state" yaml:"state"`
	Types         []TypeConfig         `json:"types,omitempty" yaml:"types,omitempty"` // Custom types registered at startup.
	Maintenance   MaintenanceConfig    `json:"maintenance" yaml:"maintenance"`
	Archive       *ArchiveConfig       `json:"archive,omitempty" yaml:"archive,omitempty"`             // nil = log archival disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ServerConfig configures the HTTP management gateway.
type ServerConfig struct {
	Host              string            `json:"host" yaml:"host"` // Default: "0.0.0.0".
	Port              int               `json:"port" yaml:"port"` // Default: 8090.
	EnableDocs        bool              `json:"enable_docs" yaml:"enable_docs"`
	APIKeys           map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`   // API key → caller ID. Override: SANDUKU_API_KEYS.
	RequestsPerMinute int               `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int               `json:"burst_size" yaml:"burst_size"`
}

// ListenAddr returns the host:port bind address.
func (s ServerConfig) ListenAddr() string {
	host := s.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := s.Port
	if port == 0 {
		port = 8090
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// WorkerConfig identifies this worker process.
type WorkerConfig struct {
	ID       string `json:"id,omitempty" yaml:"id,omitempty"` // Default: hostname-pid.
	BaseHost string `json:"base_host" yaml:"base_host"`       // Host in handle base URLs. Default: "127.0.0.1".
}

// ManagerConfig configures the lifecycle controller.
type ManagerConfig struct {
	DefaultType    string `json:"default_type" yaml:"default_type"`                     // Default: "base".
	AutoCleanup    *bool  `json:"auto_cleanup,omitempty" yaml:"auto_cleanup,omitempty"` // Default: true.
	MaxIdleSeconds int    `json:"max_idle_s" yaml:"max_idle_s"`                         // Sweep threshold. Default: 900.
	ShutdownGraceS int    `json:"shutdown_grace_s" yaml:"shutdown_grace_s"`             // Default: 30.
	TokenSecret    string `json:"token_secret,omitempty" yaml:"token_secret,omitempty"` // Override: SANDUKU_TOKEN_SECRET.
}

// CleanupEnabled returns the auto-cleanup policy, defaulting to true.
func (m ManagerConfig) CleanupEnabled() bool {
	if m.AutoCleanup != nil {
		return *m.AutoCleanup
	}
	return true
}

// MaxIdle returns the sweep idle threshold with a default of 15m.
func (m ManagerConfig) MaxIdle() time.Duration {
	if m.MaxIdleSeconds > 0 {
		return time.Duration(m.MaxIdleSeconds) * time.Second
	}
	return 15 * time.Minute
}

// ShutdownGrace returns the shutdown deadline with a default of 30s.
func (m ManagerConfig) ShutdownGrace() time.Duration {
	if m.ShutdownGraceS > 0 {
		return time.Duration(m.ShutdownGraceS) * time.Second
	}
	return 30 * time.Second
}

// PoolConfig configures warm pool sizing.
type PoolConfig struct {
	DefaultSize int            `json:"default_size" yaml:"default_size"`       // Warm target per type. 0 = pooling disabled.
	Sizes       map[string]int `json:"sizes,omitempty" yaml:"sizes,omitempty"` // Per-type overrides.
	NamePrefix  string         `json:"name_prefix" yaml:"name_prefix"`         // Default: "sanduku".
	MountDir    string         `json:"mount_dir" yaml:"mount_dir"`             // Host dir mounted by filesystem-type sandboxes.
}

// BackendConfig selects the container backend.
type BackendConfig struct {
	Driver     string            `json:"driver" yaml:"driver"` // "docker" (default) or "k8s".
	Kubernetes *KubernetesConfig `json:"kubernetes,omitempty" yaml:"kubernetes,omitempty"`
}

// BackendDriver returns the configured driver, defaulting to "docker".
func (b BackendConfig) BackendDriver() string {
	if b.Driver != "" {
		return b.Driver
	}
	return "docker"
}

// KubernetesConfig holds kubectl-specific settings.
type KubernetesConfig struct {
	Namespace  string `json:"namespace" yaml:"namespace"`   // Default: "default".
	Kubeconfig string `json:"kubeconfig" yaml:"kubeconfig"` // Empty = ambient kubeconfig.
}

// PortsConfig is the host port range reserved for sandbox instances.
type PortsConfig struct {
	Low  int `json:"low" yaml:"low"`   // Default: 49152.
	High int `json:"high" yaml:"high"` // Default: 49407.
}

// Range returns the configured range with defaults applied.
func (p PortsConfig) Range() (int, int) {
	low, high := p.Low, p.High
	if low == 0 && high == 0 {
		low, high = 49152, 49407
	}
	return low, high
}

// StateConfig configures the shared state store.
type StateConfig struct {
	Driver    string               `json:"driver" yaml:"driver"`                         // "memory" (default), "sqlite", "postgres".
	Namespace string               `json:"namespace" yaml:"namespace"`                   // Key namespace for multi-deployment DBs. Default: "default".
	SQLite    *SQLiteStateConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres  *PostgresStateConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StateDriver returns the configured driver, defaulting to "memory".
func (s StateConfig) StateDriver() string {
	if s.Driver != "" {
		return s.Driver
	}
	return "memory"
}

// SQLiteStateConfig holds SQLite-specific settings.
type SQLiteStateConfig struct {
	Path string `json:"path" yaml:"path"` // Database file path.
}

// PostgresStateConfig holds PostgreSQL-specific settings.
type PostgresStateConfig struct {
	DSN          string `json:"dsn" yaml:"dsn"`                       // Override: SANDUKU_DB_DSN.
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns"` // Default: 10
	MaxIdleConns int    `json:"max_idle_conns" yaml:"max_idle_conns"` // Default: 2
}

// TypeConfig registers a custom sandbox type at startup.
type TypeConfig struct {
	Name         string            `json:"name" yaml:"name"`
	Image        string            `json:"image" yaml:"image"`
	Security     string            `json:"security" yaml:"security"` // "strict" (default) or "standard".
	TimeoutS     int               `json:"timeout_s" yaml:"timeout_s"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	MemoryMB     int               `json:"memory_mb" yaml:"memory_mb"`
	CPUCores     float64           `json:"cpu_cores" yaml:"cpu_cores"`
	PIDsLimit    int               `json:"pids_limit" yaml:"pids_limit"`
	MountWorkdir bool              `json:"mount_workdir" yaml:"mount_workdir"`
}

// MaintenanceConfig schedules the background loops.
type MaintenanceConfig struct {
	FillSchedule  string `json:"fill_schedule" yaml:"fill_schedule"`   // Default: "@every 30s".
	SweepSchedule string `json:"sweep_schedule" yaml:"sweep_schedule"` // Default: "@every 1m".
}

// ArchiveConfig configures object-storage log archival.
// When nil, destroyed sandboxes' logs are discarded.
type ArchiveConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	AccessKey string `json:"access_key" yaml:"access_key"` // Override: SANDUKU_ARCHIVE_ACCESS_KEY.
	SecretKey string `json:"secret_key" yaml:"secret_key"` // Override: SANDUKU_ARCHIVE_SECRET_KEY.
	Bucket    string `json:"bucket" yaml:"bucket"`
	Prefix    string `json:"prefix" yaml:"prefix"` // Default: "sandbox-logs".
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig               `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *observability.TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsEnabled reports whether the /metrics endpoint should be served.
func (o *ObservabilityConfig) MetricsEnabled() bool {
	return o != nil && o.Metrics != nil && o.Metrics.Enabled
}

// TracingConfig returns the tracing section, nil when absent.
func (o *ObservabilityConfig) TracingConfig() *observability.TracingConfig {
	if o == nil {
		return nil
	}
	return o.Tracing
}

// DefaultConfigPath returns the default config file path (~/.sanduku/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/sanduku.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".sanduku", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Secrets can be set in the config file or overridden by
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides lets secrets live outside the config file.
func (c *Config) applyEnvOverrides() {
	if env := os.Getenv("SANDUKU_TOKEN_SECRET"); env != "" {
		c.Manager.TokenSecret = env
	}
	if env := os.Getenv("SANDUKU_DB_DSN"); env != "" {
		if c.State.Postgres == nil {
			c.State.Postgres = &PostgresStateConfig{}
		}
		c.State.Postgres.DSN = env
	}
	if env := os.Getenv("SANDUKU_ARCHIVE_ACCESS_KEY"); env != "" {
		if c.Archive == nil {
			c.Archive = &ArchiveConfig{}
		}
		c.Archive.AccessKey = env
	}
	if env := os.Getenv("SANDUKU_ARCHIVE_SECRET_KEY"); env != "" {
		if c.Archive == nil {
			c.Archive = &ArchiveConfig{}
		}
		c.Archive.SecretKey = env
	}
	// SANDUKU_API_KEYS: comma-separated key:caller pairs.
	if env := os.Getenv("SANDUKU_API_KEYS"); env != "" {
		if c.Server.APIKeys == nil {
			c.Server.APIKeys = make(map[string]string)
		}
		for _, pair := range strings.Split(env, ",") {
			key, caller, ok := strings.Cut(strings.TrimSpace(pair), ":")
			if !ok || key == "" {
				continue
			}
			c.Server.APIKeys[key] = caller
		}
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func (c *Config) validate() error {
	switch c.Backend.BackendDriver() {
	case "docker", "k8s":
		// valid
	default:
		return fmt.Errorf("backend.driver %q is not supported (use docker or k8s)", c.Backend.Driver)
	}

	switch c.State.StateDriver() {
	case "memory":
		// valid
	case "sqlite":
		if c.State.SQLite == nil || c.State.SQLite.Path == "" {
			return fmt.Errorf("state.sqlite.path is required for the sqlite state driver")
		}
	case "postgres":
		if c.State.Postgres == nil || c.State.Postgres.DSN == "" {
			return fmt.Errorf("state.postgres.dsn is required for the postgres state driver (set SANDUKU_DB_DSN env var)")
		}
	default:
		return fmt.Errorf("state.driver %q is not supported (use memory, sqlite, or postgres)", c.State.Driver)
	}

	low, high := c.Ports.Range()
	if low < 1024 || high > 65535 || low > high {
		return fmt.Errorf("ports range [%d, %d] is invalid (1024 <= low <= high <= 65535)", low, high)
	}

	if c.Pool.DefaultSize < 0 {
		return fmt.Errorf("pool.default_size must not be negative")
	}
	for name, n := range c.Pool.Sizes {
		if n < 0 {
			return fmt.Errorf("pool.sizes.%s must not be negative", name)
		}
	}

	if c.Manager.MaxIdleSeconds < 0 {
		return fmt.Errorf("manager.max_idle_s must not be negative")
	}
	if c.Manager.ShutdownGraceS < 0 {
		return fmt.Errorf("manager.shutdown_grace_s must not be negative")
	}

	typeNames := make(map[string]bool, len(c.Types))
	for i, t := range c.Types {
		if t.Name == "" {
			return fmt.Errorf("types[%d].name is required", i)
		}
		if typeNames[t.Name] {
			return fmt.Errorf("types[%d]: duplicate type name %q", i, t.Name)
		}
		typeNames[t.Name] = true
		if t.Image == "" {
			return fmt.Errorf("types[%d] (%q): image is required", i, t.Name)
		}
		switch t.Security {
		case "", "strict", "standard":
			// valid
		default:
			return fmt.Errorf("types[%d] (%q): security must be strict or standard", i, t.Name)
		}
	}

	if c.Archive != nil && c.Archive.Enabled {
		if c.Archive.AccessKey == "" || c.Archive.SecretKey == "" {
			return fmt.Errorf("archive.access_key and archive.secret_key are required when archival is enabled (set SANDUKU_ARCHIVE_ACCESS_KEY / SANDUKU_ARCHIVE_SECRET_KEY)")
		}
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when archival is enabled")
		}
	}

	return nil
}
