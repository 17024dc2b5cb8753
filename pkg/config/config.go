package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the engine configuration loaded from a YAML file.
type Config struct {
	// Store configures the SQLite lifecycle store.
	Store StoreConfig `yaml:"store"`

	// Artifacts configures where the executor's outputs are read from.
	Artifacts ArtifactsConfig `yaml:"artifacts"`

	// Evidence configures the downstream evidence store.
	Evidence EvidenceConfig `yaml:"evidence"`

	// Executor configures the spool directories shared with the
	// external executor.
	Executor ExecutorConfig `yaml:"executor"`

	// Sweep configures the officer loop.
	Sweep SweepConfig `yaml:"sweep"`

	// Policy configures the submission gate.
	Policy PolicyConfig `yaml:"policy"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig configures the lifecycle store.
type StoreConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" validate:"required"`
}

// ArtifactsConfig configures the artifact store the executor writes to.
type ArtifactsConfig struct {
	// Backend selects the artifact store implementation.
	Backend string `yaml:"backend" validate:"oneof=local sftp"`

	// Root is the artifact root for the local backend.
	Root string `yaml:"root"`

	// SFTP configures the sftp backend.
	SFTP SFTPConfig `yaml:"sftp"`
}

// SFTPConfig holds connection settings for the sftp artifact backend.
type SFTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`

	// KeyFile is the path to the private key used for authentication.
	KeyFile string `yaml:"key_file"`

	// KnownHostsFile pins the executor host key. Empty skips verification,
	// which is acceptable only on isolated collection networks.
	KnownHostsFile string `yaml:"known_hosts_file"`

	// Root is the remote artifact root directory.
	Root string `yaml:"root"`
}

// EvidenceConfig configures the evidence sink.
type EvidenceConfig struct {
	// Root is the directory validated artifacts are ingested into.
	// Empty disables ingestion.
	Root string `yaml:"root"`
}

// ExecutorConfig configures the file spool shared with the executor.
type ExecutorConfig struct {
	// OutboxDir is where task specs are written for the executor.
	OutboxDir string `yaml:"outbox_dir" validate:"required"`

	// StatusDir is where the executor writes status reports.
	StatusDir string `yaml:"status_dir" validate:"required"`
}

// SweepConfig configures the officer loop.
type SweepConfig struct {
	// Interval between sweeps when running continuously.
	Interval time.Duration `yaml:"interval"`

	// MaxParallel bounds concurrent per-package advancement.
	MaxParallel int `yaml:"max_parallel"`

	// StuckFactor multiplies the duration estimate to flag stuck packages.
	StuckFactor int `yaml:"stuck_factor"`

	// MaxRunningIntensive caps concurrent resource-intensive handoffs.
	MaxRunningIntensive int `yaml:"max_running_intensive"`
}

// PolicyConfig configures the submission gate.
type PolicyConfig struct {
	// Paths lists directories or files of additional .rego policies.
	Paths []string `yaml:"paths"`
}

// TelemetryConfig configures logging, metrics and tracing.
type TelemetryConfig struct {
	LogLevel  string `yaml:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat string `yaml:"log_format" validate:"oneof=console json"`

	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsAddress string `yaml:"metrics_address"`

	TracingEnabled  bool    `yaml:"tracing_enabled"`
	TracingExporter string  `yaml:"tracing_exporter"`
	TracingEndpoint string  `yaml:"tracing_endpoint"`
	TracingSampling float64 `yaml:"tracing_sampling"`
}

// Default returns a configuration with sensible defaults for a local
// single-node deployment.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path: "curator.db",
		},
		Artifacts: ArtifactsConfig{
			Backend: "local",
			Root:    "artifacts",
		},
		Evidence: EvidenceConfig{
			Root: "evidence",
		},
		Executor: ExecutorConfig{
			OutboxDir: "spool/outbox",
			StatusDir: "spool/status",
		},
		Sweep: SweepConfig{
			Interval:            5 * time.Minute,
			MaxParallel:         4,
			StuckFactor:         6,
			MaxRunningIntensive: 1,
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			MetricsAddress:  ":9090",
			TracingExporter: "stdout",
			TracingSampling: 1.0,
		},
	}
}

// Load reads a YAML configuration file, applies defaults for omitted
// fields, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Artifacts.Backend == "local" && c.Artifacts.Root == "" {
		return fmt.Errorf("artifacts.root is required for the local backend")
	}
	if c.Artifacts.Backend == "sftp" {
		if c.Artifacts.SFTP.Host == "" || c.Artifacts.SFTP.User == "" {
			return fmt.Errorf("artifacts.sftp.host and artifacts.sftp.user are required for the sftp backend")
		}
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep.interval must be positive")
	}
	return nil
}
