// Package config loads and validates the Manager's YAML configuration:
// server, auth, CORS, storage, dispatch/notify tuning, and the optional
// audit and retention features.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// rawDuration is a YAML-friendly duration that accepts Go duration strings
// ("30s", "5m") and unmarshals into time.Duration.
type rawDuration struct {
	time.Duration
}

func (d *rawDuration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the top-level Manager configuration.
type Config struct {
	Environment string `yaml:"environment"` // "development" (default) or "production"
	ManagerPort int    `yaml:"manager_port"`
	// ManagerVersion gates runner registration/heartbeat MAJOR.MINOR compatibility.
	ManagerVersion string `yaml:"manager_version"`

	// PublicBaseURL is the externally-reachable base URL of this Manager,
	// embedded as the completion_callback in every /task/run payload so
	// runners know where to report back. Empty defaults to
	// http://localhost:<manager_port>.
	PublicBaseURL string `yaml:"public_base_url"`

	AuthorizedTokens []string          `yaml:"authorized_tokens"`
	AdminUsers       map[string]string `yaml:"admin_users"` // user -> bcrypt hash

	CORSAllowOrigins     []string `yaml:"cors_allow_origins"`
	CORSAllowCredentials bool     `yaml:"cors_allow_credentials"`
	CORSAllowMethods     []string `yaml:"cors_allow_methods"`
	CORSAllowHeaders     []string `yaml:"cors_allow_headers"`

	LogDirectory string `yaml:"log_directory"`
	LogLevel     string `yaml:"log_level"` // debug|info|warn|error

	SharedStorageEnabled bool   `yaml:"runners_storage_enabled"`
	SharedStoragePath    string `yaml:"runners_storage_path"`
	// SharedStorageS3Endpoint, when set, switches shared-storage mode to
	// read through a minio.Client instead of the local filesystem.
	SharedStorageS3Endpoint  string `yaml:"shared_storage_s3_endpoint"`
	SharedStorageS3Bucket    string `yaml:"shared_storage_s3_bucket"`
	SharedStorageS3AccessKey string `yaml:"shared_storage_s3_access_key"`
	SharedStorageS3SecretKey string `yaml:"shared_storage_s3_secret_key"`
	SharedStorageS3UseSSL    bool   `yaml:"shared_storage_s3_use_ssl"`

	TaskStorePath string `yaml:"task_store_path"`

	HeartbeatDeadAfter     rawDuration `yaml:"heartbeat_dead_after"`
	HeartbeatSweepInterval rawDuration `yaml:"heartbeat_sweep_interval"`

	PingTimeout     rawDuration `yaml:"ping_timeout"`
	DispatchTimeout rawDuration `yaml:"dispatch_timeout"`

	DispatchRetryDelay  rawDuration `yaml:"dispatch_retry_delay"`
	DispatchMaxAttempts int         `yaml:"dispatch_max_attempts"` // 0 = unbounded
	DispatchWorkers     int         `yaml:"dispatch_workers"`
	DispatchQueueSize   int         `yaml:"dispatch_queue_size"`

	ExecutionTimeout     rawDuration `yaml:"execution_timeout"`
	TimeoutSweepInterval rawDuration `yaml:"timeout_sweep_interval"`

	NotifyMaxRetries    int         `yaml:"notify_max_retries"`
	NotifyRetryDelay    rawDuration `yaml:"notify_retry_delay"`
	NotifyBackoffFactor float64     `yaml:"notify_backoff_factor"`
	NotifyTimeout       rawDuration `yaml:"notify_timeout"`
	NotifyWorkers       int         `yaml:"notify_workers"`
	NotifyQueueSize     int         `yaml:"notify_queue_size"`

	GracefulShutdownTimeout rawDuration `yaml:"graceful_shutdown_timeout"`

	SSRFAllowPrivate bool `yaml:"ssrf_allow_private"` // default false, escape hatch for tests

	RedispatchOnStartup bool `yaml:"redispatch_on_startup"`

	// AuditLogDSN, when set, enables the Postgres audit sink; otherwise a
	// no-op in-memory sink is used so Postgres is not a hard dependency.
	AuditLogDSN string `yaml:"audit_log_dsn"`

	// TaskRetentionDays is how long day-bucket files are kept before the
	// retention sweep deletes them. 0 disables the sweep.
	TaskRetentionDays int `yaml:"task_retention_days"`
	// RetentionCron is the schedule the retention sweep runs on.
	RetentionCron string `yaml:"retention_cron"`
}

// DefaultConfig returns the Manager's built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Environment:    "development",
		ManagerPort:    8080,
		ManagerVersion: "1.2.0",

		AuthorizedTokens: nil,
		AdminUsers:       map[string]string{},

		CORSAllowOrigins:     []string{},
		CORSAllowCredentials: false,
		CORSAllowMethods:     []string{"GET", "POST"},
		CORSAllowHeaders:     []string{"Authorization", "X-API-Token", "Content-Type"},

		LogDirectory: "",
		LogLevel:     "info",

		SharedStorageEnabled: true,
		SharedStoragePath:    "./storage",

		TaskStorePath: "./data/tasks",

		HeartbeatDeadAfter:     rawDuration{180 * time.Second},
		HeartbeatSweepInterval: rawDuration{30 * time.Second},

		PingTimeout:     rawDuration{5 * time.Second},
		DispatchTimeout: rawDuration{30 * time.Second},

		DispatchRetryDelay:  rawDuration{15 * time.Second},
		DispatchMaxAttempts: 0,
		DispatchWorkers:     4,
		DispatchQueueSize:   256,

		ExecutionTimeout:     rawDuration{5 * time.Hour},
		TimeoutSweepInterval: rawDuration{60 * time.Second},

		NotifyMaxRetries:    5,
		NotifyRetryDelay:    rawDuration{60 * time.Second},
		NotifyBackoffFactor: 1.5,
		NotifyTimeout:       rawDuration{30 * time.Second},
		NotifyWorkers:       4,
		NotifyQueueSize:     256,

		GracefulShutdownTimeout: rawDuration{30 * time.Second},

		SSRFAllowPrivate: false,

		RedispatchOnStartup: true,

		TaskRetentionDays: 0,
		RetentionCron:     "0 3 * * *",
	}
}

// Load reads and parses a YAML config file at path, layering it over
// DefaultConfig, then validates the result. An empty path returns defaults
// unvalidated against production rules (used for tests / dev).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePath finds the config file path.
// Priority: RUNNER_MANAGER_CONFIG env var > ./manager.yaml > "" (defaults only).
func ResolvePath() string {
	if p := os.Getenv("RUNNER_MANAGER_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("manager.yaml"); err == nil {
		return "manager.yaml"
	}
	return ""
}

// validate applies the startup rules a production deployment needs to
// pass before it starts accepting traffic.
func (c *Config) validate() error {
	if c.ManagerPort <= 0 || c.ManagerPort > 65535 {
		return fmt.Errorf("manager_port %d is out of range", c.ManagerPort)
	}

	for _, t := range c.AuthorizedTokens {
		if t == "default-manager-token" && c.Environment == "production" {
			return fmt.Errorf("authorized_tokens: %q is not permitted in production", t)
		}
	}

	if c.CORSAllowCredentials {
		for _, o := range c.CORSAllowOrigins {
			if o == "*" {
				return fmt.Errorf("cors_allow_credentials cannot be combined with cors_allow_origins: [\"*\"]")
			}
		}
	}

	if c.DispatchMaxAttempts < 0 {
		return fmt.Errorf("dispatch_max_attempts must be >= 0")
	}
	if c.NotifyMaxRetries < 0 {
		return fmt.Errorf("notify_max_retries must be >= 0")
	}
	if c.NotifyBackoffFactor < 1 {
		return fmt.Errorf("notify_backoff_factor must be >= 1")
	}
	if c.TaskStorePath == "" {
		return fmt.Errorf("task_store_path is required")
	}
	if c.SharedStorageEnabled && c.SharedStorageS3Endpoint == "" && c.SharedStoragePath == "" {
		return fmt.Errorf("runners_storage_path is required when runners_storage_enabled and no S3 endpoint is set")
	}

	return nil
}
