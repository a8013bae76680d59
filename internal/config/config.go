// Package config loads process configuration from the environment, with
// an optional YAML overlay for deployments that ship a config file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
	Database   DatabaseConfig   `yaml:"database"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL,default=info" yaml:"level"`
	Format string `env:"LOG_FORMAT,default=json" yaml:"format"`
}

type HTTPConfig struct {
	Addr            string        `env:"HTTP_ADDR,default=:8080" yaml:"addr"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT,default=15s" yaml:"read_timeout"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT,default=30s" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT,default=10s" yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL,default=postgres://localhost:5432/treasury_core?sslmode=disable" yaml:"url"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS,default=25" yaml:"max_open_conns"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS,default=5" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME,default=30m" yaml:"conn_max_lifetime"`
	MigrateOnStart  bool          `env:"DB_MIGRATE_ON_START,default=true" yaml:"migrate_on_start"`
}

// ReconcilerConfig pins every knob the reconciliation engine needs. The
// retry/backoff schedule and the async provider timeout are deliberately
// configuration keys rather than constants.
type ReconcilerConfig struct {
	Workers          int           `env:"RECONCILER_WORKERS,default=4" yaml:"workers"`
	ClaimInterval    time.Duration `env:"RECONCILER_CLAIM_INTERVAL,default=5s" yaml:"claim_interval"`
	StaleThreshold   time.Duration `env:"RECONCILER_STALE_THRESHOLD,default=1h" yaml:"stale_threshold"`
	SweepInterval    time.Duration `env:"RECONCILER_SWEEP_INTERVAL,default=10m" yaml:"sweep_interval"`
	MaxErrors        int           `env:"RECONCILER_MAX_ERRORS,default=5" yaml:"max_errors"`
	RetryBackoffBase time.Duration `env:"RECONCILER_RETRY_BACKOFF_BASE,default=30s" yaml:"retry_backoff_base"`
	RetryBackoffMax  time.Duration `env:"RECONCILER_RETRY_BACKOFF_MAX,default=15m" yaml:"retry_backoff_max"`
	AsyncJobTimeout  time.Duration `env:"RECONCILER_ASYNC_JOB_TIMEOUT,default=30m" yaml:"async_job_timeout"`
	PageDeadline     time.Duration `env:"RECONCILER_PAGE_DEADLINE,default=30s" yaml:"page_deadline"`
	RateLimit        float64       `env:"RECONCILER_RATE_LIMIT,default=5" yaml:"rate_limit"`
	RateBurst        int           `env:"RECONCILER_RATE_BURST,default=10" yaml:"rate_burst"`
}

type ClassifierConfig struct {
	Schedule    string `env:"CLASSIFIER_SCHEDULE,default=@every 5m" yaml:"schedule"`
	BatchSize   int    `env:"CLASSIFIER_BATCH_SIZE,default=25" yaml:"batch_size"`
	MaxAttempts int    `env:"CLASSIFIER_MAX_ATTEMPTS,default=3" yaml:"max_attempts"`
}

type WorkflowConfig struct {
	MaxBroadcastAttempts int `env:"WORKFLOW_MAX_BROADCAST_ATTEMPTS,default=3" yaml:"max_broadcast_attempts"`
}

// Load reads .env (when present), then the environment, then an optional
// YAML file named by CONFIG_FILE. YAML values override env values.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode environment: %w", err)
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Reconciler.Workers < 1 {
		return fmt.Errorf("config: reconciler workers must be >= 1, got %d", c.Reconciler.Workers)
	}
	if c.Reconciler.MaxErrors < 1 {
		return fmt.Errorf("config: reconciler max errors must be >= 1, got %d", c.Reconciler.MaxErrors)
	}
	if c.Classifier.BatchSize < 1 {
		return fmt.Errorf("config: classifier batch size must be >= 1, got %d", c.Classifier.BatchSize)
	}
	if c.Classifier.MaxAttempts < 1 {
		return fmt.Errorf("config: classifier max attempts must be >= 1, got %d", c.Classifier.MaxAttempts)
	}
	if c.Workflow.MaxBroadcastAttempts < 1 {
		return fmt.Errorf("config: workflow max broadcast attempts must be >= 1, got %d", c.Workflow.MaxBroadcastAttempts)
	}
	return nil
}
