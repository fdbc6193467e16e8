// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Store         StoreConfig         `yaml:"store"`
	Engine        EngineConfig        `yaml:"engine"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// IdempotencyTTL is how long an Idempotency-Key on POST /journeys is
	// remembered. Zero disables key handling.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// IdentityConfig describes how operator API tokens are verified. Tokens are
// checked against a JWKS endpoint, or against a shared HMAC secret read from
// the environment variable named by SecretEnv.
type IdentityConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	JWKSURL      string        `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	SecretEnv    string        `yaml:"secret_env"`
	Algorithms   []string      `yaml:"algorithms"`
	SubjectClaim string        `yaml:"subject_claim"`
	RolesClaim   string        `yaml:"roles_claim"`
	// OperatorRole, when set, is required to create, pause, resume or
	// cancel journeys. Reads stay open to every authenticated caller.
	OperatorRole string        `yaml:"operator_role"`
}

// StoreConfig describes journey persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	Path            string        `yaml:"path"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// DSN returns the connection string from the configured environment
// variable.
func (s StoreConfig) DSN() string {
	if s.DSNEnv == "" {
		return ""
	}
	return os.Getenv(s.DSNEnv)
}

// EngineConfig describes step fault handling.
type EngineConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	BackoffJitter     float64       `yaml:"backoff_jitter"`
	SettleRetries     int           `yaml:"settle_retries"`
}

// SchedulerConfig describes the in-process scheduler and the recovery sweeper.
type SchedulerConfig struct {
	Workers          int           `yaml:"workers"`
	ResubmitRetries  int           `yaml:"resubmit_retries"`
	ResubmitInitial  time.Duration `yaml:"resubmit_initial"`
	ResubmitMax      time.Duration `yaml:"resubmit_max"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	SweepBatch       int           `yaml:"sweep_batch"`
	SweepLookahead   time.Duration `yaml:"sweep_lookahead"`
	StallAfter       time.Duration `yaml:"stall_after"`
	Claim            ClaimConfig   `yaml:"claim"`
	DrainGracePeriod time.Duration `yaml:"drain_grace_period"`
}

// ClaimConfig describes the Redis-backed cluster-wide in-flight claim.
type ClaimConfig struct {
	Enabled bool          `yaml:"enabled"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
	Prefix  string        `yaml:"prefix"`
}

// Addr returns the Redis address from the configured environment variable.
func (c ClaimConfig) Addr() string {
	if c.AddrEnv == "" {
		return ""
	}
	return os.Getenv(c.AddrEnv)
}

// CatalogConfig describes the built-in journey types.
type CatalogConfig struct {
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
	// BreakerThreshold consecutive failures to one receiver host open its
	// circuit for BreakerCooldown.
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			IdempotencyTTL:  24 * time.Hour,
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			SubjectClaim: "sub",
			RolesClaim:   "roles",
		},
		Store: StoreConfig{
			Driver:          DriverSQLite,
			DSNEnv:          "STEPPER_STORE_DSN",
			Path:            "stepper.db",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		Engine: EngineConfig{
			MaxAttempts:       10,
			BackoffInitial:    10 * time.Second,
			BackoffMultiplier: 2,
			BackoffMax:        1 * time.Hour,
			BackoffJitter:     0.1,
			SettleRetries:     5,
		},
		Scheduler: SchedulerConfig{
			Workers:          64,
			ResubmitRetries:  5,
			ResubmitInitial:  200 * time.Millisecond,
			ResubmitMax:      30 * time.Second,
			SweepInterval:    30 * time.Second,
			SweepBatch:       500,
			SweepLookahead:   5 * time.Second,
			StallAfter:       15 * time.Minute,
			DrainGracePeriod: 20 * time.Second,
			Claim: ClaimConfig{
				AddrEnv: "STEPPER_REDIS_ADDR",
				TTL:     10 * time.Minute,
				Prefix:  "stepper:claim:",
			},
		},
		Catalog: CatalogConfig{
			WebhookTimeout:   15 * time.Second,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if c.Identity.Enabled {
		if c.Identity.Issuer == "" {
			errs = append(errs, "identity.issuer is required")
		}
		if c.Identity.Audience == "" {
			errs = append(errs, "identity.audience is required")
		}
		if c.Identity.JWKSURL == "" && c.Identity.SecretEnv == "" {
			errs = append(errs, "identity.jwks_url or identity.secret_env is required")
		}
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, sqlite, postgres", c.Store.Driver))
	}

	if c.Engine.MaxAttempts < 1 {
		errs = append(errs, "engine.max_attempts must be at least 1")
	}
	if c.Engine.BackoffInitial <= 0 || c.Engine.BackoffMax < c.Engine.BackoffInitial {
		errs = append(errs, "engine.backoff_initial must be positive and not above engine.backoff_max")
	}
	if c.Engine.BackoffMultiplier < 1 {
		errs = append(errs, "engine.backoff_multiplier must be at least 1")
	}
	if c.Engine.BackoffJitter < 0 || c.Engine.BackoffJitter >= 1 {
		errs = append(errs, "engine.backoff_jitter must be in [0, 1)")
	}

	if c.Scheduler.Workers < 1 {
		errs = append(errs, "scheduler.workers must be at least 1")
	}
	if c.Scheduler.SweepInterval <= 0 {
		errs = append(errs, "scheduler.sweep_interval must be positive")
	}
	if c.Scheduler.StallAfter <= 0 {
		errs = append(errs, "scheduler.stall_after must be positive")
	}
	if c.Scheduler.Claim.Enabled && c.Scheduler.Claim.AddrEnv == "" {
		errs = append(errs, "scheduler.claim.addr_env is required when the claim is enabled")
	}

	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		errs = append(errs, "observability.tracing.sampling_rate must be in [0, 1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads STEPPER_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STEPPER_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("STEPPER_IDENTITY_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Identity.Enabled = b
		}
	}
	if v := os.Getenv("STEPPER_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("STEPPER_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("STEPPER_IDENTITY_OPERATOR_ROLE"); v != "" {
		cfg.Identity.OperatorRole = v
	}
	if v := os.Getenv("STEPPER_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("STEPPER_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("STEPPER_SCHEDULER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.Workers = n
		}
	}
	if v := os.Getenv("STEPPER_SCHEDULER_CLAIM_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Scheduler.Claim.Enabled = b
		}
	}
	if v := os.Getenv("STEPPER_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
