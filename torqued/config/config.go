// Package config loads the torqued configuration from an optional yaml
// file, then applies TORQUE_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml values can be written as "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Backoff controls retry scheduling.
type Backoff struct {
	Policy      string   `yaml:"policy"`       // linear | exponential
	BaseDelay   Duration `yaml:"base_delay"`   //
	MaxDelay    Duration `yaml:"max_delay"`    // clamp for both policies
	MaxAttempts int      `yaml:"max_attempts"` // 0 = retry indefinitely
}

// Config is the full torqued configuration.
type Config struct {
	ListenAddr    string `yaml:"listen_addr"`
	PostgresURL   string `yaml:"postgres_url"` // empty: in-memory store
	RedisAddr     string `yaml:"redis_addr"`   // empty: in-process bus
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	Authenticate bool   `yaml:"authenticate"`
	AuthToken    string `yaml:"auth_token"`
	EnableHSTS   bool   `yaml:"enable_hsts"`

	Backoff Backoff `yaml:"backoff"`

	TaskTimeout   Duration `yaml:"task_timeout"`   // default outbound deadline
	ClaimDuration Duration `yaml:"claim_duration"` // must exceed task_timeout + margin

	PollInterval Duration `yaml:"poll_interval"`
	GCInterval   Duration `yaml:"gc_interval"`
	GCRetention  Duration `yaml:"gc_retention"`

	WorkerCount int `yaml:"worker_count"`

	EnqueueRate  float64 `yaml:"enqueue_rate"`  // requests/sec admitted on POST /
	EnqueueBurst int     `yaml:"enqueue_burst"` //
}

// claimMargin is the minimum headroom between the outbound deadline and
// the claim expiry, so classification and the fenced commit land before
// another worker can legally re-claim.
const claimMargin = 2 * time.Second

// Default returns the production defaults.
func Default() Config {
	return Config{
		ListenAddr:   ":8080",
		Authenticate: true,
		EnableHSTS:   true,
		Backoff: Backoff{
			Policy:      "exponential",
			BaseDelay:   Duration(1 * time.Second),
			MaxDelay:    Duration(60 * time.Second),
			MaxAttempts: 5,
		},
		TaskTimeout:   Duration(20 * time.Second),
		ClaimDuration: Duration(30 * time.Second),
		PollInterval:  Duration(1 * time.Second),
		GCInterval:    Duration(1 * time.Minute),
		GCRetention:   Duration(1 * time.Hour),
		WorkerCount:   8,
		EnqueueRate:   100,
		EnqueueBurst:  200,
	}
}

// Load reads path (when non-empty) over the defaults, then applies env
// overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString("TORQUE_LISTEN_ADDR", &c.ListenAddr)
	envString("TORQUE_POSTGRES_URL", &c.PostgresURL)
	envString("TORQUE_REDIS_ADDR", &c.RedisAddr)
	envString("TORQUE_REDIS_PASSWORD", &c.RedisPassword)
	envInt("TORQUE_REDIS_DB", &c.RedisDB)
	envBool("TORQUE_AUTHENTICATE", &c.Authenticate)
	envString("TORQUE_AUTH_TOKEN", &c.AuthToken)
	envBool("TORQUE_ENABLE_HSTS", &c.EnableHSTS)
	envString("TORQUE_BACKOFF_POLICY", &c.Backoff.Policy)
	envDuration("TORQUE_BACKOFF_BASE_DELAY", &c.Backoff.BaseDelay)
	envDuration("TORQUE_BACKOFF_MAX_DELAY", &c.Backoff.MaxDelay)
	envInt("TORQUE_BACKOFF_MAX_ATTEMPTS", &c.Backoff.MaxAttempts)
	envDuration("TORQUE_TASK_TIMEOUT", &c.TaskTimeout)
	envDuration("TORQUE_CLAIM_DURATION", &c.ClaimDuration)
	envDuration("TORQUE_POLL_INTERVAL", &c.PollInterval)
	envDuration("TORQUE_GC_INTERVAL", &c.GCInterval)
	envDuration("TORQUE_GC_RETENTION", &c.GCRetention)
	envInt("TORQUE_WORKER_COUNT", &c.WorkerCount)
}

// Validate enforces cross-field constraints.
func (c *Config) Validate() error {
	if c.Backoff.Policy != "linear" && c.Backoff.Policy != "exponential" {
		return fmt.Errorf("backoff.policy must be linear or exponential, got %q", c.Backoff.Policy)
	}
	if c.Backoff.BaseDelay.Std() <= 0 {
		return fmt.Errorf("backoff.base_delay must be positive")
	}
	if c.Backoff.MaxDelay.Std() < c.Backoff.BaseDelay.Std() {
		return fmt.Errorf("backoff.max_delay must be >= backoff.base_delay")
	}
	if c.TaskTimeout.Std() <= 0 {
		return fmt.Errorf("task_timeout must be positive")
	}
	if c.ClaimDuration.Std() < c.TaskTimeout.Std()+claimMargin {
		return fmt.Errorf("claim_duration (%v) must exceed task_timeout (%v) by at least %v",
			c.ClaimDuration.Std(), c.TaskTimeout.Std(), claimMargin)
	}
	if c.PollInterval.Std() <= 0 || c.GCInterval.Std() <= 0 || c.GCRetention.Std() <= 0 {
		return fmt.Errorf("poll_interval, gc_interval and gc_retention must be positive")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("worker_count must be positive")
	}
	if c.Authenticate && c.AuthToken == "" {
		return fmt.Errorf("authenticate is on but auth_token is empty")
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
