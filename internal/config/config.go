// Package config loads gatekeeper settings from <home>/config.yaml, an
// optional <home>/.env file and the environment, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/basket/gatekeeper/internal/otel"
	"github.com/basket/gatekeeper/internal/sweeper"
)

// Backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type TelegramConfig struct {
	Token              string `yaml:"token" env:"GATEKEEPER_TELEGRAM_TOKEN"`
	ChallengeURL       string `yaml:"challenge_url" env:"GATEKEEPER_CHALLENGE_URL"`
	PollTimeoutSeconds int    `yaml:"poll_timeout_seconds" env:"GATEKEEPER_TELEGRAM_POLL_TIMEOUT_SECONDS"`
	// Endpoint overrides the Bot API URL format, e.g. for a local Bot API server.
	Endpoint string `yaml:"endpoint" env:"GATEKEEPER_TELEGRAM_ENDPOINT"`
}

type CloudflareConfig struct {
	SecretKey string `yaml:"secret_key" env:"GATEKEEPER_CLOUDFLARE_SECRET_KEY"`
	Endpoint  string `yaml:"endpoint" env:"GATEKEEPER_CLOUDFLARE_ENDPOINT"`
}

type QueueConfig struct {
	Backend string `yaml:"backend" env:"GATEKEEPER_QUEUE_BACKEND"` // sqlite or redis
}

type RedisConfig struct {
	URL string `yaml:"url" env:"GATEKEEPER_REDIS_URL"`
}

type PolicyCacheConfig struct {
	Backend string `yaml:"backend" env:"GATEKEEPER_POLICY_CACHE_BACKEND"` // sqlite, memory or redis
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" env:"GATEKEEPER_RATE_LIMIT_ENABLED"`
	RequestsPerMinute int  `yaml:"requests_per_minute" env:"GATEKEEPER_RATE_LIMIT_RPM"`
	BurstSize         int  `yaml:"burst_size" env:"GATEKEEPER_RATE_LIMIT_BURST"`
}

type Config struct {
	HomeDir string `yaml:"-" env:"-"`

	BindAddr string `yaml:"bind_addr" env:"GATEKEEPER_BIND_ADDR"`
	LogLevel string `yaml:"log_level" env:"GATEKEEPER_LOG_LEVEL"`

	Telegram   TelegramConfig   `yaml:"telegram"`
	Cloudflare CloudflareConfig `yaml:"cloudflare"`

	// SigningSecret keys challenge signatures. Empty means the bot token.
	SigningSecret string `yaml:"signing_secret" env:"GATEKEEPER_SIGNING_SECRET"`

	ExpireMs      int64  `yaml:"expire_ms" env:"GATEKEEPER_EXPIRE_MS"`
	SweepSchedule string `yaml:"sweep_schedule" env:"GATEKEEPER_SWEEP_SCHEDULE"`

	// InitDataMaxAgeSeconds bounds the age of Mini App init data. Zero
	// disables the check.
	InitDataMaxAgeSeconds int `yaml:"init_data_max_age_seconds" env:"GATEKEEPER_INIT_DATA_MAX_AGE_SECONDS"`

	Queue       QueueConfig       `yaml:"queue"`
	Redis       RedisConfig       `yaml:"redis"`
	PolicyCache PolicyCacheConfig `yaml:"policy_cache"`

	CORSOrigins []string        `yaml:"cors_origins" env:"GATEKEEPER_CORS_ORIGINS" envSeparator:","`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	Telemetry   otel.Config     `yaml:"telemetry"`

	DrainTimeoutSeconds   int `yaml:"drain_timeout_seconds" env:"GATEKEEPER_DRAIN_TIMEOUT_SECONDS"`
	RetentionHistoryDays  int `yaml:"retention_history_days" env:"GATEKEEPER_RETENTION_HISTORY_DAYS"`
	RetentionAuditLogDays int `yaml:"retention_audit_log_days" env:"GATEKEEPER_RETENTION_AUDIT_LOG_DAYS"`
}

// TTL is the death queue time-to-live.
func (c Config) TTL() time.Duration {
	return time.Duration(c.ExpireMs) * time.Millisecond
}

// Secret returns the signing secret, falling back to the bot token.
func (c Config) Secret() string {
	if c.SigningSecret != "" {
		return c.SigningSecret
	}
	return c.Telegram.Token
}

// Fingerprint returns a stable hash of the settings that shape behaviour.
// Secrets are left out.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|expire=%d|sweep=%s|queue=%s|policy=%s|origins=%v|rl=%v",
		c.BindAddr, c.LogLevel, c.ExpireMs, c.SweepSchedule, c.Queue.Backend, c.PolicyCache.Backend, c.CORSOrigins, c.RateLimit)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// LocalesPath returns the path to the locale overrides within homeDir.
func LocalesPath(homeDir string) string {
	return filepath.Join(homeDir, "locales.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr:              "127.0.0.1:8080",
		LogLevel:              "info",
		ExpireMs:              180_000,
		SweepSchedule:         "@every 10s",
		InitDataMaxAgeSeconds: 86400,
		Telegram:              TelegramConfig{PollTimeoutSeconds: 30},
		Queue:                 QueueConfig{Backend: BackendSQLite},
		PolicyCache:           PolicyCacheConfig{Backend: BackendSQLite},
		RateLimit:             RateLimitConfig{Enabled: true, RequestsPerMinute: 30, BurstSize: 10},
		Telemetry:             otel.Config{Exporter: "none", ServiceName: "gatekeeper", SampleRate: 1},
		DrainTimeoutSeconds:   5,
		RetentionHistoryDays:  30,
		RetentionAuditLogDays: 365,
	}
}

func HomeDir() string {
	if override := os.Getenv("GATEKEEPER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gatekeeper")
}

// Load reads the configuration. It does not modify the process environment.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gatekeeper home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides layers <home>/.env and then the real environment over
// cfg. Values already set in the environment win over the .env file.
func applyEnvOverrides(cfg *Config) error {
	environment := map[string]string{}
	dotenv := filepath.Join(cfg.HomeDir, ".env")
	if _, err := os.Stat(dotenv); err == nil {
		vals, err := godotenv.Read(dotenv)
		if err != nil {
			return fmt.Errorf("read .env: %w", err)
		}
		for k, v := range vals {
			environment[k] = v
		}
	}
	for k, v := range env.ToMap(os.Environ()) {
		environment[k] = v
	}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environment}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8080"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ExpireMs <= 0 {
		cfg.ExpireMs = 180_000
	}
	if strings.TrimSpace(cfg.SweepSchedule) == "" {
		cfg.SweepSchedule = "@every 10s"
	}
	if cfg.Telegram.PollTimeoutSeconds <= 0 {
		cfg.Telegram.PollTimeoutSeconds = 30
	}
	cfg.Queue.Backend = strings.ToLower(strings.TrimSpace(cfg.Queue.Backend))
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = BackendSQLite
	}
	cfg.PolicyCache.Backend = strings.ToLower(strings.TrimSpace(cfg.PolicyCache.Backend))
	if cfg.PolicyCache.Backend == "" {
		cfg.PolicyCache.Backend = BackendSQLite
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 30
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 10
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "gatekeeper"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	var origins []string
	for _, o := range cfg.CORSOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	cfg.CORSOrigins = origins
}

func validate(cfg Config) error {
	var errs []error
	switch cfg.Queue.Backend {
	case BackendSQLite, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("queue.backend %q: want sqlite or redis", cfg.Queue.Backend))
	}
	switch cfg.PolicyCache.Backend {
	case BackendSQLite, BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("policy_cache.backend %q: want sqlite, memory or redis", cfg.PolicyCache.Backend))
	}
	if (cfg.Queue.Backend == BackendRedis || cfg.PolicyCache.Backend == BackendRedis) && cfg.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required by the redis backend"))
	}
	if cfg.ExpireMs < 1000 {
		errs = append(errs, fmt.Errorf("expire_ms %d: must be at least 1000", cfg.ExpireMs))
	}
	if _, err := sweeper.ParseSchedule(cfg.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("sweep_schedule: %w", err))
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}
