// Package config loads daemon settings from a YAML file, a .env file and
// RESEARCH_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jdziat/durable-research/pkg/clarify"
	"github.com/jdziat/durable-research/pkg/notes"
	"github.com/jdziat/durable-research/pkg/providers/llm"
	"github.com/jdziat/durable-research/pkg/providers/search"
	"github.com/jdziat/durable-research/pkg/providers/telegram"
	"github.com/jdziat/durable-research/pkg/queue"
	"github.com/jdziat/durable-research/pkg/service"
	"github.com/jdziat/durable-research/pkg/storage"
	"github.com/jdziat/durable-research/pkg/worker"
)

// Config is the full daemon configuration.
type Config struct {
	Database      Database          `yaml:"database"`
	Queue         Queue             `yaml:"queue"`
	Clarification Clarification     `yaml:"clarification"`
	Quota         Quota             `yaml:"quota"`
	LLM           llm.Config        `yaml:"llm"`
	Search        search.Config     `yaml:"search"`
	Telegram      telegram.Config   `yaml:"telegram"`
	Redis         Redis             `yaml:"redis"`
	Minio         notes.MinioConfig `yaml:"minio"`
	AMQP          AMQP              `yaml:"amqp"`
	HTTP          HTTP              `yaml:"http"`
	Logging       Logging           `yaml:"logging"`
}

// Database selects the GORM dialect.
type Database struct {
	Driver string       `yaml:"driver"` // sqlite or postgres
	DSN    string       `yaml:"dsn"`
	Pool   storage.Pool `yaml:"pool"`
}

// PoolConfig returns the configured pool, or the driver's default when none
// was set.
func (d Database) PoolConfig() storage.Pool {
	if d.Pool.IsZero() {
		return storage.PoolFor(d.Driver)
	}
	return d.Pool
}

// Queue configures the worker and retry policy.
type Queue struct {
	Attempts     int             `yaml:"attempts"`
	Backoff      worker.Backoff  `yaml:"backoff"`
	Concurrency  int             `yaml:"concurrency"`
	PollInterval time.Duration   `yaml:"poll_interval"`
	RateLimit    RateLimit       `yaml:"rate_limit"`
	Retention    queue.Retention `yaml:"retention"`
}

// RateLimit bounds how many pipeline runs start per window.
// Limit 0 disables it.
type RateLimit struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// Clarification configures the gate and its maintenance runs.
type Clarification struct {
	Timeout            time.Duration             `yaml:"timeout"`
	UnrequestedTimeout time.Duration             `yaml:"unrequested_timeout"`
	ExpiryPolicy       string                    `yaml:"expiry_policy"`
	Maintenance        service.MaintenanceConfig `yaml:"maintenance"`
}

// Quota configures the daily cap.
type Quota struct {
	DailyCap int    `yaml:"daily_cap"`
	Timezone string `yaml:"timezone"`
}

// Redis is optional. Empty Addr uses the in-process limiter.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// AMQP is optional. Empty URL disables event publishing.
type AMQP struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// HTTP configures the API listener.
type HTTP struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Logging configures the daemon logger.
type Logging struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"` // empty logs to stderr only
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: Database{
			Driver: "sqlite",
			DSN:    "research.db",
		},
		Queue: Queue{
			Attempts:     queue.DefaultAttempts,
			Backoff:      worker.DefaultBackoff(),
			Concurrency:  4,
			PollInterval: 100 * time.Millisecond,
			RateLimit:    RateLimit{Limit: 30, Window: time.Minute},
			Retention:    queue.DefaultRetention(),
		},
		Clarification: Clarification{
			Timeout:            24 * time.Hour,
			UnrequestedTimeout: time.Hour,
			ExpiryPolicy:       string(clarify.ExpireProceed),
			Maintenance:        service.DefaultMaintenance(),
		},
		Quota: Quota{DailyCap: 10, Timezone: "UTC"},
		LLM: llm.Config{
			Provider:  "ollama",
			Model:     "llama3.1",
			ServerURL: "http://localhost:11434",
		},
		Search: search.Config{
			Endpoint:  search.DefaultEndpoint,
			QueryKey:  "q",
			Selectors: search.DefaultSelectors(),
			Timeout:   15 * time.Second,
		},
		Telegram: telegram.Config{Timeout: 10 * time.Second},
		Minio:    notes.MinioConfig{Bucket: "research-notes", Prefix: "notes"},
		AMQP:     AMQP{Exchange: "research.events"},
		HTTP:     HTTP{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Logging:  Logging{Level: "INFO"},
	}
}

// Load builds the configuration. A missing file at path is not an error;
// neither is a missing .env.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
	}

	// Existing environment variables win over .env
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	str("RESEARCH_DATABASE_DRIVER", &cfg.Database.Driver)
	str("RESEARCH_DATABASE_DSN", &cfg.Database.DSN)
	str("RESEARCH_CLARIFICATION_EXPIRY_POLICY", &cfg.Clarification.ExpiryPolicy)
	str("RESEARCH_QUOTA_TIMEZONE", &cfg.Quota.Timezone)
	str("RESEARCH_LLM_PROVIDER", &cfg.LLM.Provider)
	str("RESEARCH_LLM_MODEL", &cfg.LLM.Model)
	str("RESEARCH_LLM_SERVER_URL", &cfg.LLM.ServerURL)
	str("RESEARCH_LLM_API_KEY", &cfg.LLM.APIKey)
	str("RESEARCH_SEARCH_ENDPOINT", &cfg.Search.Endpoint)
	str("RESEARCH_TELEGRAM_TOKEN", &cfg.Telegram.Token)
	str("RESEARCH_TELEGRAM_WEBHOOK_SECRET", &cfg.Telegram.WebhookSecret)
	str("RESEARCH_REDIS_ADDR", &cfg.Redis.Addr)
	str("RESEARCH_REDIS_PASSWORD", &cfg.Redis.Password)
	str("RESEARCH_MINIO_ENDPOINT", &cfg.Minio.Endpoint)
	str("RESEARCH_MINIO_ACCESS_KEY", &cfg.Minio.AccessKey)
	str("RESEARCH_MINIO_SECRET_KEY", &cfg.Minio.SecretKey)
	str("RESEARCH_MINIO_BUCKET", &cfg.Minio.Bucket)
	str("RESEARCH_AMQP_URL", &cfg.AMQP.URL)
	str("RESEARCH_HTTP_ADDR", &cfg.HTTP.Addr)
	str("RESEARCH_LOG_LEVEL", &cfg.Logging.Level)
	str("RESEARCH_LOG_FILE", &cfg.Logging.File)

	ints := []struct {
		key string
		dst *int
	}{
		{"RESEARCH_QUEUE_ATTEMPTS", &cfg.Queue.Attempts},
		{"RESEARCH_QUEUE_CONCURRENCY", &cfg.Queue.Concurrency},
		{"RESEARCH_QUOTA_DAILY_CAP", &cfg.Quota.DailyCap},
	}
	for _, e := range ints {
		v, ok := os.LookupEnv(e.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = n
	}

	if v, ok := os.LookupEnv("RESEARCH_MINIO_SECURE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RESEARCH_MINIO_SECURE: %w", err)
		}
		cfg.Minio.Secure = b
	}
	return nil
}

// Validate rejects settings the daemon cannot start with.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn: required")
	}
	if c.Queue.Attempts < 1 {
		return fmt.Errorf("queue.attempts: must be at least 1, got %d", c.Queue.Attempts)
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency: must be at least 1, got %d", c.Queue.Concurrency)
	}
	if c.Queue.RateLimit.Limit > 0 && c.Queue.RateLimit.Window <= 0 {
		return errors.New("queue.rate_limit.window: must be positive when a limit is set")
	}
	if c.Clarification.Timeout <= 0 || c.Clarification.UnrequestedTimeout <= 0 {
		return errors.New("clarification: timeouts must be positive")
	}
	if _, err := clarify.ParseExpiryPolicy(c.Clarification.ExpiryPolicy); err != nil {
		return fmt.Errorf("clarification.expiry_policy: %w", err)
	}
	if c.Quota.DailyCap < 1 {
		return fmt.Errorf("quota.daily_cap: must be at least 1, got %d", c.Quota.DailyCap)
	}
	if _, err := time.LoadLocation(c.Quota.Timezone); err != nil {
		return fmt.Errorf("quota.timezone: %w", err)
	}
	return nil
}

// Location returns the quota time zone. Validate has already checked it.
func (q Quota) Location() *time.Location {
	loc, err := time.LoadLocation(q.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseLevel maps DEBUG, INFO, WARN and ERROR to slog levels. Anything
// else is INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
