// Package config loads the service configuration: YAML file, then
// environment overrides, then defaults for anything left unset.
// Durations are expressed in the file as integer seconds.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cardlens/cardlens/internal/backoff"
	"github.com/cardlens/cardlens/internal/gateway"
	"github.com/cardlens/cardlens/internal/pipeline"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Pricing  PricingConfig  `yaml:"pricing"`
	Storage  StorageConfig  `yaml:"storage"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Events   EventsConfig   `yaml:"events"`
	Auth     AuthConfig     `yaml:"auth"`
	Secrets  SecretsConfig  `yaml:"secrets"`
	Logging  LoggingConfig  `yaml:"logging"`
	Vision   ProviderConfig `yaml:"vision"`
	Reason   ProviderConfig `yaml:"reasoning"`
}

// ServerConfig mirrors the gateway settings with file-friendly units.
type ServerConfig struct {
	Host                  string   `yaml:"host"`
	Port                  int      `yaml:"port"`
	ReadTimeoutSeconds    int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds   int      `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds    int      `yaml:"idle_timeout_seconds"`
	MaxUploadBytes        int64    `yaml:"max_upload_bytes"`
	AllowedMime           []string `yaml:"allowed_mime"`
	PresignTTLSeconds     int      `yaml:"presign_ttl_seconds"`
	IdempotencyTTLSeconds int      `yaml:"idempotency_ttl_seconds"`
	RevalueLockSeconds    int      `yaml:"revalue_lock_seconds"`
}

// Gateway converts to the gateway's config; zero fields keep the
// gateway defaults.
func (c ServerConfig) Gateway() gateway.ServerConfig {
	return gateway.ServerConfig{
		Host:           c.Host,
		Port:           c.Port,
		ReadTimeout:    seconds(c.ReadTimeoutSeconds),
		WriteTimeout:   seconds(c.WriteTimeoutSeconds),
		IdleTimeout:    seconds(c.IdleTimeoutSeconds),
		MaxUploadBytes: c.MaxUploadBytes,
		AllowedMime:    c.AllowedMime,
		PresignTTL:     seconds(c.PresignTTLSeconds),
		IdempotencyTTL: seconds(c.IdempotencyTTLSeconds),
		RevalueLockTTL: seconds(c.RevalueLockSeconds),
	}
}

// PipelineConfig mirrors the pipeline budgets with file-friendly units.
type PipelineConfig struct {
	ExtractTimeoutSeconds    int     `yaml:"extract_timeout_seconds"`
	ReasonerTimeoutSeconds   int     `yaml:"reasoner_timeout_seconds"`
	AggregateTimeoutSeconds  int     `yaml:"aggregate_timeout_seconds"`
	ExecutionDeadlineSeconds int     `yaml:"execution_deadline_seconds"`
	DefaultWindowDays        int     `yaml:"default_window_days"`
	FlagThreshold            float64 `yaml:"flag_threshold"`
	Workers                  int     `yaml:"workers"`
	QueueSize                int     `yaml:"queue_size"`
	DLQSize                  int     `yaml:"dlq_size"`

	RetryMaxAttempts   int     `yaml:"retry_max_attempts"`
	RetryBaseMs        int     `yaml:"retry_base_ms"`
	RetryBackoffFactor float64 `yaml:"retry_backoff_factor"`
}

// Pipeline converts to the pipeline's config; zero fields keep the
// pipeline defaults.
func (c PipelineConfig) Pipeline() pipeline.Config {
	out := pipeline.Config{
		ExtractTimeout:    seconds(c.ExtractTimeoutSeconds),
		ReasonerTimeout:   seconds(c.ReasonerTimeoutSeconds),
		AggregateTimeout:  seconds(c.AggregateTimeoutSeconds),
		ExecutionDeadline: seconds(c.ExecutionDeadlineSeconds),
		DefaultWindowDays: c.DefaultWindowDays,
		FlagThreshold:     c.FlagThreshold,
		Workers:           c.Workers,
		QueueSize:         c.QueueSize,
		DLQSize:           c.DLQSize,
	}
	if c.RetryMaxAttempts > 0 {
		out.Retry = backoff.Policy{
			MaxAttempts: c.RetryMaxAttempts,
			Base:        time.Duration(c.RetryBaseMs) * time.Millisecond,
			Factor:      c.RetryBackoffFactor,
		}
	}
	return out
}

// PricingConfig tunes the adapter fan-out.
type PricingConfig struct {
	// Adapters enables marketplace clients by tag.
	Adapters               []string `yaml:"adapters"`
	CallTimeoutSeconds     int      `yaml:"call_timeout_seconds"`
	RatePerSec             float64  `yaml:"rate_per_sec"`
	Burst                  int      `yaml:"burst"`
	BreakerFailures        uint32   `yaml:"breaker_failures"`
	BreakerCooldownSeconds int      `yaml:"breaker_cooldown_seconds"`

	EbayURL       string `yaml:"ebay_url"`
	TCGPlayerURL  string `yaml:"tcgplayer_url"`
	CardmarketURL string `yaml:"cardmarket_url"`
}

// CallTimeout returns the per-adapter budget.
func (c PricingConfig) CallTimeout() time.Duration { return seconds(c.CallTimeoutSeconds) }

// BreakerCooldown returns how long a tripped circuit stays open.
func (c PricingConfig) BreakerCooldown() time.Duration { return seconds(c.BreakerCooldownSeconds) }

// StorageConfig selects the object store backend.
type StorageConfig struct {
	// Backend is "fs" or "memory".
	Backend       string `yaml:"backend"`
	Root          string `yaml:"root"`
	PresignSecret string `yaml:"presign_secret"`
}

// PostgresConfig configures the persistence layer. An empty DSN runs
// the in-memory store.
type PostgresConfig struct {
	DSN                 string `yaml:"dsn"`
	QueryTimeoutSeconds int    `yaml:"query_timeout_seconds"`
}

// QueryTimeout returns the per-query budget.
func (c PostgresConfig) QueryTimeout() time.Duration { return seconds(c.QueryTimeoutSeconds) }

// RedisConfig configures the idempotency store and the event bus. An
// empty Addr runs both in process.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EventsConfig configures the bus.
type EventsConfig struct {
	Channel string `yaml:"channel"`
}

// AuthConfig maps bearer tokens onto subjects.
type AuthConfig struct {
	Tokens map[string]string `yaml:"tokens"`
}

// SecretsConfig configures the env secret provider.
type SecretsConfig struct {
	EnvPrefix       string `yaml:"env_prefix"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// CacheTTL returns the secret cache entry lifetime.
func (c SecretsConfig) CacheTTL() time.Duration { return seconds(c.CacheTTLSeconds) }

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// ProviderConfig points at one upstream provider. An empty BaseURL
// selects the deterministic stub.
type ProviderConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKeyRef      string `yaml:"api_key_ref"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the provider HTTP client budget.
func (c ProviderConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Pipeline: PipelineConfig{
			DefaultWindowDays: 30,
			FlagThreshold:     0.5,
		},
		Pricing: PricingConfig{
			Adapters:               []string{"ebay", "tcgplayer", "cardmarket"},
			CallTimeoutSeconds:     10,
			RatePerSec:             5,
			Burst:                  5,
			BreakerFailures:        5,
			BreakerCooldownSeconds: 30,
		},
		Storage:  StorageConfig{Backend: "fs", Root: "./data/objects"},
		Postgres: PostgresConfig{QueryTimeoutSeconds: 5},
		Events:   EventsConfig{Channel: "cardlens.events"},
		Secrets:  SecretsConfig{EnvPrefix: "cardlens", CacheTTLSeconds: 300},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Load reads path (optional), merges defaults and applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets deployment env vars win over the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("CARDLENS_HTTP_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("CARDLENS_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("CARDLENS_POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("CARDLENS_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("CARDLENS_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("CARDLENS_STORAGE_ROOT"); v != "" {
		c.Storage.Root = v
	}
	if v := os.Getenv("CARDLENS_PRESIGN_SECRET"); v != "" {
		c.Storage.PresignSecret = v
	}
	if v := os.Getenv("CARDLENS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "fs", "memory":
	default:
		return fmt.Errorf("storage.backend %q must be fs or memory", c.Storage.Backend)
	}
	for _, tag := range c.Pricing.Adapters {
		switch tag {
		case "ebay", "tcgplayer", "cardmarket":
		default:
			return fmt.Errorf("pricing.adapters: unknown adapter %q", tag)
		}
	}
	return nil
}
