// Package config loads the fabric's runtime configuration from the
// environment, with an optional .env file for development and an
// optional YAML file merged on top.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Layer and queue backend names accepted by the host binary.
const (
	LayerMemory = "memory"
	LayerNATS   = "nats"
	LayerRedis  = "redis"

	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// Config holds every runtime setting.
// Tags:
//
//	env: environment variable name
//	envDefault: value applied when the variable is unset
//	yaml: key in the optional config file
type Config struct {
	// Server basics
	Addr        string `env:"ENVELOPE_ADDR" envDefault:":3002" yaml:"addr"`
	Environment string `env:"ENVELOPE_ENVIRONMENT" envDefault:"development" yaml:"environment"`

	// ConfigFile points at a YAML file merged over the parsed
	// environment. Not settable from the file itself.
	ConfigFile string `env:"ENVELOPE_CONFIG_FILE" yaml:"-"`

	// Sessions
	AllowUnauthenticated bool          `env:"ENVELOPE_ALLOW_UNAUTHENTICATED" envDefault:"false" yaml:"allow_unauthenticated"`
	DefaultLanguage      string        `env:"ENVELOPE_DEFAULT_LANGUAGE" envDefault:"en" yaml:"default_language"`
	MessageRate          float64       `env:"ENVELOPE_MESSAGE_RATE" envDefault:"10" yaml:"message_rate"`
	MessageBurst         int           `env:"ENVELOPE_MESSAGE_BURST" envDefault:"100" yaml:"message_burst"`
	MaxMessageSize       int64         `env:"ENVELOPE_MAX_MESSAGE_SIZE" envDefault:"4096" yaml:"max_message_size"`
	WriteWait            time.Duration `env:"ENVELOPE_WRITE_WAIT" envDefault:"10s" yaml:"write_wait"`
	PongWait             time.Duration `env:"ENVELOPE_PONG_WAIT" envDefault:"60s" yaml:"pong_wait"`
	MaxConnections       int           `env:"ENVELOPE_MAX_CONNECTIONS" envDefault:"1000" yaml:"max_connections"`

	// Presence. ConnectionUpdateInterval <= 0 disables the heartbeat;
	// an empty queue name disables the jobs that would use it.
	ConnectionUpdateInterval time.Duration `env:"ENVELOPE_CONNECTION_UPDATE_INTERVAL" envDefault:"180s" yaml:"connection_update_interval"`
	ConnectionsQueue         string        `env:"ENVELOPE_CONNECTIONS_QUEUE" envDefault:"" yaml:"connections_queue"`
	TimestampQueue           string        `env:"ENVELOPE_TIMESTAMP_QUEUE" envDefault:"" yaml:"timestamp_queue"`
	AWOLAfter                time.Duration `env:"ENVELOPE_AWOL_AFTER" envDefault:"20m" yaml:"awol_after"`
	AWOLSweepSchedule        string        `env:"ENVELOPE_AWOL_SWEEP_SCHEDULE" envDefault:"@every 5m" yaml:"awol_sweep_schedule"`

	// Delivery
	LayerBackend string `env:"ENVELOPE_LAYER" envDefault:"memory" yaml:"layer"`
	QueueBackend string `env:"ENVELOPE_QUEUE" envDefault:"memory" yaml:"queue"`
	QueueWorkers int    `env:"ENVELOPE_QUEUE_WORKERS" envDefault:"4" yaml:"queue_workers"`
	NATSURL      string `env:"ENVELOPE_NATS_URL" envDefault:"nats://127.0.0.1:4222" yaml:"nats_url"`
	RedisURL     string `env:"ENVELOPE_REDIS_URL" envDefault:"redis://127.0.0.1:6379/0" yaml:"redis_url"`

	// Persistence. Empty DSN keeps connection records in memory.
	PostgresDSN string `env:"ENVELOPE_POSTGRES_DSN" envDefault:"" yaml:"postgres_dsn"`

	// Auth
	JWTSecret string        `env:"ENVELOPE_JWT_SECRET" envDefault:"" yaml:"jwt_secret"`
	JWTExpiry time.Duration `env:"ENVELOPE_JWT_EXPIRY" envDefault:"24h" yaml:"jwt_expiry"`

	// Outbound batching
	BatchMessage string `env:"ENVELOPE_BATCH_MESSAGE" envDefault:"s.batch" yaml:"batch_message"`
	SenderUtil   string `env:"ENVELOPE_SENDER_UTIL" envDefault:"default" yaml:"sender_util"`

	// Resource guard. CPU threshold is a percentage of process CPU;
	// memory is resident bytes, zero disables the check.
	CPURejectThreshold float64 `env:"ENVELOPE_CPU_REJECT_THRESHOLD" envDefault:"85.0" yaml:"cpu_reject_threshold"`
	MemRejectBytes     uint64  `env:"ENVELOPE_MEM_REJECT_BYTES" envDefault:"0" yaml:"mem_reject_bytes"`

	// Monitoring
	MetricsInterval time.Duration `env:"ENVELOPE_METRICS_INTERVAL" envDefault:"15s" yaml:"metrics_interval"`
	LogLevel        string        `env:"ENVELOPE_LOG_LEVEL" envDefault:"info" yaml:"log_level"`
	LogFormat       string        `env:"ENVELOPE_LOG_FORMAT" envDefault:"json" yaml:"log_format"`
}

// Load reads configuration with priority: YAML file > environment
// variables > .env file > defaults. The logger is optional.
func Load(logger *zerolog.Logger) (*Config, error) {
	// A missing .env file is the normal case outside development.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("loaded .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.ConfigFile != "" {
		raw, err := os.ReadFile(cfg.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", cfg.ConfigFile, err)
		}
		if logger != nil {
			logger.Info().Str("path", cfg.ConfigFile).Msg("merged config file")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges, enums and cross-field requirements.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("ENVELOPE_ADDR is required")
	}
	if !c.AllowUnauthenticated && c.JWTSecret == "" {
		return fmt.Errorf("ENVELOPE_JWT_SECRET is required unless ENVELOPE_ALLOW_UNAUTHENTICATED is set")
	}

	if c.MessageRate <= 0 {
		return fmt.Errorf("ENVELOPE_MESSAGE_RATE must be > 0, got %g", c.MessageRate)
	}
	if c.MessageBurst < 1 {
		return fmt.Errorf("ENVELOPE_MESSAGE_BURST must be >= 1, got %d", c.MessageBurst)
	}
	if c.MaxMessageSize < 1 {
		return fmt.Errorf("ENVELOPE_MAX_MESSAGE_SIZE must be > 0, got %d", c.MaxMessageSize)
	}
	if c.WriteWait <= 0 || c.PongWait <= 0 {
		return fmt.Errorf("ENVELOPE_WRITE_WAIT and ENVELOPE_PONG_WAIT must be > 0")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("ENVELOPE_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.QueueWorkers < 1 {
		return fmt.Errorf("ENVELOPE_QUEUE_WORKERS must be > 0, got %d", c.QueueWorkers)
	}
	if c.AWOLAfter <= 0 {
		return fmt.Errorf("ENVELOPE_AWOL_AFTER must be > 0, got %s", c.AWOLAfter)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("ENVELOPE_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	switch c.LayerBackend {
	case LayerMemory:
	case LayerNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("ENVELOPE_NATS_URL is required when ENVELOPE_LAYER=nats")
		}
	case LayerRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("ENVELOPE_REDIS_URL is required when ENVELOPE_LAYER=redis")
		}
	default:
		return fmt.Errorf("ENVELOPE_LAYER must be one of: memory, nats, redis (got: %s)", c.LayerBackend)
	}

	switch c.QueueBackend {
	case QueueMemory:
	case QueueRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("ENVELOPE_REDIS_URL is required when ENVELOPE_QUEUE=redis")
		}
	default:
		return fmt.Errorf("ENVELOPE_QUEUE must be one of: memory, redis (got: %s)", c.QueueBackend)
	}

	if c.BatchMessage != "s.batch" && c.BatchMessage != "s.batch2" {
		return fmt.Errorf("ENVELOPE_BATCH_MESSAGE must be s.batch or s.batch2 (got: %s)", c.BatchMessage)
	}
	if c.SenderUtil != "default" {
		return fmt.Errorf("ENVELOPE_SENDER_UTIL must be: default (got: %s)", c.SenderUtil)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("ENVELOPE_LOG_LEVEL must be one of: debug, info, warn, error, fatal (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("ENVELOPE_LOG_FORMAT must be json or pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig dumps the effective settings at startup. Secrets are
// reported as presence flags only.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Bool("allow_unauthenticated", c.AllowUnauthenticated).
		Str("default_language", c.DefaultLanguage).
		Float64("message_rate", c.MessageRate).
		Int("message_burst", c.MessageBurst).
		Int64("max_message_size", c.MaxMessageSize).
		Int("max_connections", c.MaxConnections).
		Dur("connection_update_interval", c.ConnectionUpdateInterval).
		Str("connections_queue", c.ConnectionsQueue).
		Str("timestamp_queue", c.TimestampQueue).
		Dur("awol_after", c.AWOLAfter).
		Str("awol_sweep_schedule", c.AWOLSweepSchedule).
		Str("layer", c.LayerBackend).
		Str("queue", c.QueueBackend).
		Int("queue_workers", c.QueueWorkers).
		Str("batch_message", c.BatchMessage).
		Str("sender_util", c.SenderUtil).
		Bool("postgres", c.PostgresDSN != "").
		Bool("jwt_secret_set", c.JWTSecret != "").
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Uint64("mem_reject_bytes", c.MemRejectBytes).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
