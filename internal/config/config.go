package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/italolelis/blobtransfer/internal/queue"
	"github.com/italolelis/blobtransfer/internal/transfer"
)

// Store drivers.
const (
	StoreSQLite = "sqlite"
	StoreBadger = "badger"
	StoreMemory = "memory"
)

// Config struct for environment variables.
type Config struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`

	StoreDriver string `envconfig:"STORE_DRIVER" default:"sqlite"`
	DBPath      string `envconfig:"DB_PATH" default:"transfers.db"`
	BadgerDir   string `envconfig:"BADGER_DIR" default:"transfers.badger"`

	MaxConcurrent        int           `envconfig:"MAX_CONCURRENT" default:"4"`
	BlockConcurrency     int           `envconfig:"BLOCK_CONCURRENCY" default:"4"`
	BlockSize            int64         `envconfig:"BLOCK_SIZE" default:"8388608"`
	MaxAttempts          int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	RetryInitialInterval time.Duration `envconfig:"RETRY_INITIAL_INTERVAL" default:"1s"`
	RetryMaxInterval     time.Duration `envconfig:"RETRY_MAX_INTERVAL" default:"1m"`
	NotifyBuffer         int           `envconfig:"NOTIFY_BUFFER" default:"1024"`

	S3 struct {
		Endpoint  string `split_words:"true"`
		AccessKey string `split_words:"true"`
		SecretKey string `split_words:"true"`
		Bucket    string `split_words:"true" default:"transfers"`
		Region    string `split_words:"true"`
		UseSSL    bool   `split_words:"true" default:"true"`
	}

	Reachability struct {
		URL      string        `split_words:"true"`
		Interval time.Duration `split_words:"true" default:"15s"`
		Timeout  time.Duration `split_words:"true" default:"5s"`
		Token    string        `split_words:"true"`
	}

	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	KeepFinishedFor   time.Duration `envconfig:"KEEP_FINISHED_FOR" default:"0"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`

	OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`

	Telemetry struct {
		Enabled     bool   `split_words:"true" default:"true"`
		ServiceName string `split_words:"true" default:"blobtransfer"`
	}

	Admin struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the queue or store cannot run with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreSQLite, StoreBadger, StoreMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}

	switch {
	case c.MaxConcurrent <= 0:
		return fmt.Errorf("MAX_CONCURRENT must be positive, got %d", c.MaxConcurrent)
	case c.BlockConcurrency <= 0:
		return fmt.Errorf("BLOCK_CONCURRENCY must be positive, got %d", c.BlockConcurrency)
	case c.BlockSize < transfer.MinComposedBlockSize:
		return fmt.Errorf("BLOCK_SIZE must be at least %d, got %d", transfer.MinComposedBlockSize, c.BlockSize)
	case c.MaxAttempts <= 0:
		return fmt.Errorf("MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts)
	case c.RetryMaxInterval < c.RetryInitialInterval:
		return fmt.Errorf("RETRY_MAX_INTERVAL %s is below RETRY_INITIAL_INTERVAL %s", c.RetryMaxInterval, c.RetryInitialInterval)
	}

	return nil
}

// Queue returns the queue settings.
func (c *Config) Queue() queue.Config {
	return queue.Config{
		MaxConcurrent:        c.MaxConcurrent,
		BlockConcurrency:     c.BlockConcurrency,
		MaxAttempts:          c.MaxAttempts,
		RetryInitialInterval: c.RetryInitialInterval,
		RetryMaxInterval:     c.RetryMaxInterval,
	}
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
