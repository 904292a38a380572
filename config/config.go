// Package config loads worldstore settings from the environment.
//
// Every field has a default; environment variables named in the field tags
// override it. For example:
//
//	REDIS_ADDRESS=redis:6379 WORLD_NAMESPACE=dev worldctl watch
package config

import (
	"time"

	jlconfig "github.com/JeremyLoy/config"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

var ErrInvalidConfig = eris.New("invalid config")

type Config struct {
	RedisAddress    string `config:"REDIS_ADDRESS"`
	RedisPassword   string `config:"REDIS_PASSWORD"`
	RedisDB         int    `config:"REDIS_DB"`
	HFCRedisAddress string `config:"HFC_REDIS_ADDRESS"`
	Namespace       string `config:"WORLD_NAMESPACE"`

	LogLevel  string `config:"LOG_LEVEL"`
	LogPretty bool   `config:"LOG_PRETTY"`

	StatsdAddress   string `config:"STATSD_ADDRESS"`
	TraceEnabled    bool   `config:"TRACE_ENABLED"`
	ProfilerEnabled bool   `config:"PROFILER_ENABLED"`

	// StreamMaxLen bounds the change stream; older entries are trimmed and
	// replicas that fall behind them resync from a bootstrap.
	StreamMaxLen       int64 `config:"STREAM_MAX_LEN"`
	BootstrapBatchSize int64 `config:"BOOTSTRAP_BATCH_SIZE"`
	StreamReadCount    int64 `config:"STREAM_READ_COUNT"`
	StreamBlockMs      int   `config:"STREAM_BLOCK_MS"`
	RetryBackoffMs     int   `config:"RETRY_BACKOFF_MS"`
	MaxRetryBackoffMs  int   `config:"MAX_RETRY_BACKOFF_MS"`

	MaxChangesPerUpdate int     `config:"MAX_CHANGES_PER_UPDATE"`
	MinUpdateHz         float64 `config:"MIN_UPDATE_HZ"`

	EditorAttempts int `config:"EDITOR_ATTEMPTS"`
}

func Default() Config {
	return Config{
		RedisAddress:        "localhost:6379",
		Namespace:           "ecs",
		LogLevel:            zerolog.InfoLevel.String(),
		StreamMaxLen:        100_000,
		BootstrapBatchSize:  1_000,
		StreamReadCount:     1_000,
		StreamBlockMs:       1_000,
		RetryBackoffMs:      100,
		MaxRetryBackoffMs:   5_000,
		MaxChangesPerUpdate: 10_000,
		MinUpdateHz:         10,
		EditorAttempts:      5,
	}
}

// Load returns the defaults overridden by the environment.
func Load() (Config, error) {
	cfg := Default()
	if err := jlconfig.FromEnv().To(&cfg); err != nil {
		return cfg, eris.Wrap(err, "failed to read config from environment")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.RedisAddress == "" {
		return eris.Wrap(ErrInvalidConfig, "REDIS_ADDRESS must not be empty")
	}
	if c.Namespace == "" {
		return eris.Wrap(ErrInvalidConfig, "WORLD_NAMESPACE must not be empty")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return eris.Wrapf(ErrInvalidConfig, "LOG_LEVEL %q", c.LogLevel)
	}
	switch {
	case c.StreamMaxLen <= 0:
		return eris.Wrap(ErrInvalidConfig, "STREAM_MAX_LEN must be positive")
	case c.BootstrapBatchSize <= 0:
		return eris.Wrap(ErrInvalidConfig, "BOOTSTRAP_BATCH_SIZE must be positive")
	case c.StreamReadCount <= 0:
		return eris.Wrap(ErrInvalidConfig, "STREAM_READ_COUNT must be positive")
	case c.StreamBlockMs < 0 || c.RetryBackoffMs < 0:
		return eris.Wrap(ErrInvalidConfig, "durations must not be negative")
	case c.MaxRetryBackoffMs < c.RetryBackoffMs:
		return eris.Wrap(ErrInvalidConfig, "MAX_RETRY_BACKOFF_MS must be at least RETRY_BACKOFF_MS")
	case c.MaxChangesPerUpdate <= 0:
		return eris.Wrap(ErrInvalidConfig, "MAX_CHANGES_PER_UPDATE must be positive")
	case c.MinUpdateHz <= 0:
		return eris.Wrap(ErrInvalidConfig, "MIN_UPDATE_HZ must be positive")
	case c.EditorAttempts <= 0:
		return eris.Wrap(ErrInvalidConfig, "EDITOR_ATTEMPTS must be positive")
	}
	return nil
}

func (c Config) StreamBlock() time.Duration {
	return time.Duration(c.StreamBlockMs) * time.Millisecond
}

func (c Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

func (c Config) MaxRetryBackoff() time.Duration {
	return time.Duration(c.MaxRetryBackoffMs) * time.Millisecond
}

// FlushInterval is the longest a replica holds changes before applying them.
func (c Config) FlushInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.MinUpdateHz)
}
