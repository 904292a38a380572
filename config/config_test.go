package config_test

import (
	"testing"
	"time"

	"pkg.world.dev/world-engine/worldstore/assert"
	"pkg.world.dev/world-engine/worldstore/config"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := config.Default()
	assert.NilError(t, cfg.Validate())
	assert.Equal(t, cfg.FlushInterval(), 100*time.Millisecond)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDRESS", "redis:6380")
	t.Setenv("WORLD_NAMESPACE", "test")
	t.Setenv("STREAM_MAX_LEN", "42")
	t.Setenv("MIN_UPDATE_HZ", "4")

	cfg, err := config.Load()
	assert.NilError(t, err)
	assert.Equal(t, cfg.RedisAddress, "redis:6380")
	assert.Equal(t, cfg.Namespace, "test")
	assert.Equal(t, cfg.StreamMaxLen, int64(42))
	assert.Equal(t, cfg.FlushInterval(), 250*time.Millisecond)
	assert.Equal(t, cfg.BootstrapBatchSize, config.Default().BootstrapBatchSize)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("LOG_LEVEL", "loud")
	_, err := config.Load()
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	cfg := config.Default()
	cfg.MaxRetryBackoffMs = 1
	assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidConfig)

	cfg = config.Default()
	cfg.Namespace = ""
	assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidConfig)
}
