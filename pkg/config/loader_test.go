package config_test

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/dispatch/pkg/config"
)

type workerConfig struct {
	Workers int           `env:"TEST_WORKERS" envDefault:"4"`
	Poll    time.Duration `env:"TEST_POLL" envDefault:"250ms"`
	Driver  string        `env:"TEST_DRIVER" envDefault:"memory"`
}

type cachedConfig struct {
	Value string `env:"TEST_CACHED_VALUE" envDefault:"first"`
}

type requiredConfig struct {
	DSN string `env:"TEST_REQUIRED_DSN,required"`
}

type channelPolicy struct {
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	BaseDelay   time.Duration `env:"BASE_DELAY" envDefault:"1m"`
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_WORKERS", "16")
	config.Reset()

	var cfg workerConfig
	require.NoError(t, config.Load(&cfg))
	assert.Equal(t, 16, cfg.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Poll)
	assert.Equal(t, "memory", cfg.Driver)
}

func TestLoad_Cached(t *testing.T) {
	config.Reset()

	var first cachedConfig
	require.NoError(t, config.Load(&first))
	assert.Equal(t, "first", first.Value)

	t.Setenv("TEST_CACHED_VALUE", "second")

	var again cachedConfig
	require.NoError(t, config.Load(&again))
	assert.Equal(t, "first", again.Value)

	config.Reset()
	var fresh cachedConfig
	require.NoError(t, config.Load(&fresh))
	assert.Equal(t, "second", fresh.Value)
}

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv("TEST_REQUIRED_DSN")
	config.Reset()

	var cfg requiredConfig
	err := config.Load(&cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrParsingConfig))
}

func TestLoad_NilPointer(t *testing.T) {
	assert.ErrorIs(t, config.Load[workerConfig](nil), config.ErrNilPointer)
	assert.ErrorIs(t, config.LoadPrefixed[workerConfig]("X_", nil), config.ErrNilPointer)
}

func TestLoadPrefixed(t *testing.T) {
	t.Setenv("PUSH_MAX_ATTEMPTS", "2")
	t.Setenv("EMAIL_BASE_DELAY", "90s")

	var push, email channelPolicy
	require.NoError(t, config.LoadPrefixed("PUSH_", &push))
	require.NoError(t, config.LoadPrefixed("EMAIL_", &email))

	assert.Equal(t, 2, push.MaxAttempts)
	assert.Equal(t, time.Minute, push.BaseDelay)
	assert.Equal(t, 3, email.MaxAttempts)
	assert.Equal(t, 90*time.Second, email.BaseDelay)
}

func TestMustLoad_Panics(t *testing.T) {
	os.Unsetenv("TEST_REQUIRED_DSN")
	config.Reset()

	assert.Panics(t, func() {
		var cfg requiredConfig
		config.MustLoad(&cfg)
	})
}
