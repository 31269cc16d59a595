package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// Clear any existing config files from search path
	originalDir, _ := os.Getwd()
	tmpDir := t.TempDir()
	os.Chdir(tmpDir)
	defer os.Chdir(originalDir)

	cfg, err := Load()
	require.NoError(t, err)

	// Server defaults
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)

	// Postgres defaults
	assert.Equal(t, int32(20), cfg.Postgres.MaxConns)
	assert.Equal(t, int32(2), cfg.Postgres.MinConns)
	assert.Equal(t, 30*time.Minute, cfg.Postgres.MaxConnLifetime)

	// Partition defaults
	assert.Equal(t, 16, cfg.Partition.LeafCount)
	assert.Equal(t, 4, cfg.Partition.Fanout)

	// Reader defaults
	assert.Equal(t, 50*time.Millisecond, cfg.Reader.TickInterval)
	assert.Equal(t, 32, cfg.Reader.BatchSize)
	assert.Equal(t, 1, cfg.Reader.Parallelism)

	// Dispatcher defaults
	assert.Equal(t, 10*time.Second, cfg.Dispatcher.HeartbeatInterval)
	assert.Equal(t, 120*time.Second, cfg.Dispatcher.LeaseDuration)
	assert.Equal(t, 10*time.Second, cfg.Dispatcher.RunningGrace)
	assert.Equal(t, 5*time.Second, cfg.Dispatcher.HelloTimeout)
	assert.Equal(t, 256, cfg.Dispatcher.OutboundCapacity)
	assert.Equal(t, 30*time.Second, cfg.Dispatcher.DrainDeadline)

	// Scheduler defaults
	assert.Equal(t, "valka-scheduler", cfg.Scheduler.LockName)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.ReaperInterval)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.RetryInterval)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.DelayedInterval)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.DLQInterval)
	assert.Equal(t, 128, cfg.Scheduler.BatchSize)

	// Retry defaults
	assert.Equal(t, 1*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
	assert.Equal(t, 3600*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 0.1, cfg.Retry.JitterFraction)

	// Metrics defaults
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)

	// Auth defaults
	assert.False(t, cfg.Auth.Enabled)

	// Logging defaults
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestDispatcherConfig_Fields(t *testing.T) {
	cfg := DispatcherConfig{
		HeartbeatInterval: 10 * time.Second,
		LeaseDuration:     120 * time.Second,
		RunningGrace:      10 * time.Second,
		HelloTimeout:      5 * time.Second,
		OutboundCapacity:  256,
		DrainDeadline:     30 * time.Second,
	}

	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 256, cfg.OutboundCapacity)
}

func TestRetryConfig_Fields(t *testing.T) {
	cfg := RetryConfig{
		BaseDelay:      1 * time.Second,
		Multiplier:     2.0,
		MaxDelay:       1 * time.Hour,
		JitterFraction: 0.1,
	}

	assert.Equal(t, 1*time.Second, cfg.BaseDelay)
	assert.Equal(t, 2.0, cfg.Multiplier)
	assert.Equal(t, 0.1, cfg.JitterFraction)
}
