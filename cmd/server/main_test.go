package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/kiranshivaraju/deadletter/internal/config"
	"github.com/kiranshivaraju/deadletter/internal/lock"
	"github.com/kiranshivaraju/deadletter/internal/metrics"
	"github.com/kiranshivaraju/deadletter/internal/recovery"
	"github.com/kiranshivaraju/deadletter/internal/scheduler"
	"github.com/kiranshivaraju/deadletter/internal/store/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_FailsOnMissingConfig(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	err := run(new(slog.LevelVar))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_FailsOnInvalidDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "not-a-valid-url")
	t.Setenv("LOCK_BACKEND", "memory")

	err := run(new(slog.LevelVar))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}

func TestRun_AppliesLogLevel(t *testing.T) {
	t.Setenv("DATABASE_URL", "not-a-valid-url")
	t.Setenv("LOCK_BACKEND", "memory")
	t.Setenv("LOG_LEVEL", "debug")

	level := new(slog.LevelVar)
	require.Error(t, run(level))
	assert.Equal(t, slog.LevelDebug, level.Level())
}

func TestNewLocker_Memory(t *testing.T) {
	cfg := &config.Config{Lock: config.LockConfig{Backend: "memory"}}

	locker, ping, closeFn, err := newLocker(context.Background(), cfg, nil, "host-a")
	require.NoError(t, err)
	defer closeFn()

	assert.IsType(t, &lock.MemoryLocker{}, locker)
	assert.NoError(t, ping.Ping(context.Background()))
}

func TestNewLocker_RedisInvalidURL(t *testing.T) {
	cfg := &config.Config{
		Lock:  config.LockConfig{Backend: "redis"},
		Redis: config.RedisConfig{URL: "not-a-redis-url"},
	}

	_, _, _, err := newLocker(context.Background(), cfg, nil, "host-a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create redis locker")
}

func TestRegisterJobs(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/deadletter")
	t.Setenv("LOCK_BACKEND", "memory")
	cfg, err := config.Load()
	require.NoError(t, err)

	s := memory.New()
	svc := recovery.NewService(recovery.Dependencies{Store: s})
	m := metrics.New(prometheus.NewRegistry())
	reg := scheduler.New(lock.NewMemoryLocker(), 1, m)

	require.NoError(t, registerJobs(reg, cfg, s, svc, m))

	// every job name is taken now
	err = registerJobs(reg, cfg, s, svc, m)
	assert.ErrorIs(t, err, scheduler.ErrDuplicateJob)
}

func TestShutdownTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, shutdownTimeout)
}
