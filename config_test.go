package stratum

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumcache/stratum/cache"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stratum.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
l1:
  maxSize: 500
  maxMemory: 1048576
  cleanupIntervalMs: 30000
  defaultTtlSeconds: 120
l2:
  addr: "redis.internal:6379"
  keyPrefix: "app:"
  defaultTtlSeconds: 600
  compressionThresholdBytes: 2048
  circuitBreaker:
    failureThreshold: 7
    recoveryTimeoutMs: 15000
orchestrator:
  writeThrough: false
  readThrough: true
  invalidationStrategy: selective
session:
  sessionTtlSeconds: 1800
  refreshTtlSeconds: 86400
  maxSessionsPerUser: 3
  extendOnActivity: false
  activityThresholdSeconds: 30
  cleanupIntervalMs: 60000
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.L1.MaxSize)
	assert.Equal(t, int64(1048576), cfg.L1.MaxMemory)
	assert.Equal(t, 30*time.Second, cfg.L1.CleanupInterval)
	assert.Equal(t, 2*time.Minute, cfg.L1.DefaultTTL)

	assert.Equal(t, "redis.internal:6379", cfg.L2.Addr)
	assert.Equal(t, "app:", cfg.L2.KeyPrefix)
	assert.Equal(t, 10*time.Minute, cfg.L2.DefaultTTL)
	assert.Equal(t, 2048, cfg.L2.CompressionThreshold)
	assert.Equal(t, 7, cfg.L2.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 15*time.Second, cfg.L2.CircuitBreaker.RecoveryTimeout)

	assert.False(t, cfg.Orchestrator.WriteThrough)
	assert.True(t, cfg.Orchestrator.ReadThrough)
	assert.Equal(t, cache.StrategySelective, cfg.Orchestrator.InvalidationStrategy)

	assert.Equal(t, 30*time.Minute, cfg.Session.SessionTTL)
	assert.Equal(t, 24*time.Hour, cfg.Session.RefreshTTL)
	assert.Equal(t, 3, cfg.Session.MaxSessionsPerUser)
	assert.False(t, cfg.Session.ExtendOnActivity)
	assert.Equal(t, 30*time.Second, cfg.Session.ActivityThreshold)
	assert.Equal(t, time.Minute, cfg.Session.CleanupInterval)
}

func TestLoadConfigKeepsDefaultsForAbsentKeys(t *testing.T) {
	path := writeConfig(t, `
l1:
  maxSize: 42
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, 42, cfg.L1.MaxSize)
	assert.Equal(t, def.L1.CleanupInterval, cfg.L1.CleanupInterval)
	assert.Equal(t, def.L2.KeyPrefix, cfg.L2.KeyPrefix)
	assert.Equal(t, def.Session.MaxSessionsPerUser, cfg.Session.MaxSessionsPerUser)
}

func TestLoadConfigRejectsUnknownStrategy(t *testing.T) {
	path := writeConfig(t, `
orchestrator:
  invalidationStrategy: sideways
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
