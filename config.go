// Package stratum wires the multi-tier cache and session subsystem together:
// a bounded in-process L1, an optional circuit-breaker-guarded Redis L2, the
// orchestrator composing them, and the session store on top. Construction is
// explicit: build one Manager and pass it to whoever needs it. Nothing in
// this package holds process-global state.
package stratum

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/stratumcache/stratum/cache"
)

// L1Config configures the in-process layer.
type L1Config struct {
	MaxSize         int
	MaxMemory       int64
	CleanupInterval time.Duration
	DefaultTTL      time.Duration
}

// CircuitBreakerConfig configures the breaker guarding the L2 connection.
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// L2Config configures the Redis layer. An empty Addr (and no injected
// client) disables L2 entirely.
type L2Config struct {
	Addr                 string
	Password             string
	DB                   int
	KeyPrefix            string
	DefaultTTL           time.Duration
	CompressionThreshold int
	CircuitBreaker       CircuitBreakerConfig
}

// OrchestratorConfig selects the cross-layer consistency policies.
type OrchestratorConfig struct {
	WriteThrough         bool
	ReadThrough          bool
	InvalidationStrategy cache.Strategy
}

// SessionConfig configures the session store.
type SessionConfig struct {
	SessionTTL         time.Duration
	RefreshTTL         time.Duration
	MaxSessionsPerUser int
	ExtendOnActivity   bool
	ActivityThreshold  time.Duration
	CleanupInterval    time.Duration
}

// Config aggregates every recognized option.
type Config struct {
	L1           L1Config
	L2           L2Config
	Orchestrator OrchestratorConfig
	Session      SessionConfig
}

// LoadConfig reads a config file (any format viper understands) and maps
// the recognized dotted keys onto a Config, starting from DefaultConfig.
// Durations are carried as integer milliseconds or seconds, matching the
// key suffix.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, errors.Wrapf(err, "read config %q", path)
	}

	if v.IsSet("l1.maxSize") {
		cfg.L1.MaxSize = v.GetInt("l1.maxSize")
	}
	if v.IsSet("l1.maxMemory") {
		cfg.L1.MaxMemory = v.GetInt64("l1.maxMemory")
	}
	if v.IsSet("l1.cleanupIntervalMs") {
		cfg.L1.CleanupInterval = time.Duration(v.GetInt("l1.cleanupIntervalMs")) * time.Millisecond
	}
	if v.IsSet("l1.defaultTtlSeconds") {
		cfg.L1.DefaultTTL = time.Duration(v.GetInt("l1.defaultTtlSeconds")) * time.Second
	}

	if v.IsSet("l2.addr") {
		cfg.L2.Addr = v.GetString("l2.addr")
	}
	if v.IsSet("l2.password") {
		cfg.L2.Password = v.GetString("l2.password")
	}
	if v.IsSet("l2.db") {
		cfg.L2.DB = v.GetInt("l2.db")
	}
	if v.IsSet("l2.keyPrefix") {
		cfg.L2.KeyPrefix = v.GetString("l2.keyPrefix")
	}
	if v.IsSet("l2.defaultTtlSeconds") {
		cfg.L2.DefaultTTL = time.Duration(v.GetInt("l2.defaultTtlSeconds")) * time.Second
	}
	if v.IsSet("l2.compressionThresholdBytes") {
		cfg.L2.CompressionThreshold = v.GetInt("l2.compressionThresholdBytes")
	}
	if v.IsSet("l2.circuitBreaker.failureThreshold") {
		cfg.L2.CircuitBreaker.FailureThreshold = v.GetInt("l2.circuitBreaker.failureThreshold")
	}
	if v.IsSet("l2.circuitBreaker.recoveryTimeoutMs") {
		cfg.L2.CircuitBreaker.RecoveryTimeout = time.Duration(v.GetInt("l2.circuitBreaker.recoveryTimeoutMs")) * time.Millisecond
	}

	if v.IsSet("orchestrator.writeThrough") {
		cfg.Orchestrator.WriteThrough = v.GetBool("orchestrator.writeThrough")
	}
	if v.IsSet("orchestrator.readThrough") {
		cfg.Orchestrator.ReadThrough = v.GetBool("orchestrator.readThrough")
	}
	if v.IsSet("orchestrator.invalidationStrategy") {
		s := cache.Strategy(v.GetString("orchestrator.invalidationStrategy"))
		if s != cache.StrategyCascade && s != cache.StrategySelective {
			return cfg, errors.Errorf("unknown invalidation strategy %q", s)
		}
		cfg.Orchestrator.InvalidationStrategy = s
	}

	if v.IsSet("session.sessionTtlSeconds") {
		cfg.Session.SessionTTL = time.Duration(v.GetInt("session.sessionTtlSeconds")) * time.Second
	}
	if v.IsSet("session.refreshTtlSeconds") {
		cfg.Session.RefreshTTL = time.Duration(v.GetInt("session.refreshTtlSeconds")) * time.Second
	}
	if v.IsSet("session.maxSessionsPerUser") {
		cfg.Session.MaxSessionsPerUser = v.GetInt("session.maxSessionsPerUser")
	}
	if v.IsSet("session.extendOnActivity") {
		cfg.Session.ExtendOnActivity = v.GetBool("session.extendOnActivity")
	}
	if v.IsSet("session.activityThresholdSeconds") {
		cfg.Session.ActivityThreshold = time.Duration(v.GetInt("session.activityThresholdSeconds")) * time.Second
	}
	if v.IsSet("session.cleanupIntervalMs") {
		cfg.Session.CleanupInterval = time.Duration(v.GetInt("session.cleanupIntervalMs")) * time.Millisecond
	}

	return cfg, nil
}
