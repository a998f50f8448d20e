package stratum

import (
	"time"

	"github.com/stratumcache/stratum/cache"
)

// DefaultConfig returns the recommended configuration for production use:
// write-through and read-through enabled, cascade invalidation, and
// conservative TTLs.
func DefaultConfig() Config {
	return Config{
		L1: L1Config{
			MaxSize:         10_000,
			MaxMemory:       64 << 20, // 64 MiB advisory
			CleanupInterval: time.Minute,
			DefaultTTL:      5 * time.Minute,
		},
		L2: L2Config{
			KeyPrefix:            "stratum:",
			DefaultTTL:           time.Hour,
			CompressionThreshold: 4 << 10,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
			},
		},
		Orchestrator: OrchestratorConfig{
			WriteThrough:         true,
			ReadThrough:          true,
			InvalidationStrategy: cache.StrategyCascade,
		},
		Session: SessionConfig{
			SessionTTL:         time.Hour,
			RefreshTTL:         168 * time.Hour,
			MaxSessionsPerUser: 5,
			ExtendOnActivity:   true,
			ActivityThreshold:  time.Minute,
			CleanupInterval:    5 * time.Minute,
		},
	}
}
