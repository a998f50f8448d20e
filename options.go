package stratum

import (
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/stratumcache/stratum/cache"
)

// settings holds the internal configuration assembled via functional
// options.
type settings struct {
	cfg            Config
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	redisClient    redis.UniversalClient
	extraLayers    []cache.Layer
}

// Option configures a Manager.
type Option func(*settings)

// WithConfig replaces the entire configuration. Options applied after it
// still override individual fields.
func WithConfig(cfg Config) Option {
	return func(s *settings) {
		s.cfg = cfg
	}
}

// WithL1 sets the in-process layer's entry cap and advisory byte cap. A zero
// maxMemory disables the byte cap.
func WithL1(maxSize int, maxMemory int64) Option {
	return func(s *settings) {
		s.cfg.L1.MaxSize = maxSize
		s.cfg.L1.MaxMemory = maxMemory
	}
}

// WithRedis enables the L2 layer against the given Redis instance.
func WithRedis(addr, password string, db int) Option {
	return func(s *settings) {
		s.cfg.L2.Addr = addr
		s.cfg.L2.Password = password
		s.cfg.L2.DB = db
	}
}

// WithRedisClient enables the L2 layer on an existing client. Takes
// precedence over WithRedis.
func WithRedisClient(c redis.UniversalClient) Option {
	return func(s *settings) {
		s.redisClient = c
	}
}

// WithKeyPrefix sets the namespace prepended to every key sent to L2.
func WithKeyPrefix(prefix string) Option {
	return func(s *settings) {
		s.cfg.L2.KeyPrefix = prefix
	}
}

// WithWriteThrough toggles concurrent all-layer writes on Set.
func WithWriteThrough(enabled bool) Option {
	return func(s *settings) {
		s.cfg.Orchestrator.WriteThrough = enabled
	}
}

// WithReadThrough toggles back-filling upper layers on a lower-layer hit.
func WithReadThrough(enabled bool) Option {
	return func(s *settings) {
		s.cfg.Orchestrator.ReadThrough = enabled
	}
}

// WithInvalidationStrategy selects cascade or selective tag invalidation.
func WithInvalidationStrategy(strategy cache.Strategy) Option {
	return func(s *settings) {
		s.cfg.Orchestrator.InvalidationStrategy = strategy
	}
}

// WithSession overrides the session store configuration.
func WithSession(cfg SessionConfig) Option {
	return func(s *settings) {
		s.cfg.Session = cfg
	}
}

// WithLayer appends an extra cache layer below L1 (and L2 when enabled).
// This is the hook for a slower third tier.
func WithLayer(layer cache.Layer) Option {
	return func(s *settings) {
		s.extraLayers = append(s.extraLayers, layer)
	}
}

// WithLogger sets the logger shared by every component. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		s.logger = l
	}
}

// WithTracerProvider sets the OpenTelemetry provider used to span cache
// operations. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *settings) {
		s.tracerProvider = tp
	}
}
