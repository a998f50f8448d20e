package stratum

import (
	"log/slog"
	"sync"

	"github.com/stratumcache/stratum/breaker"
	"github.com/stratumcache/stratum/cache"
	"github.com/stratumcache/stratum/session"
)

// Manager owns the constructed cache layers, the orchestrator, and the
// session store, built in dependency order. It is the single entry point
// callers hold; pass it by reference wherever the subsystem is consumed.
type Manager struct {
	cfg Config
	log *slog.Logger

	local    *cache.Local
	remote   *cache.Remote // nil when L2 is disabled
	multi    *cache.Multi
	sessions *session.Store

	closeOnce sync.Once
	closeErr  error
}

// New builds a Manager from the default configuration and the supplied
// options. L2 is enabled only when a Redis address or client is configured.
func New(opts ...Option) *Manager {
	s := settings{cfg: DefaultConfig()}
	for _, o := range opts {
		o(&s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	local := cache.NewLocal(cache.LocalConfig{
		MaxSize:         s.cfg.L1.MaxSize,
		MaxMemory:       s.cfg.L1.MaxMemory,
		DefaultTTL:      s.cfg.L1.DefaultTTL,
		CleanupInterval: s.cfg.L1.CleanupInterval,
		Logger:          s.logger,
	})
	layers := []cache.Layer{local}

	var remote *cache.Remote
	if s.redisClient != nil || s.cfg.L2.Addr != "" {
		rcfg := cache.RemoteConfig{
			Addr:                 s.cfg.L2.Addr,
			Password:             s.cfg.L2.Password,
			DB:                   s.cfg.L2.DB,
			KeyPrefix:            s.cfg.L2.KeyPrefix,
			DefaultTTL:           s.cfg.L2.DefaultTTL,
			CompressionThreshold: s.cfg.L2.CompressionThreshold,
			Breaker: breaker.Config{
				FailureThreshold: s.cfg.L2.CircuitBreaker.FailureThreshold,
				OpenTimeout:      s.cfg.L2.CircuitBreaker.RecoveryTimeout,
			},
			Logger: s.logger,
		}
		if s.redisClient != nil {
			remote = cache.NewRemoteWithClient(s.redisClient, rcfg)
		} else {
			remote = cache.NewRemote(rcfg)
		}
		layers = append(layers, remote)
	}
	layers = append(layers, s.extraLayers...)

	multi := cache.NewMulti(cache.MultiConfig{
		WriteThrough:   s.cfg.Orchestrator.WriteThrough,
		ReadThrough:    s.cfg.Orchestrator.ReadThrough,
		Invalidation:   s.cfg.Orchestrator.InvalidationStrategy,
		Logger:         s.logger,
		TracerProvider: s.tracerProvider,
	}, layers...)

	sessions := session.NewStore(multi, session.Config{
		SessionTTL:         s.cfg.Session.SessionTTL,
		RefreshTTL:         s.cfg.Session.RefreshTTL,
		MaxSessionsPerUser: s.cfg.Session.MaxSessionsPerUser,
		ExtendOnActivity:   s.cfg.Session.ExtendOnActivity,
		ActivityThreshold:  s.cfg.Session.ActivityThreshold,
		CleanupInterval:    s.cfg.Session.CleanupInterval,
		Logger:             s.logger,
	})

	return &Manager{
		cfg:      s.cfg,
		log:      s.logger,
		local:    local,
		remote:   remote,
		multi:    multi,
		sessions: sessions,
	}
}

// Cache returns the orchestrator.
func (m *Manager) Cache() *cache.Multi { return m.multi }

// Sessions returns the session store.
func (m *Manager) Sessions() *session.Store { return m.sessions }

// Stats returns per-layer counters keyed by layer name plus the
// orchestrator aggregate under "multi".
func (m *Manager) Stats() map[string]cache.Stats {
	return m.multi.Stats()
}

// BreakerState reports the L2 circuit breaker state, or Closed when L2 is
// disabled.
func (m *Manager) BreakerState() breaker.State {
	if m.remote == nil {
		return breaker.Closed
	}
	return m.remote.Breaker().State()
}

// Close shuts the subsystem down: session sweep, L1 sweep, and the Redis
// client, in that order. Safe to call more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.sessions.Close()
		m.local.Close()
		if m.remote != nil {
			m.closeErr = m.remote.Close()
		}
	})
	return m.closeErr
}
