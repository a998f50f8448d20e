package stratum

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumcache/stratum/cache"
	"github.com/stratumcache/stratum/session"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m := New(opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestNewL1Only(t *testing.T) {
	m := newTestManager(t, WithL1(100, 0))
	ctx := t.Context()

	require.NoError(t, m.Cache().Set(ctx, "k", []byte("v"), cache.Options{}))
	val, ok, err := m.Cache().Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(val))
}

func TestHealthCheck(t *testing.T) {
	m := newTestManager(t)

	h := m.HealthCheck(t.Context())
	assert.True(t, h.Overall)
	require.Contains(t, h.Layers, "l1")
	assert.True(t, h.Layers["l1"])
}

func TestStatsReporting(t *testing.T) {
	m := newTestManager(t)
	ctx := t.Context()

	require.NoError(t, m.Cache().Set(ctx, "k", []byte("v"), cache.Options{}))
	_, _, _ = m.Cache().Get(ctx, "k")
	_, _, _ = m.Cache().Get(ctx, "missing")

	stats := m.Stats()
	require.Contains(t, stats, "l1")
	require.Contains(t, stats, "multi")
	assert.Equal(t, uint64(1), stats["multi"].Hits)
	assert.Equal(t, uint64(1), stats["multi"].Misses)
	assert.InDelta(t, 0.5, stats["multi"].HitRate, 0.001)
}

func TestSessionsThroughManager(t *testing.T) {
	m := newTestManager(t, WithSession(SessionConfig{
		SessionTTL:         time.Hour,
		RefreshTTL:         24 * time.Hour,
		MaxSessionsPerUser: 2,
	}))
	ctx := t.Context()

	d, err := m.Sessions().Create(ctx, "u1", session.DeviceInfo{Fingerprint: "fp"}, "192.0.2.1", "ua", nil)
	require.NoError(t, err)

	got, err := m.Sessions().GetByToken(ctx, d.Token)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, d.ID, got.ID)
}

// End-to-end scenario: TTL'd L1 entry under a tag, hit, tag invalidation,
// then a miss.
func TestEndToEndScenario(t *testing.T) {
	m := newTestManager(t)
	ctx := t.Context()

	payload := []byte(`{"msg":"hi"}`)
	require.NoError(t, m.Cache().Set(ctx, "demo:test", payload, cache.Options{
		TTL:  60 * time.Second,
		Tags: []string{"demo"},
	}))

	val, ok, err := m.Cache().Get(ctx, "demo:test")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"msg":"hi"}`, string(val))

	n, err := m.Cache().InvalidateByTag(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err = m.Cache().Get(ctx, "demo:test")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExtraLayerComposition(t *testing.T) {
	l3 := cache.NewLocal(cache.LocalConfig{Name: "l3"})
	t.Cleanup(l3.Close)

	m := newTestManager(t, WithReadThrough(true), WithLayer(l3))
	ctx := t.Context()

	// Seed only the bottom layer; a read through the orchestrator finds it.
	require.NoError(t, l3.Set(ctx, "k", []byte("v"), cache.Options{}))
	val, ok, err := m.Cache().Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(val))

	require.Contains(t, m.Stats(), "l3")
}

func TestCloseIsIdempotent(t *testing.T) {
	m := New(WithL1(10, 0))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestMetricsHandlerServes(t *testing.T) {
	m := newTestManager(t)
	ctx := t.Context()
	require.NoError(t, m.Cache().Set(ctx, "k", []byte("v"), cache.Options{}))
	_, _, _ = m.Cache().Get(ctx, "k")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.MetricsHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "stratum_cache_hits_total")
	assert.Contains(t, body, `layer="l1"`)
}
