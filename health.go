package stratum

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/stratumcache/stratum/cache"
)

// probeTTL bounds how long a health probe can linger if the delete step
// fails.
const probeTTL = 5 * time.Second

// Health reports per-layer probe results and their conjunction.
type Health struct {
	Layers  map[string]bool `json:"layers"`
	Overall bool            `json:"overall"`
}

// HealthCheck writes a short-lived probe key to each layer, reads it back,
// and deletes it. A layer is healthy only when all three steps succeed and
// the read returns the written value.
func (m *Manager) HealthCheck(ctx context.Context) Health {
	h := Health{
		Layers:  make(map[string]bool, len(m.multi.Layers())),
		Overall: true,
	}
	val := []byte("ok")
	for _, layer := range m.multi.Layers() {
		key := "health:probe:" + uuid.NewString()
		healthy := probeLayer(ctx, layer, key, val)
		h.Layers[layer.Name()] = healthy
		h.Overall = h.Overall && healthy
	}
	return h
}

func probeLayer(ctx context.Context, layer cache.Layer, key string, val []byte) bool {
	if err := layer.Set(ctx, key, val, cache.Options{TTL: probeTTL}); err != nil {
		return false
	}
	got, ok, err := layer.Get(ctx, key)
	if err != nil || !ok || !bytes.Equal(got, val) {
		return false
	}
	deleted, err := layer.Delete(ctx, key)
	return err == nil && deleted
}
