// Package cache implements the tiered caching core: a bounded in-process
// LRU layer (L1), a Redis-backed remote layer guarded by a circuit breaker
// (L2), and a multi-layer orchestrator that composes any number of layers
// behind a single get/set/delete/invalidate contract.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrWriteFailed is returned by a Set that could not complete on any layer.
// Silently dropping a write is unsafe, so this is the one failure class the
// orchestrator always propagates to the caller.
var ErrWriteFailed = errors.New("cache: write failed on all layers")

// Layer is the contract every cache tier implements. Layers are ordered by
// locality: L1 (in-process) first, then increasingly remote tiers.
type Layer interface {
	// Name identifies the layer in logs, stats, and health reports.
	Name() string

	// Get retrieves a value by key. The boolean indicates a cache hit. An
	// expired entry is treated as a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value under key. Zero-valued option fields fall back to
	// the layer's defaults.
	Set(ctx context.Context, key string, val []byte, opts Options) error

	// Delete removes a key. The boolean reports whether a stored entry was
	// actually removed.
	Delete(ctx context.Context, key string) (bool, error)

	// Clear removes every entry owned by the layer.
	Clear(ctx context.Context) error

	// Has reports whether key holds an unexpired entry.
	Has(ctx context.Context, key string) (bool, error)

	// InvalidateByTag removes every entry registered under tag and returns
	// the number of entries removed.
	InvalidateByTag(ctx context.Context, tag string) (int, error)

	// Info returns a live entry's tags and remaining lifetime so the entry
	// can be recreated in another layer without shedding its tag
	// memberships. The boolean mirrors Get's hit semantics.
	Info(ctx context.Context, key string) (Info, bool, error)

	// Stats returns the layer's counters.
	Stats() Stats
}

// Info is the invalidation metadata of one stored entry.
type Info struct {
	Tags []string

	// Remaining is the time left before the entry expires, or NoExpiry for
	// entries that never do.
	Remaining time.Duration
}

// Interface is the narrow surface consumed by higher-level stores built on
// top of the orchestrator. *Multi satisfies it.
type Interface interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, opts Options) error
	Delete(ctx context.Context, key string) (bool, error)
	InvalidateByTag(ctx context.Context, tag string) (int, error)
}
