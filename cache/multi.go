package cache

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Strategy selects how InvalidateByTag fans out across layers.
type Strategy string

const (
	// StrategyCascade invalidates all layers concurrently and sums the
	// counts. Favors latency.
	StrategyCascade Strategy = "cascade"

	// StrategySelective invalidates from the lowest (most authoritative)
	// layer upward, one at a time. Favors not leaving a lower layer
	// authoritative-but-stale when an upper invalidation fails first.
	StrategySelective Strategy = "selective"
)

// MultiConfig configures the orchestrator.
type MultiConfig struct {
	// WriteThrough writes to all layers concurrently on Set. When false,
	// writes happen sequentially top-down.
	WriteThrough bool

	// ReadThrough back-fills layers above the hit layer on Get.
	ReadThrough bool

	// Invalidation selects the tag-invalidation strategy. Defaults to
	// StrategyCascade.
	Invalidation Strategy

	// Logger receives back-fill and per-layer failure reports. Nil means
	// slog.Default().
	Logger *slog.Logger

	// TracerProvider supplies the tracer used to span each operation. Nil
	// means the global otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
}

// Multi composes cache layers behind one get/set/delete/invalidate
// contract. Layers are ordered fastest-first (L1, then L2, ...). Multi owns
// its layer instances exclusively; no caller reaches past it into a layer.
type Multi struct {
	layers []Layer
	cfg    MultiConfig
	log    *slog.Logger
	tracer trace.Tracer

	metrics Metrics

	mu    sync.Mutex
	loads map[string]*call
}

// call deduplicates concurrent loads for the same key.
type call struct {
	wg  sync.WaitGroup
	val []byte
	err error
}

// NewMulti creates an orchestrator over the given layers, ordered
// fastest-first.
func NewMulti(cfg MultiConfig, layers ...Layer) *Multi {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Invalidation == "" {
		cfg.Invalidation = StrategyCascade
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Multi{
		layers: layers,
		cfg:    cfg,
		log:    cfg.Logger,
		tracer: tp.Tracer("github.com/stratumcache/stratum/cache"),
		loads:  make(map[string]*call),
	}
}

// Layers returns the composed layers in read order.
func (m *Multi) Layers() []Layer { return m.layers }

// Get queries layers in order and returns the first hit. When ReadThrough
// is enabled a hit below the top layer is back-filled into every layer
// above it, best-effort, carrying the hit layer's tags and remaining TTL so
// the promoted copy stays reachable by tag invalidation and expires no later
// than the original.
func (m *Multi) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span := m.span(ctx, "cache.get", key)
	defer span.End()

	for i, layer := range m.layers {
		val, ok, err := layer.Get(ctx, key)
		if err != nil {
			m.log.Warn("layer get failed", "layer", layer.Name(), "key", key, "error", err)
			continue
		}
		if !ok {
			continue
		}
		span.SetAttributes(attribute.String("cache.hit_layer", layer.Name()))
		if i > 0 && m.cfg.ReadThrough {
			m.backfill(ctx, key, val, i)
		}
		m.metrics.Hit()
		return val, true, nil
	}
	span.SetAttributes(attribute.Bool("cache.miss", true))
	m.metrics.Miss()
	return nil, false, nil
}

// backfill populates every layer above hitIdx with the value found below,
// preserving the entry's tags and remaining TTL. An untagged copy would
// survive a later InvalidateByTag, so when the metadata cannot be read the
// backfill is skipped rather than written bare. Failures are logged, never
// surfaced.
func (m *Multi) backfill(ctx context.Context, key string, val []byte, hitIdx int) {
	hit := m.layers[hitIdx]
	info, ok, err := hit.Info(ctx, key)
	if err != nil {
		m.log.Warn("read-through backfill skipped", "layer", hit.Name(), "key", key, "error", err)
		return
	}
	if !ok {
		// The entry vanished between the read and the metadata lookup.
		return
	}
	opts := Options{TTL: info.Remaining, Tags: info.Tags}
	for _, layer := range m.layers[:hitIdx] {
		if err := layer.Set(ctx, key, val, opts); err != nil {
			m.log.Warn("read-through backfill failed", "layer", layer.Name(), "key", key, "error", err)
		}
	}
}

// Set writes to all layers. A single failing layer does not fail the write;
// only when every layer rejects it does Set return ErrWriteFailed. Under
// WriteThrough the layer writes run concurrently and carry no mutual
// ordering guarantee.
func (m *Multi) Set(ctx context.Context, key string, val []byte, opts Options) error {
	ctx, span := m.span(ctx, "cache.set", key)
	defer span.End()

	errs := make([]error, len(m.layers))
	if m.cfg.WriteThrough {
		var g errgroup.Group
		for i, layer := range m.layers {
			g.Go(func() error {
				errs[i] = layer.Set(ctx, key, val, opts)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, layer := range m.layers {
			errs[i] = layer.Set(ctx, key, val, opts)
		}
	}

	failed := 0
	for i, err := range errs {
		if err != nil {
			failed++
			m.log.Warn("layer set failed", "layer", m.layers[i].Name(), "key", key, "error", err)
		}
	}
	if failed == len(m.layers) && len(m.layers) > 0 {
		m.metrics.Error()
		err := errors.Wrapf(ErrWriteFailed, "key %q", key)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	m.metrics.Set()
	return nil
}

// Delete removes key from every layer concurrently. It reports true when
// any layer removed an entry.
func (m *Multi) Delete(ctx context.Context, key string) (bool, error) {
	ctx, span := m.span(ctx, "cache.delete", key)
	defer span.End()

	results := make([]bool, len(m.layers))
	var g errgroup.Group
	for i, layer := range m.layers {
		g.Go(func() error {
			ok, err := layer.Delete(ctx, key)
			if err != nil {
				m.log.Warn("layer delete failed", "layer", layer.Name(), "key", key, "error", err)
				return nil
			}
			results[i] = ok
			return nil
		})
	}
	_ = g.Wait()

	for _, ok := range results {
		if ok {
			m.metrics.Delete()
			return true, nil
		}
	}
	return false, nil
}

// Has reports whether any layer holds the key, checked in layer order.
func (m *Multi) Has(ctx context.Context, key string) (bool, error) {
	for _, layer := range m.layers {
		ok, err := layer.Has(ctx, key)
		if err != nil {
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// InvalidateByTag removes every entry under tag from all layers and returns
// the summed count. Cascade runs layers concurrently; selective walks from
// the lowest layer upward so an upper-layer failure never leaves a lower
// layer stale, with each layer's failure logged independently.
func (m *Multi) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	ctx, span := m.span(ctx, "cache.invalidate_tag", tag)
	defer span.End()

	counts := make([]int, len(m.layers))
	if m.cfg.Invalidation == StrategySelective {
		for i := len(m.layers) - 1; i >= 0; i-- {
			n, err := m.layers[i].InvalidateByTag(ctx, tag)
			if err != nil {
				m.log.Warn("layer tag invalidation failed", "layer", m.layers[i].Name(), "tag", tag, "error", err)
				continue
			}
			counts[i] = n
		}
	} else {
		var g errgroup.Group
		for i, layer := range m.layers {
			g.Go(func() error {
				n, err := layer.InvalidateByTag(ctx, tag)
				if err != nil {
					m.log.Warn("layer tag invalidation failed", "layer", layer.Name(), "tag", tag, "error", err)
					return nil
				}
				counts[i] = n
				return nil
			})
		}
		_ = g.Wait()
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	m.metrics.AddDeletes(total)
	span.SetAttributes(attribute.Int("cache.invalidated", total))
	return total, nil
}

// Clear empties every layer.
func (m *Multi) Clear(ctx context.Context) error {
	for _, layer := range m.layers {
		if err := layer.Clear(ctx); err != nil {
			m.log.Warn("layer clear failed", "layer", layer.Name(), "error", err)
		}
	}
	return nil
}

// GetOrSet returns the cached value for key. On a miss it calls loader once
// (deduplicating concurrent callers for the same key), stores the result
// through Set, and returns it.
func (m *Multi) GetOrSet(ctx context.Context, key string, opts Options, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok, _ := m.Get(ctx, key); ok {
		return v, nil
	}

	m.mu.Lock()
	if c, ok := m.loads[key]; ok {
		m.mu.Unlock()
		c.wg.Wait()
		if c.err != nil {
			return nil, c.err
		}
		return append([]byte(nil), c.val...), nil
	}

	c := &call{}
	c.wg.Add(1)
	m.loads[key] = c
	m.mu.Unlock()

	c.val, c.err = loader(ctx)
	if c.err == nil {
		if err := m.Set(ctx, key, c.val, opts); err != nil {
			m.log.Warn("loader result not cached", "key", key, "error", err)
		}
	}
	c.wg.Done()

	m.mu.Lock()
	delete(m.loads, key)
	m.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}
	return append([]byte(nil), c.val...), nil
}

// Stats returns per-layer counters keyed by layer name plus the aggregate
// under "multi".
func (m *Multi) Stats() map[string]Stats {
	out := make(map[string]Stats, len(m.layers)+1)
	for _, layer := range m.layers {
		out[layer.Name()] = layer.Stats()
	}
	out["multi"] = m.metrics.Snapshot(0)
	return out
}

func (m *Multi) span(ctx context.Context, op, key string) (context.Context, trace.Span) {
	ctx, span := m.tracer.Start(ctx, op)
	span.SetAttributes(attribute.String("cache.key", key))
	return ctx, span
}
