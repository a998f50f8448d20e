package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// brokenLayer fails every operation, standing in for an unreachable tier.
type brokenLayer struct{}

var errBroken = errors.New("layer broken")

func (brokenLayer) Name() string                                         { return "broken" }
func (brokenLayer) Get(context.Context, string) ([]byte, bool, error)    { return nil, false, errBroken }
func (brokenLayer) Set(context.Context, string, []byte, Options) error   { return errBroken }
func (brokenLayer) Delete(context.Context, string) (bool, error)         { return false, errBroken }
func (brokenLayer) Clear(context.Context) error                          { return errBroken }
func (brokenLayer) Has(context.Context, string) (bool, error)            { return false, errBroken }
func (brokenLayer) InvalidateByTag(context.Context, string) (int, error) { return 0, errBroken }
func (brokenLayer) Info(context.Context, string) (Info, bool, error)     { return Info{}, false, errBroken }
func (brokenLayer) Stats() Stats                                         { return Stats{} }

func twoLocalMulti(t *testing.T, cfg MultiConfig) (*Multi, *Local, *Local) {
	t.Helper()
	upper := NewLocal(LocalConfig{Name: "upper"})
	lower := NewLocal(LocalConfig{Name: "lower"})
	t.Cleanup(func() {
		upper.Close()
		lower.Close()
	})
	return NewMulti(cfg, upper, lower), upper, lower
}

func TestMulti_GetFirstHitWins(t *testing.T) {
	m, upper, lower := twoLocalMulti(t, MultiConfig{})
	ctx := t.Context()

	_ = upper.Set(ctx, "k", []byte("from-upper"), Options{})
	_ = lower.Set(ctx, "k", []byte("from-lower"), Options{})

	val, ok, err := m.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(val) != "from-upper" {
		t.Fatalf("got %q, want the upper layer's value", val)
	}
}

func TestMulti_ReadThroughBackfill(t *testing.T) {
	m, upper, lower := twoLocalMulti(t, MultiConfig{ReadThrough: true})
	ctx := t.Context()

	_ = lower.Set(ctx, "k", []byte("v"), Options{})

	val, ok, _ := m.Get(ctx, "k")
	if !ok || string(val) != "v" {
		t.Fatalf("expected lower-layer hit, got ok=%v val=%q", ok, val)
	}

	// The hit was promoted into the upper layer.
	if ok, _ := upper.Has(ctx, "k"); !ok {
		t.Fatal("expected backfill into the upper layer")
	}
}

func TestMulti_BackfillKeepsTagsInvalidatable(t *testing.T) {
	m, upper, _ := twoLocalMulti(t, MultiConfig{ReadThrough: true, WriteThrough: true})
	ctx := t.Context()

	_ = m.Set(ctx, "k", []byte("v"), Options{Tags: []string{"T"}})
	_, _ = upper.Delete(ctx, "k")

	// The read promotes the lower copy back into the upper layer.
	if _, ok, _ := m.Get(ctx, "k"); !ok {
		t.Fatal("expected lower-layer hit")
	}
	if ok, _ := upper.Has(ctx, "k"); !ok {
		t.Fatal("expected backfill into the upper layer")
	}

	if _, err := m.InvalidateByTag(ctx, "T"); err != nil {
		t.Fatalf("InvalidateByTag: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("backfilled copy survived tag invalidation")
	}
}

func TestMulti_BackfillCarriesRemainingTTL(t *testing.T) {
	m, upper, lower := twoLocalMulti(t, MultiConfig{ReadThrough: true})
	ctx := t.Context()

	_ = lower.Set(ctx, "k", []byte("v"), Options{TTL: 45 * time.Second, Tags: []string{"T"}})
	if _, ok, _ := m.Get(ctx, "k"); !ok {
		t.Fatal("expected hit")
	}

	info, ok, err := upper.Info(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Info: ok=%v err=%v", ok, err)
	}
	if len(info.Tags) != 1 || info.Tags[0] != "T" {
		t.Fatalf("backfilled tags: %v", info.Tags)
	}
	if info.Remaining <= 0 || info.Remaining > 45*time.Second {
		t.Fatalf("backfilled remaining TTL: %v", info.Remaining)
	}
}

func TestMulti_NoReadThroughNoBackfill(t *testing.T) {
	m, upper, lower := twoLocalMulti(t, MultiConfig{})
	ctx := t.Context()

	_ = lower.Set(ctx, "k", []byte("v"), Options{})
	if _, ok, _ := m.Get(ctx, "k"); !ok {
		t.Fatal("expected hit")
	}
	if ok, _ := upper.Has(ctx, "k"); ok {
		t.Fatal("backfill must not happen with ReadThrough disabled")
	}
}

func TestMulti_WriteThroughWritesAllLayers(t *testing.T) {
	m, upper, lower := twoLocalMulti(t, MultiConfig{WriteThrough: true})
	ctx := t.Context()

	if err := m.Set(ctx, "k", []byte("v"), Options{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	for _, l := range []*Local{upper, lower} {
		if ok, _ := l.Has(ctx, "k"); !ok {
			t.Fatalf("layer %s missing the write", l.Name())
		}
	}
}

func TestMulti_WriteThroughToleratesLayerFailure(t *testing.T) {
	good := NewLocal(LocalConfig{})
	defer good.Close()
	m := NewMulti(MultiConfig{WriteThrough: true}, brokenLayer{}, good)
	ctx := t.Context()

	if err := m.Set(ctx, "k", []byte("v"), Options{}); err != nil {
		t.Fatalf("a single failing layer must not fail the write: %v", err)
	}
	if ok, _ := good.Has(ctx, "k"); !ok {
		t.Fatal("surviving layer missing the write")
	}
}

func TestMulti_SetFailsWhenAllLayersFail(t *testing.T) {
	m := NewMulti(MultiConfig{WriteThrough: true}, brokenLayer{}, brokenLayer{})
	ctx := t.Context()

	err := m.Set(ctx, "k", []byte("v"), Options{})
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
}

func TestMulti_SequentialSetContinuesPastFailure(t *testing.T) {
	good := NewLocal(LocalConfig{})
	defer good.Close()
	m := NewMulti(MultiConfig{}, brokenLayer{}, good)
	ctx := t.Context()

	if err := m.Set(ctx, "k", []byte("v"), Options{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if ok, _ := good.Has(ctx, "k"); !ok {
		t.Fatal("lower layer missing the write")
	}
}

func TestMulti_DeleteTrueIfAnyLayerDeletes(t *testing.T) {
	m, _, lower := twoLocalMulti(t, MultiConfig{})
	ctx := t.Context()

	_ = lower.Set(ctx, "k", []byte("v"), Options{})

	ok, err := m.Delete(ctx, "k")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !ok {
		t.Fatal("expected true when any layer deleted")
	}

	if ok, _ := m.Delete(ctx, "k"); ok {
		t.Fatal("expected false when nothing was stored")
	}
}

func TestMulti_InvalidateByTagCascade(t *testing.T) {
	m, upper, lower := twoLocalMulti(t, MultiConfig{Invalidation: StrategyCascade, WriteThrough: true})
	ctx := t.Context()

	_ = m.Set(ctx, "k1", []byte("v1"), Options{Tags: []string{"T"}})
	_ = m.Set(ctx, "k2", []byte("v2"), Options{Tags: []string{"T"}})

	// Both layers hold both keys; the summed count covers each layer.
	n, err := m.InvalidateByTag(ctx, "T")
	if err != nil {
		t.Fatalf("InvalidateByTag: %v", err)
	}
	if n != 4 {
		t.Fatalf("count: got %d, want 4", n)
	}
	for _, l := range []*Local{upper, lower} {
		if l.Size() != 0 {
			t.Fatalf("layer %s still holds entries", l.Name())
		}
	}
}

func TestMulti_InvalidateByTagSelective(t *testing.T) {
	m, upper, lower := twoLocalMulti(t, MultiConfig{Invalidation: StrategySelective, WriteThrough: true})
	ctx := t.Context()

	_ = m.Set(ctx, "k1", []byte("v1"), Options{Tags: []string{"T"}})

	n, err := m.InvalidateByTag(ctx, "T")
	if err != nil {
		t.Fatalf("InvalidateByTag: %v", err)
	}
	if n != 2 {
		t.Fatalf("count: got %d, want 2", n)
	}
	for _, l := range []*Local{upper, lower} {
		if l.Size() != 0 {
			t.Fatalf("layer %s still holds entries", l.Name())
		}
	}
}

func TestMulti_GetOrSet_LoaderCalledOnce(t *testing.T) {
	m, _, _ := twoLocalMulti(t, MultiConfig{WriteThrough: true})
	ctx := t.Context()

	var calls atomic.Int32
	loader := func(_ context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("loaded"), nil
	}

	v1, err := m.GetOrSet(ctx, "k", Options{TTL: time.Minute}, loader)
	if err != nil {
		t.Fatalf("GetOrSet 1: %v", err)
	}
	if string(v1) != "loaded" {
		t.Fatalf("got %q, want %q", v1, "loaded")
	}

	v2, err := m.GetOrSet(ctx, "k", Options{TTL: time.Minute}, loader)
	if err != nil {
		t.Fatalf("GetOrSet 2: %v", err)
	}
	if string(v2) != "loaded" {
		t.Fatalf("got %q, want %q", v2, "loaded")
	}

	if n := calls.Load(); n != 1 {
		t.Fatalf("loader called %d times, want 1", n)
	}
}

func TestMulti_Stats(t *testing.T) {
	m, _, _ := twoLocalMulti(t, MultiConfig{WriteThrough: true})
	ctx := t.Context()

	_ = m.Set(ctx, "k", []byte("v"), Options{})
	_, _, _ = m.Get(ctx, "k")
	_, _, _ = m.Get(ctx, "missing")

	stats := m.Stats()
	for _, name := range []string{"upper", "lower", "multi"} {
		if _, ok := stats[name]; !ok {
			t.Fatalf("stats missing %q", name)
		}
	}
	agg := stats["multi"]
	if agg.Hits != 1 || agg.Misses != 1 || agg.Sets != 1 {
		t.Fatalf("aggregate stats: %+v", agg)
	}
}

// End-to-end scenario: set a tagged value, read it, invalidate the tag,
// read again.
func TestMulti_TagInvalidationScenario(t *testing.T) {
	l1 := NewLocal(LocalConfig{DefaultTTL: 60 * time.Second})
	defer l1.Close()
	m := NewMulti(MultiConfig{}, l1)
	ctx := t.Context()

	payload := []byte(`{"msg":"hi"}`)
	if err := m.Set(ctx, "demo:test", payload, Options{Tags: []string{"demo"}}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	val, ok, _ := m.Get(ctx, "demo:test")
	if !ok || string(val) != `{"msg":"hi"}` {
		t.Fatalf("immediate Get: ok=%v val=%q", ok, val)
	}

	n, _ := m.InvalidateByTag(ctx, "demo")
	if n != 1 {
		t.Fatalf("invalidated: got %d, want 1", n)
	}

	if _, ok, _ := m.Get(ctx, "demo:test"); ok {
		t.Fatal("expected miss after tag invalidation")
	}
}
