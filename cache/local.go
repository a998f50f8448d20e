package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// localOverhead is the advisory per-entry bookkeeping estimate added to the
// key and value lengths when accounting memory.
const localOverhead = 120

// LocalConfig configures a Local layer. Zero values fall back to defaults.
type LocalConfig struct {
	// Name identifies the layer in logs and stats. Default "l1".
	Name string

	// MaxSize caps the number of entries. Default 1000.
	MaxSize int

	// MaxMemory is an advisory byte cap computed from key length, value
	// length, and a constant per-entry overhead. Zero disables the cap.
	MaxMemory int64

	// DefaultTTL applies to entries whose Options carry no TTL. Zero means
	// no expiry by default.
	DefaultTTL time.Duration

	// CleanupInterval is the period of the background expiry sweep. Zero
	// disables the sweep; expired entries are then only reclaimed lazily.
	CleanupInterval time.Duration

	// Logger receives sweep reports. Nil means slog.Default().
	Logger *slog.Logger
}

// Local is a bounded, process-local cache layer with LRU eviction, a tag
// index, and a periodic expiry sweep. All methods are safe for concurrent
// use; map, access-counter, and tag-index updates happen under one lock so
// eviction and insertion form a single critical section.
type Local struct {
	cfg LocalConfig
	log *slog.Logger

	mu      sync.Mutex
	entries map[string]*localEntry
	tags    map[string]map[string]struct{}
	memory  int64
	clock   uint64 // monotonic access counter; avoids wall-clock ties

	metrics Metrics

	done      chan struct{}
	closeOnce sync.Once
	nowFunc   func() time.Time // for testing; defaults to time.Now
}

type localEntry struct {
	Entry
	access uint64
	bytes  int64
}

// NewLocal creates a Local layer and starts its expiry sweep when
// CleanupInterval is set. Call Close to release the sweeper.
func NewLocal(cfg LocalConfig) *Local {
	if cfg.Name == "" {
		cfg.Name = "l1"
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	l := &Local{
		cfg:     cfg,
		log:     cfg.Logger,
		entries: make(map[string]*localEntry),
		tags:    make(map[string]map[string]struct{}),
		done:    make(chan struct{}),
		nowFunc: time.Now,
	}
	if cfg.CleanupInterval > 0 {
		go l.sweepLoop(cfg.CleanupInterval)
	}
	return l
}

// Name implements Layer.
func (l *Local) Name() string { return l.cfg.Name }

// Get retrieves a value by key. An expired entry is deleted and reported as
// a miss before the hit/miss counters are touched.
func (l *Local) Get(_ context.Context, key string) ([]byte, bool, error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		l.mu.Unlock()
		l.metrics.Miss()
		return nil, false, nil
	}
	if e.Expired(l.nowFunc()) {
		l.removeLocked(key)
		l.mu.Unlock()
		l.metrics.Miss()
		return nil, false, nil
	}
	l.clock++
	e.access = l.clock
	val := append([]byte(nil), e.Value...)
	l.mu.Unlock()
	l.metrics.Hit()
	return val, true, nil
}

// Set stores a value under key. Capacity is enforced before insertion by
// evicting least-recently-used entries.
func (l *Local) Set(_ context.Context, key string, val []byte, opts Options) error {
	ttl := opts.effectiveTTL(l.cfg.DefaultTTL)
	cost := int64(len(key)+len(val)) + localOverhead

	l.mu.Lock()
	if old, ok := l.entries[key]; ok {
		// Overwrite: drop the old entry's accounting without counting a
		// delete or eviction.
		l.unregisterLocked(key, old)
	}
	if len(l.entries) >= l.cfg.MaxSize {
		l.evictLocked()
	}
	if l.cfg.MaxMemory > 0 {
		for l.memory+cost > l.cfg.MaxMemory && len(l.entries) > 0 {
			l.evictLocked()
		}
	}

	l.clock++
	e := &localEntry{
		Entry: Entry{
			Value:     append([]byte(nil), val...),
			CreatedAt: l.nowFunc(),
			TTL:       ttl,
			Tags:      opts.Tags,
		},
		access: l.clock,
		bytes:  cost,
	}
	l.entries[key] = e
	l.memory += cost
	for _, tag := range opts.Tags {
		bucket, ok := l.tags[tag]
		if !ok {
			bucket = make(map[string]struct{})
			l.tags[tag] = bucket
		}
		bucket[key] = struct{}{}
	}
	l.mu.Unlock()

	l.metrics.Set()
	return nil
}

// Delete removes a key and reports whether an entry was removed.
func (l *Local) Delete(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	_, ok := l.entries[key]
	if ok {
		l.removeLocked(key)
	}
	l.mu.Unlock()
	if ok {
		l.metrics.Delete()
	}
	return ok, nil
}

// Clear removes every entry and tag bucket.
func (l *Local) Clear(_ context.Context) error {
	l.mu.Lock()
	l.entries = make(map[string]*localEntry)
	l.tags = make(map[string]map[string]struct{})
	l.memory = 0
	l.mu.Unlock()
	return nil
}

// Has reports whether key holds an unexpired entry. It does not refresh the
// entry's LRU position or touch the hit/miss counters.
func (l *Local) Has(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return false, nil
	}
	if e.Expired(l.nowFunc()) {
		l.removeLocked(key)
		return false, nil
	}
	return true, nil
}

// InvalidateByTag removes every key registered under tag and returns the
// number of entries removed. The tag bucket itself is dropped.
func (l *Local) InvalidateByTag(_ context.Context, tag string) (int, error) {
	l.mu.Lock()
	bucket := l.tags[tag]
	count := 0
	for key := range bucket {
		if _, ok := l.entries[key]; ok {
			l.removeLocked(key)
			count++
		}
	}
	delete(l.tags, tag)
	l.mu.Unlock()

	l.metrics.AddDeletes(count)
	return count, nil
}

// Info implements Layer. Like Has it does not refresh the entry's LRU
// position.
func (l *Local) Info(_ context.Context, key string) (Info, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return Info{}, false, nil
	}
	now := l.nowFunc()
	if e.Expired(now) {
		l.removeLocked(key)
		return Info{}, false, nil
	}
	info := Info{
		Tags:      append([]string(nil), e.Tags...),
		Remaining: NoExpiry,
	}
	if e.TTL > 0 {
		info.Remaining = e.TTL - now.Sub(e.CreatedAt)
	}
	return info, true, nil
}

// Keys returns a snapshot of all stored keys, including entries that have
// expired but not yet been swept.
func (l *Local) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	return keys
}

// Size returns the current entry count.
func (l *Local) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// MemoryBytes returns the advisory memory estimate for all stored entries.
func (l *Local) MemoryBytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.memory
}

// Stats implements Layer.
func (l *Local) Stats() Stats {
	return l.metrics.Snapshot(l.Size())
}

// Close stops the background expiry sweep. It does not clear stored entries.
func (l *Local) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// evictLocked removes the least-recently-used entry, chosen by the smallest
// access-counter value. Must be called with l.mu held.
func (l *Local) evictLocked() {
	var (
		victim string
		oldest uint64
		found  bool
	)
	for key, e := range l.entries {
		if !found || e.access < oldest {
			victim, oldest, found = key, e.access, true
		}
	}
	if found {
		l.removeLocked(victim)
		l.metrics.Eviction()
	}
}

// removeLocked drops an entry and its tag registrations. Must be called with
// l.mu held.
func (l *Local) removeLocked(key string) {
	e, ok := l.entries[key]
	if !ok {
		return
	}
	l.unregisterLocked(key, e)
}

func (l *Local) unregisterLocked(key string, e *localEntry) {
	delete(l.entries, key)
	l.memory -= e.bytes
	for _, tag := range e.Tags {
		if bucket, ok := l.tags[tag]; ok {
			delete(bucket, key)
			if len(bucket) == 0 {
				delete(l.tags, tag)
			}
		}
	}
}

// sweepLoop proactively deletes expired entries so memory held by dead
// entries stays bounded regardless of access pattern.
func (l *Local) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if n := l.sweep(); n > 0 {
				l.log.Debug("cache sweep removed expired entries", "layer", l.Name(), "count", n)
			}
		}
	}
}

func (l *Local) sweep() int {
	now := l.nowFunc()
	l.mu.Lock()
	expired := make([]string, 0)
	for key, e := range l.entries {
		if e.Expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		l.removeLocked(key)
	}
	l.mu.Unlock()
	return len(expired)
}
