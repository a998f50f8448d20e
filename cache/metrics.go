package cache

import "go.uber.org/atomic"

// Stats is a point-in-time snapshot of one layer's counters. Counters are
// monotonically increasing for the lifetime of the layer.
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Sets      uint64  `json:"sets"`
	Deletes   uint64  `json:"deletes"`
	Errors    uint64  `json:"errors"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hitRate"`
	Size      int     `json:"size"`
}

// Metrics holds a layer's counters. The zero value is ready to use and all
// methods are safe for concurrent use.
type Metrics struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	sets      atomic.Uint64
	deletes   atomic.Uint64
	errors    atomic.Uint64
	evictions atomic.Uint64
}

func (m *Metrics) Hit()      { m.hits.Inc() }
func (m *Metrics) Miss()     { m.misses.Inc() }
func (m *Metrics) Set()      { m.sets.Inc() }
func (m *Metrics) Delete()   { m.deletes.Inc() }
func (m *Metrics) Error()    { m.errors.Inc() }
func (m *Metrics) Eviction() { m.evictions.Inc() }

// AddDeletes records n deletions at once (bulk invalidation).
func (m *Metrics) AddDeletes(n int) {
	if n > 0 {
		m.deletes.Add(uint64(n))
	}
}

// Snapshot returns the current counter values together with the derived hit
// rate. size is the owner's current entry count (0 when unknown).
func (m *Metrics) Snapshot(size int) Stats {
	hits := m.hits.Load()
	misses := m.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:      hits,
		Misses:    misses,
		Sets:      m.sets.Load(),
		Deletes:   m.deletes.Load(),
		Errors:    m.errors.Load(),
		Evictions: m.evictions.Load(),
		HitRate:   rate,
		Size:      size,
	}
}
