package stratum

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// collector exposes the per-layer cache counters as Prometheus metrics. It
// reads the counters on scrape; nothing is pre-aggregated.
type collector struct {
	m *Manager

	hits      *prometheus.Desc
	misses    *prometheus.Desc
	sets      *prometheus.Desc
	deletes   *prometheus.Desc
	errors    *prometheus.Desc
	evictions *prometheus.Desc
	hitRate   *prometheus.Desc
	size      *prometheus.Desc
}

// Collector returns a prometheus.Collector over the manager's cache stats.
// Register it on whatever registry the host application scrapes.
func (m *Manager) Collector() prometheus.Collector {
	labels := []string{"layer"}
	return &collector{
		m:         m,
		hits:      prometheus.NewDesc("stratum_cache_hits_total", "Cache hits per layer.", labels, nil),
		misses:    prometheus.NewDesc("stratum_cache_misses_total", "Cache misses per layer.", labels, nil),
		sets:      prometheus.NewDesc("stratum_cache_sets_total", "Cache writes per layer.", labels, nil),
		deletes:   prometheus.NewDesc("stratum_cache_deletes_total", "Cache deletions per layer.", labels, nil),
		errors:    prometheus.NewDesc("stratum_cache_errors_total", "Cache operation errors per layer.", labels, nil),
		evictions: prometheus.NewDesc("stratum_cache_evictions_total", "Capacity evictions per layer.", labels, nil),
		hitRate:   prometheus.NewDesc("stratum_cache_hit_rate", "Derived hit rate per layer.", labels, nil),
		size:      prometheus.NewDesc("stratum_cache_entries", "Current entry count per layer.", labels, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.sets
	ch <- c.deletes
	ch <- c.errors
	ch <- c.evictions
	ch <- c.hitRate
	ch <- c.size
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for name, st := range c.m.Stats() {
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(st.Hits), name)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(st.Misses), name)
		ch <- prometheus.MustNewConstMetric(c.sets, prometheus.CounterValue, float64(st.Sets), name)
		ch <- prometheus.MustNewConstMetric(c.deletes, prometheus.CounterValue, float64(st.Deletes), name)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(st.Errors), name)
		ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(st.Evictions), name)
		ch <- prometheus.MustNewConstMetric(c.hitRate, prometheus.GaugeValue, st.HitRate, name)
		ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(st.Size), name)
	}
}

// MetricsHandler returns an http.Handler serving the manager's metrics on a
// dedicated registry.
func (m *Manager) MetricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(m.Collector())
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
