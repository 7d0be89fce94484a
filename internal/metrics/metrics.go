// Package metrics holds the Prometheus collectors shared by the pipeline.
// Every method is safe on a nil *Metrics so components can run without a
// registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hotlog"

// Metrics groups all collectors.
type Metrics struct {
	registry *prometheus.Registry

	recordsIngested  prometheus.Counter
	recordsRejected  *prometheus.CounterVec
	truncations      prometheus.Counter
	fileParks        prometheus.Counter
	cacheEntries     prometheus.Gauge
	cacheDropped     prometheus.Counter
	cacheEvicted     prometheus.Counter
	querySourceLat   *prometheus.HistogramVec
	broadcastDropped prometheus.Counter
	subscribers      prometheus.Gauge
	watchedFiles     prometheus.Gauge
}

// New creates and registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		recordsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "records_total",
			Help: "Records extracted from monitored files",
		}),
		recordsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "rejected_total",
			Help: "Blocks quarantined or discarded, by kind",
		}, []string{"kind"}),
		truncations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "truncations_total",
			Help: "Detected truncations or rotations",
		}),
		fileParks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "parks_total",
			Help: "Times a watcher parked on a missing file",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "entries",
			Help: "Live entries in the hot cache",
		}),
		cacheDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "dropped_total",
			Help: "Inserts dropped by the bounded ingest queue",
		}),
		cacheEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evicted_total",
			Help: "Entries removed after expiry",
		}),
		querySourceLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "query", Name: "source_duration_seconds",
			Help:    "Latency of per-source lookups",
			Buckets: prometheus.DefBuckets,
		}, []string{"source", "status"}),
		broadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "dropped_total",
			Help: "Messages dropped from slow subscriber backlogs",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "subscribers",
			Help: "Active live subscribers",
		}),
		watchedFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "files",
			Help: "Files with an active watcher",
		}),
	}

	reg.MustRegister(
		m.recordsIngested, m.recordsRejected, m.truncations, m.fileParks,
		m.cacheEntries, m.cacheDropped, m.cacheEvicted,
		m.querySourceLat, m.broadcastDropped, m.subscribers, m.watchedFiles,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordsIngested counts extracted records. Record fields are not used as
// labels since their values come from log content.
func (m *Metrics) RecordsIngested(n int) {
	if m != nil {
		m.recordsIngested.Add(float64(n))
	}
}

func (m *Metrics) RecordRejected(kind string) {
	if m != nil {
		m.recordsRejected.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Truncation() {
	if m != nil {
		m.truncations.Inc()
	}
}

func (m *Metrics) Park() {
	if m != nil {
		m.fileParks.Inc()
	}
}

func (m *Metrics) CacheEntries(n int64) {
	if m != nil {
		m.cacheEntries.Set(float64(n))
	}
}

func (m *Metrics) CacheDropped() {
	if m != nil {
		m.cacheDropped.Inc()
	}
}

func (m *Metrics) CacheEvicted(n int) {
	if m != nil && n > 0 {
		m.cacheEvicted.Add(float64(n))
	}
}

func (m *Metrics) SourceLatency(source, status string, d time.Duration) {
	if m != nil {
		m.querySourceLat.WithLabelValues(source, status).Observe(d.Seconds())
	}
}

func (m *Metrics) BroadcastDropped() {
	if m != nil {
		m.broadcastDropped.Inc()
	}
}

func (m *Metrics) Subscribers(n int) {
	if m != nil {
		m.subscribers.Set(float64(n))
	}
}

func (m *Metrics) WatchedFiles(n int) {
	if m != nil {
		m.watchedFiles.Set(float64(n))
	}
}
