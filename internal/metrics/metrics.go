// Package metrics counts what an install run did. Every recorder is safe to
// call on a nil *Metrics, so components can run without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "keg"

// Metrics holds the collectors of one run and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	downloads     *prometheus.CounterVec
	cacheHits     *prometheus.CounterVec
	clones        prometheus.Counter
	builds        *prometheus.CounterVec
	buildDuration *prometheus.HistogramVec
	installs      *prometheus.CounterVec
	skipped       prometheus.Counter
	failures      *prometheus.CounterVec
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		downloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloads_total",
				Help:      "Artifacts fetched over the network.",
			},
			[]string{"kind"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Artifacts served from the download cache.",
			},
			[]string{"kind"},
		),
		clones: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "clones_total",
				Help:      "Head repositories checked out.",
			},
		),
		builds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "build",
				Name:      "runs_total",
				Help:      "Source builds by outcome.",
			},
			[]string{"success"},
		),
		buildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "build",
				Name:      "duration_seconds",
				Help:      "Source build duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"success"},
		),
		installs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "installs_total",
				Help:      "Store entries committed, by artifact kind.",
			},
			[]string{"kind"},
		),
		skipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "installs_skipped_total",
				Help:      "Plan steps skipped because the entry was already installed.",
			},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "install_failures_total",
				Help:      "Failed installs by error kind.",
			},
			[]string{"kind"},
		),
	}
	m.registry.MustRegister(m.downloads, m.cacheHits, m.clones, m.builds, m.buildDuration, m.installs, m.skipped, m.failures)
	return m
}

// Registry exposes the registry for exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordDownload(kind string) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordCacheHit(kind string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordClone() {
	if m == nil {
		return
	}
	m.clones.Inc()
}

func (m *Metrics) RecordBuild(duration time.Duration, success bool) {
	if m == nil {
		return
	}
	label := "false"
	if success {
		label = "true"
	}
	m.builds.WithLabelValues(label).Inc()
	m.buildDuration.WithLabelValues(label).Observe(duration.Seconds())
}

func (m *Metrics) RecordInstall(kind string) {
	if m == nil {
		return
	}
	m.installs.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordSkipped() {
	if m == nil {
		return
	}
	m.skipped.Inc()
}

func (m *Metrics) RecordFailure(kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(kind).Inc()
}

// WriteTextfile dumps every collector in the Prometheus text format to path,
// replacing the file atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
