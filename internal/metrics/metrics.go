// Package metrics exposes Prometheus metrics for the reconciliation
// pipeline. Metrics are fed from the event bus, so no component needs a
// direct dependency on this package.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trafegodns/trafegodns/internal/bus"
)

// Namespace prefixes every metric name.
const Namespace = "trafegodns"

// Metrics holds the collectors on a private registry, so multiple
// instances (tests, mainly) never collide.
type Metrics struct {
	registry *prometheus.Registry

	recordsCreated  *prometheus.CounterVec
	recordsUpdated  *prometheus.CounterVec
	recordsDeleted  *prometheus.CounterVec
	recordsOrphaned *prometheus.CounterVec
	syncErrors      prometheus.Counter
	syncDuration    prometheus.Histogram
	hostnames       prometheus.Gauge
	buildInfo       *prometheus.GaugeVec
}

// New creates the metric set. version and buildDate label the build_info
// gauge.
func New(version, buildDate string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		recordsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "records_created_total",
			Help:      "DNS records created, per provider.",
		}, []string{"provider"}),
		recordsUpdated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "records_updated_total",
			Help:      "DNS records updated, per provider.",
		}, []string{"provider"}),
		recordsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "records_deleted_total",
			Help:      "DNS records deleted, per provider.",
		}, []string{"provider"}),
		recordsOrphaned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "records_orphaned_total",
			Help:      "DNS records marked orphaned, per provider.",
		}, []string{"provider"}),
		syncErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sync_errors_total",
			Help:      "Record-level failures across reconciliation passes.",
		}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of one reconciliation pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		hostnames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "hostnames",
			Help:      "Hostnames processed by the most recent pass.",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "build_info",
			Help:      "Build metadata; the value is always 1.",
		}, []string{"version", "build_date"}),
	}

	m.registry.MustRegister(
		m.recordsCreated, m.recordsUpdated, m.recordsDeleted, m.recordsOrphaned,
		m.syncErrors, m.syncDuration, m.hostnames, m.buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.buildInfo.WithLabelValues(version, buildDate).Set(1)
	return m
}

// Bind subscribes the collectors to the bus topics that feed them and
// returns a function detaching them again.
func (m *Metrics) Bind(b *bus.Bus) (unbind func()) {
	subs := []func(){
		b.Subscribe(bus.TopicRecordCreated, "metrics", func(ev bus.Event) {
			if p, ok := ev.Payload.(bus.RecordEvent); ok {
				m.recordsCreated.WithLabelValues(p.Provider).Inc()
			}
		}),
		b.Subscribe(bus.TopicRecordUpdated, "metrics", func(ev bus.Event) {
			if p, ok := ev.Payload.(bus.RecordEvent); ok {
				m.recordsUpdated.WithLabelValues(p.Provider).Inc()
			}
		}),
		b.Subscribe(bus.TopicRecordDeleted, "metrics", func(ev bus.Event) {
			if p, ok := ev.Payload.(bus.RecordEvent); ok {
				m.recordsDeleted.WithLabelValues(p.Provider).Inc()
			}
		}),
		b.Subscribe(bus.TopicRecordOrphaned, "metrics", func(ev bus.Event) {
			if p, ok := ev.Payload.(bus.RecordEvent); ok {
				m.recordsOrphaned.WithLabelValues(p.Provider).Inc()
			}
		}),
		b.Subscribe(bus.TopicSyncCompleted, "metrics", func(ev bus.Event) {
			if p, ok := ev.Payload.(bus.SyncStats); ok {
				m.syncDuration.Observe(p.Duration.Seconds())
				m.syncErrors.Add(float64(p.Errors))
				m.hostnames.Set(float64(p.Total))
			}
		}),
	}
	return func() {
		for _, unsub := range subs {
			unsub()
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
