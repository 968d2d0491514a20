// Package metrics defines the Prometheus collectors shared across
// subsystems that are not naturally owned by a single package's own
// metrics type (dispatch has its own Metrics; this package covers the
// engine, AOF and replication gauges that the dashboard (component K)
// and a Prometheus scraper both read). Reusing a single *prometheus.Registry
// per process is grounded on the corpus's general pattern of constructing
// collectors at startup and registering them once (see the WS-relay
// sibling example's metrics.MetricsInterface usage).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"vodis/internal/engine"
)

// Registry bundles the cross-cutting gauges/counters. Owned components
// (engine, AOF writer, replication controller) are polled periodically
// rather than instrumented inline, since none of them import prometheus
// directly -- keeping the domain packages free of an observability
// dependency, per spec.md's framing of metrics as an external collaborator.
type Registry struct {
	reg *prometheus.Registry

	Keys         prometheus.Gauge
	Channels     prometheus.Gauge
	Subscribers  prometheus.Gauge
	Followers    prometheus.Gauge
	Transactions prometheus.Gauge
	AOFFlushes   prometheus.Counter
	AOFBatchSize prometheus.Histogram
}

// New builds and registers the shared collectors on a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		Keys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vodis", Subsystem: "engine", Name: "keys",
			Help: "Number of live keys in the keyspace.",
		}),
		Channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vodis", Subsystem: "engine", Name: "channels",
			Help: "Number of channels with at least one subscriber.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vodis", Subsystem: "engine", Name: "subscribers",
			Help: "Number of active subscriber handles.",
		}),
		Followers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vodis", Subsystem: "replication", Name: "followers",
			Help: "Number of followers attached to this primary.",
		}),
		Transactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vodis", Subsystem: "txn", Name: "open",
			Help: "Number of open (MULTI'd but not EXEC'd/discarded) transactions.",
		}),
		AOFFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vodis", Subsystem: "aof", Name: "flushes_total",
			Help: "Number of batched AOF flushes performed.",
		}),
		AOFBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vodis", Subsystem: "aof", Name: "flush_batch_size",
			Help:    "Number of lines written per AOF flush.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	reg.MustRegister(m.Keys, m.Channels, m.Subscribers, m.Followers, m.Transactions, m.AOFFlushes, m.AOFBatchSize)
	return m
}

// Registry exposes the underlying *prometheus.Registry, e.g. to mount
// promhttp.HandlerFor on the dashboard's /metrics route.
func (m *Registry) Registry() *prometheus.Registry { return m.reg }

// EngineSource is the subset of *engine.Engine StartPoller reads.
type EngineSource interface {
	Stats() engine.Stats
}

// TxnSource is the subset of *txn.Registry StartPoller reads.
type TxnSource interface {
	Len() int
}

// ReplSource is the subset of *replication.Controller StartPoller reads.
type ReplSource interface {
	FollowerCount() int
}

// StartPoller samples eng/txns/repl every interval and drives the
// Keys/Channels/Subscribers/Transactions/Followers gauges from it, since
// none of those components import prometheus themselves. Mirrors the
// dashboard's own currentSnapshot poll (internal/dashboard/dashboard.go).
// Call the returned stop func to end the goroutine.
func (m *Registry) StartPoller(eng EngineSource, txns TxnSource, repl ReplSource, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				stats := eng.Stats()
				m.Keys.Set(float64(stats.Keys))
				m.Channels.Set(float64(stats.Channels))
				m.Subscribers.Set(float64(stats.Subscribers))
				m.Transactions.Set(float64(txns.Len()))
				m.Followers.Set(float64(repl.FollowerCount()))
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
