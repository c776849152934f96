// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mutebot/internal/storage"
)

const namespace = "mutebot"

// Lift results used as the "result" label.
const (
	LiftOK     = "ok"
	LiftGone   = "gone"
	LiftFailed = "failed"
)

type Metrics struct {
	MutesRegistered prometheus.Counter
	RegisterErrors  prometheus.Counter
	Lifts           *prometheus.CounterVec
	LiftLatency     prometheus.Histogram
	PollErrors      prometheus.Counter
	BatchesDropped  prometheus.Counter
	LastBatchSize   prometheus.Gauge
	PendingMutes    prometheus.Gauge
	TaskRestarts    *prometheus.CounterVec
	Commands        *prometheus.CounterVec
	UpdatesDropped  prometheus.Counter

	PoolTotalConns prometheus.Gauge
	PoolIdleConns  prometheus.Gauge
	PoolHits       prometheus.Counter
	PoolMisses     prometheus.Counter
	PoolTimeouts   prometheus.Counter

	poolMu   sync.Mutex
	lastPool *storage.PoolStats
}

// NewRegistry returns a registry preloaded with Go runtime and process
// collectors. A private registry keeps tests free of duplicate
// registration panics.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MutesRegistered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutes_registered_total",
			Help:      "Restriction deadlines created or extended",
		}),
		RegisterErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "register_errors_total",
			Help:      "Deadline writes that failed",
		}),
		Lifts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifts_total",
			Help:      "Restriction lift attempts, labeled by result",
		}, []string{"result"}),
		LiftLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lift_latency_seconds",
			Help:      "Latency of platform lift calls",
			Buckets:   prometheus.DefBuckets,
		}),
		PollErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Poll ticks skipped because listing the store failed",
		}),
		BatchesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_dropped_total",
			Help:      "Polled batches dropped because the worker queue was full",
		}),
		LastBatchSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_batch_size",
			Help:      "Number of keys in the most recent polled batch",
		}),
		PendingMutes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_mutes",
			Help:      "Tracked restriction records",
		}),
		TaskRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_restarts_total",
			Help:      "Supervised task restarts, labeled by task",
		}, []string{"task"}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Chat commands handled, labeled by command and result",
		}, []string{"command", "result"}),
		UpdatesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_dropped_total",
			Help:      "Inbound updates dropped because the router was busy",
		}),
		PoolTotalConns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_pool_total_conns",
			Help:      "Connections in the store pool",
		}),
		PoolIdleConns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_pool_idle_conns",
			Help:      "Idle connections in the store pool",
		}),
		PoolHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_pool_hits_total",
			Help:      "Times a free connection was found in the pool",
		}),
		PoolMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_pool_misses_total",
			Help:      "Times a connection had to be dialed",
		}),
		PoolTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_pool_timeouts_total",
			Help:      "Times waiting for a pooled connection timed out",
		}),
	}
}

// RecordPoolStats copies pool gauges and adds counter deltas since the
// previous call.
func (m *Metrics) RecordPoolStats(st storage.PoolStats) {
	m.PoolTotalConns.Set(float64(st.TotalConns))
	m.PoolIdleConns.Set(float64(st.IdleConns))

	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	var prev storage.PoolStats
	if m.lastPool != nil {
		prev = *m.lastPool
	}
	addDelta(m.PoolHits, prev.Hits, st.Hits)
	addDelta(m.PoolMisses, prev.Misses, st.Misses)
	addDelta(m.PoolTimeouts, prev.Timeouts, st.Timeouts)
	m.lastPool = &st
}

func addDelta(c prometheus.Counter, prev, cur uint32) {
	if cur > prev {
		c.Add(float64(cur - prev))
	}
}
