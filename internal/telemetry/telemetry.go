// Package telemetry exposes Prometheus collectors for the durable store, the
// cache manager and the write-queue agent. Metrics are served only on the
// local /metrics endpoint; nothing is transmitted anywhere.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fieldsync"

// Replay outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeTransient = "transient"
	OutcomeRejected  = "rejected"
	OutcomeNetwork   = "network_error"
)

// Cache tiers.
const (
	TierVolatile = "volatile"
	TierDurable  = "durable"
)

// Registry holds every fieldsync collector.
var Registry = prometheus.NewRegistry()

var (
	// QueueDepth is the number of operations awaiting replay.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of queued write operations awaiting replay.",
	})

	// Enqueued counts writes captured for later delivery.
	Enqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Total number of write operations queued after a network failure.",
	})

	// EnqueueFailures counts writes that could not be queued.
	EnqueueFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "enqueue_failures_total",
		Help:      "Total number of writes that could not be queued, by error code.",
	}, []string{"code"})

	// DeadLetters is the number of operations parked after permanent rejection.
	DeadLetters = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "dead_letters",
		Help:      "Number of operations parked after a permanent rejection.",
	})

	// Replays counts replay attempts by outcome.
	Replays = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "replays_total",
		Help:      "Total number of queued operation replays, by outcome.",
	}, []string{"outcome"})

	// DrainPasses counts drain passes by result.
	DrainPasses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "drain_passes_total",
		Help:      "Total number of drain passes, by result (complete|halted|error).",
	}, []string{"result"})

	// DrainDuration observes drain pass duration.
	DrainDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "drain_duration_seconds",
		Help:      "Duration of drain passes in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	})

	// CacheLookups counts cache lookups by tier and result.
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Total number of cache lookups, by tier and result (hit|miss|stale).",
	}, []string{"tier", "result"})

	// StoreResets counts hard resets of the durable store.
	StoreResets = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "resets_total",
		Help:      "Total number of durable store hard resets.",
	})

	// Online is 1 while the network detector reports connectivity.
	Online = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "network",
		Name:      "online",
		Help:      "1 while connectivity is available, 0 otherwise.",
	})

	// Transitions counts connectivity transitions by target state.
	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "network",
		Name:      "transitions_total",
		Help:      "Total number of connectivity transitions, by target state.",
	}, []string{"state"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		QueueDepth, Enqueued, EnqueueFailures, DeadLetters,
		Replays, DrainPasses, DrainDuration,
		CacheLookups, StoreResets,
		Online, Transitions,
	)
}

// Handler serves the fieldsync registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// SetOnline records the connectivity state.
func SetOnline(online bool) {
	if online {
		Online.Set(1)
		Transitions.WithLabelValues("online").Inc()
		return
	}
	Online.Set(0)
	Transitions.WithLabelValues("offline").Inc()
}
