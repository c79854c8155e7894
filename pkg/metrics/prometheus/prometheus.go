package prometheus

import (
	"time"

	"ledger-sync/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements MetricsCollector for Prometheus.
type PrometheusCollector struct {
	namespace string

	// Backend operations
	queries       *prometheus.CounterVec
	mutations     *prometheus.CounterVec
	backendErrors *prometheus.CounterVec
	queryLatency  *prometheus.HistogramVec
	mutateLatency *prometheus.HistogramVec

	// Ledger store
	refreshes    *prometheus.CounterVec
	snapshots    *prometheus.CounterVec
	snapshotSize *prometheus.GaugeVec
	balance      *prometheus.GaugeVec
	subscribers  *prometheus.GaugeVec

	// Circuit breaker
	circuitOpens *prometheus.CounterVec
	circuitState *prometheus.GaugeVec

	// Transfers
	transfers       *prometheus.CounterVec
	transferLatency *prometheus.HistogramVec

	// Reconciler
	queueDepth       *prometheus.GaugeVec
	reconciles       *prometheus.CounterVec
	reconcileLatency *prometheus.HistogramVec
}

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	latencyBuckets := prometheus.ExponentialBuckets(0.0005, 2, 15) // 0.5ms to ~8s

	return &PrometheusCollector{
		namespace: namespace,
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_queries_total",
				Help:      "Total number of backend queries per ledger",
			},
			[]string{"ledger", "status"},
		),
		mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_mutations_total",
				Help:      "Total number of backend mutations per ledger",
			},
			[]string{"ledger", "status"},
		),
		backendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Total number of backend errors per ledger and operation",
			},
			[]string{"ledger", "operation"},
		),
		queryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_duration_seconds",
				Help:      "Backend query latency",
				Buckets:   latencyBuckets,
			},
			[]string{"ledger"},
		),
		mutateLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "mutation_duration_seconds",
				Help:      "Backend mutation latency",
				Buckets:   latencyBuckets,
			},
			[]string{"ledger"},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refreshes_total",
				Help:      "Total number of refresh requests per ledger",
			},
			[]string{"ledger", "coalesced"},
		),
		snapshots: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshots_total",
				Help:      "Total number of snapshots published per ledger",
			},
			[]string{"ledger", "stale"},
		),
		snapshotSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "snapshot_transactions",
				Help:      "Number of transactions in the latest snapshot per ledger",
			},
			[]string{"ledger"},
		),
		balance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "balance",
				Help:      "Latest derived balance per ledger",
			},
			[]string{"ledger"},
		),
		subscribers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "subscribers",
				Help:      "Current number of snapshot subscribers per ledger",
			},
			[]string{"ledger"},
		),
		circuitOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_opens_total",
				Help:      "Total number of circuit breaker opens per backend",
			},
			[]string{"backend"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
			},
			[]string{"backend"},
		),
		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_total",
				Help:      "Total number of resolved transfers per outcome state",
			},
			[]string{"state"},
		),
		transferLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transfer_duration_seconds",
				Help:      "Transfer resolution latency",
				Buckets:   latencyBuckets,
			},
			[]string{"state"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current queue depth",
			},
			[]string{"queue"},
		),
		reconciles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciles_total",
				Help:      "Total number of reconciliation attempts per policy",
			},
			[]string{"policy", "status"},
		),
		reconcileLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Reconciliation attempt latency",
				Buckets:   latencyBuckets,
			},
			[]string{"policy"},
		),
	}
}

// Register registers all metrics with the given Prometheus registerer.
func (pc *PrometheusCollector) Register(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pc.queries,
		pc.mutations,
		pc.backendErrors,
		pc.queryLatency,
		pc.mutateLatency,
		pc.refreshes,
		pc.snapshots,
		pc.snapshotSize,
		pc.balance,
		pc.subscribers,
		pc.circuitOpens,
		pc.circuitState,
		pc.transfers,
		pc.transferLatency,
		pc.queueDepth,
		pc.reconciles,
		pc.reconcileLatency,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordQuery records a backend query.
func (pc *PrometheusCollector) RecordQuery(ledger string, success bool, duration time.Duration) {
	pc.queries.WithLabelValues(ledger, status(success)).Inc()
	if !success {
		pc.backendErrors.WithLabelValues(ledger, "query").Inc()
	}
	pc.queryLatency.WithLabelValues(ledger).Observe(duration.Seconds())
}

// RecordMutation records a backend mutation.
func (pc *PrometheusCollector) RecordMutation(ledger string, success bool, duration time.Duration) {
	pc.mutations.WithLabelValues(ledger, status(success)).Inc()
	if !success {
		pc.backendErrors.WithLabelValues(ledger, "mutate").Inc()
	}
	pc.mutateLatency.WithLabelValues(ledger).Observe(duration.Seconds())
}

// RecordRefresh records a refresh request.
func (pc *PrometheusCollector) RecordRefresh(ledger string, coalesced bool) {
	label := "false"
	if coalesced {
		label = "true"
	}
	pc.refreshes.WithLabelValues(ledger, label).Inc()
}

// RecordSnapshot records a published snapshot.
func (pc *PrometheusCollector) RecordSnapshot(ledger string, size int, stale bool) {
	label := "false"
	if stale {
		label = "true"
	}
	pc.snapshots.WithLabelValues(ledger, label).Inc()
	pc.snapshotSize.WithLabelValues(ledger).Set(float64(size))
}

// RecordBalance records the latest derived balance.
func (pc *PrometheusCollector) RecordBalance(ledger string, balance float64) {
	pc.balance.WithLabelValues(ledger).Set(balance)
}

// RecordSubscribers records the current subscriber count.
func (pc *PrometheusCollector) RecordSubscribers(ledger string, count int) {
	pc.subscribers.WithLabelValues(ledger).Set(float64(count))
}

// RecordCircuitState records the current circuit breaker state.
func (pc *PrometheusCollector) RecordCircuitState(backend string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(backend).Set(float64(state))
	if state == metrics.CircuitOpen {
		pc.circuitOpens.WithLabelValues(backend).Inc()
	}
}

// RecordTransfer records a resolved transfer.
func (pc *PrometheusCollector) RecordTransfer(state string, duration time.Duration) {
	pc.transfers.WithLabelValues(state).Inc()
	pc.transferLatency.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordQueueDepth records the current queue depth.
func (pc *PrometheusCollector) RecordQueueDepth(queue string, depth int) {
	pc.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordReconcile records a reconciliation attempt.
func (pc *PrometheusCollector) RecordReconcile(policy string, success bool, duration time.Duration) {
	pc.reconciles.WithLabelValues(policy, status(success)).Inc()
	pc.reconcileLatency.WithLabelValues(policy).Observe(duration.Seconds())
}
