package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type ledgerMetrics struct {
	submissions *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	rpcErrors   *prometheus.CounterVec
}

// EscrowMetrics tracks escrow lifecycle outcomes.
type EscrowMetrics struct {
	actions         *prometheus.CounterVec
	partialFailures prometheus.Counter
	replays         *prometheus.CounterVec
}

// ReconMetrics tracks reconciliation runs.
type ReconMetrics struct {
	runs      *prometheus.CounterVec
	anomalies *prometheus.CounterVec
	lastRun   prometheus.Gauge
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *ledgerMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics

	reconMetricsOnce sync.Once
	reconRegistry    *ReconMetrics
)

// Ledger returns the lazily-initialised registry recording ledger submissions.
func Ledger() *ledgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &ledgerMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shipcover",
				Subsystem: "ledger",
				Name:      "submissions_total",
				Help:      "Ledger transaction submissions segmented by transaction type and final outcome.",
			}, []string{"type", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "shipcover",
				Subsystem: "ledger",
				Name:      "submit_duration_seconds",
				Help:      "Time from submission until a validated, rejected or timed out outcome.",
				Buckets:   []float64{0.5, 1, 2, 4, 8, 15, 30, 60, 120},
			}, []string{"type"}),
			rpcErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shipcover",
				Subsystem: "ledger",
				Name:      "rpc_errors_total",
				Help:      "JSON-RPC calls that failed, segmented by method and error kind.",
			}, []string{"method", "kind"}),
		}
		prometheus.MustRegister(ledgerRegistry.submissions, ledgerRegistry.latency, ledgerRegistry.rpcErrors)
	})
	return ledgerRegistry
}

// ObserveSubmission records the final outcome of a submit-and-wait.
func (m *ledgerMetrics) ObserveSubmission(txType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(txType, normalizeLabel(outcome)).Inc()
	m.latency.WithLabelValues(txType).Observe(duration.Seconds())
}

// RecordRPCError counts a failed node call.
func (m *ledgerMetrics) RecordRPCError(method, kind string) {
	if m == nil {
		return
	}
	m.rpcErrors.WithLabelValues(method, normalizeLabel(kind)).Inc()
}

// Escrow returns the escrow lifecycle registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shipcover",
				Subsystem: "escrow",
				Name:      "actions_total",
				Help:      "Escrow create, finish and cancel attempts segmented by outcome kind.",
			}, []string{"action", "outcome"}),
			partialFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "shipcover",
				Subsystem: "escrow",
				Name:      "partial_failures_total",
				Help:      "Premiums collected without a matching escrow. Each one needs compensation.",
			}),
			replays: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shipcover",
				Subsystem: "escrow",
				Name:      "terminal_replays_total",
				Help:      "Terminal actions answered from the idempotency record instead of the ledger.",
			}, []string{"action"}),
		}
		prometheus.MustRegister(escrowRegistry.actions, escrowRegistry.partialFailures, escrowRegistry.replays)
	})
	return escrowRegistry
}

// RecordAction counts one escrow action with its outcome kind ("ok" on success).
func (m *EscrowMetrics) RecordAction(action, outcome string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, normalizeLabel(outcome)).Inc()
}

// RecordPartialFailure counts a premium paid without escrow.
func (m *EscrowMetrics) RecordPartialFailure() {
	if m == nil {
		return
	}
	m.partialFailures.Inc()
}

// RecordReplay counts an idempotent replay.
func (m *EscrowMetrics) RecordReplay(action string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(action).Inc()
}

// Recon returns the reconciliation registry.
func Recon() *ReconMetrics {
	reconMetricsOnce.Do(func() {
		reconRegistry = &ReconMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shipcover",
				Subsystem: "recon",
				Name:      "runs_total",
				Help:      "Reconciliation runs segmented by status.",
			}, []string{"status"}),
			anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shipcover",
				Subsystem: "recon",
				Name:      "anomalies_total",
				Help:      "Reconciliation anomalies segmented by kind.",
			}, []string{"kind"}),
			lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "shipcover",
				Subsystem: "recon",
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time of the last completed reconciliation run.",
			}),
		}
		prometheus.MustRegister(reconRegistry.runs, reconRegistry.anomalies, reconRegistry.lastRun)
	})
	return reconRegistry
}

// RecordRun marks a finished run.
func (m *ReconMetrics) RecordRun(status string, at time.Time) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(normalizeLabel(status)).Inc()
	m.lastRun.Set(float64(at.Unix()))
}

// RecordAnomaly counts one anomaly.
func (m *ReconMetrics) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(normalizeLabel(kind)).Inc()
}

func normalizeLabel(v string) string {
	trimmed := strings.TrimSpace(strings.ToLower(v))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
