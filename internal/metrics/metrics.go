// Package metrics holds the process-wide Prometheus collectors. They are
// registered on the default registry and served by promhttp.Handler().
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fincore"

// ─── Ledger ─────────────────────────────────────────────────────────────────

// LedgerAppends counts completed ledger entries by direction and tag.
var LedgerAppends = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "appends_total",
	Help:      "Total completed ledger entries.",
}, []string{"direction", "tag"})

// LedgerCASConflicts counts balance swaps that lost a version race.
var LedgerCASConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "cas_conflicts_total",
	Help:      "Total compare-and-swap version conflicts on account balances.",
})

var LedgerReversals = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "reversals_total",
	Help:      "Total ledger entries reversed by a compensating entry.",
})

// LedgerDriftDetected counts audits whose replay disagreed with the balance.
var LedgerDriftDetected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "drift_detected_total",
	Help:      "Total audits that found the stored balance differing from the ledger replay.",
})

// ─── Coordinator ────────────────────────────────────────────────────────────

// CoordinatorOutcomes counts CreateChargedRecord results.
var CoordinatorOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "coordinator",
	Name:      "outcomes_total",
	Help:      "Total record creations by result (free, charged, insufficient, invalid, failed, replayed).",
}, []string{"result"})

var CoordinatorRollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "coordinator",
	Name:      "rollbacks_total",
	Help:      "Total compensations by result (ok, failed).",
}, []string{"result"})

var IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "coordinator",
	Name:      "idempotent_replays_total",
	Help:      "Total requests answered from a stored idempotency record.",
})

// ─── Reconciliation ─────────────────────────────────────────────────────────

// SweeperResolutions counts background repairs by kind and action.
var SweeperResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "reconcile",
	Name:      "resolutions_total",
	Help:      "Total items repaired by the reconcile processor.",
}, []string{"kind", "action"})

// ─── Parties ────────────────────────────────────────────────────────────────

var PartyRecomputeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "party",
	Name:      "recompute_duration_seconds",
	Help:      "Party aggregate recompute latency by mode (full, incremental).",
	Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
}, []string{"mode"})

var PartiesOverdue = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "party",
	Name:      "overdue",
	Help:      "Parties found overdue by the last refresh.",
})

// ─── Events ─────────────────────────────────────────────────────────────────

var EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "events",
	Name:      "published_total",
	Help:      "Total events handed to the sink by type and result.",
}, []string{"type", "result"})

// CircuitBreakerState reports the publisher breaker (0=closed, 1=open, 2=half-open).
var CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "events",
	Name:      "circuit_breaker_state",
	Help:      "Current AMQP circuit breaker state (0=closed, 1=open, 2=half-open).",
})
