// Package observability hosts the process-wide Prometheus collectors for
// domain activity: ledger movements, task lifecycle transitions, and dispute
// outcomes. Collectors are lazily-initialised singletons registered on the
// default registry, so tests that wire several services into one process
// never double-register.
package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics records central-bank ledger activity.
type LedgerMetrics struct {
	transactions *prometheus.CounterVec
	escrowEvents *prometheus.CounterVec
	rejections   *prometheus.CounterVec
}

var (
	ledgerOnce sync.Once
	ledgerReg  *LedgerMetrics

	boardOnce sync.Once
	boardReg  *BoardMetrics

	courtOnce sync.Once
	courtReg  *CourtMetrics
)

// Ledger returns the lazily-initialised ledger collectors.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerReg = &LedgerMetrics{
			transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "ledger",
				Name:      "transactions_total",
				Help:      "Count of ledger transactions segmented by type.",
			}, []string{"type"}),
			escrowEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "ledger",
				Name:      "escrow_events_total",
				Help:      "Count of escrow state events (locked, released, split).",
			}, []string{"event"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "ledger",
				Name:      "rejections_total",
				Help:      "Count of rejected ledger operations segmented by error code.",
			}, []string{"code"}),
		}
		prometheus.MustRegister(
			ledgerReg.transactions,
			ledgerReg.escrowEvents,
			ledgerReg.rejections,
		)
	})
	return ledgerReg
}

// RecordTransaction counts one committed ledger transaction of the given type.
func (m *LedgerMetrics) RecordTransaction(txType string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(normalizeLabel(txType)).Inc()
}

// RecordEscrowEvent counts an escrow state event: locked, released, or split.
func (m *LedgerMetrics) RecordEscrowEvent(event string) {
	if m == nil {
		return
	}
	m.escrowEvents.WithLabelValues(normalizeLabel(event)).Inc()
}

// RecordRejection counts a rejected ledger operation by its stable error code.
func (m *LedgerMetrics) RecordRejection(code string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(normalizeLabel(code)).Inc()
}

// BoardMetrics records task-board lifecycle activity.
type BoardMetrics struct {
	transitions   *prometheus.CounterVec
	escrowRetries prometheus.Counter
	assetBytes    prometheus.Counter
}

// Board returns the lazily-initialised task-board collectors.
func Board() *BoardMetrics {
	boardOnce.Do(func() {
		boardReg = &BoardMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "board",
				Name:      "transitions_total",
				Help:      "Count of task state transitions segmented by source and target status.",
			}, []string{"from", "to"}),
			escrowRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "board",
				Name:      "escrow_retries_total",
				Help:      "Count of deferred escrow releases retried on read.",
			}),
			assetBytes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "board",
				Name:      "asset_bytes_total",
				Help:      "Total bytes of deliverable assets accepted into storage.",
			}),
		}
		prometheus.MustRegister(
			boardReg.transitions,
			boardReg.escrowRetries,
			boardReg.assetBytes,
		)
	})
	return boardReg
}

// RecordTransition counts one task state transition.
func (m *BoardMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(from), normalizeLabel(to)).Inc()
}

// RecordEscrowRetry counts one retried escrow release.
func (m *BoardMetrics) RecordEscrowRetry() {
	if m == nil {
		return
	}
	m.escrowRetries.Inc()
}

// RecordAssetBytes adds accepted upload bytes to the running total.
func (m *BoardMetrics) RecordAssetBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.assetBytes.Add(float64(n))
}

// CourtMetrics records dispute activity and panel outcomes.
type CourtMetrics struct {
	disputes      *prometheus.CounterVec
	judgeFailures prometheus.Counter
	rulingPct     prometheus.Histogram
}

// Court returns the lazily-initialised court collectors.
func Court() *CourtMetrics {
	courtOnce.Do(func() {
		courtReg = &CourtMetrics{
			disputes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "court",
				Name:      "disputes_total",
				Help:      "Count of dispute events (filed, rebutted, ruled).",
			}, []string{"event"}),
			judgeFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "court",
				Name:      "judge_failures_total",
				Help:      "Count of judge evaluations that failed irrecoverably.",
			}),
			rulingPct: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "agora",
				Subsystem: "court",
				Name:      "ruling_worker_pct",
				Help:      "Distribution of final worker percentages across rulings.",
				Buckets:   prometheus.LinearBuckets(0, 10, 11),
			}),
		}
		prometheus.MustRegister(
			courtReg.disputes,
			courtReg.judgeFailures,
			courtReg.rulingPct,
		)
	})
	return courtReg
}

// RecordDisputeEvent counts a dispute lifecycle event.
func (m *CourtMetrics) RecordDisputeEvent(event string) {
	if m == nil {
		return
	}
	m.disputes.WithLabelValues(normalizeLabel(event)).Inc()
}

// RecordJudgeFailure counts one failed judge evaluation.
func (m *CourtMetrics) RecordJudgeFailure() {
	if m == nil {
		return
	}
	m.judgeFailures.Inc()
}

// RecordRuling observes the final worker percentage of a completed ruling.
func (m *CourtMetrics) RecordRuling(workerPct int) {
	if m == nil {
		return
	}
	m.rulingPct.Observe(float64(workerPct))
}

func normalizeLabel(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
