package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ObservatoryMetrics records analytics activity: stat snapshots served and
// ledger report exports written.
type ObservatoryMetrics struct {
	snapshots  *prometheus.CounterVec
	reports    prometheus.Counter
	reportRows prometheus.Counter
}

var (
	observatoryOnce sync.Once
	observatoryReg  *ObservatoryMetrics
)

// Observatory returns the lazily-initialised observatory collectors.
func Observatory() *ObservatoryMetrics {
	observatoryOnce.Do(func() {
		observatoryReg = &ObservatoryMetrics{
			snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "observatory",
				Name:      "snapshots_total",
				Help:      "Count of stat snapshots served segmented by kind.",
			}, []string{"kind"}),
			reports: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "observatory",
				Name:      "reports_total",
				Help:      "Count of ledger report exports written.",
			}),
			reportRows: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "observatory",
				Name:      "report_rows_total",
				Help:      "Count of account rows written across all report exports.",
			}),
		}
		prometheus.MustRegister(
			observatoryReg.snapshots,
			observatoryReg.reports,
			observatoryReg.reportRows,
		)
	})
	return observatoryReg
}

// RecordSnapshot counts one served stats snapshot of the given kind.
func (m *ObservatoryMetrics) RecordSnapshot(kind string) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(normalizeLabel(kind)).Inc()
}

// RecordReport counts one written report export and its row count.
func (m *ObservatoryMetrics) RecordReport(rows int) {
	if m == nil {
		return
	}
	m.reports.Inc()
	if rows > 0 {
		m.reportRows.Add(float64(rows))
	}
}
