package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ReputationMetrics records feedback activity.
type ReputationMetrics struct {
	feedback   *prometheus.CounterVec
	rejections *prometheus.CounterVec
}

var (
	reputationOnce sync.Once
	reputationReg  *ReputationMetrics
)

// Reputation returns the lazily-initialised feedback collectors.
func Reputation() *ReputationMetrics {
	reputationOnce.Do(func() {
		reputationReg = &ReputationMetrics{
			feedback: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "reputation",
				Name:      "feedback_total",
				Help:      "Count of recorded feedback entries segmented by rating.",
			}, []string{"rating"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "reputation",
				Name:      "rejections_total",
				Help:      "Count of rejected feedback submissions segmented by error code.",
			}, []string{"code"}),
		}
		prometheus.MustRegister(reputationReg.feedback, reputationReg.rejections)
	})
	return reputationReg
}

// RecordFeedback counts one accepted feedback entry by its rating.
func (m *ReputationMetrics) RecordFeedback(rating string) {
	if m == nil {
		return
	}
	m.feedback.WithLabelValues(normalizeLabel(rating)).Inc()
}

// RecordRejection counts a rejected feedback submission by its stable error
// code.
func (m *ReputationMetrics) RecordRejection(code string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(normalizeLabel(code)).Inc()
}
