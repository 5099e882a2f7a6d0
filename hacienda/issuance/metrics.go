package issuance

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics of the issuance pipeline.
type Metrics struct {
	Issued              *prometheus.CounterVec
	Failures            *prometheus.CounterVec
	AllocationConflicts prometheus.Counter
	TokenGrants         *prometheus.CounterVec
	SubmissionAttempts  *prometheus.CounterVec
	Reconciled          *prometheus.CounterVec
	Escalations         prometheus.Counter
	StageDuration       *prometheus.HistogramVec
}

// NewMetrics registers the pipeline metrics on reg; nil uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Issued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hacienda_issuances_total",
			Help: "Issuances by resulting verdict",
		}, []string{"verdict"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hacienda_issuance_failures_total",
			Help: "Failed issuances by error kind",
		}, []string{"kind"}),
		AllocationConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "hacienda_allocation_conflicts_total",
			Help: "Lost races while allocating consecutives",
		}),
		TokenGrants: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hacienda_token_grants_total",
			Help: "Identity provider grants by grant type and outcome",
		}, []string{"grant", "outcome"}),
		SubmissionAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hacienda_submission_attempts_total",
			Help: "Reception POSTs by outcome",
		}, []string{"outcome"}),
		Reconciled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hacienda_reconciled_total",
			Help: "Pending records checked by the reconciler, by verdict",
		}, []string{"verdict"}),
		Escalations: f.NewCounter(prometheus.CounterOpts{
			Name: "hacienda_pending_escalations_total",
			Help: "Pending records flagged for operator attention",
		}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hacienda_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
	}
}

// ObserveStage records the duration of stage. Call with time.Now() at the start of the stage.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (m *Metrics) issued(verdict string) {
	if m != nil {
		m.Issued.WithLabelValues(verdict).Inc()
	}
}

func (m *Metrics) failed(kind string) {
	if m != nil {
		m.Failures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) reconciled(verdict string) {
	if m != nil {
		m.Reconciled.WithLabelValues(verdict).Inc()
	}
}

func (m *Metrics) escalated() {
	if m != nil {
		m.Escalations.Inc()
	}
}

// AllocationConflict is a sequence.WithConflictHook callback.
func (m *Metrics) AllocationConflict() {
	if m != nil {
		m.AllocationConflicts.Inc()
	}
}

// TokenGrant is an auth.WithFetchObserver callback.
func (m *Metrics) TokenGrant(grant, outcome string) {
	if m != nil {
		m.TokenGrants.WithLabelValues(grant, outcome).Inc()
	}
}

// SubmissionAttempt is a reception.WithAttemptObserver callback.
func (m *Metrics) SubmissionAttempt(outcome string) {
	if m != nil {
		m.SubmissionAttempts.WithLabelValues(outcome).Inc()
	}
}
