package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the application lifecycle.
type Metrics struct {
	ApplicationsCreated    *prometheus.CounterVec
	Transitions            *prometheus.CounterVec
	PaymentDecisions       *prometheus.CounterVec
	ApprovalDuration       prometheus.Histogram
	RenderDuration         prometheus.Histogram
	ConfirmationCollisions prometheus.Counter
	ConfirmationExhausted  prometheus.Counter
	DuplicateCallbacks     prometheus.Counter
}

// New creates and registers the lifecycle metrics. Call once per process.
func New() *Metrics {
	return &Metrics{
		ApplicationsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_applications_created_total",
			Help: "Applications submitted, by type",
		}, []string{"type"}),
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_transitions_total",
			Help: "Status transition attempts, by transition and outcome",
		}, []string{"transition", "outcome"}),
		PaymentDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_payment_decisions_total",
			Help: "Payment decisions, by decision and source (officer or provider)",
		}, []string{"decision", "source"}),
		ApprovalDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dossier_approval_duration_seconds",
			Help:    "End-to-end approval latency including document rendering",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		RenderDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dossier_document_render_duration_seconds",
			Help:    "Latency of approved-document rendering",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		ConfirmationCollisions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dossier_confirmation_collisions_total",
			Help: "Confirmation numbers regenerated after a uniqueness collision",
		}),
		ConfirmationExhausted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dossier_confirmation_exhausted_total",
			Help: "Application creations that failed after exhausting confirmation retries",
		}),
		DuplicateCallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dossier_payment_callbacks_duplicate_total",
			Help: "Provider callbacks ignored because their reference was already processed",
		}),
	}
}

func (m *Metrics) IncCreated(appType string) {
	m.ApplicationsCreated.WithLabelValues(appType).Inc()
}

func (m *Metrics) IncTransition(transition string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "rejected"
	}
	m.Transitions.WithLabelValues(transition, outcome).Inc()
}

func (m *Metrics) IncPaymentDecision(decision, source string) {
	m.PaymentDecisions.WithLabelValues(decision, source).Inc()
}

func (m *Metrics) ObserveApproval(start time.Time) {
	m.ApprovalDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveRender(start time.Time) {
	m.RenderDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncCollision() {
	m.ConfirmationCollisions.Inc()
}

func (m *Metrics) IncExhausted() {
	m.ConfirmationExhausted.Inc()
}

func (m *Metrics) IncDuplicateCallback() {
	m.DuplicateCallbacks.Inc()
}
