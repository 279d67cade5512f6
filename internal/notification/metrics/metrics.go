package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Sent        *prometheus.CounterVec
	Failed      *prometheus.CounterVec
	Dead        *prometheus.CounterVec
	Redriven    prometheus.Counter
	CircuitOpen prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		Sent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_notifications_sent_total",
			Help: "Notifications delivered, by kind",
		}, []string{"kind"}),
		Failed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_notifications_failed_total",
			Help: "Failed delivery attempts, by kind",
		}, []string{"kind"}),
		Dead: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_notifications_dead_total",
			Help: "Notifications that exhausted their attempts and await manual re-drive",
		}, []string{"kind"}),
		Redriven: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dossier_notifications_redriven_total",
			Help: "Failed notifications returned to the queue by an operator",
		}),
		CircuitOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dossier_notification_circuit_open",
			Help: "1 while the notification sender circuit breaker is open",
		}),
	}
}

func (m *Metrics) IncSent(kind string)   { m.Sent.WithLabelValues(kind).Inc() }
func (m *Metrics) IncFailed(kind string) { m.Failed.WithLabelValues(kind).Inc() }
func (m *Metrics) IncDead(kind string)   { m.Dead.WithLabelValues(kind).Inc() }

func (m *Metrics) AddRedriven(n int) {
	m.Redriven.Add(float64(n))
}

func (m *Metrics) SetCircuitOpen(open bool) {
	if open {
		m.CircuitOpen.Set(1)
		return
	}
	m.CircuitOpen.Set(0)
}
