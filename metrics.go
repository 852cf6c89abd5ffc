package cxp

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts registrations and outbound document notifications of a Client. A nil *Metrics
// records nothing.
type Metrics struct {
	activeRegistrations  *prometheus.GaugeVec
	registrationFailures *prometheus.CounterVec
	notificationsSent    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		// Live registrations per feature.
		activeRegistrations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cxp",
			Name:      "active_registrations",
			Help:      "Number of live dynamic registrations per feature",
		}, []string{"method"}),

		registrationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cxp",
			Name:      "registration_failures_total",
			Help:      "Count of rejected registrations per feature and failure kind",
		}, []string{"method", "kind"}),

		notificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cxp",
			Name:      "document_notifications_total",
			Help:      "Count of document notifications sent to the extension",
		}, []string{"method"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.activeRegistrations, m.registrationFailures, m.notificationsSent} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) registrationResult(method string, err error) {
	if m == nil {
		return
	}
	if err == nil {
		m.activeRegistrations.WithLabelValues(method).Inc()
		return
	}
	m.registrationFailures.WithLabelValues(method, failureKind(err)).Inc()
}

func (m *Metrics) registrationRemoved(method string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.activeRegistrations.WithLabelValues(method).Sub(float64(n))
}

func (m *Metrics) notificationSent(method string) {
	if m == nil {
		return
	}
	m.notificationsSent.WithLabelValues(method).Inc()
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "other"
	}
}

// instrumented is implemented by features that report to Metrics.
type instrumented interface {
	instrument(m *Metrics)
}
