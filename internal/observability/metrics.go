package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics centralizes Prometheus instrumentation for the admission engine.
type Metrics struct {
	registry *prometheus.Registry

	admissionChecks  *prometheus.CounterVec
	admissionSeconds *prometheus.HistogramVec
	usageFetchErrors prometheus.Counter
	notifications    *prometheus.CounterVec
}

// NewMetrics builds a metrics container backed by the provided registry. If no
// registry is supplied, a new one is created.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{registry: reg}

	m.admissionChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quotagate_admission_checks_total",
		Help: "Admission checks grouped by outcome",
	}, []string{"outcome"})
	m.admissionSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quotagate_admission_check_seconds",
		Help:    "Admission check durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
	m.usageFetchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quotagate_usage_fetch_errors_total",
		Help: "Failed processing-history reads during admission checks",
	})
	m.notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quotagate_notification_emails_total",
		Help: "Usage limit notification emails grouped by status",
	}, []string{"status"})

	reg.MustRegister(m.admissionChecks, m.admissionSeconds, m.usageFetchErrors, m.notifications)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveAdmissionCheck(duration time.Duration, outcome string) {
	m.admissionChecks.WithLabelValues(outcome).Inc()
	m.admissionSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) RecordUsageFetchError() {
	m.usageFetchErrors.Inc()
}

func (m *Metrics) RecordNotification(status string) {
	m.notifications.WithLabelValues(status).Inc()
}
