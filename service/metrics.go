package service

import (
	"errors"
	"strconv"
	"time"

	"github.com/docflow/custody/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the custody service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Transitions      *prometheus.CounterVec
	ProviderRequests *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec
	Notifications    *prometheus.CounterVec
	Events           *prometheus.CounterVec
	SigningFailures  prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_transitions_total",
				Help: "Total number of routing and signing operations by result",
			},
			[]string{"operation", "result"},
		),
		ProviderRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_provider_requests_total",
				Help: "Total number of calls to the signing provider",
			},
			[]string{"endpoint", "status"},
		),
		ProviderDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "custody_provider_request_duration_seconds",
				Help:    "Duration of signing provider calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_notifications_total",
				Help: "Total number of user notifications dispatched",
			},
			[]string{"kind"},
		),
		Events: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_events_total",
				Help: "Total number of real-time events emitted",
			},
			[]string{"event"},
		),
		SigningFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "custody_signing_failures_total",
				Help: "Submissions that ended in the failed signing state",
			},
		),
	}
}

func (m *Metrics) observeTransition(operation string, err error) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(operation, resultLabel(err)).Inc()
}

// resultLabel keeps label cardinality bounded to the domain error codes
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var de *model.Error
	if errors.As(err, &de) {
		return de.Code
	}
	var pe *model.ProviderError
	if errors.As(err, &pe) {
		return "ProviderError"
	}
	return "error"
}

func (m *Metrics) observeProvider(endpoint string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.ProviderRequests.WithLabelValues(endpoint, label).Inc()
	m.ProviderDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

func (m *Metrics) observeNotification(kind string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeEvent(event string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(event).Inc()
}

func (m *Metrics) observeSigningFailure() {
	if m == nil {
		return
	}
	m.SigningFailures.Inc()
}
