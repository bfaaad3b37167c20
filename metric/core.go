package metric

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/T-en1991/demo111/errors"
)

// Namespace prefixes every metric exported by the service.
const Namespace = "fishalarm"

// Metrics holds the service-wide metrics that are not owned by a single listener.
type Metrics struct {
	ServiceStatus     *prometheus.GaugeVec
	ErrorsTotal       *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
	NotificationsSent *prometheus.CounterVec
	NATSConnected     prometheus.Gauge
}

// NewMetrics creates the service-wide metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "service",
				Name:      "status",
				Help:      "Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"service"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Errors by service and classification",
			},
			[]string{"service", "class"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP API requests by route and status code",
			},
			[]string{"route", "code"},
		),
		NotificationsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "notifications",
				Name:      "sent_total",
				Help:      "Alert notifications by notifier and outcome",
			},
			[]string{"notifier", "status"},
		),
		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ServiceStatus,
		m.ErrorsTotal,
		m.HTTPRequests,
		m.NotificationsSent,
		m.NATSConnected,
	}
}

// RecordServiceStatus records a service status value
func (m *Metrics) RecordServiceStatus(service string, status int) {
	m.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordError counts err under its classification
func (m *Metrics) RecordError(service string, err error) {
	if err == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(service, errors.Classify(err).String()).Inc()
}

// RecordHTTPRequest counts an API request
func (m *Metrics) RecordHTTPRequest(route, code string) {
	m.HTTPRequests.WithLabelValues(route, code).Inc()
}

// RecordNotification counts a notifier outcome
func (m *Metrics) RecordNotification(notifier string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.NotificationsSent.WithLabelValues(notifier, status).Inc()
}

// RecordNATSStatus records the NATS connection state
func (m *Metrics) RecordNATSStatus(connected bool) {
	if connected {
		m.NATSConnected.Set(1)
		return
	}
	m.NATSConnected.Set(0)
}
