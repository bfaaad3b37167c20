package tcp

import (
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/T-en1991/demo111/metric"
)

const metricsService = "tcp_input"

// Metrics holds Prometheus metrics for the device listeners. Every series is
// labelled by device id so one registry serves all listeners.
type Metrics struct {
	listenersActive     *prometheus.GaugeVec
	bindFailures        *prometheus.CounterVec
	connectionsAccepted *prometheus.CounterVec
	connectionsActive   *prometheus.GaugeVec
	acceptErrors        *prometheus.CounterVec
	bytesReceived       *prometheus.CounterVec
	framesDecoded       *prometheus.CounterVec
	alertsPersisted     *prometheus.CounterVec
	persistDuration     *prometheus.HistogramVec
	acksWritten         *prometheus.CounterVec
}

// newMetrics creates and registers listener metrics. A nil registry disables them.
func newMetrics(registry *metric.MetricsRegistry, logger *slog.Logger) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		listenersActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "tcp",
			Name:      "listeners_active",
			Help:      "Device listeners currently bound",
		}, nil),
		bindFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "tcp",
			Name:      "bind_failures_total",
			Help:      "Listener bind failures",
		}, []string{"device_id"}),
		connectionsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "tcp",
			Name:      "connections_accepted_total",
			Help:      "Connections accepted from devices",
		}, []string{"device_id"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "tcp",
			Name:      "connections_active",
			Help:      "Open device connections",
		}, []string{"device_id"}),
		acceptErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "tcp",
			Name:      "accept_errors_total",
			Help:      "Transient accept failures",
		}, []string{"device_id"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "tcp",
			Name:      "bytes_received_total",
			Help:      "Bytes read from device connections",
		}, []string{"device_id"}),
		framesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "tcp",
			Name:      "frames_decoded_total",
			Help:      "Decoded data events by frame kind",
		}, []string{"device_id", "kind"}),
		alertsPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "tcp",
			Name:      "alerts_persisted_total",
			Help:      "Alert persistence attempts by outcome",
		}, []string{"device_id", "status"}),
		persistDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "tcp",
			Name:      "persist_duration_seconds",
			Help:      "Time spent persisting one alert",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}, []string{"kind"}),
		acksWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "tcp",
			Name:      "acks_written_total",
			Help:      "Acknowledgment write-backs by outcome",
		}, []string{"device_id", "status"}),
	}

	regs := []error{
		registry.RegisterGaugeVec(metricsService, "listeners_active", m.listenersActive),
		registry.RegisterCounterVec(metricsService, "bind_failures", m.bindFailures),
		registry.RegisterCounterVec(metricsService, "connections_accepted", m.connectionsAccepted),
		registry.RegisterGaugeVec(metricsService, "connections_active", m.connectionsActive),
		registry.RegisterCounterVec(metricsService, "accept_errors", m.acceptErrors),
		registry.RegisterCounterVec(metricsService, "bytes_received", m.bytesReceived),
		registry.RegisterCounterVec(metricsService, "frames_decoded", m.framesDecoded),
		registry.RegisterCounterVec(metricsService, "alerts_persisted", m.alertsPersisted),
		registry.RegisterHistogramVec(metricsService, "persist_duration", m.persistDuration),
		registry.RegisterCounterVec(metricsService, "acks_written", m.acksWritten),
	}
	for _, err := range regs {
		if err != nil && logger != nil {
			logger.Debug("Listener metric not registered", "error", err)
		}
	}

	return m
}

func deviceLabel(id int64) string { return strconv.FormatInt(id, 10) }

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// The recorders below are nil-safe so callers never branch on metrics being enabled.

func (m *Metrics) listenerUp() {
	if m != nil {
		m.listenersActive.WithLabelValues().Inc()
	}
}

func (m *Metrics) listenerDown() {
	if m != nil {
		m.listenersActive.WithLabelValues().Dec()
	}
}

func (m *Metrics) bindFailed(deviceID int64) {
	if m != nil {
		m.bindFailures.WithLabelValues(deviceLabel(deviceID)).Inc()
	}
}

func (m *Metrics) connOpened(deviceID int64) {
	if m != nil {
		m.connectionsAccepted.WithLabelValues(deviceLabel(deviceID)).Inc()
		m.connectionsActive.WithLabelValues(deviceLabel(deviceID)).Inc()
	}
}

func (m *Metrics) connClosed(deviceID int64) {
	if m != nil {
		m.connectionsActive.WithLabelValues(deviceLabel(deviceID)).Dec()
	}
}

func (m *Metrics) acceptFailed(deviceID int64) {
	if m != nil {
		m.acceptErrors.WithLabelValues(deviceLabel(deviceID)).Inc()
	}
}

func (m *Metrics) received(deviceID int64, n int, kind string) {
	if m != nil {
		m.bytesReceived.WithLabelValues(deviceLabel(deviceID)).Add(float64(n))
		m.framesDecoded.WithLabelValues(deviceLabel(deviceID), kind).Inc()
	}
}

func (m *Metrics) persisted(deviceID int64, kind string, seconds float64, err error) {
	if m != nil {
		m.alertsPersisted.WithLabelValues(deviceLabel(deviceID), outcome(err)).Inc()
		m.persistDuration.WithLabelValues(kind).Observe(seconds)
	}
}

func (m *Metrics) ackWritten(deviceID int64, err error) {
	if m != nil {
		m.acksWritten.WithLabelValues(deviceLabel(deviceID), outcome(err)).Inc()
	}
}
