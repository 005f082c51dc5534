package service

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/fixlink-protocol/fixlink-go/pkg/stream"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

const metricsNamespace = "fixlink"

// Metrics holds the Prometheus collectors shared by controller and device
// services. A nil *Metrics records nothing.
type Metrics struct {
	SessionsActive   *prometheus.GaugeVec
	Sessions         *prometheus.CounterVec
	HandshakeLatency *prometheus.HistogramVec
	DiscoveryProbes  *prometheus.CounterVec
	ControlAcks      *prometheus.CounterVec
	FramesSent       prometheus.Counter
	FramesDropped    prometheus.Counter
	FramesRejected   prometheus.Counter
	FramesReceived   *prometheus.CounterVec
	Keepalives       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		SessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Sessions currently established.",
		}, []string{"role"}),
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_total",
			Help:      "Sessions by outcome.",
		}, []string{"role", "outcome"}),
		HandshakeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "handshake_duration_seconds",
			Help:      "Time from SessionInit to SessionComplete.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"result"}),
		DiscoveryProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "discovery_probes_total",
			Help:      "Discovery probes by result code.",
		}, []string{"result"}),
		ControlAcks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "control_requests_total",
			Help:      "Control requests by operation and result code.",
		}, []string{"role", "op", "result"}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Stream frames transmitted.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_dropped_total",
			Help:      "Stream frames dropped after exhausting retries.",
		}),
		FramesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_rejected_total",
			Help:      "Stream frames refused by local validation.",
		}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Stream frames received by result.",
		}, []string{"result"}),
		Keepalives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "keepalives_total",
			Help:      "Keepalives by direction.",
		}, []string{"direction"}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	for _, c := range m.collectors() {
		err = multierr.Append(err, reg.Register(c))
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.SessionsActive, m.Sessions, m.HandshakeLatency, m.DiscoveryProbes,
		m.ControlAcks, m.FramesSent, m.FramesDropped, m.FramesRejected,
		m.FramesReceived, m.Keepalives,
	}
}

// resultLabel maps an error to its protocol code name, "OK" for nil.
func resultLabel(err error) string {
	if err == nil {
		return "OK"
	}
	if code := wire.CodeOf(err); code != wire.CodeNone {
		return code.String()
	}
	return "ERROR"
}

func (m *Metrics) sessionOpened(role string) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(role).Inc()
	m.Sessions.WithLabelValues(role, "established").Inc()
}

func (m *Metrics) sessionEnded(role string, err error) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(role).Dec()
	outcome := "closed"
	if err != nil && wire.CodeOf(err) != wire.CodeSessionClosed {
		outcome = "failed"
	}
	m.Sessions.WithLabelValues(role, outcome).Inc()
}

func (m *Metrics) handshake(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.HandshakeLatency.WithLabelValues(resultLabel(err)).Observe(d.Seconds())
}

func (m *Metrics) probe(err error) {
	if m == nil {
		return
	}
	m.DiscoveryProbes.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) control(role string, op wire.OpCode, err error) {
	if m == nil {
		return
	}
	m.ControlAcks.WithLabelValues(role, op.String(), resultLabel(err)).Inc()
}

func (m *Metrics) frameReceived(err error) {
	if m == nil {
		return
	}
	label := resultLabel(err)
	if errors.Is(err, stream.ErrStaleFrame) {
		label = "STALE"
	}
	m.FramesReceived.WithLabelValues(label).Inc()
}

func (m *Metrics) keepalive(direction string) {
	if m == nil {
		return
	}
	m.Keepalives.WithLabelValues(direction).Inc()
}
