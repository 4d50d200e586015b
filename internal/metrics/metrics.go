// Package metrics exposes Prometheus collectors for the sync core.
//
// All recording methods are safe to call on a nil *Metrics, so components can
// be constructed without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "alarmsync"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	connectionStatus *prometheus.GaugeVec
	connectAttempts  prometheus.Counter
	framesReceived   prometheus.Counter
	messagesApplied  *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	sequenceGaps     prometheus.Counter
	staleResponses   prometheus.Counter
	restRequests     *prometheus.CounterVec
	online           prometheus.Gauge
}

// statuses are the label values of the connection status gauge.
var statuses = []string{"connecting", "connected", "disconnected", "error"}

// New creates a Metrics instance with its own registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "1 for the current realtime connection status, 0 otherwise",
		}, []string{"status"}),
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Websocket dial attempts, including reconnects",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Raw websocket frames received",
		}),
		messagesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_applied_total",
			Help:      "Validated messages handed to the reconciler, by type",
		}, []string{"type"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Frames rejected by the codec, by reason",
		}, []string{"reason"}),
		sequenceGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_gaps_total",
			Help:      "Messages believed missed, from gaps in the envelope sequence",
		}),
		staleResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_responses_total",
			Help:      "REST responses ignored because their session ended",
		}),
		restRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rest_requests_total",
			Help:      "REST calls to the alarm server, by operation and outcome",
		}, []string{"operation", "outcome"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_online",
			Help:      "1 while the network is reachable",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connectionStatus,
		m.connectAttempts,
		m.framesReceived,
		m.messagesApplied,
		m.messagesDropped,
		m.sequenceGaps,
		m.staleResponses,
		m.restRequests,
		m.online,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetConnectionStatus(status string) {
	if m == nil {
		return
	}
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.connectionStatus.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) ConnectAttempt() {
	if m != nil {
		m.connectAttempts.Inc()
	}
}

func (m *Metrics) FrameReceived() {
	if m != nil {
		m.framesReceived.Inc()
	}
}

func (m *Metrics) MessageApplied(msgType string) {
	if m != nil {
		m.messagesApplied.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) MessageDropped(reason string) {
	if m != nil {
		m.messagesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SequenceGap(missed int64) {
	if m != nil && missed > 0 {
		m.sequenceGaps.Add(float64(missed))
	}
}

func (m *Metrics) StaleResponse() {
	if m != nil {
		m.staleResponses.Inc()
	}
}

func (m *Metrics) RESTRequest(operation, outcome string) {
	if m != nil {
		m.restRequests.WithLabelValues(operation, outcome).Inc()
	}
}

func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}
