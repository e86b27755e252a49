// Package metrics exposes protocol counters in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bjoernblessin.de/udpmessaging/pkt"
)

const namespace = "udpmessaging"

// Drop reasons.
const (
	DropMalformed      = "malformed"
	DropUnknownType    = "unknown_type"
	DropInvalidSegment = "invalid_segment"
	DropUnknownMessage = "unknown_message"
	DropOwnSegment     = "own_segment"
	DropTooLarge       = "too_large"
	DropSendFailed     = "send_failed"
	DropSendQueueFull  = "send_queue_full"
	DropStaleSession   = "stale_session"
)

// Timeout kinds.
const (
	TimeoutSegmenter  = "segmenter"
	TimeoutReassembly = "reassembly"
	TimeoutResequence = "resequence"
	TimeoutPeer       = "peer"
)

const (
	QueueInbound  = "inbound"
	QueueOutbound = "outbound"
)

// Metrics holds the collectors of one engine on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	segmentsReceived  *prometheus.CounterVec
	segmentsSent      *prometheus.CounterVec
	dropped           *prometheus.CounterVec
	duplicates        prometheus.Counter
	retransmissions   prometheus.Counter
	messagesSent      prometheus.Counter
	messagesDelivered prometheus.Counter
	timeouts          *prometheus.CounterVec
	queueRejected     *prometheus.CounterVec
	knownPeers        prometheus.Gauge
	inFlight          *prometheus.GaugeVec
}

// New creates a metrics set with its own registry.
func New() *Metrics {
	startTime := time.Now()

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		segmentsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_received_total",
			Help:      "Decoded segments received, by segment type.",
		}, []string{"type"}),
		segmentsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_sent_total",
			Help:      "Segments handed to the sender, by segment type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_dropped_total",
			Help:      "Segments dropped, by reason.",
		}, []string{"reason"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_segments_total",
			Help:      "Data segments that were received more than once.",
		}),
		retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmissions_total",
			Help:      "Data segments sent again after their first transmission.",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_acknowledged_total",
			Help:      "Outbound messages fully acknowledged by a peer.",
		}),
		messagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Inbound messages delivered to the application in order.",
		}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Abandoned protocol state, by kind.",
		}, []string{"kind"}),
		queueRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_rejected_total",
			Help:      "Pushes rejected because a queue was full or the engine was not running.",
		}, []string{"queue"}),
		knownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "known_peers",
			Help:      "Peers currently in the registry.",
		}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight",
			Help:      "Outbound segmenters and inbound reassemblies currently alive.",
		}, []string{"direction"}),
	}

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the metrics were created.",
	}, func() float64 { return time.Since(startTime).Seconds() })

	m.registry.MustRegister(
		m.segmentsReceived,
		m.segmentsSent,
		m.dropped,
		m.duplicates,
		m.retransmissions,
		m.messagesSent,
		m.messagesDelivered,
		m.timeouts,
		m.queueRejected,
		m.knownPeers,
		m.inFlight,
		uptime,
	)

	return m
}

// Handler exposes the registry. Mount it with mux.Handle("/metrics", m.Handler()).
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SegmentReceived(t pkt.SegmentType) {
	m.segmentsReceived.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) SegmentSent(t pkt.SegmentType) {
	m.segmentsSent.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) Dropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Duplicate() {
	m.duplicates.Inc()
}

func (m *Metrics) Retransmitted() {
	m.retransmissions.Inc()
}

func (m *Metrics) MessageAcknowledged() {
	m.messagesSent.Inc()
}

func (m *Metrics) MessageDelivered() {
	m.messagesDelivered.Inc()
}

func (m *Metrics) Timeout(kind string) {
	m.timeouts.WithLabelValues(kind).Inc()
}

func (m *Metrics) QueueRejected(queue string) {
	m.queueRejected.WithLabelValues(queue).Inc()
}

func (m *Metrics) SetKnownPeers(n int) {
	m.knownPeers.Set(float64(n))
}

func (m *Metrics) SetInFlight(segmenters, reassemblies int) {
	m.inFlight.WithLabelValues("outbound").Set(float64(segmenters))
	m.inFlight.WithLabelValues("inbound").Set(float64(reassemblies))
}
