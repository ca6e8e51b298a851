package bbsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "meshcitadel"

	subsystemRadio = "radio"
	subsystemBBS   = "bbs"
)

// labelAcked marks whether a sent packet was acknowledged.
const labelAcked = "acked"

// -------------------------------------------------------------------------
// Collector — Prometheus BBS Metrics
// -------------------------------------------------------------------------

// Collector holds all meshcitadel Prometheus metrics. It satisfies the
// protocol handler's and the router's MetricsReporter interfaces, so one
// Collector instruments the whole mesh engine.
//
// Metrics are designed for unattended field deployments:
//   - Packet counters track radio delivery quality per ack outcome.
//   - Retry and duplicate counters surface link degradation.
//   - The sessions gauge and restart counter drive liveness alerting.
type Collector struct {
	// Packets counts transmitted chunks, labeled by ack outcome.
	Packets *prometheus.CounterVec

	// Acks counts acknowledgement codes received from peers.
	Acks prometheus.Counter

	// Retries counts chunk retransmissions.
	Retries prometheus.Counter

	// Inbound counts inbound contact messages accepted by the router.
	Inbound prometheus.Counter

	// Duplicates counts inbound messages dropped by the dedup filter.
	Duplicates prometheus.Counter

	// Malformed counts inbound messages dropped before routing.
	Malformed prometheus.Counter

	// Restarts counts watchdog-driven mesh engine restarts.
	Restarts prometheus.Counter

	reg prometheus.Registerer
}

// NewCollector creates a Collector with all metrics registered against
// the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "meshcitadel_" namespace to avoid collisions
// with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()
	c.reg = reg

	reg.MustRegister(
		c.Packets,
		c.Acks,
		c.Retries,
		c.Inbound,
		c.Duplicates,
		c.Malformed,
		c.Restarts,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRadio,
			Name:      "packets_sent_total",
			Help:      "Total radio chunks transmitted, by acknowledgement outcome.",
		}, []string{labelAcked}),

		Acks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRadio,
			Name:      "acks_received_total",
			Help:      "Total acknowledgement codes received.",
		}),

		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRadio,
			Name:      "send_retries_total",
			Help:      "Total chunk retransmissions after a missed acknowledgement.",
		}),

		Inbound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBBS,
			Name:      "messages_received_total",
			Help:      "Total inbound contact messages accepted for routing.",
		}),

		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBBS,
			Name:      "duplicates_dropped_total",
			Help:      "Total inbound messages dropped as duplicates.",
		}),

		Malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBBS,
			Name:      "malformed_dropped_total",
			Help:      "Total inbound messages dropped as malformed.",
		}),

		Restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBBS,
			Name:      "engine_restarts_total",
			Help:      "Total watchdog-driven mesh engine restarts.",
		}),
	}
}

// -------------------------------------------------------------------------
// protocol.MetricsReporter
// -------------------------------------------------------------------------

// PacketSent records one transmitted chunk and whether it was acked.
func (c *Collector) PacketSent(acked bool) {
	if acked {
		c.Packets.WithLabelValues("true").Inc()
	} else {
		c.Packets.WithLabelValues("false").Inc()
	}
}

// AckReceived records one acknowledgement code.
func (c *Collector) AckReceived() {
	c.Acks.Inc()
}

// SendRetried records one chunk retransmission.
func (c *Collector) SendRetried() {
	c.Retries.Inc()
}

// -------------------------------------------------------------------------
// router.MetricsReporter
// -------------------------------------------------------------------------

// MessageReceived records one inbound message accepted for routing.
func (c *Collector) MessageReceived() {
	c.Inbound.Inc()
}

// DuplicateDropped records one inbound message dropped by dedup.
func (c *Collector) DuplicateDropped() {
	c.Duplicates.Inc()
}

// MalformedDropped records one inbound message dropped before routing.
func (c *Collector) MalformedDropped() {
	c.Malformed.Inc()
}

// -------------------------------------------------------------------------
// Engine Lifecycle
// -------------------------------------------------------------------------

// EngineRestarted records one watchdog-driven restart.
func (c *Collector) EngineRestarted() {
	c.Restarts.Inc()
}

// RegisterSessionGauge exposes the live session count as a gauge. Called
// once at startup with the session manager's counter.
func (c *Collector) RegisterSessionGauge(count func() int) {
	c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemBBS,
		Name:      "sessions_active",
		Help:      "Number of currently live BBS sessions.",
	}, func() float64 { return float64(count()) }))
}
