package hubmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "slimhub"
	subsystem = "dean"
)

// Label names for hub metrics.
const (
	labelAddr      = "addr"
	labelService   = "service"
	labelChar      = "char"
	labelReason    = "reason"
	labelFromState = "from_state"
	labelToState   = "to_state"
	labelVerdict   = "verdict"
	labelQueue     = "queue"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Hub Metrics
// -------------------------------------------------------------------------

// Collector holds all slimhub Prometheus metrics.
//
// Metrics are designed for fleet monitoring of residential hubs:
//   - Session gauges track currently connected nodes.
//   - Frame counters track notification volume and drop causes.
//   - Transfer transition counters record chunked-upload progress and
//     failures for alerting.
//   - Presence verdict counters record the tracker's grading output.
type Collector struct {
	// Sessions tracks the currently connected DEAN sessions per relay
	// address. Incremented on link-up, decremented on teardown.
	Sessions *prometheus.GaugeVec

	// FramesReceived counts upstream notifications per characteristic.
	FramesReceived *prometheus.CounterVec

	// FramesDropped counts discarded frames by cause (short frame,
	// back-pressure, malformed ack, full worker queue).
	FramesDropped *prometheus.CounterVec

	// TransferTransitions counts transfer engine state changes, labeled
	// with the old and new state for precise alerting (e.g. ->failed).
	TransferTransitions *prometheus.CounterVec

	// PresenceVerdicts counts graded presence outcomes per verdict.
	PresenceVerdicts *prometheus.CounterVec

	// QueueDepth samples the current depth of each worker queue.
	QueueDepth *prometheus.GaugeVec

	// QueueDropped samples the cumulative drop count of each worker
	// queue, as reported by the queue itself.
	QueueDropped *prometheus.GaugeVec
}

// NewCollector creates a Collector with all hub metrics registered against
// the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "slimhub_dean_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.FramesReceived,
		c.FramesDropped,
		c.TransferTransitions,
		c.PresenceVerdicts,
		c.QueueDepth,
		c.QueueDropped,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently connected DEAN sessions.",
		}, []string{labelAddr}),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_received_total",
			Help:      "Total upstream notification frames received.",
		}, []string{labelService, labelChar}),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_dropped_total",
			Help:      "Total frames discarded, by cause.",
		}, []string{labelReason}),

		TransferTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transfer_transitions_total",
			Help:      "Total transfer engine state transitions.",
		}, []string{labelFromState, labelToState}),

		PresenceVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "presence_verdicts_total",
			Help:      "Total graded presence verdicts dispatched.",
		}, []string{labelVerdict}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Current depth of each worker queue.",
		}, []string{labelQueue}),

		QueueDropped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_dropped_frames",
			Help:      "Cumulative frames dropped by each worker queue.",
		}, []string{labelQueue}),
	}
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// SessionUp increments the connected sessions gauge for the given relay
// address. Called when a session finishes link-up.
func (c *Collector) SessionUp(addr string) {
	c.Sessions.WithLabelValues(addr).Inc()
}

// SessionDown decrements the connected sessions gauge for the given relay
// address. Called once per session teardown.
func (c *Collector) SessionDown(addr string) {
	c.Sessions.WithLabelValues(addr).Dec()
}

// -------------------------------------------------------------------------
// Frame Counters
// -------------------------------------------------------------------------

// FrameReceived increments the received frames counter for one
// characteristic. Called on every enveloped upstream notification.
func (c *Collector) FrameReceived(service, char string) {
	c.FramesReceived.WithLabelValues(service, char).Inc()
}

// FrameDropped increments the dropped frames counter for the given cause.
func (c *Collector) FrameDropped(reason string) {
	c.FramesDropped.WithLabelValues(reason).Inc()
}

// -------------------------------------------------------------------------
// Transfers and Presence
// -------------------------------------------------------------------------

// TransferTransition increments the transition counter with the old and
// new state labels. Used for alerting on repeated transfer failures.
func (c *Collector) TransferTransition(from, to string) {
	c.TransferTransitions.WithLabelValues(from, to).Inc()
}

// PresenceVerdict increments the verdict counter. Called from the
// tracker's callback path.
func (c *Collector) PresenceVerdict(verdict string) {
	c.PresenceVerdicts.WithLabelValues(verdict).Inc()
}

// -------------------------------------------------------------------------
// Worker Queues
// -------------------------------------------------------------------------

// ObserveQueue samples one worker queue's depth and cumulative drops.
// Called periodically by the daemon's sampling loop.
func (c *Collector) ObserveQueue(queue string, depth int, dropped uint64) {
	c.QueueDepth.WithLabelValues(queue).Set(float64(depth))
	c.QueueDropped.WithLabelValues(queue).Set(float64(dropped))
}
