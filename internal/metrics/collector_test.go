package hubmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	hubmetrics "github.com/slimhive/slimhub/internal/metrics"
)

const testAddr = "AA:BB:CC:DD:EE:01"

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := hubmetrics.NewCollector(reg)

	if c.Sessions == nil {
		t.Error("Sessions is nil")
	}
	if c.FramesReceived == nil {
		t.Error("FramesReceived is nil")
	}
	if c.FramesDropped == nil {
		t.Error("FramesDropped is nil")
	}
	if c.TransferTransitions == nil {
		t.Error("TransferTransitions is nil")
	}
	if c.PresenceVerdicts == nil {
		t.Error("PresenceVerdicts is nil")
	}
	if c.QueueDepth == nil {
		t.Error("QueueDepth is nil")
	}
	if c.QueueDropped == nil {
		t.Error("QueueDropped is nil")
	}

	// Verify all metrics are registered by gathering them.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	// No data yet, so families may be empty -- but registration must not panic.
	_ = families
}

func TestSessionGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := hubmetrics.NewCollector(reg)

	// Two nodes come up.
	c.SessionUp(testAddr)
	c.SessionUp("AA:BB:CC:DD:EE:02")

	if val := gaugeValue(t, c.Sessions, testAddr); val != 1 {
		t.Errorf("sessions gauge = %v, want 1", val)
	}

	// First node drops -- its gauge goes back to 0.
	c.SessionDown(testAddr)

	if val := gaugeValue(t, c.Sessions, testAddr); val != 0 {
		t.Errorf("after SessionDown: sessions gauge = %v, want 0", val)
	}

	// The second node should still be 1.
	if val := gaugeValue(t, c.Sessions, "AA:BB:CC:DD:EE:02"); val != 1 {
		t.Errorf("second node gauge = %v, want 1 (should be unaffected)", val)
	}
}

func TestFrameCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := hubmetrics.NewCollector(reg)

	// Increment received counter 3 times for one characteristic.
	c.FrameReceived("environment", "work")
	c.FrameReceived("environment", "work")
	c.FrameReceived("environment", "work")

	if val := counterValue(t, c.FramesReceived, "environment", "work"); val != 3 {
		t.Errorf("FramesReceived = %v, want 3", val)
	}

	// A different characteristic is tracked separately.
	c.FrameReceived("sound", "feature")

	if val := counterValue(t, c.FramesReceived, "sound", "feature"); val != 1 {
		t.Errorf("FramesReceived(sound/feature) = %v, want 1", val)
	}

	// Drops are counted per cause.
	c.FrameDropped("short_frame")
	c.FrameDropped("short_frame")
	c.FrameDropped("backpressure")

	if val := counterValue(t, c.FramesDropped, "short_frame"); val != 2 {
		t.Errorf("FramesDropped(short_frame) = %v, want 2", val)
	}
	if val := counterValue(t, c.FramesDropped, "backpressure"); val != 1 {
		t.Errorf("FramesDropped(backpressure) = %v, want 1", val)
	}
}

func TestTransferTransitions(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := hubmetrics.NewCollector(reg)

	// Record an idle->starting transition.
	c.TransferTransition("idle", "starting")

	if val := counterValue(t, c.TransferTransitions, "idle", "starting"); val != 1 {
		t.Errorf("TransferTransitions(idle->starting) = %v, want 1", val)
	}

	// Record another idle->starting -- counter should be 2.
	c.TransferTransition("idle", "starting")

	if val := counterValue(t, c.TransferTransitions, "idle", "starting"); val != 2 {
		t.Errorf("TransferTransitions(idle->starting) = %v, want 2", val)
	}
}

func TestPresenceVerdicts(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := hubmetrics.NewCollector(reg)

	c.PresenceVerdict("strong_enter")
	c.PresenceVerdict("strong_enter")
	c.PresenceVerdict("weak_exit")

	if val := counterValue(t, c.PresenceVerdicts, "strong_enter"); val != 2 {
		t.Errorf("PresenceVerdicts(strong_enter) = %v, want 2", val)
	}
	if val := counterValue(t, c.PresenceVerdicts, "weak_exit"); val != 1 {
		t.Errorf("PresenceVerdicts(weak_exit) = %v, want 1", val)
	}
}

func TestObserveQueue(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := hubmetrics.NewCollector(reg)

	c.ObserveQueue("sound", 12, 3)

	if val := gaugeValue(t, c.QueueDepth, "sound"); val != 12 {
		t.Errorf("QueueDepth(sound) = %v, want 12", val)
	}
	if val := gaugeValue(t, c.QueueDropped, "sound"); val != 3 {
		t.Errorf("QueueDropped(sound) = %v, want 3", val)
	}

	// A later sample overwrites, not accumulates.
	c.ObserveQueue("sound", 0, 5)

	if val := gaugeValue(t, c.QueueDepth, "sound"); val != 0 {
		t.Errorf("QueueDepth(sound) = %v, want 0", val)
	}
	if val := gaugeValue(t, c.QueueDropped, "sound"); val != 5 {
		t.Errorf("QueueDropped(sound) = %v, want 5", val)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// gaugeValue reads the current value of a GaugeVec with the given labels.
func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
