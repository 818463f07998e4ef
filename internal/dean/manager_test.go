package dean_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/slimhive/slimhub/internal/ble"
	"github.com/slimhive/slimhub/internal/dean"
	"github.com/slimhive/slimhub/internal/packet"
	"github.com/slimhive/slimhub/internal/presence"
)

func newManager(t *testing.T, h *harness) *dean.Manager {
	t.Helper()
	m := dean.NewManager(h.transport, h.ids, h.tracker, h.store, h.queues, nil,
		dean.WithEnableMap(map[string]string{}))
	t.Cleanup(func() { _ = m.DrainAll(2 * time.Second) })
	return m
}

func TestManagerEnsureSessionIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := newManager(t, h)
	adv := ble.Advertisement{Addr: nodeAddr, Name: "ADL-01"}

	if err := m.EnsureSession(context.Background(), adv); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if err := m.EnsureSession(context.Background(), adv); err != nil {
		t.Fatalf("EnsureSession (repeat): %v", err)
	}
	if got := len(m.Sessions()); got != 1 {
		t.Errorf("sessions = %d, want 1", got)
	}
}

func TestManagerReplacesDeadSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := newManager(t, h)
	adv := ble.Advertisement{Addr: nodeAddr, Name: "ADL-01"}

	if err := m.EnsureSession(context.Background(), adv); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	s, err := m.SessionFor(nodeAddr)
	if err != nil {
		t.Fatalf("SessionFor: %v", err)
	}

	s.Close()
	deadline := time.Now().Add(2 * time.Second)
	for len(m.Sessions()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("dead session never left the registry")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := m.EnsureSession(context.Background(), adv); err != nil {
		t.Fatalf("EnsureSession (after close): %v", err)
	}
	if replacement, err := m.SessionFor(nodeAddr); err != nil || replacement == s {
		t.Errorf("SessionFor after replace = (%p, %v), want a fresh session", replacement, err)
	}
}

func TestManagerRoutesByMac(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := newManager(t, h)

	if err := m.EnsureSession(context.Background(), ble.Advertisement{Addr: nodeAddr}); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	s, err := m.SessionForMac(mustMac(t, nodeAddr))
	if err != nil {
		t.Fatalf("SessionForMac: %v", err)
	}
	if s.Addr() != nodeAddr {
		t.Errorf("session addr = %q", s.Addr())
	}

	if _, err := m.SessionForMac(mustMac(t, "00:00:00:00:00:99")); err == nil {
		t.Error("SessionForMac(unknown) succeeded")
	}
}

func TestManagerDeliversVerdicts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := newManager(t, h)
	mac := mustMac(t, nodeAddr)

	if err := m.EnsureSession(context.Background(), ble.Advertisement{Addr: nodeAddr}); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	m.HandleVerdict(presence.Outcome{
		Verdict: presence.VerdictStrongEnter, Addr: nodeAddr, Room: "KITCHEN",
	})

	writes := waitWrites(t, h.char(t, dean.UUIDInferenceRawdata), 1)
	want := packet.BuildDownstream(mac, []byte{byte(presence.VerdictStrongEnter)})
	if string(writes[0]) != string(want) {
		t.Errorf("verdict frame = %x, want %x", writes[0], want)
	}
}

func TestManagerDrainAll(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := newManager(t, h)

	if err := m.EnsureSession(context.Background(), ble.Advertisement{Addr: nodeAddr}); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if err := m.DrainAll(2 * time.Second); err != nil {
		t.Fatalf("DrainAll: %v", err)
	}

	if got := len(m.Sessions()); got != 0 {
		t.Errorf("sessions after drain = %d, want 0", got)
	}
	if h.device.Connected() {
		t.Error("device still connected after drain")
	}
	err := m.EnsureSession(context.Background(), ble.Advertisement{Addr: nodeAddr})
	if !errors.Is(err, dean.ErrManagerClosed) {
		t.Errorf("EnsureSession after drain = %v, want ErrManagerClosed", err)
	}
}
