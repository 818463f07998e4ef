package identity_test

import (
	"errors"
	"testing"

	"github.com/slimhive/slimhub/internal/identity"
	"github.com/slimhive/slimhub/internal/packet"
)

var (
	macA = packet.Mac{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x01}
	macB = packet.Mac{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x02}
)

func TestObserveUpsert(t *testing.T) {
	t.Parallel()

	tbl := identity.NewTable()

	e := tbl.Observe(macA, "relay-1", "ADL_DETECTOR", "KITCHEN")
	if e.RelayAddress != "relay-1" || e.DeviceType != "ADL_DETECTOR" || e.Location != "KITCHEN" {
		t.Fatalf("first observation: %+v", e)
	}
	if !e.Connected {
		t.Error("first observation should mark entry connected")
	}

	// Relay and type refresh; location hint must not clobber.
	e = tbl.Observe(macA, "relay-2", "THINGY53", "BEDROOM")
	if e.RelayAddress != "relay-2" || e.DeviceType != "THINGY53" {
		t.Errorf("relay/type not refreshed: %+v", e)
	}
	if e.Location != "KITCHEN" {
		t.Errorf("location overwritten by observation: %q", e.Location)
	}

	if got := len(tbl.Entries()); got != 1 {
		t.Errorf("entries = %d, want 1 (one entry per mac)", got)
	}
}

func TestConfigureOverwrites(t *testing.T) {
	t.Parallel()

	tbl := identity.NewTable()
	tbl.Observe(macA, "relay-1", "ADL_DETECTOR", "KITCHEN")

	if err := tbl.Configure(macA, "sink-sensor", "LIVING"); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	e, err := tbl.Lookup(macA)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.Name != "sink-sensor" || e.Location != "LIVING" {
		t.Errorf("configure did not overwrite: %+v", e)
	}

	if err := tbl.Configure(macB, "x", ""); !errors.Is(err, identity.ErrUnknownDean) {
		t.Errorf("configure of unknown mac: err = %v, want ErrUnknownDean", err)
	}
}

func TestParseUpstream(t *testing.T) {
	t.Parallel()

	tbl := identity.NewTable()
	frame := packet.BuildDownstream(macA, []byte{9, 8, 7})

	e, payload, err := tbl.ParseUpstream(frame, "relay-1", "ADL_DETECTOR", "")
	if err != nil {
		t.Fatalf("ParseUpstream: %v", err)
	}
	if e.Mac != macA {
		t.Errorf("mac = %v, want %v", e.Mac, macA)
	}
	if len(payload) != 3 || payload[0] != 9 {
		t.Errorf("payload = %v", payload)
	}

	// Short frames must not create an entry.
	if _, _, err := tbl.ParseUpstream([]byte{1, 2}, "relay-1", "", ""); err == nil {
		t.Fatal("short frame: want error")
	}
	if got := len(tbl.Entries()); got != 1 {
		t.Errorf("entries = %d after short frame, want 1", got)
	}
}

func TestRelayForAndMarkDisconnected(t *testing.T) {
	t.Parallel()

	tbl := identity.NewTable()
	tbl.Observe(macA, "relay-1", "", "")
	tbl.Observe(macB, "relay-1", "", "")

	relay, err := tbl.RelayFor(macA)
	if err != nil || relay != "relay-1" {
		t.Fatalf("RelayFor = %q, %v", relay, err)
	}

	tbl.MarkDisconnected("relay-1")
	for _, e := range tbl.Entries() {
		if e.Connected {
			t.Errorf("%s still connected after MarkDisconnected", e.Mac)
		}
	}

	if _, err := tbl.RelayFor(packet.Mac{1}); !errors.Is(err, identity.ErrUnknownDean) {
		t.Errorf("unknown mac: err = %v, want ErrUnknownDean", err)
	}
}

func TestEntriesSorted(t *testing.T) {
	t.Parallel()

	tbl := identity.NewTable()
	tbl.Observe(macB, "r", "", "")
	tbl.Observe(macA, "r", "", "")

	entries := tbl.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Mac != macA || entries[1].Mac != macB {
		t.Errorf("entries not sorted by mac: %v, %v", entries[0].Mac, entries[1].Mac)
	}
}

func TestEnsureParsesMac(t *testing.T) {
	t.Parallel()

	tbl := identity.NewTable()
	e, err := tbl.Ensure("aa:bb:cc:dd:ee:01", "relay-1", "ATT", "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if e.Mac != macA {
		t.Errorf("mac = %v, want %v", e.Mac, macA)
	}

	if _, err := tbl.Ensure("nonsense", "", "", ""); err == nil {
		t.Error("malformed mac: want error")
	}
}
