package store_test

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/slimhive/slimhub/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// database/sql keeps a connection-pool janitor alive briefly.
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

const testMac = "AA:BB:CC:DD:EE:01"

func openStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func TestUpsertNode(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	seen := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

	err := s.UpsertNode(store.NodeRecord{
		Mac: testMac, Relay: testMac, DeviceType: "ADL_DETECTOR",
		Name: "dean-01", Location: "KITCHEN", LastSeen: seen, Connected: true,
	})
	if err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	// A second observation of the same MAC updates in place.
	err = s.UpsertNode(store.NodeRecord{
		Mac: testMac, Relay: "BB:00:00:00:00:02", DeviceType: "ADL_DETECTOR",
		LastSeen: seen.Add(time.Minute), Connected: true,
	})
	if err != nil {
		t.Fatalf("UpsertNode (second): %v", err)
	}

	nodes, err := s.Nodes()
	if err != nil {
		t.Fatalf("Nodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("nodes = %d, want 1", len(nodes))
	}

	got := nodes[0]
	if got.Relay != "BB:00:00:00:00:02" {
		t.Errorf("Relay = %q, want refreshed relay", got.Relay)
	}
	// Empty name/location in the update must not erase configured values.
	if got.Name != "dean-01" || got.Location != "KITCHEN" {
		t.Errorf("Name/Location = %q/%q, configuration was erased", got.Name, got.Location)
	}
}

func TestMarkDisconnected(t *testing.T) {
	t.Parallel()

	s := openStore(t)

	for _, mac := range []string{testMac, "AA:BB:CC:DD:EE:02"} {
		err := s.UpsertNode(store.NodeRecord{Mac: mac, Relay: testMac, Connected: true})
		if err != nil {
			t.Fatalf("UpsertNode(%s): %v", mac, err)
		}
	}
	err := s.UpsertNode(store.NodeRecord{
		Mac: "CC:00:00:00:00:03", Relay: "CC:00:00:00:00:03", Connected: true,
	})
	if err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	if err := s.MarkDisconnected(testMac); err != nil {
		t.Fatalf("MarkDisconnected: %v", err)
	}

	nodes, err := s.Nodes()
	if err != nil {
		t.Fatalf("Nodes: %v", err)
	}
	for _, n := range nodes {
		wantConnected := n.Relay != testMac
		if n.Connected != wantConnected {
			t.Errorf("node %s connected = %v, want %v", n.Mac, n.Connected, wantConnected)
		}
	}
}

func TestRecentVerdicts(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	for i := range 5 {
		err := s.RecordVerdict(store.PresenceRecord{
			Mac: testMac, Room: "KITCHEN", Verdict: "strong_enter",
			At: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("RecordVerdict(%d): %v", i, err)
		}
	}

	recs, err := s.RecentVerdicts(3)
	if err != nil {
		t.Fatalf("RecentVerdicts: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("verdicts = %d, want 3", len(recs))
	}
	// Newest first.
	if !recs[0].At.After(recs[1].At) || !recs[1].At.After(recs[2].At) {
		t.Errorf("verdicts out of order: %v, %v, %v", recs[0].At, recs[1].At, recs[2].At)
	}
}
