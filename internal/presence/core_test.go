package presence_test

import (
	"testing"
	"time"

	"github.com/slimhive/slimhub/internal/presence"
)

// testPlan builds the reference floor plan used across the tracker tests.
//
//	ENTRY--10--LIVING--5--TOILET
//	            |  \------10--KITCHEN
//	            |---------10--BEDROOM
//	            \---------15--ROOM
func testPlan() *presence.Graph {
	g := presence.NewGraph()
	g.AddEdge("ENTRY", "LIVING", 10*time.Second)
	g.AddEdge("LIVING", "TOILET", 5*time.Second)
	g.AddEdge("LIVING", "KITCHEN", 10*time.Second)
	g.AddEdge("LIVING", "BEDROOM", 10*time.Second)
	g.AddEdge("LIVING", "ROOM", 15*time.Second)
	return g
}

// smallPlan is a two-room plan with a direct 5 s edge, matching the valid
// move scenario.
func smallPlan() *presence.Graph {
	g := presence.NewGraph()
	g.AddEdge("KITCHEN", "ROOM", 5*time.Second)
	return g
}

var t0 = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func single(t *testing.T, outs []presence.Outcome, want presence.Verdict, addr, room string) {
	t.Helper()
	if len(outs) != 1 {
		t.Fatalf("outcomes = %v, want exactly one", outs)
	}
	o := outs[0]
	if o.Verdict != want || o.Addr != addr || o.Room != room {
		t.Fatalf("outcome = %+v, want {%v %s %s}", o, want, addr, room)
	}
}

func none(t *testing.T, outs []presence.Outcome) {
	t.Helper()
	if len(outs) != 0 {
		t.Fatalf("outcomes = %v, want none", outs)
	}
}

func TestGraphReachable(t *testing.T) {
	t.Parallel()

	g := testPlan()
	dist := g.Reachable("KITCHEN")

	want := map[string]time.Duration{
		"LIVING":  10 * time.Second,
		"TOILET":  15 * time.Second,
		"BEDROOM": 20 * time.Second,
		"ROOM":    25 * time.Second,
		"ENTRY":   20 * time.Second,
	}
	if len(dist) != len(want) {
		t.Fatalf("reachable = %v, want %v", dist, want)
	}
	for room, d := range want {
		if dist[room] != d {
			t.Errorf("dist[%s] = %v, want %v", room, dist[room], d)
		}
	}

	if got := g.Reachable("NOWHERE"); len(got) != 0 {
		t.Errorf("unknown origin: reachable = %v, want empty", got)
	}
}

func TestGraphSingleActiveRoom(t *testing.T) {
	t.Parallel()

	g := testPlan()
	if err := g.Activate("KITCHEN", t0); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := g.Activate("ROOM", t0); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	room, ok := g.ActiveRoom()
	if !ok || room != "ROOM" {
		t.Errorf("active = %q,%v, want ROOM,true", room, ok)
	}
	if err := g.Activate("GARAGE", t0); err == nil {
		t.Error("unknown room: want error")
	}
}

func TestFreshArrival(t *testing.T) {
	t.Parallel()

	core := presence.NewCore(testPlan(), nil)
	outs := core.Apply("dean-k", "KITCHEN", presence.SignalEnter, at(0))
	single(t, outs, presence.VerdictStrongEnter, "dean-k", "KITCHEN")

	room, ok := core.ActiveRoom()
	if !ok || room != "KITCHEN" {
		t.Errorf("active = %q,%v, want KITCHEN,true", room, ok)
	}
}

// TestNoiseFilter: a repeat ENTER within the noise window is silently
// absorbed and the room stays active.
func TestNoiseFilter(t *testing.T) {
	t.Parallel()

	core := presence.NewCore(testPlan(), nil)
	core.Apply("dean-k", "KITCHEN", presence.SignalEnter, at(0))

	none(t, core.Apply("dean-k", "KITCHEN", presence.SignalEnter, at(3)))

	room, ok := core.ActiveRoom()
	if !ok || room != "KITCHEN" {
		t.Errorf("active = %q,%v, want KITCHEN,true", room, ok)
	}
}

func TestAmbiguousWindowClearsActivation(t *testing.T) {
	t.Parallel()

	core := presence.NewCore(testPlan(), nil)
	core.Apply("dean-k", "KITCHEN", presence.SignalEnter, at(0))

	none(t, core.Apply("dean-k", "KITCHEN", presence.SignalEnter, at(15)))
	if room, ok := core.ActiveRoom(); ok {
		t.Errorf("active = %q, want no active room in the ambiguous window", room)
	}
}

func TestSameRoomExitVerify(t *testing.T) {
	t.Parallel()

	core := presence.NewCore(testPlan(), nil)
	core.Apply("dean-k", "KITCHEN", presence.SignalEnter, at(0))

	outs := core.Apply("dean-k", "KITCHEN", presence.SignalEnter, at(25))
	single(t, outs, presence.VerdictStrongExit, "dean-k", "KITCHEN")

	if len(core.Records()) != 0 {
		t.Errorf("records = %v, want empty after verified exit", core.Records())
	}
}

func TestOutdatedExitDropped(t *testing.T) {
	t.Parallel()

	core := presence.NewCore(testPlan(), nil)
	core.Apply("dean-k", "KITCHEN", presence.SignalEnter, at(0))

	// EXIT from a room the device is not recorded in is a late echo.
	none(t, core.Apply("dean-k", "LIVING", presence.SignalExit, at(5)))

	rec := core.Records()["dean-k"]
	if rec.Location != "KITCHEN" {
		t.Errorf("location = %q, want KITCHEN", rec.Location)
	}
	if !rec.LastSignal.Equal(at(0)) {
		t.Errorf("last signal refreshed by dropped echo: %v", rec.LastSignal)
	}
}

// TestValidMove: EXIT from KITCHEN opens the bundle (weak_exit); an ENTER
// at ROOM within travel+buffer resolves it with strong_enter.
func TestValidMove(t *testing.T) {
	t.Parallel()

	core := presence.NewCore(smallPlan(), nil)
	core.Apply("dean-k", "KITCHEN", presence.SignalEnter, at(0))

	outs := core.Apply("dean-k", "KITCHEN", presence.SignalExit, at(9))
	single(t, outs, presence.VerdictWeakExit, "dean-k", "KITCHEN")
	if room, ok := core.ActiveRoom(); ok {
		t.Fatalf("active = %q, want none while move is pending", room)
	}
	if core.PendingMoves() != 1 {
		t.Fatalf("pending = %d, want 1", core.PendingMoves())
	}

	// Edge weight 5 s + 5 s buffer: arrival 6 s after the exit is in time.
	outs = core.Apply("dean-r", "ROOM", presence.SignalEnter, at(15))
	single(t, outs, presence.VerdictStrongEnter, "dean-r", "ROOM")

	room, ok := core.ActiveRoom()
	if !ok || room != "ROOM" {
		t.Errorf("active = %q,%v, want ROOM,true", room, ok)
	}
	if core.PendingMoves() != 0 {
		t.Errorf("pending = %d, want 0 after resolution", core.PendingMoves())
	}
}

// TestTimedOutMove: the arrival past travel+buffer still lands in the room
// but only earns a weak_enter.
func TestTimedOutMove(t *testing.T) {
	t.Parallel()

	core := presence.NewCore(smallPlan(), nil)
	core.Apply("dean-k", "KITCHEN", presence.SignalEnter, at(0))
	core.Apply("dean-k", "KITCHEN", presence.SignalExit, at(9))

	outs := core.Apply("dean-r", "ROOM", presence.SignalEnter, at(21))
	single(t, outs, presence.VerdictWeakEnter, "dean-r", "ROOM")

	room, ok := core.ActiveRoom()
	if !ok || room != "ROOM" {
		t.Errorf("active = %q,%v, want ROOM,true", room, ok)
	}
	if core.PendingMoves() != 0 {
		t.Errorf("pending = %d, want 0", core.PendingMoves())
	}
}

func TestUnexpectedEnterIsWeak(t *testing.T) {
	t.Parallel()

	core := presence.NewCore(testPlan(), nil)
	core.Apply("dean-k", "KITCHEN", presence.SignalEnter, at(0))

	// No pending bundle: an ENTER from elsewhere is accepted weakly.
	outs := core.Apply("dean-k", "BEDROOM", presence.SignalEnter, at(40))
	single(t, outs, presence.VerdictWeakEnter, "dean-k", "BEDROOM")
}

func TestPendingBundleExpiry(t *testing.T) {
	t.Parallel()

	core := presence.NewCore(smallPlan(), nil)
	core.Apply("dean-k", "KITCHEN", presence.SignalEnter, at(0))
	core.Apply("dean-k", "KITCHEN", presence.SignalExit, at(9))

	// Sweep before the 10 s window closes: bundle stays.
	none(t, core.Sweep(at(18)))
	if core.PendingMoves() != 1 {
		t.Fatalf("pending = %d, want 1", core.PendingMoves())
	}

	// Past travel+buffer: force-return to the origin room.
	none(t, core.Sweep(at(20)))
	if core.PendingMoves() != 0 {
		t.Errorf("pending = %d, want 0 after expiry", core.PendingMoves())
	}
	room, ok := core.ActiveRoom()
	if !ok || room != "KITCHEN" {
		t.Errorf("active = %q,%v, want KITCHEN,true", room, ok)
	}
}

// TestInactivitySweep: a device silent past the timeout is forcibly
// exited; a later ENTER is a fresh arrival again.
func TestInactivitySweep(t *testing.T) {
	t.Parallel()

	core := presence.NewCore(testPlan(), nil)
	core.Apply("dean-r", "ROOM", presence.SignalEnter, at(0))

	none(t, core.Sweep(at(30)))

	outs := core.Sweep(at(31))
	single(t, outs, presence.VerdictStrongExit, "dean-r", "ROOM")
	if len(core.Records()) != 0 {
		t.Errorf("records = %v, want empty", core.Records())
	}
	if room, ok := core.ActiveRoom(); ok {
		t.Errorf("active = %q, want none", room)
	}

	outs = core.Apply("dean-r", "ROOM", presence.SignalEnter, at(40))
	single(t, outs, presence.VerdictStrongEnter, "dean-r", "ROOM")
}

func TestUnknownRoomDropped(t *testing.T) {
	t.Parallel()

	core := presence.NewCore(testPlan(), nil)
	none(t, core.Apply("dean-x", "GARAGE", presence.SignalEnter, at(0)))
	if len(core.Records()) != 0 {
		t.Errorf("records = %v, want empty", core.Records())
	}
}
