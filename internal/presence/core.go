package presence

import (
	"log/slog"
	"sort"
	"time"
)

// -------------------------------------------------------------------------
// Signals & Timing Constants
// -------------------------------------------------------------------------

// Signal is the presence signal code carried in an inference frame.
type Signal uint8

const (
	SignalEnter Signal = 10
	SignalExit  Signal = 20
)

// String returns "ENTER", "EXIT" or a numeric fallback.
func (s Signal) String() string {
	switch s {
	case SignalEnter:
		return "ENTER"
	case SignalExit:
		return "EXIT"
	}
	return "SIGNAL(?)"
}

const (
	// NoiseThreshold is the minimum gap between same-room signals; anything
	// tighter is absorbed as sensor chatter.
	NoiseThreshold = 10 * time.Second

	// ExitVerifyingTime is the same-room re-signal gap beyond which the
	// resident is judged to have left for an unknown destination.
	ExitVerifyingTime = 20 * time.Second

	// InactivityTimeout forces an exit when a device goes silent.
	InactivityTimeout = 30 * time.Second

	// TimeoutBuffer is added to the travel time of every pending move.
	TimeoutBuffer = 5 * time.Second
)

// -------------------------------------------------------------------------
// Outcomes
// -------------------------------------------------------------------------

// Verdict is the graded callback produced by a state transition. Strong
// verdicts mean the evidence matched a predicted move within its window;
// weak verdicts are opportunistic acceptance.
type Verdict uint8

const (
	VerdictNone Verdict = iota
	VerdictStrongEnter
	VerdictWeakEnter
	VerdictStrongExit
	VerdictWeakExit
)

var verdictNames = [...]string{"none", "strong_enter", "weak_enter", "strong_exit", "weak_exit"}

// String returns the callback name in its wire form.
func (v Verdict) String() string {
	if int(v) < len(verdictNames) {
		return verdictNames[v]
	}
	return "verdict(?)"
}

// Outcome pairs a verdict with the device it must be delivered to.
type Outcome struct {
	Verdict Verdict
	Addr    string
	Room    string
}

// -------------------------------------------------------------------------
// Device Records & Pending Moves
// -------------------------------------------------------------------------

// Record is the per-device presence record.
type Record struct {
	Location   string
	LastSignal time.Time
	Active     bool
}

// pendingMove is one time-bounded hypothesis that the resident left From
// and will arrive at To.
type pendingMove struct {
	from    string
	to      string
	start   time.Time
	timeout time.Duration
}

// Core holds all presence state and applies the ingestion rules. It is
// deterministic and single-threaded; the Tracker serializes access.
type Core struct {
	graph   *Graph
	records map[string]*Record
	pending []pendingMove
	logger  *slog.Logger
}

// NewCore creates a Core over the given floor plan.
func NewCore(graph *Graph, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{
		graph:   graph,
		records: make(map[string]*Record),
		logger:  logger.With(slog.String("component", "presence")),
	}
}

// ActiveRoom exposes the graph's single active room.
func (c *Core) ActiveRoom() (string, bool) { return c.graph.ActiveRoom() }

// Records returns a snapshot of the device presence records.
func (c *Core) Records() map[string]Record {
	out := make(map[string]Record, len(c.records))
	for addr, r := range c.records {
		out[addr] = *r
	}
	return out
}

// PendingMoves reports the size of the live hypothesis bundle.
func (c *Core) PendingMoves() int { return len(c.pending) }

// -------------------------------------------------------------------------
// Signal Ingestion
// -------------------------------------------------------------------------

// Apply runs one presence signal from addr, observed in room, through the
// ingestion rules and returns the callbacks to dispatch.
//
// Rule order. A device without a record is a fresh arrival regardless of
// signal, unless a pending bundle can claim its ENTER. EXIT from a room
// other than the device's current one is an arrival-too-late echo and is
// dropped without refreshing the record. EXIT from the current room opens
// the pending-move bundle. Repeat signals in the current room pass through
// the noise / ambiguous / exit-verify windows.
func (c *Core) Apply(addr, room string, sig Signal, at time.Time) []Outcome {
	if !c.graph.Has(room) {
		c.logger.Warn("signal for unknown room dropped",
			slog.String("room", room), slog.String("addr", addr))
		return nil
	}

	rec, known := c.records[addr]

	if sig == SignalExit {
		if !known {
			return c.freshArrival(addr, room, at)
		}
		if rec.Location != room {
			// Arrival-too-late echo from a room already left.
			c.logger.Debug("outdated EXIT dropped",
				slog.String("addr", addr),
				slog.String("room", room),
				slog.String("current", rec.Location))
			return nil
		}
		return c.exitCurrent(addr, rec, at)
	}

	// ENTER: a live pending bundle claims the signal first, whether or not
	// the device already has a record.
	if len(c.pending) > 0 {
		return c.resolvePending(addr, room, at)
	}
	if !known {
		return c.freshArrival(addr, room, at)
	}
	if rec.Location == room {
		return c.sameRoomWindows(addr, rec, at)
	}

	// Unexpected ENTER with no pending hypothesis: accept opportunistically.
	c.logger.Info("unexpected ENTER accepted",
		slog.String("addr", addr), slog.String("room", room))
	c.occupy(addr, room, at)
	return []Outcome{{Verdict: VerdictWeakEnter, Addr: addr, Room: room}}
}

// freshArrival creates the record and activates the room.
func (c *Core) freshArrival(addr, room string, at time.Time) []Outcome {
	c.occupy(addr, room, at)
	c.logger.Info("fresh arrival",
		slog.String("addr", addr), slog.String("room", room))
	return []Outcome{{Verdict: VerdictStrongEnter, Addr: addr, Room: room}}
}

// exitCurrent deactivates the room and opens a pending-move bundle with an
// entry for every reachable destination.
func (c *Core) exitCurrent(addr string, rec *Record, at time.Time) []Outcome {
	room := rec.Location
	c.graph.Deactivate(room, at)
	rec.LastSignal = at

	c.pending = c.pending[:0]
	reachable := c.graph.Reachable(room)
	dests := make([]string, 0, len(reachable))
	for dest := range reachable {
		dests = append(dests, dest)
	}
	sort.Strings(dests)
	for _, dest := range dests {
		c.pending = append(c.pending, pendingMove{
			from:    room,
			to:      dest,
			start:   at,
			timeout: reachable[dest] + TimeoutBuffer,
		})
	}

	c.logger.Info("exit opened pending bundle",
		slog.String("addr", addr),
		slog.String("room", room),
		slog.Int("hypotheses", len(c.pending)))
	return []Outcome{{Verdict: VerdictWeakExit, Addr: addr, Room: room}}
}

// sameRoomWindows handles a repeat ENTER in the device's current room.
func (c *Core) sameRoomWindows(addr string, rec *Record, at time.Time) []Outcome {
	room := rec.Location
	dt := at.Sub(rec.LastSignal)

	switch {
	case dt < NoiseThreshold:
		// Sensor chatter: refresh and absorb.
		rec.LastSignal = at
		return nil

	case dt < ExitVerifyingTime:
		// Ambiguous: the resident may be on the move. Clear activations
		// and wait for a decisive signal.
		c.logger.Info("ambiguous same-room signal",
			slog.String("addr", addr),
			slog.String("room", room),
			slog.Duration("gap", dt))
		c.graph.DeactivateAll()
		rec.LastSignal = at
		return nil

	default:
		// Long-gap re-signal: judged an exit to an unknown destination.
		c.logger.Info("same-room exit verified",
			slog.String("addr", addr),
			slog.String("room", room),
			slog.Duration("gap", dt))
		c.graph.Deactivate(room, at)
		delete(c.records, addr)
		return []Outcome{{Verdict: VerdictStrongExit, Addr: addr, Room: room}}
	}
}

// resolvePending matches an ENTER against the live bundle. Ties on the
// destination are broken by smallest elapsed time.
func (c *Core) resolvePending(addr, room string, at time.Time) []Outcome {
	var match *pendingMove
	for i := range c.pending {
		m := &c.pending[i]
		if m.to != room {
			continue
		}
		if match == nil || at.Sub(m.start) < at.Sub(match.start) {
			match = m
		}
	}

	verdict := VerdictWeakEnter
	switch {
	case match == nil:
		c.logger.Info("ENTER did not match pending bundle",
			slog.String("addr", addr), slog.String("room", room))
	case at.Sub(match.start) <= match.timeout:
		c.logger.Info("pending move confirmed",
			slog.String("addr", addr),
			slog.String("from", match.from),
			slog.String("to", room),
			slog.Duration("elapsed", at.Sub(match.start)))
		verdict = VerdictStrongEnter
	default:
		c.logger.Info("pending move matched past its timeout",
			slog.String("addr", addr),
			slog.String("to", room),
			slog.Duration("elapsed", at.Sub(match.start)))
	}

	c.pending = c.pending[:0]
	c.occupy(addr, room, at)
	return []Outcome{{Verdict: verdict, Addr: addr, Room: room}}
}

// occupy records addr in room and makes it the single active room.
func (c *Core) occupy(addr, room string, at time.Time) {
	c.records[addr] = &Record{Location: room, LastSignal: at, Active: true}
	if err := c.graph.Activate(room, at); err != nil {
		c.logger.Warn("activate failed", slog.Any("error", err))
	}
}

// -------------------------------------------------------------------------
// Background Sweep
// -------------------------------------------------------------------------

// Sweep runs the 1 s background checks: pending-bundle expiry (force-return
// to the origin room) and the per-device inactivity timeout.
func (c *Core) Sweep(now time.Time) []Outcome {
	var out []Outcome

	if len(c.pending) > 0 {
		expired := false
		for _, m := range c.pending {
			if now.Sub(m.start) > m.timeout {
				expired = true
				break
			}
		}
		if expired {
			from := c.pending[0].from
			c.logger.Info("pending bundle expired, returning to origin",
				slog.String("room", from))
			if err := c.graph.Activate(from, now); err != nil {
				c.logger.Warn("activate failed", slog.Any("error", err))
			}
			c.pending = c.pending[:0]
		}
	}

	for addr, rec := range c.records {
		if now.Sub(rec.LastSignal) <= InactivityTimeout {
			continue
		}
		c.logger.Info("device inactive, forcing exit",
			slog.String("addr", addr),
			slog.String("room", rec.Location),
			slog.Duration("silent", now.Sub(rec.LastSignal)))
		c.graph.Deactivate(rec.Location, now)
		delete(c.records, addr)
		out = append(out, Outcome{Verdict: VerdictStrongExit, Addr: addr, Room: rec.Location})
	}

	return out
}
