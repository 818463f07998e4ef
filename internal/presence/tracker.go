package presence

import (
	"context"
	"log/slog"
	"time"
)

// Event is one presence signal handed to the Tracker by a session's
// notification dispatcher.
type Event struct {
	Addr   string
	Room   string
	Signal Signal
	At     time.Time
}

// CallbackFunc receives graded verdicts for delivery back to the
// originating device. It is invoked from the Tracker goroutine and must
// not block for long.
type CallbackFunc func(Outcome)

// Tracker serializes all presence mutations through one goroutine: a
// move's validity depends on a globally consistent view of the pending
// bundle, so at most one signal is processed at any instant.
type Tracker struct {
	core   *Core
	cb     CallbackFunc
	logger *slog.Logger
	events chan Event
	tick   time.Duration
	clock  func() time.Time
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*Tracker)

// WithTick overrides the 1 s background tick, for tests.
func WithTick(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.tick = d }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.clock = now }
}

// NewTracker wraps core with the single-writer run loop. cb may be nil.
func NewTracker(core *Core, cb CallbackFunc, logger *slog.Logger, opts ...TrackerOption) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		core:   core,
		cb:     cb,
		logger: logger.With(slog.String("component", "presence")),
		events: make(chan Event, 64),
		tick:   time.Second,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Offer queues one signal for processing. Presence signals are control
// traffic: the send blocks under back-pressure rather than dropping.
func (t *Tracker) Offer(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = t.clock()
	}
	select {
	case t.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the tracker until ctx is cancelled. It owns all Core state.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()

	t.logger.Info("presence tracker started")
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("presence tracker stopped")
			return ctx.Err()

		case ev := <-t.events:
			t.dispatch(t.core.Apply(ev.Addr, ev.Room, ev.Signal, ev.At))

		case <-ticker.C:
			t.dispatch(t.core.Sweep(t.clock()))
		}
	}
}

func (t *Tracker) dispatch(outs []Outcome) {
	if t.cb == nil {
		return
	}
	for _, o := range outs {
		t.cb(o)
	}
}
