package transfer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slimhive/slimhub/internal/packet"
)

var (
	// ErrBusy rejects an operator start while a transfer is in flight.
	ErrBusy = errors.New("transfer: transfer already in progress")

	// ErrEmptyArtifact rejects a zero-byte source.
	ErrEmptyArtifact = errors.New("transfer: empty artifact")

	// ErrEndRetriesExhausted records an END that was never acknowledged.
	ErrEndRetriesExhausted = errors.New("transfer: END retries exhausted")

	// ErrDeviceFail records a FAIL frame from the device.
	ErrDeviceFail = errors.New("transfer: device reported FAIL")
)

const (
	defaultEndInterval = time.Second
	defaultEndRetries  = 3
)

// FrameWriter writes one framed payload downstream to the engine's
// destination. The session supplies an implementation that prefixes the
// destination MAC and writes the proper characteristic.
type FrameWriter interface {
	WriteFrame(ctx context.Context, payload []byte) error
}

// FrameWriterFunc adapts a function to FrameWriter.
type FrameWriterFunc func(ctx context.Context, payload []byte) error

// WriteFrame implements FrameWriter.
func (f FrameWriterFunc) WriteFrame(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// Snapshot is a point-in-time copy of engine progress, for the operator
// command plane.
type Snapshot struct {
	Stream      Stream
	Dest        packet.Mac
	State       State
	Path        string
	NextSeq     uint16
	TotalChunks uint16
	InFlight    bool
	LastErr     error
}

// Engine is one stop-and-wait transfer state machine. All methods are
// safe for concurrent use; the END retry timer runs on its own goroutine
// and is cancelled the moment the machine leaves Finishing.
type Engine struct {
	stream Stream
	dest   packet.Mac
	writer FrameWriter
	logger *slog.Logger

	endInterval  time.Duration
	endRetries   int
	onDone       func(err error)
	onTransition func(Result)

	mu          sync.Mutex
	state       State
	data        []byte
	path        string
	totalChunks uint16
	nextSeq     uint16
	inFlight    bool
	lastErr     error
	endCancel   context.CancelFunc
}

// Option customizes an Engine.
type Option func(*Engine)

// WithEndRetry overrides the END retry interval and budget, for tests.
func WithEndRetry(interval time.Duration, retries int) Option {
	return func(e *Engine) {
		e.endInterval = interval
		e.endRetries = retries
	}
}

// WithResult registers a completion callback, invoked with nil on success
// and the terminal error otherwise.
func WithResult(fn func(err error)) Option {
	return func(e *Engine) { e.onDone = fn }
}

// WithTransitionHook registers fn to run after every state change, for
// instrumentation. fn must not call back into the engine.
func WithTransitionHook(fn func(Result)) Option {
	return func(e *Engine) { e.onTransition = fn }
}

// NewEngine creates an Idle engine for one (destination, stream) pair.
func NewEngine(stream Stream, dest packet.Mac, writer FrameWriter, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		stream: stream,
		dest:   dest,
		writer: writer,
		logger: logger.With(
			slog.String("component", "transfer"),
			slog.String("stream", stream.String()),
			slog.String("dest", dest.String()),
		),
		endInterval: defaultEndInterval,
		endRetries:  defaultEndRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current machine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot returns a copy of the engine's progress.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Stream:      e.stream,
		Dest:        e.dest,
		State:       e.state,
		Path:        e.path,
		NextSeq:     e.nextSeq,
		TotalChunks: e.totalChunks,
		InFlight:    e.inFlight,
		LastErr:     e.lastErr,
	}
}

// Start begins pushing data. For the file stream targetPath names the
// destination path on the device; the model stream ignores it. A second
// start while the machine is not Idle (or Failed) returns ErrBusy.
func (e *Engine) Start(ctx context.Context, data []byte, targetPath string) error {
	if len(data) == 0 {
		return ErrEmptyArtifact
	}

	e.mu.Lock()
	res := ApplyEvent(e.state, EventOperatorStart)
	if !res.Changed {
		e.mu.Unlock()
		return fmt.Errorf("%w: state=%s", ErrBusy, e.state)
	}
	e.state = res.NewState
	e.data = data
	e.path = targetPath
	e.totalChunks = uint16((len(data) + packet.ChunkSize - 1) / packet.ChunkSize)
	e.nextSeq = 0
	e.inFlight = false
	e.lastErr = nil
	e.mu.Unlock()
	e.transitioned(res)

	e.logger.Info("transfer starting",
		slog.Int("bytes", len(data)),
		slog.Int("chunks", int(e.totalChunks)),
		slog.String("path", targetPath))

	if err := e.writer.WriteFrame(ctx, e.startPayload()); err != nil {
		e.fail(fmt.Errorf("write START: %w", err))
		return err
	}
	return nil
}

// startPayload builds the START frame: bare command for the model stream,
// command plus artifact length and target path for the file stream.
func (e *Engine) startPayload() []byte {
	if e.stream == StreamModel {
		return []byte{byte(packet.CmdStart)}
	}
	buf := make([]byte, 1+4+len(e.path))
	buf[0] = byte(packet.CmdStart)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(e.data)))
	copy(buf[5:], e.path)
	return buf
}

// HandleAck feeds one device acknowledgement into the machine. cmd FAIL
// aborts; cmd END closes a Finishing transfer; a DATA ack either requests
// the named chunk or, with seq past the last chunk, completes the data
// phase and triggers END.
func (e *Engine) HandleAck(ctx context.Context, cmd packet.Command, seq uint16) {
	e.mu.Lock()
	// Any acknowledgement means the previously written chunk landed.
	e.inFlight = false

	var ev Event
	switch cmd {
	case packet.CmdFail:
		ev = EventFail
	case packet.CmdEnd:
		ev = EventAckEnd
	default:
		if seq >= e.totalChunks {
			ev = EventAckComplete
		} else {
			ev = EventAckData
		}
	}

	res := ApplyEvent(e.state, ev)
	e.state = res.NewState
	actions := res.Actions

	var chunk []byte
	if hasAction(actions, ActionWriteChunk) {
		start := int(seq) * packet.ChunkSize
		end := min(start+packet.ChunkSize, len(e.data))
		chunk = e.data[start:end]
		if next := seq + 1; next > e.nextSeq {
			e.nextSeq = next
		}
		e.inFlight = true
	}
	e.mu.Unlock()
	e.transitioned(res)

	for _, a := range actions {
		switch a {
		case ActionWriteChunk:
			frame, err := packet.NewDataFrame(packet.CmdData, seq, chunk)
			if err != nil {
				e.fail(err)
				return
			}
			buf := make([]byte, packet.DataFrameSize)
			n, err := packet.MarshalData(&frame, buf)
			if err != nil {
				e.fail(err)
				return
			}
			if err := e.writer.WriteFrame(ctx, buf[:n]); err != nil {
				e.fail(fmt.Errorf("write DATA seq=%d: %w", seq, err))
				return
			}

		case ActionWriteEnd:
			e.writeEndWithRetry(ctx)

		case ActionComplete:
			e.complete()

		case ActionClear:
			e.clear(ErrDeviceFail)
		}
	}
}

// Disconnect clears all transfer state on link loss. No chunk may be sent
// until a fresh operator start after reconnect.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	res := ApplyEvent(e.state, EventDisconnect)
	e.state = res.NewState
	cancel := e.endCancel
	e.endCancel = nil
	e.nextSeq = 0
	e.inFlight = false
	e.data = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.transitioned(res)
	if res.Changed {
		e.logger.Info("transfer cleared on disconnect")
	}
}

// Remove writes the one-shot REMOVE command; it is outside the transfer
// flow and valid in any state.
func (e *Engine) Remove(ctx context.Context) error {
	return e.writer.WriteFrame(ctx, []byte{byte(packet.CmdRemove)})
}

// writeEndWithRetry writes END and arms the retry goroutine. Retries stop
// as soon as the machine leaves Finishing.
func (e *Engine) writeEndWithRetry(ctx context.Context) {
	if err := e.writer.WriteFrame(ctx, []byte{byte(packet.CmdEnd)}); err != nil {
		e.fail(fmt.Errorf("write END: %w", err))
		return
	}

	retryCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	if e.endCancel != nil {
		e.endCancel()
	}
	e.endCancel = cancel
	e.mu.Unlock()

	go func() {
		defer cancel()
		for attempt := 1; attempt <= e.endRetries; attempt++ {
			select {
			case <-retryCtx.Done():
				return
			case <-time.After(e.endInterval):
			}

			e.mu.Lock()
			finishing := e.state == StateFinishing
			e.mu.Unlock()
			if !finishing {
				return
			}

			e.logger.Warn("retrying END", slog.Int("attempt", attempt))
			if err := e.writer.WriteFrame(retryCtx, []byte{byte(packet.CmdEnd)}); err != nil {
				e.fail(fmt.Errorf("retry END: %w", err))
				return
			}
		}

		// Budget exhausted with the machine still in Finishing.
		e.mu.Lock()
		res := ApplyEvent(e.state, EventEndExhausted)
		e.state = res.NewState
		e.mu.Unlock()
		e.transitioned(res)
		if res.Changed {
			e.clear(ErrEndRetriesExhausted)
		}
	}()
}

// complete tears down a successfully acknowledged transfer.
func (e *Engine) complete() {
	e.mu.Lock()
	cancel := e.endCancel
	e.endCancel = nil
	e.data = nil
	e.nextSeq = 0
	e.inFlight = false
	e.lastErr = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.logger.Info("transfer complete")
	if e.onDone != nil {
		e.onDone(nil)
	}
}

// fail drives the machine into Failed via EventFail and clears it.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	res := ApplyEvent(e.state, EventFail)
	e.state = res.NewState
	e.mu.Unlock()
	e.transitioned(res)
	e.clear(err)
}

// transitioned reports a state change to the hook, if one is registered.
func (e *Engine) transitioned(res Result) {
	if e.onTransition != nil && res.Changed {
		e.onTransition(res)
	}
}

// clear resets progress after FAIL, exhausted retries or disconnect.
func (e *Engine) clear(err error) {
	e.mu.Lock()
	cancel := e.endCancel
	e.endCancel = nil
	e.nextSeq = 0
	e.inFlight = false
	e.data = nil
	e.lastErr = err
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.logger.Warn("transfer cleared", slog.Any("error", err))
	if e.onDone != nil && err != nil {
		e.onDone(err)
	}
}

func hasAction(actions []Action, want Action) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}
