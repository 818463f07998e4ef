// Package transfer implements the chunked reliable transfer engine: one
// stop-and-wait state machine per (session, destination MAC, stream)
// pushing a file or model artifact to a DEAN node in 128-byte chunks,
// driven forward by the device's acknowledgement notifications.
package transfer

// Stream distinguishes the two transfer channels a session carries per
// destination.
type Stream uint8

const (
	StreamFile Stream = iota
	StreamModel
)

// String returns "file" or "model".
func (s Stream) String() string {
	if s == StreamModel {
		return "model"
	}
	return "file"
}

// State is the transfer state machine state.
type State uint8

const (
	StateIdle State = iota
	StateStarting
	StateSending
	StateFinishing
	StateFailed
)

var stateNames = [...]string{"Idle", "Starting", "Sending", "Finishing", "Failed"}

// String returns the state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(?)"
}

// Event drives the state machine. The engine classifies raw device acks
// into events before applying them: a DATA ack whose seq is beyond the
// last chunk becomes EventAckComplete.
type Event uint8

const (
	// EventOperatorStart is an operator request to begin a transfer.
	EventOperatorStart Event = iota
	// EventAckData is a DATA ack naming a chunk still inside the stream.
	EventAckData
	// EventAckComplete is a DATA ack whose seq is past the last chunk.
	EventAckComplete
	// EventAckEnd is the device's acknowledgement of END.
	EventAckEnd
	// EventFail is a device FAIL frame or a local transfer exception.
	EventFail
	// EventEndExhausted fires when END retries run out.
	EventEndExhausted
	// EventDisconnect is a link loss on the owning session.
	EventDisconnect
	// EventReset returns a Failed machine to Idle.
	EventReset
)

var eventNames = [...]string{
	"OperatorStart", "AckData", "AckComplete", "AckEnd",
	"Fail", "EndExhausted", "Disconnect", "Reset",
}

// String returns the event name.
func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "Event(?)"
}

// Action is a side effect the engine must perform after a transition.
type Action uint8

const (
	// ActionWriteStart writes the START frame with stream metadata.
	ActionWriteStart Action = iota
	// ActionWriteChunk writes the DATA frame for the acked seq.
	ActionWriteChunk
	// ActionWriteEnd writes END and arms the retry timer.
	ActionWriteEnd
	// ActionComplete tears down the finished transfer.
	ActionComplete
	// ActionClear resets seq and in-flight state.
	ActionClear
)

// Result describes one applied transition, mirroring the table entry plus
// whether the state actually changed.
type Result struct {
	OldState State
	NewState State
	Actions  []Action
	Changed  bool
}

type stateEvent struct {
	state State
	event Event
}

type transition struct {
	next    State
	actions []Action
}

// fsmTable is the full transition relation. Pairs not listed are silently
// ignored: a stray ack in Idle, a duplicate END ack, or a FAIL after the
// machine already reset must not disturb anything.
var fsmTable = map[stateEvent]transition{
	{StateIdle, EventOperatorStart}: {StateStarting, []Action{ActionWriteStart}},

	{StateStarting, EventAckData}:     {StateSending, []Action{ActionWriteChunk}},
	{StateStarting, EventAckComplete}: {StateFinishing, []Action{ActionWriteEnd}},
	{StateStarting, EventFail}:        {StateFailed, []Action{ActionClear}},
	{StateStarting, EventDisconnect}:  {StateIdle, []Action{ActionClear}},

	{StateSending, EventAckData}:     {StateSending, []Action{ActionWriteChunk}},
	{StateSending, EventAckComplete}: {StateFinishing, []Action{ActionWriteEnd}},
	{StateSending, EventFail}:        {StateFailed, []Action{ActionClear}},
	{StateSending, EventDisconnect}:  {StateIdle, []Action{ActionClear}},

	{StateFinishing, EventAckEnd}:       {StateIdle, []Action{ActionComplete}},
	{StateFinishing, EventFail}:         {StateFailed, []Action{ActionClear}},
	{StateFinishing, EventEndExhausted}: {StateFailed, []Action{ActionClear}},
	{StateFinishing, EventDisconnect}:   {StateIdle, []Action{ActionClear}},

	{StateFailed, EventReset}:         {StateIdle, nil},
	{StateFailed, EventOperatorStart}: {StateStarting, []Action{ActionWriteStart}},
	{StateFailed, EventDisconnect}:    {StateIdle, []Action{ActionClear}},
}

// ApplyEvent runs one event through the transition table. Unlisted
// (state, event) pairs return the current state unchanged with no
// actions.
func ApplyEvent(current State, event Event) Result {
	tr, ok := fsmTable[stateEvent{current, event}]
	if !ok {
		return Result{OldState: current, NewState: current}
	}
	return Result{
		OldState: current,
		NewState: tr.next,
		Actions:  tr.actions,
		Changed:  tr.next != current,
	}
}
