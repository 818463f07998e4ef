// Package packet implements the Slimhub wire codec: the downstream-addressed
// MAC envelope and the three framed shapes used by the chunked transfer
// protocol (Control, Ack, Data), plus the telemetry frame decoders.
//
// All multi-byte fields are little-endian. Marshal functions write into a
// caller-provided buffer and return the number of bytes written; Unmarshal
// functions never panic and fail cleanly on short input.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// -------------------------------------------------------------------------
// Frame Constants
// -------------------------------------------------------------------------

const (
	// MacLen is the length of the address prefix carried by every frame
	// crossing the link, upstream and downstream.
	MacLen = 6

	// ChunkSize is the fixed payload size of a Data frame. Shorter final
	// chunks are right-padded with PadByte.
	ChunkSize = 128

	// PadByte fills the unused tail of a short Data chunk.
	PadByte = 0xFF

	// ControlFrameSize is the wire size of a Control frame: cmd:u8.
	ControlFrameSize = 1

	// AckFrameSize is the wire size of an Ack frame: cmd:u8, seq:u16.
	AckFrameSize = 3

	// DataFrameSize is the wire size of a Data frame:
	// cmd:u8, seq:u16, size:u16, payload:128B.
	DataFrameSize = 1 + 2 + 2 + ChunkSize

	// MaxFrameSize is the largest frame the hub ever writes downstream:
	// MAC envelope plus a full Data frame.
	MaxFrameSize = MacLen + DataFrameSize
)

// -------------------------------------------------------------------------
// Command Codes
// -------------------------------------------------------------------------

// Command identifies the operation carried by a frame. The File and Model
// streams share one numeric scheme; the feature-collection commands are
// only meaningful on the Model characteristic.
type Command uint8

const (
	CmdStart         Command = 1
	CmdData          Command = 2
	CmdEnd           Command = 3
	CmdRemove        Command = 4
	CmdFeatureStart  Command = 5
	CmdFeatureData   Command = 6
	CmdFeatureFinish Command = 7
	CmdFeatureEnd    Command = 8
	CmdFail          Command = 11
)

var commandNames = map[Command]string{
	CmdStart:         "START",
	CmdData:          "DATA",
	CmdEnd:           "END",
	CmdRemove:        "REMOVE",
	CmdFeatureStart:  "FEATURE_START",
	CmdFeatureData:   "FEATURE_DATA",
	CmdFeatureFinish: "FEATURE_FINISH",
	CmdFeatureEnd:    "FEATURE_END",
	CmdFail:          "FAIL",
}

// String returns the symbolic command name, or a numeric fallback for
// unknown codes.
func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("CMD(%d)", uint8(c))
}

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

var (
	// ErrShortBuffer indicates the destination buffer cannot hold the frame.
	ErrShortBuffer = errors.New("packet: destination buffer too small")

	// ErrShortFrame indicates a received frame is shorter than its layout.
	ErrShortFrame = errors.New("packet: frame too short")

	// ErrOversizePayload indicates a Data chunk larger than ChunkSize.
	ErrOversizePayload = errors.New("packet: payload exceeds chunk size")

	// ErrSizeMismatch indicates a Data frame whose size field exceeds the
	// chunk capacity.
	ErrSizeMismatch = errors.New("packet: size field exceeds chunk size")
)

// -------------------------------------------------------------------------
// Control Frame — cmd:u8
// -------------------------------------------------------------------------

// ControlFrame is the one-byte command frame (START, END, FAIL, REMOVE and
// the feature-collection controls).
type ControlFrame struct {
	Cmd Command
}

// MarshalControl encodes f into buf and returns the bytes written.
func MarshalControl(f *ControlFrame, buf []byte) (int, error) {
	if len(buf) < ControlFrameSize {
		return 0, ErrShortBuffer
	}
	buf[0] = byte(f.Cmd)
	return ControlFrameSize, nil
}

// UnmarshalControl decodes a Control frame from buf into f.
func UnmarshalControl(buf []byte, f *ControlFrame) error {
	if len(buf) < ControlFrameSize {
		return fmt.Errorf("%w: got %d bytes, need %d", ErrShortFrame, len(buf), ControlFrameSize)
	}
	f.Cmd = Command(buf[0])
	return nil
}

// -------------------------------------------------------------------------
// Ack Frame — cmd:u8, seq:u16
// -------------------------------------------------------------------------

// AckFrame is the per-chunk acknowledgement the device sends to drive the
// stop-and-wait transfer forward. Seq names the chunk the device is ready
// to receive next.
type AckFrame struct {
	Cmd Command
	Seq uint16
}

// MarshalAck encodes f into buf and returns the bytes written.
func MarshalAck(f *AckFrame, buf []byte) (int, error) {
	if len(buf) < AckFrameSize {
		return 0, ErrShortBuffer
	}
	buf[0] = byte(f.Cmd)
	binary.LittleEndian.PutUint16(buf[1:3], f.Seq)
	return AckFrameSize, nil
}

// UnmarshalAck decodes an Ack frame from buf into f.
func UnmarshalAck(buf []byte, f *AckFrame) error {
	if len(buf) < AckFrameSize {
		return fmt.Errorf("%w: got %d bytes, need %d", ErrShortFrame, len(buf), AckFrameSize)
	}
	f.Cmd = Command(buf[0])
	f.Seq = binary.LittleEndian.Uint16(buf[1:3])
	return nil
}

// -------------------------------------------------------------------------
// Data Frame — cmd:u8, seq:u16, size:u16, payload:128B
// -------------------------------------------------------------------------

// DataFrame carries one chunk of a File or Model transfer. Size is the
// number of meaningful payload bytes; the remainder of Payload is padding.
type DataFrame struct {
	Cmd     Command
	Seq     uint16
	Size    uint16
	Payload [ChunkSize]byte
}

// NewDataFrame builds a Data frame for the given chunk, padding short
// chunks with PadByte.
func NewDataFrame(cmd Command, seq uint16, chunk []byte) (DataFrame, error) {
	if len(chunk) > ChunkSize {
		return DataFrame{}, fmt.Errorf("%w: %d bytes", ErrOversizePayload, len(chunk))
	}
	f := DataFrame{Cmd: cmd, Seq: seq, Size: uint16(len(chunk))}
	copy(f.Payload[:], chunk)
	for i := len(chunk); i < ChunkSize; i++ {
		f.Payload[i] = PadByte
	}
	return f, nil
}

// Chunk returns the meaningful payload bytes, without padding.
func (f *DataFrame) Chunk() []byte {
	n := int(f.Size)
	if n > ChunkSize {
		n = ChunkSize
	}
	return f.Payload[:n]
}

// MarshalData encodes f into buf and returns the bytes written.
func MarshalData(f *DataFrame, buf []byte) (int, error) {
	if len(buf) < DataFrameSize {
		return 0, ErrShortBuffer
	}
	if f.Size > ChunkSize {
		return 0, fmt.Errorf("%w: size=%d", ErrSizeMismatch, f.Size)
	}
	buf[0] = byte(f.Cmd)
	binary.LittleEndian.PutUint16(buf[1:3], f.Seq)
	binary.LittleEndian.PutUint16(buf[3:5], f.Size)
	copy(buf[5:DataFrameSize], f.Payload[:])
	return DataFrameSize, nil
}

// UnmarshalData decodes a Data frame from buf into f.
func UnmarshalData(buf []byte, f *DataFrame) error {
	if len(buf) < DataFrameSize {
		return fmt.Errorf("%w: got %d bytes, need %d", ErrShortFrame, len(buf), DataFrameSize)
	}
	f.Cmd = Command(buf[0])
	f.Seq = binary.LittleEndian.Uint16(buf[1:3])
	f.Size = binary.LittleEndian.Uint16(buf[3:5])
	if f.Size > ChunkSize {
		return fmt.Errorf("%w: size=%d", ErrSizeMismatch, f.Size)
	}
	copy(f.Payload[:], buf[5:DataFrameSize])
	return nil
}

// -------------------------------------------------------------------------
// Frame Pool
// -------------------------------------------------------------------------

// FramePool provides reusable buffers for frame encode/decode on the hot
// path. Buffers are MaxFrameSize bytes.
//
// Usage:
//
//	bufPtr := packet.FramePool.Get().(*[]byte)
//	defer packet.FramePool.Put(bufPtr)
//	buf := *bufPtr
var FramePool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxFrameSize)
		return &buf
	},
}
