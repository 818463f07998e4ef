package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// -------------------------------------------------------------------------
// Inference Frame — flag:u8, signal:u8, room:u8, 5×f32, clear:u8, 20×i8
// -------------------------------------------------------------------------

// InferenceFrameSize is the wire size of an inference/rawdata frame.
const InferenceFrameSize = 3 + 5*4 + 1 + 20

// LogitCount is the number of quantized sound-class logits per frame.
const LogitCount = 20

// InferenceFrame is the fixed rawdata struct a node emits on its inference
// characteristic. Flag==1 marks a presence signal (Signal is ENTER or EXIT
// and Room the originating unit-space code); any other flag is telemetry
// destined for persistence.
type InferenceFrame struct {
	Flag   uint8
	Signal uint8
	Room   uint8
	Press  float32
	Temp   float32
	Humid  float32
	GasRaw float32
	IAQ    float32
	Clear  uint8
	Logits [LogitCount]int8
}

// ErrBadInference indicates an inference frame that does not match the
// fixed layout.
var ErrBadInference = errors.New("packet: malformed inference frame")

// DecodeInference decodes an inference/rawdata frame.
func DecodeInference(buf []byte) (InferenceFrame, error) {
	var f InferenceFrame
	if len(buf) < InferenceFrameSize {
		return f, fmt.Errorf("%w: got %d bytes, need %d", ErrBadInference, len(buf), InferenceFrameSize)
	}
	f.Flag = buf[0]
	f.Signal = buf[1]
	f.Room = buf[2]
	f.Press = math.Float32frombits(binary.LittleEndian.Uint32(buf[3:7]))
	f.Temp = math.Float32frombits(binary.LittleEndian.Uint32(buf[7:11]))
	f.Humid = math.Float32frombits(binary.LittleEndian.Uint32(buf[11:15]))
	f.GasRaw = math.Float32frombits(binary.LittleEndian.Uint32(buf[15:19]))
	f.IAQ = math.Float32frombits(binary.LittleEndian.Uint32(buf[19:23]))
	f.Clear = buf[23]
	for i := range LogitCount {
		f.Logits[i] = int8(buf[24+i])
	}
	return f, nil
}

// DequantLogit maps a quantized int8 logit back to [0,1).
func DequantLogit(x int8) float32 {
	return (float32(x) + 128) / 256
}

// -------------------------------------------------------------------------
// Environment Frame — 9×f32, clear:u8
// -------------------------------------------------------------------------

// EnvValueCount is the number of float fields in an environment frame:
// press, temp, humid, gas_raw, iaq, s_iaq, eco2, bvoc, gas_percent.
const EnvValueCount = 9

// EnvFrameSize is the wire size of an environment frame.
const EnvFrameSize = EnvValueCount*4 + 1

// ErrBadEnvironment indicates an environment frame of the wrong size.
var ErrBadEnvironment = errors.New("packet: malformed environment frame")

// DecodeEnvironment decodes an environment frame into its nine float
// readings and the sensor-clear flag.
func DecodeEnvironment(buf []byte) ([EnvValueCount]float32, uint8, error) {
	var vals [EnvValueCount]float32
	if len(buf) < EnvFrameSize {
		return vals, 0, fmt.Errorf("%w: got %d bytes, need %d", ErrBadEnvironment, len(buf), EnvFrameSize)
	}
	for i := range EnvValueCount {
		vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4 : i*4+4]))
	}
	return vals, buf[EnvValueCount*4], nil
}

// -------------------------------------------------------------------------
// Sound Feature Frame — cmd:u8, seq:u16, 48×f16
// -------------------------------------------------------------------------

// FeatureValueCount is the number of half-precision values per feature
// frame.
const FeatureValueCount = 48

// FeatureFrameSize is the wire size of a feature-data frame.
const FeatureFrameSize = 1 + 2 + FeatureValueCount*2

// FeatureFrame carries one vector of sound features during on-device
// feature collection. Values are IEEE 754 half-precision, kept as raw
// bits until conversion.
type FeatureFrame struct {
	Cmd    Command
	Seq    uint16
	Values [FeatureValueCount]uint16
}

// ErrBadFeature indicates a feature frame of the wrong size.
var ErrBadFeature = errors.New("packet: malformed feature frame")

// UnmarshalFeature decodes a feature-data frame from buf into f.
func UnmarshalFeature(buf []byte, f *FeatureFrame) error {
	if len(buf) < FeatureFrameSize {
		return fmt.Errorf("%w: got %d bytes, need %d", ErrBadFeature, len(buf), FeatureFrameSize)
	}
	f.Cmd = Command(buf[0])
	f.Seq = binary.LittleEndian.Uint16(buf[1:3])
	for i := range FeatureValueCount {
		f.Values[i] = binary.LittleEndian.Uint16(buf[3+i*2 : 5+i*2])
	}
	return nil
}

// Float32s converts the half-precision values to float32.
func (f *FeatureFrame) Float32s() [FeatureValueCount]float32 {
	var out [FeatureValueCount]float32
	for i, h := range f.Values {
		out[i] = float16to32(h)
	}
	return out
}

// float16to32 expands an IEEE 754 binary16 value to float32.
func float16to32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h >> 10 & 0x1F)
	frac := uint32(h & 0x3FF)

	switch exp {
	case 0:
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		// subnormal: renormalize
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3FF
		return math.Float32frombits(sign | e<<23 | frac<<13)
	case 0x1F:
		return math.Float32frombits(sign | 0xFF<<23 | frac<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | frac<<13)
	}
}

// -------------------------------------------------------------------------
// Clock Sync — year:u16, month,day,hour,min,sec,weekday:u8
// -------------------------------------------------------------------------

// TimeSyncSize is the wire size of a clock-sync write.
const TimeSyncSize = 8

// EncodeTimeSync packs a wall-clock moment for the device current-time
// characteristic. Weekday is ISO (Monday=1, Sunday=7).
func EncodeTimeSync(t time.Time) []byte {
	buf := make([]byte, TimeSyncSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(t.Year()))
	buf[2] = uint8(t.Month())
	buf[3] = uint8(t.Day())
	buf[4] = uint8(t.Hour())
	buf[5] = uint8(t.Minute())
	buf[6] = uint8(t.Second())
	wd := uint8(t.Weekday())
	if wd == 0 {
		wd = 7
	}
	buf[7] = wd
	return buf
}
