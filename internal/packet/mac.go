package packet

import (
	"errors"
	"fmt"
	"strings"
)

// -------------------------------------------------------------------------
// Canonical MAC
// -------------------------------------------------------------------------

// Mac is the 6-byte canonical node identifier. It is a value type and
// compares by raw bytes; String formats it uppercase colon-separated.
type Mac [MacLen]byte

var (
	// ErrBadMac indicates a MAC string that does not parse to 6 bytes.
	ErrBadMac = errors.New("packet: malformed MAC address")

	// ErrNoEnvelope indicates an upstream frame shorter than the 6-byte
	// MAC prefix.
	ErrNoEnvelope = errors.New("packet: frame shorter than MAC envelope")
)

// String returns the display form, e.g. "AA:BB:CC:DD:EE:01".
func (m Mac) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsZero reports whether the MAC is all zeroes.
func (m Mac) IsZero() bool {
	return m == Mac{}
}

// ParseMac parses a MAC in colon, hyphen or bare-hex form.
func ParseMac(s string) (Mac, error) {
	var m Mac
	clean := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	if len(clean) != MacLen*2 {
		return m, fmt.Errorf("%w: %q", ErrBadMac, s)
	}
	for i := range MacLen {
		hi, ok1 := hexNibble(clean[2*i])
		lo, ok2 := hexNibble(clean[2*i+1])
		if !ok1 || !ok2 {
			return m, fmt.Errorf("%w: %q", ErrBadMac, s)
		}
		m[i] = hi<<4 | lo
	}
	return m, nil
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// MacFromBytes copies the first 6 bytes of b into a Mac.
func MacFromBytes(b []byte) (Mac, error) {
	var m Mac
	if len(b) < MacLen {
		return m, fmt.Errorf("%w: got %d bytes", ErrBadMac, len(b))
	}
	copy(m[:], b[:MacLen])
	return m, nil
}

// -------------------------------------------------------------------------
// Envelope
// -------------------------------------------------------------------------

// ParseUpstream splits an upstream frame into its originator MAC and the
// service-specific payload. The returned payload aliases buf.
func ParseUpstream(buf []byte) (Mac, []byte, error) {
	var m Mac
	if len(buf) < MacLen {
		return m, nil, fmt.Errorf("%w: got %d bytes", ErrNoEnvelope, len(buf))
	}
	copy(m[:], buf[:MacLen])
	return m, buf[MacLen:], nil
}

// BuildDownstream prefixes payload with the target MAC. The result is
// exactly MacLen+len(payload) bytes.
func BuildDownstream(mac Mac, payload []byte) []byte {
	out := make([]byte, MacLen+len(payload))
	copy(out, mac[:])
	copy(out[MacLen:], payload)
	return out
}
