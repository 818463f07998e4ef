// Package identity maintains the authoritative table of known DEAN nodes:
// canonical MAC to last-known relay address, device type, operator-assigned
// name and location, last-seen timestamp and connected flag. The table is
// the single source of truth for routing a logical command to a physical
// session.
package identity

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/slimhive/slimhub/internal/packet"
)

var (
	// ErrUnknownDean indicates a lookup for a MAC with no table entry.
	ErrUnknownDean = errors.New("identity: unknown DEAN")
)

// Entry is one row of the table. Mac is immutable after creation; Name and
// Location are only overwritten by explicit configuration, never by
// observation.
type Entry struct {
	Mac          packet.Mac
	RelayAddress string
	DeviceType   string
	Name         string
	Location     string
	LastSeen     time.Time
	Connected    bool
}

// Table maps canonical MACs to entries. Reads on the dispatch path go
// through the same mutex; cross-goroutine consumers take snapshots via
// Entries.
type Table struct {
	mu      sync.RWMutex
	entries map[packet.Mac]*Entry
	now     func() time.Time
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		entries: make(map[packet.Mac]*Entry),
		now:     time.Now,
	}
}

// Observe upserts the entry for mac from a received frame: relay address,
// device type, last-seen and connected are refreshed on every observation;
// location is only filled when the entry has none. Returns a copy of the
// resulting entry.
func (t *Table) Observe(mac packet.Mac, relay, deviceType, locationHint string) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[mac]
	if !ok {
		e = &Entry{Mac: mac}
		t.entries[mac] = e
	}
	if relay != "" {
		e.RelayAddress = relay
	}
	if deviceType != "" {
		e.DeviceType = deviceType
	}
	if e.Location == "" && locationHint != "" {
		e.Location = locationHint
	}
	e.LastSeen = t.now()
	e.Connected = true
	return *e
}

// Ensure is Observe for a formatted MAC string.
func (t *Table) Ensure(macStr, relay, deviceType, locationHint string) (Entry, error) {
	mac, err := packet.ParseMac(macStr)
	if err != nil {
		return Entry{}, fmt.Errorf("identity: ensure: %w", err)
	}
	return t.Observe(mac, relay, deviceType, locationHint), nil
}

// ParseUpstream strips the MAC envelope from an upstream frame, observes
// the originator and returns the entry plus the service payload. Frames
// shorter than the envelope yield an error and no table mutation.
func (t *Table) ParseUpstream(frame []byte, relay, deviceType, locationHint string) (Entry, []byte, error) {
	mac, payload, err := packet.ParseUpstream(frame)
	if err != nil {
		return Entry{}, nil, err
	}
	return t.Observe(mac, relay, deviceType, locationHint), payload, nil
}

// BuildDownstream prefixes payload with the target MAC.
func (t *Table) BuildDownstream(mac packet.Mac, payload []byte) []byte {
	return packet.BuildDownstream(mac, payload)
}

// Configure sets the operator-assigned name or location for mac. Unlike
// Observe it overwrites unconditionally.
func (t *Table) Configure(mac packet.Mac, name, location string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[mac]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDean, mac)
	}
	if name != "" {
		e.Name = name
	}
	if location != "" {
		e.Location = location
	}
	return nil
}

// RelayFor returns the last-known relay address for mac.
func (t *Table) RelayFor(mac packet.Mac) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[mac]
	if !ok || e.RelayAddress == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownDean, mac)
	}
	return e.RelayAddress, nil
}

// Lookup returns a copy of the entry for mac.
func (t *Table) Lookup(mac packet.Mac) (Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[mac]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownDean, mac)
	}
	return *e, nil
}

// Entries returns a point-in-time snapshot sorted by MAC display form.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Mac.String() < out[j].Mac.String()
	})
	return out
}

// MarkDisconnected clears the connected flag on every entry routed through
// relay. Called from session teardown.
func (t *Table) MarkDisconnected(relay string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		if e.RelayAddress == relay {
			e.Connected = false
		}
	}
}

// RefreshConnected clears the connected flag on entries not seen within
// timeout.
func (t *Table) RefreshConnected(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-timeout)
	for _, e := range t.entries {
		if e.Connected && e.LastSeen.Before(cutoff) {
			e.Connected = false
		}
	}
}
