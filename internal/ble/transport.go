package ble

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the BLE link layer. Callers that need to
// distinguish a dead link from a protocol problem match on ErrLink.
var (
	// ErrLink indicates the radio link failed: connect refused, GATT
	// operation timed out, or the peer dropped the connection.
	ErrLink = errors.New("ble: link failure")

	// ErrNotFound indicates a requested device or characteristic does
	// not exist on the remote GATT database.
	ErrNotFound = errors.New("ble: not found")

	// ErrClosed indicates the transport has been shut down.
	ErrClosed = errors.New("ble: transport closed")
)

// Advertisement describes one device seen during a scan window.
type Advertisement struct {
	// Addr is the peer hardware address in AA:BB:CC:DD:EE:FF form.
	Addr string

	// Name is the advertised local name, empty when not broadcast.
	Name string

	// RSSI is the received signal strength in dBm.
	RSSI int16

	// UUIDs lists the advertised service UUIDs, lowercase.
	UUIDs []string
}

// ScanFilter narrows a discovery pass.
type ScanFilter struct {
	// NamePrefix keeps only devices whose advertised name starts with
	// the prefix. Empty means no name filtering.
	NamePrefix string

	// ServiceUUID keeps only devices advertising the given service.
	// Empty means no UUID filtering.
	ServiceUUID string

	// Window bounds how long the scan runs.
	Window time.Duration
}

// Transport is the entry point to the BLE stack.
//
// This interface decouples the session layer from BlueZ so the
// connection machinery can be driven against the in-memory fake.
type Transport interface {
	// Scan performs one discovery pass and returns every device that
	// matched the filter. Scan blocks for the filter window unless ctx
	// is cancelled first.
	Scan(ctx context.Context, filter ScanFilter) ([]Advertisement, error)

	// Connect establishes a link to the device with the given hardware
	// address and waits until its GATT database is resolved.
	Connect(ctx context.Context, addr string) (Device, error)

	// Close tears down the transport. Open devices become unusable.
	Close() error
}

// Device is one connected peer.
type Device interface {
	// Addr returns the peer hardware address.
	Addr() string

	// Characteristic resolves a GATT characteristic by UUID.
	Characteristic(uuid string) (Characteristic, error)

	// Disconnect drops the link. Safe to call more than once.
	Disconnect() error
}

// Characteristic is one GATT characteristic on a connected device.
type Characteristic interface {
	// UUID returns the characteristic UUID, lowercase.
	UUID() string

	// Read fetches the current value from the peer.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a value to the peer and waits for the response.
	Write(ctx context.Context, value []byte) error

	// Notify subscribes to value changes. fn runs on the transport's
	// dispatch goroutine and must not block. The returned stop function
	// cancels the subscription and is safe to call more than once.
	Notify(fn func(value []byte)) (stop func(), err error)
}
