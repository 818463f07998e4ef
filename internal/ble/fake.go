package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// -------------------------------------------------------------------------
// FakeTransport — in-memory Transport for tests
// -------------------------------------------------------------------------

// FakeTransport implements Transport without a radio. Tests register
// devices and advertisements up front and inject notifications through
// FakeCharacteristic.Push. Scan returns immediately regardless of the
// filter window.
type FakeTransport struct {
	mu          sync.Mutex
	ads         []Advertisement
	devices     map[string]*FakeDevice
	connectFail map[string]int
	closed      bool
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		devices:     make(map[string]*FakeDevice),
		connectFail: make(map[string]int),
	}
}

// AddAdvertisement makes adv visible to subsequent scans.
func (t *FakeTransport) AddAdvertisement(adv Advertisement) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ads = append(t.ads, adv)
}

// AddDevice registers a connectable device.
func (t *FakeTransport) AddDevice(d *FakeDevice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.devices[d.addr] = d
}

// FailConnects makes the next n Connect calls for addr fail with ErrLink.
func (t *FakeTransport) FailConnects(addr string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectFail[addr] = n
}

func (t *FakeTransport) Scan(ctx context.Context, filter ScanFilter) ([]Advertisement, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var found []Advertisement
	for _, adv := range t.ads {
		if filter.NamePrefix != "" && !strings.HasPrefix(adv.Name, filter.NamePrefix) {
			continue
		}
		found = append(found, adv)
	}
	return found, nil
}

func (t *FakeTransport) Connect(ctx context.Context, addr string) (Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n := t.connectFail[addr]; n > 0 {
		t.connectFail[addr] = n - 1
		return nil, fmt.Errorf("%w: connect %s refused", ErrLink, addr)
	}

	d, ok := t.devices[addr]
	if !ok {
		return nil, fmt.Errorf("%w: device %s", ErrNotFound, addr)
	}
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	return d, nil
}

func (t *FakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// -------------------------------------------------------------------------
// FakeDevice
// -------------------------------------------------------------------------

// FakeDevice is one connectable peer with a fixed characteristic set.
type FakeDevice struct {
	mu        sync.Mutex
	addr      string
	chars     map[string]*FakeCharacteristic
	connected bool
}

func NewFakeDevice(addr string) *FakeDevice {
	return &FakeDevice{
		addr:  addr,
		chars: make(map[string]*FakeCharacteristic),
	}
}

// AddCharacteristic registers a characteristic and returns its handle
// so the test can seed values and inspect writes.
func (d *FakeDevice) AddCharacteristic(uuid string) *FakeCharacteristic {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &FakeCharacteristic{uuid: strings.ToLower(uuid), subs: make(map[int]func([]byte))}
	d.chars[c.uuid] = c
	return c
}

func (d *FakeDevice) Addr() string { return d.addr }

func (d *FakeDevice) Characteristic(uuid string) (Characteristic, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.chars[strings.ToLower(uuid)]
	if !ok {
		return nil, fmt.Errorf("%w: characteristic %s on %s", ErrNotFound, uuid, d.addr)
	}
	return c, nil
}

func (d *FakeDevice) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

// Connected reports whether the device currently holds a link.
func (d *FakeDevice) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// -------------------------------------------------------------------------
// FakeCharacteristic
// -------------------------------------------------------------------------

// FakeCharacteristic records writes, serves a seeded read value, and
// fans injected notifications out to subscribers.
type FakeCharacteristic struct {
	mu       sync.Mutex
	uuid     string
	value    []byte
	readErr  error
	writeErr error
	writes   [][]byte
	subs     map[int]func([]byte)
	nextSub  int
}

func (c *FakeCharacteristic) UUID() string { return c.uuid }

// SetValue seeds the value returned by Read.
func (c *FakeCharacteristic) SetValue(v []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = append([]byte(nil), v...)
}

// FailReads makes Read return err until cleared with nil.
func (c *FakeCharacteristic) FailReads(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
}

// FailWrites makes Write return err until cleared with nil.
func (c *FakeCharacteristic) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *FakeCharacteristic) Read(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.readErr != nil {
		return nil, c.readErr
	}
	return append([]byte(nil), c.value...), nil
}

func (c *FakeCharacteristic) Write(ctx context.Context, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), value...))
	return nil
}

func (c *FakeCharacteristic) Notify(fn func(value []byte)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn

	var once sync.Once
	stop := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
		})
	}
	return stop, nil
}

// Push delivers a notification to every subscriber, synchronously.
func (c *FakeCharacteristic) Push(value []byte) {
	c.mu.Lock()
	fns := make([]func([]byte), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(append([]byte(nil), value...))
	}
}

// Writes returns a copy of everything written so far.
func (c *FakeCharacteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	for i, w := range c.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// Subscribers reports the number of active notification subscriptions.
func (c *FakeCharacteristic) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
