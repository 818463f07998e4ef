package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus = "org.bluez"

	adapterIface = "org.bluez.Adapter1"
	deviceIface  = "org.bluez.Device1"
	charIface    = "org.bluez.GattCharacteristic1"
	propsIface   = "org.freedesktop.DBus.Properties"
	objMgrIface  = "org.freedesktop.DBus.ObjectManager"

	errNotConnected = "org.bluez.Error.NotConnected"

	// How often the connect path polls ServicesResolved.
	resolvePollInterval = 200 * time.Millisecond

	defaultScanWindow = 10 * time.Second
)

// managedObjects mirrors the ObjectManager.GetManagedObjects reply shape.
type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// -------------------------------------------------------------------------
// BlueZTransport — Transport backed by the BlueZ system D-Bus API
// -------------------------------------------------------------------------

// BlueZTransport implements Transport against org.bluez. One transport
// owns one adapter (hci0 by default) and a single dispatch goroutine
// that fans incoming GATT notifications out to subscribers.
type BlueZTransport struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
	logger      *slog.Logger

	signals chan *dbus.Signal

	mu       sync.Mutex
	handlers map[dbus.ObjectPath]func([]byte)
	closed   bool
}

// NewBlueZTransport connects to the system bus and binds the named
// adapter ("hci0"). The adapter must be present and powered.
func NewBlueZTransport(adapter string, logger *slog.Logger) (*BlueZTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: system bus: %v", ErrLink, err)
	}

	t := &BlueZTransport{
		conn:        conn,
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapter),
		logger:      logger.With(slog.String("component", "ble.bluez")),
		signals:     make(chan *dbus.Signal, 64),
		handlers:    make(map[dbus.ObjectPath]func([]byte)),
	}

	powered, err := t.conn.Object(bluezBus, t.adapterPath).
		GetProperty(adapterIface + ".Powered")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: adapter %s: %v", ErrNotFound, adapter, err)
	}
	if on, ok := powered.Value().(bool); !ok || !on {
		conn.Close()
		return nil, fmt.Errorf("%w: adapter %s is not powered", ErrLink, adapter)
	}

	conn.Signal(t.signals)
	go t.dispatch()

	return t, nil
}

// dispatch routes GATT Value change signals to registered handlers.
// It exits when Close removes and closes the signal channel.
func (t *BlueZTransport) dispatch() {
	for sig := range t.signals {
		if sig.Name != propsIface+".PropertiesChanged" || len(sig.Body) < 2 {
			continue
		}
		iface, _ := sig.Body[0].(string)
		if iface != charIface {
			continue
		}
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		variant, ok := changed["Value"]
		if !ok {
			continue
		}
		value, ok := variant.Value().([]byte)
		if !ok {
			continue
		}

		t.mu.Lock()
		fn := t.handlers[sig.Path]
		t.mu.Unlock()
		if fn != nil {
			fn(value)
		}
	}
}

// Scan implements Transport.Scan with one StartDiscovery/StopDiscovery
// round on the adapter. Devices BlueZ already knows about are included,
// so repeated scans keep seeing nodes that stopped advertising.
func (t *BlueZTransport) Scan(ctx context.Context, filter ScanFilter) ([]Advertisement, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	adapter := t.conn.Object(bluezBus, t.adapterPath)

	opts := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
	}
	if filter.ServiceUUID != "" {
		opts["UUIDs"] = dbus.MakeVariant([]string{filter.ServiceUUID})
	}
	if err := adapter.CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, opts).Err; err != nil {
		return nil, fmt.Errorf("%w: set discovery filter: %v", ErrLink, err)
	}
	if err := adapter.CallWithContext(ctx, adapterIface+".StartDiscovery", 0).Err; err != nil {
		return nil, fmt.Errorf("%w: start discovery: %v", ErrLink, err)
	}
	defer func() {
		if err := adapter.Call(adapterIface+".StopDiscovery", 0).Err; err != nil {
			t.logger.Warn("stop discovery failed", slog.Any("error", err))
		}
	}()

	window := filter.Window
	if window <= 0 {
		window = defaultScanWindow
	}
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	objs, err := t.managedObjects(ctx)
	if err != nil {
		return nil, err
	}

	var found []Advertisement
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !strings.HasPrefix(string(path), string(t.adapterPath)) {
			continue
		}
		adv := advertisementFromProps(props)
		if filter.NamePrefix != "" && !strings.HasPrefix(adv.Name, filter.NamePrefix) {
			continue
		}
		found = append(found, adv)
	}
	return found, nil
}

// Connect implements Transport.Connect. It returns once BlueZ reports
// the peer's GATT database as resolved.
func (t *BlueZTransport) Connect(ctx context.Context, addr string) (Device, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	path := t.devicePath(addr)
	obj := t.conn.Object(bluezBus, path)
	if err := obj.CallWithContext(ctx, deviceIface+".Connect", 0).Err; err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", ErrLink, addr, err)
	}
	if err := t.waitResolved(ctx, obj); err != nil {
		obj.Call(deviceIface+".Disconnect", 0)
		return nil, err
	}

	return &bluezDevice{transport: t, path: path, addr: addr}, nil
}

// Close shuts the transport down and stops the dispatch goroutine.
func (t *BlueZTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.conn.RemoveSignal(t.signals)
	close(t.signals)
	return t.conn.Close()
}

func (t *BlueZTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *BlueZTransport) devicePath(addr string) dbus.ObjectPath {
	slug := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return dbus.ObjectPath(string(t.adapterPath) + "/dev_" + slug)
}

func (t *BlueZTransport) waitResolved(ctx context.Context, obj dbus.BusObject) error {
	tick := time.NewTicker(resolvePollInterval)
	defer tick.Stop()
	for {
		v, err := obj.GetProperty(deviceIface + ".ServicesResolved")
		if err == nil {
			if resolved, ok := v.Value().(bool); ok && resolved {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: resolve services: %v", ErrLink, ctx.Err())
		case <-tick.C:
		}
	}
}

func (t *BlueZTransport) managedObjects(ctx context.Context) (managedObjects, error) {
	var objs managedObjects
	root := t.conn.Object(bluezBus, "/")
	err := root.CallWithContext(ctx, objMgrIface+".GetManagedObjects", 0).Store(&objs)
	if err != nil {
		return nil, fmt.Errorf("%w: managed objects: %v", ErrLink, err)
	}
	return objs, nil
}

func advertisementFromProps(props map[string]dbus.Variant) Advertisement {
	var adv Advertisement
	if v, ok := props["Address"]; ok {
		adv.Addr, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		adv.Name, _ = v.Value().(string)
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			adv.RSSI = rssi
		}
	}
	if v, ok := props["UUIDs"]; ok {
		if uuids, ok := v.Value().([]string); ok {
			for _, u := range uuids {
				adv.UUIDs = append(adv.UUIDs, strings.ToLower(u))
			}
		}
	}
	return adv
}

// -------------------------------------------------------------------------
// bluezDevice / bluezChar — GATT objects under a connected device
// -------------------------------------------------------------------------

type bluezDevice struct {
	transport *BlueZTransport
	path      dbus.ObjectPath
	addr      string
}

func (d *bluezDevice) Addr() string { return d.addr }

// Characteristic walks the managed object tree under the device path
// for a characteristic with the given UUID.
func (d *bluezDevice) Characteristic(uuid string) (Characteristic, error) {
	objs, err := d.transport.managedObjects(context.Background())
	if err != nil {
		return nil, err
	}

	want := strings.ToLower(uuid)
	for path, ifaces := range objs {
		props, ok := ifaces[charIface]
		if !ok || !strings.HasPrefix(string(path), string(d.path)) {
			continue
		}
		v, ok := props["UUID"]
		if !ok {
			continue
		}
		if got, _ := v.Value().(string); strings.ToLower(got) == want {
			return &bluezChar{transport: d.transport, path: path, uuid: want}, nil
		}
	}
	return nil, fmt.Errorf("%w: characteristic %s on %s", ErrNotFound, uuid, d.addr)
}

func (d *bluezDevice) Disconnect() error {
	obj := d.transport.conn.Object(bluezBus, d.path)
	if err := obj.Call(deviceIface+".Disconnect", 0).Err; err != nil {
		var derr dbus.Error
		if errors.As(err, &derr) && derr.Name == errNotConnected {
			return nil
		}
		return fmt.Errorf("%w: disconnect %s: %v", ErrLink, d.addr, err)
	}
	return nil
}

type bluezChar struct {
	transport *BlueZTransport
	path      dbus.ObjectPath
	uuid      string
}

func (c *bluezChar) UUID() string { return c.uuid }

func (c *bluezChar) Read(ctx context.Context) ([]byte, error) {
	obj := c.transport.conn.Object(bluezBus, c.path)
	var value []byte
	err := obj.CallWithContext(ctx, charIface+".ReadValue", 0,
		map[string]dbus.Variant{}).Store(&value)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrLink, c.uuid, err)
	}
	return value, nil
}

func (c *bluezChar) Write(ctx context.Context, value []byte) error {
	obj := c.transport.conn.Object(bluezBus, c.path)
	err := obj.CallWithContext(ctx, charIface+".WriteValue", 0,
		value, map[string]dbus.Variant{}).Err
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrLink, c.uuid, err)
	}
	return nil
}

func (c *bluezChar) Notify(fn func(value []byte)) (func(), error) {
	t := c.transport
	matchOpts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(c.path),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := t.conn.AddMatchSignal(matchOpts...); err != nil {
		return nil, fmt.Errorf("%w: add match %s: %v", ErrLink, c.uuid, err)
	}

	t.mu.Lock()
	t.handlers[c.path] = fn
	t.mu.Unlock()

	obj := t.conn.Object(bluezBus, c.path)
	if err := obj.Call(charIface+".StartNotify", 0).Err; err != nil {
		t.mu.Lock()
		delete(t.handlers, c.path)
		t.mu.Unlock()
		t.conn.RemoveMatchSignal(matchOpts...)
		return nil, fmt.Errorf("%w: start notify %s: %v", ErrLink, c.uuid, err)
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.handlers, c.path)
			t.mu.Unlock()
			if err := obj.Call(charIface+".StopNotify", 0).Err; err != nil {
				t.logger.Debug("stop notify failed",
					slog.String("uuid", c.uuid), slog.Any("error", err))
			}
			t.conn.RemoveMatchSignal(matchOpts...)
		})
	}
	return stop, nil
}
