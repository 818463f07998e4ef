package dean

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slimhive/slimhub/internal/ble"
	"github.com/slimhive/slimhub/internal/identity"
	"github.com/slimhive/slimhub/internal/packet"
	"github.com/slimhive/slimhub/internal/presence"
	"github.com/slimhive/slimhub/internal/transfer"
	"github.com/slimhive/slimhub/internal/workers"
)

// Sentinel errors for session operations.
var (
	// ErrNotConnected indicates the session has no live link.
	ErrNotConnected = errors.New("dean: session not connected")

	// ErrUnknownService indicates a service/characteristic pair outside
	// the catalog.
	ErrUnknownService = errors.New("dean: unknown service or characteristic")

	// ErrConnectExhausted indicates the connect retry budget ran out.
	ErrConnectExhausted = errors.New("dean: connect attempts exhausted")
)

const (
	connectAttempts  = 3
	connectBackoff   = 2 * time.Second
	enumerateTimeout = 1 * time.Second
	enumeratePoll    = 100 * time.Millisecond

	// Slow radios miss subscriptions fired back to back.
	subscribeDelay = 200 * time.Millisecond

	notifyChSize = 64
)

// MetricsReporter receives session-level events. All methods must be
// cheap and non-blocking.
type MetricsReporter interface {
	SessionUp(addr string)
	SessionDown(addr string)
	FrameReceived(service, char string)
	FrameDropped(reason string)
	TransferTransition(from, to string)
}

type noopMetrics struct{}

func (noopMetrics) SessionUp(string)                  {}
func (noopMetrics) SessionDown(string)                {}
func (noopMetrics) FrameReceived(string, string)      {}
func (noopMetrics) FrameDropped(string)               {}
func (noopMetrics) TransferTransition(string, string) {}

// Queues bundles the worker queues a session feeds.
type Queues struct {
	Sound *workers.Queue
	Data  *workers.Queue
	Log   *workers.Queue
}

// SessionConfig carries the per-session parameters.
type SessionConfig struct {
	// Addr is the relay address of the connected node.
	Addr string

	// EnableMap maps service name → mode; nil means DefaultEnableMap.
	EnableMap map[string]string
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithSessionMetrics attaches a metrics reporter.
func WithSessionMetrics(mr MetricsReporter) SessionOption {
	return func(s *Session) { s.metrics = mr }
}

// WithSessionClock overrides wall-clock reads, for tests.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// -------------------------------------------------------------------------
// Session — one connected DEAN node
// -------------------------------------------------------------------------

// Session owns the link to one node: its characteristic handles, its
// notification subscriptions and its per-destination transfer engines.
//
// Notification callbacks enqueue into an internal channel; Run drains it
// on a single goroutine so dispatch for one node is strictly ordered.
// Command-plane writes may run concurrently with dispatch.
type Session struct {
	addr   string
	enable map[string]string

	transport ble.Transport
	ids       *identity.Table
	tracker   *presence.Tracker
	store     *ConfigStore
	queues    Queues
	metrics   MetricsReporter
	logger    *slog.Logger
	now       func() time.Time

	notifyCh chan notifyItem
	dropped  atomic.Uint64
	done     chan struct{}
	downOnce sync.Once

	mu         sync.Mutex
	device     ble.Device
	chars      map[string]ble.Characteristic
	subs       map[string]func()
	engines    map[engineKey]*transfer.Engine
	connected  bool
	deviceType string
	name       string
	location   string
}

type engineKey struct {
	mac    packet.Mac
	stream transfer.Stream
}

type notifyItem struct {
	service string
	char    string
	payload []byte
}

// NewSession builds a session for one relay address. Start must be
// called before Run.
func NewSession(
	cfg SessionConfig,
	transport ble.Transport,
	ids *identity.Table,
	tracker *presence.Tracker,
	store *ConfigStore,
	queues Queues,
	logger *slog.Logger,
	opts ...SessionOption,
) *Session {
	enable := cfg.EnableMap
	if enable == nil {
		enable = DefaultEnableMap()
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		addr:      cfg.Addr,
		enable:    enable,
		transport: transport,
		ids:       ids,
		tracker:   tracker,
		store:     store,
		queues:    queues,
		metrics:   noopMetrics{},
		logger:    logger.With(slog.String("component", "dean.session"), slog.String("addr", cfg.Addr)),
		now:       time.Now,
		notifyCh:  make(chan notifyItem, notifyChSize),
		done:      make(chan struct{}),
		chars:     make(map[string]ble.Characteristic),
		subs:      make(map[string]func()),
		engines:   make(map[engineKey]*transfer.Engine),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Addr returns the relay address.
func (s *Session) Addr() string { return s.addr }

// Connected reports whether the link is live.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Info returns the node identity read during setup.
func (s *Session) Info() (deviceType, name, location string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceType, s.name, s.location
}

// DroppedFrames reports notifications discarded under backpressure.
func (s *Session) DroppedFrames() uint64 { return s.dropped.Load() }

// -------------------------------------------------------------------------
// Lifecycle
// -------------------------------------------------------------------------

// Start connects and prepares the node: link-up with retry, service
// enumeration, config push-or-read, clock sync, then subscription of
// every enabled characteristic.
func (s *Session) Start(ctx context.Context) error {
	dev, err := s.connectWithRetry(ctx)
	if err != nil {
		return err
	}

	if err := s.setup(ctx, dev); err != nil {
		dev.Disconnect()
		return err
	}

	s.mu.Lock()
	s.device = dev
	s.connected = true
	s.mu.Unlock()

	// The session's own node is addressable by its relay address.
	if _, err := s.ids.Ensure(s.addr, s.addr, s.deviceTypeLocked(), s.locationLocked()); err != nil {
		s.logger.Warn("identity register failed", slog.Any("error", err))
	}

	s.metrics.SessionUp(s.addr)
	s.logger.Info("session up",
		slog.String("type", s.deviceTypeLocked()),
		slog.String("location", s.locationLocked()))
	return nil
}

func (s *Session) deviceTypeLocked() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceType
}

func (s *Session) locationLocked() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

func (s *Session) connectWithRetry(ctx context.Context) (ble.Device, error) {
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		dev, err := s.transport.Connect(ctx, s.addr)
		if err == nil {
			return dev, nil
		}
		lastErr = err
		s.logger.Warn("connect failed",
			slog.Int("attempt", attempt), slog.Any("error", err))

		if attempt == connectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectBackoff):
		}
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrConnectExhausted, s.addr, lastErr)
}

// setup runs steps 2-5 of the session lifecycle against a fresh device.
func (s *Session) setup(ctx context.Context, dev ble.Device) error {
	if err := s.awaitEnumeration(ctx, dev); err != nil {
		return err
	}
	if err := s.loadConfig(ctx, dev); err != nil {
		return err
	}
	s.syncClock(ctx, dev)
	return s.enableServices(ctx, dev)
}

// awaitEnumeration polls until the node's GATT database is usable.
func (s *Session) awaitEnumeration(ctx context.Context, dev ble.Device) error {
	deadline := time.Now().Add(enumerateTimeout)
	for {
		if _, err := dev.Characteristic(UUIDConfigType); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("dean: %s: service enumeration timed out: %w", s.addr, ble.ErrNotFound)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(enumeratePoll):
		}
	}
}

// loadConfig pushes a persisted config to the node, or reads the node's
// own values and persists them.
func (s *Session) loadConfig(ctx context.Context, dev ble.Device) error {
	readStr := func(char string) (string, error) {
		c, err := s.charOn(dev, SvcConfig, char)
		if err != nil {
			return "", err
		}
		raw, err := c.Read(ctx)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}

	deviceType, err := readStr(CharType)
	if err != nil {
		return fmt.Errorf("dean: %s: read device type: %w", s.addr, err)
	}

	cfg, ok, err := s.store.Load(s.addr)
	if err != nil {
		return err
	}

	var name, location string
	if ok {
		name, location = cfg.Name, cfg.Location
		for char, value := range map[string]string{CharID: name, CharLocation: location} {
			c, err := s.charOn(dev, SvcConfig, char)
			if err != nil {
				return err
			}
			if err := c.Write(ctx, []byte(value)); err != nil {
				return fmt.Errorf("dean: %s: push config %s: %w", s.addr, char, err)
			}
		}
	} else {
		if name, err = readStr(CharID); err != nil {
			return fmt.Errorf("dean: %s: read name: %w", s.addr, err)
		}
		if location, err = readStr(CharLocation); err != nil {
			return fmt.Errorf("dean: %s: read location: %w", s.addr, err)
		}
		err = s.store.Save(NodeConfig{
			Address: s.addr, Type: deviceType, Name: name, Location: location,
		})
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.deviceType = deviceType
	s.name = name
	s.location = location
	s.mu.Unlock()
	return nil
}

// syncClock writes the wall clock to the node's time characteristic.
// Nodes without the characteristic are skipped.
func (s *Session) syncClock(ctx context.Context, dev ble.Device) {
	c, err := s.charOn(dev, SvcConfig, CharTime)
	if err != nil {
		return
	}
	if err := c.Write(ctx, packet.EncodeTimeSync(s.now())); err != nil {
		s.logger.Warn("clock sync failed", slog.Any("error", err))
	}
}

// enableServices subscribes the transfer ack channel plus every
// characteristic the enable map selects.
func (s *Session) enableServices(ctx context.Context, dev ble.Device) error {
	if err := s.subscribeOn(dev, SvcConfig, CharFile); err != nil {
		return err
	}

	services := make([]string, 0, len(s.enable))
	for svc := range s.enable {
		services = append(services, svc)
	}
	sort.Strings(services)

	for _, svc := range services {
		for _, char := range SubscribeChars(svc, s.enable[svc]) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(subscribeDelay):
			}

			if err := s.subscribeOn(dev, svc, char); err != nil {
				// Nodes expose different service subsets; absence is
				// normal, subscribe failures are not.
				if errors.Is(err, ble.ErrNotFound) {
					s.logger.Debug("service absent",
						slog.String("service", svc), slog.String("char", char))
					continue
				}
				return err
			}
		}
	}
	return nil
}

func (s *Session) subscribeOn(dev ble.Device, service, char string) error {
	c, err := s.charOn(dev, service, char)
	if err != nil {
		return err
	}

	stop, err := c.Notify(func(value []byte) {
		s.enqueue(service, char, value)
	})
	if err != nil {
		return fmt.Errorf("dean: %s: subscribe %s/%s: %w", s.addr, service, char, err)
	}

	s.mu.Lock()
	s.subs[service+"/"+char] = stop
	s.mu.Unlock()
	s.logger.Info("subscribed",
		slog.String("service", service), slog.String("char", char))
	return nil
}

func (s *Session) enqueue(service, char string, payload []byte) {
	select {
	case s.notifyCh <- notifyItem{service: service, char: char, payload: payload}:
	default:
		s.dropped.Add(1)
		s.metrics.FrameDropped("backpressure")
	}
}

// charOn resolves and caches a characteristic on an explicit device.
func (s *Session) charOn(dev ble.Device, service, char string) (ble.Characteristic, error) {
	key := service + "/" + char
	s.mu.Lock()
	if c, ok := s.chars[key]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	uuid, ok := CharUUID(service, char)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownService, service, char)
	}
	c, err := dev.Characteristic(uuid)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.chars[key] = c
	s.mu.Unlock()
	return c, nil
}

// char resolves a characteristic on the session's live device.
func (s *Session) char(service, char string) (ble.Characteristic, error) {
	s.mu.Lock()
	dev := s.device
	connected := s.connected
	s.mu.Unlock()
	if !connected || dev == nil {
		return nil, ErrNotConnected
	}
	return s.charOn(dev, service, char)
}

// Run drains the notification channel until ctx is cancelled or the
// link is declared down, then tears the session down.
func (s *Session) Run(ctx context.Context) error {
	defer s.teardown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case item := <-s.notifyCh:
			s.dispatch(ctx, item)
		}
	}
}

// linkDown declares the link dead and wakes Run.
func (s *Session) linkDown(err error) {
	s.downOnce.Do(func() {
		s.logger.Warn("link down", slog.Any("error", err))
		close(s.done)
	})
}

// Close tears the session down from outside Run.
func (s *Session) Close() {
	s.linkDown(nil)
}

func (s *Session) teardown() {
	s.mu.Lock()
	subs := s.subs
	engines := s.engines
	dev := s.device
	wasConnected := s.connected
	s.subs = make(map[string]func())
	s.engines = make(map[engineKey]*transfer.Engine)
	s.chars = make(map[string]ble.Characteristic)
	s.device = nil
	s.connected = false
	s.mu.Unlock()

	for _, stop := range subs {
		stop()
	}
	for _, e := range engines {
		e.Disconnect()
	}
	if dev != nil {
		if err := dev.Disconnect(); err != nil {
			s.logger.Warn("disconnect failed", slog.Any("error", err))
		}
	}

	s.ids.MarkDisconnected(s.addr)
	if wasConnected {
		s.metrics.SessionDown(s.addr)
	}
	s.logger.Info("session closed")
}

// -------------------------------------------------------------------------
// Writes and operator commands
// -------------------------------------------------------------------------

// writeChar writes payload to a characteristic. A link failure flips
// the session into teardown.
func (s *Session) writeChar(ctx context.Context, service, char string, payload []byte) error {
	c, err := s.char(service, char)
	if err != nil {
		return err
	}
	if err := c.Write(ctx, payload); err != nil {
		if errors.Is(err, ble.ErrLink) {
			s.linkDown(err)
		}
		return err
	}
	return nil
}

// WriteConfigField writes name or location to the node and refreshes
// the session's view.
func (s *Session) WriteConfigField(ctx context.Context, field, value string) error {
	var char string
	switch field {
	case "name":
		char = CharID
	case "location":
		char = CharLocation
	default:
		return fmt.Errorf("%w: config field %q", ErrUnknownService, field)
	}
	if err := s.writeChar(ctx, SvcConfig, char, []byte(value)); err != nil {
		return err
	}

	s.mu.Lock()
	if field == "name" {
		s.name = value
	} else {
		s.location = value
	}
	s.mu.Unlock()
	return nil
}

// SendReset writes the node's reset characteristic.
func (s *Session) SendReset(ctx context.Context, mac packet.Mac) error {
	return s.writeChar(ctx, SvcConfig, CharReset,
		packet.BuildDownstream(mac, []byte{0x01}))
}

// SendFeatureControl starts or stops on-device feature streaming.
func (s *Session) SendFeatureControl(ctx context.Context, mac packet.Mac, start bool) error {
	cmd := packet.CmdFeatureEnd
	if start {
		cmd = packet.CmdFeatureStart
	}
	return s.writeChar(ctx, SvcSound, CharModel,
		packet.BuildDownstream(mac, []byte{byte(cmd)}))
}

// SendVerdict pushes a presence verdict byte to the originating node.
func (s *Session) SendVerdict(ctx context.Context, mac packet.Mac, v presence.Verdict) error {
	return s.writeChar(ctx, SvcInference, CharRawdata,
		packet.BuildDownstream(mac, []byte{byte(v)}))
}

// StartModelTransfer begins pushing a model artifact to mac.
func (s *Session) StartModelTransfer(ctx context.Context, mac packet.Mac, data []byte) error {
	return s.engineFor(transfer.StreamModel, mac).Start(ctx, data, "")
}

// StartFileTransfer begins pushing an arbitrary file to targetPath on mac.
func (s *Session) StartFileTransfer(ctx context.Context, mac packet.Mac, data []byte, targetPath string) error {
	return s.engineFor(transfer.StreamFile, mac).Start(ctx, data, targetPath)
}

// RemoveModel sends the one-shot REMOVE command.
func (s *Session) RemoveModel(ctx context.Context, mac packet.Mac) error {
	return s.engineFor(transfer.StreamModel, mac).Remove(ctx)
}

// Transfers snapshots every engine this session has created.
func (s *Session) Transfers() []transfer.Snapshot {
	s.mu.Lock()
	engines := make([]*transfer.Engine, 0, len(s.engines))
	for _, e := range s.engines {
		engines = append(engines, e)
	}
	s.mu.Unlock()

	snaps := make([]transfer.Snapshot, 0, len(engines))
	for _, e := range engines {
		snaps = append(snaps, e.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].Dest != snaps[j].Dest {
			return snaps[i].Dest.String() < snaps[j].Dest.String()
		}
		return snaps[i].Stream < snaps[j].Stream
	})
	return snaps
}

// EnableService subscribes one service characteristic at operator
// request; empty char subscribes the current mode's full set.
func (s *Session) EnableService(ctx context.Context, service, char string) error {
	s.mu.Lock()
	dev := s.device
	connected := s.connected
	s.mu.Unlock()
	if !connected || dev == nil {
		return ErrNotConnected
	}

	chars := []string{char}
	if char == "" {
		mode := s.enable[service]
		if mode == "" {
			mode = ModeWork
		}
		chars = SubscribeChars(service, mode)
		if chars == nil {
			return fmt.Errorf("%w: %s", ErrUnknownService, service)
		}
	}

	for i, c := range chars {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(subscribeDelay):
			}
		}
		if err := s.subscribeOn(dev, service, c); err != nil {
			return err
		}
	}
	return nil
}

// DisableService cancels subscriptions for one characteristic, or the
// whole service when char is empty.
func (s *Session) DisableService(service, char string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	for key, stop := range s.subs {
		if key == service+"/"+char || (char == "" && len(key) > len(service) && key[:len(service)+1] == service+"/") {
			stop()
			delete(s.subs, key)
			removed = true
		}
	}
	if !removed {
		return fmt.Errorf("%w: %s/%s not subscribed", ErrUnknownService, service, char)
	}
	return nil
}

func (s *Session) engineFor(stream transfer.Stream, mac packet.Mac) *transfer.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := engineKey{mac: mac, stream: stream}
	if e, ok := s.engines[key]; ok {
		return e
	}

	service, char := SvcConfig, CharFile
	if stream == transfer.StreamModel {
		service, char = SvcSound, CharModel
	}
	writer := transfer.FrameWriterFunc(func(ctx context.Context, payload []byte) error {
		return s.writeChar(ctx, service, char, packet.BuildDownstream(mac, payload))
	})

	e := transfer.NewEngine(stream, mac, writer, s.logger,
		transfer.WithTransitionHook(func(res transfer.Result) {
			s.metrics.TransferTransition(res.OldState.String(), res.NewState.String())
		}))
	s.engines[key] = e
	return e
}
