package dean

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/slimhive/slimhub/internal/ble"
	"github.com/slimhive/slimhub/internal/identity"
	"github.com/slimhive/slimhub/internal/packet"
	"github.com/slimhive/slimhub/internal/presence"
)

// Sentinel errors for Manager operations.
var (
	// ErrSessionNotFound indicates no live session serves the address.
	ErrSessionNotFound = errors.New("dean: session not found")

	// ErrManagerClosed indicates the manager is shutting down.
	ErrManagerClosed = errors.New("dean: manager closed")
)

// Manager owns the session registry: at most one live session per relay
// address. Discovery feeds it advertisements; the command plane resolves
// logical node addresses through it.
type Manager struct {
	transport ble.Transport
	ids       *identity.Table
	tracker   *presence.Tracker
	store     *ConfigStore
	queues    Queues
	metrics   MetricsReporter
	logger    *slog.Logger

	enableMap map[string]string

	mu       sync.Mutex
	sessions map[string]*managedSession
	closed   bool
	wg       sync.WaitGroup
}

type managedSession struct {
	session *Session
	cancel  context.CancelFunc
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithManagerMetrics attaches a metrics reporter, propagated to every
// session the manager creates.
func WithManagerMetrics(mr MetricsReporter) ManagerOption {
	return func(m *Manager) { m.metrics = mr }
}

// WithEnableMap overrides the default service enable map for new sessions.
func WithEnableMap(enable map[string]string) ManagerOption {
	return func(m *Manager) { m.enableMap = enable }
}

// NewManager creates an empty registry.
func NewManager(
	transport ble.Transport,
	ids *identity.Table,
	tracker *presence.Tracker,
	store *ConfigStore,
	queues Queues,
	logger *slog.Logger,
	opts ...ManagerOption,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		transport: transport,
		ids:       ids,
		tracker:   tracker,
		store:     store,
		queues:    queues,
		metrics:   noopMetrics{},
		logger:    logger.With(slog.String("component", "dean.manager")),
		sessions:  make(map[string]*managedSession),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureSession connects the advertised node if it has no live session.
// A dead session for the same address is replaced.
func (m *Manager) EnsureSession(ctx context.Context, adv ble.Advertisement) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if ms, ok := m.sessions[adv.Addr]; ok {
		if ms.session.Connected() {
			m.mu.Unlock()
			return nil
		}
		// Stale entry: tear it down and rebuild from scratch.
		ms.cancel()
		delete(m.sessions, adv.Addr)
	}
	m.mu.Unlock()

	s := NewSession(
		SessionConfig{Addr: adv.Addr, EnableMap: m.enableMap},
		m.transport, m.ids, m.tracker, m.store, m.queues, m.logger,
		WithSessionMetrics(m.metrics),
	)
	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("dean: session %s: %w", adv.Addr, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		s.Close()
		s.teardown()
		return ErrManagerClosed
	}
	m.sessions[adv.Addr] = &managedSession{session: s, cancel: cancel}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		if err := s.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("session exited", slog.String("addr", adv.Addr), slog.Any("error", err))
		}
		m.mu.Lock()
		if ms, ok := m.sessions[adv.Addr]; ok && ms.session == s {
			delete(m.sessions, adv.Addr)
		}
		m.mu.Unlock()
	}()
	return nil
}

// SessionFor returns the live session bound to a relay address.
func (m *Manager) SessionFor(relay string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[relay]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, relay)
	}
	return ms.session, nil
}

// SessionForMac routes a canonical node MAC to the session currently
// relaying for it.
func (m *Manager) SessionForMac(mac packet.Mac) (*Session, error) {
	relay, err := m.ids.RelayFor(mac)
	if err != nil {
		return nil, err
	}
	return m.SessionFor(relay)
}

// Sessions snapshots the live sessions, sorted by address.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		out = append(out, ms.session)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Addr() < out[j].Addr() })
	return out
}

// HandleVerdict is the presence tracker callback: it pushes the graded
// verdict back to the originating node, best effort.
func (m *Manager) HandleVerdict(out presence.Outcome) {
	mac, err := packet.ParseMac(out.Addr)
	if err != nil {
		m.logger.Warn("verdict for unparsable address", slog.String("addr", out.Addr))
		return
	}
	s, err := m.SessionForMac(mac)
	if err != nil {
		m.logger.Debug("verdict undeliverable",
			slog.String("addr", out.Addr), slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.SendVerdict(ctx, mac, out.Verdict); err != nil {
		m.logger.Warn("verdict write failed",
			slog.String("addr", out.Addr), slog.Any("error", err))
		return
	}
	m.logger.Info("verdict delivered",
		slog.String("addr", out.Addr),
		slog.String("room", out.Room),
		slog.String("verdict", out.Verdict.String()))
}

// ApplyConfigs re-pushes every persisted node config. Nodes without a
// live session are skipped; the returned count is the number updated.
func (m *Manager) ApplyConfigs(ctx context.Context) (int, error) {
	configs, err := m.store.All()
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, cfg := range configs {
		s, err := m.SessionFor(cfg.Address)
		if err != nil {
			continue
		}
		if err := s.WriteConfigField(ctx, "name", cfg.Name); err != nil {
			return applied, err
		}
		if err := s.WriteConfigField(ctx, "location", cfg.Location); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// DrainAll disconnects every session in parallel, bounded by grace, and
// waits for their run goroutines. The manager accepts no new sessions
// afterwards.
func (m *Manager) DrainAll(grace time.Duration) error {
	m.mu.Lock()
	m.closed = true
	managed := make([]*managedSession, 0, len(m.sessions))
	for _, ms := range m.sessions {
		managed = append(managed, ms)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, ms := range managed {
		g.Go(func() error {
			ms.session.Close()
			ms.cancel()
			return nil
		})
	}
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("dean: drain: %d sessions still closing after %s", len(managed), grace)
	}
}
