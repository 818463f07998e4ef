package dean

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/slimhive/slimhub/internal/ble"
)

const (
	discoveryInterval = 10 * time.Second
	discoveryWindow   = 2 * time.Second

	// Sensor nodes advertise either the ADL name prefix or the base
	// service UUID, depending on firmware generation.
	advNamePrefix = "ADL"
)

// Discoverer periodically scans for sensor-node advertisements and hands
// matches to the manager. Connects are serialized: BlueZ handles
// concurrent Connect calls on one adapter poorly.
type Discoverer struct {
	transport ble.Transport
	manager   *Manager
	logger    *slog.Logger

	interval time.Duration
	window   time.Duration
}

// DiscovererOption customizes a Discoverer.
type DiscovererOption func(*Discoverer)

// WithScanTiming overrides the scan cadence and window.
func WithScanTiming(interval, window time.Duration) DiscovererOption {
	return func(d *Discoverer) {
		d.interval = interval
		d.window = window
	}
}

// NewDiscoverer creates a discoverer bound to a manager.
func NewDiscoverer(transport ble.Transport, manager *Manager, logger *slog.Logger, opts ...DiscovererOption) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Discoverer{
		transport: transport,
		manager:   manager,
		logger:    logger.With(slog.String("component", "dean.discovery")),
		interval:  discoveryInterval,
		window:    discoveryWindow,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run scans until the context is cancelled. The first scan starts
// immediately; subsequent scans follow the configured interval.
func (d *Discoverer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		d.sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Discoverer) sweep(ctx context.Context) {
	ads, err := d.transport.Scan(ctx, ble.ScanFilter{Window: d.window})
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("scan failed", slog.Any("error", err))
		}
		return
	}

	for _, adv := range ads {
		if !isSensorNode(adv) {
			continue
		}
		if err := d.manager.EnsureSession(ctx, adv); err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("connect failed",
				slog.String("addr", adv.Addr),
				slog.String("name", adv.Name),
				slog.Any("error", err))
		}
	}
}

func isSensorNode(adv ble.Advertisement) bool {
	if strings.HasPrefix(adv.Name, advNamePrefix) {
		return true
	}
	for _, u := range adv.UUIDs {
		if strings.EqualFold(u, UUIDBaseService) {
			return true
		}
	}
	return false
}
