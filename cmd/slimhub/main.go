// Slimhub daemon -- BLE edge hub for DEAN sensor nodes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/slimhive/slimhub/internal/ble"
	"github.com/slimhive/slimhub/internal/config"
	"github.com/slimhive/slimhub/internal/dean"
	"github.com/slimhive/slimhub/internal/export"
	"github.com/slimhive/slimhub/internal/identity"
	hubmetrics "github.com/slimhive/slimhub/internal/metrics"
	"github.com/slimhive/slimhub/internal/presence"
	"github.com/slimhive/slimhub/internal/server"
	hubstore "github.com/slimhive/slimhub/internal/store"
	appversion "github.com/slimhive/slimhub/internal/version"
	"github.com/slimhive/slimhub/internal/workers"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP
// server to drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// drainGrace is how long DrainAll waits for sessions to disconnect
// cleanly before shutdown proceeds anyway.
const drainGrace = 5 * time.Second

// queueSize bounds each worker queue. Sound snapshots are the largest
// consumers; a full queue drops new frames rather than blocking BLE
// dispatch.
const queueSize = 256

// queueSampleInterval is how often queue depth gauges are refreshed.
const queueSampleInterval = 10 * time.Second

// persistInterval is how often the identity table is snapshotted into
// the node store.
const persistInterval = 30 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
// Captures the last 500ms of execution traces for debugging link failures.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print build information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("slimhub"))
		return 0
	}

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("slimhub starting",
		slog.String("version", appversion.Version),
		slog.String("command_addr", cfg.Command.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.String("adapter", cfg.BLE.Adapter),
	)

	// 4. Start flight recorder for post-mortem debugging of BLE failures.
	fr := startFlightRecorder(logger)

	// 5. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := hubmetrics.NewCollector(reg)

	// 6. Run the hub.
	if err := runHub(cfg, collector, reg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("slimhub exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("slimhub stopped")
	return 0
}

// runHub wires the BLE transport, session manager, presence tracker,
// worker pool and command plane together and runs them under an
// errgroup with signal-aware context for graceful shutdown.
func runHub(
	cfg *config.Config,
	collector *hubmetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	transport, err := ble.NewBlueZTransport(cfg.BLE.Adapter, logger)
	if err != nil {
		return fmt.Errorf("open BLE adapter %s: %w", cfg.BLE.Adapter, err)
	}
	defer closeQuietly(transport.Close, "BLE transport", logger)

	ids := identity.NewTable()

	db, err := openStore(cfg.Data.StorePath, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer closeQuietly(db.Close, "node store", logger)
	}

	exporter, err := connectExporter(cfg.MQTT, logger)
	if err != nil {
		return err
	}
	var pub workers.Publisher
	if exporter != nil {
		defer exporter.Close()
		pub = exporter
	}

	configStore, err := dean.NewConfigStore(filepath.Join(cfg.Data.ProgramDir, "config"))
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}

	queues := dean.Queues{
		Sound: workers.NewQueue(queueSize),
		Data:  workers.NewQueue(queueSize),
		Log:   workers.NewQueue(queueSize),
	}

	// The verdict callback closes over the manager; the tracker only
	// starts delivering after the errgroup below runs it.
	var manager *dean.Manager
	tracker := presence.NewTracker(
		presence.NewCore(buildGraph(cfg.Plan), logger),
		func(out presence.Outcome) {
			collector.PresenceVerdict(out.Verdict.String())
			recordVerdict(db, out, logger)
			publishVerdict(pub, out)
			manager.HandleVerdict(out)
		},
		logger,
	)

	manager = dean.NewManager(transport, ids, tracker, configStore, queues, logger,
		dean.WithManagerMetrics(collector),
		dean.WithEnableMap(enableMap(cfg.Services)),
	)

	discoverer := dean.NewDiscoverer(transport, manager, logger,
		dean.WithScanTiming(cfg.BLE.ScanInterval, cfg.BLE.ScanWindow),
	)

	// errgroup with signal-aware context.
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	cmdSrv := server.New(server.NewCommands(manager, ids, configStore, db, logger), stop, logger)
	if err := cmdSrv.Listen(cfg.Command.Addr); err != nil {
		return err
	}

	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	g.Go(func() error { return ignoreCancel(tracker.Run(gCtx)) })
	g.Go(func() error { return ignoreCancel(discoverer.Run(gCtx)) })
	g.Go(func() error { return cmdSrv.Serve(gCtx) })

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	if err := startWorkers(gCtx, g, cfg, queues, pub, logger); err != nil {
		return err
	}
	startDaemonGoroutines(gCtx, g, configPath, logLevel, manager, logger)
	g.Go(func() error {
		sampleQueues(gCtx, collector, queues)
		return nil
	})
	if db != nil {
		g.Go(func() error {
			persistIdentities(gCtx, db, ids, logger)
			return nil
		})
	}

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, manager, queues, logger, fr, cmdSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run hub: %w", err)
	}
	return nil
}

// startWorkers creates the sound, persistence and log fan-out workers
// and registers their run loops.
func startWorkers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	queues dean.Queues,
	pub workers.Publisher,
	logger *slog.Logger,
) error {
	sound, err := workers.NewSoundCollector(queues.Sound, cfg.Data.Dir, logger)
	if err != nil {
		return fmt.Errorf("create sound collector: %w", err)
	}
	persist, err := workers.NewDataPersister(queues.Data, cfg.Data.Dir, logger)
	if err != nil {
		return fmt.Errorf("create data persister: %w", err)
	}
	logfan, err := workers.NewLogFanout(queues.Log, cfg.Data.Dir, pub, logger)
	if err != nil {
		return fmt.Errorf("create log fan-out: %w", err)
	}

	g.Go(func() error { return ignoreCancel(sound.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(persist.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(logfan.Run(ctx)) })
	return nil
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	manager *dean.Manager,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, manager, logger)
		return nil
	})
}

// buildGraph converts the configured room plan into a presence graph.
func buildGraph(plan config.PlanConfig) *presence.Graph {
	g := presence.NewGraph()
	for _, room := range plan.Rooms {
		g.AddNode(room)
	}
	for _, e := range plan.Edges {
		g.AddEdge(e.A, e.B, e.Travel)
	}
	return g
}

// enableMap returns the configured service enable map, falling back to
// the factory default when the config declares none.
func enableMap(services map[string]string) map[string]string {
	if len(services) > 0 {
		return services
	}
	return dean.DefaultEnableMap()
}

// openStore opens the optional sqlite node store. An empty path
// disables persistence.
func openStore(path string, logger *slog.Logger) (*hubstore.Store, error) {
	if path == "" {
		logger.Info("node store disabled")
		return nil, nil
	}
	db, err := hubstore.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open node store %s: %w", path, err)
	}
	logger.Info("node store opened", slog.String("path", path))
	return db, nil
}

// connectExporter connects the optional MQTT exporter. An empty broker
// URL disables export.
func connectExporter(cfg config.MQTTConfig, logger *slog.Logger) (*export.Exporter, error) {
	if cfg.Broker == "" {
		logger.Info("mqtt export disabled")
		return nil, nil
	}
	exporter, err := export.Connect(export.Options{
		Broker:      cfg.Broker,
		ClientID:    cfg.ClientID,
		TopicPrefix: cfg.TopicPrefix,
		Username:    cfg.Username,
		Password:    cfg.Password,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", cfg.Broker, err)
	}
	return exporter, nil
}

// recordVerdict appends the verdict to the node store when one is open.
func recordVerdict(db *hubstore.Store, out presence.Outcome, logger *slog.Logger) {
	if db == nil {
		return
	}
	err := db.RecordVerdict(hubstore.PresenceRecord{
		Mac:     out.Addr,
		Room:    out.Room,
		Verdict: out.Verdict.String(),
	})
	if err != nil {
		logger.Warn("failed to record verdict",
			slog.String("error", err.Error()),
		)
	}
}

// publishVerdict mirrors the verdict to MQTT when an exporter is attached.
func publishVerdict(pub workers.Publisher, out presence.Outcome) {
	if pub == nil {
		return
	}
	payload := fmt.Sprintf("%s %s %s", out.Addr, out.Room, out.Verdict)
	pub.Publish("presence", []byte(payload))
}

// sampleQueues refreshes the queue depth gauges until shutdown.
func sampleQueues(ctx context.Context, collector *hubmetrics.Collector, queues dean.Queues) {
	ticker := time.NewTicker(queueSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collector.ObserveQueue("sound", queues.Sound.Len(), queues.Sound.Dropped())
			collector.ObserveQueue("data", queues.Data.Len(), queues.Data.Dropped())
			collector.ObserveQueue("log", queues.Log.Len(), queues.Log.Dropped())
		}
	}
}

// persistIdentities snapshots the identity table into the node store at
// a fixed interval so restarts keep the known-node roster.
func persistIdentities(ctx context.Context, db *hubstore.Store, ids *identity.Table, logger *slog.Logger) {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range ids.Entries() {
				err := db.UpsertNode(hubstore.NodeRecord{
					Mac:        e.Mac.String(),
					Relay:      e.RelayAddress,
					DeviceType: e.DeviceType,
					Name:       e.Name,
					Location:   e.Location,
					LastSeen:   e.LastSeen,
					Connected:  e.Connected,
				})
				if err != nil {
					logger.Warn("failed to persist node",
						slog.String("mac", e.Mac.String()),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// closeQuietly runs a close function and logs any error.
func closeQuietly(fn func() error, what string, logger *slog.Logger) {
	if err := fn(); err != nil {
		logger.Warn("failed to close "+what,
			slog.String("error", err.Error()),
		)
	}
}

// ignoreCancel maps context cancellation to a clean exit so graceful
// shutdowns don't surface as errgroup errors.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
// The interval is WatchdogSec/2 as recommended by the systemd documentation.
// If watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	// Send keepalive at half the watchdog interval.
	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level + config re-push
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads configuration.
// On reload, the log level is updated dynamically via the shared
// LevelVar and stored node configs are re-pushed to the connected nodes.
// Blocks until the context is cancelled (graceful shutdown).
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	manager *dean.Manager,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(ctx, configPath, logLevel, manager, logger)
		}
	}
}

// reloadConfig loads a fresh configuration from the given path, updates
// the dynamic log level, and re-pushes node configs. Errors during
// reload are logged but do not stop the daemon -- the previous
// configuration remains in effect.
func reloadConfig(
	ctx context.Context,
	configPath string,
	logLevel *slog.LevelVar,
	manager *dean.Manager,
	logger *slog.Logger,
) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	// Update log level.
	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)

	applied, err := manager.ApplyConfigs(ctx)
	if err != nil {
		logger.Error("config re-push had errors",
			slog.String("error", err.Error()),
		)
	}
	logger.Info("node configs re-pushed", slog.Int("applied", applied))
}

// -------------------------------------------------------------------------
// Graceful Shutdown — drain sessions + stop servers
// -------------------------------------------------------------------------

// gracefulShutdown performs an orderly shutdown: signals systemd,
// closes the command plane, drains BLE sessions, closes the worker
// queues so the workers flush, then shuts down the metrics server.
//
// The parent context is already cancelled when this function is called.
// A fresh timeout context is created internally for server drain.
func gracefulShutdown(
	ctx context.Context,
	manager *dean.Manager,
	queues dean.Queues,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	cmdSrv *server.Server,
	metricsSrv *http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	// Stop taking commands before tearing sessions down.
	if err := cmdSrv.Close(); err != nil {
		logger.Warn("failed to close command plane",
			slog.String("error", err.Error()),
		)
	}

	// Disconnect every node. Peripherals fall back to advertising.
	if err := manager.DrainAll(drainGrace); err != nil {
		logger.Warn("session drain incomplete",
			slog.String("error", err.Error()),
		)
	}

	// No more producers: closing the queues lets the workers flush
	// their backlog and exit.
	queues.Sound.Close()
	queues.Data.Close()
	queues.Log.Close()

	// Stop flight recorder.
	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	// Derive a fresh shutdown context from the parent (which is cancelled).
	// context.WithoutCancel detaches from the parent's cancellation so we
	// can enforce our own drain timeout.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Flight Recorder — Go 1.26 runtime/trace
// -------------------------------------------------------------------------

// startFlightRecorder initializes and starts the Go 1.26 FlightRecorder
// for post-mortem debugging of BLE link failures. The recorder maintains
// a rolling window of execution trace data that can be dumped on demand.
func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder",
			slog.String("error", err.Error()),
		)
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using a ListenConfig (for noctx
// compliance) and serves HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
