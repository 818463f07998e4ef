// Package config manages Slimhub daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete slimhub configuration.
type Config struct {
	Command  CommandConfig     `koanf:"command"`
	Metrics  MetricsConfig     `koanf:"metrics"`
	Log      LogConfig         `koanf:"log"`
	BLE      BLEConfig         `koanf:"ble"`
	Data     DataConfig        `koanf:"data"`
	MQTT     MQTTConfig        `koanf:"mqtt"`
	Services map[string]string `koanf:"services"`
	Plan     PlanConfig        `koanf:"plan"`
}

// CommandConfig holds the local TCP command-plane configuration.
type CommandConfig struct {
	// Addr is the command listen address. The command plane is
	// unauthenticated and must stay on loopback.
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// BLEConfig holds the adapter and discovery parameters.
type BLEConfig struct {
	// Adapter is the BlueZ adapter name (e.g., "hci0").
	Adapter string `koanf:"adapter"`

	// ScanInterval is the time between discovery sweeps.
	ScanInterval time.Duration `koanf:"scan_interval"`

	// ScanWindow is the duration of each discovery sweep.
	ScanWindow time.Duration `koanf:"scan_window"`
}

// DataConfig holds filesystem and database locations.
type DataConfig struct {
	// Dir is the telemetry root: per-node dated CSV/JSON files and the
	// display log live under it.
	Dir string `koanf:"dir"`

	// ProgramDir is the program-data root: node config JSON files and
	// sound-feature datasets live under it.
	ProgramDir string `koanf:"program_dir"`

	// StorePath is the SQLite database file for node and presence
	// history. Empty disables the store.
	StorePath string `koanf:"store_path"`
}

// MQTTConfig holds the optional outbound event exporter configuration.
// An empty Broker disables the exporter.
type MQTTConfig struct {
	// Broker is the broker URL (e.g., "tcp://127.0.0.1:1883").
	Broker string `koanf:"broker"`

	// ClientID identifies this hub to the broker.
	ClientID string `koanf:"client_id"`

	// TopicPrefix is prepended to every published topic.
	TopicPrefix string `koanf:"topic_prefix"`

	// Username and Password are optional broker credentials.
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// PlanConfig describes the residence floor plan the presence tracker
// validates moves against.
type PlanConfig struct {
	// Rooms lists the unit-space names.
	Rooms []string `koanf:"rooms"`

	// Edges lists direct passages between rooms.
	Edges []EdgeConfig `koanf:"edges"`
}

// EdgeConfig is one undirected passage in the floor plan.
type EdgeConfig struct {
	A string `koanf:"a"`
	B string `koanf:"b"`

	// Travel is the expected walking time between the two rooms.
	Travel time.Duration `koanf:"travel"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// The command plane binds to loopback only: it carries unauthenticated
// operator commands, so exposure beyond the hub is never a default.
func DefaultConfig() *Config {
	return &Config{
		Command: CommandConfig{
			Addr: "127.0.0.1:6604",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		BLE: BLEConfig{
			Adapter:      "hci0",
			ScanInterval: 10 * time.Second,
			ScanWindow:   2 * time.Second,
		},
		Data: DataConfig{
			Dir:        "/var/lib/slimhub/data",
			ProgramDir: "/var/lib/slimhub/programdata",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for slimhub configuration.
// Variables are named SLIMHUB_<section>_<key>, e.g., SLIMHUB_COMMAND_ADDR.
const envPrefix = "SLIMHUB_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (SLIMHUB_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	SLIMHUB_COMMAND_ADDR -> command.addr
//	SLIMHUB_METRICS_ADDR -> metrics.addr
//	SLIMHUB_LOG_LEVEL    -> log.level
//	SLIMHUB_BLE_ADAPTER  -> ble.adapter
//	SLIMHUB_MQTT_BROKER  -> mqtt.broker
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// SLIMHUB_COMMAND_ADDR -> command.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms SLIMHUB_COMMAND_ADDR -> command.addr.
// Strips the SLIMHUB_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"command.addr":      defaults.Command.Addr,
		"metrics.addr":      defaults.Metrics.Addr,
		"metrics.path":      defaults.Metrics.Path,
		"log.level":         defaults.Log.Level,
		"log.format":        defaults.Log.Format,
		"ble.adapter":       defaults.BLE.Adapter,
		"ble.scan_interval": defaults.BLE.ScanInterval.String(),
		"ble.scan_window":   defaults.BLE.ScanWindow.String(),
		"data.dir":          defaults.Data.Dir,
		"data.program_dir":  defaults.Data.ProgramDir,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyCommandAddr indicates the command listen address is empty.
	ErrEmptyCommandAddr = errors.New("command.addr must not be empty")

	// ErrEmptyDataDir indicates a filesystem root is empty.
	ErrEmptyDataDir = errors.New("data.dir and data.program_dir must not be empty")

	// ErrInvalidScanTiming indicates non-positive discovery timing.
	ErrInvalidScanTiming = errors.New("ble.scan_interval and ble.scan_window must be > 0")

	// ErrInvalidServiceMode indicates an unrecognized service mode.
	ErrInvalidServiceMode = errors.New("service mode must be work, raw or both")

	// ErrUnknownPlanRoom indicates an edge referencing an undeclared room.
	ErrUnknownPlanRoom = errors.New("plan edge references an undeclared room")

	// ErrInvalidPlanEdge indicates an edge with missing endpoints or
	// non-positive travel time.
	ErrInvalidPlanEdge = errors.New("plan edge must name two rooms and a positive travel time")
)

// ValidServiceModes lists the recognized service mode strings.
var ValidServiceModes = map[string]bool{
	"work": true,
	"raw":  true,
	"both": true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Command.Addr == "" {
		return ErrEmptyCommandAddr
	}

	if cfg.Data.Dir == "" || cfg.Data.ProgramDir == "" {
		return ErrEmptyDataDir
	}

	if cfg.BLE.ScanInterval <= 0 || cfg.BLE.ScanWindow <= 0 {
		return ErrInvalidScanTiming
	}

	for svc, mode := range cfg.Services {
		if !ValidServiceModes[mode] {
			return fmt.Errorf("services.%s mode %q: %w", svc, mode, ErrInvalidServiceMode)
		}
	}

	return validatePlan(cfg.Plan)
}

// validatePlan checks the floor plan for dangling edges.
func validatePlan(plan PlanConfig) error {
	rooms := make(map[string]struct{}, len(plan.Rooms))
	for _, r := range plan.Rooms {
		rooms[r] = struct{}{}
	}

	for i, e := range plan.Edges {
		if e.A == "" || e.B == "" || e.Travel <= 0 {
			return fmt.Errorf("plan.edges[%d]: %w", i, ErrInvalidPlanEdge)
		}
		if _, ok := rooms[e.A]; !ok {
			return fmt.Errorf("plan.edges[%d] room %q: %w", i, e.A, ErrUnknownPlanRoom)
		}
		if _, ok := rooms[e.B]; !ok {
			return fmt.Errorf("plan.edges[%d] room %q: %w", i, e.B, ErrUnknownPlanRoom)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
