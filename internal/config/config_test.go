package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/slimhive/slimhub/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Command.Addr != "127.0.0.1:6604" {
		t.Errorf("Command.Addr = %q, want %q", cfg.Command.Addr, "127.0.0.1:6604")
	}

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	if cfg.BLE.Adapter != "hci0" {
		t.Errorf("BLE.Adapter = %q, want %q", cfg.BLE.Adapter, "hci0")
	}

	if cfg.BLE.ScanInterval != 10*time.Second {
		t.Errorf("BLE.ScanInterval = %v, want %v", cfg.BLE.ScanInterval, 10*time.Second)
	}

	if cfg.BLE.ScanWindow != 2*time.Second {
		t.Errorf("BLE.ScanWindow = %v, want %v", cfg.BLE.ScanWindow, 2*time.Second)
	}

	// Defaults must pass validation.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
command:
  addr: "127.0.0.1:7700"
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
ble:
  adapter: "hci1"
  scan_interval: "30s"
  scan_window: "5s"
data:
  dir: "/tmp/hub/data"
  program_dir: "/tmp/hub/programdata"
  store_path: "/tmp/hub/hub.db"
mqtt:
  broker: "tcp://127.0.0.1:1883"
  client_id: "hub-test"
  topic_prefix: "slimhub/test"
services:
  sound: "both"
  environment: "work"
plan:
  rooms: ["KITCHEN", "LIVING"]
  edges:
    - a: "KITCHEN"
      b: "LIVING"
      travel: "3s"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Command.Addr != "127.0.0.1:7700" {
		t.Errorf("Command.Addr = %q, want %q", cfg.Command.Addr, "127.0.0.1:7700")
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/custom-metrics")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}

	if cfg.BLE.Adapter != "hci1" {
		t.Errorf("BLE.Adapter = %q, want %q", cfg.BLE.Adapter, "hci1")
	}

	if cfg.BLE.ScanInterval != 30*time.Second {
		t.Errorf("BLE.ScanInterval = %v, want %v", cfg.BLE.ScanInterval, 30*time.Second)
	}

	if cfg.Data.StorePath != "/tmp/hub/hub.db" {
		t.Errorf("Data.StorePath = %q, want %q", cfg.Data.StorePath, "/tmp/hub/hub.db")
	}

	if cfg.MQTT.Broker != "tcp://127.0.0.1:1883" {
		t.Errorf("MQTT.Broker = %q, want %q", cfg.MQTT.Broker, "tcp://127.0.0.1:1883")
	}

	if cfg.Services["sound"] != "both" {
		t.Errorf("Services[sound] = %q, want %q", cfg.Services["sound"], "both")
	}

	if len(cfg.Plan.Edges) != 1 || cfg.Plan.Edges[0].Travel != 3*time.Second {
		t.Errorf("Plan.Edges = %+v", cfg.Plan.Edges)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only override command.addr and log.level.
	// Everything else should inherit from defaults.
	yamlContent := `
command:
  addr: "127.0.0.1:7700"
log:
  level: "warn"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	// Overridden values.
	if cfg.Command.Addr != "127.0.0.1:7700" {
		t.Errorf("Command.Addr = %q, want %q", cfg.Command.Addr, "127.0.0.1:7700")
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	// Default values should be preserved.
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "json")
	}

	if cfg.BLE.Adapter != "hci0" {
		t.Errorf("BLE.Adapter = %q, want default %q", cfg.BLE.Adapter, "hci0")
	}

	if cfg.BLE.ScanInterval != 10*time.Second {
		t.Errorf("BLE.ScanInterval = %v, want default %v", cfg.BLE.ScanInterval, 10*time.Second)
	}

	if cfg.Data.ProgramDir != "/var/lib/slimhub/programdata" {
		t.Errorf("Data.ProgramDir = %q, want default", cfg.Data.ProgramDir)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SLIMHUB_COMMAND_ADDR", "127.0.0.1:8800")
	t.Setenv("SLIMHUB_LOG_LEVEL", "error")

	path := writeTemp(t, "command:\n  addr: \"127.0.0.1:7700\"\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Command.Addr != "127.0.0.1:8800" {
		t.Errorf("Command.Addr = %q, env override lost", cfg.Command.Addr)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("Log.Level = %q, env override lost", cfg.Log.Level)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty command addr",
			modify: func(cfg *config.Config) {
				cfg.Command.Addr = ""
			},
			wantErr: config.ErrEmptyCommandAddr,
		},
		{
			name: "empty data dir",
			modify: func(cfg *config.Config) {
				cfg.Data.Dir = ""
			},
			wantErr: config.ErrEmptyDataDir,
		},
		{
			name: "empty program dir",
			modify: func(cfg *config.Config) {
				cfg.Data.ProgramDir = ""
			},
			wantErr: config.ErrEmptyDataDir,
		},
		{
			name: "zero scan interval",
			modify: func(cfg *config.Config) {
				cfg.BLE.ScanInterval = 0
			},
			wantErr: config.ErrInvalidScanTiming,
		},
		{
			name: "negative scan window",
			modify: func(cfg *config.Config) {
				cfg.BLE.ScanWindow = -time.Second
			},
			wantErr: config.ErrInvalidScanTiming,
		},
		{
			name: "unknown service mode",
			modify: func(cfg *config.Config) {
				cfg.Services = map[string]string{"sound": "loud"}
			},
			wantErr: config.ErrInvalidServiceMode,
		},
		{
			name: "edge to undeclared room",
			modify: func(cfg *config.Config) {
				cfg.Plan = config.PlanConfig{
					Rooms: []string{"KITCHEN"},
					Edges: []config.EdgeConfig{{A: "KITCHEN", B: "ATTIC", Travel: time.Second}},
				}
			},
			wantErr: config.ErrUnknownPlanRoom,
		},
		{
			name: "edge without travel time",
			modify: func(cfg *config.Config) {
				cfg.Plan = config.PlanConfig{
					Rooms: []string{"KITCHEN", "LIVING"},
					Edges: []config.EdgeConfig{{A: "KITCHEN", B: "LIVING"}},
				}
			},
			wantErr: config.ErrInvalidPlanEdge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/slimhub.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "slimhub.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
