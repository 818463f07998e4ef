package dean

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// NodeConfig is the per-node operator configuration persisted between
// runs. Address is the node's canonical MAC in display form.
type NodeConfig struct {
	Address  string `json:"address"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	Location string `json:"location"`
}

// ConfigStore persists one JSON file per node under the program-data
// config directory.
type ConfigStore struct {
	dir string
}

// NewConfigStore roots the store at dir, creating it if needed.
func NewConfigStore(dir string) (*ConfigStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("dean: create config dir: %w", err)
	}
	return &ConfigStore{dir: dir}, nil
}

func (s *ConfigStore) path(addr string) string {
	slug := strings.ReplaceAll(strings.ToUpper(addr), ":", "-")
	return filepath.Join(s.dir, slug+".json")
}

// Load reads the persisted config for addr. The second return value
// reports whether a config exists.
func (s *ConfigStore) Load(addr string) (NodeConfig, bool, error) {
	raw, err := os.ReadFile(s.path(addr))
	if os.IsNotExist(err) {
		return NodeConfig{}, false, nil
	}
	if err != nil {
		return NodeConfig{}, false, fmt.Errorf("dean: read config %s: %w", addr, err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return NodeConfig{}, false, fmt.Errorf("dean: parse config %s: %w", addr, err)
	}
	return cfg, true, nil
}

// Save writes cfg, replacing any previous file for the address.
func (s *ConfigStore) Save(cfg NodeConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("dean: encode config %s: %w", cfg.Address, err)
	}
	if err := os.WriteFile(s.path(cfg.Address), raw, 0o644); err != nil {
		return fmt.Errorf("dean: write config %s: %w", cfg.Address, err)
	}
	return nil
}

// All returns every persisted config, sorted by address.
func (s *ConfigStore) All() ([]NodeConfig, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("dean: list configs: %w", err)
	}

	var configs []NodeConfig
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("dean: read config %s: %w", e.Name(), err)
		}
		var cfg NodeConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("dean: parse config %s: %w", e.Name(), err)
		}
		configs = append(configs, cfg)
	}

	sort.Slice(configs, func(i, j int) bool {
		return configs[i].Address < configs[j].Address
	})
	return configs, nil
}
