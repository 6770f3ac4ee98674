// Package config loads and persists the agent's configuration file,
// agent.yaml. The file is written once at registration and read by every
// other subcommand.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileName is the config file inside the agent's config directory.
const FileName = "agent.yaml"

// Config is the persisted agent identity and connection settings.
type Config struct {
	ServerURL       string   `yaml:"server_url"`
	APIKey          string   `yaml:"api_key"`
	AgentGUID       string   `yaml:"agent_guid"`
	AgentName       string   `yaml:"agent_name"`
	AuthorizedRoots []string `yaml:"authorized_roots"`
	PollInterval    int      `yaml:"poll_interval,omitempty"` // seconds, 0 = default
	DataDir         string   `yaml:"data_dir,omitempty"`
}

// DefaultDir returns the platform default config directory,
// ~/.shuttersense on POSIX systems.
func DefaultDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".shuttersense")
	}
	return ".shuttersense"
}

// Path returns the config file path inside dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Load reads agent.yaml from dir. A missing file is an error: every
// subcommand except register requires a completed registration.
func Load(dir string) (*Config, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config: not registered yet — run 'shuttersense-agent register' first")
		}
		return nil, fmt.Errorf("config: read %s: %w", Path(dir), err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", Path(dir), err)
	}
	if cfg.ServerURL == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("config: %s is incomplete (missing server_url or api_key)", Path(dir))
	}
	return &cfg, nil
}

// Save writes the config with restrictive permissions — the file holds
// the API key.
func Save(dir string, cfg *Config) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: create dir %s: %w", dir, err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(Path(dir), data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", Path(dir), err)
	}
	return nil
}

// ResolveDataDir returns the agent data directory: the configured one,
// or <config dir>/data.
func (c *Config) ResolveDataDir(configDir string) string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return filepath.Join(configDir, "data")
}
