// Package config handles the daemon's own bootstrap configuration:
// state directory, control-API bind address, default poll interval,
// drain timeout, and the optional CardDAV roster used for author
// classification. This is distinct from a module's route/source YAML
// (see internal/modcfg, internal/resolver), which is validated and
// resolved separately when the control API loads a project.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is a seam for tests to override the search order
// without touching the developer machine's real config files.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order: the
// current directory, then a dotfile under the user's home directory,
// then a container-convention fallback, then /etc/orgloop.
func DefaultSearchPaths() []string {
	paths := []string{"orgloop.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "orgloop", "orgloop.yaml"))
	}

	paths = append(paths, "/config/orgloop.yaml") // container convention
	paths = append(paths, "/etc/orgloop/orgloop.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise, searches searchPathsFunc() and returns the first
// path that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds the daemon's bootstrap configuration.
type Config struct {
	StateDir      string        `yaml:"state_dir"`
	Listen        ListenConfig  `yaml:"listen"`
	LogLevel      string        `yaml:"log_level"`
	DefaultPoll   string        `yaml:"default_poll_interval"`
	DrainTimeout  string        `yaml:"drain_timeout"`
	CheckpointDir string        `yaml:"checkpoint_dir"`
	Roster        *RosterConfig `yaml:"roster"`
	Modules       []string      `yaml:"modules"` // config paths loaded at startup, in addition to the state registry
}

// ListenConfig defines the control-API/webhook listener's bind
// address and port.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// RosterConfig configures the optional CardDAV-backed identity roster
// (spec.md §8 C.12 author classification). A nil Roster in Config
// disables classification entirely — every event keeps whatever
// author_type its connector already assigned.
type RosterConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	AddressBookPath string `yaml:"address_book_path"`
	RefreshInterval string `yaml:"refresh_interval"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates the result. After Load
// returns successfully, the port, poll interval, drain timeout,
// checkpoint directory and roster refresh interval are populated;
// StateDir, Listen.Address and LogLevel stay empty when unset, and
// Roster stays nil when unconfigured.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 7700
	}
	if c.DefaultPoll == "" {
		c.DefaultPoll = "30s"
	}
	if c.DrainTimeout == "" {
		c.DrainTimeout = "10s"
	}
	if c.CheckpointDir == "" {
		c.CheckpointDir = "./data/checkpoints"
	}
	if c.Roster != nil && c.Roster.RefreshInterval == "" {
		c.Roster.RefreshInterval = "15m"
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if _, err := time.ParseDuration(c.DefaultPoll); err != nil {
		return fmt.Errorf("default_poll_interval %q: %w", c.DefaultPoll, err)
	}
	if _, err := time.ParseDuration(c.DrainTimeout); err != nil {
		return fmt.Errorf("drain_timeout %q: %w", c.DrainTimeout, err)
	}
	if c.Roster != nil {
		if c.Roster.Endpoint == "" {
			return fmt.Errorf("roster.endpoint is required when roster is configured")
		}
		if _, err := time.ParseDuration(c.Roster.RefreshInterval); err != nil {
			return fmt.Errorf("roster.refresh_interval %q: %w", c.Roster.RefreshInterval, err)
		}
	}
	return nil
}

// PollInterval parses DefaultPoll, already validated by Load.
func (c *Config) PollInterval() time.Duration {
	d, _ := time.ParseDuration(c.DefaultPoll)
	return d
}

// Drain parses DrainTimeout, already validated by Load.
func (c *Config) Drain() time.Duration {
	d, _ := time.ParseDuration(c.DrainTimeout)
	return d
}

// Default returns a default configuration suitable for local
// development. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
