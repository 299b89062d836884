// Package config loads stagehand settings from layered YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Runtime selects how the server process is started.
type Runtime string

const (
	RuntimeLocal  Runtime = "local"
	RuntimeDocker Runtime = "docker"
)

// Environment variables that override file settings.
const (
	EnvTempRoot  = "STAGEHAND_TEMP_ROOT"
	EnvMasterDSN = "STAGEHAND_MASTER_DSN"

	// EnvConfig names the explicit config file when none is passed to Load.
	// Watcher processes receive the parent's --config through it.
	EnvConfig = "STAGEHAND_CONFIG"
)

// ProjectFileName is looked up in the working directory.
const ProjectFileName = ".stagehand.yaml"

// DatabaseConfig configures the database lifecycle.
type DatabaseConfig struct {
	MasterDSN string `yaml:"master_dsn,omitempty"`
	Folder    string `yaml:"folder,omitempty"`
	MaxSizeMB int    `yaml:"max_size_mb,omitempty"`
}

// WatcherConfig configures cleanup watchers.
type WatcherConfig struct {
	// Dispatcher is an external dispatcher command line. Empty means the
	// stagehand binary itself.
	Dispatcher string `yaml:"dispatcher,omitempty"`

	// Journal is the cleanup journal path. Empty disables the journal.
	Journal string `yaml:"journal,omitempty"`
}

// ServerConfig holds defaults for the hosted server process.
type ServerConfig struct {
	Executable string   `yaml:"executable,omitempty"`
	Args       []string `yaml:"args,omitempty"`
	Runtime    Runtime  `yaml:"runtime,omitempty"`
	Image      string   `yaml:"image,omitempty"`
}

// MetricsConfig configures metric export.
type MetricsConfig struct {
	// Textfile is written with the collected metrics when a command ends.
	Textfile string `yaml:"textfile,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	TempRoot string         `yaml:"temp_root,omitempty"`
	Database DatabaseConfig `yaml:"database,omitempty"`
	Watcher  WatcherConfig  `yaml:"watcher,omitempty"`
	Server   ServerConfig   `yaml:"server,omitempty"`
	Metrics  MetricsConfig  `yaml:"metrics,omitempty"`

	// Sources lists the files that were merged, in order.
	Sources []string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		TempRoot: os.TempDir(),
		Database: DatabaseConfig{
			MaxSizeMB: 500,
		},
		Server: ServerConfig{
			Runtime: RuntimeLocal,
		},
	}
}

// UserConfigPath returns $HOME/.config/stagehand/config.yaml, or "" if the
// home directory is unknown.
func UserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "stagehand", "config.yaml")
}

// Load builds the configuration from defaults, the user file, the project
// file in the working directory and finally explicit, which must exist when
// set. An empty explicit falls back to $STAGEHAND_CONFIG. Environment
// overrides apply last.
func Load(explicit string) (Config, error) {
	cfg := Default()
	if explicit == "" {
		explicit = os.Getenv(EnvConfig)
	}

	for _, path := range []string{UserConfigPath(), ProjectFileName} {
		if path == "" {
			continue
		}
		if err := mergeFile(&cfg, path, false); err != nil {
			return Config{}, err
		}
	}
	if explicit != "" {
		if err := mergeFile(&cfg, explicit, true); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile reads a single configuration file on top of the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if err := mergeFile(&cfg, path, true); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mergeFile decodes path over cfg. Fields absent from the file keep their
// current values.
func mergeFile(cfg *Config, path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	base := filepath.Dir(path)
	cfg.TempRoot = resolvePath(base, cfg.TempRoot)
	cfg.Database.Folder = resolvePath(base, cfg.Database.Folder)
	cfg.Watcher.Journal = resolvePath(base, cfg.Watcher.Journal)
	cfg.Metrics.Textfile = resolvePath(base, cfg.Metrics.Textfile)
	cfg.Sources = append(cfg.Sources, path)
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvTempRoot); v != "" {
		cfg.TempRoot = v
	}
	if v := os.Getenv(EnvMasterDSN); v != "" {
		cfg.Database.MasterDSN = v
	}
}

// Validate checks values that cannot be corrected silently.
func (c Config) Validate() error {
	switch c.Server.Runtime {
	case "", RuntimeLocal:
	case RuntimeDocker:
		if c.Server.Image == "" {
			return fmt.Errorf("server.image is required for the docker runtime")
		}
	default:
		return fmt.Errorf("unknown server.runtime %q (want %s or %s)", c.Server.Runtime, RuntimeLocal, RuntimeDocker)
	}
	if c.Database.MaxSizeMB < 0 {
		return fmt.Errorf("database.max_size_mb must not be negative")
	}
	if strings.ContainsRune(c.TempRoot, '"') {
		return fmt.Errorf("temp_root must not contain a quote character")
	}
	return nil
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if strings.HasPrefix(p, "~"+string(filepath.Separator)) || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return filepath.Join(base, p)
}
