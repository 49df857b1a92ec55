// Package config persists ~/.compartfuzz/config.toml: the defaults the CLI
// layers under whatever flags the user passes (spec.md §2 ambient stack).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the ~/.compartfuzz/config.toml file.
type Config struct {
	WorkerTimeoutSeconds int    `toml:"worker_timeout_seconds,omitempty" json:"worker_timeout_seconds"`
	OutputRoot           string `toml:"output_root,omitempty" json:"output_root"`
	InstrumentRegex      string `toml:"instrument_regex,omitempty" json:"instrument_regex"`
	Seed                 int64  `toml:"seed,omitempty" json:"seed"`
	NoColor              bool   `toml:"no_color,omitempty" json:"no_color"`
}

// configDirOverride is set by the --config-dir flag or COMPARTFUZZ_HOME env var.
var configDirOverride string

// SetConfigDir allows the CLI to pass in the --config-dir / COMPARTFUZZ_HOME value.
func SetConfigDir(dir string) {
	configDirOverride = dir
}

// Home returns the config directory path.
// Precedence: --config-dir flag / SetConfigDir > COMPARTFUZZ_HOME env > ~/.compartfuzz
func Home() string {
	if configDirOverride != "" {
		return configDirOverride
	}
	if v := os.Getenv("COMPARTFUZZ_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".compartfuzz")
	}
	return filepath.Join(home, ".compartfuzz")
}

// Path returns the full path to config.toml.
func Path() string {
	return filepath.Join(Home(), "config.toml")
}

// EnsureDir creates the config home directory if it does not exist.
func EnsureDir() error {
	return os.MkdirAll(Home(), 0o755)
}

// Load reads config.toml and returns a Config struct.
// If the file does not exist, it returns a zero-value Config (defaults).
func Load() (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(Path())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config.toml: %w", err)
	}
	return cfg, nil
}

// Save writes the Config struct back to config.toml.
func Save(cfg *Config) error {
	if err := EnsureDir(); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(Path(), data, 0o644)
}

// validKeys lists the dot-separated keys that can be used with Get/Set.
var validKeys = map[string]bool{
	"worker_timeout_seconds": true,
	"output_root":            true,
	"instrument_regex":       true,
	"seed":                   true,
	"no_color":               true,
}

// Get retrieves a single config value by dot-separated key.
func Get(key string) (string, error) {
	if !validKeys[key] {
		return "", fmt.Errorf("unknown config key: %s", key)
	}
	cfg, err := Load()
	if err != nil {
		return "", err
	}
	return getField(cfg, key)
}

// Set sets a single config value by dot-separated key.
func Set(key, value string) error {
	if !validKeys[key] {
		return fmt.Errorf("unknown config key: %s", key)
	}
	cfg, err := Load()
	if err != nil {
		return err
	}
	if err := setField(cfg, key, value); err != nil {
		return err
	}
	return Save(cfg)
}

func getField(cfg *Config, key string) (string, error) {
	switch key {
	case "worker_timeout_seconds":
		return strconv.Itoa(cfg.WorkerTimeoutSeconds), nil
	case "output_root":
		return cfg.OutputRoot, nil
	case "instrument_regex":
		return cfg.InstrumentRegex, nil
	case "seed":
		return strconv.FormatInt(cfg.Seed, 10), nil
	case "no_color":
		return strconv.FormatBool(cfg.NoColor), nil
	default:
		return "", fmt.Errorf("unknown config key: %s", key)
	}
}

func setField(cfg *Config, key, value string) error {
	switch key {
	case "worker_timeout_seconds":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("worker_timeout_seconds: %w", err)
		}
		cfg.WorkerTimeoutSeconds = v
	case "output_root":
		cfg.OutputRoot = value
	case "instrument_regex":
		cfg.InstrumentRegex = value
	case "seed":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		cfg.Seed = v
	case "no_color":
		v, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("no_color: %w", err)
		}
		cfg.NoColor = v
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return nil
}
