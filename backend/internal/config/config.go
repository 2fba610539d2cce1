// Package config loads the taskbox configuration file.
//
// The file is optional TOML. Missing keys keep their defaults and unknown keys
// are rejected, so a typo does not silently fall back to a default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration written as "10s" in the file.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the server configuration.
type Config struct {
	HTTP     string `toml:"http"`
	DB       string `toml:"db"`
	LogDir   string `toml:"log_dir"`
	LogLevel string `toml:"log_level"`
	// Backend is "process" or "container".
	Backend           string   `toml:"backend"`
	Docker            string   `toml:"docker"`
	MaxConcurrentRuns int      `toml:"max_concurrent_runs"`
	StopGrace         Duration `toml:"stop_grace"`
	CredentialsDir    string   `toml:"credentials_dir"`
	Model             string   `toml:"model"`
	MaxTurns          int      `toml:"max_turns"`
	AuthSecret        string   `toml:"auth_secret"`

	// APIKey is only read from ANTHROPIC_API_KEY.
	APIKey string `toml:"-"`
}

// ParseError represents a TOML decode failure.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse config %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		HTTP:              "localhost:8080",
		DB:                filepath.Join(dataDir(home), "taskbox.db"),
		LogDir:            filepath.Join(cacheDir(home), "logs"),
		LogLevel:          "info",
		Backend:           "process",
		Docker:            "docker",
		MaxConcurrentRuns: 4,
		StopGrace:         Duration(10 * time.Second),
		CredentialsDir:    filepath.Join(home, ".claude"),
	}
}

// Path returns the default config file location,
// $XDG_CONFIG_HOME/taskbox/config.toml.
func Path() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "taskbox", "config.toml"), nil
}

// Load reads path on top of Default. A missing file is not an error.
// Environment variables are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // path is operator supplied.
	if errors.Is(err, os.ErrNotExist) {
		cfg.applyEnv()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	d := toml.NewDecoder(bytes.NewReader(data))
	d.DisallowUnknownFields()
	if err := d.Decode(cfg); err != nil {
		var decodeErr *toml.DecodeError
		var strictErr *toml.StrictMissingError
		if errors.As(err, &decodeErr) || errors.As(err, &strictErr) {
			return nil, &ParseError{Path: path, Err: err}
		}
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("TASKBOX_AUTH_SECRET"); v != "" {
		c.AuthSecret = v
	}
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP == "" {
		errs = append(errs, errors.New("http address is required"))
	}
	if c.DB == "" {
		errs = append(errs, errors.New("db path is required"))
	}
	switch c.Backend {
	case "process", "container":
	default:
		errs = append(errs, fmt.Errorf("backend must be process or container, got %q", c.Backend))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	if c.MaxConcurrentRuns < 0 {
		errs = append(errs, errors.New("max_concurrent_runs must be >= 0"))
	}
	if c.MaxTurns < 0 {
		errs = append(errs, errors.New("max_turns must be >= 0"))
	}
	if c.StopGrace < 0 {
		errs = append(errs, errors.New("stop_grace must be >= 0"))
	}
	return errors.Join(errs...)
}

// cacheDir returns $XDG_CACHE_HOME/taskbox with a fallback to
// ~/.cache/taskbox.
func cacheDir(home string) string {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, "taskbox")
}

// dataDir returns $XDG_DATA_HOME/taskbox with a fallback to
// ~/.local/share/taskbox.
func dataDir(home string) string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "taskbox")
}
