// Package config holds the host's own configuration: the host version
// reported to extensions, the extension roots, and logging, watch and Lua
// runtime settings.
//
// Values come from built-in defaults, then modhost.toml (or a YAML file
// given explicitly), then MODHOST_* environment variables. Command line
// flags are applied last by cmd/modhost.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/dshills/modhost/internal/config/loader"
	"github.com/dshills/modhost/internal/logging"
	"github.com/dshills/modhost/internal/validation"
)

// FileName is the config file looked up in the working directory.
const FileName = "modhost.toml"

// EnvPrefix is the prefix of environment variable overrides.
const EnvPrefix = "MODHOST_"

// ErrFileNotFound indicates an explicitly named config file doesn't exist.
var ErrFileNotFound = errors.New("config file not found")

// Config is the host configuration.
type Config struct {
	Host  HostConfig  `toml:"host" yaml:"host"`
	Paths PathsConfig `toml:"paths" yaml:"paths"`
	Log   LogConfig   `toml:"log" yaml:"log"`
	Watch WatchConfig `toml:"watch" yaml:"watch"`
	Lua   LuaConfig   `toml:"lua" yaml:"lua"`
}

// HostConfig describes the running host.
type HostConfig struct {
	// Version is compared against each manifest's min_host_version.
	Version string `toml:"version" yaml:"version"`
}

// PathsConfig locates extensions and operator files.
type PathsConfig struct {
	BuiltinRoot string `toml:"builtin_root" yaml:"builtin_root"`
	PluginRoot  string `toml:"plugin_root" yaml:"plugin_root"`
	UserRoot    string `toml:"user_root" yaml:"user_root"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// WatchConfig configures re-discovery on file changes.
type WatchConfig struct {
	Enabled  bool     `toml:"enabled" yaml:"enabled"`
	Debounce Duration `toml:"debounce" yaml:"debounce"`
}

// LuaConfig configures the plugin interpreter.
type LuaConfig struct {
	// Timeout bounds each call into plugin code.
	Timeout Duration `toml:"timeout" yaml:"timeout"`
}

// Duration is a time.Duration written as a string such as "500ms".
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host: HostConfig{Version: "1.0.0"},
		Paths: PathsConfig{
			BuiltinRoot: filepath.Join("extensions", "builtin"),
			PluginRoot:  filepath.Join("extensions", "plugins"),
			UserRoot:    DefaultUserRoot(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: string(logging.FormatConsole),
		},
		Watch: WatchConfig{
			Enabled:  false,
			Debounce: Duration(500 * time.Millisecond),
		},
		Lua: LuaConfig{
			Timeout: Duration(5 * time.Second),
		},
	}
}

// DefaultUserRoot returns the per-user config directory for modhost.
func DefaultUserRoot() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return ".modhost"
	}
	return filepath.Join(dir, "modhost")
}

// Locate returns FileName if it exists in the working directory, else "".
func Locate() string {
	if loader.New().Exists(FileName) {
		return FileName
	}
	return ""
}

// Load returns the defaults overlaid with the file at path.
// An empty path yields the defaults. Unknown keys in the file are errors.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := loader.New().Read(path)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	if err := loader.DecodeStrict(path, data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays MODHOST_* environment variables.
func (c *Config) ApplyEnv() error {
	return c.Apply(loader.NewEnvLoader(EnvPrefix).Load())
}

// Apply sets values by dotted path, such as "log.level" or
// "paths.plugin_root". Every bad path or value is reported.
func (c *Config) Apply(values map[string]string) error {
	errs := &validation.Errors{}
	for path, raw := range values {
		if err := c.set(path, raw); err != nil {
			errs.AddWithValue(path, err.Error(), raw)
		}
	}
	errs.Sort()
	return errs.AsError()
}

func (c *Config) set(path, raw string) error {
	switch path {
	case "host.version":
		c.Host.Version = raw
	case "paths.builtin_root":
		c.Paths.BuiltinRoot = raw
	case "paths.plugin_root":
		c.Paths.PluginRoot = raw
	case "paths.user_root":
		c.Paths.UserRoot = raw
	case "log.level":
		c.Log.Level = raw
	case "log.format":
		c.Log.Format = raw
	case "watch.enabled":
		b, ok := loader.ParseBool(raw)
		if !ok {
			return fmt.Errorf("%q is not a boolean", raw)
		}
		c.Watch.Enabled = b
	case "watch.debounce":
		return c.Watch.Debounce.UnmarshalText([]byte(raw))
	case "lua.timeout":
		return c.Lua.Timeout.UnmarshalText([]byte(raw))
	default:
		return errors.New("unknown setting")
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	errs := &validation.Errors{}

	if _, err := semver.StrictNewVersion(c.Host.Version); err != nil {
		errs.AddWithValue("host.version", "must be a MAJOR.MINOR.PATCH version", c.Host.Version)
	}
	if c.Paths.BuiltinRoot == "" {
		errs.Add("paths.builtin_root", "must not be empty")
	}
	if c.Paths.PluginRoot == "" {
		errs.Add("paths.plugin_root", "must not be empty")
	}
	if c.Paths.UserRoot == "" {
		errs.Add("paths.user_root", "must not be empty")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs.AddWithValue("log.level", "must be one of debug, info, warn, error", c.Log.Level)
	}
	switch logging.Format(c.Log.Format) {
	case logging.FormatConsole, logging.FormatJSON:
	default:
		errs.AddWithValue("log.format", "must be console or json", c.Log.Format)
	}

	if c.Watch.Debounce <= 0 {
		errs.Add("watch.debounce", "must be positive")
	}
	if c.Lua.Timeout <= 0 {
		errs.Add("lua.timeout", "must be positive")
	}
	return errs.AsError()
}

// LoggerConfig returns the logging configuration described by c.
func (c *Config) LoggerConfig() logging.LoggerConfig {
	lc := logging.DefaultLoggerConfig()
	lc.Level = logging.ParseLogLevel(c.Log.Level)
	lc.Format = logging.Format(c.Log.Format)
	return lc
}
