// Package config loads runtime settings from defaults, an optional config
// file and GODAISY_* environment variables.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/db"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/errors"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/logging"
)

// EnvPrefix is the prefix for environment overrides, e.g. GODAISY_SYNC_ENDPOINT.
const EnvPrefix = "GODAISY"

// LogConfig configures the global logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// NetworkConfig selects the connectivity source.
type NetworkConfig struct {
	Source        string        `mapstructure:"source"` // platform | probe
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	Debounce      time.Duration `mapstructure:"debounce"`
}

// SyncConfig configures delivery of pending actions.
type SyncConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	DeadLetter bool          `mapstructure:"dead_letter"`
	AuthHeader string        `mapstructure:"auth_header"`
	// Backoff delays the first retry of a failed entry and doubles per
	// failure up to MaxBackoff. Zero retries on the next cycle.
	Backoff    time.Duration `mapstructure:"backoff"`
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
}

// RetentionConfig configures the retention sweep.
type RetentionConfig struct {
	MaxAge   time.Duration `mapstructure:"max_age"`
	Interval time.Duration `mapstructure:"interval"`
}

// HubConfig configures the status websocket server.
type HubConfig struct {
	Addr string `mapstructure:"addr"`
}

// Config is the full runtime configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	Log       LogConfig       `mapstructure:"log"`
	Network   NetworkConfig   `mapstructure:"network"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Retention RetentionConfig `mapstructure:"retention"`
	Hub       HubConfig       `mapstructure:"hub"`
}

var defaults = map[string]interface{}{
	"data_dir":               "./data",
	"log.level":              "INFO",
	"log.file":               "",
	"log.max_size_mb":        50,
	"log.max_backups":        3,
	"log.max_age_days":       28,
	"log.compress":           false,
	"network.source":         "platform",
	"network.probe_url":      "",
	"network.probe_interval": 30 * time.Second,
	"network.debounce":       time.Duration(0),
	"sync.endpoint":          "",
	"sync.timeout":           30 * time.Second,
	"sync.max_retries":       5,
	"sync.dead_letter":       false,
	"sync.auth_header":       "",
	"sync.backoff":           time.Duration(0),
	"sync.max_backoff":       time.Hour,
	"retention.max_age":      7 * 24 * time.Hour,
	"retention.interval":     24 * time.Hour,
	"hub.addr":               "127.0.0.1:8090",
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "failed to decode configuration", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration with environment overrides
// applied.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		// the defaults table always decodes
		panic(err)
	}
	return cfg
}

// Loader owns a viper instance and the last valid configuration.
type Loader struct {
	v    *viper.Viper
	path string

	mu      sync.RWMutex
	current *Config
}

// NewLoader reads path (yaml, json or toml by extension) on top of the
// defaults. An empty path uses defaults and environment only.
func NewLoader(path string) (*Loader, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(errors.ErrConfig, fmt.Sprintf("failed to read config file %s", path), err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Loader{v: v, path: path, current: cfg}, nil
}

// Load is NewLoader followed by Config.
func Load(path string) (*Config, error) {
	l, err := NewLoader(path)
	if err != nil {
		return nil, err
	}
	return l.Config(), nil
}

// Config returns the last valid configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch reloads the config file when it changes and calls fn with every new
// valid configuration. Invalid edits are logged and ignored. Watch is a no-op
// without a config file.
func (l *Loader) Watch(fn func(*Config)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.reload(e.Name, fn)
	})
	l.v.WatchConfig()
}

func (l *Loader) reload(name string, fn func(*Config)) {
	cfg, err := decode(l.v)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		logging.ErrorWithCode("Ignoring invalid configuration change", string(errors.ErrConfig), err,
			map[string]interface{}{"file": name})
		return
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()

	logging.Info("Configuration reloaded", map[string]interface{}{"file": name})
	if fn != nil {
		fn(cfg)
	}
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New(errors.ErrConfig, "data_dir must not be empty")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(errors.ErrConfig, "invalid log.level", err)
	}

	switch c.Network.Source {
	case "platform":
	case "probe":
		if c.Network.ProbeURL == "" {
			return errors.New(errors.ErrConfig, "network.probe_url is required for the probe source")
		}
	default:
		return errors.Newf(errors.ErrConfig, "network.source must be platform or probe, got %q", c.Network.Source)
	}
	if c.Network.Debounce < 0 {
		return errors.New(errors.ErrConfig, "network.debounce must not be negative")
	}

	if c.Sync.MaxRetries < 1 {
		return errors.New(errors.ErrConfig, "sync.max_retries must be at least 1")
	}
	if c.Sync.Timeout <= 0 {
		return errors.New(errors.ErrConfig, "sync.timeout must be positive")
	}
	if c.Sync.Backoff < 0 || c.Sync.MaxBackoff < 0 {
		return errors.New(errors.ErrConfig, "sync.backoff and sync.max_backoff must not be negative")
	}
	if c.Retention.MaxAge <= 0 || c.Retention.Interval <= 0 {
		return errors.New(errors.ErrConfig, "retention.max_age and retention.interval must be positive")
	}
	return nil
}

// DBPath returns the database file inside DataDir.
func (c *Config) DBPath() string {
	return db.PathIn(c.DataDir)
}

// LogOptions converts the log section for logging.NewWithOptions.
func (c *Config) LogOptions() logging.Options {
	level, _ := logging.ParseLevel(c.Log.Level)
	return logging.Options{
		Level:      level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}
