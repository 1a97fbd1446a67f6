// Package config loads daemon configuration from a YAML file and
// OLISKEY_SYNC_* environment variables, with live reload of the log
// level when the file changes on disk.
package config

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/Oliskey-School/offline-sync/internal/errors"
	"github.com/Oliskey-School/offline-sync/internal/logging"
)

// Config is the full daemon configuration.
type Config struct {
	DataDir    string `mapstructure:"data_dir"`
	ListenAddr string `mapstructure:"listen_addr"`

	Log    LogConfig    `mapstructure:"log"`
	Remote RemoteConfig `mapstructure:"remote"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Net    NetConfig    `mapstructure:"net"`
}

// LogConfig configures logging output and rotation.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"` // empty means stderr only
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// RemoteConfig configures the remote backend connection.
type RemoteConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RealtimeURL string        `mapstructure:"realtime_url"` // empty disables the change feed
}

// SyncConfig configures the sync engine and queue.
type SyncConfig struct {
	DebounceDelay   time.Duration `mapstructure:"debounce_delay"`
	MaxSyncDuration time.Duration `mapstructure:"max_sync_duration"`
	MaxRetries      int           `mapstructure:"max_retries"`
	BaseRetryDelay  time.Duration `mapstructure:"base_retry_delay"`
	MaxRetryDelay   time.Duration `mapstructure:"max_retry_delay"`
	Interval        time.Duration `mapstructure:"interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	RetentionDays   int           `mapstructure:"retention_days"`
	Revalidate      bool          `mapstructure:"revalidate"`
}

// NetConfig configures the network monitor.
type NetConfig struct {
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	DwellTime     time.Duration `mapstructure:"dwell_time"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("listen_addr", "127.0.0.1:8471")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 20)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.timeout", 15*time.Second)
	v.SetDefault("remote.realtime_url", "")

	v.SetDefault("sync.debounce_delay", 250*time.Millisecond)
	v.SetDefault("sync.max_sync_duration", 30*time.Second)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.base_retry_delay", 2*time.Second)
	v.SetDefault("sync.max_retry_delay", 5*time.Minute)
	v.SetDefault("sync.interval", 15*time.Minute)
	v.SetDefault("sync.cleanup_interval", 24*time.Hour)
	v.SetDefault("sync.retention_days", 30)
	v.SetDefault("sync.revalidate", true)

	v.SetDefault("net.probe_url", "")
	v.SetDefault("net.probe_interval", 15*time.Second)
	v.SetDefault("net.dwell_time", 5*time.Second)
}

// Load reads configuration from the given file (optional) plus
// environment overrides. An empty path loads defaults and env only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OLISKEY_SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "read config file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "parse config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if path != "" {
		v.OnConfigChange(func(_ fsnotify.Event) {
			level := v.GetString("log.level")
			if err := logging.SetLevel(level); err != nil {
				logging.Warn("ignoring invalid log level from config reload", map[string]interface{}{
					"level": level,
				})
				return
			}
			logging.Info("log level updated from config file", map[string]interface{}{
				"level": level,
			})
		})
		v.WatchConfig()
	}

	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New(errors.ErrInvalid, "data_dir must not be empty")
	}
	if c.Sync.MaxRetries < 1 {
		return errors.New(errors.ErrInvalid, "sync.max_retries must be at least 1")
	}
	if c.Sync.BaseRetryDelay <= 0 {
		return errors.New(errors.ErrInvalid, "sync.base_retry_delay must be positive")
	}
	if c.Sync.RetentionDays < 1 {
		return errors.New(errors.ErrInvalid, "sync.retention_days must be at least 1")
	}
	return nil
}
