// Package config loads rethink settings from defaults, a YAML file, .env and RETHINK_ variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const appName = "rethink"

// Config holds the complete application configuration
type Config struct {
	HostAppID     string              `mapstructure:"host_app_id"`
	DataDir       string              `mapstructure:"data_dir"`
	LogLevel      string              `mapstructure:"log_level"`
	Watcher       WatcherConfig       `mapstructure:"watcher"`
	Guardian      GuardianConfig      `mapstructure:"guardian"`
	Session       SessionConfig       `mapstructure:"session"`
	Blocklist     BlocklistConfig     `mapstructure:"blocklist"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Usage         UsageConfig         `mapstructure:"usage"`
}

// WatcherConfig tunes the always-on foreground watcher
type WatcherConfig struct {
	CapabilityCheckInterval time.Duration `mapstructure:"capability_check_interval"`
	HeartbeatInterval       time.Duration `mapstructure:"heartbeat_interval"`
	EventBuffer             int           `mapstructure:"event_buffer"`
	WakeBudget              time.Duration `mapstructure:"wake_budget"`
	KillBlockedProcess      bool          `mapstructure:"kill_blocked_process"`
}

// GuardianConfig tunes the process that keeps the watcher alive
type GuardianConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// SessionConfig tunes the interactive layer
type SessionConfig struct {
	FocusTickInterval    time.Duration `mapstructure:"focus_tick_interval"`
	UsageRefreshInterval time.Duration `mapstructure:"usage_refresh_interval"`
	WakeMaxAge           time.Duration `mapstructure:"wake_max_age"`
	SocketPath           string        `mapstructure:"socket_path"`
}

// BlocklistConfig selects the blocklist transport
type BlocklistConfig struct {
	Backend string `mapstructure:"backend"` // "file" or "redis"
	Path    string `mapstructure:"path"`
}

// RedisConfig is used when blocklist.backend is redis
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// MetricsConfig enables the prometheus endpoints. Empty addresses disable them.
type MetricsConfig struct {
	Listen        string `mapstructure:"listen"`         // watcher, or `rethink run`
	SessionListen string `mapstructure:"session_listen"` // standalone session
}

// NotificationsConfig toggles desktop notifications
type NotificationsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// UsageConfig extends the built-in usage filters
type UsageConfig struct {
	ExtraDenyPackages []string `mapstructure:"extra_deny_packages"`
	ExtraDenyPrefixes []string `mapstructure:"extra_deny_prefixes"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	dataDir := filepath.Join(xdg.DataHome, appName)
	return &Config{
		HostAppID: appName,
		DataDir:   dataDir,
		LogLevel:  "info",
		Watcher: WatcherConfig{
			CapabilityCheckInterval: 5 * time.Second,
			HeartbeatInterval:       30 * time.Second,
			EventBuffer:             64,
			WakeBudget:              5 * time.Second,
			KillBlockedProcess:      false,
		},
		Guardian: GuardianConfig{
			CheckInterval: 30 * time.Second,
		},
		Session: SessionConfig{
			FocusTickInterval:    60 * time.Second,
			UsageRefreshInterval: 60 * time.Second,
			WakeMaxAge:           2 * time.Minute,
		},
		Blocklist: BlocklistConfig{
			Backend: "file",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			Key:  "rethink:blocklist",
		},
		Notifications: NotificationsConfig{
			Enabled: true,
		},
	}
}

// DefaultConfigPath is $XDG_CONFIG_HOME/rethink/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.yaml")
}

// Load reads configuration. An empty configPath means DefaultConfigPath.
// A missing file is fine; defaults and environment variables still apply.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = DefaultConfigPath()
	}

	// .env next to the config file feeds RETHINK_ variables.
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	}

	v := viper.New()
	setDefaults(v, Default())

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RETHINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("host_app_id", d.HostAppID)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("log_level", d.LogLevel)

	v.SetDefault("watcher.capability_check_interval", d.Watcher.CapabilityCheckInterval)
	v.SetDefault("watcher.heartbeat_interval", d.Watcher.HeartbeatInterval)
	v.SetDefault("watcher.event_buffer", d.Watcher.EventBuffer)
	v.SetDefault("watcher.wake_budget", d.Watcher.WakeBudget)
	v.SetDefault("watcher.kill_blocked_process", d.Watcher.KillBlockedProcess)

	v.SetDefault("guardian.check_interval", d.Guardian.CheckInterval)

	v.SetDefault("session.focus_tick_interval", d.Session.FocusTickInterval)
	v.SetDefault("session.usage_refresh_interval", d.Session.UsageRefreshInterval)
	v.SetDefault("session.wake_max_age", d.Session.WakeMaxAge)
	v.SetDefault("session.socket_path", d.Session.SocketPath)

	v.SetDefault("blocklist.backend", d.Blocklist.Backend)
	v.SetDefault("blocklist.path", d.Blocklist.Path)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.key", d.Redis.Key)

	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("metrics.session_listen", d.Metrics.SessionListen)
	v.SetDefault("notifications.enabled", d.Notifications.Enabled)

	v.SetDefault("usage.extra_deny_packages", []string{})
	v.SetDefault("usage.extra_deny_prefixes", []string{})
}

func validate(cfg *Config) error {
	if cfg.HostAppID == "" {
		return errors.New("host_app_id must not be empty")
	}
	if cfg.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	switch cfg.Blocklist.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("unknown blocklist backend %q", cfg.Blocklist.Backend)
	}
	if cfg.Blocklist.Backend == "redis" && cfg.Redis.Addr == "" {
		return errors.New("redis.addr is required for the redis blocklist backend")
	}
	if cfg.Watcher.EventBuffer <= 0 {
		return fmt.Errorf("watcher.event_buffer must be positive, got %d", cfg.Watcher.EventBuffer)
	}
	for name, d := range map[string]time.Duration{
		"watcher.capability_check_interval": cfg.Watcher.CapabilityCheckInterval,
		"watcher.heartbeat_interval":        cfg.Watcher.HeartbeatInterval,
		"watcher.wake_budget":               cfg.Watcher.WakeBudget,
		"guardian.check_interval":           cfg.Guardian.CheckInterval,
		"session.focus_tick_interval":       cfg.Session.FocusTickInterval,
		"session.usage_refresh_interval":    cfg.Session.UsageRefreshInterval,
		"session.wake_max_age":              cfg.Session.WakeMaxAge,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

// PolicyDBPath is the bolt file holding limits, focus modes and settings.
func (c *Config) PolicyDBPath() string {
	return filepath.Join(c.DataDir, "policy.db")
}

// BlocklistPath is where the file backend keeps the authoritative blocklist.
func (c *Config) BlocklistPath() string {
	if c.Blocklist.Path != "" {
		return c.Blocklist.Path
	}
	return filepath.Join(c.DataDir, "blocklist.json")
}

// SocketPath is the session's unix socket.
func (c *Config) SocketPath() string {
	if c.Session.SocketPath != "" {
		return c.Session.SocketPath
	}
	return filepath.Join(xdg.RuntimeDir, appName, "session.sock")
}

// LogPath is the daemon log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "rethink.log")
}
