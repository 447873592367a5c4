// Package config loads device agent configuration.
//
// Values are resolved in three layers: package defaults, an optional YAML
// file, then ATTENDSYNC_* environment variables.
package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/attendsync/internal/connectivity"
	"github.com/kimhsiao/attendsync/internal/logging"
	"github.com/kimhsiao/attendsync/internal/remote"
	"github.com/kimhsiao/attendsync/internal/sync/queue"
	"github.com/kimhsiao/attendsync/internal/sync/scheduler"
)

type ctxKey string

const configContextKey ctxKey = "attendsync.config"

// EnvPrefix prefixes every environment override, e.g. ATTENDSYNC_API_BASE_URL.
const EnvPrefix = "attendsync"

// Queue drivers.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// WithContext returns a copy of ctx carrying cfg.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

// FromContext returns the Config stored by WithContext, or nil.
func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

type APIConfig struct {
	BaseURL        string        `yaml:"baseURL"        split_words:"true"`
	HealthPath     string        `yaml:"healthPath"     split_words:"true"`
	RequestTimeout time.Duration `yaml:"requestTimeout" split_words:"true"`
	ProbeTimeout   time.Duration `yaml:"probeTimeout"   split_words:"true"`
}

type QueueConfig struct {
	Driver     string        `yaml:"driver"`
	DataDir    string        `yaml:"dataDir"    split_words:"true"`
	RedisURL   string        `yaml:"redisURL"   envconfig:"REDIS_URL"`
	StorageKey string        `yaml:"storageKey" split_words:"true"`
	MaxSize    int           `yaml:"maxSize"    split_words:"true"`
	MaxAge     time.Duration `yaml:"maxAge"     split_words:"true"`
}

type SyncConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Backoff      bool          `yaml:"backoff"`
	MaxBackoff   time.Duration `yaml:"maxBackoff"   split_words:"true"`
	HistoryLimit int           `yaml:"historyLimit" split_words:"true"`
}

type ConnectivityConfig struct {
	ProbeInterval time.Duration `yaml:"probeInterval" split_words:"true"`
}

type DeviceConfig struct {
	// Location labels this device in logs and the status output.
	Location     string `yaml:"location"`
	TokenAccount string `yaml:"tokenAccount" split_words:"true"`
}

type ServerConfig struct {
	Listen  string `yaml:"listen"`
	Metrics bool   `yaml:"metrics"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the complete agent configuration.
type Config struct {
	API          APIConfig          `yaml:"api"          envconfig:"API"`
	Queue        QueueConfig        `yaml:"queue"        envconfig:"QUEUE"`
	Sync         SyncConfig         `yaml:"sync"         envconfig:"SYNC"`
	Connectivity ConnectivityConfig `yaml:"connectivity" envconfig:"CONNECTIVITY"`
	Device       DeviceConfig       `yaml:"device"       envconfig:"DEVICE"`
	Server       ServerConfig       `yaml:"server"       envconfig:"SERVER"`
	Logging      LoggingConfig      `yaml:"logging"      envconfig:"LOGGING"`

	// Path is the file the configuration was read from, if any.
	Path string `yaml:"-" ignored:"true"`
}

// Default returns the built-in configuration.
func Default() *Config {
	policy := queue.DefaultPolicy()
	sched := scheduler.DefaultConfig()
	return &Config{
		API: APIConfig{
			BaseURL:        "http://localhost:8080/api",
			HealthPath:     remote.DefaultHealthPath,
			RequestTimeout: remote.DefaultRequestTimeout,
			ProbeTimeout:   remote.DefaultProbeTimeout,
		},
		Queue: QueueConfig{
			Driver:     DriverSQLite,
			DataDir:    defaultDataDir(),
			StorageKey: queue.DefaultKey,
			MaxSize:    policy.MaxSize,
			MaxAge:     policy.MaxAge,
		},
		Sync: SyncConfig{
			Interval:     sched.Interval,
			Backoff:      sched.Backoff,
			MaxBackoff:   sched.MaxBackoff,
			HistoryLimit: 200,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: connectivity.DefaultConfig().ProbeInterval,
		},
		Device: DeviceConfig{
			TokenAccount: "default",
		},
		Server: ServerConfig{
			Listen:  "127.0.0.1:8765",
			Metrics: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".attendsync")
	}
	return ".attendsync"
}

// SearchPaths lists the files tried when no explicit path is given.
func SearchPaths() []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".attendsync", "attendsync.yaml"))
	}
	return append(paths, "/etc/attendsync/attendsync.yaml")
}

// Load resolves the configuration. An explicit configFile must exist; when
// it is empty the first existing file from SearchPaths is used, and no file
// at all leaves the defaults in place.
func Load(configFile string) (*Config, error) {
	cfg := Default()

	if configFile == "" {
		for _, p := range SearchPaths() {
			if _, err := os.Stat(p); err == nil {
				configFile = p
				break
			}
		}
	}

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
		cfg.Path = configFile
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return fmt.Errorf("api.baseURL must be set")
	}
	if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api.baseURL %q is not an absolute URL", c.API.BaseURL)
	}
	if u, _ := url.Parse(c.API.BaseURL); u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("api.baseURL %q must use http or https", c.API.BaseURL)
	}

	switch c.Queue.Driver {
	case DriverSQLite:
		if c.Queue.DataDir == "" {
			return fmt.Errorf("queue.dataDir must be set for the sqlite driver")
		}
	case DriverRedis:
		if c.Queue.RedisURL == "" {
			return fmt.Errorf("queue.redisURL must be set for the redis driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("invalid queue.driver: %q (must be 'sqlite', 'redis', or 'memory')", c.Queue.Driver)
	}
	if c.Queue.StorageKey == "" {
		return fmt.Errorf("queue.storageKey must be set")
	}
	if err := c.QueuePolicy().Validate(); err != nil {
		return fmt.Errorf("invalid queue bounds: %w", err)
	}
	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue.maxSize must be positive")
	}

	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.HistoryLimit <= 0 {
		return fmt.Errorf("sync.historyLimit must be positive")
	}
	if c.Connectivity.ProbeInterval <= 0 {
		return fmt.Errorf("connectivity.probeInterval must be positive")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %w", err)
	}
	return nil
}

// RemoteConfig returns the backend client settings.
func (c *Config) RemoteConfig() remote.Config {
	return remote.Config{
		BaseURL:        c.API.BaseURL,
		HealthPath:     c.API.HealthPath,
		RequestTimeout: c.API.RequestTimeout,
		ProbeTimeout:   c.API.ProbeTimeout,
	}
}

// QueuePolicy returns the queue bounds.
func (c *Config) QueuePolicy() queue.Policy {
	return queue.Policy{
		MaxSize: c.Queue.MaxSize,
		MaxAge:  c.Queue.MaxAge,
	}
}

// SchedulerConfig returns the drain loop settings.
func (c *Config) SchedulerConfig() *scheduler.Config {
	return &scheduler.Config{
		Interval:   c.Sync.Interval,
		Backoff:    c.Sync.Backoff,
		MaxBackoff: c.Sync.MaxBackoff,
	}
}

// MonitorConfig returns the connectivity monitor settings.
func (c *Config) MonitorConfig() *connectivity.Config {
	return &connectivity.Config{
		ProbeInterval: c.Connectivity.ProbeInterval,
	}
}
