// Package config loads railhub configuration from a yaml or toml file and
// applies RAILHUB_* environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported config format")
	ErrInvalid           = errors.New("invalid config")
)

// Config is the complete railhub configuration.
type Config struct {
	Server struct {
		Listen string `yaml:"listen" toml:"listen" env:"RAILHUB_SERVER_LISTEN"`
		Origin string `yaml:"origin" toml:"origin" env:"RAILHUB_SERVER_ORIGIN"`
		API    string `yaml:"api" toml:"api" env:"RAILHUB_SERVER_API"` // defaults to origin
	} `yaml:"server" toml:"server"`

	Store struct {
		Driver string `yaml:"driver" toml:"driver" env:"RAILHUB_STORE_DRIVER"`
		Path   string `yaml:"path" toml:"path" env:"RAILHUB_STORE_PATH"`
	} `yaml:"store" toml:"store"`

	Cache struct {
		Prefix           string   `yaml:"prefix" toml:"prefix" env:"RAILHUB_CACHE_PREFIX"`
		Version          string   `yaml:"version" toml:"version" env:"RAILHUB_CACHE_VERSION"`
		Manifest         []string `yaml:"manifest" toml:"manifest" env:"RAILHUB_CACHE_MANIFEST"`
		NetworkFirst     []string `yaml:"network_first" toml:"network_first" env:"RAILHUB_CACHE_NETWORK_FIRST"`
		CacheFirst       []string `yaml:"cache_first" toml:"cache_first" env:"RAILHUB_CACHE_CACHE_FIRST"`
		FetchTimeout     string   `yaml:"fetch_timeout" toml:"fetch_timeout" env:"RAILHUB_CACHE_FETCH_TIMEOUT"`
		MaxRevalidations int      `yaml:"max_revalidations" toml:"max_revalidations" env:"RAILHUB_CACHE_MAX_REVALIDATIONS"`
	} `yaml:"cache" toml:"cache"`

	Sync struct {
		DispatchTimeout string `yaml:"dispatch_timeout" toml:"dispatch_timeout" env:"RAILHUB_SYNC_DISPATCH_TIMEOUT"`
		PeriodicEvery   string `yaml:"periodic_every" toml:"periodic_every" env:"RAILHUB_SYNC_PERIODIC_EVERY"`
	} `yaml:"sync" toml:"sync"`

	Notify struct {
		Permission string `yaml:"permission" toml:"permission" env:"RAILHUB_NOTIFY_PERMISSION"` // granted|denied|default
		Icon       string `yaml:"icon" toml:"icon" env:"RAILHUB_NOTIFY_ICON"`
		Badge      string `yaml:"badge" toml:"badge" env:"RAILHUB_NOTIFY_BADGE"`
		PushURL    string `yaml:"push_url" toml:"push_url" env:"RAILHUB_NOTIFY_PUSH_URL"` // websocket push source, optional
	} `yaml:"notify" toml:"notify"`

	Metrics struct {
		Enabled bool `yaml:"enabled" toml:"enabled" env:"RAILHUB_METRICS_ENABLED"`
		Port    int  `yaml:"port" toml:"port" env:"RAILHUB_METRICS_PORT"`
	} `yaml:"metrics" toml:"metrics"`

	GRPC struct {
		Port int `yaml:"port" toml:"port" env:"RAILHUB_GRPC_PORT"` // 0 disables the health service
	} `yaml:"grpc" toml:"grpc"`

	Log struct {
		Level string `yaml:"level" toml:"level" env:"RAILHUB_LOG_LEVEL"`
	} `yaml:"log" toml:"log"`

	// compiled
	fetchTimeout    time.Duration
	dispatchTimeout time.Duration
	periodicEvery   time.Duration
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var cfg Config
	cfg.Server.Listen = ":8080"
	cfg.Server.Origin = "http://localhost:5173"
	cfg.Store.Driver = "leveldb"
	cfg.Store.Path = "data/railhub"
	cfg.Cache.Prefix = "railway"
	cfg.Cache.Version = "v2"
	cfg.Cache.Manifest = []string{
		"/",
		"/index.html",
		"/manifest.json",
		"/icons/icon-192x192.png",
		"/icons/icon-512x512.png",
	}
	cfg.Cache.NetworkFirst = []string{"/api/", "generativelanguage.googleapis.com"}
	cfg.Cache.CacheFirst = []string{"/icons/", "/images/", ".css", ".js", ".png", ".jpg", ".svg"}
	cfg.Cache.FetchTimeout = "30s"
	cfg.Cache.MaxRevalidations = 32
	cfg.Sync.DispatchTimeout = "30s"
	cfg.Sync.PeriodicEvery = "15m"
	cfg.Notify.Permission = "granted"
	cfg.Notify.Icon = "/icons/icon-192x192.png"
	cfg.Notify.Badge = "/icons/icon-72x72.png"
	cfg.Metrics.Port = 9090
	cfg.Log.Level = "info"
	return cfg
}

// Load reads path (yaml or toml, chosen by extension) over the defaults, then
// applies environment overrides and validates. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(path, b, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(path string, b []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("failed to parse config YAML: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("failed to parse config TOML: %w", err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
	return nil
}

// Validate fills derived values and rejects unusable settings.
func (c *Config) Validate() error {
	if c.Server.Origin == "" {
		return fmt.Errorf("%w: server.origin is required", ErrInvalid)
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	if c.Server.API == "" {
		c.Server.API = c.Server.Origin
	}
	c.Server.API = strings.TrimRight(c.Server.API, "/")

	switch c.Store.Driver {
	case "leveldb", "sqlite":
	default:
		return fmt.Errorf("%w: store.driver %q", ErrInvalid, c.Store.Driver)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("%w: store.path is required", ErrInvalid)
	}

	if c.Cache.Prefix == "" || c.Cache.Version == "" {
		return fmt.Errorf("%w: cache.prefix and cache.version are required", ErrInvalid)
	}
	if c.Cache.MaxRevalidations <= 0 {
		return fmt.Errorf("%w: cache.max_revalidations must be positive", ErrInvalid)
	}

	switch c.Notify.Permission {
	case "granted", "denied", "default":
	default:
		return fmt.Errorf("%w: notify.permission %q", ErrInvalid, c.Notify.Permission)
	}

	var err error
	if c.fetchTimeout, err = parseDuration("cache.fetch_timeout", c.Cache.FetchTimeout); err != nil {
		return err
	}
	if c.dispatchTimeout, err = parseDuration("sync.dispatch_timeout", c.Sync.DispatchTimeout); err != nil {
		return err
	}
	if c.periodicEvery, err = parseDuration("sync.periodic_every", c.Sync.PeriodicEvery); err != nil {
		return err
	}
	return nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive", ErrInvalid, field)
	}
	return d, nil
}

func (c Config) FetchTimeout() time.Duration    { return c.fetchTimeout }
func (c Config) DispatchTimeout() time.Duration { return c.dispatchTimeout }
func (c Config) PeriodicEvery() time.Duration   { return c.periodicEvery }
