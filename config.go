package perfwatch

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config defines the configuration of a Dispatcher and, through Exporter,
// of the metrics bridge
type Config struct {
	// Production skips listener validation and capacity warnings
	Production bool `mapstructure:"production"`
	// CapacityThreshold is the listener count per event that triggers a warning
	CapacityThreshold int `mapstructure:"capacity_threshold"`
	// SyncByDefault makes listeners registered without WithPassive run
	// synchronously. The zero value keeps them passive.
	SyncByDefault bool `mapstructure:"sync_by_default"`

	Plugins  map[string]PluginOptions `mapstructure:"plugins"`
	Exporter ExporterConfig           `mapstructure:"exporter"`

	// Optional logger
	Logger *zap.Logger `mapstructure:"-"`
	// Optional queue; the dispatcher starts its own when nil
	Queue *Queue `mapstructure:"-"`
	// Optional hook called after a capacity warning is logged
	OnCapacityWarning func(*CapacityWarning) `mapstructure:"-"`
}

// ExporterConfig defines the metrics bridge
type ExporterConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Service identification
	Namespace   string `mapstructure:"namespace"`
	Subsystem   string `mapstructure:"subsystem"`
	ServiceName string `mapstructure:"service_name"`
	InstanceID  string `mapstructure:"instance_id"`

	// Remote write configuration
	RemoteWriteURL      string        `mapstructure:"remote_write_url"`
	RemoteWriteInterval time.Duration `mapstructure:"remote_write_interval"`

	CustomLabels map[string]string `mapstructure:"custom_labels"`

	// Events the exporter subscribes to
	Events []string `mapstructure:"events"`

	// Bounds for per-event series
	SeriesTTL time.Duration `mapstructure:"series_ttl"`
	MaxSeries int           `mapstructure:"max_series"`

	// DNS resolver options (optional, for advanced use cases)
	DNSEnable          bool          `mapstructure:"dns_enable"`
	DNSCacheTTL        time.Duration `mapstructure:"dns_cache_ttl"`
	DNSRefreshInterval time.Duration `mapstructure:"dns_refresh_interval"`
	DNSTimeout         time.Duration `mapstructure:"dns_timeout"`
	DNSUDPServers      []string      `mapstructure:"dns_udp_servers"` // e.g. ["1.1.1.1:53", "8.8.8.8:53"]
	DNSTLSServers      []string      `mapstructure:"dns_tls_servers"` // e.g. ["1.1.1.1:853", "9.9.9.9:853"]
	DNSDoHEndpoints    []string      `mapstructure:"dns_doh_endpoints"`

	// Optional logger, defaults to the dispatcher logger
	Logger *zap.Logger `mapstructure:"-"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Production:        false,
		CapacityThreshold: DefaultCapacityThreshold,
		SyncByDefault:     !DefaultPassive,
		Plugins:           make(map[string]PluginOptions),
		Exporter:          DefaultExporterConfig(),
	}
}

// DefaultExporterConfig returns a default exporter configuration
func DefaultExporterConfig() ExporterConfig {
	return ExporterConfig{
		Namespace:           "app",
		Subsystem:           "perf",
		ServiceName:         "service",
		RemoteWriteInterval: 15 * time.Second,
		CustomLabels:        make(map[string]string),
		SeriesTTL:           60 * time.Minute,
	}
}

// LoadConfig reads a config file and PERFWATCH_* environment overrides on
// top of DefaultConfig. Keys are case-insensitive, so plugin names are
// lower-cased.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("perfwatch")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := DefaultConfig()
	v.SetDefault("production", def.Production)
	v.SetDefault("capacity_threshold", def.CapacityThreshold)
	v.SetDefault("sync_by_default", def.SyncByDefault)
	v.SetDefault("exporter.enabled", def.Exporter.Enabled)
	v.SetDefault("exporter.namespace", def.Exporter.Namespace)
	v.SetDefault("exporter.subsystem", def.Exporter.Subsystem)
	v.SetDefault("exporter.service_name", def.Exporter.ServiceName)
	v.SetDefault("exporter.remote_write_interval", def.Exporter.RemoteWriteInterval)
	v.SetDefault("exporter.series_ttl", def.Exporter.SeriesTTL)
	v.SetDefault("exporter.max_series", 0)
	v.SetDefault("exporter.dns_enable", false)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := def
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Plugins == nil {
		cfg.Plugins = make(map[string]PluginOptions)
	}
	if cfg.Exporter.CustomLabels == nil {
		cfg.Exporter.CustomLabels = make(map[string]string)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once
func (c *Config) Validate() error {
	var err error
	if c.CapacityThreshold < 1 {
		err = multierr.Append(err, fmt.Errorf("capacity_threshold must be positive, got %d", c.CapacityThreshold))
	}
	for name := range c.Plugins {
		if strings.TrimSpace(name) == "" {
			err = multierr.Append(err, errors.New("plugin name cannot be empty"))
		}
	}
	if c.Exporter.Enabled {
		err = multierr.Append(err, c.Exporter.Validate())
	}
	return err
}

// Validate checks the exporter section
func (c *ExporterConfig) Validate() error {
	var err error
	if c.ServiceName == "" {
		err = multierr.Append(err, errors.New("exporter.service_name cannot be empty"))
	}
	if c.RemoteWriteURL != "" {
		u, perr := url.Parse(c.RemoteWriteURL)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("exporter.remote_write_url: %w", perr))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			err = multierr.Append(err, fmt.Errorf("exporter.remote_write_url: unsupported scheme %q", u.Scheme))
		}
	}
	if c.RemoteWriteInterval < 0 {
		err = multierr.Append(err, errors.New("exporter.remote_write_interval cannot be negative"))
	}
	for _, ev := range c.Events {
		if ev == "" {
			err = multierr.Append(err, errors.New("exporter.events cannot contain an empty name"))
			break
		}
	}
	return err
}
