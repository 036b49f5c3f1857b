// Package config loads the daemon configuration from a YAML file, layering
// file values over the deployed defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Muskantaranum/btshelf/pkg/shelf"
	"github.com/Muskantaranum/btshelf/pkg/store"
	"github.com/Muskantaranum/btshelf/pkg/telemetry"
)

// Config represents the configuration file structure
type Config struct {
	Peripheral struct {
		Address          string `yaml:"address"`
		Name             string `yaml:"name"`
		Profile          string `yaml:"profile"`
		ScanTimeoutMS    int    `yaml:"scan_timeout_ms"`
		ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
	} `yaml:"peripheral"`

	Telemetry struct {
		Location           string  `yaml:"location"`
		LowStockThreshold  float64 `yaml:"low_stock_threshold"`
		ShockThreshold     float64 `yaml:"shock_threshold"`
		ChangeEpsilon      float64 `yaml:"change_epsilon"`
		HistorySize        int     `yaml:"history_size"`
		ShockHistorySize   int     `yaml:"shock_history_size"`
		TrendSize          int     `yaml:"trend_size"`
		TrendIntervalMS    int     `yaml:"trend_interval_ms"`
		LivenessIntervalMS int     `yaml:"liveness_interval_ms"`
		LivenessWindowMS   int     `yaml:"liveness_window_ms"`
	} `yaml:"telemetry"`

	Store struct {
		Enabled      bool   `yaml:"enabled"`
		Addr         string `yaml:"addr"`
		Password     string `yaml:"password"`
		DB           int    `yaml:"db"`
		Prefix       string `yaml:"prefix"`
		HistoryLimit int    `yaml:"history_limit"`
	} `yaml:"store"`

	API struct {
		Enabled  bool   `yaml:"enabled"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"api"`

	Feed struct {
		Enabled  bool   `yaml:"enabled"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"feed"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Default returns the configuration used when no file (or an empty file) is
// provided
func Default() Config {
	var cfg Config

	cfg.Peripheral.Name = "esp32_scale_bt"
	cfg.Peripheral.Profile = "serial"
	cfg.Peripheral.ScanTimeoutMS = 10000
	cfg.Peripheral.ConnectTimeoutMS = 10000

	t := telemetry.DefaultConfig()
	cfg.Telemetry.LowStockThreshold = t.LowStockThreshold
	cfg.Telemetry.ShockThreshold = t.ShockThreshold
	cfg.Telemetry.ChangeEpsilon = t.ChangeEpsilon
	cfg.Telemetry.HistorySize = t.HistorySize
	cfg.Telemetry.ShockHistorySize = t.ShockHistorySize
	cfg.Telemetry.TrendSize = t.TrendSize
	cfg.Telemetry.TrendIntervalMS = int(t.TrendInterval / time.Millisecond)
	cfg.Telemetry.LivenessIntervalMS = int(t.LivenessInterval / time.Millisecond)
	cfg.Telemetry.LivenessWindowMS = int(t.LivenessWindow / time.Millisecond)

	cfg.Store.Addr = "localhost:6379"
	cfg.Store.Prefix = "btshelf"
	cfg.Store.HistoryLimit = 1000

	cfg.API.Enabled = true
	cfg.API.Endpoint = "localhost:8090"

	cfg.Feed.Enabled = true
	cfg.Feed.Endpoint = "localhost:8091"

	cfg.Logging.Level = "info"

	return cfg
}

// Load reads a configuration file, layering it over the defaults. An empty
// path returns the defaults unchanged
func Load(path string) (Config, error) {

	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read configuration file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse configuration file: %w", err)
	}

	return cfg, cfg.validate()
}

// Identity returns the peripheral identity to scan for
func (c Config) Identity() shelf.PeripheralIdentity {
	return shelf.PeripheralIdentity{
		Address: c.Peripheral.Address,
		Name:    c.Peripheral.Name,
	}
}

// ScanTimeout returns the scan timeout as a duration
func (c Config) ScanTimeout() time.Duration {
	return time.Duration(c.Peripheral.ScanTimeoutMS) * time.Millisecond
}

// ConnectTimeout returns the connect timeout as a duration
func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Peripheral.ConnectTimeoutMS) * time.Millisecond
}

// TelemetryConfig converts the telemetry section into an aggregator
// configuration
func (c Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Location:          c.Telemetry.Location,
		LowStockThreshold: c.Telemetry.LowStockThreshold,
		ShockThreshold:    c.Telemetry.ShockThreshold,
		ChangeEpsilon:     c.Telemetry.ChangeEpsilon,
		HistorySize:       c.Telemetry.HistorySize,
		ShockHistorySize:  c.Telemetry.ShockHistorySize,
		TrendSize:         c.Telemetry.TrendSize,
		TrendInterval:     time.Duration(c.Telemetry.TrendIntervalMS) * time.Millisecond,
		LivenessInterval:  time.Duration(c.Telemetry.LivenessIntervalMS) * time.Millisecond,
		LivenessWindow:    time.Duration(c.Telemetry.LivenessWindowMS) * time.Millisecond,
	}
}

// StoreConfig converts the store section into a sink configuration
func (c Config) StoreConfig() store.Config {
	return store.Config{
		Enabled:      c.Store.Enabled,
		Addr:         c.Store.Addr,
		Password:     c.Store.Password,
		DB:           c.Store.DB,
		Prefix:       c.Store.Prefix,
		HistoryLimit: c.Store.HistoryLimit,
	}
}

func (c Config) validate() error {
	if !c.Identity().Valid() {
		return fmt.Errorf("peripheral: either address or name must be set")
	}
	if c.Peripheral.ScanTimeoutMS <= 0 {
		return fmt.Errorf("peripheral: scan_timeout_ms must be positive")
	}
	if c.Peripheral.ConnectTimeoutMS <= 0 {
		return fmt.Errorf("peripheral: connect_timeout_ms must be positive")
	}
	if c.Telemetry.LowStockThreshold < 0 {
		return fmt.Errorf("telemetry: low_stock_threshold must not be negative")
	}
	if c.Telemetry.ShockThreshold <= 0 {
		return fmt.Errorf("telemetry: shock_threshold must be positive")
	}

	return nil
}
