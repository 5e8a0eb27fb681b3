// Package config loads the service configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to run the stream consumer.
type Config struct {
	Stream   StreamConfig   `yaml:"stream"`
	Recon    ReconConfig    `yaml:"recon"`
	Store    StoreConfig    `yaml:"store"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
	Plotting PlottingConfig `yaml:"plotting"`
}

// StreamConfig describes the input stream and the measurement configuration.
type StreamConfig struct {
	// Input is the gob-framed record stream, "-" for stdin.
	Input string `yaml:"input"`
	// ProtocolPath is the JSON header snapshot for this measurement.
	ProtocolPath string `yaml:"protocolPath"`
	// GIRFPath is the impulse-response file; empty selects the identity
	// response (prediction degenerates to the nominal trajectory).
	GIRFPath string `yaml:"girfPath"`
	// TrailingPolicy is drop, process or warn.
	TrailingPolicy string `yaml:"trailingPolicy"`
	// ConsumeNavigators buffers phase navigators instead of discarding them.
	ConsumeNavigators bool `yaml:"consumeNavigators"`
	// WhitenScale adjusts the noise model for bandwidth differences.
	WhitenScale float64 `yaml:"whitenScale"`
}

// ReconConfig configures the external reconstruction collaborator.
type ReconConfig struct {
	Binary  string        `yaml:"binary"`
	WorkDir string        `yaml:"workDir"`
	Timeout time.Duration `yaml:"timeout"`
	// FallbackSensitivity derives a sensitivity map from the imaging group
	// when a slice has no calibration-derived map.
	FallbackSensitivity bool `yaml:"fallbackSensitivity"`
}

// StoreConfig configures the sqlite session audit store.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// PlottingConfig controls the optional trajectory debug plots.
type PlottingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// Load initialises Config from a YAML file and environment overrides. An empty
// path falls back to KSPACE_STREAM_CONFIG. The result is validated; at minimum
// a protocol path must be configured somewhere.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("KSPACE_STREAM_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Stream: StreamConfig{
			Input:          "-",
			TrailingPolicy: "warn",
			WhitenScale:    1,
		},
		Recon: ReconConfig{
			Timeout:             5 * time.Minute,
			FallbackSensitivity: true,
		},
		Store: StoreConfig{
			Enabled: false,
			Path:    "kspace-stream.db",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":2112",
		},
		Plotting: PlottingConfig{
			Enabled: false,
			Dir:     "plots",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KSPACE_STREAM_INPUT"); v != "" {
		cfg.Stream.Input = v
	}
	if v := os.Getenv("KSPACE_STREAM_PROTOCOL"); v != "" {
		cfg.Stream.ProtocolPath = v
	}
	if v := os.Getenv("KSPACE_STREAM_GIRF"); v != "" {
		cfg.Stream.GIRFPath = v
	}
	if v := os.Getenv("KSPACE_STREAM_TRAILING_POLICY"); v != "" {
		cfg.Stream.TrailingPolicy = v
	}
	if v := os.Getenv("KSPACE_STREAM_RECON_BINARY"); v != "" {
		cfg.Recon.Binary = v
	}
	if v := os.Getenv("KSPACE_STREAM_STORE_PATH"); v != "" {
		cfg.Store.Enabled = true
		cfg.Store.Path = v
	}
	if v := os.Getenv("KSPACE_STREAM_METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = v
	}
	if v := os.Getenv("KSPACE_STREAM_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.Debug = b
		}
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Stream.ProtocolPath == "" {
		return fmt.Errorf("config: stream.protocolPath is required")
	}
	switch c.Stream.TrailingPolicy {
	case "drop", "process", "warn":
	default:
		return fmt.Errorf("config: unknown trailing policy %q", c.Stream.TrailingPolicy)
	}
	if c.Stream.WhitenScale < 0 {
		return fmt.Errorf("config: whitenScale must be non-negative")
	}
	if c.Recon.Timeout < 0 {
		return fmt.Errorf("config: recon.timeout must be non-negative")
	}
	return nil
}
