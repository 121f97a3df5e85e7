// Package config loads the node configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Defaults for every optional setting.
const (
	DefaultSweepInterval   = 10 * time.Second
	DefaultRemoteCacheSize = 4096
	DefaultAgreementTTL    = time.Hour
	DefaultPollTimeout     = 30 * time.Second
	DefaultPollLimit       = 100
)

// Config is the on-disk node configuration.
type Config struct {
	// Database is the SQLite file path. Required.
	Database string `yaml:"database"`

	// NodeID identifies this node to its peers. Required.
	NodeID string `yaml:"node_id"`

	SweepInterval       time.Duration `yaml:"sweep_interval"`
	RemoteCacheSize     int           `yaml:"remote_cache_size"`
	DefaultAgreementTTL time.Duration `yaml:"default_agreement_ttl"`
	PollTimeout         time.Duration `yaml:"poll_timeout"`
	PollLimit           int           `yaml:"poll_limit"`
	RequireSignatures   bool          `yaml:"require_signatures"`

	// MetricsAddr is the listen address for /metrics. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns a config with every optional setting at its default.
func Default() Config {
	return Config{
		SweepInterval:       DefaultSweepInterval,
		RemoteCacheSize:     DefaultRemoteCacheSize,
		DefaultAgreementTTL: DefaultAgreementTTL,
		PollTimeout:         DefaultPollTimeout,
		PollLimit:           DefaultPollLimit,
	}
}

// Load reads a YAML config file over the defaults and validates it.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Read reads a YAML config file over the defaults without validating it,
// for callers that apply overrides first.
func Read(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := decode(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML config data over the defaults and validates it.
// Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks required settings and ranges.
func (c Config) Validate() error {
	var err error
	if c.Database == "" {
		err = multierr.Append(err, errors.New("database is required"))
	}
	if c.NodeID == "" {
		err = multierr.Append(err, errors.New("node_id is required"))
	}
	if c.SweepInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("sweep_interval must be positive, got %s", c.SweepInterval))
	}
	if c.RemoteCacheSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("remote_cache_size must be positive, got %d", c.RemoteCacheSize))
	}
	if c.DefaultAgreementTTL <= 0 {
		err = multierr.Append(err, fmt.Errorf("default_agreement_ttl must be positive, got %s", c.DefaultAgreementTTL))
	}
	if c.PollTimeout < 0 {
		err = multierr.Append(err, fmt.Errorf("poll_timeout must not be negative, got %s", c.PollTimeout))
	}
	if c.PollLimit <= 0 {
		err = multierr.Append(err, fmt.Errorf("poll_limit must be positive, got %d", c.PollLimit))
	}
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
