// Package config loads the service configuration from a YAML file. Every
// field has a default so an empty file (or no file at all) yields a working
// single-process setup with in-memory stores.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable overriding the config file
// path.
const EnvConfigPath = "GATE_CONFIG"

// DefaultPath is the config file read when no override is set.
const DefaultPath = "gate.yml"

type (
	// Config is the root service configuration.
	Config struct {
		// HTTPAddr is the listen address. Defaults to ":8080".
		HTTPAddr string `yaml:"http_addr"`
		// Approval configures the approval store lifecycle.
		Approval Approval `yaml:"approval"`
		// Session configures the stream session registry lifecycle.
		Session Session `yaml:"session"`
		// Mongo enables durable stores when Addr is set; otherwise the
		// in-memory implementations are used.
		Mongo Mongo `yaml:"mongo"`
		// Redis enables the Pulse event fan-out when Addr is set.
		Redis Redis `yaml:"redis"`
		// Debug enables request/response body logging.
		Debug bool `yaml:"debug"`
	}

	// Approval bounds the approval window and garbage collection.
	Approval struct {
		// TTL is the approval window. Defaults to 10m.
		TTL time.Duration `yaml:"ttl"`
		// SweepInterval spaces expiry sweeps. Defaults to 1m.
		SweepInterval time.Duration `yaml:"sweep_interval"`
		// Retention keeps terminal approvals for audit before GC.
		// Defaults to 24h.
		Retention time.Duration `yaml:"retention"`
	}

	// Session bounds how long an untouched session survives.
	Session struct {
		// IdleTimeout releases sessions not touched for this long.
		// Defaults to 1h.
		IdleTimeout time.Duration `yaml:"idle_timeout"`
	}

	// Mongo configures the durable stores.
	Mongo struct {
		// Addr is the connection URI, e.g. mongodb://localhost:27017.
		Addr string `yaml:"addr"`
		// Database defaults to "gate".
		Database string `yaml:"database"`
	}

	// Redis configures the Pulse event fan-out.
	Redis struct {
		// Addr is the host:port of the Redis server.
		Addr string `yaml:"addr"`
		// Password is optional.
		Password string `yaml:"password"`
	}
)

// Defaults returns a Config with every field set to its default.
func Defaults() Config {
	return Config{
		HTTPAddr: ":8080",
		Approval: Approval{
			TTL:           10 * time.Minute,
			SweepInterval: time.Minute,
			Retention:     24 * time.Hour,
		},
		Session: Session{
			IdleTimeout: time.Hour,
		},
		Mongo: Mongo{
			Database: "gate",
		},
	}
}

// Load reads the configuration from path. An empty path consults
// GATE_CONFIG, then falls back to gate.yml. A missing file is not an error:
// defaults apply.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = DefaultPath
	}
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Defaults()
	if c.HTTPAddr == "" {
		c.HTTPAddr = def.HTTPAddr
	}
	if c.Approval.TTL <= 0 {
		c.Approval.TTL = def.Approval.TTL
	}
	if c.Approval.SweepInterval <= 0 {
		c.Approval.SweepInterval = def.Approval.SweepInterval
	}
	if c.Approval.Retention <= 0 {
		c.Approval.Retention = def.Approval.Retention
	}
	if c.Session.IdleTimeout <= 0 {
		c.Session.IdleTimeout = def.Session.IdleTimeout
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = def.Mongo.Database
	}
}

func (c *Config) validate() error {
	if c.Approval.TTL < time.Second {
		return errors.New("approval ttl must be at least one second")
	}
	if c.Approval.SweepInterval > c.Approval.TTL {
		return errors.New("sweep interval must not exceed approval ttl")
	}
	return nil
}
