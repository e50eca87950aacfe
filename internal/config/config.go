// Package config loads agent configuration from a YAML or TOML file and the
// environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Registry RegistryConfig `yaml:"registry" toml:"registry"`
	Session  SessionConfig  `yaml:"session" toml:"session"`
	Service  ServiceConfig  `yaml:"service" toml:"service"`
	Feed     FeedConfig     `yaml:"feed" toml:"feed"`
	Etcd     EtcdConfig     `yaml:"etcd" toml:"etcd"`
	Listen   string         `yaml:"listen" toml:"listen"`
	LogLevel string         `yaml:"log_level" toml:"log_level"`
}

type RegistryConfig struct {
	URL            string        `yaml:"url" toml:"url"`
	Tenant         string        `yaml:"tenant" toml:"tenant"`
	Token          string        `yaml:"token" toml:"token"`
	UserAgent      string        `yaml:"user_agent" toml:"user_agent"`
	Persistent     bool          `yaml:"persistent" toml:"persistent"`
	RequestTimeout time.Duration `yaml:"request_timeout" toml:"request_timeout"`
	Debug          bool          `yaml:"debug" toml:"debug"`
}

type SessionConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
}

type ServiceConfig struct {
	ID         string            `yaml:"id" toml:"id"`
	Address    string            `yaml:"address" toml:"address"`
	Tags       []string          `yaml:"tags" toml:"tags"`
	Metadata   map[string]string `yaml:"metadata" toml:"metadata"`
	RetryDelay time.Duration     `yaml:"retry_delay" toml:"retry_delay"`
	RetryCount int               `yaml:"retry_count" toml:"retry_count"`
}

type FeedConfig struct {
	Enabled  bool          `yaml:"enabled" toml:"enabled"`
	Interval time.Duration `yaml:"interval" toml:"interval"`
	// Tag limits the membership view to services carrying it.
	Tag string `yaml:"tag" toml:"tag"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints" toml:"endpoints"`
	Prefix      string        `yaml:"prefix" toml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout" toml:"dial_timeout"`
}

func Default() *Config {
	return &Config{
		Registry: RegistryConfig{
			Persistent:     true,
			RequestTimeout: 10 * time.Second,
		},
		Session: SessionConfig{HeartbeatTimeout: 15 * time.Second},
		Service: ServiceConfig{RetryDelay: 2 * time.Second},
		Feed:    FeedConfig{Enabled: true, Interval: 10 * time.Second},
		Etcd: EtcdConfig{
			Prefix:      "/svcreg",
			DialTimeout: 5 * time.Second,
		},
		Listen:   ":8080",
		LogLevel: "info",
	}
}

// Load reads path (".yaml", ".yml" or ".toml") over the defaults and then
// applies environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			err = decodeYAML(data, cfg)
		case ".toml":
			err = decodeTOML(data, cfg)
		default:
			err = fmt.Errorf("unsupported config format %q", ext)
		}
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func decodeTOML(data []byte, cfg *Config) error {
	meta, err := toml.Decode(string(data), cfg)
	if err != nil {
		return err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	str("SVCREG_URL", &c.Registry.URL)
	str("SVCREG_TENANT", &c.Registry.Tenant)
	str("SVCREG_TOKEN", &c.Registry.Token)
	str("SVCREG_SERVICE_ID", &c.Service.ID)
	str("SVCREG_SERVICE_ADDR", &c.Service.Address)
	str("SVCREG_LISTEN", &c.Listen)
	str("SVCREG_LOG_LEVEL", &c.LogLevel)

	if v, ok := lookup("SVCREG_ETCD_ENDPOINTS"); ok {
		c.Etcd.Endpoints = splitList(v)
	}
	if v, ok := lookup("SVCREG_HEARTBEAT_TIMEOUT"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse SVCREG_HEARTBEAT_TIMEOUT: %w", err)
		}
		c.Session.HeartbeatTimeout = d
	}
	return nil
}

// Validate reports every missing or out-of-range field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Registry.URL == "" {
		errs = append(errs, errors.New("registry.url is required"))
	}
	if c.Registry.Tenant == "" {
		errs = append(errs, errors.New("registry.tenant is required"))
	}
	if c.Service.ID == "" {
		errs = append(errs, errors.New("service.id is required"))
	}
	if hb := c.Session.HeartbeatTimeout; hb < time.Second || hb > 30*time.Second {
		errs = append(errs, fmt.Errorf("session.heartbeat_timeout %s out of range [1s, 30s]", hb))
	}
	if c.Session.HeartbeatTimeout%time.Second != 0 {
		errs = append(errs, fmt.Errorf("session.heartbeat_timeout %s must be whole seconds", c.Session.HeartbeatTimeout))
	}
	if c.Service.RetryCount < 0 {
		errs = append(errs, errors.New("service.retry_count must not be negative"))
	}
	if c.Feed.Enabled && c.Feed.Interval <= 0 {
		errs = append(errs, errors.New("feed.interval must be positive"))
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
