// Package config loads and validates the YAML configuration file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for "30s"-style values.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// HealthConfig configures probing for one route's destination.
type HealthConfig struct {
	// Path is the probe endpoint, relative to the destination prefix.
	Path string `yaml:"path"`
	// Period is the probe interval.
	Period Duration `yaml:"period"`
}

// RouteConfig maps an inbound path prefix to a destination prefix URI.
type RouteConfig struct {
	// PathPrefix is the inbound route prefix, stripped before the
	// outbound URI is composed.
	PathPrefix string `yaml:"path-prefix"`
	// Destination is the upstream prefix URI.
	Destination string `yaml:"destination"`
	// Health optionally enables probing for this destination.
	Health *HealthConfig `yaml:"health,omitempty"`
}

// ForwardedConfig toggles the appended X-Forwarded-* defaults.
type ForwardedConfig struct {
	For    bool `yaml:"for"`
	Host   bool `yaml:"host"`
	Proto  bool `yaml:"proto"`
	Prefix bool `yaml:"prefix"`
}

// Config is the root configuration.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// RequestTimeout bounds the time until upstream response headers.
	RequestTimeout Duration `yaml:"request-timeout"`
	// ActivityTimeout bounds the idle time of any body pump.
	ActivityTimeout Duration `yaml:"activity-timeout"`

	Debug         bool `yaml:"debug"`
	LoggingToFile bool `yaml:"logging-to-file"`

	Routes    []RouteConfig   `yaml:"routes"`
	Forwarded ForwardedConfig `yaml:"forwarded"`

	// ResponseDecompress enables transparent gzip/brotli decoding of
	// upstream response bodies.
	ResponseDecompress bool `yaml:"response-decompress"`
}

// LoadConfig reads, parses, defaults, and validates the file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &Config{}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err = cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8317
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = Duration(60 * time.Second)
	}
	if c.ActivityTimeout == 0 {
		c.ActivityTimeout = Duration(100 * time.Second)
	}
	for i := range c.Routes {
		route := &c.Routes[i]
		if route.Health != nil {
			if route.Health.Path == "" {
				route.Health.Path = "/healthz"
			}
			if route.Health.Period == 0 {
				route.Health.Period = Duration(30 * time.Second)
			}
		}
	}
}

func (c *Config) validate() error {
	seen := make(map[string]struct{}, len(c.Routes))
	for _, route := range c.Routes {
		if route.PathPrefix == "" || !strings.HasPrefix(route.PathPrefix, "/") {
			return fmt.Errorf("config: route path-prefix %q must start with /", route.PathPrefix)
		}
		if _, dup := seen[route.PathPrefix]; dup {
			return fmt.Errorf("config: duplicate route path-prefix %q", route.PathPrefix)
		}
		seen[route.PathPrefix] = struct{}{}

		u, err := url.Parse(route.Destination)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: route %q has invalid destination %q", route.PathPrefix, route.Destination)
		}
	}
	return nil
}
