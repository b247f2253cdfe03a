// Package config loads coordinator daemon configuration from YAML and
// from name=target server specs given on the command line.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/context-coordinator/daemon"
	"github.com/wolfeidau/context-coordinator/provider"
)

// Config is the on-disk daemon configuration. Durations are plain
// integers so files stay trivially editable.
type Config struct {
	SocketPath           string                  `yaml:"socket_path" json:"socket_path"`
	CacheTTLSeconds      int                     `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds"`
	SweepIntervalSeconds int                     `yaml:"sweep_interval_seconds" json:"sweep_interval_seconds"`
	QueryTimeoutMillis   int                     `yaml:"query_timeout_millis" json:"query_timeout_millis"`
	Servers              []provider.ServerConfig `yaml:"servers" json:"servers"`
}

// Default returns a configuration with daemon defaults filled in.
func Default() *Config {
	return &Config{
		SocketPath: daemon.DefaultSocketPath,
	}
}

// Load reads and validates a YAML configuration file. Fields absent
// from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks server entries are well formed and uniquely named.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path must not be empty")
	}

	seen := make(map[string]struct{}, len(c.Servers))
	for _, srv := range c.Servers {
		if srv.Name == "" {
			return fmt.Errorf("server entry with empty name")
		}
		if srv.Target == "" {
			return fmt.Errorf("server %q has no target", srv.Name)
		}
		if _, ok := seen[srv.Name]; ok {
			return fmt.Errorf("duplicate server name %q", srv.Name)
		}
		seen[srv.Name] = struct{}{}
	}
	return nil
}

// ParseServerSpec parses a single name=target server spec.
func ParseServerSpec(spec string) (provider.ServerConfig, error) {
	name, target, ok := strings.Cut(spec, "=")
	if !ok {
		return provider.ServerConfig{}, fmt.Errorf("invalid server spec %q, expected name=target", spec)
	}

	name = strings.TrimSpace(name)
	target = strings.TrimSpace(target)
	if name == "" || target == "" {
		return provider.ServerConfig{}, fmt.Errorf("invalid server spec %q, expected name=target", spec)
	}

	return provider.ServerConfig{Name: name, Target: target}, nil
}

// ParseServerSpecs parses a list of name=target specs, rejecting
// duplicate names.
func ParseServerSpecs(specs []string) ([]provider.ServerConfig, error) {
	servers := make([]provider.ServerConfig, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))

	for _, spec := range specs {
		srv, err := ParseServerSpec(spec)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[srv.Name]; ok {
			return nil, fmt.Errorf("duplicate server name %q", srv.Name)
		}
		seen[srv.Name] = struct{}{}
		servers = append(servers, srv)
	}
	return servers, nil
}
