// Package config loads and validates the runtime configuration. Invalid
// configurations fail at startup, never at run time.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Distribution selects the registry/placement backend.
type Distribution string

const (
	DistributionLocal     Distribution = "local"
	DistributionClustered Distribution = "clustered"
)

// Discovery selects how cluster members find each other.
type Discovery string

const (
	// DiscoveryStatic uses the configured member list.
	DiscoveryStatic Discovery = "static"
	// DiscoveryAuto browses for members over mDNS.
	DiscoveryAuto Discovery = "auto"
	// DiscoveryNone disables discovery; the node runs alone until peers
	// dial in.
	DiscoveryNone Discovery = "none"
)

// ClusterConfig configures the embedded NATS mesh in clustered mode.
type ClusterConfig struct {
	NodeName   string    `yaml:"node_name"`
	ListenPort int       `yaml:"listen_port"`
	DataDir    string    `yaml:"data_dir"`
	Discovery  Discovery `yaml:"discovery"`
	// Members is the static peer list, host:port, used when Discovery is
	// static.
	Members []string `yaml:"members"`
}

// DefaultsConfig holds runtime-wide defaults for per-agent settings.
type DefaultsConfig struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	MaxRuns           int           `yaml:"max_runs"`
	PresenceGrace     time.Duration `yaml:"presence_grace"`
	StartTimeout      time.Duration `yaml:"start_timeout"`
}

// LoggerConfig configures the slog handler.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig configures OpenTelemetry tracing.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Config is the top-level runtime configuration.
type Config struct {
	Distribution Distribution   `yaml:"distribution"`
	Cluster      ClusterConfig  `yaml:"cluster"`
	Defaults     DefaultsConfig `yaml:"defaults"`
	Logger       LoggerConfig   `yaml:"logger"`
	Tracer       TracerConfig   `yaml:"tracer"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Distribution: DistributionLocal,
		Cluster: ClusterConfig{
			Discovery: DiscoveryNone,
			DataDir:   "./data/nats",
		},
		Defaults: DefaultsConfig{
			InactivityTimeout: 5 * time.Minute,
			MaxRuns:           50,
			PresenceGrace:     5 * time.Second,
			StartTimeout:      5 * time.Second,
		},
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
	}
}

// Load reads a YAML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Distribution == "" {
		c.Distribution = def.Distribution
	}
	if c.Cluster.Discovery == "" {
		c.Cluster.Discovery = def.Cluster.Discovery
	}
	if c.Cluster.DataDir == "" {
		c.Cluster.DataDir = def.Cluster.DataDir
	}
	if c.Defaults.InactivityTimeout == 0 {
		c.Defaults.InactivityTimeout = def.Defaults.InactivityTimeout
	}
	if c.Defaults.MaxRuns == 0 {
		c.Defaults.MaxRuns = def.Defaults.MaxRuns
	}
	if c.Defaults.PresenceGrace == 0 {
		c.Defaults.PresenceGrace = def.Defaults.PresenceGrace
	}
	if c.Defaults.StartTimeout == 0 {
		c.Defaults.StartTimeout = def.Defaults.StartTimeout
	}
	if c.Cluster.NodeName == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "node"
		}
		c.Cluster.NodeName = host
	}
}

// Validate fails fast on malformed configuration.
func (c *Config) Validate() error {
	switch c.Distribution {
	case DistributionLocal, DistributionClustered:
	default:
		return fmt.Errorf("invalid distribution %q (want local or clustered)", c.Distribution)
	}

	if c.Defaults.MaxRuns < 0 {
		return fmt.Errorf("defaults.max_runs must be non-negative")
	}
	if c.Defaults.StartTimeout < 0 {
		return fmt.Errorf("defaults.start_timeout must be non-negative")
	}

	if c.Distribution == DistributionClustered {
		if c.Cluster.ListenPort <= 0 || c.Cluster.ListenPort > 65535 {
			return fmt.Errorf("cluster.listen_port must be set in clustered mode")
		}
		switch c.Cluster.Discovery {
		case DiscoveryStatic:
			if len(c.Cluster.Members) == 0 {
				return fmt.Errorf("cluster.members is required with static discovery")
			}
			for _, m := range c.Cluster.Members {
				if err := validateMember(m); err != nil {
					return err
				}
			}
		case DiscoveryAuto, DiscoveryNone:
		default:
			return fmt.Errorf("invalid cluster.discovery %q (want static, auto, or none)", c.Cluster.Discovery)
		}
	}
	return nil
}

func validateMember(member string) error {
	host, port, err := net.SplitHostPort(strings.TrimSpace(member))
	if err != nil || host == "" || port == "" {
		return fmt.Errorf("malformed cluster member %q (want host:port)", member)
	}
	return nil
}
