package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Distribution != DistributionLocal {
		t.Fatalf("default distribution: %s", cfg.Distribution)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
logger:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logger.Level != "debug" {
		t.Fatalf("logger level: %s", cfg.Logger.Level)
	}
	if cfg.Defaults.InactivityTimeout != 5*time.Minute {
		t.Fatalf("inactivity default: %s", cfg.Defaults.InactivityTimeout)
	}
	if cfg.Defaults.MaxRuns != 50 {
		t.Fatalf("max runs default: %d", cfg.Defaults.MaxRuns)
	}
	if cfg.Cluster.NodeName == "" {
		t.Fatal("node name default missing")
	}
}

func TestLoadClusteredConfig(t *testing.T) {
	path := writeConfig(t, `
distribution: clustered
cluster:
  node_name: node1
  listen_port: 4222
  discovery: static
  members:
    - "10.0.0.2:4222"
    - "10.0.0.3:4222"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Distribution != DistributionClustered {
		t.Fatalf("distribution: %s", cfg.Distribution)
	}
	if len(cfg.Cluster.Members) != 2 {
		t.Fatalf("members: %v", cfg.Cluster.Members)
	}
}

func TestValidateFailsFast(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad distribution", func(c *Config) { c.Distribution = "sharded" }},
		{"clustered without port", func(c *Config) {
			c.Distribution = DistributionClustered
			c.Cluster.ListenPort = 0
		}},
		{"static without members", func(c *Config) {
			c.Distribution = DistributionClustered
			c.Cluster.ListenPort = 4222
			c.Cluster.Discovery = DiscoveryStatic
			c.Cluster.Members = nil
		}},
		{"malformed member", func(c *Config) {
			c.Distribution = DistributionClustered
			c.Cluster.ListenPort = 4222
			c.Cluster.Discovery = DiscoveryStatic
			c.Cluster.Members = []string{"no-port"}
		}},
		{"unknown discovery", func(c *Config) {
			c.Distribution = DistributionClustered
			c.Cluster.ListenPort = 4222
			c.Cluster.Discovery = "gossip"
		}},
		{"negative max runs", func(c *Config) { c.Defaults.MaxRuns = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "distribution: [")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
