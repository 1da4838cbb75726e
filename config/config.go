/*
Package config defines the dtrack daemon's YAML configuration, grounded
on fbclock/daemon/config.go: a flat yaml-tagged struct, strict
unmarshaling, and an EvalAndValidate pass that rejects out-of-range
timing parameters before the daemon starts.
*/
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Config is the dtrack node's full configuration, as read from YAML or
// built up from CLI flag defaults.
type Config struct {
	NodeID string `yaml:"node_id"` // opaque per-node identity; auto-generated if empty
	Host   string `yaml:"host"`    // bind address for all sockets
	Port   int    `yaml:"port"`    // base port p: detections on p, routing on p+1

	DiscoveryPort int    `yaml:"discovery_port"` // cluster-wide discovery/sync port
	DiscoveryCIDR string `yaml:"discovery_cidr"` // e.g. "192.168.1.0/24"; empty disables auto-discovery

	// Neighbors is a manual peer list, parsed from "id,host,port;..." on
	// the CLI or given directly in YAML.
	Neighbors []NeighborConfig `yaml:"neighbors"`

	CycleTime         time.Duration `yaml:"cycle_time"`         // default 10s
	CollectionTimeout time.Duration `yaml:"collection_timeout"` // default 5s
	InactiveTimeout   int           `yaml:"inactive_timeout"`   // frames; default 10

	SyncTimeout    time.Duration `yaml:"sync_timeout"`    // default 10s
	GraceWindow    time.Duration `yaml:"grace_window"`    // default 5s
	StaleThreshold time.Duration `yaml:"stale_threshold"` // default 15s

	MonitoringPort int `yaml:"monitoring_port"` // default 8888, same default as ptp4u
}

// NeighborConfig is one statically configured direct peer.
type NeighborConfig struct {
	NodeID   string `yaml:"node_id"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LinkCost int    `yaml:"link_cost"`
}

// Default returns a Config populated with the core's documented
// defaults.
func Default() *Config {
	return &Config{
		Host:              "0.0.0.0",
		Port:              6000,
		DiscoveryPort:     5000,
		CycleTime:         10 * time.Second,
		CollectionTimeout: 5 * time.Second,
		InactiveTimeout:   10,
		SyncTimeout:       10 * time.Second,
		GraceWindow:       5 * time.Second,
		StaleThreshold:    15 * time.Second,
		MonitoringPort:    8888,
	}
}

// Read reads and strictly unmarshals YAML config from path.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	c := Default()
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return c, nil
}

// EvalAndValidate rejects configurations the core cannot run with:
// non-positive cycle timing or barrier parameters out of range.
func (c *Config) EvalAndValidate() error {
	if c.NodeID == "" {
		return fmt.Errorf("bad config: 'node_id' must not be empty")
	}
	if c.Port <= 0 {
		return fmt.Errorf("bad config: 'port' must be > 0")
	}
	if c.CycleTime <= 0 {
		return fmt.Errorf("bad config: 'cycle_time' must be > 0")
	}
	if c.CollectionTimeout <= 0 {
		return fmt.Errorf("bad config: 'collection_timeout' must be > 0")
	}
	if c.CollectionTimeout > c.CycleTime {
		return fmt.Errorf("bad config: 'collection_timeout' must not exceed 'cycle_time'")
	}
	if c.InactiveTimeout <= 0 {
		return fmt.Errorf("bad config: 'inactive_timeout' must be > 0 frames")
	}
	if c.SyncTimeout <= 0 {
		return fmt.Errorf("bad config: 'sync_timeout' must be > 0")
	}
	if c.GraceWindow < 0 {
		return fmt.Errorf("bad config: 'grace_window' must be >= 0")
	}
	if c.StaleThreshold <= 0 {
		return fmt.Errorf("bad config: 'stale_threshold' must be > 0")
	}
	return nil
}
