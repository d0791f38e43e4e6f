package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the node configuration, decoded from YAML with defaults
// applied for anything omitted.
type Config struct {
	DataDir     string        `yaml:"dataDir"`
	MetricsAddr string        `yaml:"metricsAddr"`
	Network     NetworkConfig `yaml:"network"`
	Sync        SyncConfig    `yaml:"sync"`
	Log         LogConfig     `yaml:"log"`
}

// NetworkConfig holds transport settings.
type NetworkConfig struct {
	ListenAddrs    []string `yaml:"listenAddrs"`
	BootstrapPeers []string `yaml:"bootstrapPeers"`
	DiscoveryTag   string   `yaml:"discoveryTag"`
}

// SyncConfig tunes the orchestrator and session budgets.
type SyncConfig struct {
	TickInterval   time.Duration `yaml:"tickInterval"`
	SessionBudget  time.Duration `yaml:"sessionBudget"`
	RecvTimeout    time.Duration `yaml:"recvTimeout"`
	PeersPerTick   int           `yaml:"peersPerTick"`
	MaxRoundTrips  int           `yaml:"maxRoundTrips"`
	MaxLeafFetches int           `yaml:"maxLeafFetches"`
	MaxCatchupHops int           `yaml:"maxCatchupHops"`
	BackoffBase    time.Duration `yaml:"backoffBase"`
	BackoffMax     time.Duration `yaml:"backoffMax"`
	StrikeLimit    int           `yaml:"strikeLimit"`
	StrikeWindow   time.Duration `yaml:"strikeWindow"`
	BanDuration    time.Duration `yaml:"banDuration"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the shipped configuration.
func Default() *Config {
	return &Config{
		DataDir:     "/var/lib/meshsync",
		MetricsAddr: ":9464",
		Network: NetworkConfig{
			ListenAddrs:  []string{"/ip4/0.0.0.0/tcp/4701"},
			DiscoveryTag: "meshsync",
		},
		Sync: SyncConfig{
			TickInterval:   5 * time.Second,
			SessionBudget:  30 * time.Second,
			RecvTimeout:    10 * time.Second,
			PeersPerTick:   3,
			MaxRoundTrips:  256,
			MaxLeafFetches: 4096,
			MaxCatchupHops: 16,
			BackoffBase:    time.Second,
			BackoffMax:     5 * time.Minute,
			StrikeLimit:    3,
			StrikeWindow:   5 * time.Minute,
			BanDuration:    10 * time.Minute,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// plain defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values outside their working ranges.
func (c *Config) Validate() error {
	if c.Sync.TickInterval < time.Second || c.Sync.TickInterval > 10*time.Second {
		return fmt.Errorf("sync.tickInterval %s outside [1s, 10s]", c.Sync.TickInterval)
	}
	if c.Sync.SessionBudget <= 0 {
		return fmt.Errorf("sync.sessionBudget must be positive")
	}
	if c.Sync.PeersPerTick <= 0 {
		return fmt.Errorf("sync.peersPerTick must be positive")
	}
	if c.Sync.MaxCatchupHops <= 0 {
		return fmt.Errorf("sync.maxCatchupHops must be positive")
	}
	if len(c.Network.ListenAddrs) == 0 {
		return fmt.Errorf("network.listenAddrs must not be empty")
	}
	return nil
}
