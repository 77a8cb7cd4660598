package search

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config configures the aggregation service.
type Config struct {
	// MemoryTTL bounds how long a result is served from the in-process
	// cache before the persistent tier is consulted again. Default: 1h.
	MemoryTTL time.Duration `yaml:"memory_ttl"`

	// Retention is the age after which persistent records are pruned.
	// Default: 7 days.
	Retention time.Duration `yaml:"retention"`

	// PruneInterval is how often the background pruner runs after the
	// startup pass. Default: 12h.
	PruneInterval time.Duration `yaml:"prune_interval"`

	// AdapterTimeout is the per-source fetch budget. Exceeding it is
	// treated exactly like an adapter-reported empty result. Default: 20s.
	AdapterTimeout time.Duration `yaml:"adapter_timeout"`

	// MaxPerSource caps how many listings one source contributes per
	// fetch. Default: 10.
	MaxPerSource int `yaml:"max_per_source"`
}

func (c *Config) defaults() {
	if c.MemoryTTL <= 0 {
		c.MemoryTTL = time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = 12 * time.Hour
	}
	if c.AdapterTimeout <= 0 {
		c.AdapterTimeout = 20 * time.Second
	}
	if c.MaxPerSource <= 0 {
		c.MaxPerSource = 10
	}
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	var c Config
	c.defaults()
	return c
}

// LoadConfig reads and parses a YAML config file, merged over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.defaults()
	return cfg, cfg.Validate()
}

// Validate checks that configured values are sane.
func (c *Config) Validate() error {
	if c.AdapterTimeout > 2*time.Minute {
		return fmt.Errorf("adapter_timeout %s exceeds 2m", c.AdapterTimeout)
	}
	if c.MaxPerSource > 100 {
		return fmt.Errorf("max_per_source %d exceeds 100", c.MaxPerSource)
	}
	return nil
}
