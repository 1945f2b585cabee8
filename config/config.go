// Package config models the daemon's YAML config file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ObfsConfig selects the obfuscation layer of a route. An empty value
// means a plain TCP pipe.
type ObfsConfig struct {
	// Sosistab3 is the shared cookie of a sosistab3-style obfuscated
	// pipe. Empty disables obfuscation.
	Sosistab3 string `yaml:"sosistab3,omitempty"`
}

// InRoute is one listening route.
type InRoute struct {
	Listen string     `yaml:"listen"`
	Obfs   ObfsConfig `yaml:"obfs,omitempty"`
}

// OutRoute is one dialling route toward a known relay.
type OutRoute struct {
	// Connect is the remote address, either host:port or a bare
	// socket address.
	Connect string `yaml:"connect"`

	// Fingerprint pins the expected remote relay identity, hex
	// encoded.
	Fingerprint string `yaml:"fingerprint"`

	Obfs ObfsConfig `yaml:"obfs,omitempty"`
}

// PrivacyConfig bounds the onions built at this node.
type PrivacyConfig struct {
	MaxPeelers    uint8  `yaml:"max_peelers,omitempty"`
	MaxHopDelayMs uint16 `yaml:"max_hop_delay_ms,omitempty"`
}

// Config is the daemon config file.
type Config struct {
	// Identity is the path to the relay identity secret. Empty means
	// this node is a client.
	Identity string `yaml:"identity,omitempty"`

	// DBPath locates the link store.
	DBPath string `yaml:"db_path"`

	InRoutes  map[string]InRoute  `yaml:"in_routes,omitempty"`
	OutRoutes map[string]OutRoute `yaml:"out_routes,omitempty"`

	// PaymentSystems names the settlement backends to enable. The
	// settlement protocol itself is stubbed, so these are carried but
	// inert.
	PaymentSystems []string `yaml:"payment_systems,omitempty"`

	Privacy PrivacyConfig `yaml:"privacy,omitempty"`

	// DebtLimit is the per-neighbor debt cap in micro-units.
	DebtLimit int64 `yaml:"debt_limit,omitempty"`
}

// DefaultDebtLimit applies when the config does not set a cap.
const DefaultDebtLimit = 1_000_000

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// Validate checks the cross-field invariants of a config.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}

	if c.Identity == "" && len(c.InRoutes) > 0 {
		return fmt.Errorf("in_routes require a relay identity")
	}

	for name, route := range c.InRoutes {
		if route.Listen == "" {
			return fmt.Errorf("in_route %q: listen is required",
				name)
		}
	}
	for name, route := range c.OutRoutes {
		if route.Connect == "" {
			return fmt.Errorf("out_route %q: connect is required",
				name)
		}
		if route.Fingerprint == "" {
			return fmt.Errorf("out_route %q: fingerprint is "+
				"required", name)
		}
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Privacy.MaxPeelers == 0 {
		c.Privacy.MaxPeelers = 5
	}
	if c.Privacy.MaxHopDelayMs == 0 {
		c.Privacy.MaxHopDelayMs = 500
	}
	if c.DebtLimit == 0 {
		c.DebtLimit = DefaultDebtLimit
	}
}

// IsRelay reports whether the config describes a relay node.
func (c *Config) IsRelay() bool {
	return c.Identity != ""
}
