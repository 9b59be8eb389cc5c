// Package config holds manifold's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/manifold/access"
)

// Config holds all manifoldd configuration.
type Config struct {
	DBPath string `yaml:"db_path"`
	Listen string `yaml:"listen"`

	// ActivationDelay is the mandatory wait between committing a root and
	// applying it.
	ActivationDelay time.Duration `yaml:"activation_delay"`

	// MaxPayloadSize caps placed module payloads, in bytes.
	MaxPayloadSize int64 `yaml:"max_payload_size"`
	// PlacementFee, when non-zero, is required with every first placement.
	PlacementFee uint64 `yaml:"placement_fee"`

	// MaxBodyBytes caps HTTP request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// Tokens grants roles to bearer tokens.
	Tokens []TokenGrant `yaml:"tokens"`
}

// TokenGrant maps one bearer token to its roles.
type TokenGrant struct {
	Token string   `yaml:"token"`
	Label string   `yaml:"label"`
	Roles []string `yaml:"roles"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "manifold.db"
	}
	if c.Listen == "" {
		c.Listen = ":8532"
	}
	if c.ActivationDelay <= 0 {
		c.ActivationDelay = time.Hour
	}
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = 4 << 20
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 8 << 20
	}
}

// Validate applies defaults and checks role names.
func (c *Config) Validate() error {
	c.defaults()
	for _, g := range c.Tokens {
		if g.Token == "" {
			return fmt.Errorf("config: token grant %q has no token", g.Label)
		}
		for _, r := range g.Roles {
			if !access.Role(r).Valid() {
				return fmt.Errorf("config: unknown role %q for token %q", r, g.Label)
			}
		}
	}
	return nil
}

// Grants converts the configured tokens to access grants.
func (c *Config) Grants() []access.Grant {
	grants := make([]access.Grant, 0, len(c.Tokens))
	for _, g := range c.Tokens {
		roles := make([]access.Role, 0, len(g.Roles))
		for _, r := range g.Roles {
			roles = append(roles, access.Role(r))
		}
		grants = append(grants, access.Grant{Token: g.Token, Label: g.Label, Roles: roles})
	}
	return grants
}

// LoadFile reads and validates a YAML config file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
