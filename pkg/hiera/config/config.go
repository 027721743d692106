// Package config loads engine configuration from YAML and constructs
// per-component configs.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/conceptmesh/hiera/pkg/hiera/hierarchy"
	"github.com/conceptmesh/hiera/pkg/hiera/internalerr"
	"github.com/conceptmesh/hiera/pkg/hiera/mine"
	"github.com/conceptmesh/hiera/pkg/hiera/validate"
)

// Mining holds the pattern-mining thresholds.
type Mining struct {
	MinSupport       float64 `yaml:"min_support"`
	MinConfidence    float64 `yaml:"min_confidence"`
	MaxPatternLen    int     `yaml:"max_pattern_len"`
	Window           int     `yaml:"window"`
	SequenceFraction float64 `yaml:"sequence_fraction"`
}

// Validation holds the validator ceilings and thresholds.
type Validation struct {
	MaxDepth          int     `yaml:"max_depth"`
	MaxVariables      int     `yaml:"max_variables"`
	MaxDomainEstimate int     `yaml:"max_domain_estimate"`
	GroundBudget      int     `yaml:"ground_budget"`
	MinUtility        float64 `yaml:"min_utility"`
}

// Hierarchy sizes the predicate store.
type Hierarchy struct {
	MaxDepth     int `yaml:"max_depth"`
	GroundBudget int `yaml:"ground_budget"`
	CacheSize    int `yaml:"cache_size"`
}

// Persistence points at the optional on-disk store.
type Persistence struct {
	Path string `yaml:"path"`
}

// Config is the full engine configuration.
type Config struct {
	Mining      Mining      `yaml:"mining"`
	Validation  Validation  `yaml:"validation"`
	Hierarchy   Hierarchy   `yaml:"hierarchy"`
	Persistence Persistence `yaml:"persistence"`
}

// Load reads a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", internalerr.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects out-of-range thresholds. Zero values are allowed
// everywhere; components substitute their defaults.
func (c *Config) Validate() error {
	if c.Mining.MinSupport < 0 || c.Mining.MinSupport > 1 {
		return fmt.Errorf("%w: mining.min_support %v outside [0,1]",
			internalerr.ErrInvalidConfig, c.Mining.MinSupport)
	}
	if c.Mining.MinConfidence < 0 || c.Mining.MinConfidence > 1 {
		return fmt.Errorf("%w: mining.min_confidence %v outside [0,1]",
			internalerr.ErrInvalidConfig, c.Mining.MinConfidence)
	}
	if c.Mining.SequenceFraction < 0 || c.Mining.SequenceFraction > 1 {
		return fmt.Errorf("%w: mining.sequence_fraction %v outside [0,1]",
			internalerr.ErrInvalidConfig, c.Mining.SequenceFraction)
	}
	if c.Validation.MinUtility < 0 {
		return fmt.Errorf("%w: validation.min_utility %v negative",
			internalerr.ErrInvalidConfig, c.Validation.MinUtility)
	}
	return nil
}

// MinerConfig maps the mining section onto mine.Config.
func (c *Config) MinerConfig() mine.Config {
	return mine.Config{
		MinSupport:       c.Mining.MinSupport,
		MinConfidence:    c.Mining.MinConfidence,
		MaxPatternLen:    c.Mining.MaxPatternLen,
		Window:           c.Mining.Window,
		SequenceFraction: c.Mining.SequenceFraction,
	}
}

// ValidatorConfig maps the validation section onto validate.Config.
func (c *Config) ValidatorConfig() validate.Config {
	return validate.Config{
		MaxDepth:          c.Validation.MaxDepth,
		MaxVariables:      c.Validation.MaxVariables,
		MaxDomainEstimate: c.Validation.MaxDomainEstimate,
		GroundBudget:      c.Validation.GroundBudget,
		MinUtility:        c.Validation.MinUtility,
	}
}

// HierarchyConfig maps the hierarchy section onto hierarchy.Config.
func (c *Config) HierarchyConfig() hierarchy.Config {
	return hierarchy.Config{
		MaxDepth:     c.Hierarchy.MaxDepth,
		GroundBudget: c.Hierarchy.GroundBudget,
		CacheSize:    c.Hierarchy.CacheSize,
	}
}
