// Package config provides configuration loading for openneuro-studies.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultStateDir is the directory holding persisted discovery and
	// tracking files, relative to the working tree root.
	DefaultStateDir = ".openneuro-studies"

	// DefaultGitHubOrg is the organization study repositories are published under.
	DefaultGitHubOrg = "OpenNeuroStudies"

	// DefaultAccessTokenEnv is the environment variable consulted for forge
	// API tokens when a source does not name one.
	DefaultAccessTokenEnv = "GITHUB_TOKEN"
)

// SourceType identifies whether a source organization hosts raw or derivative datasets.
type SourceType string

const (
	// SourceTypeRaw marks organizations hosting raw BIDS datasets
	SourceTypeRaw SourceType = "raw"

	// SourceTypeDerivative marks organizations hosting processed datasets
	SourceTypeDerivative SourceType = "derivative"
)

// ConfigLoader defines the interface for loading configuration
type ConfigLoader interface {
	LoadConfig(path string) (*Config, error)
}

// Config represents the root configuration structure
type Config struct {
	// GitHubOrg is the organization study repositories are published under
	GitHubOrg string `yaml:"github_org"`

	// StateDir holds discovered-datasets.json, unorganized-datasets.json
	// and study status files
	StateDir string `yaml:"state_dir"`

	// Sources lists the organizations to discover datasets from
	Sources []SourceSpec `yaml:"sources"`
}

// SourceSpec defines one dataset source organization to discover from
type SourceSpec struct {
	// Name is a friendly name for the source (e.g. "OpenNeuroDatasets")
	Name string `yaml:"name"`

	// OrganizationURL is the GitHub/Forgejo organization URL
	OrganizationURL string `yaml:"organization_url"`

	// Type is the source type (raw or derivative)
	Type SourceType `yaml:"type"`

	// InclusionPatterns are regex patterns for repositories to include (default: all)
	InclusionPatterns []string `yaml:"inclusion_patterns,omitempty"`

	// ExclusionPatterns are regex patterns for repositories to exclude
	ExclusionPatterns []string `yaml:"exclusion_patterns,omitempty"`

	// AccessTokenEnv names the environment variable containing the API token
	AccessTokenEnv string `yaml:"access_token_env,omitempty"`
}

// configLoader implements the ConfigLoader interface
type configLoader struct{}

// NewConfigLoader creates a new ConfigLoader instance
func NewConfigLoader() ConfigLoader {
	return &configLoader{}
}

// LoadConfig loads and parses configuration from a YAML file
func (c *configLoader) LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.GitHubOrg == "" {
		c.GitHubOrg = DefaultGitHubOrg
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	for i := range c.Sources {
		if len(c.Sources[i].InclusionPatterns) == 0 {
			c.Sources[i].InclusionPatterns = []string{".*"}
		}
		if c.Sources[i].AccessTokenEnv == "" {
			c.Sources[i].AccessTokenEnv = DefaultAccessTokenEnv
		}
	}
}

// Validate checks the configuration for structural errors
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("config must declare at least one source")
	}
	for _, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("source with URL %q is missing a name", s.OrganizationURL)
		}
		if s.OrganizationURL == "" {
			return fmt.Errorf("source %q is missing an organization URL", s.Name)
		}
		if s.Type != SourceTypeRaw && s.Type != SourceTypeDerivative {
			return fmt.Errorf("source %q has invalid type %q: must be %q or %q",
				s.Name, s.Type, SourceTypeRaw, SourceTypeDerivative)
		}
	}
	return nil
}
