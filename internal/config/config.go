package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all fileNERD configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Agent manager and resource governance
	Agent AgentConfig `yaml:"agent"`

	// System monitor sampling
	Monitor MonitorConfig `yaml:"monitor"`

	// Inference daemon client
	Inference InferenceConfig `yaml:"inference"`

	// Operation journal
	Journal JournalConfig `yaml:"journal"`

	// Catalog store (files + suggestions)
	Store StoreConfig `yaml:"store"`

	// Suggestion execution pipeline
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Backups for destructive operations
	Backups BackupsConfig `yaml:"backups"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig configures the categorized file logger.
// Keys mirror what internal/logging reads from .filenerd/config.yaml.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories,omitempty"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "fileNERD",
		Version: "0.9.0",

		Agent:     DefaultAgentConfig(),
		Monitor:   DefaultMonitorConfig(),
		Inference: DefaultInferenceConfig(),
		Journal:   DefaultJournalConfig(),
		Store:     DefaultStoreConfig(),
		Pipeline:  DefaultPipelineConfig(),
		Backups:   DefaultBackupsConfig(),

		Logging: LoggingConfig{
			DebugMode:  false,
			Level:      "info",
			JSONFormat: false,
		},
	}
}

// DefaultConfigPath returns the path to .filenerd/config.yaml under a workspace.
func DefaultConfigPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".filenerd", "config.yaml")
}

// Load loads configuration from a YAML file.
// Unknown keys are ignored; missing file returns defaults. Out-of-range
// values are clamped by Normalize.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			cfg.Normalize()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.Normalize()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("FILENERD_OLLAMA_URL"); url != "" {
		c.Inference.Endpoint = url
	}
	if model := os.Getenv("FILENERD_MODEL"); model != "" {
		c.Inference.Model = model
	}
	if path := os.Getenv("FILENERD_JOURNAL_DB"); path != "" {
		c.Journal.DatabasePath = path
	}
	if path := os.Getenv("FILENERD_CATALOG_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if slots := os.Getenv("FILENERD_MAX_SLOTS"); slots != "" {
		if n, err := strconv.Atoi(slots); err == nil {
			c.Agent.MaxConcurrentSlots = n
		}
	}
	if os.Getenv("FILENERD_DEBUG") == "1" {
		c.Logging.DebugMode = true
	}
}

// Normalize clamps out-of-range values to the nearest valid value.
// The engine always starts with a usable config; bad values are fixed,
// not fatal.
func (c *Config) Normalize() {
	c.Agent.normalize()
	c.Monitor.normalize()
	c.Inference.normalize()
	c.Journal.normalize()
	c.Pipeline.normalize()
}

// Validate validates the configuration. Unlike Normalize, Validate reports
// contradictions that clamping cannot fix.
func (c *Config) Validate() error {
	if err := c.Agent.Validate(); err != nil {
		return err
	}
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if c.Inference.Endpoint == "" {
		return fmt.Errorf("inference.endpoint must not be empty")
	}
	return nil
}
