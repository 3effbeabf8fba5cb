package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the YAML configuration for the airweave CLI and worker.
	// Every field has a usable default or an environment fallback so a
	// minimal deployment needs only the model API key.
	Config struct {
		Database   DatabaseConfig `yaml:"database"`
		Vespa      VespaConfig    `yaml:"vespa"`
		Redis      RedisConfig    `yaml:"redis"`
		Temporal   TemporalConfig `yaml:"temporal"`
		Models     ModelsConfig   `yaml:"models"`
		Snapshot   SnapshotConfig `yaml:"snapshot"`
		SyncTuning SyncConfig     `yaml:"sync"`
	}

	DatabaseConfig struct {
		Path string `yaml:"path"`
	}

	VespaConfig struct {
		Endpoint  string `yaml:"endpoint"`
		Namespace string `yaml:"namespace"`
		Schema    string `yaml:"schema"`
	}

	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	TemporalConfig struct {
		HostPort  string `yaml:"host_port"`
		Namespace string `yaml:"namespace"`
		TaskQueue string `yaml:"task_queue"`
	}

	// ModelsConfig selects LLM providers. Provider is "openai" or
	// "anthropic"; API keys fall back to the provider environment variables.
	ModelsConfig struct {
		Provider        string  `yaml:"provider"`
		OpenAIKey       string  `yaml:"openai_api_key"`
		AnthropicKey    string  `yaml:"anthropic_api_key"`
		PlannerModel    string  `yaml:"planner_model"`
		JudgeModel      string  `yaml:"judge_model"`
		ComposerModel   string  `yaml:"composer_model"`
		EmbeddingModel  string  `yaml:"embedding_model"`
		EmbeddingDims   int     `yaml:"embedding_dimensions"`
		TokensPerMinute float64 `yaml:"tokens_per_minute"`
		MaxTokensPerMin float64 `yaml:"max_tokens_per_minute"`
	}

	SnapshotConfig struct {
		// Root holds the raw/ capture tree. Empty disables the snapshot
		// destination.
		Root string `yaml:"root"`
	}

	SyncConfig struct {
		Workers        int `yaml:"workers"`
		StreamCapacity int `yaml:"stream_capacity"`
	}
)

// LoadConfig reads path (optional) and applies defaults and environment
// fallbacks.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.Database.Path = filepath.Join(home, ".airweave", "airweave.db")
	}
	if c.Vespa.Endpoint == "" {
		c.Vespa.Endpoint = "http://localhost:8080"
	}
	if c.Temporal.HostPort == "" {
		c.Temporal.HostPort = "localhost:7233"
	}
	if c.Temporal.Namespace == "" {
		c.Temporal.Namespace = "default"
	}
	if c.Models.Provider == "" {
		c.Models.Provider = "openai"
	}
	if c.Models.OpenAIKey == "" {
		c.Models.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Models.AnthropicKey == "" {
		c.Models.AnthropicKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.Models.PlannerModel == "" {
		switch c.Models.Provider {
		case "anthropic":
			c.Models.PlannerModel = "claude-sonnet-4-5"
		default:
			c.Models.PlannerModel = "gpt-4o"
		}
	}
	if c.Models.JudgeModel == "" {
		c.Models.JudgeModel = c.Models.PlannerModel
	}
	if c.Models.ComposerModel == "" {
		c.Models.ComposerModel = c.Models.PlannerModel
	}
	if c.Models.EmbeddingModel == "" {
		c.Models.EmbeddingModel = "text-embedding-3-small"
	}
	if c.Models.TokensPerMinute == 0 {
		c.Models.TokensPerMinute = 60000
	}
}
