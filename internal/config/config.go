// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

// Package config loads and validates the client configuration.
//
// Configuration file location:
//   - ~/.config/aichat/config.toml
//
// API keys are never stored in the file; each provider entry names an
// environment variable instead.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/tj800x/aichat/internal/provider"
	"github.com/tj800x/aichat/internal/token"
)

// Config is the full client configuration.
type Config struct {
	// Model is the default "provider:model" identifier.
	Model string `toml:"model"`

	// Sampling defaults, applied when non-nil.
	Temperature *float64 `toml:"temperature"`
	TopP        *float64 `toml:"top_p"`

	// SaveSession persists the session on exit without prompting.
	SaveSession bool `toml:"save_session"`

	// CompressThreshold is the absolute token count that triggers context
	// compression. Floor: 1000.
	CompressThreshold int `toml:"compress_threshold"`

	// SummarizePrompt overrides the compression summary strategy.
	SummarizePrompt string `toml:"summarize_prompt"`

	// RequestsPerMinute caps outbound requests client-side. 0 = unlimited.
	RequestsPerMinute int `toml:"requests_per_minute"`

	// StreamTimeoutSecs is the no-data interval treated as provider
	// unavailability. 0 selects the built-in default.
	StreamTimeoutSecs int `toml:"stream_timeout_secs"`

	// Keys maps provider family to the environment variable holding its
	// API key. Defaults cover the builtin families.
	Keys map[string]string `toml:"keys"`

	// Endpoints overrides provider base URLs, mainly for ollama.
	Endpoints map[string]string `toml:"endpoints"`

	// Providers lists custom OpenAI-compatible endpoints.
	Providers []CustomProviderConfig `toml:"providers"`
}

// CustomProviderConfig is one user-supplied OpenAI-compatible endpoint.
type CustomProviderConfig struct {
	Name           string   `toml:"name"`
	APIBase        string   `toml:"api_base"`
	APIKeyEnv      string   `toml:"api_key_env"`
	MaxInputTokens int      `toml:"max_input_tokens"`
	SupportsVision bool     `toml:"supports_vision"`
	Models         []string `toml:"models"`
}

// defaultKeyEnvs are the conventional environment variables per family.
var defaultKeyEnvs = map[string]string{
	"openai": "OPENAI_API_KEY",
	"claude": "ANTHROPIC_API_KEY",
	"gemini": "GEMINI_API_KEY",
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Model:             "openai:gpt-4o-mini",
		CompressThreshold: 4000,
		Keys:              map[string]string{},
		Endpoints:         map[string]string{},
	}
}

// DefaultPath returns the conventional config file location.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "aichat", "config.toml"), nil
}

// Load reads the config file at path, falling back to defaults when the
// file does not exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the config invariants, repairing what it safely can.
func (c *Config) Validate() error {
	if c.CompressThreshold < token.MinCompressThreshold {
		log.Printf("compress_threshold %d is below the minimum, using %d",
			c.CompressThreshold, token.MinCompressThreshold)
		c.CompressThreshold = token.MinCompressThreshold
	}
	if c.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute must not be negative")
	}
	if c.StreamTimeoutSecs < 0 {
		return fmt.Errorf("stream_timeout_secs must not be negative")
	}
	for _, p := range c.Providers {
		if p.Name == "" || p.APIBase == "" {
			return fmt.Errorf("custom provider needs both name and api_base")
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("custom provider %q lists no models", p.Name)
		}
	}
	return nil
}

// RegistryConfig resolves API keys from the environment and assembles the
// provider registry input.
func (c *Config) RegistryConfig() provider.RegistryConfig {
	keys := make(map[string]string, len(defaultKeyEnvs))
	for family, envVar := range defaultKeyEnvs {
		if override := c.Keys[family]; override != "" {
			envVar = override
		}
		keys[family] = os.Getenv(envVar)
	}

	custom := make([]provider.CustomProvider, 0, len(c.Providers))
	for _, p := range c.Providers {
		custom = append(custom, provider.CustomProvider{
			Name:           p.Name,
			APIBase:        p.APIBase,
			APIKey:         os.Getenv(p.APIKeyEnv),
			MaxInputTokens: p.MaxInputTokens,
			SupportsVision: p.SupportsVision,
			Models:         p.Models,
		})
	}

	return provider.RegistryConfig{
		Keys:      keys,
		Endpoints: c.Endpoints,
		Custom:    custom,
	}
}
