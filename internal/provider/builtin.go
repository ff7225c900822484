// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

package provider

import (
	"fmt"

	"github.com/tj800x/aichat/internal/codec"
)

// Default endpoint per provider family.
var defaultEndpoints = map[string]string{
	codec.FamilyOpenAI: "https://api.openai.com/v1",
	codec.FamilyClaude: "https://api.anthropic.com",
	codec.FamilyGemini: "https://generativelanguage.googleapis.com",
	codec.FamilyOllama: "http://localhost:11434",
}

// builtinModels is the static model table registered for every process.
// Context window sizes follow the providers' published limits.
var builtinModels = []ModelSpec{
	// OpenAI
	{Provider: "openai", Name: "gpt-4o", Family: codec.FamilyOpenAI, MaxInputTokens: 128000, MaxOutputTokens: 16384, SupportsVision: true},
	{Provider: "openai", Name: "gpt-4o-mini", Family: codec.FamilyOpenAI, MaxInputTokens: 128000, MaxOutputTokens: 16384, SupportsVision: true},
	{Provider: "openai", Name: "gpt-4-turbo", Family: codec.FamilyOpenAI, MaxInputTokens: 128000, MaxOutputTokens: 4096, SupportsVision: true},
	{Provider: "openai", Name: "gpt-3.5-turbo", Family: codec.FamilyOpenAI, MaxInputTokens: 16385, MaxOutputTokens: 4096},

	// Anthropic
	{Provider: "claude", Name: "claude-3-5-sonnet-20241022", Family: codec.FamilyClaude, MaxInputTokens: 200000, MaxOutputTokens: 8192, SupportsVision: true},
	{Provider: "claude", Name: "claude-3-5-haiku-20241022", Family: codec.FamilyClaude, MaxInputTokens: 200000, MaxOutputTokens: 8192},
	{Provider: "claude", Name: "claude-3-opus-20240229", Family: codec.FamilyClaude, MaxInputTokens: 200000, MaxOutputTokens: 4096, SupportsVision: true},

	// Google
	{Provider: "gemini", Name: "gemini-1.5-pro", Family: codec.FamilyGemini, MaxInputTokens: 1048576, MaxOutputTokens: 8192, SupportsVision: true},
	{Provider: "gemini", Name: "gemini-1.5-flash", Family: codec.FamilyGemini, MaxInputTokens: 1048576, MaxOutputTokens: 8192, SupportsVision: true},

	// Local ollama models
	{Provider: "ollama", Name: "llama3.1", Family: codec.FamilyOllama, MaxInputTokens: 128000},
	{Provider: "ollama", Name: "qwen2.5-coder", Family: codec.FamilyOllama, MaxInputTokens: 32768},
	{Provider: "ollama", Name: "llava", Family: codec.FamilyOllama, MaxInputTokens: 4096, SupportsVision: true},
}

// CustomProvider describes a user-supplied OpenAI-compatible endpoint from
// configuration.
type CustomProvider struct {
	// Name becomes the provider part of the model key.
	Name string

	// APIBase is the endpoint base URL.
	APIBase string

	// APIKey is the resolved credential, may be empty.
	APIKey string

	// MaxInputTokens overrides the context window for all models of this
	// provider.
	MaxInputTokens int

	// SupportsVision marks the provider's models as multimodal.
	SupportsVision bool

	// Models are the provider-local model names to register.
	Models []string
}

// RegistryConfig carries everything needed to populate a registry at
// process start.
type RegistryConfig struct {
	// Keys maps provider family to API key. Missing keys register the
	// models anyway; auth failures surface at call time.
	Keys map[string]string

	// Endpoints overrides the default base URL per family.
	Endpoints map[string]string

	// Custom lists user-supplied OpenAI-compatible providers.
	Custom []CustomProvider

	// UserAgent overrides the wire user agent.
	UserAgent string
}

// BuildRegistry populates a registry from the builtin table plus custom
// entries. Duplicate keys anywhere in the input fail the whole build.
func BuildRegistry(cfg RegistryConfig) (*Registry, error) {
	reg := NewRegistry()

	// One codec per builtin family, shared by its models.
	familyCodecs := make(map[string]codec.Codec, len(defaultEndpoints))
	for family, endpoint := range defaultEndpoints {
		if override := cfg.Endpoints[family]; override != "" {
			endpoint = override
		}
		familyCodecs[family] = codec.New(family, codec.Config{
			APIBase:   endpoint,
			APIKey:    cfg.Keys[family],
			UserAgent: cfg.UserAgent,
		})
	}

	for _, spec := range builtinModels {
		if err := reg.Register(spec, familyCodecs[spec.Family]); err != nil {
			return nil, err
		}
	}

	for _, custom := range cfg.Custom {
		if custom.Name == "" || custom.APIBase == "" {
			return nil, fmt.Errorf("custom provider needs both name and api_base")
		}
		c := codec.New(codec.FamilyOpenAI, codec.Config{
			APIBase:   custom.APIBase,
			APIKey:    custom.APIKey,
			UserAgent: cfg.UserAgent,
		})
		maxInput := custom.MaxInputTokens
		if maxInput <= 0 {
			maxInput = 8192
		}
		for _, name := range custom.Models {
			spec := ModelSpec{
				Provider:       custom.Name,
				Name:           name,
				Family:         codec.FamilyOpenAI,
				MaxInputTokens: maxInput,
				SupportsVision: custom.SupportsVision,
			}
			if err := reg.Register(spec, c); err != nil {
				return nil, err
			}
		}
	}

	return reg, nil
}
