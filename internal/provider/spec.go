// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

// Package provider maps model identifiers to provider metadata and to the
// wire codec that speaks that provider's protocol.
package provider

import (
	"fmt"
	"strings"
)

// ModelSpec describes one registered model. Specs are immutable after
// registration and looked up by their "provider:name" key.
type ModelSpec struct {
	// Provider is the provider identifier ("openai", "claude", ...). For
	// custom entries this is the user-chosen name.
	Provider string `json:"provider"`

	// Name is the provider-local model name.
	Name string `json:"name"`

	// Family selects the wire codec. Builtin providers use their own name;
	// custom OpenAI-compatible entries use "openai".
	Family string `json:"family"`

	// MaxInputTokens is the model's context window.
	MaxInputTokens int `json:"max_input_tokens"`

	// MaxOutputTokens caps completion length; 0 means provider default.
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`

	// SupportsVision reports whether media parts may be sent.
	SupportsVision bool `json:"supports_vision"`
}

// Key returns the unique "provider:name" registry key.
func (s ModelSpec) Key() string {
	return s.Provider + ":" + s.Name
}

// String implements fmt.Stringer.
func (s ModelSpec) String() string {
	return s.Key()
}

// ParseModelID splits a case-sensitive "provider:model_name" identifier.
func ParseModelID(id string) (provider, name string, err error) {
	provider, name, found := strings.Cut(id, ":")
	if !found || provider == "" || name == "" {
		return "", "", fmt.Errorf("invalid model identifier %q: want provider:model_name", id)
	}
	return provider, name, nil
}
