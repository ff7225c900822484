// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

package provider

import (
	"fmt"
	"sort"

	"github.com/tj800x/aichat/internal/chat"
	"github.com/tj800x/aichat/internal/codec"
)

// Registry maps model identifiers to their spec and codec. It is populated
// once at process start and read-only afterwards, so lookups need no
// locking.
type Registry struct {
	specs  map[string]ModelSpec
	codecs map[string]codec.Codec // keyed by spec key
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		specs:  make(map[string]ModelSpec),
		codecs: make(map[string]codec.Codec),
	}
}

// Register adds a model backed by the given codec. Duplicate
// "provider:name" keys are rejected at registration time, not at first use.
func (r *Registry) Register(spec ModelSpec, c codec.Codec) error {
	key := spec.Key()
	if _, exists := r.specs[key]; exists {
		return chat.NewError(chat.ErrDuplicateModel, fmt.Sprintf("model %q is already registered", key))
	}
	if spec.MaxInputTokens <= 0 {
		return fmt.Errorf("model %q: max_input_tokens must be positive", key)
	}
	r.specs[key] = spec
	r.codecs[key] = c
	return nil
}

// Resolve looks up a "provider:model_name" identifier.
func (r *Registry) Resolve(modelID string) (ModelSpec, codec.Codec, error) {
	providerName, name, err := ParseModelID(modelID)
	if err != nil {
		return ModelSpec{}, nil, chat.NewError(chat.ErrUnknownModel, err.Error())
	}

	key := providerName + ":" + name
	spec, ok := r.specs[key]
	if !ok {
		return ModelSpec{}, nil, chat.NewError(chat.ErrUnknownModel, fmt.Sprintf("no registered model matches %q", key))
	}
	return spec, r.codecs[key], nil
}

// List returns all registered specs ordered by key. Backs --list-models.
func (r *Registry) List() []ModelSpec {
	specs := make([]ModelSpec, 0, len(r.specs))
	for _, spec := range r.specs {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool {
		return specs[i].Key() < specs[j].Key()
	})
	return specs
}

// Len returns the number of registered models.
func (r *Registry) Len() int {
	return len(r.specs)
}
