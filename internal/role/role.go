// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

// Package role manages named system-prompt presets loaded from
// ~/.config/aichat/roles.yaml.
package role

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"gopkg.in/yaml.v3"
)

// Role is a reusable system prompt with optional sampling overrides.
type Role struct {
	Name        string   `yaml:"name"`
	Prompt      string   `yaml:"prompt"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	TopP        *float64 `yaml:"top_p,omitempty"`
}

// builtins ship with the client and are always available. User-defined
// roles of the same name take precedence.
func builtins() []Role {
	return []Role{
		{
			Name: "shell",
			Prompt: fmt.Sprintf(
				"You are a shell command generator for %s/%s. "+
					"Answer with a single command only, no explanation, "+
					"no markdown fences.",
				runtime.GOOS, runtime.GOARCH),
		},
		{
			Name: "explain-shell",
			Prompt: "You explain shell commands. Break the given command " +
				"into its parts and describe what each does.",
		},
	}
}

// Manager holds the merged builtin and user role set.
type Manager struct {
	roles map[string]Role
}

// DefaultPath returns the conventional roles file location.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "aichat", "roles.yaml"), nil
}

// Load reads the roles file at path and merges it over the builtins. A
// missing file yields the builtins alone.
func Load(path string) (*Manager, error) {
	m := &Manager{roles: make(map[string]Role)}
	for _, r := range builtins() {
		m.roles[r.Name] = r
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}

	var userRoles []Role
	if err := yaml.Unmarshal(data, &userRoles); err != nil {
		return nil, fmt.Errorf("failed to parse roles file %s: %w", path, err)
	}
	for _, r := range userRoles {
		if r.Name == "" {
			return nil, fmt.Errorf("role in %s has no name", path)
		}
		m.roles[r.Name] = r
	}
	return m, nil
}

// Get returns the named role.
func (m *Manager) Get(name string) (Role, bool) {
	r, ok := m.roles[name]
	return r, ok
}

// Names lists all role names, sorted.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.roles))
	for name := range m.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
