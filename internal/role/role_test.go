// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

package role

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileGivesBuiltins(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "roles.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, ok := m.Get("shell"); !ok {
		t.Error("shell builtin missing")
	}
	if _, ok := m.Get("explain-shell"); !ok {
		t.Error("explain-shell builtin missing")
	}
}

func TestLoad_UserRolesMergeOverBuiltins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	content := `
- name: reviewer
  prompt: You review Go code.
  temperature: 0.2
- name: shell
  prompt: Custom shell prompt.
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	r, ok := m.Get("reviewer")
	if !ok {
		t.Fatal("reviewer role missing")
	}
	if r.Temperature == nil || *r.Temperature != 0.2 {
		t.Errorf("temperature = %v", r.Temperature)
	}

	// User definitions shadow builtins of the same name.
	shell, _ := m.Get("shell")
	if shell.Prompt != "Custom shell prompt." {
		t.Errorf("shell prompt = %q", shell.Prompt)
	}
}

func TestLoad_RejectsNamelessRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	if err := os.WriteFile(path, []byte("- prompt: no name\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("nameless role must be rejected")
	}
}

func TestNamesSorted(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	names := m.Names()
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Errorf("Names() not sorted: %v", names)
		}
	}
}
