// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tj800x/aichat/internal/token"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)

	assert.Equal(t, "openai:gpt-4o-mini", cfg.Model)
	assert.Equal(t, 4000, cfg.CompressThreshold)
	assert.False(t, cfg.SaveSession)
}

func TestLoad_ParsesFile(t *testing.T) {
	path := writeConfig(t, `
model = "claude:claude-3-5-sonnet-20241022"
temperature = 0.7
save_session = true
compress_threshold = 6000
requests_per_minute = 30

[keys]
claude = "MY_CLAUDE_KEY"

[endpoints]
ollama = "http://gpu-box:11434"

[[providers]]
name = "corp"
api_base = "https://llm.corp.internal/v1"
api_key_env = "CORP_LLM_KEY"
max_input_tokens = 32768
models = ["chat-large"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "claude:claude-3-5-sonnet-20241022", cfg.Model)
	require.NotNil(t, cfg.Temperature)
	assert.InDelta(t, 0.7, *cfg.Temperature, 1e-9)
	assert.True(t, cfg.SaveSession)
	assert.Equal(t, 6000, cfg.CompressThreshold)
	assert.Equal(t, 30, cfg.RequestsPerMinute)
	assert.Equal(t, "MY_CLAUDE_KEY", cfg.Keys["claude"])
	assert.Equal(t, "http://gpu-box:11434", cfg.Endpoints["ollama"])
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "corp", cfg.Providers[0].Name)
}

func TestLoad_BadTOML(t *testing.T) {
	path := writeConfig(t, "model = [broken")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_FloorsThreshold(t *testing.T) {
	cfg := Default()
	cfg.CompressThreshold = 10

	require.NoError(t, cfg.Validate())
	assert.Equal(t, token.MinCompressThreshold, cfg.CompressThreshold)
}

func TestValidate_RejectsNegatives(t *testing.T) {
	cfg := Default()
	cfg.RequestsPerMinute = -1
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.StreamTimeoutSecs = -5
	require.Error(t, cfg.Validate())
}

func TestValidate_CustomProviders(t *testing.T) {
	cfg := Default()
	cfg.Providers = []CustomProviderConfig{{Name: "corp"}}
	require.Error(t, cfg.Validate(), "api_base is mandatory")

	cfg.Providers = []CustomProviderConfig{{Name: "corp", APIBase: "https://x"}}
	require.Error(t, cfg.Validate(), "at least one model is mandatory")

	cfg.Providers = []CustomProviderConfig{{Name: "corp", APIBase: "https://x", Models: []string{"m"}}}
	require.NoError(t, cfg.Validate())
}

func TestRegistryConfig_ResolvesKeysFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("MY_CLAUDE_KEY", "sk-claude")
	t.Setenv("CORP_LLM_KEY", "sk-corp")

	cfg := Default()
	cfg.Keys = map[string]string{"claude": "MY_CLAUDE_KEY"}
	cfg.Providers = []CustomProviderConfig{{
		Name:      "corp",
		APIBase:   "https://llm.corp.internal/v1",
		APIKeyEnv: "CORP_LLM_KEY",
		Models:    []string{"chat-large"},
	}}

	rc := cfg.RegistryConfig()
	assert.Equal(t, "sk-openai", rc.Keys["openai"])
	assert.Equal(t, "sk-claude", rc.Keys["claude"], "key env override must win")
	require.Len(t, rc.Custom, 1)
	assert.Equal(t, "sk-corp", rc.Custom[0].APIKey)
}
