// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	viper.SetEnvPrefix("ARCHESTRA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	setDefaults()
	t.Cleanup(viper.Reset)
}

func TestSettings_Defaults(t *testing.T) {
	setupViper(t)
	s := ForTestsOnlyNewSettings(afero.NewMemMapFs())

	assert.Equal(t, "memory", s.DatabaseDriver())
	assert.Equal(t, "memory", s.BusBackend())
	assert.Equal(t, 30*time.Second, s.MCPConnectTimeout())
	assert.Equal(t, 30*time.Second, s.MCPListToolsTimeout())
	assert.Equal(t, 10*time.Second, s.OAuthRefreshTimeout())
	assert.Equal(t, 24*time.Hour, s.MCPSessionTTL())
	assert.Equal(t, 4, s.HTTPConcurrencyLimit())
	assert.Equal(t, 8, s.ToolLoopMaxRounds())
	assert.Equal(t, "us-east-1", s.BedrockRegion())
	assert.Equal(t, "default", s.KubeNamespace())
	assert.Equal(t, 30*time.Second, s.ShutdownTimeout())
	assert.InDelta(t, 0.0, s.RateLimitRPS(), 0.001)
}

func TestSettings_ChatAPIKeyFromEnv(t *testing.T) {
	setupViper(t)
	t.Setenv("ARCHESTRA_CHAT_OPENAI_API_KEY", "sk-env-fallback")
	t.Setenv("ARCHESTRA_CHAT_ZHIPUAI_API_KEY", "zp-key")

	s := ForTestsOnlyNewSettings(afero.NewMemMapFs())
	assert.Equal(t, "sk-env-fallback", s.ChatAPIKey("openai"))
	assert.Equal(t, "sk-env-fallback", s.ChatAPIKey("OPENAI"))
	assert.Equal(t, "zp-key", s.ChatAPIKey("zhipuai"))
	assert.Empty(t, s.ChatAPIKey("anthropic"))
}

func TestSettings_ProviderBaseURLFromEnv(t *testing.T) {
	setupViper(t)
	t.Setenv("ARCHESTRA_OLLAMA_BASE_URL", "http://gpu-box:11434")
	t.Setenv("ARCHESTRA_BEDROCK_BASE_URL", "https://bedrock-runtime.eu-west-1.amazonaws.com")

	s := ForTestsOnlyNewSettings(afero.NewMemMapFs())
	assert.Equal(t, "http://gpu-box:11434", s.ProviderBaseURL("ollama"))
	assert.Equal(t, "https://bedrock-runtime.eu-west-1.amazonaws.com", s.ProviderBaseURL("bedrock"))
	assert.Empty(t, s.ProviderBaseURL("mistral"))
}

func TestSettings_VertexModeFromEnv(t *testing.T) {
	setupViper(t)
	t.Setenv("ARCHESTRA_GEMINI_VERTEX_AI_ENABLED", "true")
	t.Setenv("ARCHESTRA_GEMINI_VERTEX_AI_PROJECT", "acme-prod")
	t.Setenv("ARCHESTRA_GEMINI_VERTEX_AI_LOCATION", "us-central1")

	s := ForTestsOnlyNewSettings(afero.NewMemMapFs())
	assert.True(t, s.GeminiVertexAIEnabled())
	assert.Equal(t, "acme-prod", s.GeminiVertexAIProject())
	assert.Equal(t, "us-central1", s.GeminiVertexAILocation())
	require.NoError(t, s.Validate())
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *Settings)
		env     map[string]string
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(_ *Settings) {},
		},
		{
			name:    "sqlite without dsn",
			mutate:  func(s *Settings) { s.dbDriver = "sqlite" },
			wantErr: "requires a DSN",
		},
		{
			name:    "unknown driver",
			mutate:  func(s *Settings) { s.dbDriver = "dynamo" },
			wantErr: "unknown database driver",
		},
		{
			name:    "nats without url",
			mutate:  func(s *Settings) { s.busBackend = "nats" },
			wantErr: "requires a server URL",
		},
		{
			name:    "unknown bus",
			mutate:  func(s *Settings) { s.busBackend = "kafka" },
			wantErr: "unknown bus backend",
		},
		{
			name:   "vertex without project",
			mutate: func(_ *Settings) {},
			env: map[string]string{
				"ARCHESTRA_GEMINI_VERTEX_AI_ENABLED": "true",
			},
			wantErr: "requires a project and location",
		},
		{
			name:   "short token secret",
			mutate: func(_ *Settings) {},
			env: map[string]string{
				"ARCHESTRA_GATEWAY_TOKEN_SECRET": "short",
			},
			wantErr: "at least 16 characters",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupViper(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			s := ForTestsOnlyNewSettings(afero.NewMemMapFs())
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSettings_LogLevel(t *testing.T) {
	setupViper(t)
	s := ForTestsOnlyNewSettings(afero.NewMemMapFs())

	s.logLevel = "warn"
	assert.Equal(t, slog.LevelWarn, s.LogLevel())

	s.logLevel = "nonsense"
	assert.Equal(t, slog.LevelInfo, s.LogLevel())

	s.debug = true
	assert.Equal(t, slog.LevelDebug, s.LogLevel())
}

func TestSettings_ListenAddressPortOnly(t *testing.T) {
	setupViper(t)
	s := ForTestsOnlyNewSettings(afero.NewMemMapFs())
	s.listenAddress = "9099"
	assert.Equal(t, "localhost:9099", s.ListenAddress())

	s.listenAddress = "0.0.0.0:9099"
	assert.Equal(t, "0.0.0.0:9099", s.ListenAddress())
}

func TestActionableError(t *testing.T) {
	inner := fmt.Errorf("boom")
	ae := &ActionableError{Err: inner, Suggestion: "try again"}
	assert.Contains(t, ae.Error(), "boom")
	assert.Contains(t, ae.Error(), "-> Fix: try again")
	assert.ErrorIs(t, ae, inner)

	wrapped := WrapActionableError("loading", ae)
	var out *ActionableError
	require.ErrorAs(t, wrapped, &out)
	assert.Equal(t, "try again", out.Suggestion)
	assert.Contains(t, wrapped.Error(), "loading")

	assert.NoError(t, WrapActionableError("x", nil))

	plain := WrapActionableError("ctx", fmt.Errorf("plain"))
	assert.EqualError(t, errors.Unwrap(plain), "plain")
}
