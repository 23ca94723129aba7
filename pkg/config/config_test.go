// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "gateway", cfg.Backends.Provider)
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genie.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  auth_token: secret
backends:
  chat_url: http://chat.internal:8000
logger:
  level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Server.AuthToken)
	assert.Equal(t, "http://chat.internal:8000", cfg.Backends.ChatURL)
	assert.Equal(t, "debug", cfg.Logger.Level)
	// Untouched sections keep their defaults
	assert.Equal(t, "http://localhost:8081", cfg.Backends.AugmentURL)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genie.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600))

	t.Setenv("GENIE_SERVER_PORT", "7070")
	t.Setenv("GENIE_LOGGER_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logger.Level)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genie.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults pass", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"unknown provider", func(c *Config) { c.Backends.Provider = "llamacpp" }, "backends.provider"},
		{"openai without key", func(c *Config) { c.Backends.Provider = "openai" }, "openai_key"},
		{"openai with key passes", func(c *Config) {
			c.Backends.Provider = "openai"
			c.Backends.OpenAIKey = "sk-test"
		}, ""},
		{"bad log level", func(c *Config) { c.Logger.Level = "verbose" }, "logger.level"},
		{"bad log format", func(c *Config) { c.Logger.Format = "logfmt" }, "logger.format"},
		{"no attachments dir", func(c *Config) { c.Attachments.Dir = "" }, "attachments.dir"},
		{"in-memory needs no dir", func(c *Config) {
			c.Attachments.Dir = ""
			c.Attachments.InMemory = true
		}, ""},
		{"tracing needs endpoint", func(c *Config) {
			c.Tracer.Enabled = true
			c.Tracer.OTLPEndpoint = ""
		}, "otlp_endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
