// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the chat service configuration from YAML with
// GENIE_* environment overrides layered on top.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"` // empty disables inbound auth
}

// BackendsConfig holds the upstream service endpoints and credentials.
type BackendsConfig struct {
	// Provider selects the completion transport: "gateway" streams from
	// the chat gateway, "openai" talks to an OpenAI-compatible API.
	Provider string `yaml:"provider"`

	AugmentURL  string `yaml:"augment_url"`
	ChatURL     string `yaml:"chat_url"`
	StoreURL    string `yaml:"store_url"`
	UploadURL   string `yaml:"upload_url"`
	BearerToken string `yaml:"bearer_token"`
	XSRFToken   string `yaml:"xsrf_token"`

	// OpenAI-compatible settings, used when Provider is "openai".
	OpenAIKey     string `yaml:"openai_key"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
}

// AttachmentsConfig holds the local attachment registry settings.
type AttachmentsConfig struct {
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"in_memory"`
}

// LoggerConfig holds structured logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// TracerConfig holds OpenTelemetry export settings.
type TracerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Backends    BackendsConfig    `yaml:"backends"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
}

// Defaults returns the configuration used when no file or overrides are
// present: a local single-user deployment against localhost backends.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Backends: BackendsConfig{
			Provider:   "gateway",
			AugmentURL: "http://localhost:8081",
			ChatURL:    "http://localhost:8082",
			StoreURL:   "http://localhost:8083",
			UploadURL:  "http://localhost:8084",
		},
		Attachments: AttachmentsConfig{
			Dir: "./data/attachments",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
		},
		Tracer: TracerConfig{
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "genie-chat",
		},
	}
}

// Load reads the configuration file at path, layering environment
// overrides on top. A missing file is not an error; defaults plus
// overrides are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps GENIE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GENIE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("GENIE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("GENIE_SERVER_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("GENIE_BACKENDS_PROVIDER"); v != "" {
		cfg.Backends.Provider = v
	}
	if v := os.Getenv("GENIE_BACKENDS_AUGMENT_URL"); v != "" {
		cfg.Backends.AugmentURL = v
	}
	if v := os.Getenv("GENIE_BACKENDS_CHAT_URL"); v != "" {
		cfg.Backends.ChatURL = v
	}
	if v := os.Getenv("GENIE_BACKENDS_STORE_URL"); v != "" {
		cfg.Backends.StoreURL = v
	}
	if v := os.Getenv("GENIE_BACKENDS_UPLOAD_URL"); v != "" {
		cfg.Backends.UploadURL = v
	}
	if v := os.Getenv("GENIE_BACKENDS_BEARER_TOKEN"); v != "" {
		cfg.Backends.BearerToken = v
	}
	if v := os.Getenv("GENIE_BACKENDS_XSRF_TOKEN"); v != "" {
		cfg.Backends.XSRFToken = v
	}
	if v := os.Getenv("GENIE_BACKENDS_OPENAI_KEY"); v != "" {
		cfg.Backends.OpenAIKey = v
	}
	if v := os.Getenv("GENIE_BACKENDS_OPENAI_BASE_URL"); v != "" {
		cfg.Backends.OpenAIBaseURL = v
	}
	if v := os.Getenv("GENIE_ATTACHMENTS_DIR"); v != "" {
		cfg.Attachments.Dir = v
	}
	if v := os.Getenv("GENIE_ATTACHMENTS_IN_MEMORY"); v == "true" {
		cfg.Attachments.InMemory = true
	}
	if v := os.Getenv("GENIE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("GENIE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("GENIE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("GENIE_TRACER_OTLP_ENDPOINT"); v != "" {
		cfg.Tracer.OTLPEndpoint = v
	}
	if v := os.Getenv("GENIE_TRACER_SERVICE_NAME"); v != "" {
		cfg.Tracer.ServiceName = v
	}
}

// Validate rejects configurations the service cannot start with.
func Validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}

	switch cfg.Backends.Provider {
	case "gateway":
		if cfg.Backends.ChatURL == "" {
			return fmt.Errorf("backends.chat_url is required for the gateway provider")
		}
	case "openai":
		if cfg.Backends.OpenAIKey == "" {
			return fmt.Errorf("backends.openai_key is required for the openai provider")
		}
	default:
		return fmt.Errorf("backends.provider %q is not one of gateway, openai", cfg.Backends.Provider)
	}

	switch cfg.Logger.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}

	switch cfg.Logger.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logger.format %q is not one of json, text", cfg.Logger.Format)
	}

	if !cfg.Attachments.InMemory && cfg.Attachments.Dir == "" {
		return fmt.Errorf("attachments.dir is required unless attachments.in_memory is set")
	}

	if cfg.Tracer.Enabled && cfg.Tracer.OTLPEndpoint == "" {
		return fmt.Errorf("tracer.otlp_endpoint is required when tracing is enabled")
	}

	return nil
}
