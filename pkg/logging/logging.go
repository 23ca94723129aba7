// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging configures structured logging for Genie components.
//
// The package is a thin layer over log/slog: it parses the configured
// level and format, builds the matching handler on stderr (Unix CLI
// convention), and installs it as the process default so every package
// logging through slog inherits it.
//
// # Usage
//
//	logger := logging.Setup(cfg.Logger.Level, cfg.Logger.Format)
//	logger.Info("starting chat service", "port", cfg.Server.Port)
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data. Callers
// must ensure tokens and document contents are not logged:
//
//	// BAD: logs sensitive data
//	slog.Info("auth", "token", bearerToken)
//
//	// GOOD: log metadata only
//	slog.Info("auth", "token_present", bearerToken != "")
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a config level string to a slog.Level. Unknown values
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a structured logger writing to w.
//
// Format "text" yields human-readable key=value output for local runs;
// anything else yields JSON for log pipelines.
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

// Setup builds a logger on stderr and installs it as the process-wide
// slog default.
func Setup(level, format string) *slog.Logger {
	logger := NewLogger(level, format, os.Stderr)
	slog.SetDefault(logger)
	return logger
}
