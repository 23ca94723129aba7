// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"log"

	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "genie",
		Short: "Genie streaming chat orchestration service",
		Long: `Genie sits between chat clients and the model backends: it streams
assistant answers over SSE, grounds turns against uploaded documents,
and reconciles conversation state with the persistence backend.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the chat service HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "genie.yaml", "path to the configuration file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
