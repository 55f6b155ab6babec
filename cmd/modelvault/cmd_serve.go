// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/modelvault/services/vault/server"
)

var (
	listenAddr string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the modelvault HTTP API",
		Long: `Starts the HTTP API exposing the library: asset listing and search,
imports, mapping preview/apply, link health, and Prometheus metrics
on /metrics.`,
		Run: runServe,
	}
)

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	e, err := buildEnv("server")
	if err != nil {
		log.Fatalf("Error wiring services: %v", err)
	}
	defer e.close()

	addr := listenAddr
	if addr == "" {
		addr = config.ListenAddr
	}

	ctx, stop := signalContext()
	defer stop()

	// Keep the index honest while serving: external edits to the
	// library re-index or drop the touched asset.
	watcher, err := e.store.WatchExternalChanges(ctx)
	if err != nil {
		e.slog.Warn("library watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	srv := &server.Server{
		Store:    e.store,
		Importer: e.importer,
		Engine:   e.engine,
		Metrics:  e.metrics,
		Logger:   e.slog,
	}

	e.slog.Info("starting modelvault API",
		"component", "server",
		"addr", addr,
		"library", config.LibraryRoot)
	if err := srv.Run(addr); err != nil {
		log.Fatalf("Server stopped: %v", err)
	}
}
