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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AleutianAI/modelvault/pkg/logging"
	"github.com/AleutianAI/modelvault/services/vault/enrich"
	"github.com/AleutianAI/modelvault/services/vault/importer"
	"github.com/AleutianAI/modelvault/services/vault/mapping"
	"github.com/AleutianAI/modelvault/services/vault/preflight"
	"github.com/AleutianAI/modelvault/services/vault/registry"
	"github.com/AleutianAI/modelvault/services/vault/scheduler"
	"github.com/AleutianAI/modelvault/services/vault/store"
	"github.com/AleutianAI/modelvault/services/vault/telemetry"
)

// env is the fully wired service graph behind every subcommand.
type env struct {
	logger   *logging.Logger
	slog     *slog.Logger
	store    *store.Store
	registry *registry.Registry
	importer *importer.Importer
	engine   *mapping.Engine
	metrics  *telemetry.Metrics
}

// buildEnv wires the whole stack from the loaded config. Callers must
// defer env.close.
func buildEnv(service string) (*env, error) {
	logger := logging.New(logging.Config{
		Level:   config.logLevel(),
		LogDir:  config.LogDir,
		Service: service,
	})
	slogger := logger.Slog()

	metrics := telemetry.New()

	st, err := store.Open(store.Config{
		LibraryRoot: config.LibraryRoot,
		Logger:      slogger,
	})
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("opening store at %s: %w", config.LibraryRoot, err)
	}

	if err := os.MkdirAll(filepath.Dir(config.RegistryPath), 0o755); err != nil {
		st.Close()
		logger.Close()
		return nil, fmt.Errorf("creating registry dir: %w", err)
	}
	reg, err := registry.Open(config.RegistryPath, slogger)
	if err != nil {
		st.Close()
		logger.Close()
		return nil, fmt.Errorf("opening registry at %s: %w", config.RegistryPath, err)
	}

	validator := preflight.NewValidator(slogger)

	sched := scheduler.New(slogger)
	sched.WaitHook = metrics.SchedulerWait

	var enricher *enrich.Client
	if config.EnrichURL != "" {
		enricher, err = enrich.NewClient(enrich.ClientConfig{
			BaseURL: config.EnrichURL,
			Logger:  slogger,
			Breaker: enrich.BreakerConfig{
				OnStateChange: func(domain string, from, to enrich.CircuitState) {
					metrics.BreakerStateChanged(domain, to == enrich.CircuitOpen)
				},
			},
		})
		if err != nil {
			reg.Close()
			st.Close()
			logger.Close()
			return nil, fmt.Errorf("building enrichment client: %w", err)
		}
	}

	imp, err := importer.New(importer.Config{
		Store:     st,
		Validator: validator,
		Scheduler: sched,
		Enricher:  enricher,
		Logger:    slogger,
		Metrics:   metrics,
	})
	if err != nil {
		reg.Close()
		st.Close()
		logger.Close()
		return nil, fmt.Errorf("building importer: %w", err)
	}

	configs, err := mapping.LoadConfigs(config.MappingDir, slogger)
	if err != nil {
		reg.Close()
		st.Close()
		logger.Close()
		return nil, fmt.Errorf("loading mapping configs from %s: %w", config.MappingDir, err)
	}

	engine, err := mapping.NewEngine(mapping.Config{
		Store:     st,
		Registry:  reg,
		Validator: validator,
		Installs:  config.Installs,
		Configs:   configs,
		Logger:    slogger,
		Metrics:   metrics,
	})
	if err != nil {
		reg.Close()
		st.Close()
		logger.Close()
		return nil, fmt.Errorf("building mapping engine: %w", err)
	}

	return &env{
		logger:   logger,
		slog:     slogger,
		store:    st,
		registry: reg,
		importer: imp,
		engine:   engine,
		metrics:  metrics,
	}, nil
}

func (e *env) close() {
	if err := e.registry.Close(); err != nil {
		e.slog.Warn("closing registry", "error", err)
	}
	if err := e.store.Close(); err != nil {
		e.slog.Warn("closing store", "error", err)
	}
	e.logger.Close()
}

// appVersion resolves the gating version for a consumer app. Apps
// without a configured version gate as 0.0.0, which excludes every
// constrained asset until the operator declares the real version.
func appVersion(app string) string {
	if v, ok := config.AppVersions[app]; ok && v != "" {
		return v
	}
	return "0.0.0"
}
