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
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/modelvault/pkg/logging"
)

// Config is the on-disk configuration for the modelvault CLI. Every
// field has a working default so a bare `modelvault` run against
// ~/models needs no config file at all.
type Config struct {
	// LibraryRoot is the canonical asset tree.
	LibraryRoot string `yaml:"library_root"`

	// RegistryPath is the link registry database. Default:
	// <LibraryRoot>/.modelvault/registry.db
	RegistryPath string `yaml:"registry_path"`

	// MappingDir holds the mapping YAML documents. Default:
	// <LibraryRoot>/.modelvault/mappings
	MappingDir string `yaml:"mapping_dir"`

	// Installs maps consumer app names to their model roots, e.g.
	//   installs:
	//     comfy: /opt/comfy/models
	Installs map[string]string `yaml:"installs"`

	// AppVersions maps consumer app names to the version used for
	// compatibility gating. Apps absent here gate as version "0.0.0".
	AppVersions map[string]string `yaml:"app_versions"`

	// EnrichURL is the metadata service base URL. Empty disables
	// enrichment.
	EnrichURL string `yaml:"enrich_url"`

	// ListenAddr is where `modelvault serve` binds.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogDir enables file logging when set.
	LogDir string `yaml:"log_dir"`
}

func (c *Config) applyDefaults() {
	if c.LibraryRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.LibraryRoot = filepath.Join(home, "models")
	}
	if c.RegistryPath == "" {
		c.RegistryPath = filepath.Join(c.LibraryRoot, ".modelvault", "registry.db")
	}
	if c.MappingDir == "" {
		c.MappingDir = filepath.Join(c.LibraryRoot, ".modelvault", "mappings")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8750"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) logLevel() logging.Level {
	switch c.LogLevel {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

var (
	config      Config
	configPath  string
	libraryFlag string

	rootCmd = &cobra.Command{
		Use:   "modelvault",
		Short: "A CLI to manage a local model asset library",
		Long: `Modelvault imports model files into a content-addressed library,
maps them into consumer applications via links, and keeps the
whole arrangement healthy across moves and renames.`,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: <library>/.modelvault/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&libraryFlag, "library", "", "library root (overrides config)")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if err := loadConfig(); err != nil {
			log.Fatalf("Error loading configuration: %v", err)
		}
	}
}

// loadConfig reads the config file if one exists and applies flag
// overrides plus defaults. A missing config file is not an error,
// a malformed one is.
func loadConfig() error {
	path := configPath
	if path == "" && libraryFlag != "" {
		path = filepath.Join(libraryFlag, ".modelvault", "config.yaml")
	}
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, "models", ".modelvault", "config.yaml")
		}
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &config); err != nil {
				return fmt.Errorf("parsing %s: %w", path, err)
			}
		case os.IsNotExist(err) && configPath == "":
			// Default location, nothing there: run on defaults.
		default:
			if configPath != "" {
				return fmt.Errorf("reading %s: %w", path, err)
			}
		}
	}

	if libraryFlag != "" {
		config.LibraryRoot = libraryFlag
		// Derived paths follow the overridden root unless the config
		// file pinned them explicitly.
		if configPath == "" {
			config.RegistryPath = ""
			config.MappingDir = ""
		}
	}
	config.applyDefaults()
	return nil
}
