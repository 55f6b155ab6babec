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
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/modelvault/services/vault/importer"
)

var (
	importType   string
	importFamily string
	importName   string
	importMove   bool
	importEnrich bool
	importTags   []string

	importCmd = &cobra.Command{
		Use:   "import [path...]",
		Short: "Import model files or directories into the library",
		Long: `Imports one or more sources into the library. A single source may be
a file (shard siblings are detected and gathered automatically) or a
directory bundle. Multiple sources run as a batch with bounded
parallelism; individual failures do not abort the batch.`,
		Args: cobra.MinimumNArgs(1),
		Run:  runImport,
	}
)

func init() {
	importCmd.Flags().StringVar(&importType, "type", "", "asset type segment (default: model)")
	importCmd.Flags().StringVar(&importFamily, "family", "", "family segment (default: local)")
	importCmd.Flags().StringVar(&importName, "name", "", "override the derived name (single source only)")
	importCmd.Flags().BoolVar(&importMove, "move", false, "consume the source instead of copying")
	importCmd.Flags().BoolVar(&importEnrich, "enrich", false, "consult the metadata service for identification")
	importCmd.Flags().StringSliceVar(&importTags, "tag", nil, "seed tags (repeatable)")
	rootCmd.AddCommand(importCmd)
}

// signalContext returns a context cancelled by SIGINT/SIGTERM, so an
// interrupted import unwinds its staging area instead of dying mid-copy.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runImport(cmd *cobra.Command, args []string) {
	if importName != "" && len(args) > 1 {
		log.Fatalf("--name only applies to a single source; got %d", len(args))
	}

	e, err := buildEnv("importer")
	if err != nil {
		log.Fatalf("Error wiring services: %v", err)
	}
	defer e.close()

	ctx, stop := signalContext()
	defer stop()

	opts := importer.Options{
		AssetType: importType,
		Family:    importFamily,
		Name:      importName,
		Move:      importMove,
		Enrich:    importEnrich,
		Tags:      importTags,
	}

	if len(args) == 1 {
		record, err := e.importer.Import(ctx, args[0], opts)
		if err != nil {
			log.Fatalf("Import failed: %v", err)
		}
		fmt.Printf("Imported %s (%d files, sha256 %s)\n",
			record.ID, len(record.Files), record.Hashes.SHA256)
		if record.Incomplete {
			fmt.Printf("  WARNING: shard set incomplete, missing %v\n", record.MissingShards)
		}
		return
	}

	report, err := e.importer.ImportBatch(ctx, args, opts)
	if err != nil {
		log.Fatalf("Batch import aborted: %v", err)
	}
	for _, item := range report.Items {
		if item.Err != nil {
			fmt.Printf("FAILED  %s: %v\n", item.Source, item.Err)
			continue
		}
		fmt.Printf("ok      %s -> %s\n", item.Source, item.AssetID)
	}
	fmt.Printf("%d succeeded, %d failed\n", report.Succeeded, report.Failed)
	if report.Failed > 0 {
		os.Exit(1)
	}
}
