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

	"github.com/spf13/cobra"
)

var (
	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Check every registered link and scan for orphans",
		Run:   runHealth,
	}
	healCmd = &cobra.Command{
		Use:   "heal",
		Short: "Re-point broken links whose content still exists in the library",
		Long: `Finds registered links whose source is gone and searches the library
for the same content by hash. Matches are re-linked and the registry
updated; links whose content truly left the library are reported but
never guessed at.`,
		Run: runHeal,
	}
	relocateCmd = &cobra.Command{
		Use:   "relocate [old-prefix] [new-prefix]",
		Short: "Rewrite external link paths after a mount point moved",
		Long: `Rewrites every registered path under old-prefix to live under
new-prefix, then re-points the on-disk symlinks to match. Use this
after rehoming a drive, e.g.:

  modelvault relocate /media/usb /mnt/archive`,
		Args: cobra.ExactArgs(2),
		Run:  runRelocate,
	}
)

func init() {
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(healCmd)
	rootCmd.AddCommand(relocateCmd)
}

func runHealth(cmd *cobra.Command, args []string) {
	e, err := buildEnv("mapper")
	if err != nil {
		log.Fatalf("Error wiring services: %v", err)
	}
	defer e.close()

	ctx, stop := signalContext()
	defer stop()

	report, err := e.engine.CheckHealth(ctx)
	if err != nil {
		log.Fatalf("Health check failed: %v", err)
	}

	for _, row := range report.Broken {
		fmt.Printf("BROKEN   %s (%s)\n", row.TargetPath, row.AssetID)
	}
	for _, path := range report.Orphaned {
		fmt.Printf("ORPHANED %s\n", path)
	}
	for _, row := range report.Ghosts {
		fmt.Printf("GHOST    %s (app %s is gone)\n", row.TargetPath, row.App)
	}
	fmt.Printf("%d ok, %d broken, %d orphaned, %d ghosts\n",
		len(report.OK), len(report.Broken), len(report.Orphaned), len(report.Ghosts))
}

func runHeal(cmd *cobra.Command, args []string) {
	e, err := buildEnv("mapper")
	if err != nil {
		log.Fatalf("Error wiring services: %v", err)
	}
	defer e.close()

	ctx, stop := signalContext()
	defer stop()

	results, err := e.engine.Heal(ctx)
	if err != nil {
		log.Fatalf("Heal failed: %v", err)
	}

	healed := 0
	for _, res := range results {
		if res.Healed {
			healed++
			fmt.Printf("healed   %s -> %s\n", res.Link.TargetPath, res.NewPath)
			continue
		}
		fmt.Printf("unhealed %s: %s\n", res.Link.TargetPath, res.Reason)
	}
	fmt.Printf("%d of %d broken links healed\n", healed, len(results))
}

func runRelocate(cmd *cobra.Command, args []string) {
	e, err := buildEnv("mapper")
	if err != nil {
		log.Fatalf("Error wiring services: %v", err)
	}
	defer e.close()

	changed, err := e.engine.Relocate(args[0], args[1])
	if err != nil {
		log.Fatalf("Relocate failed: %v", err)
	}
	fmt.Printf("Rewrote %d registered paths from %s to %s\n", changed, args[0], args[1])
}
