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

	"github.com/AleutianAI/modelvault/services/vault/mapping"
)

var (
	mapVersion    string
	mapResolution string

	mappingCmd = &cobra.Command{
		Use:   "mapping",
		Short: "Resolve mapping rules into links for a consumer app",
	}
	previewCmd = &cobra.Command{
		Use:   "preview [app]",
		Short: "Show what apply would do, without touching the filesystem",
		Args:  cobra.ExactArgs(1),
		Run:   runPreview,
	}
	applyCmd = &cobra.Command{
		Use:   "apply [app]",
		Short: "Create the links the mapping rules call for",
		Long: `Resolves the merged mapping rules for the app and materializes the
resulting links. Existing correct links are left alone, so repeated
applies are safe. Conflicts are skipped unless --resolution says
otherwise.`,
		Args: cobra.ExactArgs(1),
		Run:  runApply,
	}
)

func init() {
	mappingCmd.PersistentFlags().StringVar(&mapVersion, "app-version", "", "consumer app version for compatibility gating (overrides config)")
	applyCmd.Flags().StringVar(&mapResolution, "resolution", "skip", "conflict resolution: skip, overwrite, or rename-existing")
	mappingCmd.AddCommand(previewCmd)
	mappingCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(mappingCmd)
}

func gatingVersion(app string) string {
	if mapVersion != "" {
		return mapVersion
	}
	return appVersion(app)
}

func runPreview(cmd *cobra.Command, args []string) {
	e, err := buildEnv("mapper")
	if err != nil {
		log.Fatalf("Error wiring services: %v", err)
	}
	defer e.close()

	ctx, stop := signalContext()
	defer stop()

	app := args[0]
	preview, err := e.engine.Preview(ctx, app, gatingVersion(app))
	if err != nil {
		log.Fatalf("Preview failed: %v", err)
	}

	for _, link := range preview.Create {
		fmt.Printf("create  %-8s %s -> %s\n", link.Kind, link.TargetAbs, link.SourceAbs)
	}
	for _, link := range preview.AlreadyOK {
		fmt.Printf("ok      %-8s %s\n", link.Kind, link.TargetAbs)
	}
	for _, c := range preview.Conflicts {
		fmt.Printf("CONFLICT %s (%s)\n", c.TargetAbs, c.Reason)
	}
	for _, row := range preview.BrokenToRemove {
		fmt.Printf("stale    %s\n", row.TargetPath)
	}
	for _, w := range preview.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	fmt.Printf("%d to create, %d already correct, %d conflicts\n",
		len(preview.Create), len(preview.AlreadyOK), len(preview.Conflicts))
}

func runApply(cmd *cobra.Command, args []string) {
	resolution, err := parseResolution(mapResolution)
	if err != nil {
		log.Fatalf("%v", err)
	}

	e, err := buildEnv("mapper")
	if err != nil {
		log.Fatalf("Error wiring services: %v", err)
	}
	defer e.close()

	ctx, stop := signalContext()
	defer stop()

	app := args[0]
	resolver := func(mapping.Conflict) mapping.Resolution { return resolution }
	report, err := e.engine.Apply(ctx, app, gatingVersion(app), resolver)
	if err != nil {
		log.Fatalf("Apply failed: %v", err)
	}

	for _, w := range report.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	fmt.Printf("created %d, already correct %d, skipped %d, overwritten %d, renamed %d, failed %d\n",
		report.Created, report.AlreadyOK, report.Skipped,
		report.Overwritten, report.Renamed, report.Failed)
}

func parseResolution(s string) (mapping.Resolution, error) {
	switch s {
	case "skip":
		return mapping.ResolveSkip, nil
	case "overwrite":
		return mapping.ResolveOverwrite, nil
	case "rename-existing":
		return mapping.ResolveRenameExisting, nil
	default:
		return mapping.ResolveSkip, fmt.Errorf("unknown resolution %q: want skip, overwrite, or rename-existing", s)
	}
}
