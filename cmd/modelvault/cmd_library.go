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
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/modelvault/services/vault/store"
)

var (
	searchLimit int

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List every asset in the library",
		Run:   runList,
	}
	searchCmd = &cobra.Command{
		Use:   "search [query]",
		Short: "Search assets by name, tag, or family",
		Args:  cobra.ExactArgs(1),
		Run:   runSearch,
	}
	showCmd = &cobra.Command{
		Use:   "show [asset-id]",
		Short: "Print the full record for one asset",
		Args:  cobra.ExactArgs(1),
		Run:   runShow,
	}
	deleteCmd = &cobra.Command{
		Use:   "delete [asset-id]",
		Short: "Delete an asset, its links, and its payload",
		Long: `Removes every registered link for the asset first, then the registry
rows, the metadata record, and finally the payload directory. Links
that are already gone are skipped, not errors.`,
		Args: cobra.ExactArgs(1),
		Run:  runDelete,
	}
	rebuildCmd = &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the search index from the durable records",
		Long: `Drops the index and re-reads every asset.json under the library
root. Records whose payload files are missing are reported and
skipped rather than indexed as phantoms.`,
		Run: runRebuild,
	}
)

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "maximum results")
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(rebuildCmd)
}

func runList(cmd *cobra.Command, args []string) {
	e, err := buildEnv("vault")
	if err != nil {
		log.Fatalf("Error wiring services: %v", err)
	}
	defer e.close()

	records, err := e.store.List()
	if err != nil {
		log.Fatalf("Listing assets: %v", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	for _, r := range records {
		fmt.Println(assetLine(r))
	}
	fmt.Printf("%d assets\n", len(records))
}

// assetLine formats one list row; incomplete shard sets are flagged.
func assetLine(r *store.AssetRecord) string {
	marker := " "
	if r.Incomplete {
		marker = "!"
	}
	return fmt.Sprintf("%s %-50s %10d bytes  %s", marker, r.ID, r.SizeBytes, r.Meta.DisplayName)
}

func runSearch(cmd *cobra.Command, args []string) {
	e, err := buildEnv("vault")
	if err != nil {
		log.Fatalf("Error wiring services: %v", err)
	}
	defer e.close()

	results, err := e.store.Search(args[0], searchLimit)
	if err != nil {
		log.Fatalf("Search failed: %v", err)
	}
	for _, res := range results {
		fmt.Printf("%-50s score=%d\n", res.Record.ID, res.Score)
	}
	if len(results) == 0 {
		fmt.Println("no matches")
	}
}

func runShow(cmd *cobra.Command, args []string) {
	e, err := buildEnv("vault")
	if err != nil {
		log.Fatalf("Error wiring services: %v", err)
	}
	defer e.close()

	record, err := e.store.Get(args[0])
	if err != nil {
		log.Fatalf("Fetching %s: %v", args[0], err)
	}
	out, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		log.Fatalf("Encoding record: %v", err)
	}
	os.Stdout.Write(append(out, '\n'))
}

func runDelete(cmd *cobra.Command, args []string) {
	e, err := buildEnv("vault")
	if err != nil {
		log.Fatalf("Error wiring services: %v", err)
	}
	defer e.close()

	ctx, stop := signalContext()
	defer stop()

	if err := e.engine.DeleteAsset(ctx, args[0]); err != nil {
		log.Fatalf("Deleting %s: %v", args[0], err)
	}
	fmt.Printf("Deleted %s\n", args[0])
}

func runRebuild(cmd *cobra.Command, args []string) {
	e, err := buildEnv("vault")
	if err != nil {
		log.Fatalf("Error wiring services: %v", err)
	}
	defer e.close()

	ctx, stop := signalContext()
	defer stop()

	report, err := e.store.Rebuild(ctx)
	if err != nil {
		log.Fatalf("Rebuild failed: %v", err)
	}
	fmt.Printf("Indexed %d, skipped %d phantom, %d malformed\n",
		report.Indexed, report.SkippedPhantom, report.Malformed)
}
