// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package importer

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CheckpointInterval is how many committed assets pass between index
// checkpoints during a batch. A crash mid-batch loses at most this
// window of index state; the durable records survive regardless and a
// rebuild recovers them.
const CheckpointInterval = 10

// BatchWorkers caps concurrently running imports. The per-device
// scheduler permits are the real limiter; this only bounds goroutines
// when sources span many devices.
const BatchWorkers = 4

// BatchItem is the per-source outcome of a batch import.
type BatchItem struct {
	Source  string
	AssetID string
	Err     error
}

// BatchReport summarizes a batch import.
type BatchReport struct {
	Items     []BatchItem
	Succeeded int
	Failed    int
}

// ImportBatch ingests many sources concurrently.
//
// Description:
//
//	Sources run through the single-import pipeline under an
//	errgroup; per-device parallelism is bounded by the scheduler's
//	drive permits. The index is checkpointed every
//	CheckpointInterval commits. One source failing does not stop
//	the others; cancellation stops everything and in-flight imports
//	clean their staging state like any pre-commit failure.
//
// Inputs:
//   - ctx: Cancellation for the whole batch.
//   - sources: Files or directories to ingest.
//   - opts: Options applied to every source. Name is ignored here;
//     each source derives its own.
//
// Outputs:
//   - *BatchReport: Per-source outcomes in input order.
//   - error: Only cancellation; individual failures live in the
//     report.
func (im *Importer) ImportBatch(ctx context.Context, sources []string, opts Options) (*BatchReport, error) {
	opts.Name = ""
	report := &BatchReport{Items: make([]BatchItem, len(sources))}

	var mu sync.Mutex
	committed := 0

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(BatchWorkers)
	for i, source := range sources {
		group.Go(func() error {
			item := BatchItem{Source: source}
			record, err := im.Import(groupCtx, source, opts)
			if err != nil {
				if groupCtx.Err() != nil {
					item.Err = groupCtx.Err()
					report.Items[i] = item
					return groupCtx.Err()
				}
				item.Err = err
				im.logger.Warn("batch item failed", "source", source, "error", err)
				report.Items[i] = item
				return nil
			}
			item.AssetID = record.ID
			report.Items[i] = item

			mu.Lock()
			committed++
			checkpoint := committed%CheckpointInterval == 0
			mu.Unlock()
			if checkpoint {
				if err := im.store.Sync(); err != nil {
					im.logger.Warn("batch checkpoint failed", "error", err)
				} else {
					im.logger.Debug("batch checkpoint", "committed", committed)
				}
			}
			return nil
		})
	}
	err := group.Wait()

	for _, item := range report.Items {
		switch {
		case item.Err != nil:
			report.Failed++
		case item.AssetID != "":
			report.Succeeded++
		}
	}
	im.logger.Info("batch import finished",
		"total", len(sources), "succeeded", report.Succeeded, "failed", report.Failed)
	return report, err
}
