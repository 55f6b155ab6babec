// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package importer is the ingest pipeline: it validates a source,
// stages it under a temporary name inside the library, hashes it in a
// single pass, optionally enriches it from the metadata service, and
// commits payload plus metadata with one atomic rename.
//
// Nothing is visible to readers until the commit rename; any failure
// before it removes the staging artifacts and leaves the library
// namespace unchanged.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/AleutianAI/modelvault/services/vault/enrich"
	"github.com/AleutianAI/modelvault/services/vault/hashing"
	"github.com/AleutianAI/modelvault/services/vault/naming"
	"github.com/AleutianAI/modelvault/services/vault/preflight"
	"github.com/AleutianAI/modelvault/services/vault/scheduler"
	"github.com/AleutianAI/modelvault/services/vault/store"
)

// StagingPrefix names in-flight staging directories under the library
// root. The deep scan and the watcher both skip this prefix.
const StagingPrefix = ".staging-"

// DefaultAssetType is used when the caller does not classify the
// import.
const DefaultAssetType = "model"

// DefaultFamily groups imports with no stated family.
const DefaultFamily = "local"

// Metrics receives import telemetry; nil disables it.
type Metrics interface {
	ImportFinished(result string, bytes int64)
}

// Options control one import.
type Options struct {
	// AssetType is the identity's first segment ("checkpoint",
	// "lora", ...). Default: "model".
	AssetType string

	// Family is the identity's second segment. Default: "local".
	Family string

	// Name overrides the cleaned source name.
	Name string

	// Move consumes the source instead of copying it. On the same
	// device this is the fast path: a rename plus hash-in-place.
	// Across devices a move degrades to copy-then-delete and, for
	// directory bundles, is explicitly non-atomic on the source side.
	Move bool

	// Enrich consults the metadata service. Failures of any kind
	// degrade to "no match", never to an import error.
	Enrich bool

	// Tags seeds the asset's tags.
	Tags []string
}

// Config wires an Importer.
type Config struct {
	Store     *store.Store
	Validator *preflight.Validator
	Scheduler *scheduler.Scheduler

	// Enricher is optional; nil disables enrichment entirely.
	Enricher *enrich.Client

	Logger  *slog.Logger
	Metrics Metrics
}

// Importer runs the ingest pipeline.
//
// Thread Safety: Safe for concurrent use; per-device parallelism is
// bounded by the scheduler.
type Importer struct {
	store     *store.Store
	validator *preflight.Validator
	scheduler *scheduler.Scheduler
	enricher  *enrich.Client
	logger    *slog.Logger
	metrics   Metrics

	// putRecord indexes a committed record; swappable for tests.
	putRecord func(ctx context.Context, record *store.AssetRecord) error
}

// New validates config and builds an Importer.
func New(config Config) (*Importer, error) {
	if config.Store == nil || config.Validator == nil || config.Scheduler == nil {
		return nil, errors.New("importer: store, validator and scheduler are required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	im := &Importer{
		store:     config.Store,
		validator: config.Validator,
		scheduler: config.Scheduler,
		enricher:  config.Enricher,
		logger:    logger.With(slog.String("component", "importer")),
		metrics:   config.Metrics,
	}
	im.putRecord = im.store.Put
	return im, nil
}

// sourceFile is one payload file gathered before staging.
type sourceFile struct {
	path       string // absolute source path
	name       string // name inside the asset directory
	shardIndex int
	shardTotal int
}

// stagedFile tracks a file that reached staging, with enough state to
// undo a move on pre-commit failure.
type stagedFile struct {
	sourceFile
	stagedPath string
	moved      bool
	digest     hashing.Digest
	size       int64
}

// Import ingests one source file or directory bundle.
//
// Description:
//
//	Runs the full pipeline: preflight both ends, acquire drive
//	permits, stage (rename on the fast path, dual-hash stream copy
//	otherwise), optional enrichment, collision resolution, metadata
//	write, atomic commit, index update. A source whose content is
//	already in the library under the same identity is deduplicated
//	and returns the existing record.
//
// Inputs:
//   - ctx: Cancellation, honored between copy chunks; cancellation
//     behaves exactly like any other pre-commit failure.
//   - source: File or directory to ingest.
//   - opts: Import options.
//
// Outputs:
//   - *store.AssetRecord: The committed (or deduplicated) record.
//   - error: Validation, I/O, or store failure. The library namespace
//     is unchanged on error.
func (im *Importer) Import(ctx context.Context, source string, opts Options) (*store.AssetRecord, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}

	_, sameDevice, err := im.validator.ValidatePair(source, im.store.LibraryRoot())
	if err != nil {
		return nil, err
	}

	release, err := im.scheduler.AcquirePair(ctx, source, im.store.LibraryRoot())
	if err != nil {
		return nil, err
	}
	defer release()

	var files []sourceFile
	if info.IsDir() {
		if opts.Move && !sameDevice {
			im.logger.Warn("cross-filesystem directory move is not atomic on the source side",
				"source", source)
		}
		files, err = gatherBundle(source)
	} else {
		files, err = gatherWithShards(source)
	}
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("source %s contains no files", source)
	}

	record, err := im.stageAndCommit(ctx, source, info.IsDir(), sameDevice, files, opts, release)
	if err != nil {
		im.observe("failure", 0)
		return nil, err
	}
	im.observe("success", record.SizeBytes)
	return record, nil
}

func (im *Importer) observe(result string, bytes int64) {
	if im.metrics != nil {
		im.metrics.ImportFinished(result, bytes)
	}
}

// =========================================================================
// Gathering
// =========================================================================

// gatherBundle collects every file of a directory-shaped asset,
// preserving relative paths as in-asset names.
func gatherBundle(dir string) ([]sourceFile, error) {
	var files []sourceFile
	err := filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, sourceFile{path: path, name: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking bundle: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

// gatherWithShards resolves a single file into its full shard group
// when its name follows a shard convention and siblings exist.
func gatherWithShards(path string) ([]sourceFile, error) {
	path = filepath.Clean(path)
	_, _, isShard := naming.ParseShard(path)
	if !isShard {
		return []sourceFile{{path: path, name: filepath.Base(path)}}, nil
	}

	dir := filepath.Dir(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing shard siblings: %w", err)
	}
	var siblings []string
	for _, entry := range entries {
		if !entry.IsDir() {
			siblings = append(siblings, filepath.Join(dir, entry.Name()))
		}
	}

	sets, _ := naming.DetectShards(siblings)
	for _, set := range sets {
		for _, shard := range set.Shards {
			if shard.Path != path {
				continue
			}
			files := make([]sourceFile, 0, len(set.Shards))
			for _, member := range set.Shards {
				files = append(files, sourceFile{
					path:       member.Path,
					name:       filepath.Base(member.Path),
					shardIndex: member.Index,
					shardTotal: set.Total,
				})
			}
			return files, nil
		}
	}
	// Matched a shard pattern but grouped with nothing: import alone.
	return []sourceFile{{path: path, name: filepath.Base(path)}}, nil
}

// =========================================================================
// Staging and commit
// =========================================================================

// stageAndCommit runs staging through the atomic rename.
//
// releasePermits hands the drive permits back; it is idempotent and
// called as soon as the heavy I/O of the staging loop is done, so the
// network-bound enrichment step never holds disk access hostage.
func (im *Importer) stageAndCommit(ctx context.Context, source string, isDir, sameDevice bool, files []sourceFile, opts Options, releasePermits func()) (*store.AssetRecord, error) {
	stagingDir := filepath.Join(im.store.LibraryRoot(), StagingPrefix+uuid.NewString())
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}

	var staged []stagedFile
	committed := false
	defer func() {
		if committed {
			return
		}
		// Pre-commit failure: put moved sources back, then drop the
		// staging directory so no partial state is visible.
		for _, file := range staged {
			if file.moved {
				if err := os.Rename(file.stagedPath, file.path); err != nil {
					im.logger.Error("restoring moved source failed",
						"source", file.path, "error", err)
				}
			}
		}
		if err := os.RemoveAll(stagingDir); err != nil {
			im.logger.Warn("removing staging dir failed",
				"dir", stagingDir, "error", err)
		}
	}()

	fastMove := opts.Move && sameDevice
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stagedPath := filepath.Join(stagingDir, filepath.FromSlash(file.name))
		if err := os.MkdirAll(filepath.Dir(stagedPath), 0o755); err != nil {
			return nil, fmt.Errorf("staging subdir: %w", err)
		}

		entry := stagedFile{sourceFile: file, stagedPath: stagedPath}
		if fastMove {
			if err := os.Rename(file.path, stagedPath); err != nil {
				return nil, fmt.Errorf("fast-moving %s: %w", file.name, err)
			}
			entry.moved = true
			digest, size, err := hashing.HashFile(ctx, stagedPath)
			if err != nil {
				return nil, fmt.Errorf("hashing %s: %w", file.name, err)
			}
			entry.digest, entry.size = digest, size
		} else {
			digest, size, err := hashing.CopyFile(ctx, stagedPath, file.path)
			if err != nil {
				return nil, fmt.Errorf("staging %s: %w", file.name, err)
			}
			entry.digest, entry.size = digest, size
		}
		staged = append(staged, entry)
	}

	// All bulk reads and writes are done; what remains is metadata
	// and one directory rename.
	releasePermits()

	record := im.buildRecord(source, isDir, staged, opts)

	if im.enricher != nil && opts.Enrich {
		im.enrichRecord(ctx, record, filepath.Base(source))
	}

	finalID, existing, err := im.resolveCollision(record)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		// Identical content already committed under this identity.
		im.logger.Info("duplicate content, deduplicated",
			"asset", existing.ID, "source", source)
		return existing, nil
	}
	record.ID = finalID

	if err := store.WriteRecord(stagingDir, record); err != nil {
		return nil, fmt.Errorf("writing metadata: %w", err)
	}

	finalDir := im.store.AssetDir(record.ID)
	if err := os.MkdirAll(filepath.Dir(finalDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating family dir: %w", err)
	}
	// The commit point: payload and metadata become visible together.
	if err := os.Rename(stagingDir, finalDir); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}
	committed = true

	if err := im.putRecord(ctx, record); err != nil {
		// The rename already made the asset durable; the index is the
		// disposable tier and the next rebuild recovers the entry.
		// Failing here would invite a retry of a completed import.
		im.logger.Warn("committed asset not indexed, rebuild will recover it",
			"asset", record.ID, "error", err)
	}

	if opts.Move {
		if fastMove {
			if isDir {
				// Fast-move renamed every file out; only the empty
				// skeleton of the source bundle remains.
				if err := os.RemoveAll(source); err != nil {
					im.logger.Warn("removing emptied source dir failed",
						"source", source, "error", err)
				}
			}
		} else {
			im.removeSource(source, isDir, staged)
		}
	}

	im.logger.Info("asset imported",
		"asset", record.ID, "files", len(record.Files),
		"bytes", record.SizeBytes, "incomplete", record.Incomplete)
	return record, nil
}

// buildRecord assembles the AssetRecord from staged files.
func (im *Importer) buildRecord(source string, isDir bool, staged []stagedFile, opts Options) *store.AssetRecord {
	entries := make([]store.FileEntry, 0, len(staged))
	var total int64
	primary := 0
	for i, file := range staged {
		entries = append(entries, store.FileEntry{
			Name:       file.name,
			SizeBytes:  file.size,
			SHA256:     file.digest.SHA256,
			ShardIndex: file.shardIndex,
			ShardTotal: file.shardTotal,
		})
		total += file.size
		if file.size > staged[primary].size {
			primary = i
		}
	}

	missing := missingShards(staged)
	paths := make([]string, 0, len(staged))
	for _, file := range staged {
		paths = append(paths, file.name)
	}

	name := opts.Name
	if name == "" {
		name = defaultName(source, isDir, staged)
	}
	assetType := opts.AssetType
	if assetType == "" {
		assetType = DefaultAssetType
	}
	family := opts.Family
	if family == "" {
		family = DefaultFamily
	}

	return &store.AssetRecord{
		ID:            store.MakeID(assetType, family, naming.CleanName(name)),
		Files:         entries,
		SizeBytes:     total,
		Hashes:        staged[primary].digest,
		Meta:          store.AssetMeta{Tags: opts.Tags, Provenance: []string{"local-import"}},
		MatchSource:   store.MatchManual,
		SecurityTier:  naming.ClassifySecuritySet(paths),
		Incomplete:    len(missing) > 0,
		MissingShards: missing,
	}
}

// defaultName derives the asset name from the source.
func defaultName(source string, isDir bool, staged []stagedFile) string {
	if isDir {
		return filepath.Base(source)
	}
	if staged[0].shardTotal > 0 || staged[0].shardIndex > 0 {
		_, base, ok := naming.ParseShard(staged[0].name)
		if ok {
			return base
		}
	}
	name := filepath.Base(source)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// missingShards computes absent 1-based indices for sharded imports.
func missingShards(staged []stagedFile) []int {
	total := 0
	present := make(map[int]bool)
	for _, file := range staged {
		if file.shardIndex > 0 {
			present[file.shardIndex] = true
		}
		if file.shardTotal > total {
			total = file.shardTotal
		}
	}
	if total == 0 {
		return nil
	}
	var missing []int
	for i := 1; i <= total; i++ {
		if !present[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// enrichRecord consults the metadata service and applies the best
// candidate. Unavailability and empty answers both mean "no match".
func (im *Importer) enrichRecord(ctx context.Context, record *store.AssetRecord, filename string) {
	candidates, err := im.enricher.Lookup(ctx, enrich.LookupRequest{
		Filename: filename,
		Hash:     record.Hashes.SHA256,
	})
	if err != nil {
		if errors.Is(err, enrich.ErrUnavailable) {
			im.logger.Debug("enrichment unavailable, continuing without", "error", err)
		} else {
			im.logger.Warn("enrichment lookup failed, continuing without", "error", err)
		}
		return
	}
	if len(candidates) == 0 {
		return
	}

	best := candidates[0]
	for _, candidate := range candidates[1:] {
		if candidate.Confidence > best.Confidence {
			best = candidate
		}
	}
	record.Meta.DisplayName = best.DisplayName
	record.Meta.Description = best.Description
	record.Meta.Tags = mergeTags(record.Meta.Tags, best.Tags)
	record.Meta.MatchMethod = store.MatchMethod(best.Method)
	record.Meta.Confidence = best.Confidence
	record.MatchSource = store.MatchAuto
	im.logger.Info("asset enriched",
		"display_name", best.DisplayName,
		"method", string(best.Method), "confidence", best.Confidence)
}

func mergeTags(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	merged := append([]string(nil), base...)
	for _, tag := range base {
		seen[strings.ToLower(tag)] = true
	}
	for _, tag := range extra {
		if !seen[strings.ToLower(tag)] {
			seen[strings.ToLower(tag)] = true
			merged = append(merged, tag)
		}
	}
	return merged
}

// resolveCollision decides the final identity.
//
// Same identity holding identical content deduplicates; different
// content gets a short hash-derived suffix. A suffixed identity that
// itself collides with different content is refused rather than
// probed further; that needs a human.
func (im *Importer) resolveCollision(record *store.AssetRecord) (string, *store.AssetRecord, error) {
	existing, err := im.store.Get(record.ID)
	if errors.Is(err, store.ErrRecordNotFound) {
		return record.ID, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	if existing.Hashes.SHA256 == record.Hashes.SHA256 {
		return record.ID, existing, nil
	}

	assetType, family, name, err := store.ParseID(record.ID)
	if err != nil {
		return "", nil, err
	}
	suffixed := store.MakeID(assetType, family,
		naming.WithCollisionSuffix(name, record.Hashes.SHA256))
	im.logger.Info("name collision, suffixing",
		"original", record.ID, "suffixed", suffixed)

	second, err := im.store.Get(suffixed)
	if errors.Is(err, store.ErrRecordNotFound) {
		return suffixed, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	if second.Hashes.SHA256 == record.Hashes.SHA256 {
		return suffixed, second, nil
	}
	return "", nil, fmt.Errorf("identity %s and its suffixed form are both taken by different content", record.ID)
}

// removeSource finishes a cross-device move after commit.
func (im *Importer) removeSource(source string, isDir bool, staged []stagedFile) {
	if isDir {
		if err := os.RemoveAll(source); err != nil {
			im.logger.Warn("removing moved source dir failed", "source", source, "error", err)
		}
		return
	}
	for _, file := range staged {
		if err := os.Remove(file.path); err != nil && !os.IsNotExist(err) {
			im.logger.Warn("removing moved source failed", "source", file.path, "error", err)
		}
	}
}
