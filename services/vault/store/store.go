// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store is the metadata store and search index of the library.
//
// Two tiers, one source of truth:
//
//   - Durable: one asset.json per asset directory under the library
//     root. These records ARE the library; everything else is
//     derived.
//   - Disposable: a BadgerDB index over those records supporting
//     lookup by identity, lookup by content hash, and ranked prefix
//     search. Deleting the index directory loses nothing but the
//     transient ranking cache; Rebuild reconstructs it with a deep
//     scan.
//
// No code path writes the index without having written (or being
// about to have written) the corresponding durable record first.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// IndexDirName is the disposable index location under the library root.
const IndexDirName = ".modelvault/index"

// Config configures a Store.
type Config struct {
	// LibraryRoot is the canonical asset tree. Required.
	LibraryRoot string

	// IndexPath overrides the index location.
	// Default: <LibraryRoot>/.modelvault/index
	IndexPath string

	// InMemoryIndex keeps the index off disk. Useful for testing.
	InMemoryIndex bool

	// Logger for store operations. If nil, uses slog.Default().
	Logger *slog.Logger

	// WriteWaitBound caps how long a writer waits for the write slot
	// before giving up. Default: 30 seconds.
	WriteWaitBound time.Duration
}

// Store provides durable records plus the disposable search index.
//
// Thread Safety: Safe for concurrent use. Reads go straight to the
// index; writers serialize on a single slot with a bounded wait.
type Store struct {
	root   string
	db     *badger.DB
	logger *slog.Logger

	writeSlot chan struct{}
	waitBound time.Duration
}

// Open opens (creating if necessary) the store for a library root.
func Open(config Config) (*Store, error) {
	if config.LibraryRoot == "" {
		return nil, errors.New("store: LibraryRoot is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "store"))

	if err := os.MkdirAll(config.LibraryRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating library root %s: %w", config.LibraryRoot, err)
	}

	opts := badger.DefaultOptions("").WithLogger(nil)
	if config.InMemoryIndex {
		opts = opts.WithInMemory(true)
	} else {
		indexPath := config.IndexPath
		if indexPath == "" {
			indexPath = filepath.Join(config.LibraryRoot, IndexDirName)
		}
		if err := os.MkdirAll(indexPath, 0o755); err != nil {
			return nil, fmt.Errorf("creating index dir %s: %w", indexPath, err)
		}
		opts = opts.WithDir(indexPath).WithValueDir(indexPath)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}

	waitBound := config.WriteWaitBound
	if waitBound <= 0 {
		waitBound = 30 * time.Second
	}

	s := &Store{
		root:      config.LibraryRoot,
		db:        db,
		logger:    logger,
		writeSlot: make(chan struct{}, 1),
		waitBound: waitBound,
	}
	return s, nil
}

// Close releases the index database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Sync flushes the index to stable storage. Batch imports call it as
// their periodic checkpoint.
func (s *Store) Sync() error {
	return s.db.Sync()
}

// LibraryRoot returns the canonical asset tree root.
func (s *Store) LibraryRoot() string {
	return s.root
}

// AssetDir returns the absolute directory of an asset ID.
func (s *Store) AssetDir(id string) string {
	return filepath.Join(s.root, filepath.FromSlash(id))
}

// acquireWrite takes the single writer slot, waiting up to the bound.
//
// Contention does not fail immediately: batch imports and metadata
// edits routinely overlap, and a bounded wait absorbs that without
// letting a stuck writer hang everyone forever.
func (s *Store) acquireWrite(ctx context.Context) (func(), error) {
	bounded, cancel := context.WithTimeout(ctx, s.waitBound)
	defer cancel()
	select {
	case s.writeSlot <- struct{}{}:
		return func() { <-s.writeSlot }, nil
	case <-bounded.Done():
		return nil, fmt.Errorf("store write slot: %w", bounded.Err())
	}
}

// Put persists a record durably and indexes it in the same logical
// operation.
//
// Description:
//
//	The durable asset.json is written first (atomically, via temp +
//	rename), then the index entry. The index is therefore never more
//	stale than the durable record within this process, and a crash
//	between the two writes leaves only an index omission that the
//	next Rebuild repairs.
//
// Inputs:
//   - ctx: Bounds the writer-slot wait.
//   - record: Record to persist. ID must parse.
//
// Outputs:
//   - error: Non-nil on validation, I/O, or index failure.
func (s *Store) Put(ctx context.Context, record *AssetRecord) error {
	if _, _, _, err := ParseID(record.ID); err != nil {
		return err
	}
	release, err := s.acquireWrite(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.putLocked(record)
}

// putLocked writes the durable record and index entry. The caller
// must hold the writer slot.
func (s *Store) putLocked(record *AssetRecord) error {
	dir := s.AssetDir(record.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating asset dir %s: %w", dir, err)
	}
	record.UpdatedAt = time.Now().UTC()
	if record.ImportedAt.IsZero() {
		record.ImportedAt = record.UpdatedAt
	}

	if err := WriteRecord(dir, record); err != nil {
		return err
	}
	if record.Constraints != nil {
		if err := WriteConstraints(dir, record.Constraints); err != nil {
			return err
		}
	}
	if err := indexPut(s.db, record); err != nil {
		return fmt.Errorf("indexing %s: %w", record.ID, err)
	}
	s.logger.Debug("record persisted", "asset_id", record.ID)
	return nil
}

// UpdateMeta applies a mutation to an asset's descriptive fields.
//
// The durable record is rewritten and the index updated synchronously,
// keeping the two-tier invariant. The writer slot is held across the
// whole read-modify-write, so overlapping edits serialize instead of
// losing one caller's fields.
func (s *Store) UpdateMeta(ctx context.Context, id string, mutate func(*AssetRecord)) error {
	release, err := s.acquireWrite(ctx)
	if err != nil {
		return err
	}
	defer release()

	record, err := indexGet(s.db, id)
	if err != nil {
		return err
	}
	mutate(record)
	record.ID = id // identity is not editable through this path
	return s.putLocked(record)
}

// Get looks a record up by composite ID.
func (s *Store) Get(id string) (*AssetRecord, error) {
	return indexGet(s.db, id)
}

// GetByHash looks a record up by content hash, trying the
// cryptographic hash first and the fast hash second.
func (s *Store) GetByHash(hash string) (*AssetRecord, error) {
	return indexGetByHash(s.db, hash)
}

// List returns every indexed record sorted by ID.
func (s *Store) List() ([]*AssetRecord, error) {
	return indexList(s.db)
}

// Search runs a ranked prefix search over descriptive fields.
//
// Terms OR-combine; see Tokenize for the term rules. limit <= 0 means
// unlimited.
func (s *Store) Search(query string, limit int) ([]SearchResult, error) {
	return indexSearch(s.db, query, limit)
}

// Delete removes a record durably and from the index.
//
// Only the record and sidecar files are removed here; payload and
// link cleanup belong to the mapping engine's cascade delete, which
// calls this last.
func (s *Store) Delete(ctx context.Context, id string) error {
	release, err := s.acquireWrite(ctx)
	if err != nil {
		return err
	}
	defer release()

	record, err := indexGet(s.db, id)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return err
	}

	dir := s.AssetDir(id)
	for _, name := range []string{RecordFileName, ConstraintsFileName} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing %s of %s: %w", name, id, err)
		}
	}

	if record != nil {
		if err := indexDelete(s.db, record); err != nil {
			return fmt.Errorf("unindexing %s: %w", id, err)
		}
	}
	s.logger.Debug("record deleted", "asset_id", id)
	return nil
}

// Rebuild discards the index and reconstructs it from a deep scan of
// the durable records.
//
// Description:
//
//	Walks the library tree for asset.json files. Records whose
//	declared payload files are not all physically present are
//	phantom: they are counted and reported as skipped, never
//	silently indexed. Unreadable records count as malformed.
//
// Inputs:
//   - ctx: Cancels the walk between directories.
//
// Outputs:
//   - RebuildReport: Indexed / skipped / malformed counts.
//   - error: Non-nil on index reset failure, walk failure, or
//     cancellation.
func (s *Store) Rebuild(ctx context.Context) (RebuildReport, error) {
	release, err := s.acquireWrite(ctx)
	if err != nil {
		return RebuildReport{}, err
	}
	defer release()

	if err := indexClear(s.db); err != nil {
		return RebuildReport{}, fmt.Errorf("clearing index: %w", err)
	}

	var report RebuildReport
	err = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			// The index itself and staging directories are not assets.
			name := d.Name()
			if strings.HasPrefix(name, ".modelvault") || strings.HasPrefix(name, ".staging-") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != RecordFileName {
			return nil
		}

		dir := filepath.Dir(path)
		record, err := ReadRecord(dir)
		if err != nil {
			s.logger.Warn("skipping malformed record", "path", path, "error", err)
			report.Malformed++
			return nil
		}
		if missing := VerifyFilesPresent(dir, record); missing != nil {
			s.logger.Warn("skipping phantom asset",
				"asset_id", record.ID, "missing_files", missing)
			report.SkippedPhantom++
			return nil
		}
		if err := indexPut(s.db, record); err != nil {
			return fmt.Errorf("indexing %s: %w", record.ID, err)
		}
		report.Indexed++
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("deep scan: %w", err)
	}

	s.logger.Info("index rebuilt",
		"indexed", report.Indexed,
		"skipped_phantom", report.SkippedPhantom,
		"malformed", report.Malformed)
	return report, nil
}
