// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps the index honest against external edits to the
// library tree: a record file rewritten by another process is
// re-indexed, a removed one is dropped.
//
// The watcher is an aid, not a guarantee. fsnotify misses events on
// some filesystems (notably network mounts); Rebuild remains the
// authoritative recovery path.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchExternalChanges starts watching the library tree.
//
// Description:
//
//	Registers the root and every existing directory, then follows
//	directory creations as they happen. Events on asset.json files
//	trigger a synchronous re-index (or index drop on removal) of
//	that asset. The watcher stops when ctx is cancelled or Close is
//	called.
//
// Inputs:
//   - ctx: Lifetime of the watch loop.
//
// Outputs:
//   - *Watcher: Handle for Close.
//   - error: Non-nil when the watch cannot be established.
func (s *Store) WatchExternalChanges(ctx context.Context) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	err = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".modelvault") {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("registering watch tree: %w", err)
	}

	w := &Watcher{store: s, watcher: fsw, done: make(chan struct{})}
	go w.run(ctx)
	return w, nil
}

// Close stops the watch loop.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	logger := w.store.logger
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	logger := w.store.logger

	// Follow new directories so future record writes are seen.
	if event.Op.Has(fsnotify.Create) {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			_ = w.watcher.Add(event.Name)
		}
	}

	if filepath.Base(event.Name) != RecordFileName {
		return
	}
	dir := filepath.Dir(event.Name)
	id, ok := w.store.idForDir(dir)
	if !ok {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		if record, err := w.store.Get(id); err == nil {
			if err := indexDelete(w.store.db, record); err != nil {
				logger.Warn("dropping index entry failed", "asset_id", id, "error", err)
			} else {
				logger.Info("external record removal, index entry dropped", "asset_id", id)
			}
		}
	case event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create):
		record, err := ReadRecord(dir)
		if err != nil {
			logger.Warn("external record edit unreadable", "dir", dir, "error", err)
			return
		}
		if missing := VerifyFilesPresent(dir, record); missing != nil {
			logger.Warn("external record edit points at missing files",
				"asset_id", record.ID, "missing_files", missing)
			return
		}
		if err := indexPut(w.store.db, record); err != nil {
			logger.Warn("re-indexing external edit failed", "asset_id", record.ID, "error", err)
			return
		}
		logger.Info("external record edit re-indexed", "asset_id", record.ID)
	}
}

// idForDir maps an asset directory back to its composite ID.
func (s *Store) idForDir(dir string) (string, bool) {
	rel, err := filepath.Rel(s.root, dir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	id := filepath.ToSlash(rel)
	if _, _, _, err := ParseID(id); err != nil {
		return "", false
	}
	return id, true
}
