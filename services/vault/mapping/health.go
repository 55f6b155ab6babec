// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mapping

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/modelvault/services/vault/registry"
)

// LinkState classifies one link in a health scan.
type LinkState string

const (
	// StateOK means the link resolves to an existing source.
	StateOK LinkState = "ok"

	// StateBroken means the source path no longer exists.
	StateBroken LinkState = "broken"

	// StateOrphaned means a link exists on disk that the registry
	// does not know about.
	StateOrphaned LinkState = "orphaned"
)

// HealthReport is the result of a full link scan.
type HealthReport struct {
	// OK links resolve correctly.
	OK []registry.LinkRecord

	// Broken links have a registry row but a dead source.
	Broken []registry.LinkRecord

	// Orphaned are on-disk link paths pointing into the library that
	// no registry row claims.
	Orphaned []string

	// Ghosts are registry rows whose owning consumer install is gone
	// entirely; candidates for bulk cleanup.
	Ghosts []registry.LinkRecord
}

// HealResult is the per-link outcome of a self-heal pass.
type HealResult struct {
	Link    registry.LinkRecord
	Healed  bool
	NewPath string
	Reason  string
}

// =========================================================================
// Health check
// =========================================================================

// CheckHealth scans every registered link and every consumer model
// directory.
//
// Description:
//
//	Registry rows are classified OK or BROKEN by resolving their
//	source. Consumer directories are scanned independently of the
//	registry for symlinks pointing into the library root that no
//	row claims (ORPHANED). Rows whose app has no registered install,
//	or whose install root vanished, are reported as ghosts.
//
// Inputs:
//   - ctx: Cancellation, checked between directories.
//
// Outputs:
//   - *HealthReport: The classification.
//   - error: Registry read failure or cancellation only; unreadable
//     consumer directories are skipped with a log line.
func (e *Engine) CheckHealth(ctx context.Context) (*HealthReport, error) {
	rows, err := e.registry.ListAll()
	if err != nil {
		return nil, fmt.Errorf("listing links: %w", err)
	}
	report := &HealthReport{}
	known := make(map[string]bool, len(rows))

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		known[row.TargetPath] = true

		root, installed := e.installs[row.App]
		if !installed || dirMissing(root) {
			report.Ghosts = append(report.Ghosts, row)
			continue
		}
		if _, err := os.Stat(e.sourceAbs(&row)); err != nil {
			report.Broken = append(report.Broken, row)
			continue
		}
		report.OK = append(report.OK, row)
	}

	libraryPrefix := filepath.Clean(e.store.LibraryRoot()) + string(filepath.Separator)
	for _, root := range e.installs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, dir := range e.DiscoverModelDirs(root) {
			e.scanForOrphans(filepath.Join(root, dir), libraryPrefix, known, report)
		}
	}

	e.logger.Info("health scan completed",
		"ok", len(report.OK), "broken", len(report.Broken),
		"orphaned", len(report.Orphaned), "ghosts", len(report.Ghosts))
	return report, nil
}

// DiscoverModelDirs enumerates the subdirectories of a consumer model
// root. Discovery is dynamic so consumer-side additions (plugin
// categories, new model types) are picked up without a code change.
func (e *Engine) DiscoverModelDirs(root string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		e.logger.Debug("consumer root unreadable", "root", root, "error", err)
		return nil
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	return dirs
}

// scanForOrphans walks one consumer directory looking for symlinks
// into the library that the registry does not claim.
func (e *Engine) scanForOrphans(dir, libraryPrefix string, known map[string]bool, report *HealthReport) {
	filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.Type()&os.ModeSymlink == 0 {
			return nil
		}
		dest, err := os.Readlink(path)
		if err != nil {
			return nil
		}
		resolved := resolveLinkDest(path, dest)
		if strings.HasPrefix(resolved, libraryPrefix) && !known[path] {
			report.Orphaned = append(report.Orphaned, path)
		}
		return nil
	})
}

func dirMissing(path string) bool {
	info, err := os.Stat(path)
	return err != nil || !info.IsDir()
}

// =========================================================================
// Self-heal
// =========================================================================

// Heal recreates broken links whose content still exists somewhere in
// the library, found strictly by content hash.
//
// Description:
//
//	For each BROKEN link: look up the owning asset's per-file hash
//	for the linked file, then search every asset record for a file
//	with that exact hash. A name match alone never qualifies; if no
//	hash match exists the link is reported unhealable. On a match
//	the link is recreated against the new source and the registry
//	row updated.
//
// Outputs:
//   - []HealResult: One entry per broken link.
//   - error: Scan or store failure.
func (e *Engine) Heal(ctx context.Context) ([]HealResult, error) {
	health, err := e.CheckHealth(ctx)
	if err != nil {
		return nil, err
	}
	records, err := e.store.List()
	if err != nil {
		return nil, fmt.Errorf("listing assets: %w", err)
	}

	// file hash -> candidate (asset ID, file name) pairs, built once
	// per pass. Several records can share a hash; healOne picks the
	// first candidate still on disk.
	byHash := make(map[string][][2]string)
	for _, record := range records {
		for _, file := range record.Files {
			if file.SHA256 != "" {
				byHash[file.SHA256] = append(byHash[file.SHA256], [2]string{record.ID, file.Name})
			}
		}
	}

	var results []HealResult
	for _, broken := range health.Broken {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, e.healOne(broken, byHash))
	}
	return results, nil
}

// healOne attempts to repair a single broken link.
func (e *Engine) healOne(broken registry.LinkRecord, byHash map[string][][2]string) HealResult {
	result := HealResult{Link: broken}

	wantHash := e.fileHashFor(&broken)
	if wantHash == "" {
		result.Reason = "original file hash unknown"
		return result
	}
	var match [2]string
	var newSource string
	for _, candidate := range byHash[wantHash] {
		path := filepath.Join(e.store.AssetDir(candidate[0]), candidate[1])
		if _, err := os.Stat(path); err == nil {
			match = candidate
			newSource = path
			break
		}
	}
	if newSource == "" {
		result.Reason = "no asset with matching content hash"
		return result
	}

	os.Remove(broken.TargetPath)
	planned := PlannedLink{
		AssetID:   match[0],
		App:       broken.App,
		SourceAbs: newSource,
		TargetAbs: broken.TargetPath,
		Kind:      broken.Kind,
		External:  broken.External,
	}
	switch broken.Kind {
	case registry.KindHardlink:
		if err := os.Link(newSource, broken.TargetPath); err != nil {
			result.Reason = fmt.Sprintf("relink failed: %v", err)
			return result
		}
	default:
		value, err := symlinkValue(newSource, broken.TargetPath, broken.External)
		if err == nil {
			err = os.Symlink(value, broken.TargetPath)
		}
		if err != nil {
			result.Reason = fmt.Sprintf("relink failed: %v", err)
			return result
		}
	}

	sourcePath := newSource
	if !planned.External {
		if rel, err := filepath.Rel(e.store.LibraryRoot(), newSource); err == nil {
			sourcePath = rel
		}
	}
	if err := e.registry.UpdateSource(broken.ID, sourcePath); err != nil {
		result.Reason = fmt.Sprintf("registry update failed: %v", err)
		return result
	}
	result.Healed = true
	result.NewPath = newSource
	e.logger.Info("link healed", "target", broken.TargetPath, "new_source", newSource)
	return result
}

// fileHashFor finds the per-file hash the broken link was created
// against, from the owning asset's record.
func (e *Engine) fileHashFor(link *registry.LinkRecord) string {
	record, err := e.store.Get(link.AssetID)
	if err != nil {
		return ""
	}
	name := filepath.Base(link.TargetPath)
	for _, file := range record.Files {
		if file.Name == name {
			return file.SHA256
		}
	}
	return ""
}

// =========================================================================
// Cascade delete
// =========================================================================

// DeleteAsset removes an asset, all its links, and its payload in one
// logical operation.
//
// Description:
//
//	Unlinks every registered link (a missing link target is not an
//	error; unlink failures are logged and never block), purges the
//	link rows, deletes the metadata record and index entries, and
//	finally removes the payload directory. When the payload is
//	hard-linked by other owners the space is not actually freed;
//	that is surfaced as an advisory warning, not an error.
//
// Inputs:
//   - ctx: Cancellation.
//   - id: Asset identity.
//
// Outputs:
//   - error: Store or payload-removal failure. Link-level failures
//     are absorbed.
func (e *Engine) DeleteAsset(ctx context.Context, id string) error {
	links, err := e.registry.ListByAsset(id)
	if err != nil {
		return fmt.Errorf("listing links of %s: %w", id, err)
	}

	assetDir := e.store.AssetDir(id)
	e.warnSharedHardlinks(id, assetDir, links)

	for _, link := range links {
		if err := os.Remove(link.TargetPath); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("unlink failed, continuing cascade",
				"target", link.TargetPath, "error", err)
		}
	}
	if _, err := e.registry.DeleteByAsset(id); err != nil {
		return fmt.Errorf("purging link rows: %w", err)
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	if err := os.RemoveAll(assetDir); err != nil {
		return fmt.Errorf("removing payload: %w", err)
	}
	e.logger.Info("asset deleted", "asset", id, "links_removed", len(links))
	return nil
}

// warnSharedHardlinks emits the advisory when payload files will keep
// living through hard links the cascade does not own.
func (e *Engine) warnSharedHardlinks(id, assetDir string, links []registry.LinkRecord) {
	ownHardlinks := 0
	for _, link := range links {
		if link.Kind == registry.KindHardlink {
			ownHardlinks++
		}
	}
	entries, err := os.ReadDir(assetDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(assetDir, entry.Name())
		if n := linkCount(path); n > uint64(ownHardlinks)+1 {
			e.logger.Warn("payload has hard-link owners outside the registry; deleting will not free its space",
				"asset", id, "file", entry.Name(), "link_count", n)
		}
	}
}

// =========================================================================
// Relocation
// =========================================================================

// Relocate rewrites external link paths after a mount moved.
//
// Description:
//
//	Registry rows are rewritten by exact prefix match with
//	trailing-separator normalization, then the on-disk absolute
//	symlinks for the affected rows are recreated to point at the
//	rewritten source. Internal (relative) links need nothing: they
//	survive relocation by construction.
//
// Inputs:
//   - oldPrefix, newPrefix: The mount prefixes, e.g. "/media/usb" to
//     "/mnt/archive".
//
// Outputs:
//   - int: Number of registry rows rewritten.
//   - error: Registry failure. Per-link re-pointing failures are
//     logged and skipped; a later heal pass can retry them.
func (e *Engine) Relocate(oldPrefix, newPrefix string) (int, error) {
	changed, err := e.registry.RewritePrefix(oldPrefix, newPrefix)
	if err != nil {
		return changed, err
	}
	if changed == 0 {
		return 0, nil
	}

	rows, err := e.registry.ListAll()
	if err != nil {
		return changed, err
	}
	for _, row := range rows {
		if !row.External {
			continue
		}
		info, err := os.Lstat(row.TargetPath)
		if err != nil || info.Mode()&os.ModeSymlink == 0 {
			continue
		}
		dest, err := os.Readlink(row.TargetPath)
		if err != nil || filepath.Clean(dest) == filepath.Clean(row.SourcePath) {
			continue
		}
		if err := os.Remove(row.TargetPath); err != nil {
			e.logger.Warn("re-pointing link failed", "target", row.TargetPath, "error", err)
			continue
		}
		if err := os.Symlink(row.SourcePath, row.TargetPath); err != nil {
			e.logger.Warn("re-pointing link failed", "target", row.TargetPath, "error", err)
		}
	}
	return changed, nil
}
