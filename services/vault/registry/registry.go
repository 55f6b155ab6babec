// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry tracks every filesystem link the system created.
//
// The registry is SQLite via GORM. The one-owner-per-target invariant
// is a UNIQUE index on the target path, enforced by the storage layer
// rather than application locking: two concurrent mapping applications
// racing on the same target get exactly one winner from the database,
// no matter how they interleave.
//
// Path storage is hybrid. Links whose source and target share a
// filesystem store paths relative to the library root, so the whole
// library can be relocated without breaking them. Cross-filesystem
// links store absolute paths and are flagged external; they are
// inherently tied to a mount and the relocation helper rewrites them
// by prefix when a drive moves.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrTargetTaken is returned when a link's target path is already
// owned by another registry entry.
var ErrTargetTaken = errors.New("target path already registered")

// ErrLinkNotFound is returned when no entry matches a lookup.
var ErrLinkNotFound = errors.New("link record not found")

// LinkKind is the kind of filesystem link.
type LinkKind string

const (
	KindSymlink  LinkKind = "symlink"
	KindHardlink LinkKind = "hardlink"
)

// LinkRecord is one filesystem link the system itself created.
type LinkRecord struct {
	// ID is a UUID assigned at creation.
	ID string `gorm:"primaryKey;size:36"`

	// AssetID is the owning asset's composite identity.
	AssetID string `gorm:"index;not null"`

	// App is the consumer application the link serves.
	App string `gorm:"index;not null"`

	// SourcePath is the library-side path: relative to the library
	// root unless External, absolute otherwise.
	SourcePath string `gorm:"not null"`

	// TargetPath is the consumer-side path, stored like SourcePath.
	// Unique across the registry: one owner per consumer-facing path.
	TargetPath string `gorm:"uniqueIndex;not null"`

	// External marks cross-filesystem links with absolute paths.
	External bool

	// Kind is the link kind actually created.
	Kind LinkKind `gorm:"size:16;not null"`

	CreatedAt time.Time
}

// Registry is the persistent link store.
//
// Thread Safety: Safe for concurrent use; SQLite serializes writes
// and GORM's connection pool handles the rest.
type Registry struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens (creating and migrating if necessary) a registry at path.
//
// Use ":memory:" for tests.
func Open(path string, slogger *slog.Logger) (*Registry, error) {
	if slogger == nil {
		slogger = slog.Default()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening registry %s: %w", path, err)
	}
	if err := db.AutoMigrate(&LinkRecord{}); err != nil {
		return nil, fmt.Errorf("migrating registry: %w", err)
	}
	return &Registry{
		db:     db,
		logger: slogger.With(slog.String("component", "registry")),
	}, nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Create inserts a link record.
//
// Description:
//
//	Assigns an ID when the record has none and inserts. A unique
//	violation on the target path surfaces as ErrTargetTaken so
//	callers can branch on the conflict without string matching.
//
// Inputs:
//   - record: Record to insert. TargetPath must be set.
//
// Outputs:
//   - error: ErrTargetTaken on a target collision, otherwise the
//     database error.
func (r *Registry) Create(record *LinkRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if err := r.db.Create(record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrTargetTaken, record.TargetPath)
		}
		return fmt.Errorf("inserting link record: %w", err)
	}
	r.logger.Debug("link registered",
		"link_id", record.ID, "asset_id", record.AssetID,
		"target", record.TargetPath, "kind", string(record.Kind))
	return nil
}

// GetByTarget finds the owner of a target path.
func (r *Registry) GetByTarget(targetPath string) (*LinkRecord, error) {
	var record LinkRecord
	err := r.db.Where("target_path = ?", targetPath).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: target %s", ErrLinkNotFound, targetPath)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up target %s: %w", targetPath, err)
	}
	return &record, nil
}

// ListByAsset returns every link owned by an asset.
func (r *Registry) ListByAsset(assetID string) ([]LinkRecord, error) {
	var records []LinkRecord
	if err := r.db.Where("asset_id = ?", assetID).Order("target_path").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing links of %s: %w", assetID, err)
	}
	return records, nil
}

// ListByApp returns every link serving one consumer app.
func (r *Registry) ListByApp(app string) ([]LinkRecord, error) {
	var records []LinkRecord
	if err := r.db.Where("app = ?", app).Order("target_path").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing links of app %s: %w", app, err)
	}
	return records, nil
}

// ListAll returns the whole registry ordered by target path.
func (r *Registry) ListAll() ([]LinkRecord, error) {
	var records []LinkRecord
	if err := r.db.Order("target_path").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing registry: %w", err)
	}
	return records, nil
}

// Delete removes one record by ID. Deleting a missing ID is a no-op.
func (r *Registry) Delete(id string) error {
	if err := r.db.Delete(&LinkRecord{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("deleting link %s: %w", id, err)
	}
	return nil
}

// DeleteByAsset removes every record owned by an asset and returns
// how many were purged.
func (r *Registry) DeleteByAsset(assetID string) (int64, error) {
	result := r.db.Delete(&LinkRecord{}, "asset_id = ?", assetID)
	if result.Error != nil {
		return 0, fmt.Errorf("purging links of %s: %w", assetID, result.Error)
	}
	return result.RowsAffected, nil
}

// UpdateSource repoints one record at a new source path. Used by
// self-healing after a hash-verified replacement is found.
func (r *Registry) UpdateSource(id, sourcePath string) error {
	result := r.db.Model(&LinkRecord{}).Where("id = ?", id).Update("source_path", sourcePath)
	if result.Error != nil {
		return fmt.Errorf("updating source of %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: id %s", ErrLinkNotFound, id)
	}
	return nil
}

// RewritePrefix bulk-rewrites stored absolute paths under oldPrefix to
// newPrefix, for both source and target columns.
//
// Description:
//
//	Only external (absolute-path) records are touched. Matching is
//	exact-prefix with trailing-separator normalization, so
//	"/media/usb" rewrites "/media/usb/x" but never
//	"/media/usb_backup/x".
//
// Inputs:
//   - oldPrefix: Previous mount prefix.
//   - newPrefix: Replacement mount prefix.
//
// Outputs:
//   - int: Number of records whose paths changed.
//   - error: Non-nil on database failure.
func (r *Registry) RewritePrefix(oldPrefix, newPrefix string) (int, error) {
	old := normalizePrefix(oldPrefix)
	records, err := r.ListAll()
	if err != nil {
		return 0, err
	}

	changed := 0
	for i := range records {
		rec := &records[i]
		if !rec.External {
			continue
		}
		newSource, sOK := rewriteOne(rec.SourcePath, old, newPrefix)
		newTarget, tOK := rewriteOne(rec.TargetPath, old, newPrefix)
		if !sOK && !tOK {
			continue
		}
		updates := map[string]any{}
		if sOK {
			updates["source_path"] = newSource
		}
		if tOK {
			updates["target_path"] = newTarget
		}
		if err := r.db.Model(&LinkRecord{}).Where("id = ?", rec.ID).Updates(updates).Error; err != nil {
			return changed, fmt.Errorf("rewriting %s: %w", rec.ID, err)
		}
		changed++
	}
	r.logger.Info("prefix rewrite completed",
		"old_prefix", oldPrefix, "new_prefix", newPrefix, "records_changed", changed)
	return changed, nil
}

// normalizePrefix guarantees a single trailing separator so prefix
// matching cannot cross a path component boundary.
func normalizePrefix(prefix string) string {
	return strings.TrimRight(prefix, string(filepath.Separator)) + string(filepath.Separator)
}

// rewriteOne rewrites path when it starts with the normalized prefix.
func rewriteOne(path, normalizedOld, newPrefix string) (string, bool) {
	if !strings.HasPrefix(path, normalizedOld) {
		return path, false
	}
	rest := path[len(normalizedOld):]
	return filepath.Join(newPrefix, rest), true
}
