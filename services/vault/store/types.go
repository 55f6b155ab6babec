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
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/modelvault/services/vault/hashing"
	"github.com/AleutianAI/modelvault/services/vault/naming"
)

// RecordFileName is the durable metadata file inside each asset
// directory. It is the sole source of truth for the asset.
const RecordFileName = "asset.json"

// ConstraintsFileName is the optional per-app version-constraint
// sidecar. Absence means unconstrained; a malformed file means the
// asset is excluded from every mapping (fail closed).
const ConstraintsFileName = "constraints.json"

// MatchSource records how an asset's descriptive metadata was matched.
type MatchSource string

const (
	// MatchAuto marks metadata filled by automatic enrichment.
	// Only auto-matched assets are eligible for re-enrichment.
	MatchAuto MatchSource = "auto"

	// MatchManual marks metadata edited by the user. Re-enrichment
	// must never overwrite it.
	MatchManual MatchSource = "manual"
)

// MatchMethod is how an external candidate was matched.
type MatchMethod string

const (
	MatchByHash      MatchMethod = "hash"
	MatchByExactName MatchMethod = "exact-name"
	MatchByFuzzyName MatchMethod = "fuzzy-name"
)

// FileEntry describes one payload file of an asset.
type FileEntry struct {
	// Name is the filename inside the asset directory.
	Name string `json:"name"`

	// SizeBytes is the file size at import time.
	SizeBytes int64 `json:"size_bytes"`

	// SHA256 is the per-file cryptographic digest.
	SHA256 string `json:"sha256"`

	// ShardIndex is the 1-based shard ordinal, 0 for non-sharded files.
	ShardIndex int `json:"shard_index,omitempty"`

	// ShardTotal is the declared shard count, 0 for non-sharded files.
	ShardTotal int `json:"shard_total,omitempty"`
}

// AssetMeta is the free-form descriptive metadata of an asset.
type AssetMeta struct {
	// DisplayName is the human-facing name, possibly from enrichment.
	DisplayName string `json:"display_name,omitempty"`

	// Tags are user- or enrichment-supplied labels.
	Tags []string `json:"tags,omitempty"`

	// Provenance tags record where the asset came from
	// ("civitai", "huggingface", "local-import", ...).
	Provenance []string `json:"provenance,omitempty"`

	// Description is free text from enrichment or the user.
	Description string `json:"description,omitempty"`

	// MatchMethod records how enrichment matched this asset, empty
	// when never enriched.
	MatchMethod MatchMethod `json:"match_method,omitempty"`

	// Confidence is the enrichment match confidence in [0,1].
	Confidence float64 `json:"confidence,omitempty"`
}

// AssetRecord is the durable description of one imported asset.
//
// The on-disk asset.json is the source of truth; the search index is
// a disposable cache rebuilt from these records by deep scan.
type AssetRecord struct {
	// ID is the composite identity "asset_type/family/cleaned_name".
	ID string `json:"id"`

	// Files lists every payload file. All must be present on disk or
	// the asset is phantom and excluded from indexing.
	Files []FileEntry `json:"files"`

	// SizeBytes is the total payload size.
	SizeBytes int64 `json:"size_bytes"`

	// Hashes is the dual content hash of the primary payload stream.
	Hashes hashing.Digest `json:"hashes"`

	// Meta is the descriptive metadata.
	Meta AssetMeta `json:"meta"`

	// MatchSource gates automatic re-enrichment.
	MatchSource MatchSource `json:"match_source"`

	// SecurityTier is derived from the payload file formats.
	SecurityTier naming.SecurityTier `json:"security_tier,omitempty"`

	// Incomplete marks assets imported with known-missing shards.
	// Incomplete assets stay visible with a warning; they are not
	// silently upgraded to verified.
	Incomplete bool `json:"incomplete,omitempty"`

	// MissingShards lists absent shard indices when Incomplete.
	MissingShards []int `json:"missing_shards,omitempty"`

	// Constraints maps consumer app name to a version-constraint
	// expression. Loaded from the sidecar file; not serialized into
	// asset.json so the sidecar stays independently editable.
	Constraints map[string]string `json:"-"`

	// ConstraintsInvalid is set when the sidecar exists but cannot be
	// parsed. Mapping must then exclude the asset everywhere.
	ConstraintsInvalid bool `json:"-"`

	// ImportedAt is the commit timestamp.
	ImportedAt time.Time `json:"imported_at"`

	// UpdatedAt is the last durable-record mutation.
	UpdatedAt time.Time `json:"updated_at"`
}

// ParseID splits a composite asset ID into its three segments.
func ParseID(id string) (assetType, family, name string, err error) {
	parts := strings.Split(id, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed asset ID %q: want asset_type/family/name", id)
	}
	return parts[0], parts[1], parts[2], nil
}

// MakeID builds a composite asset ID from cleaned segments.
func MakeID(assetType, family, name string) string {
	return naming.CleanName(assetType) + "/" + naming.CleanName(family) + "/" + naming.CleanName(name)
}

// RelDir returns the asset's directory relative to the library root.
func (r *AssetRecord) RelDir() string {
	return filepath.FromSlash(r.ID)
}

// PrimaryFile returns the first payload file, or nil for empty records.
func (r *AssetRecord) PrimaryFile() *FileEntry {
	if len(r.Files) == 0 {
		return nil
	}
	return &r.Files[0]
}

// HasTag reports whether the record carries the given tag.
func (r *AssetRecord) HasTag(tag string) bool {
	for _, t := range r.Meta.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// SearchResult is one ranked search hit.
type SearchResult struct {
	// Record is the matched asset.
	Record *AssetRecord

	// Score is the ranking weight; higher is better. The score is a
	// transient ranking artifact, not durable data.
	Score int
}

// RebuildReport summarizes a deep scan.
type RebuildReport struct {
	// Indexed counts assets whose files were all present.
	Indexed int

	// SkippedPhantom counts records whose payload files were missing;
	// they are reported, never silently indexed.
	SkippedPhantom int

	// Malformed counts unreadable record files.
	Malformed int
}
