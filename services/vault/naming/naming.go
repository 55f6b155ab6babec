// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package naming holds the filename conventions of the library: name
// cleaning for asset identities, hash-derived collision suffixes,
// multi-shard filename detection, and security-tier classification
// by file format.
package naming

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// CleanName sanitizes a raw filename stem into the identity segment
// used in asset IDs and directory names.
//
// Description:
//
//	Whitespace runs become single underscores, characters outside
//	[A-Za-z0-9._-] are dropped, and leading/trailing separators are
//	trimmed. The result is safe as a directory name on every
//	filesystem the library targets. An empty result falls back to
//	"unnamed" so an asset directory can always be created.
//
// Inputs:
//   - raw: Filename stem, typically without extension.
//
// Outputs:
//   - string: Cleaned segment, never empty.
func CleanName(raw string) string {
	s := strings.TrimSpace(raw)
	s = whitespaceRun.ReplaceAllString(s, "_")
	s = illegalChars.ReplaceAllString(s, "")
	s = separatorRun.ReplaceAllString(s, "_")
	s = strings.Trim(s, "._-")
	if s == "" {
		return "unnamed"
	}
	return s
}

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	illegalChars  = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	separatorRun  = regexp.MustCompile(`_{2,}`)
)

// CollisionSuffix derives the short suffix appended to an asset name
// when the destination already holds different content under the same
// name. Eight hex characters of the cryptographic hash keep the suffix
// stable across re-imports of the same bytes.
func CollisionSuffix(sha256Hex string) string {
	if len(sha256Hex) < 8 {
		return sha256Hex
	}
	return sha256Hex[:8]
}

// WithCollisionSuffix appends the collision suffix to a cleaned name.
func WithCollisionSuffix(name, sha256Hex string) string {
	return name + "-" + CollisionSuffix(sha256Hex)
}

// =============================================================================
// Shard detection
// =============================================================================

// Shard describes one file of a multi-shard asset.
type Shard struct {
	// Path is the file path as given by the caller.
	Path string

	// Index is the 1-based shard ordinal.
	Index int

	// Total is the declared shard count, 0 when the convention does
	// not encode one (bare part suffixes).
	Total int
}

// ShardSet is a group of shards sharing one base name.
type ShardSet struct {
	// Base is the shared name stem with the shard marker removed.
	Base string

	// Ext is the shared extension, including the dot.
	Ext string

	// Shards are the detected members, sorted by Index.
	Shards []Shard

	// Total is the declared shard count: the encoded of-total when
	// present, otherwise the highest observed index.
	Total int

	// Missing lists absent 1-based indices in ascending order.
	Missing []int
}

// Complete reports whether every declared shard is present.
func (s *ShardSet) Complete() bool {
	return len(s.Missing) == 0
}

// Shard filename conventions, tried in order. The ordinal-of-total
// form is checked first because it is the most specific.
var (
	// model-00001-of-00005.safetensors
	ofTotalPattern = regexp.MustCompile(`^(.*?)[-_.](\d+)-of-(\d+)$`)

	// model.part1 / model_part2 / model-part03
	partPattern = regexp.MustCompile(`^(.*?)[-_.]part0*(\d+)$`)

	// model.001 / model_01 (numbered suffix, at least two digits to
	// avoid swallowing trailing version digits like "v2")
	numberedPattern = regexp.MustCompile(`^(.*?)[._](\d{2,})$`)
)

// ParseShard extracts shard information from a single filename.
//
// Outputs:
//   - Shard: Populated when the name matches a shard convention.
//   - string: The base stem without the shard marker.
//   - bool: Whether the name matched any convention.
func ParseShard(path string) (Shard, string, bool) {
	name := filepath.Base(path)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	if m := ofTotalPattern.FindStringSubmatch(stem); m != nil {
		idx, _ := strconv.Atoi(m[2])
		total, _ := strconv.Atoi(m[3])
		if idx >= 1 && total >= 1 && idx <= total {
			return Shard{Path: path, Index: idx, Total: total}, m[1], true
		}
	}
	if m := partPattern.FindStringSubmatch(stem); m != nil {
		idx, _ := strconv.Atoi(m[2])
		if idx >= 1 {
			return Shard{Path: path, Index: idx}, m[1], true
		}
	}
	if m := numberedPattern.FindStringSubmatch(stem); m != nil {
		idx, _ := strconv.Atoi(m[2])
		if idx >= 1 {
			return Shard{Path: path, Index: idx}, m[1], true
		}
	}
	return Shard{}, "", false
}

// DetectShards groups candidate files into shard sets.
//
// Description:
//
//	Files whose names encode a shard ordinal are grouped by (base
//	stem, extension). Missing indices are reported per set rather
//	than silently dropped, so an import of shards 1,2,4,5-of-5
//	surfaces "missing index 3" instead of producing a truncated
//	asset. Files that match no convention are returned as loose.
//
// Inputs:
//   - paths: Candidate file paths, any order.
//
// Outputs:
//   - []ShardSet: Detected sets, each sorted by shard index.
//   - []string: Paths that are not shards.
func DetectShards(paths []string) ([]ShardSet, []string) {
	type key struct {
		base string
		ext  string
	}
	groups := make(map[key][]Shard)
	var loose []string

	for _, p := range paths {
		shard, base, ok := ParseShard(p)
		if !ok {
			loose = append(loose, p)
			continue
		}
		k := key{base: base, ext: filepath.Ext(filepath.Base(p))}
		groups[k] = append(groups[k], shard)
	}

	var sets []ShardSet
	for k, shards := range groups {
		// A single "shard" with no declared total is far more likely a
		// versioned filename than a one-shard set.
		if len(shards) == 1 && shards[0].Total == 0 {
			loose = append(loose, shards[0].Path)
			continue
		}
		sort.Slice(shards, func(i, j int) bool { return shards[i].Index < shards[j].Index })

		total := 0
		for _, s := range shards {
			if s.Total > total {
				total = s.Total
			}
			if s.Index > total {
				total = s.Index
			}
		}

		present := make(map[int]bool, len(shards))
		for _, s := range shards {
			present[s.Index] = true
		}
		var missing []int
		for i := 1; i <= total; i++ {
			if !present[i] {
				missing = append(missing, i)
			}
		}

		sets = append(sets, ShardSet{
			Base:    k.base,
			Ext:     k.ext,
			Shards:  shards,
			Total:   total,
			Missing: missing,
		})
	}

	sort.Slice(sets, func(i, j int) bool { return sets[i].Base < sets[j].Base })
	return sets, loose
}

// =============================================================================
// Security tiers
// =============================================================================

// SecurityTier classifies the execution risk of a model file format.
type SecurityTier string

const (
	// TierSafe covers formats that carry tensors only.
	TierSafe SecurityTier = "safe"

	// TierUnknown covers formats whose risk cannot be judged by
	// extension alone.
	TierUnknown SecurityTier = "unknown"

	// TierUnsafe covers formats that can embed executable code
	// (Python pickle and friends).
	TierUnsafe SecurityTier = "unsafe"
)

var tierByExt = map[string]SecurityTier{
	".safetensors": TierSafe,
	".gguf":        TierSafe,
	".ggml":        TierSafe,
	".onnx":        TierSafe,
	".ckpt":        TierUnsafe,
	".pt":          TierUnsafe,
	".pth":         TierUnsafe,
	".pkl":         TierUnsafe,
	".pickle":      TierUnsafe,
}

// ClassifySecurity derives the security tier from a file's extension.
//
// ".bin" and anything unrecognized report TierUnknown: the format may
// be a raw tensor blob or a pickle, and extension alone cannot tell.
func ClassifySecurity(path string) SecurityTier {
	ext := strings.ToLower(filepath.Ext(path))
	if tier, ok := tierByExt[ext]; ok {
		return tier
	}
	return TierUnknown
}

// ClassifySecuritySet classifies a multi-file asset: the worst tier of
// any member wins.
func ClassifySecuritySet(paths []string) SecurityTier {
	worst := TierSafe
	for _, p := range paths {
		switch ClassifySecurity(p) {
		case TierUnsafe:
			return TierUnsafe
		case TierUnknown:
			worst = TierUnknown
		}
	}
	if len(paths) == 0 {
		return TierUnknown
	}
	return worst
}

// FormatShardName renders the canonical stored filename for a shard.
func FormatShardName(base string, index, total int, ext string) string {
	if total > 0 {
		width := len(strconv.Itoa(total))
		if width < 5 {
			width = 5
		}
		return fmt.Sprintf("%s-%0*d-of-%0*d%s", base, width, index, width, total, ext)
	}
	return fmt.Sprintf("%s.part%d%s", base, index, ext)
}
