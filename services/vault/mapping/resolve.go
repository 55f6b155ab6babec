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
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/AleutianAI/modelvault/services/vault/registry"
	"github.com/AleutianAI/modelvault/services/vault/store"
)

// =========================================================================
// Rule matching
// =========================================================================

// ruleMatches applies a rule's selection filters to one record.
//
// Filters AND-combine across dimensions; tags OR-combine within their
// dimension; exclusion is evaluated after inclusion and always wins.
func ruleMatches(rule *MappingRule, record *store.AssetRecord) bool {
	assetType, family, _, err := store.ParseID(record.ID)
	if err != nil {
		return false
	}
	if len(rule.AssetTypes) > 0 && !containsFold(rule.AssetTypes, assetType) {
		return false
	}
	if len(rule.Families) > 0 && !containsFold(rule.Families, family) {
		return false
	}
	if len(rule.Tags) > 0 {
		matched := false
		for _, tag := range rule.Tags {
			if record.HasTag(tag) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	// A record matching both an included and an excluded tag is
	// dropped: exclusion wins, intentionally.
	for _, tag := range rule.ExcludeTags {
		if record.HasTag(tag) {
			return false
		}
	}
	return true
}

// fileMatches applies the rule's glob patterns to one payload file.
func fileMatches(rule *MappingRule, name string) bool {
	if len(rule.Patterns) == 0 {
		return true
	}
	for _, pattern := range rule.Patterns {
		if ok, err := filepath.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

func containsFold(haystack []string, needle string) bool {
	for _, candidate := range haystack {
		if strings.EqualFold(candidate, needle) {
			return true
		}
	}
	return false
}

// =========================================================================
// Version gating
// =========================================================================

// gateResult says whether a record may be linked for (app, version).
type gateResult int

const (
	gateAllowed gateResult = iota
	gateExcluded
	gateInvalid
)

// gateVersion evaluates a record's per-app version constraint.
//
// No constraint means unconstrained. A malformed constraint, or a
// constraint that cannot be evaluated because the app version itself
// does not parse, excludes the record: the gate fails closed rather
// than guessing.
func gateVersion(record *store.AssetRecord, app, version string) gateResult {
	if record.ConstraintsInvalid {
		return gateInvalid
	}
	expr, ok := record.Constraints[app]
	if !ok || expr == "" {
		return gateAllowed
	}
	constraint, err := semver.NewConstraint(expr)
	if err != nil {
		return gateInvalid
	}
	appVersion, err := semver.NewVersion(version)
	if err != nil {
		return gateInvalid
	}
	if !constraint.Check(appVersion) {
		return gateExcluded
	}
	return gateAllowed
}

// =========================================================================
// Link-kind selection
// =========================================================================

// topology is what the engine learned about one source/target pair.
type topology struct {
	sameDevice bool
	unreliable bool
}

// chooseKind picks the link kind for a pair, honoring an explicit
// rule hint first.
//
// Auto policy: same filesystem with trustworthy symlinks gets a
// relative symlink (survives relocating the whole library); same
// filesystem with unreliable symlink semantics gets a hard link;
// crossing filesystems forces an absolute symlink, flagged external
// because it dies with the source mount.
func chooseKind(hint LinkHint, topo topology) (kind registry.LinkKind, external bool) {
	if forced, ok := hintKind(hint); ok {
		return forced, !topo.sameDevice
	}
	switch {
	case topo.sameDevice && !topo.unreliable:
		return registry.KindSymlink, false
	case topo.sameDevice:
		return registry.KindHardlink, false
	default:
		return registry.KindSymlink, true
	}
}

// symlinkValue is what gets written into the symlink: relative to the
// target's directory for internal links, absolute for external ones.
func symlinkValue(sourceAbs, targetAbs string, external bool) (string, error) {
	if external {
		return sourceAbs, nil
	}
	return filepath.Rel(filepath.Dir(targetAbs), sourceAbs)
}
