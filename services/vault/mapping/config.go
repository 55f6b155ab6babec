// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mapping resolves which library assets are exposed to which
// consumer applications, creates and tracks the filesystem links that
// expose them, and keeps the whole arrangement healthy over time:
// conflict detection, broken/orphan scanning, hash-driven self-heal,
// and bulk relocation after a mount point moves.
//
// Mapping behavior is driven by declarative YAML rule documents. The
// documents are read-only inputs authored elsewhere; this package
// merges them by specificity and applies the result idempotently.
package mapping

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/modelvault/services/vault/registry"
)

// =========================================================================
// Config document model
// =========================================================================

// LinkHint is the rule author's preference for the link kind.
type LinkHint string

const (
	// HintAuto lets the engine pick per filesystem topology.
	HintAuto LinkHint = "auto"

	// HintSymlink forces a symbolic link.
	HintSymlink LinkHint = "symlink"

	// HintHardlink forces a hard link.
	HintHardlink LinkHint = "hardlink"
)

// MappingRule selects assets and says where their files go.
type MappingRule struct {
	// Name identifies the rule for merging: a rule in a more
	// specific config replaces the same-named rule from a less
	// specific one.
	Name string `yaml:"name" validate:"required"`

	// Patterns are glob patterns matched against payload file names.
	// Empty means "any file".
	Patterns []string `yaml:"patterns"`

	// TargetDir is the directory under the consumer's model root
	// that matched files are linked into.
	TargetDir string `yaml:"target_dir" validate:"required"`

	// AssetTypes filters on the asset-type identity segment.
	// Empty means "any type". AND-combined with the other filters.
	AssetTypes []string `yaml:"asset_types"`

	// Families filters on the family identity segment.
	Families []string `yaml:"families"`

	// Tags are OR-combined: an asset matches when it carries at
	// least one of them. Empty means "any tags".
	Tags []string `yaml:"tags"`

	// ExcludeTags are evaluated after Tags and always win: an asset
	// carrying any excluded tag is dropped even when it also carries
	// an included one.
	ExcludeTags []string `yaml:"exclude_tags"`

	// LinkKind is the link-kind hint. Default: auto.
	LinkKind LinkHint `yaml:"link_kind" validate:"omitempty,oneof=auto symlink hardlink"`

	// Enabled rules participate in resolution. A disabled rule in a
	// more specific config suppresses its inherited counterpart.
	Enabled *bool `yaml:"enabled"`

	// Priority orders rule application; higher runs first and wins
	// target-path claims.
	Priority int `yaml:"priority"`
}

// IsEnabled treats a missing enabled flag as true.
func (r *MappingRule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// MappingConfig is one rule document for one (app, version-selector,
// variant) tuple.
type MappingConfig struct {
	// App is the consumer application the document targets.
	App string `yaml:"app" validate:"required"`

	// Version is a version selector: an exact version string, a
	// trailing-wildcard pattern like "1.*", or "*" / empty for any.
	Version string `yaml:"version"`

	// Variant names an install variant. Empty or "default" is the
	// default variant; a named variant beats the default at merge.
	Variant string `yaml:"variant"`

	// Rules are the document's mapping rules.
	Rules []MappingRule `yaml:"rules" validate:"required,min=1,dive"`

	// source is the file the document was loaded from, for logs.
	source string
}

// isDefaultVariant reports whether the document is the default variant.
func (c *MappingConfig) isDefaultVariant() bool {
	return c.Variant == "" || c.Variant == "default"
}

// =========================================================================
// Loading
// =========================================================================

// ConfigSet holds every successfully loaded mapping document.
type ConfigSet struct {
	configs []MappingConfig
	logger  *slog.Logger
}

// LoadConfigs reads every *.yaml / *.yml document under dir.
//
// Description:
//
//	A document that fails to parse or validate is excluded and
//	logged at warning level with its file path; it never poisons
//	the rest of the set. Intent is never guessed from a malformed
//	document.
//
// Inputs:
//   - dir: Directory holding mapping documents. Missing dir yields an
//     empty set, not an error.
//   - logger: Destination for exclusion warnings. Nil uses the default.
//
// Outputs:
//   - *ConfigSet: The loaded documents.
//   - error: Only for directory read failures.
func LoadConfigs(dir string, logger *slog.Logger) (*ConfigSet, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "mapping"))
	set := &ConfigSet{logger: logger}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return set, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading mapping config dir: %w", err)
	}

	validate := validator.New()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		config, err := loadOne(path, validate)
		if err != nil {
			logger.Warn("excluding malformed mapping config",
				"file", path, "error", err)
			continue
		}
		set.configs = append(set.configs, *config)
	}

	sort.Slice(set.configs, func(i, j int) bool {
		return set.configs[i].source < set.configs[j].source
	})
	return set, nil
}

// loadOne parses and validates a single document.
func loadOne(path string, validate *validator.Validate) (*MappingConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var config MappingConfig
	if err := yaml.Unmarshal(raw, &config); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if err := validate.Struct(&config); err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}
	config.source = path
	return &config, nil
}

// Len returns the number of loaded documents.
func (s *ConfigSet) Len() int { return len(s.configs) }

// Add inserts a document directly, mainly for tests and programmatic
// configuration.
func (s *ConfigSet) Add(config MappingConfig) {
	s.configs = append(s.configs, config)
}

// =========================================================================
// Specificity merge
// =========================================================================

// specificity ranks a document for (app, version): exact version beats
// wildcard beats any; within equal version rank, a named variant beats
// the default. Returns -1 when the document does not apply at all.
func specificity(config *MappingConfig, version string) int {
	var versionRank int
	switch {
	case config.Version == "" || config.Version == "*":
		versionRank = 0
	case strings.HasSuffix(config.Version, "*"):
		prefix := strings.TrimSuffix(config.Version, "*")
		if !strings.HasPrefix(version, prefix) {
			return -1
		}
		versionRank = 1
	default:
		if config.Version != version {
			return -1
		}
		versionRank = 2
	}
	variantRank := 0
	if !config.isDefaultVariant() {
		variantRank = 1
	}
	return versionRank*10 + variantRank
}

// MergeFor produces the effective rule list for one (app, version).
//
// Documents are overlaid least-specific first, so a more specific
// document's rule replaces the same-named inherited rule. The result
// is deterministic for a given set regardless of load order, and the
// returned rules are filtered to enabled ones, sorted by priority
// descending then name.
func (s *ConfigSet) MergeFor(app, version string) []MappingRule {
	type ranked struct {
		config *MappingConfig
		rank   int
	}
	var applicable []ranked
	for i := range s.configs {
		config := &s.configs[i]
		if config.App != app {
			continue
		}
		rank := specificity(config, version)
		if rank < 0 {
			continue
		}
		applicable = append(applicable, ranked{config: config, rank: rank})
	}
	sort.SliceStable(applicable, func(i, j int) bool {
		if applicable[i].rank != applicable[j].rank {
			return applicable[i].rank < applicable[j].rank
		}
		return applicable[i].config.source < applicable[j].config.source
	})

	merged := make(map[string]MappingRule)
	for _, entry := range applicable {
		for _, rule := range entry.config.Rules {
			merged[rule.Name] = rule
		}
	}

	rules := make([]MappingRule, 0, len(merged))
	for _, rule := range merged {
		if !rule.IsEnabled() {
			continue
		}
		if rule.LinkKind == "" {
			rule.LinkKind = HintAuto
		}
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].Name < rules[j].Name
	})
	return rules
}

// hintKind maps an explicit hint to a registry link kind.
func hintKind(hint LinkHint) (registry.LinkKind, bool) {
	switch hint {
	case HintSymlink:
		return registry.KindSymlink, true
	case HintHardlink:
		return registry.KindHardlink, true
	default:
		return "", false
	}
}
