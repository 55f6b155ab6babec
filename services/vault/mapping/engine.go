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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AleutianAI/modelvault/services/vault/preflight"
	"github.com/AleutianAI/modelvault/services/vault/registry"
	"github.com/AleutianAI/modelvault/services/vault/store"
)

// Resolution is a caller-supplied decision for one conflict.
type Resolution string

const (
	// ResolveSkip leaves the occupied target untouched. Default.
	ResolveSkip Resolution = "skip"

	// ResolveOverwrite removes the occupant and links over it.
	ResolveOverwrite Resolution = "overwrite"

	// ResolveRenameExisting moves the occupant aside to "<name>.old"
	// before linking.
	ResolveRenameExisting Resolution = "rename-existing"
)

// ConflictReason is the machine-readable cause of a mapping conflict.
type ConflictReason string

const (
	// ReasonAlreadyLinkedElsewhere means the registry records a
	// different asset owning this target path.
	ReasonAlreadyLinkedElsewhere ConflictReason = "already-linked-elsewhere"

	// ReasonDifferentSource means a link exists on disk but points
	// somewhere other than the planned source.
	ReasonDifferentSource ConflictReason = "points-to-different-source"

	// ReasonNonLinkFile means an unrelated regular file or directory
	// occupies the target path.
	ReasonNonLinkFile ConflictReason = "non-link-file-present"
)

// PlannedLink is one link the resolution step wants to exist.
type PlannedLink struct {
	AssetID   string
	App       string
	Rule      string
	SourceAbs string
	TargetAbs string
	Kind      registry.LinkKind
	External  bool
}

// Conflict is a planned link whose target is already occupied.
type Conflict struct {
	PlannedLink
	Reason ConflictReason
}

// Preview partitions a resolution without touching the filesystem.
type Preview struct {
	// Create are links that do not exist yet.
	Create []PlannedLink

	// AlreadyOK are targets that already hold the correct link.
	AlreadyOK []PlannedLink

	// Conflicts are occupied targets, each with a reason.
	Conflicts []Conflict

	// BrokenToRemove are registry rows whose on-disk link is gone;
	// apply removes the row before recreating the link.
	BrokenToRemove []registry.LinkRecord

	// Warnings are human-readable notes: fail-closed exclusions,
	// external-link caveats.
	Warnings []string
}

// ApplyReport summarizes one apply run.
type ApplyReport struct {
	Created     int
	AlreadyOK   int
	Skipped     int
	Overwritten int
	Renamed     int
	Failed      int
	Warnings    []string
}

// Metrics receives mapping telemetry. Implementations must be
// nil-safe from the engine's point of view; a nil Metrics disables
// reporting.
type Metrics interface {
	LinkCreated(kind string)
	LinkConflict(reason string)
}

// Config wires an Engine.
type Config struct {
	// Store is the metadata store backing resolution. Required.
	Store *store.Store

	// Registry is the persistent link registry. Required.
	Registry *registry.Registry

	// Validator answers filesystem topology questions. Required.
	Validator *preflight.Validator

	// Installs maps consumer app name to its model-root directory.
	Installs map[string]string

	// Configs holds the loaded mapping documents. Required.
	Configs *ConfigSet

	// Logger for engine events. Nil uses the default.
	Logger *slog.Logger

	// Metrics is optional telemetry.
	Metrics Metrics
}

// Engine resolves and applies mappings and keeps links healthy.
//
// Thread Safety: Safe for concurrent use. All mutable state lives in
// the store and registry; the engine itself holds only configuration.
type Engine struct {
	store     *store.Store
	registry  *registry.Registry
	validator *preflight.Validator
	installs  map[string]string
	configs   *ConfigSet
	logger    *slog.Logger
	metrics   Metrics
}

// NewEngine validates config and builds an Engine.
func NewEngine(config Config) (*Engine, error) {
	if config.Store == nil || config.Registry == nil || config.Validator == nil || config.Configs == nil {
		return nil, errors.New("mapping: store, registry, validator and configs are required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     config.Store,
		registry:  config.Registry,
		validator: config.Validator,
		installs:  config.Installs,
		configs:   config.Configs,
		logger:    logger.With(slog.String("component", "mapping")),
		metrics:   config.Metrics,
	}, nil
}

// installRoot resolves an app's model root.
func (e *Engine) installRoot(app string) (string, error) {
	root, ok := e.installs[app]
	if !ok {
		return "", fmt.Errorf("mapping: no registered install for app %q", app)
	}
	return root, nil
}

// topologyFor probes the filesystem relationship between the library
// and one consumer root.
func (e *Engine) topologyFor(consumerRoot string) topology {
	topo := topology{}
	same, err := e.validator.SameDevice(e.store.LibraryRoot(), consumerRoot)
	if err != nil {
		// Unknown topology is treated as cross-device: absolute
		// links still work there, relative ones may not.
		e.logger.Warn("same-device probe failed, assuming cross-device",
			"consumer_root", consumerRoot, "error", err)
		return topo
	}
	topo.sameDevice = same
	if report, err := e.validator.Check(consumerRoot); err == nil {
		topo.unreliable = report.UnreliableSymlinks
	}
	return topo
}

// =========================================================================
// Preview
// =========================================================================

// Preview computes the full resolution for (app, version) with zero
// filesystem mutation.
//
// Description:
//
//	Merges the applicable mapping documents by specificity, selects
//	matching assets per rule in priority order, gates each asset on
//	its per-app version constraint (fail closed on malformed
//	expressions), and classifies every planned target path as
//	create / already-correct / conflict / broken. The first rule to
//	claim a target wins; later claims are dropped silently.
//
// Inputs:
//   - ctx: Cancellation.
//   - app: Consumer application name; must have a registered install.
//   - version: Consumer application version being mapped for.
//
// Outputs:
//   - *Preview: The partitioned plan.
//   - error: Unknown app, store failure, or registry failure.
func (e *Engine) Preview(ctx context.Context, app, version string) (*Preview, error) {
	root, err := e.installRoot(app)
	if err != nil {
		return nil, err
	}
	rules := e.configs.MergeFor(app, version)
	records, err := e.store.List()
	if err != nil {
		return nil, fmt.Errorf("listing assets: %w", err)
	}
	topo := e.topologyFor(root)

	preview := &Preview{}
	claimed := make(map[string]bool)
	gateWarned := make(map[string]bool)

	for i := range rules {
		rule := &rules[i]
		for _, record := range records {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if !ruleMatches(rule, record) {
				continue
			}
			switch gateVersion(record, app, version) {
			case gateExcluded:
				continue
			case gateInvalid:
				if !gateWarned[record.ID] {
					gateWarned[record.ID] = true
					warning := fmt.Sprintf(
						"asset %s excluded from all %s mappings: unparseable version constraint",
						record.ID, app)
					preview.Warnings = append(preview.Warnings, warning)
					e.logger.Warn("excluding asset with malformed version constraint",
						"asset", record.ID, "app", app)
				}
				continue
			}
			for _, file := range record.Files {
				if !fileMatches(rule, file.Name) {
					continue
				}
				targetAbs := filepath.Join(root, rule.TargetDir, file.Name)
				if claimed[targetAbs] {
					continue
				}
				claimed[targetAbs] = true

				kind, external := chooseKind(rule.LinkKind, topo)
				planned := PlannedLink{
					AssetID:   record.ID,
					App:       app,
					Rule:      rule.Name,
					SourceAbs: filepath.Join(e.store.AssetDir(record.ID), file.Name),
					TargetAbs: targetAbs,
					Kind:      kind,
					External:  external,
				}
				if external {
					preview.Warnings = append(preview.Warnings, fmt.Sprintf(
						"link %s crosses filesystems and depends on the source volume staying mounted",
						targetAbs))
				}
				e.classify(planned, preview)
			}
		}
	}
	return preview, nil
}

// classify sorts one planned link into the preview's partitions.
func (e *Engine) classify(planned PlannedLink, preview *Preview) {
	existing, regErr := e.registry.GetByTarget(planned.TargetAbs)
	haveRow := regErr == nil

	info, statErr := os.Lstat(planned.TargetAbs)
	if os.IsNotExist(statErr) {
		if haveRow {
			// Row without a link on disk: stale, recreate.
			preview.BrokenToRemove = append(preview.BrokenToRemove, *existing)
		}
		preview.Create = append(preview.Create, planned)
		return
	}
	if statErr != nil {
		preview.Conflicts = append(preview.Conflicts,
			Conflict{PlannedLink: planned, Reason: ReasonNonLinkFile})
		return
	}

	if info.Mode()&os.ModeSymlink != 0 {
		dest, err := os.Readlink(planned.TargetAbs)
		if err == nil && resolveLinkDest(planned.TargetAbs, dest) == filepath.Clean(planned.SourceAbs) {
			preview.AlreadyOK = append(preview.AlreadyOK, planned)
			return
		}
		reason := ReasonDifferentSource
		if haveRow && existing.AssetID != planned.AssetID {
			reason = ReasonAlreadyLinkedElsewhere
		}
		preview.Conflicts = append(preview.Conflicts,
			Conflict{PlannedLink: planned, Reason: reason})
		return
	}

	// Regular file or directory. A hard link to the right source is
	// still correct; anything else is an occupant.
	if !info.IsDir() && sameInode(planned.SourceAbs, planned.TargetAbs) {
		preview.AlreadyOK = append(preview.AlreadyOK, planned)
		return
	}
	reason := ReasonNonLinkFile
	if haveRow && existing.AssetID != planned.AssetID {
		reason = ReasonAlreadyLinkedElsewhere
	}
	preview.Conflicts = append(preview.Conflicts,
		Conflict{PlannedLink: planned, Reason: reason})
}

// resolveLinkDest absolutizes a symlink destination read from target.
func resolveLinkDest(targetAbs, dest string) string {
	if filepath.IsAbs(dest) {
		return filepath.Clean(dest)
	}
	return filepath.Clean(filepath.Join(filepath.Dir(targetAbs), dest))
}

// sameInode reports whether two paths are the same file (hard link
// pair). Any stat failure counts as "different".
func sameInode(a, b string) bool {
	infoA, errA := os.Stat(a)
	infoB, errB := os.Stat(b)
	if errA != nil || errB != nil {
		return false
	}
	return os.SameFile(infoA, infoB)
}

// =========================================================================
// Apply
// =========================================================================

// Resolver decides conflicts during apply. A nil Resolver skips every
// conflict, the fail-closed default.
type Resolver func(Conflict) Resolution

// Apply executes the resolution for (app, version).
//
// Description:
//
//	Computes the same partition as Preview, then mutates: stale
//	registry rows are purged, missing links created and registered,
//	and conflicts handed to the resolver one at a time. Applying
//	twice in a row produces zero filesystem changes on the second
//	run. Before creating anything the consumer root must pass the
//	canary link test; a root where neither link kind works refuses
//	mapping with an actionable error instead of quietly copying.
//
// Inputs:
//   - ctx: Cancellation.
//   - app, version: As for Preview.
//   - resolve: Per-conflict decision callback, may be nil.
//
// Outputs:
//   - *ApplyReport: Counts of each action taken.
//   - error: Resolution failure or refused link support. Individual
//     link failures are counted and logged, not fatal.
func (e *Engine) Apply(ctx context.Context, app, version string, resolve Resolver) (*ApplyReport, error) {
	preview, err := e.Preview(ctx, app, version)
	if err != nil {
		return nil, err
	}
	report := &ApplyReport{
		AlreadyOK: len(preview.AlreadyOK),
		Warnings:  preview.Warnings,
	}

	needsMutation := len(preview.Create) > 0 || len(preview.Conflicts) > 0
	var support preflight.LinkSupport
	if needsMutation {
		root, _ := e.installRoot(app)
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("creating consumer root: %w", err)
		}
		support, err = e.validator.CanaryLinkTest(root)
		if err != nil {
			return nil, fmt.Errorf("canary link test: %w", err)
		}
		if !support.Any() {
			return nil, fmt.Errorf(
				"%w at %s: grant the app write access or choose a POSIX filesystem",
				preflight.ErrNoLinkSupport, root)
		}
	}

	for _, stale := range preview.BrokenToRemove {
		if err := e.registry.Delete(stale.ID); err != nil {
			e.logger.Warn("purging stale link row failed", "link", stale.ID, "error", err)
		}
	}

	for _, planned := range preview.Create {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := e.createLink(planned, support); err != nil {
			report.Failed++
			e.logger.Error("link creation failed",
				"target", planned.TargetAbs, "error", err)
			continue
		}
		report.Created++
	}

	// Adopt correct links the registry does not know about yet, so a
	// later cascade or health scan covers them.
	for _, ok := range preview.AlreadyOK {
		if _, err := e.registry.GetByTarget(ok.TargetAbs); errors.Is(err, registry.ErrLinkNotFound) {
			if err := e.register(ok); err != nil {
				e.logger.Warn("adopting existing link failed",
					"target", ok.TargetAbs, "error", err)
			}
		}
	}

	for _, conflict := range preview.Conflicts {
		if e.metrics != nil {
			e.metrics.LinkConflict(string(conflict.Reason))
		}
		resolution := ResolveSkip
		if resolve != nil {
			resolution = resolve(conflict)
		}
		switch resolution {
		case ResolveOverwrite:
			if err := e.displaceAndLink(conflict.PlannedLink, support, ""); err != nil {
				report.Failed++
				e.logger.Error("overwrite failed", "target", conflict.TargetAbs, "error", err)
				continue
			}
			report.Overwritten++
		case ResolveRenameExisting:
			if err := e.displaceAndLink(conflict.PlannedLink, support, conflict.TargetAbs+".old"); err != nil {
				report.Failed++
				e.logger.Error("rename-existing failed", "target", conflict.TargetAbs, "error", err)
				continue
			}
			report.Renamed++
		default:
			report.Skipped++
			e.logger.Info("conflict skipped",
				"target", conflict.TargetAbs, "reason", string(conflict.Reason))
		}
	}

	e.logger.Info("mapping applied",
		"app", app, "version", version,
		"created", report.Created, "ok", report.AlreadyOK,
		"skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

// createLink materializes one planned link and registers it.
func (e *Engine) createLink(planned PlannedLink, support preflight.LinkSupport) error {
	if err := os.MkdirAll(filepath.Dir(planned.TargetAbs), 0o755); err != nil {
		return fmt.Errorf("creating target dir: %w", err)
	}

	kind := planned.Kind
	if kind == registry.KindSymlink && !support.Symlink {
		if planned.External || !support.Hardlink {
			return fmt.Errorf("symlinks unsupported at target and no usable fallback")
		}
		kind = registry.KindHardlink
	}
	if kind == registry.KindHardlink && !support.Hardlink {
		if !support.Symlink {
			return fmt.Errorf("hardlinks unsupported at target and no usable fallback")
		}
		kind = registry.KindSymlink
	}
	planned.Kind = kind

	switch kind {
	case registry.KindHardlink:
		if err := os.Link(planned.SourceAbs, planned.TargetAbs); err != nil {
			return fmt.Errorf("hardlink: %w", err)
		}
	default:
		value, err := symlinkValue(planned.SourceAbs, planned.TargetAbs, planned.External)
		if err != nil {
			return fmt.Errorf("computing symlink value: %w", err)
		}
		if err := os.Symlink(value, planned.TargetAbs); err != nil {
			return fmt.Errorf("symlink: %w", err)
		}
	}

	if err := e.register(planned); err != nil {
		// Roll the link back so registry and disk stay consistent.
		os.Remove(planned.TargetAbs)
		return err
	}
	if e.metrics != nil {
		e.metrics.LinkCreated(string(planned.Kind))
	}
	if planned.External {
		e.logger.Warn("created external link",
			"target", planned.TargetAbs, "source", planned.SourceAbs)
	}
	return nil
}

// register inserts the registry row for a planned link, storing the
// source relative to the library root for internal links so the row
// survives relocating the whole library.
func (e *Engine) register(planned PlannedLink) error {
	sourcePath := planned.SourceAbs
	if !planned.External {
		if rel, err := filepath.Rel(e.store.LibraryRoot(), planned.SourceAbs); err == nil {
			sourcePath = rel
		}
	}
	return e.registry.Create(&registry.LinkRecord{
		AssetID:    planned.AssetID,
		App:        planned.App,
		SourcePath: sourcePath,
		TargetPath: planned.TargetAbs,
		External:   planned.External,
		Kind:       planned.Kind,
	})
}

// displaceAndLink moves or removes the occupant, purges any stale
// registry row for the target, then creates the planned link.
func (e *Engine) displaceAndLink(planned PlannedLink, support preflight.LinkSupport, renameTo string) error {
	if existing, err := e.registry.GetByTarget(planned.TargetAbs); err == nil {
		if err := e.registry.Delete(existing.ID); err != nil {
			return fmt.Errorf("purging occupant row: %w", err)
		}
	}
	if renameTo != "" {
		if err := os.Rename(planned.TargetAbs, renameTo); err != nil {
			return fmt.Errorf("renaming occupant: %w", err)
		}
	} else {
		if err := os.RemoveAll(planned.TargetAbs); err != nil {
			return fmt.Errorf("removing occupant: %w", err)
		}
	}
	return e.createLink(planned, support)
}

// sourceAbs resolves a registry row's source path to an absolute path.
func (e *Engine) sourceAbs(record *registry.LinkRecord) string {
	if record.External || filepath.IsAbs(record.SourcePath) {
		return record.SourcePath
	}
	return filepath.Join(e.store.LibraryRoot(), record.SourcePath)
}
