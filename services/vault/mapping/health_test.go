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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/modelvault/services/vault/registry"
)

// TestHealthClassification covers OK, BROKEN, ORPHANED and ghost rows
// in one scan.
func TestHealthClassification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addAsset(t, "checkpoint/llama/ok", "ok.safetensors", "w", nil, nil)
	env.addAsset(t, "checkpoint/llama/doomed", "doomed.safetensors", "d", nil, nil)
	_, err := env.engine.Apply(ctx, "comfy", "1.0.0", nil)
	require.NoError(t, err)

	// Break one link by removing its payload out from under it.
	require.NoError(t, os.Remove(
		filepath.Join(env.store.AssetDir("checkpoint/llama/doomed"), "doomed.safetensors")))

	// Plant an orphan: a symlink into the library no row claims.
	orphan := env.target("stray.safetensors")
	require.NoError(t, os.Symlink(
		filepath.Join(env.store.AssetDir("checkpoint/llama/ok"), "ok.safetensors"), orphan))

	// A ghost: row for an app with no registered install.
	require.NoError(t, env.registry.Create(&registry.LinkRecord{
		AssetID:    "checkpoint/llama/ok",
		App:        "uninstalled-app",
		SourcePath: "checkpoint/llama/ok/ok.safetensors",
		TargetPath: "/nonexistent/app/models/ok.safetensors",
		Kind:       registry.KindSymlink,
	}))

	report, err := env.engine.CheckHealth(ctx)
	require.NoError(t, err)

	require.Len(t, report.OK, 1)
	assert.Equal(t, "checkpoint/llama/ok", report.OK[0].AssetID)
	require.Len(t, report.Broken, 1)
	assert.Equal(t, "checkpoint/llama/doomed", report.Broken[0].AssetID)
	require.Len(t, report.Orphaned, 1)
	assert.Equal(t, orphan, report.Orphaned[0])
	require.Len(t, report.Ghosts, 1)
	assert.Equal(t, "uninstalled-app", report.Ghosts[0].App)
}

// TestHealRecreatesByContentHash verifies a broken link is re-pointed
// at a different asset holding identical content, found by hash only.
func TestHealRecreatesByContentHash(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addAsset(t, "checkpoint/llama/original", "model.safetensors", "identical-bytes", nil, nil)
	_, err := env.engine.Apply(ctx, "comfy", "1.0.0", nil)
	require.NoError(t, err)

	// Same content under a new identity, then the original payload
	// vanishes: the classic "user reorganized the library" case.
	env.addAsset(t, "checkpoint/llama/moved", "model.safetensors", "identical-bytes", []string{"dup"}, nil)
	require.NoError(t, os.Remove(
		filepath.Join(env.store.AssetDir("checkpoint/llama/original"), "model.safetensors")))

	results, err := env.engine.Heal(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Healed, "reason: %s", results[0].Reason)
	assert.Contains(t, results[0].NewPath, "checkpoint/llama/moved")

	content, err := os.ReadFile(env.target("model.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, "identical-bytes", string(content))

	row, err := env.registry.GetByTarget(env.target("model.safetensors"))
	require.NoError(t, err)
	assert.Contains(t, row.SourcePath, "checkpoint/llama/moved")
}

// TestHealNeverGuessesByName verifies a same-named file with
// different content is not accepted as a replacement.
func TestHealNeverGuessesByName(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addAsset(t, "checkpoint/llama/original", "model.safetensors", "original-bytes", nil, nil)
	_, err := env.engine.Apply(ctx, "comfy", "1.0.0", nil)
	require.NoError(t, err)

	env.addAsset(t, "checkpoint/llama/impostor", "model.safetensors", "different-bytes", nil, nil)
	require.NoError(t, os.Remove(
		filepath.Join(env.store.AssetDir("checkpoint/llama/original"), "model.safetensors")))

	results, err := env.engine.Heal(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Healed)
	assert.Equal(t, "no asset with matching content hash", results[0].Reason)
}

// TestCascadeDelete verifies deleting an asset with links leaves zero
// rows and zero live links, and removes the payload.
func TestCascadeDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addAsset(t, "checkpoint/llama/base", "base.safetensors", "weights", nil, nil)
	env.addAsset(t, "checkpoint/llama/keep", "keep.safetensors", "kept", nil, nil)
	_, err := env.engine.Apply(ctx, "comfy", "1.0.0", nil)
	require.NoError(t, err)

	require.NoError(t, env.engine.DeleteAsset(ctx, "checkpoint/llama/base"))

	rows, err := env.registry.ListByAsset("checkpoint/llama/base")
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = os.Lstat(env.target("base.safetensors"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(env.store.AssetDir("checkpoint/llama/base"))
	assert.True(t, os.IsNotExist(err))

	// The unrelated asset keeps its link.
	_, err = os.Lstat(env.target("keep.safetensors"))
	assert.NoError(t, err)
	_, err = env.store.Get("checkpoint/llama/keep")
	assert.NoError(t, err)
}

// TestCascadeDeleteLinkGoneAlready verifies a missing link target
// never blocks the cascade.
func TestCascadeDeleteLinkGoneAlready(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addAsset(t, "checkpoint/llama/base", "base.safetensors", "weights", nil, nil)
	_, err := env.engine.Apply(ctx, "comfy", "1.0.0", nil)
	require.NoError(t, err)
	require.NoError(t, os.Remove(env.target("base.safetensors")))

	require.NoError(t, env.engine.DeleteAsset(ctx, "checkpoint/llama/base"))
	rows, err := env.registry.ListAll()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// TestRelocateExternalLinks verifies the old-prefix rows are
// rewritten and their on-disk symlinks re-pointed, while sibling
// prefixes stay untouched.
func TestRelocateExternalLinks(t *testing.T) {
	env := newTestEnv(t)

	newMount := t.TempDir()
	payload := filepath.Join(newMount, "models", "ext.safetensors")
	require.NoError(t, os.MkdirAll(filepath.Dir(payload), 0o755))
	require.NoError(t, os.WriteFile(payload, []byte("external"), 0o644))

	target := env.target("ext.safetensors")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	stale := "/media/usb/models/ext.safetensors"
	require.NoError(t, os.Symlink(stale, target))
	require.NoError(t, env.registry.Create(&registry.LinkRecord{
		AssetID:    "checkpoint/ext/asset",
		App:        "comfy",
		SourcePath: stale,
		TargetPath: target,
		External:   true,
		Kind:       registry.KindSymlink,
	}))
	// A sibling prefix that must not be rewritten.
	require.NoError(t, env.registry.Create(&registry.LinkRecord{
		AssetID:    "checkpoint/ext/other",
		App:        "comfy",
		SourcePath: "/media/usb_backup/models/other.safetensors",
		TargetPath: env.target("other.safetensors"),
		External:   true,
		Kind:       registry.KindSymlink,
	}))

	changed, err := env.engine.Relocate("/media/usb", newMount)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	row, err := env.registry.GetByTarget(target)
	require.NoError(t, err)
	assert.Equal(t, payload, row.SourcePath)

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "external", string(content), "symlink re-pointed at the new mount")

	sibling, err := env.registry.GetByTarget(env.target("other.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, "/media/usb_backup/models/other.safetensors", sibling.SourcePath)
}

// TestDiscoverModelDirs verifies dynamic consumer-dir discovery.
func TestDiscoverModelDirs(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.MkdirAll(filepath.Join(env.consumerRoot, "checkpoints"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(env.consumerRoot, "loras"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.consumerRoot, "notes.txt"), []byte("x"), 0o644))

	dirs := env.engine.DiscoverModelDirs(env.consumerRoot)
	assert.ElementsMatch(t, []string{"checkpoints", "loras"}, dirs)
}
