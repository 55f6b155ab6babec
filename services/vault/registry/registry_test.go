// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func link(asset, app, target string) *LinkRecord {
	return &LinkRecord{
		AssetID:    asset,
		App:        app,
		SourcePath: "lora/llama/alpha/a.safetensors",
		TargetPath: target,
		Kind:       KindSymlink,
	}
}

// TestCreateAndLookup verifies basic insert and target lookup.
func TestCreateAndLookup(t *testing.T) {
	r := testRegistry(t)
	rec := link("lora/llama/alpha", "comfyui", "models/loras/a.safetensors")
	require.NoError(t, r.Create(rec))
	assert.NotEmpty(t, rec.ID)

	got, err := r.GetByTarget("models/loras/a.safetensors")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "comfyui", got.App)

	_, err = r.GetByTarget("models/loras/missing")
	assert.ErrorIs(t, err, ErrLinkNotFound)
}

// TestUniqueTarget verifies the storage-layer one-owner invariant.
func TestUniqueTarget(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.Create(link("asset/one/a", "comfyui", "models/x")))

	err := r.Create(link("asset/two/b", "comfyui", "models/x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTargetTaken)
}

// TestConcurrentCreateSingleWinner verifies racing creates on one
// target produce exactly one row, with losers seeing ErrTargetTaken.
func TestConcurrentCreateSingleWinner(t *testing.T) {
	r := testRegistry(t)

	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := r.Create(link("asset/race/a", "comfyui", "models/contested"))
			if err == nil {
				wins.Add(1)
			} else {
				losses.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), losses.Load())

	all, err := r.ListAll()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// TestListByAssetAndApp verifies scoped listings.
func TestListByAssetAndApp(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.Create(link("asset/a/one", "comfyui", "t1")))
	require.NoError(t, r.Create(link("asset/a/one", "a1111", "t2")))
	require.NoError(t, r.Create(link("asset/b/two", "comfyui", "t3")))

	byAsset, err := r.ListByAsset("asset/a/one")
	require.NoError(t, err)
	assert.Len(t, byAsset, 2)

	byApp, err := r.ListByApp("comfyui")
	require.NoError(t, err)
	assert.Len(t, byApp, 2)
}

// TestDeleteByAsset verifies the cascade purge counts rows.
func TestDeleteByAsset(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.Create(link("asset/a/one", "comfyui", "t1")))
	require.NoError(t, r.Create(link("asset/a/one", "a1111", "t2")))
	require.NoError(t, r.Create(link("asset/b/two", "comfyui", "t3")))

	purged, err := r.DeleteByAsset("asset/a/one")
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	all, err := r.ListAll()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// TestUpdateSource verifies self-heal repointing.
func TestUpdateSource(t *testing.T) {
	r := testRegistry(t)
	rec := link("asset/a/one", "comfyui", "t1")
	require.NoError(t, r.Create(rec))

	require.NoError(t, r.UpdateSource(rec.ID, "lora/llama/alpha-moved/a.safetensors"))
	got, err := r.GetByTarget("t1")
	require.NoError(t, err)
	assert.Equal(t, "lora/llama/alpha-moved/a.safetensors", got.SourcePath)

	assert.ErrorIs(t, r.UpdateSource("missing-id", "x"), ErrLinkNotFound)
}

// TestRewritePrefix verifies relocation: exact prefix match with
// trailing-separator normalization, external records only.
func TestRewritePrefix(t *testing.T) {
	r := testRegistry(t)

	external := &LinkRecord{
		AssetID:    "asset/a/one",
		App:        "comfyui",
		SourcePath: "/media/usb/library/lora/a.safetensors",
		TargetPath: "/home/u/comfyui/models/loras/a.safetensors",
		External:   true,
		Kind:       KindSymlink,
	}
	require.NoError(t, r.Create(external))

	// Partial-prefix sibling must never be touched.
	sibling := &LinkRecord{
		AssetID:    "asset/b/two",
		App:        "comfyui",
		SourcePath: "/media/usb_backup/library/lora/b.safetensors",
		TargetPath: "/home/u/comfyui/models/loras/b.safetensors",
		External:   true,
		Kind:       KindSymlink,
	}
	require.NoError(t, r.Create(sibling))

	// Relative records are out of relocation's scope.
	relative := link("asset/c/three", "comfyui", "models/loras/c.safetensors")
	require.NoError(t, r.Create(relative))

	changed, err := r.RewritePrefix("/media/usb", "/mnt/drive")
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	got, err := r.GetByTarget("/home/u/comfyui/models/loras/a.safetensors")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/drive/library/lora/a.safetensors", got.SourcePath)

	untouched, err := r.GetByTarget("/home/u/comfyui/models/loras/b.safetensors")
	require.NoError(t, err)
	assert.Equal(t, "/media/usb_backup/library/lora/b.safetensors", untouched.SourcePath)
}

// TestDeleteMissingIsNoop verifies deleting an unknown ID succeeds.
func TestDeleteMissingIsNoop(t *testing.T) {
	r := testRegistry(t)
	assert.NoError(t, r.Delete("never-existed"))
}
