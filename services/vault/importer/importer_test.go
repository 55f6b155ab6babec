// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/modelvault/services/vault/enrich"
	"github.com/AleutianAI/modelvault/services/vault/naming"
	"github.com/AleutianAI/modelvault/services/vault/preflight"
	"github.com/AleutianAI/modelvault/services/vault/scheduler"
	"github.com/AleutianAI/modelvault/services/vault/store"
)

func testImporter(t *testing.T, enricher *enrich.Client) (*Importer, *store.Store) {
	t.Helper()
	s, err := store.Open(store.Config{
		LibraryRoot:   t.TempDir(),
		InMemoryIndex: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	im, err := New(Config{
		Store:     s,
		Validator: preflight.NewValidator(nil),
		Scheduler: scheduler.New(nil),
		Enricher:  enricher,
	})
	require.NoError(t, err)
	return im, s
}

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// assertNoStaging verifies no staging leftovers under the library.
func assertNoStaging(t *testing.T, s *store.Store) {
	t.Helper()
	entries, err := os.ReadDir(s.LibraryRoot())
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasPrefix(entry.Name(), StagingPrefix),
			"staging leftover: %s", entry.Name())
	}
}

// TestImportSingleFile verifies the copy path end to end.
func TestImportSingleFile(t *testing.T) {
	im, s := testImporter(t, nil)
	source := writeSource(t, t.TempDir(), "alpha.safetensors", "tensor-bytes")

	record, err := im.Import(context.Background(), source, Options{
		AssetType: "checkpoint", Family: "llama", Tags: []string{"test"},
	})
	require.NoError(t, err)
	assert.Equal(t, "checkpoint/llama/alpha", record.ID)
	assert.Equal(t, store.MatchManual, record.MatchSource)
	assert.Equal(t, naming.TierSafe, record.SecurityTier)
	assert.False(t, record.Incomplete)

	sum := sha256.Sum256([]byte("tensor-bytes"))
	assert.Equal(t, hex.EncodeToString(sum[:]), record.Hashes.SHA256)

	// Payload and metadata are both in place, source untouched.
	payload, err := os.ReadFile(filepath.Join(s.AssetDir(record.ID), "alpha.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, "tensor-bytes", string(payload))
	_, err = os.Stat(filepath.Join(s.AssetDir(record.ID), store.RecordFileName))
	assert.NoError(t, err)
	_, err = os.Stat(source)
	assert.NoError(t, err)
	assertNoStaging(t, s)

	got, err := s.Get(record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.Hashes.SHA256, got.Hashes.SHA256)
}

// TestImportMoveConsumesSource verifies the same-device fast path.
func TestImportMoveConsumesSource(t *testing.T) {
	im, s := testImporter(t, nil)
	// Source inside the library tree's device (same tempdir fs).
	sourceDir := filepath.Join(s.LibraryRoot(), "..", "incoming")
	require.NoError(t, os.MkdirAll(sourceDir, 0o755))
	source := writeSource(t, sourceDir, "beta.gguf", "gguf-bytes")

	record, err := im.Import(context.Background(), source, Options{Move: true})
	require.NoError(t, err)

	_, err = os.Stat(source)
	assert.True(t, os.IsNotExist(err), "move must consume the source")
	payload, err := os.ReadFile(filepath.Join(s.AssetDir(record.ID), "beta.gguf"))
	require.NoError(t, err)
	assert.Equal(t, "gguf-bytes", string(payload))
}

// TestImportMoveBundleConsumesDirectory verifies a same-device
// directory move leaves no emptied skeleton behind.
func TestImportMoveBundleConsumesDirectory(t *testing.T) {
	im, s := testImporter(t, nil)
	sourceDir := filepath.Join(s.LibraryRoot(), "..", "incoming", "bundle")
	require.NoError(t, os.MkdirAll(filepath.Join(sourceDir, "vae"), 0o755))
	writeSource(t, sourceDir, "model.safetensors", "root-weights")
	writeSource(t, filepath.Join(sourceDir, "vae"), "vae.safetensors", "vae-weights")

	record, err := im.Import(context.Background(), sourceDir, Options{Move: true})
	require.NoError(t, err)
	assert.Len(t, record.Files, 2)

	payload, err := os.ReadFile(filepath.Join(s.AssetDir(record.ID), "vae", "vae.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, "vae-weights", string(payload))

	_, err = os.Stat(sourceDir)
	assert.True(t, os.IsNotExist(err), "move must consume the source directory")
}

// TestImportShardGroup covers the sharded convention: importing one
// member of 1,2,4,5-of-5 pulls the whole group and reports shard 3
// missing with the asset flagged incomplete.
func TestImportShardGroup(t *testing.T) {
	im, _ := testImporter(t, nil)
	dir := t.TempDir()
	for _, i := range []int{1, 2, 4, 5} {
		writeSource(t, dir, fmt.Sprintf("model-%05d-of-00005.safetensors", i),
			fmt.Sprintf("shard-%d", i))
	}

	record, err := im.Import(context.Background(),
		filepath.Join(dir, "model-00001-of-00005.safetensors"), Options{})
	require.NoError(t, err)

	assert.Len(t, record.Files, 4)
	assert.True(t, record.Incomplete)
	assert.Equal(t, []int{3}, record.MissingShards)
	assert.Equal(t, "model/local/model", record.ID)
	for _, file := range record.Files {
		assert.Equal(t, 5, file.ShardTotal)
	}
}

// TestImportDirectoryBundle verifies nested bundle ingestion.
func TestImportDirectoryBundle(t *testing.T) {
	im, s := testImporter(t, nil)
	bundle := filepath.Join(t.TempDir(), "diffusion-model")
	require.NoError(t, os.MkdirAll(filepath.Join(bundle, "vae"), 0o755))
	writeSource(t, bundle, "model.safetensors", "main")
	writeSource(t, filepath.Join(bundle, "vae"), "vae.safetensors", "vae")

	record, err := im.Import(context.Background(), bundle, Options{})
	require.NoError(t, err)
	require.Len(t, record.Files, 2)
	assert.Equal(t, "model/local/diffusion-model", record.ID)

	content, err := os.ReadFile(filepath.Join(s.AssetDir(record.ID), "vae", "vae.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, "vae", string(content))
}

// TestImportDeduplicates verifies identical content under the same
// identity returns the existing record with no duplicate state.
func TestImportDeduplicates(t *testing.T) {
	im, s := testImporter(t, nil)
	dir := t.TempDir()
	source := writeSource(t, dir, "alpha.safetensors", "same-bytes")

	first, err := im.Import(context.Background(), source, Options{})
	require.NoError(t, err)
	second, err := im.Import(context.Background(), source, Options{})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	records, err := s.List()
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assertNoStaging(t, s)
}

// TestImportCollisionSuffixes verifies same name, different content
// gets a hash-derived suffix.
func TestImportCollisionSuffixes(t *testing.T) {
	im, s := testImporter(t, nil)
	dirA, dirB := t.TempDir(), t.TempDir()
	sourceA := writeSource(t, dirA, "alpha.safetensors", "content-one")
	sourceB := writeSource(t, dirB, "alpha.safetensors", "content-two")

	first, err := im.Import(context.Background(), sourceA, Options{})
	require.NoError(t, err)
	second, err := im.Import(context.Background(), sourceB, Options{})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	sum := sha256.Sum256([]byte("content-two"))
	assert.Contains(t, second.ID, hex.EncodeToString(sum[:])[:8])

	records, err := s.List()
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

// TestImportCancelledLeavesNothing verifies cancellation behaves like
// any pre-commit failure: no staging, no partial asset.
func TestImportCancelledLeavesNothing(t *testing.T) {
	im, s := testImporter(t, nil)
	source := writeSource(t, t.TempDir(), "alpha.safetensors", "bytes")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := im.Import(ctx, source, Options{})
	require.ErrorIs(t, err, context.Canceled)

	assertNoStaging(t, s)
	records, listErr := s.List()
	require.NoError(t, listErr)
	assert.Empty(t, records)
	_, err = os.Stat(source)
	assert.NoError(t, err, "source must survive a failed import")
}

// TestImportFailureRestoresMovedSource verifies a pre-commit failure
// in move mode puts the source back where it was.
func TestImportFailureRestoresMovedSource(t *testing.T) {
	im, s := testImporter(t, nil)

	// Occupy both the natural identity and its suffixed fallback so
	// collision resolution fails after staging.
	content := "colliding-bytes"
	sum := sha256.Sum256([]byte(content))
	contentHash := hex.EncodeToString(sum[:])
	seedRecord := func(id, sha string) {
		dir := s.AssetDir(id)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		record := &store.AssetRecord{
			ID:        id,
			Files:     []store.FileEntry{},
			SizeBytes: 1,
		}
		record.Hashes.Fast = "f-" + sha[:8]
		record.Hashes.SHA256 = sha
		require.NoError(t, s.Put(context.Background(), record))
	}
	otherHash := strings.Repeat("a", 64)
	seedRecord("model/local/alpha", otherHash)
	seedRecord("model/local/"+naming.WithCollisionSuffix("alpha", contentHash), strings.Repeat("b", 64))

	sourceDir := filepath.Join(s.LibraryRoot(), "..", "incoming2")
	require.NoError(t, os.MkdirAll(sourceDir, 0o755))
	source := writeSource(t, sourceDir, "alpha.safetensors", content)

	_, err := im.Import(context.Background(), source, Options{Move: true})
	require.Error(t, err)

	restored, readErr := os.ReadFile(source)
	require.NoError(t, readErr, "moved source must be restored on failure")
	assert.Equal(t, content, string(restored))
	assertNoStaging(t, s)
}

// TestImportEnrichmentHashMatch covers the enriched path: an external
// hash match yields confidence 1.0 under automatic matching.
func TestImportEnrichmentHashMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.URL.Query().Get("hash"))
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"display_name": "Alpha Model",
				"tags":         []string{"chat"},
				"description":  "known model",
				"confidence":   1.0,
				"match_method": "hash",
			}},
		})
	}))
	defer server.Close()

	enricher, err := enrich.NewClient(enrich.ClientConfig{BaseURL: server.URL})
	require.NoError(t, err)

	im, _ := testImporter(t, enricher)
	source := writeSource(t, t.TempDir(), "alpha.safetensors", "bytes")

	record, err := im.Import(context.Background(), source, Options{Enrich: true})
	require.NoError(t, err)
	assert.Equal(t, store.MatchAuto, record.MatchSource)
	assert.Equal(t, store.MatchByHash, record.Meta.MatchMethod)
	assert.InDelta(t, 1.0, record.Meta.Confidence, 1e-9)
	assert.Equal(t, "Alpha Model", record.Meta.DisplayName)
}

// TestEnrichmentReleasesDrivePermits verifies the drive permits go
// back to the scheduler before the network lookup, so a slow metadata
// service cannot stall other imports' disk access.
func TestEnrichmentReleasesDrivePermits(t *testing.T) {
	s, err := store.Open(store.Config{
		LibraryRoot:   t.TempDir(),
		InMemoryIndex: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sched := scheduler.New(nil)
	// Drain all but one permit on the library's mount so the import
	// holds the last one while staging.
	for i := int64(1); i < sched.Classify(s.LibraryRoot()).Limit(); i++ {
		release, err := sched.Acquire(context.Background(), s.LibraryRoot())
		require.NoError(t, err)
		defer release()
	}

	permitFree := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if release, err := sched.Acquire(ctx, s.LibraryRoot()); err == nil {
			permitFree = true
			release()
		}
		json.NewEncoder(w).Encode(map[string]any{"candidates": []map[string]any{}})
	}))
	defer server.Close()

	enricher, err := enrich.NewClient(enrich.ClientConfig{BaseURL: server.URL})
	require.NoError(t, err)

	im, err := New(Config{
		Store:     s,
		Validator: preflight.NewValidator(nil),
		Scheduler: sched,
		Enricher:  enricher,
	})
	require.NoError(t, err)

	source := writeSource(t, t.TempDir(), "alpha.safetensors", "bytes")
	_, err = im.Import(context.Background(), source, Options{Enrich: true})
	require.NoError(t, err)
	assert.True(t, permitFree, "permits still held during the metadata lookup")
}

// TestImportEnrichmentFailureIsNoMatch verifies a dead metadata
// service never fails an import.
func TestImportEnrichmentFailureIsNoMatch(t *testing.T) {
	enricher, err := enrich.NewClient(enrich.ClientConfig{
		BaseURL: "http://127.0.0.1:1", // nothing listens here
	})
	require.NoError(t, err)

	im, _ := testImporter(t, enricher)
	source := writeSource(t, t.TempDir(), "alpha.safetensors", "bytes")

	record, err := im.Import(context.Background(), source, Options{Enrich: true})
	require.NoError(t, err)
	assert.Equal(t, store.MatchManual, record.MatchSource)
	assert.Empty(t, record.Meta.DisplayName)
}

// TestImportIndexFailureAfterCommit verifies an index write failure
// after the commit rename does not fail the import: the asset is
// already durable and a rebuild recovers the index entry.
func TestImportIndexFailureAfterCommit(t *testing.T) {
	im, s := testImporter(t, nil)
	im.putRecord = func(context.Context, *store.AssetRecord) error {
		return errors.New("index offline")
	}

	source := writeSource(t, t.TempDir(), "alpha.safetensors", "tensor-bytes")
	record, err := im.Import(context.Background(), source, Options{})
	require.NoError(t, err)

	// Durable on disk, absent from the index.
	_, err = os.Stat(filepath.Join(s.AssetDir(record.ID), store.RecordFileName))
	require.NoError(t, err)
	_, err = s.Get(record.ID)
	assert.ErrorIs(t, err, store.ErrRecordNotFound)

	report, err := s.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Indexed)
	got, err := s.Get(record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.Hashes.SHA256, got.Hashes.SHA256)
}

// TestImportBatch verifies mixed success and failure plus counts.
func TestImportBatch(t *testing.T) {
	im, s := testImporter(t, nil)
	dir := t.TempDir()
	sources := []string{
		writeSource(t, dir, "one.safetensors", "one"),
		writeSource(t, dir, "two.safetensors", "two"),
		filepath.Join(dir, "missing.safetensors"),
	}

	report, err := im.ImportBatch(context.Background(), sources, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Items, 3)
	assert.Error(t, report.Items[2].Err)

	records, err := s.List()
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assertNoStaging(t, s)
}
