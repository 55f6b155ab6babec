// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/modelvault/services/vault/importer"
	"github.com/AleutianAI/modelvault/services/vault/mapping"
	"github.com/AleutianAI/modelvault/services/vault/preflight"
	"github.com/AleutianAI/modelvault/services/vault/registry"
	"github.com/AleutianAI/modelvault/services/vault/scheduler"
	"github.com/AleutianAI/modelvault/services/vault/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testServer(t *testing.T) (*Server, string) {
	t.Helper()
	s, err := store.Open(store.Config{
		LibraryRoot:   t.TempDir(),
		InMemoryIndex: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg, err := registry.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	validator := preflight.NewValidator(nil)
	im, err := importer.New(importer.Config{
		Store:     s,
		Validator: validator,
		Scheduler: scheduler.New(nil),
	})
	require.NoError(t, err)

	consumerRoot := t.TempDir()
	set := &mapping.ConfigSet{}
	set.Add(mapping.MappingConfig{
		App: "comfy", Version: "*",
		Rules: []mapping.MappingRule{{
			Name: "models", Patterns: []string{"*.safetensors"}, TargetDir: "checkpoints",
		}},
	})
	engine, err := mapping.NewEngine(mapping.Config{
		Store:     s,
		Registry:  reg,
		Validator: validator,
		Installs:  map[string]string{"comfy": consumerRoot},
		Configs:   set,
	})
	require.NoError(t, err)

	return &Server{Store: s, Importer: im, Engine: engine}, consumerRoot
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// TestHealthEndpoint verifies the liveness probe.
func TestHealthEndpoint(t *testing.T) {
	server, _ := testServer(t)
	w := doJSON(t, server.Router(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "modelvault")
}

// TestImportAndFetchAsset drives an import through the API and reads
// the record back by its composite identity.
func TestImportAndFetchAsset(t *testing.T) {
	server, _ := testServer(t)
	router := server.Router()

	source := filepath.Join(t.TempDir(), "alpha.safetensors")
	require.NoError(t, os.WriteFile(source, []byte("weights"), 0o644))

	w := doJSON(t, router, http.MethodPost, "/v1/imports", gin.H{
		"source": source, "asset_type": "checkpoint", "family": "llama",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var record store.AssetRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &record))
	assert.Equal(t, "checkpoint/llama/alpha", record.ID)

	w = doJSON(t, router, http.MethodGet, "/v1/assets/checkpoint/llama/alpha", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/assets/checkpoint/llama/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestImportRejectsEmptySource verifies request validation.
func TestImportRejectsEmptySource(t *testing.T) {
	server, _ := testServer(t)
	w := doJSON(t, server.Router(), http.MethodPost, "/v1/imports", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestSearchEndpoint verifies ranked search over the query parameter.
func TestSearchEndpoint(t *testing.T) {
	server, _ := testServer(t)
	router := server.Router()

	source := filepath.Join(t.TempDir(), "llama-chat.safetensors")
	require.NoError(t, os.WriteFile(source, []byte("w"), 0o644))
	w := doJSON(t, router, http.MethodPost, "/v1/imports", gin.H{"source": source})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/assets?q=llama", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var payload struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, 1, payload.Count)
}

// TestMappingPreviewAndApply drives the mapping flow over HTTP.
func TestMappingPreviewAndApply(t *testing.T) {
	server, consumerRoot := testServer(t)
	router := server.Router()

	source := filepath.Join(t.TempDir(), "base.safetensors")
	require.NoError(t, os.WriteFile(source, []byte("w"), 0o644))
	w := doJSON(t, router, http.MethodPost, "/v1/imports", gin.H{"source": source})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, http.MethodPost, "/v1/mappings/preview", gin.H{
		"app": "comfy", "version": "1.0.0",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var preview mapping.Preview
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &preview))
	assert.Len(t, preview.Create, 1)

	w = doJSON(t, router, http.MethodPost, "/v1/mappings/apply", gin.H{
		"app": "comfy", "version": "1.0.0",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var report mapping.ApplyReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Created)

	_, err := os.Readlink(filepath.Join(consumerRoot, "checkpoints", "base.safetensors"))
	assert.NoError(t, err)

	w = doJSON(t, router, http.MethodGet, "/v1/links/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// TestMappingRejectsBadResolution verifies resolution validation.
func TestMappingRejectsBadResolution(t *testing.T) {
	server, _ := testServer(t)
	w := doJSON(t, server.Router(), http.MethodPost, "/v1/mappings/apply", gin.H{
		"app": "comfy", "version": "1.0.0", "resolution": "yolo",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestDeleteAssetCascades verifies the delete endpoint removes record
// and links.
func TestDeleteAssetCascades(t *testing.T) {
	server, consumerRoot := testServer(t)
	router := server.Router()

	source := filepath.Join(t.TempDir(), "base.safetensors")
	require.NoError(t, os.WriteFile(source, []byte("w"), 0o644))
	w := doJSON(t, router, http.MethodPost, "/v1/imports", gin.H{"source": source})
	require.Equal(t, http.StatusCreated, w.Code)
	w = doJSON(t, router, http.MethodPost, "/v1/mappings/apply", gin.H{
		"app": "comfy", "version": "1.0.0",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/v1/assets/model/local/base", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, router, http.MethodGet, "/v1/assets/model/local/base", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	_, err := os.Lstat(filepath.Join(consumerRoot, "checkpoints", "base.safetensors"))
	assert.True(t, os.IsNotExist(err))
}

// TestRebuildEndpoint verifies the index rebuild surface.
func TestRebuildEndpoint(t *testing.T) {
	server, _ := testServer(t)
	w := doJSON(t, server.Router(), http.MethodPost, "/v1/index/rebuild", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report store.RebuildReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Zero(t, report.Indexed)
}

// TestRelocateValidation verifies prefix validation.
func TestRelocateValidation(t *testing.T) {
	server, _ := testServer(t)
	w := doJSON(t, server.Router(), http.MethodPost, "/v1/links/relocate", gin.H{
		"old_prefix": "/media/usb",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
