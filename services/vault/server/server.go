// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the vault over HTTP for the GUI shell and
// scripting. It is a thin layer: every operation delegates to the
// store, importer, or mapping engine.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/modelvault/services/vault/importer"
	"github.com/AleutianAI/modelvault/services/vault/mapping"
	"github.com/AleutianAI/modelvault/services/vault/store"
	"github.com/AleutianAI/modelvault/services/vault/telemetry"
)

// Server holds the request handlers' dependencies.
type Server struct {
	Store    *store.Store
	Importer *importer.Importer
	Engine   *mapping.Engine
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	router := gin.Default()

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "modelvault"})
	})
	if s.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}

	router.GET("/v1/assets", s.handleListAssets)
	router.GET("/v1/assets/*id", s.handleGetAsset)
	router.DELETE("/v1/assets/*id", s.handleDeleteAsset)
	router.POST("/v1/imports", s.handleImport)
	router.POST("/v1/imports/batch", s.handleImportBatch)
	router.POST("/v1/index/rebuild", s.handleRebuild)

	router.POST("/v1/mappings/preview", s.handlePreview)
	router.POST("/v1/mappings/apply", s.handleApply)
	router.GET("/v1/links/health", s.handleLinkHealth)
	router.POST("/v1/links/heal", s.handleHeal)
	router.POST("/v1/links/relocate", s.handleRelocate)

	return router
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	return s.Router().Run(addr)
}

// assetID extracts the wildcard-captured composite identity.
func assetID(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("id"), "/")
}

// --- Assets ---

func (s *Server) handleListAssets(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		records, err := s.Store.List()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "List failed", "details": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"assets": records, "count": len(records)})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	results, err := s.Store.Search(query, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Search failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

func (s *Server) handleGetAsset(c *gin.Context) {
	record, err := s.Store.Get(assetID(c))
	if errors.Is(err, store.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Asset not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Lookup failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleDeleteAsset(c *gin.Context) {
	id := assetID(c)
	if _, err := s.Store.Get(id); errors.Is(err, store.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Asset not found"})
		return
	}
	if err := s.Engine.DeleteAsset(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Delete failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "asset": id})
}

// --- Imports ---

type importRequest struct {
	Source    string   `json:"source"`
	AssetType string   `json:"asset_type"`
	Family    string   `json:"family"`
	Name      string   `json:"name"`
	Move      bool     `json:"move"`
	Enrich    bool     `json:"enrich"`
	Tags      []string `json:"tags"`
}

func (r *importRequest) options() importer.Options {
	return importer.Options{
		AssetType: r.AssetType,
		Family:    r.Family,
		Name:      r.Name,
		Move:      r.Move,
		Enrich:    r.Enrich,
		Tags:      r.Tags,
	}
}

func (s *Server) handleImport(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if req.Source == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No source provided"})
		return
	}

	record, err := s.Importer.Import(c.Request.Context(), req.Source, req.options())
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Import failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, record)
}

type batchImportRequest struct {
	Sources []string `json:"sources"`
	importRequest
}

func (s *Server) handleImportBatch(c *gin.Context) {
	var req batchImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if len(req.Sources) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No sources provided"})
		return
	}

	report, err := s.Importer.ImportBatch(c.Request.Context(), req.Sources, req.options())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Batch aborted", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleRebuild(c *gin.Context) {
	report, err := s.Store.Rebuild(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Rebuild failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// --- Mappings ---

type mappingRequest struct {
	App     string `json:"app"`
	Version string `json:"version"`

	// Resolution applies to every conflict during apply:
	// "" or "skip", "overwrite", "rename-existing".
	Resolution string `json:"resolution"`
}

func (r *mappingRequest) validate(c *gin.Context) bool {
	if r.App == "" || r.Version == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "app and version are required"})
		return false
	}
	switch mapping.Resolution(r.Resolution) {
	case "", mapping.ResolveSkip, mapping.ResolveOverwrite, mapping.ResolveRenameExisting:
		return true
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid resolution", "details": r.Resolution})
		return false
	}
}

func (s *Server) handlePreview(c *gin.Context) {
	var req mappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if !req.validate(c) {
		return
	}

	preview, err := s.Engine.Preview(c.Request.Context(), req.App, req.Version)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Preview failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, preview)
}

func (s *Server) handleApply(c *gin.Context) {
	var req mappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if !req.validate(c) {
		return
	}

	var resolver mapping.Resolver
	if req.Resolution != "" && mapping.Resolution(req.Resolution) != mapping.ResolveSkip {
		resolution := mapping.Resolution(req.Resolution)
		resolver = func(mapping.Conflict) mapping.Resolution { return resolution }
	}

	report, err := s.Engine.Apply(c.Request.Context(), req.App, req.Version, resolver)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Apply failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// --- Link maintenance ---

func (s *Server) handleLinkHealth(c *gin.Context) {
	report, err := s.Engine.CheckHealth(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Health scan failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":       len(report.OK),
		"broken":   report.Broken,
		"orphaned": report.Orphaned,
		"ghosts":   report.Ghosts,
	})
}

func (s *Server) handleHeal(c *gin.Context) {
	results, err := s.Engine.Heal(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Heal failed", "details": err.Error()})
		return
	}
	healed := 0
	for _, result := range results {
		if result.Healed {
			healed++
		}
	}
	c.JSON(http.StatusOK, gin.H{"healed": healed, "results": results})
}

type relocateRequest struct {
	OldPrefix string `json:"old_prefix"`
	NewPrefix string `json:"new_prefix"`
}

func (s *Server) handleRelocate(c *gin.Context) {
	var req relocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if req.OldPrefix == "" || req.NewPrefix == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "old_prefix and new_prefix are required"})
		return
	}

	changed, err := s.Engine.Relocate(req.OldPrefix, req.NewPrefix)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Relocate failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records_changed": changed})
}
