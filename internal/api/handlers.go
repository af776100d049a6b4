package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/aparcar/firmwareforge/internal/build"
	"github.com/aparcar/firmwareforge/internal/flash"
	"github.com/aparcar/firmwareforge/internal/model"
	"github.com/aparcar/firmwareforge/internal/profileio"
	"github.com/aparcar/firmwareforge/internal/store"
	"github.com/aparcar/firmwareforge/internal/toolchain"
	"github.com/gin-gonic/gin"
)

// respondError maps a core *model.Error onto an HTTP status and a uniform
// JSON error body; any other error is treated as an internal failure.
func respondError(c *gin.Context, err error) {
	merr, ok := err.(*model.Error)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusInternalServerError
	switch merr.Code {
	case model.CodeValidation:
		status = http.StatusBadRequest
	case model.CodeNotFound:
		status = http.StatusNotFound
	case model.CodePrecondition, model.CodeCacheConflict:
		status = http.StatusConflict
	case model.CodeDownloadFailed, model.CodeBuildFailed, model.CodeBuildTimeout, model.CodeFlashHashMismatch:
		status = http.StatusUnprocessableEntity
	case model.CodeCancelled:
		status = http.StatusGone
	case model.CodePermissionDenied, model.CodeSecurity:
		status = http.StatusForbidden
	}
	c.JSON(status, gin.H{"error": merr})
}

// --- profiles ---

func (s *Server) handleListProfiles(c *gin.Context) {
	filter := &store.ProfileFilter{
		Release:   c.Query("release"),
		Target:    c.Query("target"),
		Subtarget: c.Query("subtarget"),
		Tag:       c.Query("tag"),
		Query:     c.Query("q"),
	}
	profiles, err := s.store.ListProfiles(filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": profiles})
}

func (s *Server) handleGetProfile(c *gin.Context) {
	p, err := s.store.GetProfile(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if p == nil {
		respondError(c, model.NotFound("profile not found", nil).WithDetail("profile_id", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleUpsertProfile(c *gin.Context) {
	var p model.Profile
	if err := c.ShouldBindJSON(&p); err != nil {
		respondError(c, model.Validation("decode profile body", err))
		return
	}
	p.ID = c.Param("id")
	if verr := p.Validate(); verr != nil {
		respondError(c, verr)
		return
	}
	if err := s.store.UpsertProfile(&p); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, &p)
}

func (s *Server) handleDeleteProfile(c *gin.Context) {
	if err := s.store.DeleteProfile(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleImportProfile(c *gin.Context) {
	format := profileio.Format(c.DefaultQuery("format", string(profileio.FormatYAML)))
	body, err := c.GetRawData()
	if err != nil {
		respondError(c, model.Validation("read import body", err))
		return
	}
	p, perr := profileio.Import(body, format)
	if perr != nil {
		respondError(c, perr)
		return
	}
	if err := s.store.UpsertProfile(p); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleExportProfile(c *gin.Context) {
	p, err := s.store.GetProfile(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if p == nil {
		respondError(c, model.NotFound("profile not found", nil).WithDetail("profile_id", c.Param("id")))
		return
	}
	format := profileio.Format(c.DefaultQuery("format", string(profileio.FormatYAML)))
	data, eerr := profileio.Export(p, format)
	if eerr != nil {
		respondError(c, model.Validation("export profile", eerr))
		return
	}
	contentType := "application/yaml"
	if format == profileio.FormatJSON {
		contentType = "application/json"
	}
	c.Data(http.StatusOK, contentType, data)
}

// --- toolchains ---

func (s *Server) handleEnsureToolchain(c *gin.Context) {
	var key model.ToolchainKey
	if err := c.ShouldBindJSON(&key); err != nil {
		respondError(c, model.Validation("decode toolchain key", err))
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Minute)
	defer cancel()
	inst, err := s.toolchains.Ensure(ctx, key)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) handleListToolchains(c *gin.Context) {
	filter := &toolchain.ToolchainFilter{
		Release: c.Query("release"),
		Target:  c.Query("target"),
		State:   model.ToolchainState(c.Query("state")),
	}
	list, err := s.toolchains.List(filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"toolchains": list})
}

func (s *Server) handleToolchainInfo(c *gin.Context) {
	key := model.ToolchainKey{
		Release:   c.Query("release"),
		Target:    c.Query("target"),
		Subtarget: c.Query("subtarget"),
	}
	inst, err := s.toolchains.Info(key)
	if err != nil {
		respondError(c, err)
		return
	}
	if inst == nil {
		respondError(c, model.NotFound("toolchain not found", nil).WithDetail("key", key.String()))
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) handlePruneToolchains(c *gin.Context) {
	var req struct {
		OlderThanDays int  `json:"older_than_days"`
		UnusedOnly    bool `json:"unused_only"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, model.Validation("decode prune request", err))
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -req.OlderThanDays)
	pruned, err := s.toolchains.Prune(cutoff, req.UnusedOnly)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pruned": pruned})
}

// --- builds ---

func (s *Server) handleBuildOrReuse(c *gin.Context) {
	var req struct {
		ProfileID string        `json:"profile_id"`
		Options   build.Options `json:"options"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, model.Validation("decode build request", err))
		return
	}

	start := time.Now()
	rec, err := s.builds.BuildOrReuse(c.Request.Context(), req.ProfileID, req.Options)
	s.recordBuildStat(rec, req.ProfileID, time.Since(start), err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) recordBuildStat(rec *model.BuildRecord, profileID string, dur time.Duration, err error) {
	eventType := store.StatEventSucceeded
	cacheHit := false
	release, target := "", ""
	if rec != nil {
		cacheHit = rec.CacheHit
	}
	if p, perr := s.store.GetProfile(profileID); perr == nil && p != nil {
		release, target = p.Release, p.Target
	}
	if err != nil {
		eventType = store.StatEventFailure
	} else if cacheHit {
		eventType = store.StatEventCacheHit
	}
	_ = s.store.RecordEvent(eventType, release, target, profileID, dur, cacheHit)
}

func (s *Server) handleBuildBatch(c *gin.Context) {
	var req struct {
		ProfileIDs  []string        `json:"profile_ids"`
		Mode        build.BatchMode `json:"mode"`
		Options     build.Options   `json:"options"`
		Parallelism int             `json:"parallelism"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, model.Validation("decode batch request", err))
		return
	}
	results := s.builds.BuildBatch(c.Request.Context(), req.ProfileIDs, req.Mode, req.Options, req.Parallelism)
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleListBuilds(c *gin.Context) {
	profileID := c.Query("profile_id")
	if profileID == "" {
		respondError(c, model.Validation("profile_id query parameter is required", nil))
		return
	}
	builds, err := s.store.BuildsByProfile(profileID, model.BuildStatus(c.Query("status")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"builds": builds})
}

func (s *Server) handleGetBuild(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, model.Validation("build id must be an integer", err))
		return
	}
	b, err := s.store.GetBuild(id)
	if err != nil {
		respondError(c, err)
		return
	}
	if b == nil {
		respondError(c, model.NotFound("build not found", nil).WithDetail("build_id", id))
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) handleListArtifacts(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, model.Validation("build id must be an integer", err))
		return
	}
	artifacts, err := s.store.ArtifactsByBuild(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": artifacts})
}

// --- flash ---

func (s *Server) handleFlash(c *gin.Context) {
	var req flash.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, model.Validation("decode flash request", err))
		return
	}
	rec, err := s.flasher.Flash(req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleListFlashes(c *gin.Context) {
	if artifactID := c.Query("artifact_id"); artifactID != "" {
		flashes, err := s.store.FlashesByArtifact(artifactID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"flashes": flashes})
		return
	}
	status := model.FlashStatus(c.DefaultQuery("status", string(model.FlashSucceeded)))
	flashes, err := s.store.FlashesByStatus(status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flashes": flashes})
}

func (s *Server) handleGetFlash(c *gin.Context) {
	f, err := s.store.GetFlash(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if f == nil {
		respondError(c, model.NotFound("flash record not found", nil).WithDetail("flash_id", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, f)
}

// --- stats and health ---

func (s *Server) handleStatsPerDay(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil {
		respondError(c, model.Validation("days query parameter must be an integer", err))
		return
	}
	stats, serr := s.store.StatsPerDay(days)
	if serr != nil {
		respondError(c, serr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (s *Server) handleStatsByRelease(c *gin.Context) {
	weeks, err := strconv.Atoi(c.DefaultQuery("weeks", "8"))
	if err != nil {
		respondError(c, model.Validation("weeks query parameter must be an integer", err))
		return
	}
	stats, serr := s.store.StatsByRelease(weeks)
	if serr != nil {
		respondError(c, serr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
