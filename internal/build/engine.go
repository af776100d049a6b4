// Package build implements the Build Engine (C4): build_or_reuse over a
// single profile with deterministic cache-aware semantics, and build_batch
// over a selection of profiles.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aparcar/firmwareforge/internal/canon"
	"github.com/aparcar/firmwareforge/internal/keyedlock"
	"github.com/aparcar/firmwareforge/internal/model"
	"github.com/aparcar/firmwareforge/internal/overlay"
	"github.com/aparcar/firmwareforge/internal/store"
	"github.com/aparcar/firmwareforge/internal/toolchain"
)

// Config carries the build engine's file-system roots and timing knobs.
type Config struct {
	WorkRoot      string
	ArtifactsRoot string
	BuildTimeout  time.Duration
	KillGrace     time.Duration
	KeepBuildDir  bool
}

// Options are the per-call overrides of spec §4.4.
type Options struct {
	ExtraAdditivePackages    []string
	ExtraSubtractivePackages []string
	ImageNameSuffix          string
	BinDirOverride           string
	ForceRebuild             bool
	Initramfs                bool
	// DiffDefaultPackages, when true, runs `make info` against the
	// toolchain first and emits only the symmetric difference between the
	// effective package list and the profile's own default package set,
	// mirroring upstream sysupgrade's package-diffing behavior.
	DiffDefaultPackages bool
}

// Engine is the Build Engine (C4).
type Engine struct {
	store      *store.Store
	toolchains *toolchain.Cache
	cfg        Config
	locks      keyedlock.Map
}

// New constructs an Engine over st and tc.
func New(st *store.Store, tc *toolchain.Cache, cfg Config) *Engine {
	return &Engine{store: st, toolchains: tc, cfg: cfg}
}

// BuildOrReuse implements spec §4.4's algorithm end to end.
func (e *Engine) BuildOrReuse(ctx context.Context, profileRef string, opts Options) (*model.BuildRecord, error) {
	profile, err := e.store.GetProfile(profileRef)
	if err != nil {
		return nil, fmt.Errorf("lookup profile: %w", err)
	}
	if profile == nil {
		return nil, model.NotFound("profile not found", nil).WithDetail("profile_id", profileRef)
	}

	inst, err := e.toolchains.Ensure(ctx, model.ToolchainKey{
		Release: profile.Release, Target: profile.Target, Subtarget: profile.Subtarget,
	})
	if err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp(e.cfg.WorkRoot, "build-*")
	if err != nil {
		return nil, model.NewError(model.CodeBuildFailed, "create work directory", err)
	}
	cleanupWorkDir := func() {
		if !e.cfg.KeepBuildDir {
			_ = os.RemoveAll(workDir)
		}
	}

	staged, err := overlay.Stage(profile, workDir)
	if err != nil {
		cleanupWorkDir()
		return nil, err
	}

	effective := effectivePackages(profile, opts)
	if opts.DiffDefaultPackages {
		defaults, err := e.defaultPackages(ctx, inst, profile)
		if err != nil {
			cleanupWorkDir()
			return nil, err
		}
		effective = diffPackages(effective, defaults)
	}
	snapshot := canonicalSnapshot(profile, inst, staged.Tree, effective, opts)
	canonical, cacheKey, err := canon.Hash(snapshot)
	if err != nil {
		cleanupWorkDir()
		return nil, model.Validation("compose canonical snapshot", err)
	}

	unlock := e.locks.Lock(cacheKey)
	defer unlock()

	if !opts.ForceRebuild {
		if prior, err := e.store.LatestSucceededByCacheKey(cacheKey); err != nil {
			cleanupWorkDir()
			return nil, fmt.Errorf("lookup cached build: %w", err)
		} else if prior != nil {
			cleanupWorkDir()
			prior.CacheHit = true
			return prior, nil
		}
	}

	rec := &model.BuildRecord{
		ProfileID:           profile.ID,
		ProfileSnapshotHash: cacheKey,
		ToolchainID:         inst.ID,
		CanonicalSnapshot:   canonical,
		CacheKey:            cacheKey,
		WorkDir:             workDir,
		LogPath:             filepath.Join(workDir, "build.log"),
	}
	if _, err := e.store.CreateBuild(rec); err != nil {
		cleanupWorkDir()
		return nil, fmt.Errorf("create build record: %w", err)
	}

	startedAt := time.Now().UTC()
	if err := e.store.TransitionBuildRunning(rec.ID, startedAt); err != nil {
		cleanupWorkDir()
		return nil, fmt.Errorf("transition build running: %w", err)
	}
	rec.Status = model.BuildRunning
	rec.StartedAt = &startedAt

	outputDir := opts.BinDirOverride
	if outputDir == "" {
		outputDir = filepath.Join(e.cfg.ArtifactsRoot, strconv.FormatInt(rec.ID, 10))
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return e.failBuild(rec, cleanupWorkDir, model.NewError(model.CodeBuildFailed, "create output directory", err))
	}

	buildErr := e.runSubprocess(ctx, rec, inst, profile, effective, staged, outputDir, opts)
	if buildErr != nil {
		return e.failBuild(rec, cleanupWorkDir, buildErr)
	}

	artifacts, err := discoverArtifacts(outputDir, rec.ID)
	if err != nil {
		return e.failBuild(rec, cleanupWorkDir, model.NewError(model.CodeValidation, "discover artifacts", err).WithDetail("kind", "artifact_missing"))
	}
	for _, a := range artifacts {
		if err := e.store.CreateArtifact(a); err != nil {
			return e.failBuild(rec, cleanupWorkDir, model.NewError(model.CodeBuildFailed, "create artifact record", err))
		}
	}

	finishedAt := time.Now().UTC()
	duration := finishedAt.Sub(startedAt)
	if err := e.store.CompleteBuildSucceeded(rec.ID, finishedAt, duration); err != nil {
		return nil, fmt.Errorf("complete build succeeded: %w", err)
	}
	rec.Status = model.BuildSucceeded
	rec.FinishedAt = &finishedAt
	rec.Duration = duration
	cleanupWorkDir()
	return rec, nil
}

// failBuild marks rec failed and removes its staging directory (spec §5:
// a failed, timed-out, or cancelled build's staging directory is removed,
// honoring cfg.KeepBuildDir via cleanupWorkDir) before returning the cause.
func (e *Engine) failBuild(rec *model.BuildRecord, cleanupWorkDir func(), cause *model.Error) (*model.BuildRecord, error) {
	finishedAt := time.Now().UTC()
	duration := time.Duration(0)
	if rec.StartedAt != nil {
		duration = finishedAt.Sub(*rec.StartedAt)
	}
	cause = cause.WithLogPath(rec.LogPath)
	cleanupWorkDir()
	if err := e.store.CompleteBuildFailed(rec.ID, finishedAt, duration, cause); err != nil {
		return nil, fmt.Errorf("complete build failed: %w", err)
	}
	rec.Status = model.BuildFailed
	rec.FinishedAt = &finishedAt
	rec.Duration = duration
	rec.Error = cause
	return rec, cause
}

// runSubprocess composes and runs the external builder invocation, capturing
// output to rec.LogPath with a bounded in-memory tail and enforcing the
// configured timeout with SIGTERM-then-SIGKILL escalation (spec §4.4 step 7).
func (e *Engine) runSubprocess(ctx context.Context, rec *model.BuildRecord, inst *model.ToolchainInstance, profile *model.Profile, effective []string, staged *overlay.Staged, outputDir string, opts Options) *model.Error {
	args := []string{"image", fmt.Sprintf("PROFILE=%s", profile.BuilderProfileName)}
	if len(effective) > 0 {
		args = append(args, fmt.Sprintf("PACKAGES=%s", strings.Join(effective, " ")))
	}
	args = append(args, fmt.Sprintf("FILES=%s", staged.Path))
	args = append(args, fmt.Sprintf("BIN_DIR=%s", outputDir))
	if opts.ImageNameSuffix != "" {
		args = append(args, fmt.Sprintf("EXTRA_IMAGE_NAME=%s", opts.ImageNameSuffix))
	}
	if len(profile.ImageBuilder.DisabledServices) > 0 {
		args = append(args, fmt.Sprintf("DISABLED_SERVICES=%s", strings.Join(profile.ImageBuilder.DisabledServices, " ")))
	}
	if profile.ImageBuilder.RootfsPartSizeMB > 0 {
		args = append(args, fmt.Sprintf("ROOTFS_PARTSIZE=%d", profile.ImageBuilder.RootfsPartSizeMB))
	}
	if profile.ImageBuilder.EmbedLocalSigningKey {
		args = append(args, "ADD_LOCAL_KEY=1")
	}
	if opts.Initramfs || profile.BuildDefaults.Initramfs {
		args = append(args, "initramfs")
	}

	timeout := e.cfg.BuildTimeout
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "make", args...)
	cmd.Dir = inst.ExtractedRoot

	logFile, err := os.Create(rec.LogPath)
	if err != nil {
		return model.NewError(model.CodeBuildFailed, "create build log", err)
	}
	defer logFile.Close()

	tail := newTailWriter(64 * 1024)
	cmd.Stdout = io.MultiWriter(logFile, tail)
	cmd.Stderr = io.MultiWriter(logFile, tail)

	if err := cmd.Start(); err != nil {
		return model.NewError(model.CodeBuildFailed, "start build subprocess", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		if runCtx.Err() != nil {
			return runContextErr(runCtx, tail)
		}
		var exitErr *exec.ExitError
		exitCode := -1
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return model.NewError(model.CodeBuildFailed, "build subprocess exited nonzero", err).
			WithDetail("exit_code", exitCode).WithDetail("tail", tail.String())
	case <-runCtx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(e.cfg.KillGrace):
			_ = cmd.Process.Kill()
			<-done
		}
		return runContextErr(runCtx, tail)
	}
}

// runContextErr classifies why runCtx ended: a deadline set by
// cfg.BuildTimeout reports build_timeout, while any other cancellation (the
// caller's outer ctx, e.g. a SIGTERM/SIGINT-derived context) reports
// cancelled per spec §7's closed error taxonomy.
func runContextErr(runCtx context.Context, tail *tailWriter) *model.Error {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return model.NewError(model.CodeBuildTimeout, "build exceeded configured timeout", runCtx.Err()).
			WithDetail("tail", tail.String())
	}
	return model.NewError(model.CodeCancelled, "build cancelled", runCtx.Err()).
		WithDetail("tail", tail.String())
}

// effectivePackages composes the declared plus option additive packages
// (deduplicated, first occurrence wins) followed by subtractive tokens
// prefixed with "-" (spec §4.4 step 3).
func effectivePackages(profile *model.Profile, opts Options) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range append(append([]string{}, profile.AdditivePackages...), opts.ExtraAdditivePackages...) {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	for _, p := range append(append([]string{}, profile.SubtractivePackages...), opts.ExtraSubtractivePackages...) {
		if p == "" {
			continue
		}
		token := "-" + p
		if seen[token] {
			continue
		}
		seen[token] = true
		out = append(out, token)
	}
	return out
}

func canonicalSnapshot(profile *model.Profile, inst *model.ToolchainInstance, overlayTreeHash string, effective []string, opts Options) canon.Map {
	overlays := canon.List{}
	for _, ov := range profile.Overlays {
		overlays = append(overlays, canon.Map{
			"source": ov.Source,
			"dest":   ov.Dest,
			"mode":   ov.Mode,
			"owner":  ov.Owner,
		})
	}

	profileSnapshot := canon.Map{
		"profile_id":           profile.ID,
		"name":                 profile.Name,
		"description":          profile.Description,
		"device_label":         profile.DeviceLabel,
		"tags":                 canon.Set(profile.Tags),
		"release":              profile.Release,
		"target":               profile.Target,
		"subtarget":            profile.Subtarget,
		"builder_profile_name": profile.BuilderProfileName,
		"additive_packages":    canon.List(toAny(profile.AdditivePackages)),
		"subtractive_packages": canon.List(toAny(profile.SubtractivePackages)),
		"overlays":             overlays,
		"overlay_dir":          profile.OverlayDir,
		"policy": canon.Map{
			"filesystem_preference":  profile.Policy.FilesystemPreference,
			"include_kernel_symbols": profile.Policy.IncludeKernelSymbols,
			"strip_debug":            profile.Policy.StripDebug,
			"auto_resize_rootfs":     profile.Policy.AutoResizeRootfs,
			"allow_snapshot":         profile.Policy.AllowSnapshot,
		},
		"build_defaults": canon.Map{
			"rebuild_if_cached": profile.BuildDefaults.RebuildIfCached,
			"initramfs":         profile.BuildDefaults.Initramfs,
			"keep_build_dir":    profile.BuildDefaults.KeepBuildDir,
		},
	}

	imageBuilderOptions := canon.Map{
		"output_dir":              profile.ImageBuilder.OutputDir,
		"extra_image_name":        profile.ImageBuilder.ExtraImageName,
		"disabled_services":       canon.Set(profile.ImageBuilder.DisabledServices),
		"rootfs_partsize_mb":      profile.ImageBuilder.RootfsPartSizeMB,
		"embed_local_signing_key": profile.ImageBuilder.EmbedLocalSigningKey,
	}

	snapshot := canon.Map{
		"schema_version":                canon.SchemaVersion,
		"profile_snapshot":              profileSnapshot,
		"toolchain_archive_hash":        inst.ArchiveHash,
		"effective_packages":            canon.List(toAny(effective)),
		"overlay_tree_hash":             overlayTreeHash,
		"image_builder_options":         imageBuilderOptions,
		"option_image_name_suffix":      opts.ImageNameSuffix,
		"option_initramfs":              opts.Initramfs,
		"option_diff_default_packages":  opts.DiffDefaultPackages,
	}
	if opts.BinDirOverride != "" {
		snapshot["option_bin_dir"] = opts.BinDirOverride
	}
	return snapshot
}

// defaultPackages runs `make info` in the toolchain's extracted root and
// parses out the default package set the image builder would select for
// profile.BuilderProfileName absent any PACKAGES= override (the "diff
// default packages" build option).
func (e *Engine) defaultPackages(ctx context.Context, inst *model.ToolchainInstance, profile *model.Profile) ([]string, error) {
	cmd := exec.CommandContext(ctx, "make", "info")
	cmd.Dir = inst.ExtractedRoot
	out, err := cmd.Output()
	if err != nil {
		return nil, model.NewError(model.CodeBuildFailed, "run make info", err)
	}
	defaults, err := parseDefaultPackages(string(out), profile.BuilderProfileName)
	if err != nil {
		return nil, err
	}
	return defaults, nil
}

// parseDefaultPackages scans `make info` output for the target-wide
// "Default Packages:" line and the named profile's own "Packages:" line,
// and returns their union: the full default package set for that profile.
func parseDefaultPackages(output, builderProfileName string) ([]string, error) {
	var targetDefaults []string
	var profileExtras []string
	inProfile := false

	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "Default Packages:"):
			targetDefaults = strings.Fields(strings.TrimPrefix(trimmed, "Default Packages:"))
		case strings.HasPrefix(trimmed, builderProfileName+":"):
			inProfile = true
		case inProfile && strings.HasPrefix(trimmed, "Packages:"):
			profileExtras = strings.Fields(strings.TrimPrefix(trimmed, "Packages:"))
			inProfile = false
		case inProfile && trimmed == "":
			inProfile = false
		}
	}

	if targetDefaults == nil && profileExtras == nil {
		return nil, model.NewError(model.CodeBuildFailed, "default packages not found in make info output", nil).
			WithDetail("builder_profile_name", builderProfileName)
	}
	return mergeUnique(targetDefaults, profileExtras), nil
}

func mergeUnique(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, p := range list {
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// diffPackages reduces effective (an additive/subtractive-prefixed package
// list) to its symmetric difference against the image builder's own default
// set: packages already in defaults are dropped from the additive side, and
// any default not present in effective is emitted as an explicit
// subtraction. Explicit subtractions in effective are always kept. The
// result is sorted for determinism, since the diff is semantically a set,
// not an order-sensitive sequence.
func diffPackages(effective, defaults []string) []string {
	defaultSet := make(map[string]bool, len(defaults))
	for _, p := range defaults {
		defaultSet[p] = true
	}
	additive := make(map[string]bool)
	for _, p := range effective {
		if !strings.HasPrefix(p, "-") {
			additive[p] = true
		}
	}

	seen := make(map[string]bool)
	var out []string
	for _, p := range effective {
		if strings.HasPrefix(p, "-") {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
			continue
		}
		if defaultSet[p] {
			continue
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, d := range defaults {
		if additive[d] {
			continue
		}
		token := "-" + d
		if !seen[token] {
			seen[token] = true
			out = append(out, token)
		}
	}

	sort.Strings(out)
	return out
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
