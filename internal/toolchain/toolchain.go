// Package toolchain implements the Toolchain Cache (C3): it guarantees the
// presence of a ready external-builder instance for a (release, target,
// subtarget) key and coordinates concurrent demand for the same key.
package toolchain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aparcar/firmwareforge/internal/keyedlock"
	"github.com/aparcar/firmwareforge/internal/model"
	"github.com/aparcar/firmwareforge/internal/store"
	"github.com/google/uuid"
)

// Cache is the Toolchain Cache. It owns the on-disk archive/extraction roots
// and serializes concurrent Ensure calls for the same key.
type Cache struct {
	store       *store.Store
	cacheRoot   string
	upstreamURL string
	offline     bool

	downloadTimeout time.Duration

	locks keyedlock.Map
}

// Config carries the knobs the toolchain cache needs from the process
// configuration (spec §9: no package-level globals, everything threaded in).
type Config struct {
	CacheRoot       string
	UpstreamURL     string
	OfflineMode     bool
	DownloadTimeout time.Duration
}

// New constructs a Cache backed by store for persistence and cfg.CacheRoot
// for archive/extraction storage.
func New(st *store.Store, cfg Config) *Cache {
	return &Cache{
		store:           st,
		cacheRoot:       cfg.CacheRoot,
		upstreamURL:     cfg.UpstreamURL,
		offline:         cfg.OfflineMode,
		downloadTimeout: cfg.DownloadTimeout,
	}
}

// Ensure guarantees a ready toolchain instance for key, fetching and
// extracting it if necessary. At most one fetch per key runs across the
// process; other callers with the same key wait and observe the same result
// (spec §4.3).
func (c *Cache) Ensure(ctx context.Context, key model.ToolchainKey) (*model.ToolchainInstance, error) {
	if existing, err := c.store.GetToolchain(key.Release, key.Target, key.Subtarget); err != nil {
		return nil, fmt.Errorf("lookup toolchain: %w", err)
	} else if existing != nil && existing.State == model.ToolchainReady {
		if err := c.store.TouchToolchainLastUsed(existing.ID); err != nil {
			return nil, fmt.Errorf("touch toolchain: %w", err)
		}
		return existing, nil
	}

	if c.offline {
		return nil, model.Precondition(fmt.Sprintf("toolchain %s is not ready and offline_mode is set", key), nil)
	}

	unlock := c.locks.Lock(key.String())
	defer unlock()

	// Re-check under the lock: another goroutine may have finished the
	// fetch while we waited for it.
	existing, err := c.store.GetToolchain(key.Release, key.Target, key.Subtarget)
	if err != nil {
		return nil, fmt.Errorf("lookup toolchain: %w", err)
	}
	if existing != nil && existing.State == model.ToolchainReady {
		_ = c.store.TouchToolchainLastUsed(existing.ID)
		return existing, nil
	}

	inst := existing
	if inst == nil {
		inst = &model.ToolchainInstance{
			ID:           uuid.NewString(),
			ToolchainKey: key,
			State:        model.ToolchainPending,
		}
	}
	inst.UpstreamURL = c.resolveURL(key)
	inst.State = model.ToolchainPending
	now := time.Now().UTC()
	if inst.FirstUsedAt.IsZero() {
		inst.FirstUsedAt = now
	}
	inst.LastUsedAt = now
	if err := c.store.UpsertToolchain(inst); err != nil {
		return nil, fmt.Errorf("persist toolchain pending: %w", err)
	}

	if err := c.fetchAndExtract(ctx, inst); err != nil {
		inst.State = model.ToolchainBroken
		_ = c.store.UpsertToolchain(inst)
		return nil, err
	}

	inst.State = model.ToolchainReady
	if err := c.store.UpsertToolchain(inst); err != nil {
		return nil, fmt.Errorf("persist toolchain ready: %w", err)
	}
	return inst, nil
}

func (c *Cache) fetchAndExtract(ctx context.Context, inst *model.ToolchainInstance) error {
	dlCtx := ctx
	var cancel context.CancelFunc
	if c.downloadTimeout > 0 {
		dlCtx, cancel = context.WithTimeout(ctx, c.downloadTimeout)
		defer cancel()
	}

	archiveDir := filepath.Join(c.cacheRoot, "archives", inst.Release, inst.Target, inst.Subtarget)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return model.NewError(model.CodeDownloadFailed, "create archive directory", err)
	}
	archivePath := filepath.Join(archiveDir, filepath.Base(inst.UpstreamURL))
	inst.ArchivePath = archivePath

	expectedHash, err := fetchExpectedHash(dlCtx, inst.UpstreamURL)
	if err != nil {
		return model.NewError(model.CodeDownloadFailed, "resolve expected hash", err)
	}

	if err := downloadFile(dlCtx, inst.UpstreamURL, archivePath); err != nil {
		return model.NewError(model.CodeDownloadFailed, "download toolchain archive", err)
	}

	actualHash, err := sha256File(archivePath)
	if err != nil {
		return model.NewError(model.CodeDownloadFailed, "hash downloaded archive", err)
	}
	inst.ArchiveHash = actualHash
	if expectedHash != "" && actualHash != expectedHash {
		return model.NewError(model.CodeDownloadFailed, "archive hash mismatch", nil).
			WithDetail("expected", expectedHash).WithDetail("actual", actualHash)
	}
	inst.SignatureVerified = expectedHash != ""

	extractRoot := filepath.Join(c.cacheRoot, "extracted", inst.Release, inst.Target, inst.Subtarget)
	if err := os.RemoveAll(extractRoot); err != nil {
		return model.NewError(model.CodeDownloadFailed, "clear extraction root", err)
	}
	if err := os.MkdirAll(extractRoot, 0o755); err != nil {
		return model.NewError(model.CodeDownloadFailed, "create extraction root", err)
	}
	if err := extractArchive(archivePath, extractRoot); err != nil {
		return err // a *model.Error for unsafe entries and unreadable archives; a plain wrapped error for local filesystem failures
	}
	inst.ExtractedRoot = extractRoot
	return nil
}

func (c *Cache) resolveURL(key model.ToolchainKey) string {
	base := c.upstreamURL
	return fmt.Sprintf("%s/releases/%s/targets/%s/%s/openwrt-imagebuilder-%s-%s-%s.Linux-x86_64.tar.zst",
		base, key.Release, key.Target, key.Subtarget, key.Release, key.Target, key.Subtarget)
}

// ToolchainFilter narrows List.
type ToolchainFilter = store.ToolchainFilter

// List returns toolchains matching filter.
func (c *Cache) List(filter *ToolchainFilter) ([]*model.ToolchainInstance, error) {
	return c.store.ListToolchains(filter)
}

// Info returns the toolchain for key, or nil if it has never been recorded.
func (c *Cache) Info(key model.ToolchainKey) (*model.ToolchainInstance, error) {
	return c.store.GetToolchain(key.Release, key.Target, key.Subtarget)
}

// Prune removes toolchain instances in a terminal non-ready state and, when
// unusedOnly is set, also any instance whose last_used_at predates olderThan
// (spec §4.3). Before removing a candidate it checks the store for a
// still-pending or still-running build referencing it, and skips that
// candidate rather than deleting an extraction root a build is using.
func (c *Cache) Prune(olderThan time.Time, unusedOnly bool) ([]*model.ToolchainInstance, error) {
	all, err := c.store.ListToolchains(nil)
	if err != nil {
		return nil, fmt.Errorf("list toolchains for prune: %w", err)
	}

	var pruned []*model.ToolchainInstance
	for _, inst := range all {
		terminal := inst.State == model.ToolchainBroken || inst.State == model.ToolchainDeprecated
		stale := unusedOnly && inst.LastUsedAt.Before(olderThan)
		if !terminal && !stale {
			continue
		}

		referenced, err := c.store.HasNonTerminalBuildByToolchain(inst.ID)
		if err != nil {
			return pruned, fmt.Errorf("check non-terminal builds for %s: %w", inst.ToolchainKey, err)
		}
		if referenced {
			continue
		}

		unlock := c.locks.Lock(inst.ToolchainKey.String())
		if inst.ExtractedRoot != "" {
			if err := os.RemoveAll(inst.ExtractedRoot); err != nil {
				unlock()
				return pruned, fmt.Errorf("remove extracted root for %s: %w", inst.ToolchainKey, err)
			}
		}
		if inst.ArchivePath != "" {
			if err := os.Remove(inst.ArchivePath); err != nil && !os.IsNotExist(err) {
				unlock()
				return pruned, fmt.Errorf("remove archive for %s: %w", inst.ToolchainKey, err)
			}
		}
		if err := c.store.DeleteToolchain(inst.ID); err != nil {
			unlock()
			return pruned, fmt.Errorf("delete toolchain record for %s: %w", inst.ToolchainKey, err)
		}
		unlock()
		pruned = append(pruned, inst)
	}
	return pruned, nil
}
