// Package flash implements the Flash Engine (C5): writing a specific
// artifact to an explicit whole-device path with verification.
package flash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/aparcar/firmwareforge/internal/keyedlock"
	"github.com/aparcar/firmwareforge/internal/model"
	"github.com/aparcar/firmwareforge/internal/store"
	"golang.org/x/sys/unix"
)

// openDirectOrPlain opens path with O_DIRECT to bypass the page cache for
// verification reads (spec §4.5: "caches bypassed"), falling back to a
// plain read-only open on kernels/filesystems that reject it.
func openDirectOrPlain(path string) (*os.File, error) {
	if f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_DIRECT, 0); err == nil {
		return f, nil
	}
	return os.OpenFile(path, os.O_RDONLY, 0)
}

const minWipeBytes = 8 * 1024 * 1024

// Config carries the flash engine's timing and chunking knobs.
type Config struct {
	ChunkBytes int
	Timeout    time.Duration
}

// Engine is the Flash Engine (C5).
type Engine struct {
	store *store.Store
	cfg   Config
	locks keyedlock.Map
}

// New constructs an Engine backed by st.
func New(st *store.Store, cfg Config) *Engine {
	if cfg.ChunkBytes < 4*1024*1024 {
		cfg.ChunkBytes = 4 * 1024 * 1024
	}
	return &Engine{store: st, cfg: cfg}
}

// Request is the input to Flash (spec §4.5's "flash(source, device_path, ...)").
type Request struct {
	SourcePath string `json:"source_path"` // resolved image file path
	ArtifactID string `json:"artifact_id,omitempty"` // optional; when set, source metadata is checked against it
	DevicePath string `json:"device_path"`
	VerifyMode model.VerifyMode `json:"verify_mode,omitempty"`
	Wipe       bool             `json:"wipe,omitempty"`
	// SignatureRegion overrides the wiped prefix size when larger than the
	// 8 MiB floor (spec §4.5 step 1: "whichever is larger"). Zero selects
	// the 1 MiB default used when the caller has no device-specific value.
	SignatureRegion int64 `json:"signature_region,omitempty"`
	DryRun          bool  `json:"dry_run,omitempty"`
	Force           bool  `json:"force,omitempty"`
}

// Flash writes Request.SourcePath to Request.DevicePath, following the
// ordered preconditions, write protocol, and verification of spec §4.5.
func (e *Engine) Flash(req Request) (*model.FlashRecord, error) {
	// Within one device path, at most one flash runs at a time (spec §5):
	// concurrent requests against the same device_path serialize here rather
	// than interleaving writes/verify reads against the same block device.
	unlock := e.locks.Lock(req.DevicePath)
	defer unlock()

	rec := &model.FlashRecord{
		ArtifactID:  req.ArtifactID,
		DevicePath:  req.DevicePath,
		DeviceModel: deviceModel(req.DevicePath),
		DeviceSerial: deviceSerial(req.DevicePath),
		VerifyMode:  req.VerifyMode,
		DryRun:      req.DryRun,
	}
	if rec.VerifyMode == "" {
		rec.VerifyMode = model.ModeFull
	}
	if _, err := e.store.CreateFlash(rec); err != nil {
		return nil, fmt.Errorf("create flash record: %w", err)
	}

	if err := e.preflight(req); err != nil {
		return e.failFlash(rec, err)
	}

	if req.DryRun {
		finishedAt := time.Now().UTC()
		if err := e.store.CompleteFlash(rec.ID, finishedAt, model.FlashSucceeded, 0, model.VerifySkipped, false, nil); err != nil {
			return nil, fmt.Errorf("complete dry-run flash: %w", err)
		}
		rec.Status = model.FlashSucceeded
		rec.BytesWritten = 0
		rec.VerificationResult = model.VerifySkipped
		rec.FinishedAt = &finishedAt
		return rec, nil
	}

	startedAt := time.Now().UTC()
	if err := e.store.TransitionFlashRunning(rec.ID, startedAt); err != nil {
		return nil, fmt.Errorf("transition flash running: %w", err)
	}
	rec.Status = model.FlashRunning
	rec.StartedAt = &startedAt

	sourceHash, bytesWritten, err := e.write(req)
	if err != nil {
		return e.failFlash(rec, err)
	}
	rec.BytesWritten = bytesWritten
	rec.WipedBeforeFlash = req.Wipe

	verifyResult, suspect, err := e.verify(req, sourceHash)
	if err != nil {
		return e.failFlash(rec, err)
	}

	finishedAt := time.Now().UTC()
	status := model.FlashSucceeded
	if verifyResult == model.VerifyMismatch {
		status = model.FlashFailed
	}
	var finalErr *model.Error
	if status == model.FlashFailed {
		finalErr = model.NewError(model.CodeFlashHashMismatch, "verification read-back did not match source hash", nil)
	}
	if err := e.store.CompleteFlash(rec.ID, finishedAt, status, bytesWritten, verifyResult, suspect, finalErr); err != nil {
		return nil, fmt.Errorf("complete flash: %w", err)
	}
	rec.Status = status
	rec.VerificationResult = verifyResult
	rec.Suspect = suspect
	rec.FinishedAt = &finishedAt
	rec.Error = finalErr
	if finalErr != nil {
		return rec, finalErr
	}
	return rec, nil
}

func (e *Engine) failFlash(rec *model.FlashRecord, cause error) (*model.FlashRecord, error) {
	merr, ok := cause.(*model.Error)
	if !ok {
		merr = model.NewError(model.CodeValidation, cause.Error(), cause)
	}
	finishedAt := time.Now().UTC()
	if err := e.store.CompleteFlash(rec.ID, finishedAt, model.FlashFailed, rec.BytesWritten, model.VerifySkipped, false, merr); err != nil {
		return nil, fmt.Errorf("record flash failure: %w", err)
	}
	rec.Status = model.FlashFailed
	rec.FinishedAt = &finishedAt
	rec.Error = merr
	return rec, merr
}

// preflight checks all preconditions of spec §4.5 in order.
func (e *Engine) preflight(req Request) error {
	whole, err := isWholeDevice(req.DevicePath)
	if err != nil {
		return model.NewError(model.CodeValidation, "device_path is not a usable block device", err)
	}
	if !whole {
		return model.Precondition("device_path refers to a partition, not a whole device", nil).WithDetail("device_path", req.DevicePath)
	}

	isRoot, err := isSystemRootDevice(req.DevicePath)
	if err != nil {
		return model.Precondition("could not determine whether device_path is the system root device", err)
	}
	if isRoot {
		return model.Precondition("device_path appears to be the system root device", nil).WithDetail("device_path", req.DevicePath)
	}

	if !req.Force && !req.DryRun {
		return model.Precondition("force=true is required for a non-dry-run flash", nil)
	}

	info, err := os.Stat(req.SourcePath)
	if err != nil {
		return model.NewError(model.CodeValidation, "source image does not exist", err)
	}

	if req.ArtifactID != "" {
		artifact, err := e.store.GetArtifact(req.ArtifactID)
		if err != nil {
			return fmt.Errorf("lookup artifact: %w", err)
		}
		if artifact == nil {
			return model.NotFound("artifact not found", nil).WithDetail("artifact_id", req.ArtifactID)
		}
		if artifact.SizeBytes != info.Size() {
			return model.Precondition("source image size does not match stored artifact metadata", nil).
				WithDetail("expected_size", artifact.SizeBytes).WithDetail("actual_size", info.Size())
		}
		sum, err := sha256File(req.SourcePath)
		if err != nil {
			return model.NewError(model.CodeValidation, "hash source image", err)
		}
		if sum != artifact.SHA256 {
			return model.Precondition("source image hash does not match stored artifact metadata", nil).
				WithDetail("expected_sha256", artifact.SHA256).WithDetail("actual_sha256", sum)
		}
	}
	return nil
}

// write implements the write protocol of spec §4.5 steps 1-3, returning the
// source's SHA-256 (recomputed here, used again by verify) and the number of
// bytes actually streamed.
func (e *Engine) write(req Request) (sourceHash string, bytesWritten int64, err error) {
	src, err := os.Open(req.SourcePath)
	if err != nil {
		return "", 0, model.NewError(model.CodeValidation, "open source image", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(req.DevicePath, os.O_WRONLY|os.O_SYNC, 0)
	if err != nil {
		return "", 0, model.NewError(model.CodeValidation, "open device for writing", err)
	}
	defer dst.Close()

	if req.Wipe {
		declared := req.SignatureRegion
		if declared <= 0 {
			declared = 1024 * 1024
		}
		wipeSize := int64(minWipeBytes)
		if declared > wipeSize {
			wipeSize = declared
		}
		if err := wipeSignatureRegion(dst, wipeSize); err != nil {
			return "", 0, model.NewError(model.CodeValidation, "wipe signature region", err)
		}
	}

	hasher := sha256.New()
	tee := io.TeeReader(src, hasher)
	chunk := make([]byte, e.cfg.ChunkBytes)

	for {
		n, readErr := tee.Read(chunk)
		if n > 0 {
			written, writeErr := dst.Write(chunk[:n])
			bytesWritten += int64(written)
			if writeErr != nil {
				return "", bytesWritten, model.NewError(model.CodeValidation, "write chunk to device", writeErr)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", bytesWritten, model.NewError(model.CodeValidation, "read source image", readErr)
		}
	}

	// Two distinct flushes: a process-level fsync of this file descriptor,
	// then a device-level cache flush so a read-back from another handle
	// (verify reopens the device) does not see stale page-cache content.
	if err := dst.Sync(); err != nil {
		return "", bytesWritten, model.NewError(model.CodeValidation, "flush device", err)
	}
	if err := flushDeviceCache(dst); err != nil {
		return "", bytesWritten, model.NewError(model.CodeValidation, "flush device buffer cache", err)
	}
	unix.Sync()

	return hex.EncodeToString(hasher.Sum(nil)), bytesWritten, nil
}

// wipeSignatureRegion zeroes the first size bytes of dst, rewinds it to
// offset 0, and syncs it (spec §4.5 step 1). The caller chooses size: write
// passes the larger of minWipeBytes and the declared signature region.
func wipeSignatureRegion(dst *os.File, size int64) error {
	zero := make([]byte, 1024*1024)
	var written int64
	for written < size {
		n := int64(len(zero))
		if size-written < n {
			n = size - written
		}
		w, err := dst.Write(zero[:n])
		if err != nil {
			return err
		}
		written += int64(w)
	}
	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return dst.Sync()
}

// verify reopens the device with caches bypassed and compares a read-back
// hash to sourceHash (spec §4.5 "Verification").
func (e *Engine) verify(req Request, sourceHash string) (model.VerificationResult, bool, error) {
	f, err := openDirectOrPlain(req.DevicePath)
	if err != nil {
		return model.VerifySkipped, false, model.NewError(model.CodeValidation, "reopen device for verification", err)
	}
	defer f.Close()

	readLen, err := verifyReadLength(req)
	if err != nil {
		return model.VerifySkipped, false, err
	}

	hasher := sha256.New()
	if _, err := io.CopyN(hasher, f, readLen); err != nil && err != io.EOF {
		return model.VerifySkipped, false, model.NewError(model.CodeValidation, "read back device for verification", err)
	}
	actual := hex.EncodeToString(hasher.Sum(nil))

	if req.VerifyMode != model.ModeFull {
		// prefix-N verification recomputes the source hash over the same
		// prefix length rather than the whole file.
		prefixHash, err := sha256Prefix(req.SourcePath, readLen)
		if err != nil {
			return model.VerifySkipped, false, model.NewError(model.CodeValidation, "hash source prefix", err)
		}
		if actual != prefixHash {
			return model.VerifyMismatch, true, nil
		}
		return model.VerifyMatch, false, nil
	}

	if actual != sourceHash {
		return model.VerifyMismatch, true, nil
	}
	return model.VerifyMatch, false, nil
}

func verifyReadLength(req Request) (int64, error) {
	if req.VerifyMode == model.ModeFull {
		info, err := os.Stat(req.SourcePath)
		if err != nil {
			return 0, model.NewError(model.CodeValidation, "stat source image", err)
		}
		return info.Size(), nil
	}
	var n int64
	if _, err := fmt.Sscanf(string(req.VerifyMode), "prefix-%d", &n); err != nil {
		return 0, model.Validation("malformed verify_mode", err).WithDetail("verify_mode", string(req.VerifyMode))
	}
	return n, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sha256Prefix(path string, n int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.CopyN(h, f, n); err != nil && err != io.EOF {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
