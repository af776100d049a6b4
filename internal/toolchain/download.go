package toolchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// downloadFile fetches url into destPath, coordinating with any other
// process downloading to the same destination via a sibling .lock file
// (flock-guarded, same pattern as the upstream toolchain fetcher this
// package is derived from). It tries curl, then wget, then falls back to
// the native Go HTTP client.
func downloadFile(ctx context.Context, url, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	lockPath := destPath + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("create lock file: %w", err)
	}
	defer lockFile.Close()

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("acquire download lock: %w", err)
	}
	defer unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)

	if _, err := os.Stat(destPath); err == nil {
		// Another process finished the download while we waited for the lock.
		_ = os.Remove(lockPath)
		return nil
	}

	if err := downloadWithCurl(ctx, url, destPath); err == nil {
		_ = os.Remove(lockPath)
		return nil
	}
	if err := downloadWithWget(ctx, url, destPath); err == nil {
		_ = os.Remove(lockPath)
		return nil
	}
	if err := downloadNative(ctx, url, destPath); err != nil {
		return err
	}
	_ = os.Remove(lockPath)
	return nil
}

func downloadWithCurl(ctx context.Context, url, destPath string) error {
	if _, err := exec.LookPath("curl"); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "curl", "-L", "--fail", "-sS", "-o", destPath, url)
	return cmd.Run()
}

func downloadWithWget(ctx context.Context, url, destPath string) error {
	if _, err := exec.LookPath("wget"); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "wget", "-q", "-O", destPath, url)
	return cmd.Run()
}

func downloadNative(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status %s", resp.Status)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("write destination file: %w", err)
	}
	return nil
}

// fetchExpectedHash resolves the published content hash for url by reading
// the upstream sha256sums manifest conventionally placed alongside release
// artifacts. A manifest that cannot be fetched is treated as "no published
// hash available" rather than an error: archives that genuinely have no
// sidecar checksum still download, just without signature verification.
func fetchExpectedHash(ctx context.Context, url string) (string, error) {
	manifestURL := url[:strings.LastIndex(url, "/")+1] + "sha256sums"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return "", nil
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil
	}

	base := filepath.Base(url)
	for _, line := range strings.Split(string(body), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if strings.TrimPrefix(fields[1], "*") == base {
			return fields[0], nil
		}
	}
	return "", nil
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
