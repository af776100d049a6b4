package toolchain

import (
	"archive/tar"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aparcar/firmwareforge/internal/model"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

// extractArchive extracts src into dest, dispatching on filename suffix.
// Every entry is rejected with a security error if it contains a ".."
// component, names an absolute path, or (for symlinks) would resolve
// outside dest (spec §4.3).
func extractArchive(src, dest string) error {
	switch {
	case strings.HasSuffix(src, ".zip"):
		return extractZip(src, dest)
	case strings.HasSuffix(src, ".tar"),
		strings.HasSuffix(src, ".tar.gz"), strings.HasSuffix(src, ".tgz"),
		strings.HasSuffix(src, ".tar.bz2"),
		strings.HasSuffix(src, ".tar.xz"),
		strings.HasSuffix(src, ".tar.zst"):
		return extractTar(src, dest)
	default:
		return model.NewError(model.CodeDownloadFailed, fmt.Sprintf("unsupported archive format: %s", src), nil)
	}
}

// safeJoin joins dest with name, rejecting ".." components and absolute
// paths before the join and re-verifying the result stays under dest —
// the same two-sided check the teacher's zip extractor uses against Zip
// Slip, generalized here to also cover tar entries.
func safeJoin(dest, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", model.Security("archive entry has an absolute path", nil).WithDetail("entry", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", model.Security("archive entry contains a .. component", nil).WithDetail("entry", name)
		}
	}
	cleanDest, err := filepath.Abs(dest)
	if err != nil {
		return "", err
	}
	target := filepath.Join(cleanDest, name)
	if target != cleanDest && !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
		return "", model.Security("archive entry escapes extraction root", nil).WithDetail("entry", name)
	}
	return target, nil
}

func extractZip(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return model.NewError(model.CodeDownloadFailed, "open zip archive", err)
	}
	defer r.Close()

	for _, f := range r.File {
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
			continue
		}
		if err := extractZipFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractZipFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent directory for %s: %w", target, err)
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	defer out.Close()

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return nil
}

func extractTar(src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return model.NewError(model.CodeDownloadFailed, "open tar archive", err)
	}
	defer f.Close()

	var r io.Reader = f
	switch {
	case strings.HasSuffix(src, ".tar.gz"), strings.HasSuffix(src, ".tgz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return model.NewError(model.CodeDownloadFailed, "open gzip stream", err)
		}
		defer gz.Close()
		r = gz
	case strings.HasSuffix(src, ".tar.bz2"):
		r = bzip2.NewReader(f)
	case strings.HasSuffix(src, ".tar.xz"):
		xzr, err := xz.NewReader(f)
		if err != nil {
			return model.NewError(model.CodeDownloadFailed, "open xz stream", err)
		}
		r = xzr
	case strings.HasSuffix(src, ".tar.zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return model.NewError(model.CodeDownloadFailed, "open zstd stream", err)
		}
		defer zr.Close()
		r = zr
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return model.NewError(model.CodeDownloadFailed, "read tar header", err)
		}
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			if _, err := io.Copy(io.Discard, tr); err != nil {
				return fmt.Errorf("skip extended header: %w", err)
			}
			continue
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := extractTarFile(tr, target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeSymlink:
			linkTarget, err := safeSymlinkTarget(dest, target, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent directory for %s: %w", target, err)
			}
			_ = os.Remove(target)
			if err := os.Symlink(linkTarget, target); err != nil {
				return fmt.Errorf("create symlink %s: %w", target, err)
			}
		default:
			// Device nodes, FIFOs, hardlinks: not meaningful inside an
			// extraction root used only to run a build; skip silently.
		}
	}
	return nil
}

func extractTarFile(tr *tar.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent directory for %s: %w", target, err)
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, tr); err != nil {
		return fmt.Errorf("extract %s: %w", target, err)
	}
	return nil
}

// safeSymlinkTarget rejects a tar symlink whose resolved target escapes
// dest, per spec §4.3's "symlinks escaping the extraction root" case.
func safeSymlinkTarget(dest, linkPath, linkName string) (string, error) {
	var resolved string
	if filepath.IsAbs(linkName) {
		resolved = linkName
	} else {
		resolved = filepath.Join(filepath.Dir(linkPath), linkName)
	}
	cleanDest, err := filepath.Abs(dest)
	if err != nil {
		return "", err
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return "", err
	}
	if resolved != cleanDest && !strings.HasPrefix(resolved, cleanDest+string(os.PathSeparator)) {
		return "", model.Security("symlink target escapes extraction root", nil).WithDetail("link", linkName)
	}
	return linkName, nil
}
