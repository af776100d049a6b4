// Package overlay implements the Overlay Stager (spec §4.2, component C2):
// it materializes the directory tree an external image-builder run consumes
// and computes a deterministic content hash of that tree.
//
// Directory copying and symlink-escape rejection follow the
// filepath.WalkDir-based mirroring in cochaviz-bottle's
// internal/sandbox/disk_utils.go (copyDirectoryContents); the tree-hash walk
// generalizes that same traversal into a hashing pass instead of a copy pass.
package overlay

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/aparcar/firmwareforge/internal/model"
)

// Staged describes the result of a successful stage() call.
type Staged struct {
	Path string
	Tree string // hex SHA-256 over the ordered record sequence
}

// Stage materializes profile's overlay directory and file overlays into a
// fresh subdirectory of workDir, then returns its path and tree hash.
func Stage(profile *model.Profile, workDir string) (*Staged, error) {
	stagingRoot := filepath.Join(workDir, "stage")
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return nil, model.NewError(model.CodePrecondition, "create staging directory", err)
	}

	if profile.OverlayDir != "" {
		if err := copyOverlayDir(profile.OverlayDir, stagingRoot); err != nil {
			return nil, err
		}
	}

	for i, fo := range profile.Overlays {
		if err := applyFileOverlay(stagingRoot, fo); err != nil {
			return nil, model.Precondition(fmt.Sprintf("file overlay %d (%s)", i, fo.Dest), err)
		}
	}

	treeHash, err := hashTree(stagingRoot)
	if err != nil {
		return nil, model.NewError(model.CodePrecondition, "hash staged tree", err)
	}

	return &Staged{Path: stagingRoot, Tree: treeHash}, nil
}

// copyOverlayDir mirrors srcDir into dstRoot, rejecting any symlink whose
// resolved target escapes srcDir.
func copyOverlayDir(srcDir, dstRoot string) error {
	srcAbs, err := filepath.Abs(srcDir)
	if err != nil {
		return model.Precondition("resolve overlay directory", err)
	}
	info, err := os.Stat(srcAbs)
	if err != nil {
		return model.Precondition(fmt.Sprintf("overlay directory %q", srcAbs), err)
	}
	if !info.IsDir() {
		return model.Precondition(fmt.Sprintf("overlay path %q is not a directory", srcAbs), nil)
	}

	return filepath.WalkDir(srcAbs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcAbs, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dstRoot, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			resolved, err := filepath.EvalSymlinks(path)
			if err != nil {
				return model.Security(fmt.Sprintf("unresolvable symlink %q in overlay", path), err)
			}
			if !withinRoot(srcAbs, resolved) {
				return model.Security(fmt.Sprintf("symlink %q escapes overlay root", path), nil)
			}
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			return os.Symlink(linkTarget, target)
		case d.IsDir():
			if rel == "." {
				return os.MkdirAll(dstRoot, info.Mode().Perm())
			}
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode().IsRegular():
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			return copyFile(path, target, info.Mode().Perm())
		default:
			return model.Validation(fmt.Sprintf("unsupported file type in overlay: %s", path), nil)
		}
	})
}

// withinRoot reports whether resolved is root or a descendant of root.
func withinRoot(root, resolved string) bool {
	root = filepath.Clean(root)
	resolved = filepath.Clean(resolved)
	if resolved == root {
		return true
	}
	return strings.HasPrefix(resolved, root+string(os.PathSeparator))
}

func applyFileOverlay(stagingRoot string, fo model.FileOverlay) error {
	if !filepath.IsAbs(fo.Dest) {
		return fmt.Errorf("destination %q must be an absolute path inside the staged tree", fo.Dest)
	}
	target := filepath.Join(stagingRoot, fo.Dest)
	if !withinRoot(stagingRoot, target) {
		return fmt.Errorf("destination %q escapes the staging root", fo.Dest)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	perm := fs.FileMode(0o644)
	if fo.Mode != "" {
		parsed, err := strconv.ParseUint(fo.Mode, 8, 32)
		if err != nil {
			return fmt.Errorf("mode %q is not valid octal: %w", fo.Mode, err)
		}
		perm = fs.FileMode(parsed)
	}

	if err := copyFile(fo.Source, target, perm); err != nil {
		return err
	}

	if fo.Owner != "" {
		uid, gid, err := parseOwner(fo.Owner)
		if err != nil {
			return err
		}
		if err := os.Chown(target, uid, gid); err != nil {
			return fmt.Errorf("chown %q to %s: %w", target, fo.Owner, err)
		}
	}
	return nil
}

// parseOwner accepts "uid:gid" or a bare uid, applied to both uid and gid.
func parseOwner(owner string) (uid, gid int, err error) {
	parts := strings.SplitN(owner, ":", 2)
	uid64, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("owner %q: invalid uid: %w", owner, err)
	}
	if len(parts) == 1 {
		return int(uid64), int(uid64), nil
	}
	gid64, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("owner %q: invalid gid: %w", owner, err)
	}
	return int(uid64), int(gid64), nil
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// record is one entry of the tree hash sequence: relative_path, mode_bits,
// size, SHA-256(file_bytes) — or the symlink's textual target in place of a
// content hash.
type record struct {
	relPath string
	mode    uint32
	size    int64
	digest  string
}

func hashTree(root string) (string, error) {
	var records []record

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			records = append(records, record{
				relPath: rel,
				mode:    uint32(info.Mode().Perm()),
				size:    int64(len(target)),
				digest:  "symlink:" + target,
			})
		case d.IsDir():
			// directories contribute no record; their entries do.
		case info.Mode().IsRegular():
			digest, err := sha256File(path)
			if err != nil {
				return err
			}
			records = append(records, record{
				relPath: rel,
				mode:    uint32(info.Mode().Perm()),
				size:    info.Size(),
				digest:  digest,
			})
		default:
			return fmt.Errorf("unsupported file type in staged tree: %s", path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	sort.Slice(records, func(i, j int) bool { return records[i].relPath < records[j].relPath })

	h := sha256.New()
	for _, r := range records {
		fmt.Fprintf(h, "%s\x00%o\x00%d\x00%s\n", r.relPath, r.mode, r.size, r.digest)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
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
