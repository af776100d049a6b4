package overlay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aparcar/firmwareforge/internal/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestStageAppliesOverlayDirAndFileOverlaysInOrder(t *testing.T) {
	dir := t.TempDir()

	overlayDir := filepath.Join(dir, "overlay")
	writeFile(t, filepath.Join(overlayDir, "etc", "config", "network"), "base\n")

	laterSource := filepath.Join(dir, "later.txt")
	writeFile(t, laterSource, "later\n")

	workDir := filepath.Join(dir, "work")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatal(err)
	}

	profile := &model.Profile{
		OverlayDir: overlayDir,
		Overlays: []model.FileOverlay{
			{Source: laterSource, Dest: "/etc/config/network"},
		},
	}

	staged, err := Stage(profile, workDir)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(staged.Path, "etc", "config", "network"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "later\n" {
		t.Fatalf("expected the later per-file overlay to win, got %q", got)
	}
}

func TestStageRejectsSymlinkEscapingOverlayRoot(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(dir, "outside.txt")
	writeFile(t, outside, "secret\n")

	overlayDir := filepath.Join(dir, "overlay")
	if err := os.MkdirAll(overlayDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(overlayDir, "escape")); err != nil {
		t.Skipf("symlinks unavailable in this environment: %v", err)
	}

	workDir := filepath.Join(dir, "work")
	os.MkdirAll(workDir, 0o755)

	profile := &model.Profile{OverlayDir: overlayDir}
	_, err := Stage(profile, workDir)
	if err == nil {
		t.Fatal("expected an error for a symlink escaping the overlay root")
	}
}

func TestStageTreeHashStableUnderOverlayDirRename(t *testing.T) {
	dir := t.TempDir()

	mk := func(overlayName string) string {
		overlayDir := filepath.Join(dir, overlayName)
		writeFile(t, filepath.Join(overlayDir, "etc", "motd"), "hello\n")
		workDir := filepath.Join(dir, overlayName+"-work")
		os.MkdirAll(workDir, 0o755)
		profile := &model.Profile{OverlayDir: overlayDir}
		staged, err := Stage(profile, workDir)
		if err != nil {
			t.Fatal(err)
		}
		return staged.Tree
	}

	h1 := mk("overlay-a")
	h2 := mk("overlay-b")
	if h1 != h2 {
		t.Fatalf("tree hash should not depend on the source overlay directory's name: %s != %s", h1, h2)
	}
}

func TestApplyFileOverlayRejectsRelativeDest(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "f.txt")
	writeFile(t, src, "x")
	workDir := filepath.Join(dir, "work")
	os.MkdirAll(workDir, 0o755)

	profile := &model.Profile{
		Overlays: []model.FileOverlay{{Source: src, Dest: "relative/path"}},
	}
	_, err := Stage(profile, workDir)
	if err == nil {
		t.Fatal("expected an error for a non-absolute overlay destination")
	}
}

func TestApplyFileOverlayParsesOctalMode(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "f.sh")
	writeFile(t, src, "#!/bin/sh\n")
	workDir := filepath.Join(dir, "work")
	os.MkdirAll(workDir, 0o755)

	profile := &model.Profile{
		Overlays: []model.FileOverlay{{Source: src, Dest: "/usr/bin/f.sh", Mode: "0755"}},
	}
	staged, err := Stage(profile, workDir)
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(staged.Path, "usr", "bin", "f.sh"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Fatalf("expected mode 0755, got %o", info.Mode().Perm())
	}
}
