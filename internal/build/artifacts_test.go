package build

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aparcar/firmwareforge/internal/model"
)

func TestClassifyArtifactBySubstring(t *testing.T) {
	cases := map[string]model.ArtifactKind{
		"openwrt-23.05.3-ramips-mt7621-glinet_gl-mt3000-squashfs-sysupgrade.bin": model.ArtifactSysupgrade,
		"openwrt-23.05.3-ramips-mt7621-glinet_gl-mt3000-squashfs-factory.bin":   model.ArtifactFactory,
		"manifest":                  model.ArtifactManifest,
		"openwrt.manifest":          model.ArtifactManifest,
		"sha256sums":                model.ArtifactOther,
	}
	for name, want := range cases {
		if got := classifyArtifact(name); got != want {
			t.Errorf("classifyArtifact(%q) = %s, want %s", name, got, want)
		}
	}
}

func TestDiscoverArtifactsWalksAndFingerprintsFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("openwrt-23.05.3-glinet_gl-mt3000-squashfs-sysupgrade.bin", "sysupgrade-bytes")
	write("openwrt.manifest", "manifest-bytes")

	artifacts, err := discoverArtifacts(dir, 42)
	if err != nil {
		t.Fatalf("discoverArtifacts: %v", err)
	}
	if len(artifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(artifacts))
	}

	byName := make(map[string]*model.Artifact)
	for _, a := range artifacts {
		byName[a.Filename] = a
		if a.BuildID != 42 {
			t.Fatalf("expected build_id 42, got %d", a.BuildID)
		}
		if a.SHA256 == "" {
			t.Fatalf("expected a non-empty sha256 for %s", a.Filename)
		}
	}
	if byName["openwrt-23.05.3-glinet_gl-mt3000-squashfs-sysupgrade.bin"].Kind != model.ArtifactSysupgrade {
		t.Fatal("expected the sysupgrade file to classify as sysupgrade")
	}
	if byName["openwrt.manifest"].Kind != model.ArtifactManifest {
		t.Fatal("expected the manifest file to classify as manifest")
	}
}

func TestDiscoverArtifactsNestedSubdirectories(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "targets", "ramips", "mt7621")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "image-factory.bin"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	artifacts, err := discoverArtifacts(dir, 1)
	if err != nil {
		t.Fatalf("discoverArtifacts: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("expected 1 artifact, got %d", len(artifacts))
	}
	if artifacts[0].RelPath != filepath.Join("targets", "ramips", "mt7621", "image-factory.bin") {
		t.Fatalf("expected rel_path to preserve the subdirectory, got %s", artifacts[0].RelPath)
	}
}
