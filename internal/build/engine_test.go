package build

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aparcar/firmwareforge/internal/canon"
	"github.com/aparcar/firmwareforge/internal/model"
)

func TestEffectivePackagesDedupesAndPrefixesSubtractive(t *testing.T) {
	profile := &model.Profile{
		AdditivePackages:    []string{"luci", "curl"},
		SubtractivePackages: []string{"ppp"},
	}
	opts := Options{
		ExtraAdditivePackages:    []string{"curl", "htop"},
		ExtraSubtractivePackages: []string{"dnsmasq"},
	}

	got := effectivePackages(profile, opts)
	want := []string{"luci", "curl", "htop", "-ppp", "-dnsmasq"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestEffectivePackagesSkipsDuplicateSubtractiveToken(t *testing.T) {
	profile := &model.Profile{SubtractivePackages: []string{"ppp"}}
	opts := Options{ExtraSubtractivePackages: []string{"ppp"}}

	got := effectivePackages(profile, opts)
	if len(got) != 1 || got[0] != "-ppp" {
		t.Fatalf("expected a single -ppp token, got %v", got)
	}
}

func TestCanonicalSnapshotHashStableAcrossTagSetReordering(t *testing.T) {
	profile := &model.Profile{
		ID:      "p1",
		Release: "23.05.3",
		Tags:    []string{"b", "a"},
	}
	inst := &model.ToolchainInstance{ArchiveHash: "deadbeef"}

	snap1 := canonicalSnapshot(profile, inst, "treehash", []string{"luci"}, Options{})

	profile2 := &model.Profile{
		ID:      "p1",
		Release: "23.05.3",
		Tags:    []string{"a", "b"},
	}
	snap2 := canonicalSnapshot(profile2, inst, "treehash", []string{"luci"}, Options{})

	_, hash1, err := canon.Hash(snap1)
	if err != nil {
		t.Fatal(err)
	}
	_, hash2, err := canon.Hash(snap2)
	if err != nil {
		t.Fatal(err)
	}
	if hash1 != hash2 {
		t.Fatalf("expected tag-set reordering to not affect the cache key, got %s != %s", hash1, hash2)
	}
}

func TestCanonicalSnapshotHashSensitiveToOverlayTreeHash(t *testing.T) {
	profile := &model.Profile{ID: "p1", Release: "23.05.3"}
	inst := &model.ToolchainInstance{ArchiveHash: "deadbeef"}

	_, hash1, err := canon.Hash(canonicalSnapshot(profile, inst, "tree-a", nil, Options{}))
	if err != nil {
		t.Fatal(err)
	}
	_, hash2, err := canon.Hash(canonicalSnapshot(profile, inst, "tree-b", nil, Options{}))
	if err != nil {
		t.Fatal(err)
	}
	if hash1 == hash2 {
		t.Fatal("expected a changed overlay tree hash to change the cache key")
	}
}

func TestCanonicalSnapshotHashSensitiveToDiffDefaultPackagesOption(t *testing.T) {
	profile := &model.Profile{ID: "p1", Release: "23.05.3"}
	inst := &model.ToolchainInstance{ArchiveHash: "deadbeef"}

	_, hash1, err := canon.Hash(canonicalSnapshot(profile, inst, "tree", []string{"luci"}, Options{}))
	if err != nil {
		t.Fatal(err)
	}
	_, hash2, err := canon.Hash(canonicalSnapshot(profile, inst, "tree", []string{"luci"}, Options{DiffDefaultPackages: true}))
	if err != nil {
		t.Fatal(err)
	}
	if hash1 == hash2 {
		t.Fatal("expected toggling diff_default_packages to change the cache key")
	}
}

func TestParseDefaultPackagesCombinesTargetAndProfileLines(t *testing.T) {
	output := "" +
		"Current Target: \"ramips/mt7621\"\n" +
		"Default Packages: base-files libc kmod-usb-core\n" +
		"Available Profiles:\n" +
		"\n" +
		"glinet_gl-mt3000:\n" +
		"    GL.iNet GL-MT3000\n" +
		"    Packages: kmod-usb3 luci\n" +
		"\n" +
		"other_profile:\n" +
		"    Some other device\n" +
		"    Packages: kmod-other\n"

	got, err := parseDefaultPackages(output, "glinet_gl-mt3000")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"base-files": true, "libc": true, "kmod-usb-core": true, "kmod-usb3": true, "luci": true}
	if len(got) != len(want) {
		t.Fatalf("got %v, want keys %v", got, want)
	}
	for _, p := range got {
		if !want[p] {
			t.Fatalf("unexpected package %q in %v", p, got)
		}
	}
	for _, p := range got {
		if p == "kmod-other" {
			t.Fatalf("expected packages from a different profile's block to be excluded, got %v", got)
		}
	}
}

func TestParseDefaultPackagesErrorsWhenProfileNotFound(t *testing.T) {
	_, err := parseDefaultPackages("Current Target: \"ramips/mt7621\"\n", "glinet_gl-mt3000")
	if err == nil {
		t.Fatal("expected an error when make info output has no recognizable default packages")
	}
	merr, ok := err.(*model.Error)
	if !ok || merr.Code != model.CodeBuildFailed {
		t.Fatalf("expected a build_failed *model.Error, got %v", err)
	}
}

func TestDiffPackagesDropsAlreadyDefaultAdditivesAndSubtractsMissingDefaults(t *testing.T) {
	effective := []string{"luci", "base-files", "-ppp"}
	defaults := []string{"base-files", "libc"}

	got := diffPackages(effective, defaults)
	want := []string{"-libc", "-ppp", "luci"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestDiffPackagesKeepsExplicitSubtractionEvenWhenNotADefault(t *testing.T) {
	got := diffPackages([]string{"-odhcpd"}, nil)
	if len(got) != 1 || got[0] != "-odhcpd" {
		t.Fatalf("expected the explicit subtraction to be kept, got %v", got)
	}
}

func TestRunContextErrReportsTimeoutOnDeadlineExceeded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()

	merr := runContextErr(ctx, newTailWriter(1024))
	if merr.Code != model.CodeBuildTimeout {
		t.Fatalf("expected build_timeout, got %s", merr.Code)
	}
}

func TestRunContextErrReportsCancelledOnExplicitCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	merr := runContextErr(ctx, newTailWriter(1024))
	if merr.Code != model.CodeCancelled {
		t.Fatalf("expected cancelled, got %s", merr.Code)
	}
}

func TestFailBuildRemovesStagingDirectory(t *testing.T) {
	e, st := newTestEngine(t)

	workDir := filepath.Join(t.TempDir(), "build-1")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := st.UpsertProfile(&model.Profile{ID: "p1"}); err != nil {
		t.Fatal(err)
	}
	rec := &model.BuildRecord{
		ProfileID:           "p1",
		ProfileSnapshotHash: "deadbeef",
		ToolchainID:         "tc1",
		CanonicalSnapshot:   []byte("{}"),
		CacheKey:            "deadbeef",
		WorkDir:             workDir,
		LogPath:             filepath.Join(workDir, "build.log"),
	}
	if _, err := st.CreateBuild(rec); err != nil {
		t.Fatalf("CreateBuild: %v", err)
	}

	cleaned := false
	cleanup := func() {
		cleaned = true
		_ = os.RemoveAll(workDir)
	}

	if _, err := e.failBuild(rec, cleanup, model.NewError(model.CodeBuildFailed, "boom", nil)); err == nil {
		t.Fatal("expected failBuild to return the cause as an error")
	}
	if !cleaned {
		t.Fatal("expected failBuild to invoke the staging-directory cleanup")
	}
	if _, err := os.Stat(workDir); !os.IsNotExist(err) {
		t.Fatalf("expected staging directory to be removed, stat err = %v", err)
	}
}
