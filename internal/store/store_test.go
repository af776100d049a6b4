package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/aparcar/firmwareforge/internal/model"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertProfileIncrementsVersionOnMutation(t *testing.T) {
	s := openTestStore(t)

	p := &model.Profile{ID: "gl-mt3000", Release: "23.05.3", Target: "ramips", Subtarget: "mt7621", BuilderProfileName: "glinet_gl-mt3000"}
	if err := s.UpsertProfile(p); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if p.Version != 1 {
		t.Fatalf("expected version 1 on first insert, got %d", p.Version)
	}

	p.Description = "updated"
	if err := s.UpsertProfile(p); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if p.Version != 2 {
		t.Fatalf("expected version 2 after mutation, got %d", p.Version)
	}

	got, err := s.GetProfile("gl-mt3000")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 || got.Description != "updated" {
		t.Fatalf("unexpected stored profile: %+v", got)
	}
}

func TestGetProfilePreservesAllFieldsAcrossRoundTrip(t *testing.T) {
	s := openTestStore(t)
	want := &model.Profile{
		ID:                 "gl-mt3000",
		Name:                "GL.iNet GL-MT3000",
		Description:         "Beryl AX",
		DeviceLabel:         "glinet,gl-mt3000",
		Tags:                []string{"travel-router", "wifi6"},
		Release:             "23.05.3",
		Target:              "ramips",
		Subtarget:           "mt7621",
		BuilderProfileName:  "glinet_gl-mt3000",
		AdditivePackages:    []string{"luci", "curl"},
		SubtractivePackages: []string{"ppp"},
		Overlays: []model.FileOverlay{
			{Source: "etc/dropbear/authorized_keys", Dest: "/etc/dropbear/authorized_keys", Mode: "0600"},
		},
	}
	if err := s.UpsertProfile(want); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetProfile("gl-mt3000")
	if err != nil {
		t.Fatal(err)
	}

	diff := cmp.Diff(want, got, cmpopts.IgnoreFields(model.Profile{}, "Version", "CreatedAt", "UpdatedAt"))
	if diff != "" {
		t.Fatalf("round-tripped profile differs from what was stored (-want +got):\n%s", diff)
	}
}

func TestGetProfileMissingReturnsNilNotError(t *testing.T) {
	s := openTestStore(t)
	p, err := s.GetProfile("does-not-exist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil for a missing profile, got %+v", p)
	}
}

func TestListProfilesFiltersByRelease(t *testing.T) {
	s := openTestStore(t)
	a := &model.Profile{ID: "a", Release: "23.05.3", Target: "ramips", Subtarget: "mt7621", BuilderProfileName: "a"}
	b := &model.Profile{ID: "b", Release: "24.10.0", Target: "ramips", Subtarget: "mt7621", BuilderProfileName: "b"}
	if err := s.UpsertProfile(a); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertProfile(b); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListProfiles(&ProfileFilter{Release: "23.05.3"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected only profile a, got %+v", got)
	}
}

func TestBuildLifecycleTransitions(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpsertProfile(&model.Profile{ID: "p"}); err != nil {
		t.Fatal(err)
	}
	b := &model.BuildRecord{ProfileID: "p", CacheKey: "ck1", ToolchainID: "tc1"}
	id, err := s.CreateBuild(b)
	if err != nil {
		t.Fatalf("CreateBuild: %v", err)
	}

	got, err := s.GetBuild(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.BuildPending {
		t.Fatalf("expected pending after create, got %s", got.Status)
	}

	startedAt := time.Now().UTC()
	if err := s.TransitionBuildRunning(id, startedAt); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetBuild(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.BuildRunning || got.StartedAt == nil {
		t.Fatalf("expected running with started_at set, got %+v", got)
	}

	if err := s.CompleteBuildSucceeded(id, time.Now().UTC(), time.Minute); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetBuild(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.BuildSucceeded || got.FinishedAt == nil {
		t.Fatalf("expected succeeded with finished_at set, got %+v", got)
	}
}

func TestLatestSucceededByCacheKeyTiesBrokenByEarliestFinish(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpsertProfile(&model.Profile{ID: "p"}); err != nil {
		t.Fatal(err)
	}

	mk := func(cacheKey string, finishOffset time.Duration) int64 {
		b := &model.BuildRecord{ProfileID: "p", CacheKey: cacheKey, ToolchainID: "tc1"}
		id, err := s.CreateBuild(b)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.TransitionBuildRunning(id, time.Now().UTC()); err != nil {
			t.Fatal(err)
		}
		if err := s.CompleteBuildSucceeded(id, time.Now().UTC().Add(finishOffset), time.Minute); err != nil {
			t.Fatal(err)
		}
		return id
	}

	earlier := mk("shared", -time.Hour)
	mk("shared", 0)

	got, err := s.LatestSucceededByCacheKey("shared")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != earlier {
		t.Fatalf("expected the earlier-finished build %d to win the tie, got %+v", earlier, got)
	}
}

func TestCreateArtifactDuplicateIsCacheConflict(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpsertProfile(&model.Profile{ID: "p"}); err != nil {
		t.Fatal(err)
	}
	b := &model.BuildRecord{ProfileID: "p", CacheKey: "ck", ToolchainID: "tc1"}
	id, err := s.CreateBuild(b)
	if err != nil {
		t.Fatal(err)
	}

	a := &model.Artifact{BuildID: id, Kind: model.ArtifactSysupgrade, Filename: "image.bin", SHA256: "abc"}
	if err := s.CreateArtifact(a); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	dup := &model.Artifact{BuildID: id, Kind: model.ArtifactSysupgrade, Filename: "image.bin", SHA256: "abc"}
	err = s.CreateArtifact(dup)
	if err == nil {
		t.Fatal("expected a cache_conflict error for a duplicate (build_id, filename)")
	}
	merr, ok := err.(*model.Error)
	if !ok || merr.Code != model.CodeCacheConflict {
		t.Fatalf("expected a cache_conflict *model.Error, got %v", err)
	}
}

func TestFlashLifecycleTransitions(t *testing.T) {
	s := openTestStore(t)
	f := &model.FlashRecord{DevicePath: "/dev/sdx", VerifyMode: model.ModeFull}
	id, err := s.CreateFlash(f)
	if err != nil {
		t.Fatalf("CreateFlash: %v", err)
	}

	if err := s.TransitionFlashRunning(id, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteFlash(id, time.Now().UTC(), model.FlashSucceeded, 1024, model.VerifyMatch, false, nil); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetFlash(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.FlashSucceeded || got.BytesWritten != 1024 || got.VerificationResult != model.VerifyMatch {
		t.Fatalf("unexpected flash record: %+v", got)
	}
}

func TestRecordEventAndStatsPerDay(t *testing.T) {
	s := openTestStore(t)
	if err := s.RecordEvent(StatEventSucceeded, "23.05.3", "ramips", "gl-mt3000", time.Minute, false); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	stats, err := s.StatsPerDay(7)
	if err != nil {
		t.Fatal(err)
	}
	var total int
	for _, perType := range stats {
		total += perType[StatEventSucceeded]
	}
	if total != 1 {
		t.Fatalf("expected exactly one recorded event, got %d", total)
	}
}
