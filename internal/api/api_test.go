package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/aparcar/firmwareforge/internal/build"
	"github.com/aparcar/firmwareforge/internal/config"
	"github.com/aparcar/firmwareforge/internal/flash"
	"github.com/aparcar/firmwareforge/internal/model"
	"github.com/aparcar/firmwareforge/internal/store"
	"github.com/aparcar/firmwareforge/internal/toolchain"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tc := toolchain.New(st, toolchain.Config{CacheRoot: t.TempDir(), OfflineMode: true})
	be := build.New(st, tc, build.Config{WorkRoot: t.TempDir(), ArtifactsRoot: t.TempDir()})
	fe := flash.New(st, flash.Config{})
	cfg := &config.Config{ServerHost: "127.0.0.1", ServerPort: 8080, LogLevel: "error"}

	return NewServer(st, tc, be, fe, cfg), st
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUpsertAndGetProfile(t *testing.T) {
	s, _ := newTestServer(t)

	profile := map[string]any{
		"release":              "23.05.3",
		"target":               "ramips",
		"subtarget":            "mt7621",
		"builder_profile_name": "glinet_gl-mt3000",
	}
	rec := doRequest(t, s, http.MethodPut, "/api/v1/profiles/gl-mt3000", profile)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on upsert, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/profiles/gl-mt3000", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on get, got %d: %s", rec.Code, rec.Body.String())
	}
	var got model.Profile
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "gl-mt3000" {
		t.Fatalf("expected profile_id gl-mt3000, got %q", got.ID)
	}
}

func TestGetProfileMissingReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/v1/profiles/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUpsertProfileWithInvalidIDReturns400(t *testing.T) {
	s, _ := newTestServer(t)
	profile := map[string]any{
		"release":              "23.05.3",
		"target":               "ramips",
		"subtarget":            "mt7621",
		"builder_profile_name": "glinet_gl-mt3000",
	}
	rec := doRequest(t, s, http.MethodPut, "/api/v1/profiles/not%20valid%21", profile)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid profile_id, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBuildOrReuseMissingProfileReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/v1/builds", map[string]any{"profile_id": "missing"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestListBuildsWithoutProfileIDReturns400(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/v1/builds", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when profile_id is missing, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestEnsureToolchainOfflineWithoutCacheReturns409(t *testing.T) {
	s, _ := newTestServer(t)
	key := map[string]string{"release": "23.05.3", "target": "ramips", "subtarget": "mt7621"}
	rec := doRequest(t, s, http.MethodPost, "/api/v1/toolchains/ensure", key)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for an uncached toolchain in offline mode, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestFlashWithMissingSourceReturns400(t *testing.T) {
	s, _ := newTestServer(t)
	req := map[string]any{
		"source_path": "/nonexistent/image.bin",
		"device_path": "/dev/null",
		"force":       true,
	}
	rec := doRequest(t, s, http.MethodPost, "/api/v1/flash", req)
	if rec.Code != http.StatusBadRequest && rec.Code != http.StatusConflict {
		t.Fatalf("expected a 4xx error for a preflight failure, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStatsPerDayDefaultsAndReturnsEmptyStats(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/v1/stats/per-day", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
