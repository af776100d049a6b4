package model

import "time"

// BuildStatus is the lifecycle state of a BuildRecord (spec §3).
type BuildStatus string

const (
	BuildPending   BuildStatus = "pending"
	BuildRunning   BuildStatus = "running"
	BuildSucceeded BuildStatus = "succeeded"
	BuildFailed    BuildStatus = "failed"
)

// BuildRecord is one attempted build (spec §3).
type BuildRecord struct {
	ID int64 `json:"id"`

	ProfileID       string `json:"profile_id"`
	ProfileSnapshotHash string `json:"profile_snapshot_hash"`
	ToolchainID     string `json:"toolchain_id"`

	CanonicalSnapshot []byte `json:"canonical_snapshot"`
	CacheKey          string `json:"cache_key"`

	Status BuildStatus `json:"status"`

	RequestedAt time.Time  `json:"requested_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	WorkDir string `json:"work_dir"`
	LogPath string `json:"log_path"`

	Error *Error `json:"error,omitempty"`

	CacheHit bool          `json:"cache_hit"`
	Duration time.Duration `json:"duration"`
}

// ArtifactKind classifies a build output file (spec §3, classified
// conservatively per §9(ii)).
type ArtifactKind string

const (
	ArtifactSysupgrade ArtifactKind = "sysupgrade"
	ArtifactFactory    ArtifactKind = "factory"
	ArtifactManifest   ArtifactKind = "manifest"
	ArtifactOther      ArtifactKind = "other"
)

// Artifact is one output file of a build (spec §3).
type Artifact struct {
	ID       string       `json:"id"`
	BuildID  int64        `json:"build_id"`
	Kind     ArtifactKind `json:"kind"`
	Filename string       `json:"filename"`
	RelPath  string       `json:"rel_path"`
	SizeBytes int64       `json:"size_bytes"`
	SHA256   string       `json:"sha256"`
	Labels   []string     `json:"labels,omitempty"`
}
