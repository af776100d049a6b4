package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aparcar/firmwareforge/internal/model"
)

// CreateBuild inserts a new build record in the pending state and returns
// its assigned identifier (spec §3: "created pending when a build is
// admitted").
func (s *Store) CreateBuild(b *model.BuildRecord) (int64, error) {
	b.Status = model.BuildPending
	if b.RequestedAt.IsZero() {
		b.RequestedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`
		INSERT INTO builds (
			profile_id, profile_snapshot_hash, toolchain_id, canonical_snapshot, cache_key,
			status, requested_at, work_dir, log_path, cache_hit, duration_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.ProfileID, b.ProfileSnapshotHash, b.ToolchainID, b.CanonicalSnapshot, b.CacheKey,
		b.Status, b.RequestedAt, b.WorkDir, b.LogPath, b.CacheHit, int64(b.Duration),
	)
	if err != nil {
		return 0, fmt.Errorf("create build: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	b.ID = id
	return id, nil
}

// TransitionBuildRunning advances a build from pending to running,
// recording the subprocess start time (spec §3: "advances to running at
// subprocess spawn").
func (s *Store) TransitionBuildRunning(id int64, startedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE builds SET status = ?, started_at = ? WHERE id = ?`,
		model.BuildRunning, startedAt, id)
	return err
}

// CompleteBuildSucceeded terminates a build as succeeded. Per spec §3
// invariant (b), a terminal record is never rewritten again by the engine.
func (s *Store) CompleteBuildSucceeded(id int64, finishedAt time.Time, duration time.Duration) error {
	_, err := s.db.Exec(`
		UPDATE builds SET status = ?, finished_at = ?, duration_ns = ? WHERE id = ?
	`, model.BuildSucceeded, finishedAt, int64(duration), id)
	return err
}

// CompleteBuildFailed terminates a build as failed with a structured error.
func (s *Store) CompleteBuildFailed(id int64, finishedAt time.Time, duration time.Duration, buildErr *model.Error) error {
	var detailsJSON []byte
	if buildErr.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(buildErr.Details)
		if err != nil {
			return fmt.Errorf("marshal error details: %w", err)
		}
	}
	_, err := s.db.Exec(`
		UPDATE builds SET status = ?, finished_at = ?, duration_ns = ?,
			error_code = ?, error_message = ?, error_details = ?, error_log_path = ?
		WHERE id = ?
	`, model.BuildFailed, finishedAt, int64(duration),
		string(buildErr.Code), buildErr.Message, string(detailsJSON), buildErr.LogPath, id)
	return err
}

// GetBuild returns the build record with the given identifier, or nil.
func (s *Store) GetBuild(id int64) (*model.BuildRecord, error) {
	row := s.db.QueryRow(buildSelectQuery+" WHERE id = ?", id)
	b, err := scanBuild(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

// LatestSucceededByCacheKey returns the canonical succeeded build for a
// cache key, ties broken by earliest finish time (spec §3 invariant (a)).
func (s *Store) LatestSucceededByCacheKey(cacheKey string) (*model.BuildRecord, error) {
	row := s.db.QueryRow(buildSelectQuery+`
		WHERE cache_key = ? AND status = ?
		ORDER BY finished_at ASC LIMIT 1
	`, cacheKey, model.BuildSucceeded)
	b, err := scanBuild(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

// BuildsByProfile lists builds for profileID, optionally narrowed by status.
func (s *Store) BuildsByProfile(profileID string, status model.BuildStatus) ([]*model.BuildRecord, error) {
	query := buildSelectQuery + " WHERE profile_id = ?"
	args := []any{profileID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY id DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list builds by profile: %w", err)
	}
	defer rows.Close()

	var out []*model.BuildRecord
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// HasNonTerminalBuildByToolchain reports whether any build referencing
// toolchainID is still pending or running. The Toolchain Cache consults this
// before pruning an instance, so a build in flight is never left pointing at
// an extraction root that has been removed out from under it.
func (s *Store) HasNonTerminalBuildByToolchain(toolchainID string) (bool, error) {
	row := s.db.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM builds WHERE toolchain_id = ? AND status IN (?, ?)
		)
	`, toolchainID, model.BuildPending, model.BuildRunning)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("check non-terminal builds for toolchain: %w", err)
	}
	return exists, nil
}

const buildSelectQuery = `
	SELECT id, profile_id, profile_snapshot_hash, toolchain_id, canonical_snapshot, cache_key,
	       status, requested_at, started_at, finished_at, work_dir, log_path,
	       error_code, error_message, error_details, error_log_path, cache_hit, duration_ns
	FROM builds
`

func scanBuild(row scanner) (*model.BuildRecord, error) {
	var b model.BuildRecord
	var startedAt, finishedAt sql.NullTime
	var errorCode, errorMessage, errorDetails, errorLogPath sql.NullString

	err := row.Scan(
		&b.ID, &b.ProfileID, &b.ProfileSnapshotHash, &b.ToolchainID, &b.CanonicalSnapshot, &b.CacheKey,
		&b.Status, &b.RequestedAt, &startedAt, &finishedAt, &b.WorkDir, &b.LogPath,
		&errorCode, &errorMessage, &errorDetails, &errorLogPath, &b.CacheHit, (*int64)(&b.Duration),
	)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		b.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		b.FinishedAt = &finishedAt.Time
	}
	if errorCode.Valid && errorCode.String != "" {
		b.Error = &model.Error{
			Code:    model.ErrorCode(errorCode.String),
			Message: errorMessage.String,
			LogPath: errorLogPath.String,
		}
		if errorDetails.String != "" {
			if err := json.Unmarshal([]byte(errorDetails.String), &b.Error.Details); err != nil {
				return nil, fmt.Errorf("unmarshal error details: %w", err)
			}
		}
	}
	return &b, nil
}
