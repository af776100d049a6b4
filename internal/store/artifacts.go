package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aparcar/firmwareforge/internal/model"
	"github.com/google/uuid"
)

// CreateArtifact inserts an artifact row for a successful build. The
// (build_id, filename) uniqueness invariant of spec §3 is enforced by the
// schema; a duplicate insert surfaces as a cache_conflict to the caller.
func (s *Store) CreateArtifact(a *model.Artifact) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	labels, err := json.Marshal(a.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO artifacts (id, build_id, kind, filename, rel_path, size_bytes, sha256, labels)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.BuildID, a.Kind, a.Filename, a.RelPath, a.SizeBytes, a.SHA256, string(labels))
	if err != nil {
		return model.NewError(model.CodeCacheConflict, "insert artifact", err)
	}
	return nil
}

// ArtifactsByBuild lists all artifacts produced by a build.
func (s *Store) ArtifactsByBuild(buildID int64) ([]*model.Artifact, error) {
	rows, err := s.db.Query(`
		SELECT id, build_id, kind, filename, rel_path, size_bytes, sha256, labels
		FROM artifacts WHERE build_id = ? ORDER BY filename
	`, buildID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts by build: %w", err)
	}
	defer rows.Close()

	var out []*model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetArtifact returns the artifact with the given identifier, or nil.
func (s *Store) GetArtifact(id string) (*model.Artifact, error) {
	row := s.db.QueryRow(`
		SELECT id, build_id, kind, filename, rel_path, size_bytes, sha256, labels
		FROM artifacts WHERE id = ?
	`, id)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func scanArtifact(row scanner) (*model.Artifact, error) {
	var a model.Artifact
	var labels string
	if err := row.Scan(&a.ID, &a.BuildID, &a.Kind, &a.Filename, &a.RelPath, &a.SizeBytes, &a.SHA256, &labels); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(labels), &a.Labels); err != nil {
		return nil, fmt.Errorf("unmarshal labels: %w", err)
	}
	return &a, nil
}
