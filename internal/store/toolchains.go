package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aparcar/firmwareforge/internal/model"
)

// UpsertToolchain inserts or updates the toolchain instance with t.ID. The
// (release, target, subtarget) triple is unique (spec §3), so inserting a
// second id for an already-recorded triple fails instead of updating it.
func (s *Store) UpsertToolchain(t *model.ToolchainInstance) error {
	_, err := s.db.Exec(`
		INSERT INTO toolchains (
			id, release, target, subtarget, upstream_url, archive_path, extracted_root,
			archive_hash, signature_verified, state, first_used_at, last_used_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			upstream_url=excluded.upstream_url, archive_path=excluded.archive_path,
			extracted_root=excluded.extracted_root, archive_hash=excluded.archive_hash,
			signature_verified=excluded.signature_verified, state=excluded.state,
			first_used_at=excluded.first_used_at, last_used_at=excluded.last_used_at
	`,
		t.ID, t.Release, t.Target, t.Subtarget, t.UpstreamURL, t.ArchivePath, t.ExtractedRoot,
		t.ArchiveHash, t.SignatureVerified, t.State, t.FirstUsedAt, t.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert toolchain: %w", err)
	}
	return nil
}

// GetToolchain returns the toolchain for (release, target, subtarget), or
// nil if it has never been recorded.
func (s *Store) GetToolchain(release, target, subtarget string) (*model.ToolchainInstance, error) {
	row := s.db.QueryRow(`
		SELECT id, release, target, subtarget, upstream_url, archive_path, extracted_root,
		       archive_hash, signature_verified, state, first_used_at, last_used_at
		FROM toolchains WHERE release = ? AND target = ? AND subtarget = ?
	`, release, target, subtarget)
	t, err := scanToolchain(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ToolchainFilter narrows ListToolchains.
type ToolchainFilter struct {
	Release string
	Target  string
	State   model.ToolchainState
}

// ListToolchains returns toolchains matching filter, or all if filter is nil.
func (s *Store) ListToolchains(filter *ToolchainFilter) ([]*model.ToolchainInstance, error) {
	query := `
		SELECT id, release, target, subtarget, upstream_url, archive_path, extracted_root,
		       archive_hash, signature_verified, state, first_used_at, last_used_at
		FROM toolchains
	`
	var args []any
	if filter != nil {
		var clauses []string
		if filter.Release != "" {
			clauses = append(clauses, "release = ?")
			args = append(args, filter.Release)
		}
		if filter.Target != "" {
			clauses = append(clauses, "target = ?")
			args = append(args, filter.Target)
		}
		if filter.State != "" {
			clauses = append(clauses, "state = ?")
			args = append(args, filter.State)
		}
		for i, c := range clauses {
			if i == 0 {
				query += " WHERE " + c
			} else {
				query += " AND " + c
			}
		}
	}
	query += " ORDER BY release, target, subtarget"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list toolchains: %w", err)
	}
	defer rows.Close()

	var out []*model.ToolchainInstance
	for rows.Next() {
		t, err := scanToolchain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TouchToolchainLastUsed bumps last_used_at to now; used on every cache hit
// so that Prune's age-based criterion reflects actual demand.
func (s *Store) TouchToolchainLastUsed(id string) error {
	_, err := s.db.Exec(`UPDATE toolchains SET last_used_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// DeleteToolchain removes a toolchain record; callers must first have
// removed the archive/extracted-root on disk (Prune does both together).
func (s *Store) DeleteToolchain(id string) error {
	_, err := s.db.Exec(`DELETE FROM toolchains WHERE id = ?`, id)
	return err
}

func scanToolchain(row scanner) (*model.ToolchainInstance, error) {
	var t model.ToolchainInstance
	var firstUsed, lastUsed sql.NullTime
	err := row.Scan(
		&t.ID, &t.Release, &t.Target, &t.Subtarget, &t.UpstreamURL, &t.ArchivePath, &t.ExtractedRoot,
		&t.ArchiveHash, &t.SignatureVerified, &t.State, &firstUsed, &lastUsed,
	)
	if err != nil {
		return nil, err
	}
	if firstUsed.Valid {
		t.FirstUsedAt = firstUsed.Time
	}
	if lastUsed.Valid {
		t.LastUsedAt = lastUsed.Time
	}
	return &t, nil
}
