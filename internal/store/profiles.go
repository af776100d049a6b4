package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aparcar/firmwareforge/internal/model"
)

// UpsertProfile inserts or replaces a profile. A profile whose content
// differs from the stored version is written as a new Version per spec §3's
// "mutations produce a new record version" invariant.
func (s *Store) UpsertProfile(p *model.Profile) error {
	now := time.Now().UTC()

	existing, err := s.GetProfile(p.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		p.Version = existing.Version + 1
		p.CreatedAt = existing.CreatedAt
	} else {
		p.Version = 1
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	additive, err := json.Marshal(p.AdditivePackages)
	if err != nil {
		return fmt.Errorf("marshal additive_packages: %w", err)
	}
	subtractive, err := json.Marshal(p.SubtractivePackages)
	if err != nil {
		return fmt.Errorf("marshal subtractive_packages: %w", err)
	}
	overlays, err := json.Marshal(p.Overlays)
	if err != nil {
		return fmt.Errorf("marshal overlays: %w", err)
	}
	policy, err := json.Marshal(p.Policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	buildDefaults, err := json.Marshal(p.BuildDefaults)
	if err != nil {
		return fmt.Errorf("marshal build_defaults: %w", err)
	}
	imageBuilder, err := json.Marshal(p.ImageBuilder)
	if err != nil {
		return fmt.Errorf("marshal image_builder: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO profiles (
			id, name, description, device_label, tags, release, target, subtarget,
			builder_profile_name, additive_packages, subtractive_packages, overlays,
			overlay_dir, policy, build_defaults, image_builder, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, description=excluded.description, device_label=excluded.device_label,
			tags=excluded.tags, release=excluded.release, target=excluded.target, subtarget=excluded.subtarget,
			builder_profile_name=excluded.builder_profile_name, additive_packages=excluded.additive_packages,
			subtractive_packages=excluded.subtractive_packages, overlays=excluded.overlays,
			overlay_dir=excluded.overlay_dir, policy=excluded.policy, build_defaults=excluded.build_defaults,
			image_builder=excluded.image_builder, version=excluded.version, updated_at=excluded.updated_at
	`,
		p.ID, p.Name, p.Description, p.DeviceLabel, string(tags), p.Release, p.Target, p.Subtarget,
		p.BuilderProfileName, string(additive), string(subtractive), string(overlays),
		p.OverlayDir, string(policy), string(buildDefaults), string(imageBuilder),
		p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// GetProfile returns the profile with the given identifier, or nil if absent.
func (s *Store) GetProfile(id string) (*model.Profile, error) {
	row := s.db.QueryRow(`
		SELECT id, name, description, device_label, tags, release, target, subtarget,
		       builder_profile_name, additive_packages, subtractive_packages, overlays,
		       overlay_dir, policy, build_defaults, image_builder, version, created_at, updated_at
		FROM profiles WHERE id = ?
	`, id)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ProfileFilter narrows ListProfiles by release/target/subtarget/tag/free text.
type ProfileFilter struct {
	Release   string
	Target    string
	Subtarget string
	Tag       string
	Query     string
}

// ListProfiles returns profiles matching filter, or all profiles if filter is nil.
func (s *Store) ListProfiles(filter *ProfileFilter) ([]*model.Profile, error) {
	query := `
		SELECT id, name, description, device_label, tags, release, target, subtarget,
		       builder_profile_name, additive_packages, subtractive_packages, overlays,
		       overlay_dir, policy, build_defaults, image_builder, version, created_at, updated_at
		FROM profiles
	`
	var clauses []string
	var args []any
	if filter != nil {
		if filter.Release != "" {
			clauses = append(clauses, "release = ?")
			args = append(args, filter.Release)
		}
		if filter.Target != "" {
			clauses = append(clauses, "target = ?")
			args = append(args, filter.Target)
		}
		if filter.Subtarget != "" {
			clauses = append(clauses, "subtarget = ?")
			args = append(args, filter.Subtarget)
		}
		if filter.Tag != "" {
			clauses = append(clauses, "tags LIKE ?")
			args = append(args, "%\""+filter.Tag+"\"%")
		}
		if filter.Query != "" {
			clauses = append(clauses, "(name LIKE ? OR description LIKE ? OR id LIKE ?)")
			like := "%" + filter.Query + "%"
			args = append(args, like, like, like)
		}
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []*model.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProfile removes a profile. It never removes build history: while a
// build record still references the profile, the schema's foreign key makes
// the delete fail and the profile stays in place.
func (s *Store) DeleteProfile(id string) error {
	_, err := s.db.Exec(`DELETE FROM profiles WHERE id = ?`, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (*model.Profile, error) {
	var p model.Profile
	var tags, additive, subtractive, overlays, policy, buildDefaults, imageBuilder string

	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.DeviceLabel, &tags, &p.Release, &p.Target, &p.Subtarget,
		&p.BuilderProfileName, &additive, &subtractive, &overlays,
		&p.OverlayDir, &policy, &buildDefaults, &imageBuilder, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := json.Unmarshal([]byte(additive), &p.AdditivePackages); err != nil {
		return nil, fmt.Errorf("unmarshal additive_packages: %w", err)
	}
	if err := json.Unmarshal([]byte(subtractive), &p.SubtractivePackages); err != nil {
		return nil, fmt.Errorf("unmarshal subtractive_packages: %w", err)
	}
	if err := json.Unmarshal([]byte(overlays), &p.Overlays); err != nil {
		return nil, fmt.Errorf("unmarshal overlays: %w", err)
	}
	if err := json.Unmarshal([]byte(policy), &p.Policy); err != nil {
		return nil, fmt.Errorf("unmarshal policy: %w", err)
	}
	if err := json.Unmarshal([]byte(buildDefaults), &p.BuildDefaults); err != nil {
		return nil, fmt.Errorf("unmarshal build_defaults: %w", err)
	}
	if err := json.Unmarshal([]byte(imageBuilder), &p.ImageBuilder); err != nil {
		return nil, fmt.Errorf("unmarshal image_builder: %w", err)
	}
	return &p, nil
}
