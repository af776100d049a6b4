package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aparcar/firmwareforge/internal/model"
	"github.com/google/uuid"
)

// CreateFlash inserts a new flash record in the pending state (spec §4.5:
// "a flash record is created pending before preflight").
func (s *Store) CreateFlash(f *model.FlashRecord) (string, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.Status = model.FlashPending
	if f.RequestedAt.IsZero() {
		f.RequestedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO flashes (
			id, artifact_id, build_id, device_path, device_model, device_serial, status,
			wiped_before_flash, bytes_written, verify_mode, verification_result, dry_run,
			suspect, log_path, requested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		f.ID, f.ArtifactID, f.BuildID, f.DevicePath, f.DeviceModel, f.DeviceSerial, f.Status,
		f.WipedBeforeFlash, f.BytesWritten, f.VerifyMode, f.VerificationResult, f.DryRun,
		f.Suspect, f.LogPath, f.RequestedAt,
	)
	if err != nil {
		return "", fmt.Errorf("create flash: %w", err)
	}
	return f.ID, nil
}

// TransitionFlashRunning advances a flash record to running when the write
// begins (spec §4.5).
func (s *Store) TransitionFlashRunning(id string, startedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE flashes SET status = ?, started_at = ? WHERE id = ?`,
		model.FlashRunning, startedAt, id)
	return err
}

// CompleteFlash terminates a flash record with its final outcome.
func (s *Store) CompleteFlash(id string, finishedAt time.Time, status model.FlashStatus, bytesWritten int64, verifyResult model.VerificationResult, suspect bool, flashErr *model.Error) error {
	var errorCode, errorMessage, errorLogPath string
	var detailsJSON []byte
	if flashErr != nil {
		errorCode = string(flashErr.Code)
		errorMessage = flashErr.Message
		errorLogPath = flashErr.LogPath
		if flashErr.Details != nil {
			var err error
			detailsJSON, err = json.Marshal(flashErr.Details)
			if err != nil {
				return fmt.Errorf("marshal error details: %w", err)
			}
		}
	}
	_, err := s.db.Exec(`
		UPDATE flashes SET status = ?, finished_at = ?, bytes_written = ?, verification_result = ?,
			suspect = ?, error_code = ?, error_message = ?, error_details = ?, log_path = CASE WHEN ? != '' THEN ? ELSE log_path END
		WHERE id = ?
	`, status, finishedAt, bytesWritten, verifyResult, suspect,
		nullableString(errorCode), nullableString(errorMessage), string(detailsJSON),
		errorLogPath, errorLogPath, id)
	return err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// FlashesByStatus lists flash records in a given status.
func (s *Store) FlashesByStatus(status model.FlashStatus) ([]*model.FlashRecord, error) {
	rows, err := s.db.Query(flashSelectQuery+" WHERE status = ? ORDER BY requested_at DESC", status)
	if err != nil {
		return nil, fmt.Errorf("list flashes by status: %w", err)
	}
	defer rows.Close()
	return scanFlashRows(rows)
}

// FlashesByArtifact lists flash records for a given artifact.
func (s *Store) FlashesByArtifact(artifactID string) ([]*model.FlashRecord, error) {
	rows, err := s.db.Query(flashSelectQuery+" WHERE artifact_id = ? ORDER BY requested_at DESC", artifactID)
	if err != nil {
		return nil, fmt.Errorf("list flashes by artifact: %w", err)
	}
	defer rows.Close()
	return scanFlashRows(rows)
}

// GetFlash returns the flash record with the given identifier, or nil.
func (s *Store) GetFlash(id string) (*model.FlashRecord, error) {
	row := s.db.QueryRow(flashSelectQuery+" WHERE id = ?", id)
	f, err := scanFlash(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

const flashSelectQuery = `
	SELECT id, artifact_id, build_id, device_path, device_model, device_serial, status,
	       wiped_before_flash, bytes_written, verify_mode, verification_result, dry_run,
	       suspect, log_path, error_code, error_message, error_details, requested_at, started_at, finished_at
	FROM flashes
`

func scanFlashRows(rows *sql.Rows) ([]*model.FlashRecord, error) {
	var out []*model.FlashRecord
	for rows.Next() {
		f, err := scanFlash(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanFlash(row scanner) (*model.FlashRecord, error) {
	var f model.FlashRecord
	var startedAt, finishedAt sql.NullTime
	var errorCode, errorMessage, errorDetails sql.NullString

	err := row.Scan(
		&f.ID, &f.ArtifactID, &f.BuildID, &f.DevicePath, &f.DeviceModel, &f.DeviceSerial, &f.Status,
		&f.WipedBeforeFlash, &f.BytesWritten, &f.VerifyMode, &f.VerificationResult, &f.DryRun,
		&f.Suspect, &f.LogPath, &errorCode, &errorMessage, &errorDetails, &f.RequestedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		f.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		f.FinishedAt = &finishedAt.Time
	}
	if errorCode.Valid && errorCode.String != "" {
		f.Error = &model.Error{Code: model.ErrorCode(errorCode.String), Message: errorMessage.String}
		if errorDetails.String != "" {
			if err := json.Unmarshal([]byte(errorDetails.String), &f.Error.Details); err != nil {
				return nil, fmt.Errorf("unmarshal error details: %w", err)
			}
		}
	}
	return &f, nil
}
