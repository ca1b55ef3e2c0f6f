package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cambridgetcg/rewardspro-sub001/loyalty"
)

// =============================================================================
// JOB STORE (loyalty.JobStore)
// =============================================================================

const jobColumns = `id, scope, status, total_records, processed_records, failed_records, errors_json, metadata_json, started_at, completed_at, created_at`

func (s *Store) CreateJob(ctx context.Context, j *loyalty.MigrationJob) error {
	errorsJSON, _ := json.Marshal(j.Errors)
	metadataJSON, _ := json.Marshal(j.Metadata)
	_, err := s.exec.ExecContext(ctx, `
		INSERT INTO migration_jobs
		(id, scope, status, total_records, processed_records, failed_records, errors_json, metadata_json, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID,
		j.Scope,
		j.Status,
		j.TotalRecords,
		j.ProcessedRecords,
		j.FailedRecords,
		string(errorsJSON),
		string(metadataJSON),
		nullTime(j.StartedAt),
		nullTime(j.CompletedAt),
		j.CreatedAt.UTC().Format(timeFormat),
	)
	// The partial unique index rejects a second active job per scope.
	if isUniqueConstraintError(err) {
		return loyalty.ErrImportRunning
	}
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*loyalty.MigrationJob, error) {
	row := s.exec.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM migration_jobs WHERE id = ?`, id)
	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loyalty.ErrJobNotFound
	}
	return j, err
}

func (s *Store) ActiveJob(ctx context.Context, scope loyalty.Scope) (*loyalty.MigrationJob, error) {
	row := s.exec.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM migration_jobs
		WHERE scope = ? AND status IN (?, ?)`,
		scope, loyalty.JobPending, loyalty.JobProcessing)
	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (s *Store) UpdateJob(ctx context.Context, j *loyalty.MigrationJob) error {
	errorsJSON, _ := json.Marshal(j.Errors)
	metadataJSON, _ := json.Marshal(j.Metadata)
	res, err := s.exec.ExecContext(ctx, `
		UPDATE migration_jobs
		SET status = ?, total_records = ?, processed_records = ?, failed_records = ?,
		    errors_json = ?, metadata_json = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		j.Status,
		j.TotalRecords,
		j.ProcessedRecords,
		j.FailedRecords,
		string(errorsJSON),
		string(metadataJSON),
		nullTime(j.StartedAt),
		nullTime(j.CompletedAt),
		j.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loyalty.ErrJobNotFound
	}
	return nil
}

func scanJob(scan func(...any) error) (*loyalty.MigrationJob, error) {
	var (
		j            loyalty.MigrationJob
		errorsJSON   sql.NullString
		metadataJSON sql.NullString
		startedAt    sql.NullString
		completedAt  sql.NullString
		createdAt    string
	)
	err := scan(&j.ID, &j.Scope, &j.Status, &j.TotalRecords, &j.ProcessedRecords,
		&j.FailedRecords, &errorsJSON, &metadataJSON, &startedAt, &completedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	if errorsJSON.Valid && errorsJSON.String != "" {
		json.Unmarshal([]byte(errorsJSON.String), &j.Errors)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		json.Unmarshal([]byte(metadataJSON.String), &j.Metadata)
	}
	j.StartedAt = parseNullTime(startedAt)
	j.CompletedAt = parseNullTime(completedAt)
	j.CreatedAt = parseTime(createdAt)
	return &j, nil
}
