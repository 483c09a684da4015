// Package repository wraps all SQL used throughout the api, splitter and
// processor.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/recordpipe/internal/model"
)

// ErrNotFound is returned when a row with the requested id does not exist.
var ErrNotFound = errors.New("repository: not found")

// UploadedFileRepository persists UploadedFile rows.
type UploadedFileRepository struct {
	pool *pgxpool.Pool
}

// NewUploadedFileRepository constructs a repository.
func NewUploadedFileRepository(pool *pgxpool.Pool) *UploadedFileRepository {
	return &UploadedFileRepository{pool: pool}
}

// Create inserts a freshly uploaded file with status uploaded.
func (r *UploadedFileRepository) Create(ctx context.Context, f *model.UploadedFile) error {
	now := time.Now().UTC()
	f.Status = model.StatusUploaded
	f.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO uploaded_files (id, filename, location, content_type, status, uploaded_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, f.ID, f.Filename, f.Location, f.ContentType, f.Status, f.UploadedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert uploaded file: %w", err)
	}
	return nil
}

// Get returns an uploaded file by id.
func (r *UploadedFileRepository) Get(ctx context.Context, id string) (*model.UploadedFile, error) {
	var f model.UploadedFile
	row := r.pool.QueryRow(ctx, `
		SELECT id, filename, location, content_type, status, total_records, records_processed, records_failed, uploaded_at, updated_at
		FROM uploaded_files WHERE id=$1
	`, id)
	err := row.Scan(&f.ID, &f.Filename, &f.Location, &f.ContentType, &f.Status,
		&f.TotalRecords, &f.RecordsProcessed, &f.RecordsFailed, &f.UploadedAt, &f.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("uploaded file %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("select uploaded file: %w", err)
	}
	return &f, nil
}

// UpdateStatus sets the status of an uploaded file.
func (r *UploadedFileRepository) UpdateStatus(ctx context.Context, id string, status model.FileStatus) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE uploaded_files SET status=$1, updated_at=$2 WHERE id=$3
	`, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("uploaded file %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetTotalRecords records how many records the splitter observed in the file.
func (r *UploadedFileRepository) SetTotalRecords(ctx context.Context, id string, total int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE uploaded_files SET total_records=$1, updated_at=$2 WHERE id=$3
	`, total, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set total records: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("uploaded file %s: %w", id, ErrNotFound)
	}
	return nil
}

// AddRecordCounts increments the processed/failed counters by the amounts one
// batch contributed. The increment happens server-side in a single statement
// so that concurrent processors working on batches of the same file cannot
// lose updates.
func (r *UploadedFileRepository) AddRecordCounts(ctx context.Context, id string, processed, failed int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE uploaded_files
		SET records_processed = records_processed + $1,
			records_failed = records_failed + $2,
			updated_at = $3
		WHERE id=$4
	`, processed, failed, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("add record counts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("uploaded file %s: %w", id, ErrNotFound)
	}
	return nil
}

// Finalize moves a fully accounted file into its terminal status: processed
// when no record failed, processed_with_errors otherwise. The guards keep it
// a no-op while batches are still outstanding, while total_records is not yet
// known, and once a terminal status was reached, so it is safe to call after
// every batch regardless of interleaving.
func (r *UploadedFileRepository) Finalize(ctx context.Context, id string) (model.FileStatus, bool, error) {
	var status model.FileStatus
	row := r.pool.QueryRow(ctx, `
		UPDATE uploaded_files
		SET status = CASE WHEN records_failed > 0 THEN $1 ELSE $2 END,
			updated_at = $3
		WHERE id=$4
			AND status = $5
			AND total_records > 0
			AND records_processed + records_failed >= total_records
		RETURNING status
	`, model.StatusProcessedWithErrors, model.StatusProcessed, time.Now().UTC(), id, model.StatusProcessing)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("finalize uploaded file: %w", err)
	}
	return status, true, nil
}
