package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/facturaIA/invoice-intake-service/internal/models"
)

const jobColumns = `
	id, owner_id, image_ref, content_type, filename, status, attempts,
	COALESCE(last_error, ''), COALESCE(last_error_kind, ''), COALESCE(remediation, ''),
	submitted_at, started_at, updated_at`

func scanJob(row pgx.Row) (*models.UploadJob, error) {
	var job models.UploadJob
	var status string
	err := row.Scan(
		&job.ID, &job.OwnerID, &job.ImageRef, &job.ContentType, &job.Filename, &status, &job.Attempts,
		&job.LastError, &job.LastErrorKind, &job.Remediation,
		&job.SubmittedAt, &job.StartedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	return &job, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.UploadJob) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO upload_jobs (
			id, owner_id, image_ref, content_type, filename, status, attempts,
			submitted_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, job.ID, job.OwnerID, job.ImageRef, job.ContentType, job.Filename, string(job.Status), job.Attempts,
		job.SubmittedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s exists: %w", job.ID, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.UploadJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM upload_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// transitionErr tells a missing job from one in the wrong state after a
// conditional UPDATE matched no row.
func (s *PostgresStore) transitionErr(ctx context.Context, id string) error {
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

func (s *PostgresStore) AcquireJob(ctx context.Context, id string, now time.Time) (*models.UploadJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE upload_jobs
		SET status = 'processing', attempts = attempts + 1, started_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'queued'
		RETURNING `+jobColumns, id, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.transitionErr(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("acquiring job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, rec *models.InvoiceRecord, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE upload_jobs
		SET status = 'done', last_error = NULL, last_error_kind = NULL, remediation = NULL, updated_at = $2
		WHERE id = $1 AND status = 'processing'
	`, rec.ID, now)
	if err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionErr(ctx, rec.ID)
	}

	if err := upsertInvoice(ctx, tx, rec, now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) FailJob(ctx context.Context, id string, failure models.JobFailure, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE upload_jobs
		SET status = 'failed', last_error = $2, last_error_kind = $3, remediation = $4, updated_at = $5
		WHERE id = $1 AND status IN ('queued', 'processing')
	`, id, failure.Message, failure.Kind, nullText(failure.Remediation), now)
	if err != nil {
		return fmt.Errorf("failing job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionErr(ctx, id)
	}
	return nil
}

func (s *PostgresStore) RequeueJob(ctx context.Context, id string, failure models.JobFailure, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE upload_jobs
		SET status = 'queued', started_at = NULL,
		    last_error = $2, last_error_kind = $3, remediation = $4, updated_at = $5
		WHERE id = $1 AND status = 'processing'
	`, id, failure.Message, failure.Kind, nullText(failure.Remediation), now)
	if err != nil {
		return fmt.Errorf("requeueing job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionErr(ctx, id)
	}
	return nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, id string, now time.Time) (*models.UploadJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE upload_jobs
		SET status = 'cancelled', updated_at = $2
		WHERE id = $1 AND status IN ('queued', 'processing')
		RETURNING `+jobColumns, id, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.transitionErr(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("cancelling job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ReapStaleJobs(ctx context.Context, staleBefore time.Time, maxAttempts int, now time.Time) ([]string, []string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	collect := func(query string) ([]string, error) {
		rows, err := tx.Query(ctx, query, staleBefore, maxAttempts, now)
		if err != nil {
			return nil, err
		}
		return pgx.CollectRows(rows, pgx.RowTo[string])
	}

	failed, err := collect(`
		UPDATE upload_jobs
		SET status = 'failed', started_at = NULL, updated_at = $3,
		    last_error = 'processing lease expired', last_error_kind = 'lease_expired'
		WHERE status = 'processing' AND started_at < $1 AND attempts >= $2
		RETURNING id`)
	if err != nil {
		return nil, nil, fmt.Errorf("failing stale jobs: %w", err)
	}

	requeued, err := collect(`
		UPDATE upload_jobs
		SET status = 'queued', started_at = NULL, updated_at = $3,
		    last_error = 'processing lease expired', last_error_kind = 'lease_expired'
		WHERE status = 'processing' AND started_at < $1 AND attempts < $2
		RETURNING id`)
	if err != nil {
		return nil, nil, fmt.Errorf("requeueing stale jobs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	return requeued, failed, nil
}

func (s *PostgresStore) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.UploadJob, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM upload_jobs WHERE status = $1 ORDER BY submitted_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*models.UploadJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
