// Package db persists invoice records, upload jobs and raw images.
// Two back ends implement Store: PostgreSQL (with raw images in MinIO)
// and a single-file BoltDB.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/facturaIA/invoice-intake-service/internal/models"
)

var (
	// ErrNotFound is returned when a record, job or image does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a job is not in the state a transition requires.
	ErrConflict = errors.New("conflict")
)

// InvoiceStore persists extraction results.
type InvoiceStore interface {
	// UpsertInvoice is idempotent by record id (the job id). A second call
	// replaces the stored row and keeps its created-at.
	UpsertInvoice(ctx context.Context, rec *models.InvoiceRecord) error
	GetInvoice(ctx context.Context, id string) (*models.InvoiceRecord, error)
	// ListInvoices returns matching records, newest invoice date first.
	ListInvoices(ctx context.Context, filter models.ListFilter) ([]*models.InvoiceRecord, error)
	// Stats counts records created after recentSince in Recent7Days.
	Stats(ctx context.Context, ownerID string, recentSince time.Time) (*models.Stats, error)
}

// ImageStore keeps the raw uploaded bytes.
type ImageStore interface {
	PutRawImage(ctx context.Context, key string, data []byte, contentType string) error
	GetRawImage(ctx context.Context, key string) ([]byte, string, error)
}

// JobStore persists upload jobs. Every transition checks the current status
// and returns ErrConflict when it does not allow the move.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.UploadJob) error
	GetJob(ctx context.Context, id string) (*models.UploadJob, error)
	// AcquireJob moves queued -> processing, increments attempts and stamps
	// started-at. At most one caller wins for a given queued job.
	AcquireJob(ctx context.Context, id string, now time.Time) (*models.UploadJob, error)
	// CompleteJob upserts rec and moves its job processing -> done atomically.
	CompleteJob(ctx context.Context, rec *models.InvoiceRecord, now time.Time) error
	// FailJob moves queued|processing -> failed.
	FailJob(ctx context.Context, id string, failure models.JobFailure, now time.Time) error
	// RequeueJob moves processing -> queued, keeping the attempt count.
	RequeueJob(ctx context.Context, id string, failure models.JobFailure, now time.Time) error
	// CancelJob moves queued|processing -> cancelled.
	CancelJob(ctx context.Context, id string, now time.Time) (*models.UploadJob, error)
	// ReapStaleJobs returns processing jobs whose lease started before
	// staleBefore to queued, or fails them once they used maxAttempts.
	ReapStaleJobs(ctx context.Context, staleBefore time.Time, maxAttempts int, now time.Time) (requeued, failed []string, err error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.UploadJob, error)
}

// Store is everything the service needs from a back end.
type Store interface {
	InvoiceStore
	ImageStore
	JobStore

	Ping(ctx context.Context) error
	Close() error
}

// applyTransition validates the move to `to` and stamps the job.
func applyTransition(job *models.UploadJob, to models.JobStatus, now time.Time) error {
	if !models.CanTransition(job.Status, to) {
		return ErrConflict
	}
	job.Status = to
	job.UpdatedAt = now
	return nil
}

func setFailure(job *models.UploadJob, f models.JobFailure) {
	job.LastError = f.Message
	job.LastErrorKind = f.Kind
	job.Remediation = f.Remediation
}

// buildStats folds records into Stats.
func buildStats(recs []*models.InvoiceRecord, recentSince time.Time) *models.Stats {
	st := &models.Stats{ByType: make(map[models.InvoiceType]int)}
	for _, r := range recs {
		st.Total++
		if r.Total.Valid {
			st.TotalAmount = st.TotalAmount.Add(r.Total.Decimal)
		}
		if !r.CreatedAt.Before(recentSince) {
			st.Recent7Days++
		}
		if r.NeedsReview {
			st.NeedsReview++
		}
		st.ByType[r.Type]++
	}
	return st
}
