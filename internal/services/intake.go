package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/facturaIA/invoice-intake-service/internal/apperr"
	"github.com/facturaIA/invoice-intake-service/internal/db"
	"github.com/facturaIA/invoice-intake-service/internal/logging"
	"github.com/facturaIA/invoice-intake-service/internal/models"
	"github.com/facturaIA/invoice-intake-service/internal/ocr"
	"github.com/facturaIA/invoice-intake-service/internal/storage"
)

// ErrUploadTooLarge marks a validation failure caused by the size limit.
var ErrUploadTooLarge = errors.New("upload too large")

// Upload is one image handed to the gateway.
type Upload struct {
	OwnerID     string
	Filename    string
	ContentType string
	Data        []byte
}

// Submission is returned as soon as the job is queued.
type Submission struct {
	JobID  string           `json:"jobId"`
	Status models.JobStatus `json:"status"`
}

// JobView is a job plus its record once the job is done.
type JobView struct {
	Job    *models.UploadJob     `json:"job"`
	Record *models.InvoiceRecord `json:"record,omitempty"`
}

// Queue is the part of the worker pool the gateway needs.
type Queue interface {
	Submit(ctx context.Context, jobID string) error
	Cancel(ctx context.Context, jobID string) (*models.UploadJob, error)
}

// IntakeStore is what the gateway reads and writes.
type IntakeStore interface {
	db.ImageStore
	CreateJob(ctx context.Context, job *models.UploadJob) error
	GetJob(ctx context.Context, id string) (*models.UploadJob, error)
	FailJob(ctx context.Context, id string, failure models.JobFailure, now time.Time) error
	GetInvoice(ctx context.Context, id string) (*models.InvoiceRecord, error)
}

// IntakeGateway validates uploads, stores their bytes and queues a job.
// It never waits for recognition.
type IntakeGateway struct {
	store   IntakeStore
	queue   Queue
	cfg     models.IntakeConfig
	allowed map[string]bool
	logger  logging.Logger
	now     func() time.Time
}

func NewIntakeGateway(store IntakeStore, queue Queue, cfg models.IntakeConfig, logger logging.Logger) *IntakeGateway {
	allowed := make(map[string]bool, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		allowed[t] = true
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &IntakeGateway{
		store:   store,
		queue:   queue,
		cfg:     cfg,
		allowed: allowed,
		logger:  logger,
		now:     time.Now,
	}
}

// Submit validates u, stores it and queues a job for it.
func (g *IntakeGateway) Submit(ctx context.Context, u Upload) (*Submission, error) {
	if len(u.Data) == 0 {
		return nil, apperr.Validation("empty upload")
	}
	if g.cfg.MaxUploadBytes > 0 && int64(len(u.Data)) > g.cfg.MaxUploadBytes {
		return nil, apperr.Wrap(apperr.KindValidation,
			fmt.Sprintf("upload of %d bytes exceeds the %d byte limit", len(u.Data), g.cfg.MaxUploadBytes),
			ErrUploadTooLarge)
	}

	contentType := ocr.DetectContentType(u.ContentType, u.Data)
	if !g.allowed[contentType] {
		return nil, apperr.Validation("unsupported content type %q", contentType)
	}

	now := g.now().UTC()
	id := uuid.NewString()
	key := storage.ObjectKey(u.OwnerID, id, now, storage.ExtensionFor(contentType))

	if err := g.store.PutRawImage(ctx, key, u.Data, contentType); err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "storing image", err)
	}

	job := &models.UploadJob{
		ID:          id,
		OwnerID:     u.OwnerID,
		ImageRef:    key,
		ContentType: contentType,
		Filename:    u.Filename,
		Status:      models.JobQueued,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if err := g.store.CreateJob(ctx, job); err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "creating job", err)
	}

	if err := g.queue.Submit(ctx, id); err != nil {
		failure := models.JobFailure{Message: "enqueue failed: " + err.Error(), Kind: string(apperr.KindStore)}
		if ferr := g.store.FailJob(ctx, id, failure, g.now()); ferr != nil {
			g.logger.Error(ctx, "marking unqueued job failed", "job_id", id, "error", ferr)
		}
		return nil, apperr.Wrap(apperr.KindStore, "enqueueing job", err)
	}

	g.logger.Info(ctx, "upload queued",
		"job_id", id,
		"owner", u.OwnerID,
		"content_type", contentType,
		"bytes", len(u.Data),
	)
	return &Submission{JobID: id, Status: models.JobQueued}, nil
}

// Status returns the job and, once it is done, its record.
func (g *IntakeGateway) Status(ctx context.Context, jobID string) (*JobView, error) {
	job, err := g.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, storeErr("job", err)
	}
	view := &JobView{Job: job}
	if job.Status == models.JobDone {
		rec, err := g.store.GetInvoice(ctx, jobID)
		if err != nil {
			return nil, storeErr("invoice", err)
		}
		view.Record = rec
	}
	return view, nil
}

// Cancel stops a job that has not finished yet.
func (g *IntakeGateway) Cancel(ctx context.Context, jobID string) (*models.UploadJob, error) {
	job, err := g.queue.Cancel(ctx, jobID)
	if err != nil {
		return nil, storeErr("job", err)
	}
	g.logger.Info(ctx, "job cancelled", "job_id", jobID)
	return job, nil
}

// storeErr maps store sentinels to kinds the HTTP layer understands.
func storeErr(what string, err error) error {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return apperr.Wrap(apperr.KindNotFound, what+" not found", err)
	case errors.Is(err, db.ErrConflict):
		return apperr.Wrap(apperr.KindConflict, what+" already finished", err)
	default:
		return apperr.Wrap(apperr.KindStore, "loading "+what, err)
	}
}
