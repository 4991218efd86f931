package services

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/facturaIA/invoice-intake-service/internal/apperr"
	"github.com/facturaIA/invoice-intake-service/internal/db"
	"github.com/facturaIA/invoice-intake-service/internal/extract"
	"github.com/facturaIA/invoice-intake-service/internal/logging"
	"github.com/facturaIA/invoice-intake-service/internal/models"
	"github.com/facturaIA/invoice-intake-service/internal/ocr"
)

// Recognizer turns image bytes into text.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte, contentType string, timeout time.Duration) (*ocr.Result, error)
}

// ProcessorStore is what one job run reads and writes.
type ProcessorStore interface {
	db.ImageStore
	CompleteJob(ctx context.Context, rec *models.InvoiceRecord, now time.Time) error
}

// Processor runs one acquired job: recognition, extraction, review and
// the final write. It satisfies jobs.Handler.
type Processor struct {
	store      ProcessorStore
	recognizer Recognizer
	extractor  *extract.Extractor
	validator  *TaxValidator
	logger     logging.Logger
	now        func() time.Time

	ocrTimeout time.Duration
	storeDelay time.Duration
}

func NewProcessor(store ProcessorStore, recognizer Recognizer, extractor *extract.Extractor, ocrTimeout time.Duration, logger logging.Logger) *Processor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Processor{
		store:      store,
		recognizer: recognizer,
		extractor:  extractor,
		validator:  NewTaxValidator(),
		logger:     logger,
		now:        time.Now,
		ocrTimeout: ocrTimeout,
		storeDelay: 200 * time.Millisecond,
	}
}

// Process returns an *apperr.Error whose kind drives the pool's retry policy.
func (p *Processor) Process(ctx context.Context, job *models.UploadJob) error {
	log := p.logger.With("job_id", job.ID)

	data, contentType, err := p.store.GetRawImage(ctx, job.ImageRef)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return apperr.Wrap(apperr.KindDecode, "raw image missing", err)
		}
		return apperr.Wrap(apperr.KindStore, "loading raw image", err)
	}
	if contentType == "" {
		contentType = job.ContentType
	}

	res, err := p.recognizer.Recognize(ctx, data, contentType, p.ocrTimeout)
	if err != nil {
		return err
	}

	rec := p.extractor.Extract(res.Text, res.Confidence, res.HasConfidence)
	rec.ID = job.ID
	rec.OwnerID = job.OwnerID
	rec.ImageRef = job.ImageRef
	rec.ContentType = contentType

	review := p.validator.Validate(rec)
	if review.NeedsReview {
		rec.NeedsReview = true
	}
	rec.ReviewNotes = append(rec.ReviewNotes, review.Notes()...)

	// one retry on a failed write, then the job fails
	backoff := retry.WithMaxRetries(1, retry.NewConstant(p.storeDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := p.store.CompleteJob(ctx, rec, p.now())
		if err == nil || errors.Is(err, db.ErrConflict) || errors.Is(err, db.ErrNotFound) {
			return err
		}
		log.Warn(ctx, "storing record failed", "error", err)
		return retry.RetryableError(err)
	})
	switch {
	case errors.Is(err, db.ErrConflict), errors.Is(err, db.ErrNotFound):
		return apperr.Wrap(apperr.KindConflict, "job is no longer processing", err)
	case err != nil:
		return apperr.Wrap(apperr.KindStore, "storing record", err)
	}

	log.Info(ctx, "invoice extracted",
		"type", rec.Type,
		"confidence", rec.Confidence,
		"needs_review", rec.NeedsReview,
	)
	return nil
}
