package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/facturaIA/invoice-intake-service/internal/models"
)

const (
	invoicesBucket   = "invoices"
	jobsBucket       = "jobs"
	imagesBucket     = "images"
	imageTypesBucket = "image_types"
)

// BoltStore implements Store on a single BoltDB file. Raw images live in
// their own bucket.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the database file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{invoicesBucket, jobsBucket, imagesBucket, imageTypesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Ping checks the file is still readable.
func (b *BoltStore) Ping(ctx context.Context) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(jobsBucket)) == nil {
			return fmt.Errorf("bucket %q missing", jobsBucket)
		}
		return nil
	})
}

// Close closes the database file
func (b *BoltStore) Close() error {
	return b.db.Close()
}

// --- invoices ---

func (b *BoltStore) UpsertInvoice(ctx context.Context, rec *models.InvoiceRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putInvoice(tx, rec, time.Now())
	})
}

func putInvoice(tx *bbolt.Tx, rec *models.InvoiceRecord, now time.Time) error {
	bucket := tx.Bucket([]byte(invoicesBucket))

	if existing := bucket.Get([]byte(rec.ID)); existing != nil {
		var prev models.InvoiceRecord
		if err := json.Unmarshal(existing, &prev); err != nil {
			return fmt.Errorf("unmarshaling invoice: %w", err)
		}
		rec.CreatedAt = prev.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling invoice: %w", err)
	}
	return bucket.Put([]byte(rec.ID), data)
}

func (b *BoltStore) GetInvoice(ctx context.Context, id string) (*models.InvoiceRecord, error) {
	var rec *models.InvoiceRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(invoicesBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("invoice %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *BoltStore) ListInvoices(ctx context.Context, filter models.ListFilter) ([]*models.InvoiceRecord, error) {
	recs := make([]*models.InvoiceRecord, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(invoicesBucket)).ForEach(func(k, v []byte) error {
			var rec models.InvoiceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling invoice: %w", err)
			}
			if filter.Matches(&rec) {
				recs = append(recs, &rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(recs, func(i, j int) bool {
		di, dj := recs[i].EffectiveDate(), recs[j].EffectiveDate()
		if !di.Equal(dj) {
			return di.After(dj)
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(recs) > filter.Limit {
		recs = recs[:filter.Limit]
	}
	return recs, nil
}

func (b *BoltStore) Stats(ctx context.Context, ownerID string, recentSince time.Time) (*models.Stats, error) {
	recs, err := b.ListInvoices(ctx, models.ListFilter{OwnerID: ownerID})
	if err != nil {
		return nil, err
	}
	return buildStats(recs, recentSince), nil
}

// --- images ---

func (b *BoltStore) PutRawImage(ctx context.Context, key string, data []byte, contentType string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(imagesBucket)).Put([]byte(key), data); err != nil {
			return err
		}
		return tx.Bucket([]byte(imageTypesBucket)).Put([]byte(key), []byte(contentType))
	})
}

func (b *BoltStore) GetRawImage(ctx context.Context, key string) ([]byte, string, error) {
	var data []byte
	var contentType string
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(imagesBucket)).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("image %s: %w", key, ErrNotFound)
		}
		// values are only valid inside the transaction
		data = append([]byte(nil), v...)
		contentType = string(tx.Bucket([]byte(imageTypesBucket)).Get([]byte(key)))
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return data, contentType, nil
}

// --- jobs ---

func getJob(tx *bbolt.Tx, id string) (*models.UploadJob, error) {
	data := tx.Bucket([]byte(jobsBucket)).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	var job models.UploadJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job: %w", err)
	}
	return &job, nil
}

func putJob(tx *bbolt.Tx, job *models.UploadJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	return tx.Bucket([]byte(jobsBucket)).Put([]byte(job.ID), data)
}

func (b *BoltStore) CreateJob(ctx context.Context, job *models.UploadJob) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(jobsBucket)).Get([]byte(job.ID)) != nil {
			return fmt.Errorf("job %s exists: %w", job.ID, ErrConflict)
		}
		return putJob(tx, job)
	})
}

func (b *BoltStore) GetJob(ctx context.Context, id string) (*models.UploadJob, error) {
	var job *models.UploadJob
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		job, err = getJob(tx, id)
		return err
	})
	return job, err
}

// mutateJob loads a job, applies fn and stores it in one write transaction.
func (b *BoltStore) mutateJob(id string, fn func(tx *bbolt.Tx, job *models.UploadJob) error) (*models.UploadJob, error) {
	var out *models.UploadJob
	err := b.db.Update(func(tx *bbolt.Tx) error {
		job, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if err := fn(tx, job); err != nil {
			return err
		}
		out = job
		return putJob(tx, job)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltStore) AcquireJob(ctx context.Context, id string, now time.Time) (*models.UploadJob, error) {
	return b.mutateJob(id, func(_ *bbolt.Tx, job *models.UploadJob) error {
		if job.Status != models.JobQueued {
			return ErrConflict
		}
		if err := applyTransition(job, models.JobProcessing, now); err != nil {
			return err
		}
		job.Attempts++
		started := now
		job.StartedAt = &started
		return nil
	})
}

func (b *BoltStore) CompleteJob(ctx context.Context, rec *models.InvoiceRecord, now time.Time) error {
	_, err := b.mutateJob(rec.ID, func(tx *bbolt.Tx, job *models.UploadJob) error {
		if job.Status != models.JobProcessing {
			return ErrConflict
		}
		if err := applyTransition(job, models.JobDone, now); err != nil {
			return err
		}
		setFailure(job, models.JobFailure{})
		return putInvoice(tx, rec, now)
	})
	return err
}

func (b *BoltStore) FailJob(ctx context.Context, id string, failure models.JobFailure, now time.Time) error {
	_, err := b.mutateJob(id, func(_ *bbolt.Tx, job *models.UploadJob) error {
		if err := applyTransition(job, models.JobFailed, now); err != nil {
			return err
		}
		setFailure(job, failure)
		return nil
	})
	return err
}

func (b *BoltStore) RequeueJob(ctx context.Context, id string, failure models.JobFailure, now time.Time) error {
	_, err := b.mutateJob(id, func(_ *bbolt.Tx, job *models.UploadJob) error {
		if job.Status != models.JobProcessing {
			return ErrConflict
		}
		if err := applyTransition(job, models.JobQueued, now); err != nil {
			return err
		}
		setFailure(job, failure)
		job.StartedAt = nil
		return nil
	})
	return err
}

func (b *BoltStore) CancelJob(ctx context.Context, id string, now time.Time) (*models.UploadJob, error) {
	return b.mutateJob(id, func(_ *bbolt.Tx, job *models.UploadJob) error {
		return applyTransition(job, models.JobCancelled, now)
	})
}

func (b *BoltStore) ReapStaleJobs(ctx context.Context, staleBefore time.Time, maxAttempts int, now time.Time) ([]string, []string, error) {
	var requeued, failed []string
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var stale []*models.UploadJob
		err := tx.Bucket([]byte(jobsBucket)).ForEach(func(k, v []byte) error {
			var job models.UploadJob
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("unmarshaling job: %w", err)
			}
			if job.Status == models.JobProcessing && job.StartedAt != nil && job.StartedAt.Before(staleBefore) {
				stale = append(stale, &job)
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Bolt forbids writes while iterating, so update afterwards.
		for _, job := range stale {
			to := models.JobQueued
			if job.Attempts >= maxAttempts {
				to = models.JobFailed
			}
			if err := applyTransition(job, to, now); err != nil {
				return err
			}
			job.LastError = "processing lease expired"
			job.LastErrorKind = "lease_expired"
			job.StartedAt = nil
			if err := putJob(tx, job); err != nil {
				return err
			}
			if to == models.JobQueued {
				requeued = append(requeued, job.ID)
			} else {
				failed = append(failed, job.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return requeued, failed, nil
}

func (b *BoltStore) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.UploadJob, error) {
	jobs := make([]*models.UploadJob, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(jobsBucket)).ForEach(func(k, v []byte) error {
			var job models.UploadJob
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("unmarshaling job: %w", err)
			}
			if job.Status == status {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].SubmittedAt.Before(jobs[j].SubmittedAt)
	})
	return jobs, nil
}
