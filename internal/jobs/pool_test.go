package jobs

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturaIA/invoice-intake-service/internal/apperr"
	"github.com/facturaIA/invoice-intake-service/internal/db"
	"github.com/facturaIA/invoice-intake-service/internal/models"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func openStore(t *testing.T) *db.BoltStore {
	t.Helper()
	s, err := db.NewBoltStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func queueJob(t *testing.T, s db.JobStore, id string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, s.CreateJob(context.Background(), &models.UploadJob{
		ID:          id,
		OwnerID:     "owner-1",
		ImageRef:    id + ".png",
		ContentType: "image/png",
		Status:      models.JobQueued,
		SubmittedAt: now,
		UpdatedAt:   now,
	}))
}

func completing(s db.JobStore, rec *recorder) Handler {
	return HandlerFunc(func(ctx context.Context, job *models.UploadJob) error {
		rec.add(job.ID)
		return s.CompleteJob(ctx, &models.InvoiceRecord{
			ID:      job.ID,
			OwnerID: job.OwnerID,
			Type:    models.TypeGeneric,
		}, time.Now())
	})
}

func startPool(t *testing.T, s db.JobStore, h Handler, opts ...Option) (*Pool, *MemoryBroker) {
	t.Helper()
	broker := NewMemoryBroker()
	opts = append([]Option{WithWorkers(2), WithBackoff(time.Millisecond, 5*time.Millisecond)}, opts...)
	p := NewPool(s, broker, h, opts...)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Shutdown(ctx)
		broker.Close()
	})
	return p, broker
}

func waitStatus(t *testing.T, s db.JobStore, id string, want models.JobStatus) *models.UploadJob {
	t.Helper()
	var job *models.UploadJob
	require.Eventually(t, func() bool {
		var err error
		job, err = s.GetJob(context.Background(), id)
		return err == nil && job.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestPoolProcessesSubmittedJob(t *testing.T) {
	s := openStore(t)
	rec := &recorder{}
	p, _ := startPool(t, s, completing(s, rec))

	queueJob(t, s, "job-1")
	require.NoError(t, p.Submit(context.Background(), "job-1"))

	job := waitStatus(t, s, "job-1", models.JobDone)
	assert.Equal(t, 1, job.Attempts)
	_, err := s.GetInvoice(context.Background(), "job-1")
	assert.NoError(t, err)
}

func TestPoolFailsDecodeErrorsWithoutRetry(t *testing.T) {
	s := openStore(t)
	rec := &recorder{}
	h := HandlerFunc(func(ctx context.Context, job *models.UploadJob) error {
		rec.add(job.ID)
		return apperr.Wrap(apperr.KindDecode, "cannot decode image", assert.AnError)
	})
	p, _ := startPool(t, s, h)

	queueJob(t, s, "bad")
	require.NoError(t, p.Submit(context.Background(), "bad"))

	job := waitStatus(t, s, "bad", models.JobFailed)
	assert.Equal(t, "decode", job.LastErrorKind)
	assert.Equal(t, []string{"bad"}, rec.list())

	_, err := s.GetInvoice(context.Background(), "bad")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestPoolRetriesTransientErrorsUpToMaxAttempts(t *testing.T) {
	s := openStore(t)
	rec := &recorder{}
	h := HandlerFunc(func(ctx context.Context, job *models.UploadJob) error {
		rec.add(job.ID)
		return apperr.New(apperr.KindRecognitionTimeout, "tesseract timed out")
	})
	p, _ := startPool(t, s, h, WithMaxAttempts(3))

	queueJob(t, s, "slow")
	require.NoError(t, p.Submit(context.Background(), "slow"))

	job := waitStatus(t, s, "slow", models.JobFailed)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, "recognition_timeout", job.LastErrorKind)
	assert.Len(t, rec.list(), 3)
}

func TestPoolRetryEventuallySucceeds(t *testing.T) {
	s := openStore(t)
	var mu sync.Mutex
	calls := 0
	h := HandlerFunc(func(ctx context.Context, job *models.UploadJob) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return apperr.New(apperr.KindTransient, "engine crashed")
		}
		return s.CompleteJob(ctx, &models.InvoiceRecord{ID: job.ID, Type: models.TypeGeneric}, time.Now())
	})
	p, _ := startPool(t, s, h)

	queueJob(t, s, "flaky")
	require.NoError(t, p.Submit(context.Background(), "flaky"))

	job := waitStatus(t, s, "flaky", models.JobDone)
	assert.Equal(t, 2, job.Attempts)
}

func TestPoolSkipsCancelledJobs(t *testing.T) {
	s := openStore(t)
	rec := &recorder{}
	p, _ := startPool(t, s, completing(s, rec), WithWorkers(1))

	queueJob(t, s, "cancelled")
	queueJob(t, s, "kept")
	_, err := p.Cancel(context.Background(), "cancelled")
	require.NoError(t, err)

	require.NoError(t, p.Submit(context.Background(), "cancelled"))
	require.NoError(t, p.Submit(context.Background(), "kept"))

	waitStatus(t, s, "kept", models.JobDone)
	assert.Equal(t, []string{"kept"}, rec.list())

	job, err := s.GetJob(context.Background(), "cancelled")
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, job.Status)
	assert.Equal(t, 0, job.Attempts)
}

func TestPoolRecoversQueuedJobsOnStart(t *testing.T) {
	s := openStore(t)
	queueJob(t, s, "left-over")

	rec := &recorder{}
	startPool(t, s, completing(s, rec))

	waitStatus(t, s, "left-over", models.JobDone)
}

func TestReapReturnsExpiredLeasesToQueue(t *testing.T) {
	s := openStore(t)
	queueJob(t, s, "stuck")
	_, err := s.AcquireJob(context.Background(), "stuck", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	broker := NewMemoryBroker()
	defer broker.Close()
	p := NewPool(s, broker, completing(s, &recorder{}), WithLease(time.Minute, time.Hour))

	p.Reap(context.Background())

	job, err := s.GetJob(context.Background(), "stuck")
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Equal(t, "lease_expired", job.LastErrorKind)
	assert.Equal(t, 1, broker.Len())
}

func TestBackoffDoublesUpToCeiling(t *testing.T) {
	p := NewPool(nil, nil, nil, WithBackoff(2*time.Second, 5*time.Second))

	assert.Equal(t, 2*time.Second, p.backoff(1))
	assert.Equal(t, 4*time.Second, p.backoff(2))
	assert.Equal(t, 5*time.Second, p.backoff(3))
}

func TestFromConfig(t *testing.T) {
	var cfg models.Config
	cfg.ApplyDefaults()
	cfg.Queue.Workers = 7

	p := NewPool(nil, nil, nil, FromConfig(cfg.Queue)...)
	assert.Equal(t, 7, p.workers)
	assert.Equal(t, 3, p.maxAttempts)
	assert.Equal(t, 10*time.Minute, p.leaseTimeout)
}

func TestShutdownWithoutStart(t *testing.T) {
	p := NewPool(nil, NewMemoryBroker(), nil, withClock(time.Now))
	assert.NoError(t, p.Shutdown(context.Background()))
}
