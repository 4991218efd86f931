package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/facturaIA/invoice-intake-service/internal/apperr"
	"github.com/facturaIA/invoice-intake-service/internal/db"
	"github.com/facturaIA/invoice-intake-service/internal/logging"
	"github.com/facturaIA/invoice-intake-service/internal/models"
)

// Handler runs one acquired job to completion. It owns the move to done;
// the pool owns failure and retry.
type Handler interface {
	Process(ctx context.Context, job *models.UploadJob) error
}

type HandlerFunc func(ctx context.Context, job *models.UploadJob) error

func (f HandlerFunc) Process(ctx context.Context, job *models.UploadJob) error {
	return f(ctx, job)
}

// Pool consumes job ids from a Broker with a fixed number of workers.
type Pool struct {
	store   db.JobStore
	broker  Broker
	handler Handler
	logger  logging.Logger
	now     func() time.Time

	workers        int
	maxAttempts    int
	backoffBase    time.Duration
	backoffMax     time.Duration
	processTimeout time.Duration
	leaseTimeout   time.Duration
	reapInterval   time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	closed  bool
	timers  map[*time.Timer]struct{}
}

type Option func(*Pool)

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithBackoff sets the first retry delay and its ceiling. The delay doubles
// on each attempt.
func WithBackoff(base, max time.Duration) Option {
	return func(p *Pool) {
		if base > 0 {
			p.backoffBase = base
		}
		if max > 0 {
			p.backoffMax = max
		}
	}
}

func WithProcessTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.processTimeout = d
		}
	}
}

// WithLease sets how long a job may stay processing before the reaper
// takes it back, and how often the reaper runs.
func WithLease(timeout, interval time.Duration) Option {
	return func(p *Pool) {
		if timeout > 0 {
			p.leaseTimeout = timeout
		}
		if interval > 0 {
			p.reapInterval = interval
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// FromConfig turns the queue section of the configuration into options.
func FromConfig(cfg models.QueueConfig) []Option {
	return []Option{
		WithWorkers(cfg.Workers),
		WithMaxAttempts(cfg.MaxAttempts),
		WithBackoff(cfg.BackoffBase, cfg.BackoffMax),
		WithProcessTimeout(cfg.ProcessTimeout),
		WithLease(cfg.LeaseTimeout, cfg.ReapInterval),
	}
}

func NewPool(store db.JobStore, broker Broker, handler Handler, opts ...Option) *Pool {
	p := &Pool{
		store:          store,
		broker:         broker,
		handler:        handler,
		logger:         logging.Discard(),
		now:            time.Now,
		workers:        4,
		maxAttempts:    3,
		backoffBase:    2 * time.Second,
		backoffMax:     time.Minute,
		processTimeout: 3 * time.Minute,
		leaseTimeout:   10 * time.Minute,
		reapInterval:   30 * time.Second,
		timers:         make(map[*time.Timer]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start re-publishes jobs left queued by a previous run, then starts the
// workers and the lease reaper.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return errors.New("pool already started")
	}
	p.started = true
	p.mu.Unlock()

	queued, err := p.store.ListJobsByStatus(ctx, models.JobQueued)
	if err != nil {
		return err
	}
	for _, job := range queued {
		if err := p.broker.Publish(ctx, job.ID); err != nil {
			return err
		}
	}
	if len(queued) > 0 {
		p.logger.Info(ctx, "recovered queued jobs", "count", len(queued))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	deliveries, err := p.broker.Consume(runCtx)
	if err != nil {
		cancel()
		return err
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			log := p.logger.With("worker_id", workerID)
			log.Debug(runCtx, "worker started")

			for d := range deliveries {
				p.handle(log, d)
			}

			log.Debug(runCtx, "worker stopped")
		}(i + 1)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reapLoop(runCtx)
	}()

	p.logger.Info(ctx, "worker pool started", "workers", p.workers)
	return nil
}

// Submit hands a queued job to the workers.
func (p *Pool) Submit(ctx context.Context, jobID string) error {
	return p.broker.Publish(ctx, jobID)
}

// Cancel marks a queued or processing job cancelled. A worker notices at
// acquire time, or when it tries to store the result.
func (p *Pool) Cancel(ctx context.Context, jobID string) (*models.UploadJob, error) {
	return p.store.CancelJob(ctx, jobID, p.now())
}

func (p *Pool) handle(log logging.Logger, d Delivery) {
	ctx := context.Background()
	defer func() {
		if err := d.Ack(); err != nil {
			log.Warn(ctx, "ack failed", "job_id", d.JobID, "error", err)
		}
	}()

	job, err := p.store.AcquireJob(ctx, d.JobID, p.now())
	if err != nil {
		if errors.Is(err, db.ErrConflict) || errors.Is(err, db.ErrNotFound) {
			log.Debug(ctx, "skipping job", "job_id", d.JobID, "reason", err)
			return
		}
		log.Error(ctx, "acquire failed", "job_id", d.JobID, "error", err)
		p.republishAfter(d.JobID, p.backoffBase)
		return
	}

	log = log.With("job_id", job.ID, "attempt", job.Attempts)
	log.Info(ctx, "processing job")

	pctx, cancel := context.WithTimeout(ctx, p.processTimeout)
	started := time.Now()
	err = p.handler.Process(pctx, job)
	cancel()

	if err == nil {
		log.Info(ctx, "job done", "elapsed", time.Since(started))
		return
	}
	p.settle(ctx, log, job, err)
}

// settle applies the failure policy for err.
func (p *Pool) settle(ctx context.Context, log logging.Logger, job *models.UploadJob, err error) {
	kind := apperr.KindOf(err)
	failure := models.JobFailure{
		Message:     err.Error(),
		Kind:        string(kind),
		Remediation: apperr.RemediationOf(err),
	}

	switch kind {
	case apperr.KindConflict:
		// cancelled while processing; the store already holds the final state
		log.Info(ctx, "job cancelled during processing")
		return

	case apperr.KindRecognitionTimeout, apperr.KindTransient:
		if job.Attempts < p.maxAttempts {
			if rerr := p.store.RequeueJob(ctx, job.ID, failure, p.now()); rerr != nil {
				log.Warn(ctx, "requeue failed", "error", rerr)
				return
			}
			delay := p.backoff(job.Attempts)
			log.Warn(ctx, "job will be retried", "error", err, "kind", kind, "delay", delay)
			p.republishAfter(job.ID, delay)
			return
		}
	}

	if ferr := p.store.FailJob(ctx, job.ID, failure, p.now()); ferr != nil {
		log.Warn(ctx, "marking job failed", "error", ferr)
		return
	}
	log.Error(ctx, "job failed", "error", err, "kind", kind)
}

// backoff returns the delay before the retry that follows attempt n (1-based).
func (p *Pool) backoff(attempt int) time.Duration {
	b := retry.WithCappedDuration(p.backoffMax, retry.NewExponential(p.backoffBase))
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d, _ = b.Next()
	}
	return d
}

func (p *Pool) republishAfter(jobID string, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		// still queued in the store; recovered on next start
		return
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, t)
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		if err := p.broker.Publish(context.Background(), jobID); err != nil {
			p.logger.Error(context.Background(), "republish failed", "job_id", jobID, "error", err)
		}
	})
	p.timers[t] = struct{}{}
}

func (p *Pool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Reap(ctx)
		}
	}
}

// Reap returns expired processing leases to the queue, or fails them when
// the attempt ceiling is used up.
func (p *Pool) Reap(ctx context.Context) {
	now := p.now()
	requeued, failed, err := p.store.ReapStaleJobs(ctx, now.Add(-p.leaseTimeout), p.maxAttempts, now)
	if err != nil {
		p.logger.Error(ctx, "reaping stale jobs", "error", err)
		return
	}
	for _, id := range requeued {
		if err := p.broker.Publish(ctx, id); err != nil {
			p.logger.Error(ctx, "republishing reaped job", "job_id", id, "error", err)
		}
	}
	if len(requeued)+len(failed) > 0 {
		p.logger.Warn(ctx, "reaped stale jobs", "requeued", len(requeued), "failed", len(failed))
	}
}

// Shutdown stops taking deliveries and waits for in-flight jobs.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for t := range p.timers {
		t.Stop()
	}
	p.timers = nil
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.logger.Warn(ctx, "shutdown interrupted by context")
		return ctx.Err()
	case <-done:
		p.logger.Info(ctx, "queue drained, shutdown complete")
		return nil
	}
}
