package inmemory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dvloznov/finance-dedup/internal/jobs"
	"github.com/google/uuid"
)

// ErrQueueClosed is returned when publishing to or starting a stopped queue.
var ErrQueueClosed = errors.New("queue is closed")

const (
	defaultWorkers      = 2
	defaultRetryBackoff = time.Second
)

// Queue is an in-memory job publisher and consumer backed by a channel.
// It suits single-instance deployments and tests.
type Queue struct {
	jobChan   chan *jobs.MaintenanceJob
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	store     jobs.JobStore
	closed    bool

	workers      int
	retryBackoff time.Duration
	now          func() time.Time
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithWorkers sets how many jobs run concurrently. Maintenance runs hold
// the ledger exclusively, so extra workers only queue behind each other.
func WithWorkers(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithRetryBackoff sets the base delay between retries; attempt n waits n times it.
func WithRetryBackoff(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.retryBackoff = d
		}
	}
}

// NewQueue creates a new in-memory job queue.
// bufferSize determines how many jobs can be queued before PublishMaintenance blocks.
func NewQueue(bufferSize int, store jobs.JobStore, opts ...QueueOption) *Queue {
	q := &Queue{
		jobChan:      make(chan *jobs.MaintenanceJob, bufferSize),
		closeChan:    make(chan struct{}),
		store:        store,
		workers:      defaultWorkers,
		retryBackoff: defaultRetryBackoff,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// PublishMaintenance enqueues a maintenance job, filling in its id, status,
// creation time and retry budget when unset.
func (q *Queue) PublishMaintenance(ctx context.Context, job *jobs.MaintenanceJob) error {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return ErrQueueClosed
	}

	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = jobs.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.now()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = jobs.DefaultMaxRetries
	}

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			return err
		}
	}

	select {
	case q.jobChan <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return ErrQueueClosed
	}
}

// Start launches the worker goroutines. Each received job is passed to handler.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	q.mu.RUnlock()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}
	return nil
}

func (q *Queue) worker(ctx context.Context, handler jobs.JobHandler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case job := <-q.jobChan:
			if job == nil {
				return
			}
			q.processJob(ctx, job, handler)
		}
	}
}

// processJob runs one job and schedules a retry on failure.
func (q *Queue) processJob(ctx context.Context, job *jobs.MaintenanceJob, handler jobs.JobHandler) {
	job.Status = jobs.JobStatusRunning
	started := q.now()
	job.StartedAt = &started

	if q.store != nil {
		_ = q.store.SaveJob(ctx, job)
	}

	err := handler(ctx, job)

	completed := q.now()
	job.CompletedAt = &completed

	var retry *jobs.MaintenanceJob
	if err != nil {
		job.Error = err.Error()

		if job.RetryCount < job.MaxRetries && ctx.Err() == nil {
			job.RetryCount++
			job.Status = jobs.JobStatusRetrying
			retry = job.Clone()
		} else {
			job.Status = jobs.JobStatusFailed
		}
	} else {
		job.Status = jobs.JobStatusCompleted
		job.Error = ""
	}

	if q.store != nil {
		_ = q.store.SaveJob(ctx, job)
	}

	// The retry is published only after the final save above.
	if retry != nil {
		backoff := time.Duration(retry.RetryCount) * q.retryBackoff
		time.AfterFunc(backoff, func() {
			retry.Status = jobs.JobStatusPending
			retry.StartedAt = nil
			retry.CompletedAt = nil
			_ = q.PublishMaintenance(ctx, retry)
		})
	}
}

// Stop closes the queue and waits for in-flight jobs to complete.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements the Publisher interface.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var _ jobs.Publisher = (*Queue)(nil)
var _ jobs.Consumer = (*Queue)(nil)
