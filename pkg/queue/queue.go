package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/orderflow/pkg/util"
)

var (
	// ErrPermanent marks a job failure that must not be retried.
	ErrPermanent    = errors.New("permanent job failure")
	ErrDuplicateJob = errors.New("job already queued for order")
	ErrClosed       = errors.New("queue closed")
	ErrUnknownJob   = errors.New("job is not live")
)

// Job is one unit of work: drive a single order through the pipeline.
// Attempt counts deliveries, so the first run sees Attempt == 1.
type Job struct {
	OrderID    string    `json:"orderId"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	NotBefore  time.Time `json:"notBefore,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
}

// JobStore mirrors live jobs so they survive a restart.
type JobStore interface {
	SaveJob(ctx context.Context, job Job) error
	DeleteJob(ctx context.Context, orderID string) error
	LoadJobs(ctx context.Context) ([]Job, error)
}

// Outcome tells the caller what Fail did with the job.
type Outcome struct {
	Retry bool
	Delay time.Duration
}

// Queue is an at-least-once job queue with one live job per order id.
// Ready jobs are served FIFO to competing consumers.
type Queue struct {
	policy RetryPolicy
	store  JobStore
	clock  util.Clock
	log    *zap.SugaredLogger

	mu      sync.Mutex
	live    map[string]*Job
	ready   []string
	changed chan struct{}
	done    chan struct{}
	closed  bool
}

func New(policy RetryPolicy, store JobStore, clock util.Clock, log *zap.SugaredLogger) *Queue {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Queue{
		policy:  policy,
		store:   store,
		clock:   clock,
		log:     log,
		live:    make(map[string]*Job),
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (q *Queue) Policy() RetryPolicy { return q.policy }

// Enqueue admits a new job for orderID.
func (q *Queue) Enqueue(ctx context.Context, orderID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if _, ok := q.live[orderID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, orderID)
	}
	job := &Job{OrderID: orderID, EnqueuedAt: q.clock.Now()}
	if err := q.persist(ctx, *job); err != nil {
		return err
	}
	q.live[orderID] = job
	q.pushLocked(orderID)
	return nil
}

// Recover re-admits every persisted job. Jobs that were in flight when the
// process stopped run again; their attempt count is kept.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	jobs, err := q.store.LoadJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load jobs: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}
	n := 0
	now := q.clock.Now()
	for _, j := range jobs {
		if _, ok := q.live[j.OrderID]; ok {
			continue
		}
		job := j
		q.live[job.OrderID] = &job
		if wait := job.NotBefore.Sub(now); wait > 0 {
			q.scheduleLocked(job.OrderID, wait)
		} else {
			q.pushLocked(job.OrderID)
		}
		n++
	}
	if n > 0 {
		q.log.Infow("jobs_recovered", "count", n)
	}
	return n, nil
}

// Dequeue blocks until a job is ready, ctx ends, or the queue closes.
func (q *Queue) Dequeue(ctx context.Context) (Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Job{}, ErrClosed
		}
		if len(q.ready) > 0 {
			id := q.ready[0]
			q.ready = q.ready[1:]
			job := q.live[id]
			job.Attempt++
			job.NotBefore = time.Time{}
			out := *job
			if err := q.persist(ctx, out); err != nil {
				q.log.Warnw("job_persist_failed", "order_id", id, "err", err)
			}
			q.mu.Unlock()
			return out, nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-wait:
		}
	}
}

// Ack removes a finished job. Store writes happen under the queue lock so a
// job re-enqueued for the same order is never deleted by a late Ack.
func (q *Queue) Ack(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.live[job.OrderID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, job.OrderID)
	}
	delete(q.live, job.OrderID)
	return q.remove(ctx, job.OrderID)
}

// Fail records a failed attempt. Permanent errors and exhausted budgets drop the
// job; anything else is retried after the policy's backoff.
func (q *Queue) Fail(ctx context.Context, job Job, cause error) Outcome {
	q.mu.Lock()
	live, ok := q.live[job.OrderID]
	if !ok {
		q.mu.Unlock()
		return Outcome{}
	}
	if errors.Is(cause, ErrPermanent) || q.policy.Exhausted(live.Attempt) {
		delete(q.live, job.OrderID)
		if err := q.remove(ctx, job.OrderID); err != nil {
			q.log.Warnw("job_delete_failed", "order_id", job.OrderID, "err", err)
		}
		q.mu.Unlock()
		q.log.Infow("job_dropped", "order_id", job.OrderID, "attempt", live.Attempt, "err", cause)
		return Outcome{}
	}

	delay := q.policy.Backoff(live.Attempt)
	live.NotBefore = q.clock.Now().Add(delay)
	if cause != nil {
		live.LastError = cause.Error()
	}
	snapshot := *live
	if err := q.persist(ctx, snapshot); err != nil {
		q.log.Warnw("job_persist_failed", "order_id", job.OrderID, "err", err)
	}
	if !q.closed {
		q.scheduleLocked(job.OrderID, delay)
	}
	q.mu.Unlock()

	q.log.Infow("job_retry_scheduled", "order_id", job.OrderID, "attempt", snapshot.Attempt, "delay", delay)
	return Outcome{Retry: true, Delay: delay}
}

// Len is the number of live jobs, including delayed and in-flight ones.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.live)
}

// Close wakes blocked consumers with ErrClosed. Persisted jobs stay in the store.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
	close(q.changed)
}

func (q *Queue) pushLocked(orderID string) {
	q.ready = append(q.ready, orderID)
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) scheduleLocked(orderID string, delay time.Duration) {
	timer := q.clock.After(delay)
	go func() {
		select {
		case <-q.done:
		case <-timer:
			q.mu.Lock()
			defer q.mu.Unlock()
			if _, ok := q.live[orderID]; ok && !q.closed {
				q.pushLocked(orderID)
			}
		}
	}()
}

func (q *Queue) persist(ctx context.Context, job Job) error {
	if q.store == nil {
		return nil
	}
	if err := q.store.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("save job %s: %w", job.OrderID, err)
	}
	return nil
}

func (q *Queue) remove(ctx context.Context, orderID string) error {
	if q.store == nil {
		return nil
	}
	if err := q.store.DeleteJob(ctx, orderID); err != nil {
		return fmt.Errorf("delete job %s: %w", orderID, err)
	}
	return nil
}
