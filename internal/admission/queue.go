package admission

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alecgard/gabelle/internal/credit"
)

// Deductor is the interface used by DeductQueue to consume credits.
// It exists to allow testing without a real database.
type Deductor interface {
	DeductCredits(ctx context.Context, in credit.DeductInput) (*credit.Transaction, error)
}

// QueueMetrics is an optional interface for recording queue activity.
type QueueMetrics interface {
	IncDeductEnqueued()
	IncDeductRetried()
	IncDeductDropped(reason string)
}

type deductJob struct {
	in       credit.DeductInput
	attempts int
}

// DeductQueue applies post-response deductions asynchronously with
// at-least-once delivery. Jobs that fail on transient errors (database
// down, timeouts) are retried up to maxAttempts; jobs rejected by the
// accounting rules themselves (insufficient credits, missing balance)
// are not retryable and are dropped with a dead-letter log entry.
// It is safe for concurrent use.
type DeductQueue struct {
	svc           Deductor
	mu            sync.Mutex
	jobs          []deductJob
	retryInterval time.Duration
	maxAttempts   int
	wake          chan struct{}
	done          chan struct{}
	stopped       chan struct{}
	metrics       QueueMetrics
}

// NewDeductQueue creates a queue that drains immediately on enqueue and
// retries failed jobs every retryInterval, giving each job maxAttempts
// tries before dropping it.
func NewDeductQueue(svc Deductor, retryInterval time.Duration, maxAttempts int) *DeductQueue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &DeductQueue{
		svc:           svc,
		retryInterval: retryInterval,
		maxAttempts:   maxAttempts,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
}

// SetMetrics sets the optional metrics recorder.
func (q *DeductQueue) SetMetrics(m QueueMetrics) {
	q.metrics = m
}

// Enqueue schedules a deduction for asynchronous application. It never
// blocks the caller.
func (q *DeductQueue) Enqueue(in credit.DeductInput) {
	q.mu.Lock()
	q.jobs = append(q.jobs, deductJob{in: in})
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.IncDeductEnqueued()
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start begins the background drain loop. It blocks until Stop is called
// or the context is cancelled; a final drain runs on the way out.
func (q *DeductQueue) Start(ctx context.Context) {
	defer close(q.stopped)

	ticker := time.NewTicker(q.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.wake:
			q.drain()
		case <-ticker.C:
			q.drain()
		case <-ctx.Done():
			q.drain()
			return
		case <-q.done:
			q.drain()
			return
		}
	}
}

// Stop signals the background goroutine to exit after a final drain and
// blocks until that drain has finished, so callers can safely release
// resources the deductions depend on. Start must be running and Stop
// must be called at most once.
func (q *DeductQueue) Stop() {
	close(q.done)
	<-q.stopped
}

// Pending reports the number of jobs waiting for (re)delivery.
func (q *DeductQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// drain attempts every queued job once. Transient failures are requeued
// with an incremented attempt count.
func (q *DeductQueue) drain() {
	q.mu.Lock()
	if len(q.jobs) == 0 {
		q.mu.Unlock()
		return
	}
	batch := q.jobs
	q.jobs = nil
	q.mu.Unlock()

	var requeue []deductJob
	for _, job := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := q.svc.DeductCredits(ctx, job.in)
		cancel()

		if err == nil {
			continue
		}

		if !isRetryable(err) {
			slog.Error("dropping non-retryable deduction",
				"org", job.in.OrganizationID,
				"amount", job.in.Amount,
				"tool", job.in.ToolSlug,
				"job", job.in.JobID,
				"error", err)
			if q.metrics != nil {
				q.metrics.IncDeductDropped("rejected")
			}
			continue
		}

		job.attempts++
		if job.attempts >= q.maxAttempts {
			slog.Error("dropping deduction after max attempts",
				"org", job.in.OrganizationID,
				"amount", job.in.Amount,
				"tool", job.in.ToolSlug,
				"job", job.in.JobID,
				"attempts", job.attempts,
				"error", err)
			if q.metrics != nil {
				q.metrics.IncDeductDropped("exhausted")
			}
			continue
		}

		slog.Warn("deduction failed, will retry",
			"org", job.in.OrganizationID,
			"amount", job.in.Amount,
			"attempt", job.attempts,
			"error", err)
		if q.metrics != nil {
			q.metrics.IncDeductRetried()
		}
		requeue = append(requeue, job)
	}

	if len(requeue) > 0 {
		q.mu.Lock()
		q.jobs = append(q.jobs, requeue...)
		q.mu.Unlock()
	}
}

// isRetryable distinguishes transient storage failures from rejections
// by the accounting rules. Rule rejections will fail identically on
// every attempt, so retrying them only delays the dead letter.
func isRetryable(err error) bool {
	var (
		insufficient *credit.InsufficientCreditsError
		notFound     *credit.BalanceNotFoundError
	)
	if errors.As(err, &insufficient) || errors.As(err, &notFound) {
		return false
	}
	if errors.Is(err, credit.ErrInvalidAmount) {
		return false
	}
	return true
}
