// Package pipeline runs the durable jobs that follow a webhook: deferred
// normalization, recording fetch, and dispatch to the analysis service.
//
// The consumer dequeues serially, one job at a time. A handler error
// schedules a retry from the backoff table until the job's max_attempts is
// reached, after which the job is dead. Errors wrapped with Permanent skip
// the retries and fail the job immediately.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/switchboard/internal/log"
	"github.com/mattjoyce/switchboard/internal/metrics"
	"github.com/mattjoyce/switchboard/internal/queue"
)

// DefaultBackoff is the delay before each attempt: the first runs at once,
// later ones wait progressively longer. The last entry repeats.
var DefaultBackoff = []time.Duration{0, time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour}

// Handler runs one job.
type Handler func(ctx context.Context, job *queue.Job) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Consumer dequeues jobs and runs the handler registered for their kind.
type Consumer struct {
	queue        JobQueue
	handlers     map[queue.Kind]Handler
	backoff      []time.Duration
	pollInterval time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

func NewConsumer(q JobQueue, pollInterval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Consumer {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Consumer{
		queue:        q,
		handlers:     make(map[queue.Kind]Handler),
		backoff:      DefaultBackoff,
		pollInterval: pollInterval,
		metrics:      m,
		logger:       logger,
		now:          time.Now,
	}
}

// Handle registers h for kind.
func (c *Consumer) Handle(kind queue.Kind, h Handler) {
	c.handlers[kind] = h
}

// Start runs the consume loop until ctx is cancelled. Each tick drains every
// runnable job before waiting again.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer loop started")
	defer c.logger.Info("consumer loop stopped")

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				ran, err := c.ProcessNext(ctx)
				if err != nil {
					c.logger.Error("failed to process job", "error", err)
					break
				}
				if !ran || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// ProcessNext runs at most one job. It reports whether a job was dequeued.
func (c *Consumer) ProcessNext(ctx context.Context) (bool, error) {
	job, err := c.queue.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return false, nil
	}
	c.execute(ctx, job)
	return true, nil
}

func (c *Consumer) execute(ctx context.Context, job *queue.Job) {
	jobLogger := log.WithJob(c.logger, job.ID).With("kind", job.Kind)
	jobLogger.Debug("executing job", "attempt", job.Attempt)

	h, ok := c.handlers[job.Kind]
	if !ok {
		errMsg := fmt.Sprintf("no handler for job kind %q", job.Kind)
		jobLogger.Error(errMsg)
		c.complete(ctx, job, queue.StatusFailed, &errMsg, jobLogger)
		return
	}

	err := h(ctx, job)
	switch {
	case err == nil:
		c.complete(ctx, job, queue.StatusSucceeded, nil, jobLogger)
	case IsPermanent(err):
		errMsg := err.Error()
		jobLogger.Warn("job failed permanently", "error", errMsg)
		c.complete(ctx, job, queue.StatusFailed, &errMsg, jobLogger)
	case job.Attempt >= job.MaxAttempts:
		errMsg := fmt.Sprintf("max attempts (%d) reached: %v", job.MaxAttempts, err)
		jobLogger.Error("job is dead", "error", err, "attempt", job.Attempt)
		c.complete(ctx, job, queue.StatusDead, &errMsg, jobLogger)
	default:
		next := c.now().Add(c.delayAfter(job.Attempt))
		jobLogger.Warn("job failed, retrying", "error", err, "attempt", job.Attempt, "next_retry_at", next)
		if rerr := c.queue.Retry(ctx, job.ID, next, err.Error()); rerr != nil {
			jobLogger.Error("failed to schedule retry", "error", rerr)
			return
		}
		c.metrics.RecordJob(string(job.Kind), "retried")
	}
}

// delayAfter returns the wait before the attempt that follows attempt.
func (c *Consumer) delayAfter(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(c.backoff) {
		return c.backoff[len(c.backoff)-1]
	}
	return c.backoff[attempt]
}

func (c *Consumer) complete(ctx context.Context, job *queue.Job, status queue.Status, lastError *string, jobLogger *slog.Logger) {
	if err := c.queue.Complete(ctx, job.ID, status, lastError); err != nil {
		jobLogger.Error("failed to complete job", "status", status, "error", err)
		return
	}
	c.metrics.RecordJob(string(job.Kind), string(status))
	jobLogger.Debug("job completed", "status", status)
}
