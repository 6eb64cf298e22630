package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/switchboard/internal/log"
	"github.com/mattjoyce/switchboard/internal/metrics"
	"github.com/mattjoyce/switchboard/internal/queue"
	"github.com/mattjoyce/switchboard/internal/storage"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return queue.New(db)
}

func enqueueJob(t *testing.T, q *queue.Queue, kind queue.Kind, maxAttempts int) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
		Kind:        kind,
		Payload:     []byte(`{}`),
		MaxAttempts: maxAttempts,
		SubmittedBy: "test",
	})
	require.NoError(t, err)
	return id
}

func TestDelayAfter(t *testing.T) {
	c := NewConsumer(nil, 0, nil, log.Discard())
	assert.Equal(t, time.Duration(0), c.delayAfter(0))
	assert.Equal(t, time.Minute, c.delayAfter(1))
	assert.Equal(t, 5*time.Minute, c.delayAfter(2))
	assert.Equal(t, time.Hour, c.delayAfter(4))
	assert.Equal(t, time.Hour, c.delayAfter(40))
	assert.Equal(t, time.Duration(0), c.delayAfter(-3))
}

func TestConsumerSuccess(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	id := enqueueJob(t, q, queue.KindAnalyze, 3)

	c := NewConsumer(q, time.Millisecond, metrics.New(), log.Discard())
	var seen string
	c.Handle(queue.KindAnalyze, func(_ context.Context, job *queue.Job) error {
		seen = job.ID
		return nil
	})

	ran, err := c.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, id, seen)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSucceeded, job.Status)

	ran, err = c.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestConsumerRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	id := enqueueJob(t, q, queue.KindFetchRecording, 5)

	now := time.Now().UTC()
	c := NewConsumer(q, time.Millisecond, nil, log.Discard())
	c.now = func() time.Time { return now }
	c.Handle(queue.KindFetchRecording, func(context.Context, *queue.Job) error {
		return errors.New("upstream 503")
	})

	_, err := c.ProcessNext(ctx)
	require.NoError(t, err)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, job.Status)
	assert.Equal(t, 2, job.Attempt)
	require.NotNil(t, job.NextRetryAt)
	assert.WithinDuration(t, now.Add(time.Minute), *job.NextRetryAt, time.Millisecond)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "upstream 503", *job.LastError)

	// Not runnable until the backoff elapses.
	ran, err := c.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestConsumerDeadAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	id := enqueueJob(t, q, queue.KindAnalyze, 2)

	c := NewConsumer(q, time.Millisecond, nil, log.Discard())
	c.backoff = []time.Duration{0}
	c.now = func() time.Time { return time.Now().Add(-time.Second) }
	calls := 0
	c.Handle(queue.KindAnalyze, func(context.Context, *queue.Job) error {
		calls++
		return errors.New("analysis service down")
	})

	for range 2 {
		ran, err := c.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, ran)
	}
	assert.Equal(t, 2, calls)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDead, job.Status)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "max attempts (2) reached")
}

func TestConsumerPermanentFailure(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	id := enqueueJob(t, q, queue.KindFetchRecording, 5)

	c := NewConsumer(q, time.Millisecond, nil, log.Discard())
	c.Handle(queue.KindFetchRecording, func(context.Context, *queue.Job) error {
		return Permanent(errors.New("status 403"))
	})

	_, err := c.ProcessNext(ctx)
	require.NoError(t, err)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempt)
}

func TestConsumerUnknownKind(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	id := enqueueJob(t, q, queue.KindNormalize, 5)

	c := NewConsumer(q, time.Millisecond, nil, log.Discard())
	_, err := c.ProcessNext(ctx)
	require.NoError(t, err)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, job.Status)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "no handler")
}

func TestConsumerStartDrainsUntilCancelled(t *testing.T) {
	q := newTestQueue(t)
	for range 3 {
		enqueueJob(t, q, queue.KindAnalyze, 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 3)
	c := NewConsumer(q, 5*time.Millisecond, nil, log.Discard())
	c.Handle(queue.KindAnalyze, func(context.Context, *queue.Job) error {
		done <- 1
		return nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(ctx) }()

	for range 3 {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestPermanentWrapping(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	base := errors.New("bad request")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}
