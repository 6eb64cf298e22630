package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxErrorBytes = 8 * 1024

// DefaultMaxAttempts applies when a request leaves MaxAttempts unset.
const DefaultMaxAttempts = 5

type Queue struct {
	db *sql.DB
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Enqueue adds a job. With a DedupeKey that is already present the existing
// job id is returned.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	return enqueue(ctx, q.db, req)
}

// EnqueueTx is Enqueue inside the caller's transaction, so the job commits
// or rolls back together with the rows that caused it.
func (q *Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, req EnqueueRequest) (string, error) {
	return enqueue(ctx, tx, req)
}

func enqueue(ctx context.Context, db dbtx, req EnqueueRequest) (string, error) {
	if req.Kind == "" {
		return "", fmt.Errorf("kind is empty")
	}
	if req.SubmittedBy == "" {
		return "", fmt.Errorf("submitted_by is empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = string(req.Payload)
	}

	res, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO job_queue(
  id, kind, payload, status, attempt, max_attempts, submitted_by, dedupe_key, created_at
)
VALUES(?, ?, ?, ?, 1, ?, ?, ?, ?);
`, id, string(req.Kind), payload, StatusQueued, maxAttempts, req.SubmittedBy, req.DedupeKey, now)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 && req.DedupeKey != nil {
		var existing string
		if err := db.QueryRowContext(ctx, `SELECT id FROM job_queue WHERE dedupe_key = ?;`, *req.DedupeKey).Scan(&existing); err != nil {
			return "", fmt.Errorf("load deduplicated job: %w", err)
		}
		return existing, nil
	}
	return id, nil
}

const jobColumns = `id, kind, payload, status, attempt, max_attempts, submitted_by, dedupe_key,
  created_at, started_at, completed_at, next_retry_at, last_error`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var (
		j            Job
		kindS        string
		payload      sql.NullString
		dedupeKey    sql.NullString
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		nextRetryAtS sql.NullString
		lastError    sql.NullString
		statusS      string
	)
	err := row.Scan(
		&j.ID, &kindS, &payload, &statusS, &j.Attempt, &j.MaxAttempts, &j.SubmittedBy, &dedupeKey,
		&createdAtS, &startedAtS, &completedAtS, &nextRetryAtS, &lastError,
	)
	if err != nil {
		return nil, err
	}

	j.Kind = Kind(kindS)
	j.Status = Status(statusS)
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	if dedupeKey.Valid {
		j.DedupeKey = &dedupeKey.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		j.CreatedAt = t
	}
	j.StartedAt = parseNullTime(startedAtS)
	j.CompletedAt = parseNullTime(completedAtS)
	j.NextRetryAt = parseNullTime(nextRetryAtS)
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	return &j, nil
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// Dequeue claims the oldest runnable job and marks it running. Returns
// (nil, nil) if nothing is runnable.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	nowS := time.Now().UTC().Format(time.RFC3339Nano)

	j, err := scanJob(q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM job_queue
  WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE job_queue
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING `+jobColumns+`;
`, StatusQueued, nowS, StatusRunning, nowS))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return j, nil
}

// Get loads a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job_queue WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// Complete marks a job terminal and appends a row to job_log.
func (q *Queue) Complete(ctx context.Context, jobID string, status Status, lastError *string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}
	if status != StatusSucceeded && status != StatusFailed && status != StatusDead {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		kind        string
		attempt     int
		submittedBy string
		createdAt   string
	)
	if err := tx.QueryRowContext(ctx, `
SELECT kind, attempt, submitted_by, created_at
FROM job_queue
WHERE id = ?;
`, jobID).Scan(&kind, &attempt, &submittedBy, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		return fmt.Errorf("load job for completion: %w", err)
	}

	completedAt := time.Now().UTC().Format(time.RFC3339Nano)
	lastError = truncate(lastError)

	_, err = tx.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, completed_at = ?, last_error = ?
WHERE id = ?;
`, status, completedAt, lastError, jobID)
	if err != nil {
		return fmt.Errorf("update job completion: %w", err)
	}

	logID := fmt.Sprintf("%s-%d", jobID, attempt)
	_, err = tx.ExecContext(ctx, `
INSERT INTO job_log(id, job_id, kind, status, attempt, submitted_by, created_at, completed_at, last_error)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, logID, jobID, kind, status, attempt, submittedBy, createdAt, completedAt, lastError)
	if err != nil {
		return fmt.Errorf("insert job_log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Retry puts a running job back in the queue for another attempt at
// nextRetryAt.
func (q *Queue) Retry(ctx context.Context, jobID string, nextRetryAt time.Time, lastError string) error {
	le := truncate(&lastError)
	res, err := q.db.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, attempt = attempt + 1, next_retry_at = ?, last_error = ?, started_at = NULL
WHERE id = ? AND status = ?;
`, StatusQueued, nextRetryAt.UTC().Format(time.RFC3339Nano), le, jobID, StatusRunning)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// RecoverRunning requeues jobs left running by a process that died. Call it
// once at startup, before the consumer starts.
func (q *Queue) RecoverRunning(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE job_queue SET status = ?, started_at = NULL WHERE status = ?;
`, StatusQueued, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("recover running jobs: %w", err)
	}
	return res.RowsAffected()
}

// Depth returns the number of queued jobs.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_queue WHERE status = ?;`, StatusQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// PruneJobLogs deletes job_log rows completed before cutoff.
func (q *Queue) PruneJobLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM job_log WHERE completed_at < ?;`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune job_log: %w", err)
	}
	return res.RowsAffected()
}

func truncate(s *string) *string {
	if s == nil || len(*s) <= maxErrorBytes {
		return s
	}
	t := (*s)[:maxErrorBytes]
	return &t
}
