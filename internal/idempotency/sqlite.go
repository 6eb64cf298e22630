package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteLedger stores keys in the idempotency_keys table. The primary key on
// key settles concurrent claims.
type SQLiteLedger struct {
	db *sql.DB
}

func NewSQLiteLedger(db *sql.DB) *SQLiteLedger {
	return &SQLiteLedger{db: db}
}

func (l *SQLiteLedger) Claim(ctx context.Context, key, receiptID string) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
INSERT INTO idempotency_keys(key, receipt_id, processed, claimed_at)
VALUES(?, ?, 0, ?)
ON CONFLICT(key) DO NOTHING;
`, key, receiptID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	return n == 1, nil
}

func (l *SQLiteLedger) MarkProcessed(ctx context.Context, key string) error {
	_, err := l.db.ExecContext(ctx, `
UPDATE idempotency_keys SET processed = 1, processed_at = ?
WHERE key = ? AND processed = 0;
`, time.Now().UTC().Format(time.RFC3339Nano), key)
	if err != nil {
		return fmt.Errorf("mark idempotency key processed: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Release(ctx context.Context, key, receiptID string) error {
	_, err := l.db.ExecContext(ctx, `
DELETE FROM idempotency_keys WHERE key = ? AND receipt_id = ? AND processed = 0;
`, key, receiptID)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Lookup(ctx context.Context, key string) (*Entry, error) {
	var (
		e            Entry
		processed    int
		claimedAtS   string
		processedAtS sql.NullString
	)
	err := l.db.QueryRowContext(ctx, `
SELECT key, receipt_id, processed, claimed_at, processed_at
FROM idempotency_keys WHERE key = ?;
`, key).Scan(&e.Key, &e.ReceiptID, &processed, &claimedAtS, &processedAtS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	e.Processed = processed == 1
	if t, err := time.Parse(time.RFC3339Nano, claimedAtS); err == nil {
		e.ClaimedAt = t
	}
	if processedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, processedAtS.String); err == nil {
			e.ProcessedAt = &t
		}
	}
	return &e, nil
}

// Prune deletes processed keys claimed before cutoff (now - dedupe_ttl).
func (l *SQLiteLedger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
DELETE FROM idempotency_keys WHERE processed = 1 AND claimed_at < ?;
`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
