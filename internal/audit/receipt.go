// Package audit records every inbound webhook as a receipt before any
// business logic runs.
package audit

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/switchboard/internal/provider"
)

// ErrNotFound is returned by Get for an unknown receipt.
var ErrNotFound = errors.New("receipt not found")

// Reasons recorded in rejected_reason.
const (
	ReasonSignature   = "signature_invalid"
	ReasonReplay      = "replay_detected"
	ReasonUndecodable = "undecodable_payload"
)

// redactedHeaders are never written to the audit log.
var redactedHeaders = map[string]bool{
	"Authorization":       true,
	"Cookie":              true,
	"Proxy-Authorization": true,
}

// Receipt is one inbound delivery as received.
type Receipt struct {
	ID                string
	Provider          provider.ID
	IntegrationID     string
	TenantID          string
	EventType         string
	ProviderEventID   string
	IdempotencyKey    string
	RawPayload        []byte
	PayloadDigest     string
	RawHeaders        http.Header
	SignatureVerified bool
	Duplicate         bool
	Processed         bool
	RejectedReason    string
	ReceivedAt        time.Time
	ProcessedAt       *time.Time
}

// Digest returns the blake3 fingerprint of a payload.
func Digest(body []byte) string {
	sum := blake3.Sum256(body)
	return "blake3:" + hex.EncodeToString(sum[:])
}

// Store writes receipts to webhook_receipts.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record persists r unconditionally and returns it with ID, digest and
// received time filled in.
func (s *Store) Record(ctx context.Context, r Receipt) (*Receipt, error) {
	return s.insert(ctx, r, true)
}

// RecordRejection persists a hard-failed request without its body. Only the
// headers and the payload digest are kept.
func (s *Store) RecordRejection(ctx context.Context, r Receipt, reason string) (*Receipt, error) {
	r.RejectedReason = reason
	return s.insert(ctx, r, false)
}

func (s *Store) insert(ctx context.Context, r Receipt, keepBody bool) (*Receipt, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now().UTC()
	}
	r.PayloadDigest = Digest(r.RawPayload)
	if !keepBody {
		r.RawPayload = nil
	}

	headers, err := json.Marshal(redact(r.RawHeaders))
	if err != nil {
		return nil, fmt.Errorf("marshal headers: %w", err)
	}

	var rejected any
	if r.RejectedReason != "" {
		rejected = r.RejectedReason
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO webhook_receipts(
  id, provider, integration_id, tenant_id, event_type, provider_event_id, idempotency_key,
  raw_payload, payload_digest, raw_headers, signature_verified, duplicate, processed,
  rejected_reason, received_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?);
`, r.ID, string(r.Provider), r.IntegrationID, r.TenantID, r.EventType, r.ProviderEventID, r.IdempotencyKey,
		r.RawPayload, r.PayloadDigest, string(headers), boolToInt(r.SignatureVerified),
		rejected, r.ReceivedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert receipt: %w", err)
	}
	return &r, nil
}

// MarkDuplicate flags a receipt whose idempotency claim lost.
func (s *Store) MarkDuplicate(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE webhook_receipts SET duplicate = 1 WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("mark receipt duplicate: %w", err)
	}
	return nil
}

// MarkProcessed moves processed from false to true. It reports whether this
// call made the transition.
func (s *Store) MarkProcessed(ctx context.Context, id string) (bool, error) {
	return markProcessed(ctx, s.db, id)
}

// MarkProcessedTx is MarkProcessed inside a caller's transaction.
func (s *Store) MarkProcessedTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	return markProcessed(ctx, tx, id)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func markProcessed(ctx context.Context, db execer, id string) (bool, error) {
	res, err := db.ExecContext(ctx, `
UPDATE webhook_receipts SET processed = 1, processed_at = ?
WHERE id = ? AND processed = 0;
`, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return false, fmt.Errorf("mark receipt processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark receipt processed: %w", err)
	}
	return n == 1, nil
}

// Get loads a receipt by id.
func (s *Store) Get(ctx context.Context, id string) (*Receipt, error) {
	var (
		r                               Receipt
		providerS, headersS, receivedAt string
		verified, duplicate, processed  int
		rejected, processedAt           sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, provider, integration_id, tenant_id, event_type, provider_event_id, idempotency_key,
  raw_payload, payload_digest, raw_headers, signature_verified, duplicate, processed,
  rejected_reason, received_at, processed_at
FROM webhook_receipts WHERE id = ?;
`, id).Scan(&r.ID, &providerS, &r.IntegrationID, &r.TenantID, &r.EventType, &r.ProviderEventID, &r.IdempotencyKey,
		&r.RawPayload, &r.PayloadDigest, &headersS, &verified, &duplicate, &processed,
		&rejected, &receivedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}

	r.Provider = provider.ID(providerS)
	r.SignatureVerified = verified == 1
	r.Duplicate = duplicate == 1
	r.Processed = processed == 1
	r.RejectedReason = rejected.String
	if err := json.Unmarshal([]byte(headersS), &r.RawHeaders); err != nil {
		return nil, fmt.Errorf("decode receipt headers: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, receivedAt); err == nil {
		r.ReceivedAt = t
	}
	if processedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, processedAt.String); err == nil {
			r.ProcessedAt = &t
		}
	}
	return &r, nil
}

// VerifiedTx reports whether the receipt's signature verified, reading it
// inside a caller's transaction.
func (s *Store) VerifiedTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var verified int
	err := tx.QueryRowContext(ctx, `SELECT signature_verified FROM webhook_receipts WHERE id = ?;`, id).Scan(&verified)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("load receipt verification: %w", err)
	}
	return verified == 1, nil
}

func redact(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		if redactedHeaders[http.CanonicalHeaderKey(k)] {
			out[k] = []string{"[redacted]"}
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
