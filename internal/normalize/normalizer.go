package normalize

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/switchboard/internal/queue"
	"github.com/mattjoyce/switchboard/internal/tenant"
)

// AgentResolver finds agents within one integration.
type AgentResolver interface {
	AgentByProviderID(ctx context.Context, integrationID, providerAgentID string) (*tenant.Agent, error)
	AgentByPhone(ctx context.Context, integrationID, phone string) (*tenant.Agent, error)
}

// JobEnqueuer adds follow-up jobs inside the normalization transaction.
type JobEnqueuer interface {
	EnqueueTx(ctx context.Context, tx *sql.Tx, req queue.EnqueueRequest) (string, error)
}

// ReceiptMarker reads a receipt's verification and flips its processed flag
// inside a transaction.
type ReceiptMarker interface {
	VerifiedTx(ctx context.Context, tx *sql.Tx, id string) (bool, error)
	MarkProcessedTx(ctx context.Context, tx *sql.Tx, id string) (bool, error)
}

// Normalizer writes canonical events and their owning business records.
type Normalizer struct {
	db          *sql.DB
	agents      AgentResolver
	jobs        JobEnqueuer
	receipts    ReceiptMarker
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

func New(db *sql.DB, agents AgentResolver, jobs JobEnqueuer, receipts ReceiptMarker, maxAttempts int, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		db:          db,
		agents:      agents,
		jobs:        jobs,
		receipts:    receipts,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ToEvent maps a payload onto the canonical shape without touching storage.
func ToEvent(p Payload, now time.Time) Event {
	var ev Event
	switch v := p.(type) {
	case TwilioMessageStatus:
		ev = twilioMessageEvent(v, now)
	case TwilioCallStatus:
		ev = twilioCallEvent(v, now)
	case TelnyxEvent:
		ev = telnyxEventToCanonical(v, now)
	case VapiMessage:
		ev = vapiEvent(v, now)
	case RetellEvent:
		ev = retellEvent(v, now)
	default:
		panic(fmt.Sprintf("normalize: unhandled payload variant %T", p))
	}
	ev.Provider = p.Provider()
	return ev
}

// Normalize maps p, resolves its agent within the integration, and in one
// transaction inserts the event, upserts the owning message or call,
// enqueues a recording fetch when the event carries one, and marks the
// receipt processed. Normalizing the same receipt twice returns the event
// written the first time.
func (n *Normalizer) Normalize(ctx context.Context, in *tenant.Integration, receiptID string, p Payload) (*Event, error) {
	ev := ToEvent(p, n.now())
	ev.ReceiptID = receiptID
	ev.TenantID = in.TenantID
	ev.IntegrationID = in.ID

	agentID, err := n.resolveAgent(ctx, in.ID, ev)
	if err != nil {
		return nil, err
	}
	ev.AgentID = agentID

	tx, err := n.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted, err := n.insertEvent(ctx, tx, &ev)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := n.loadEventID(ctx, tx, receiptID)
		if err != nil {
			return nil, err
		}
		ev.ID = existing
		return &ev, tx.Commit()
	}

	switch ev.Record {
	case RecordMessage:
		err = n.upsertMessage(ctx, tx, &ev)
	case RecordCall:
		err = n.upsertCall(ctx, tx, &ev)
	}
	if err != nil {
		return nil, err
	}

	if ev.RecordingURL != "" {
		// Unsigned callbacks keep the URL on the event but never trigger a fetch.
		verified, err := n.receipts.VerifiedTx(ctx, tx, receiptID)
		if err != nil {
			return nil, err
		}
		if verified {
			if err := n.enqueueFetch(ctx, tx, &ev); err != nil {
				return nil, err
			}
		} else {
			n.logger.Warn("recording not fetched for unverified receipt",
				"receipt_id", receiptID,
				"provider", ev.Provider,
			)
		}
	}

	if _, err := n.receipts.MarkProcessedTx(ctx, tx, receiptID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit normalization: %w", err)
	}

	n.logger.Debug("event normalized",
		"event_id", ev.ID,
		"provider", ev.Provider,
		"event_type", ev.EventType,
		"status", ev.Status,
	)
	return &ev, nil
}

// resolveAgent joins provider-native identifiers scoped to the integration:
// the provider agent id first, then our side of the conversation by number.
func (n *Normalizer) resolveAgent(ctx context.Context, integrationID string, ev Event) (string, error) {
	if ev.AgentRef != "" {
		a, err := n.agents.AgentByProviderID(ctx, integrationID, ev.AgentRef)
		if err != nil {
			return "", err
		}
		if a != nil {
			return a.ID, nil
		}
	}
	ours := ev.To
	if ev.Direction == DirectionOutbound {
		ours = ev.From
	}
	a, err := n.agents.AgentByPhone(ctx, integrationID, ours)
	if err != nil {
		return "", err
	}
	if a != nil {
		return a.ID, nil
	}
	return "", nil
}

func (n *Normalizer) insertEvent(ctx context.Context, tx *sql.Tx, ev *Event) (bool, error) {
	ev.ID = uuid.NewString()
	res, err := tx.ExecContext(ctx, `
INSERT INTO normalized_events(
  id, receipt_id, tenant_id, integration_id, provider, event_type, direction, from_number, to_number,
  status, duration_seconds, cost_amount, transcript, recording_url, occurred_at, agent_id, created_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(receipt_id) DO NOTHING;
`, ev.ID, ev.ReceiptID, ev.TenantID, ev.IntegrationID, string(ev.Provider), ev.EventType, ev.Direction,
		nullString(ev.From), nullString(ev.To), ev.Status, ev.DurationSeconds, ev.CostAmount,
		nullString(ev.Transcript), nullString(ev.RecordingURL), ev.Timestamp.UTC().Format(time.RFC3339Nano),
		nullString(ev.AgentID), n.now().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("insert normalized event: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert normalized event: %w", err)
	}
	return rows == 1, nil
}

func (n *Normalizer) loadEventID(ctx context.Context, tx *sql.Tx, receiptID string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM normalized_events WHERE receipt_id = ?;`, receiptID).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("load normalized event: %w", err)
	}
	return id, nil
}

// upsertMessage keys on (integration_id, provider_message_id). A terminal
// status is not overwritten by a late non-terminal callback.
func (n *Normalizer) upsertMessage(ctx context.Context, tx *sql.Tx, ev *Event) error {
	if ev.RecordNativeID == "" {
		return nil
	}
	now := n.now().Format(time.RFC3339Nano)
	var deliveredAt any
	if ev.DeliveredAt != nil {
		deliveredAt = ev.DeliveredAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO messages(
  id, tenant_id, integration_id, provider_message_id, agent_id, direction, from_number, to_number,
  status, error_code, delivered_at, created_at, updated_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(integration_id, provider_message_id) DO UPDATE SET
  status = CASE
    WHEN messages.status IN ('delivered', 'failed', 'received') AND excluded.status = 'sent' THEN messages.status
    ELSE excluded.status
  END,
  error_code = COALESCE(excluded.error_code, messages.error_code),
  delivered_at = COALESCE(messages.delivered_at, excluded.delivered_at),
  agent_id = COALESCE(messages.agent_id, excluded.agent_id),
  updated_at = excluded.updated_at;
`, uuid.NewString(), ev.TenantID, ev.IntegrationID, ev.RecordNativeID, nullString(ev.AgentID), ev.Direction,
		nullString(ev.From), nullString(ev.To), ev.Status, nullString(ev.ErrorCode), deliveredAt, now, now)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

// upsertCall keys on (integration_id, provider_call_id).
func (n *Normalizer) upsertCall(ctx context.Context, tx *sql.Tx, ev *Event) error {
	if ev.RecordNativeID == "" {
		return nil
	}
	now := n.now().Format(time.RFC3339Nano)
	var endedAt any
	if ev.Status == StatusCompleted || ev.Status == StatusFailed {
		endedAt = ev.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO calls(
  id, tenant_id, integration_id, provider_call_id, agent_id, direction, from_number, to_number,
  status, duration_seconds, cost_amount, ended_at, created_at, updated_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(integration_id, provider_call_id) DO UPDATE SET
  status = CASE
    WHEN calls.status IN ('completed', 'failed') AND excluded.status IN ('sent', 'ringing', 'in_progress') THEN calls.status
    ELSE excluded.status
  END,
  duration_seconds = COALESCE(excluded.duration_seconds, calls.duration_seconds),
  cost_amount = COALESCE(excluded.cost_amount, calls.cost_amount),
  ended_at = COALESCE(calls.ended_at, excluded.ended_at),
  agent_id = COALESCE(calls.agent_id, excluded.agent_id),
  from_number = COALESCE(calls.from_number, excluded.from_number),
  to_number = COALESCE(calls.to_number, excluded.to_number),
  updated_at = excluded.updated_at;
`, uuid.NewString(), ev.TenantID, ev.IntegrationID, ev.RecordNativeID, nullString(ev.AgentID), ev.Direction,
		nullString(ev.From), nullString(ev.To), ev.Status, ev.DurationSeconds, ev.CostAmount, endedAt, now, now)
	if err != nil {
		return fmt.Errorf("upsert call: %w", err)
	}
	return nil
}

func (n *Normalizer) enqueueFetch(ctx context.Context, tx *sql.Tx, ev *Event) error {
	payload, err := json.Marshal(queue.FetchRecordingPayload{
		EventID:       ev.ID,
		IntegrationID: ev.IntegrationID,
		RecordingURL:  ev.RecordingURL,
	})
	if err != nil {
		return fmt.Errorf("marshal fetch payload: %w", err)
	}
	dedupe := "fetch:" + ev.ID
	if _, err := n.jobs.EnqueueTx(ctx, tx, queue.EnqueueRequest{
		Kind:        queue.KindFetchRecording,
		Payload:     payload,
		MaxAttempts: n.maxAttempts,
		SubmittedBy: "normalizer",
		DedupeKey:   &dedupe,
	}); err != nil {
		return fmt.Errorf("enqueue recording fetch: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
