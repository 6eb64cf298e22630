package normalize

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/switchboard/internal/provider"
)

// ErrEventNotFound is returned for an unknown event id.
var ErrEventNotFound = errors.New("event not found")

// Attachment kinds.
const (
	AttachmentRecording  = "recording"
	AttachmentTranscript = "transcript"
)

// Attachment points at a stored artifact belonging to an event.
type Attachment struct {
	ID          string
	EventID     string
	TenantID    string
	Kind        string
	ContentType string
	Locator     string
	SizeBytes   int64
	CreatedAt   time.Time
}

// Store reads normalized events and manages their attachments.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Event loads a normalized event by id.
func (s *Store) Event(ctx context.Context, id string) (*Event, error) {
	var (
		ev                                       Event
		providerS, occurredAt                    string
		from, to, transcript, recording, agentID sql.NullString
		duration, cost                           sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, receipt_id, tenant_id, integration_id, provider, event_type, direction, from_number, to_number,
  status, duration_seconds, cost_amount, transcript, recording_url, occurred_at, agent_id
FROM normalized_events
WHERE id = ?;
`, id).Scan(&ev.ID, &ev.ReceiptID, &ev.TenantID, &ev.IntegrationID, &providerS, &ev.EventType, &ev.Direction,
		&from, &to, &ev.Status, &duration, &cost, &transcript, &recording, &occurredAt, &agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}

	ev.Provider = provider.ID(providerS)
	ev.From, ev.To = from.String, to.String
	ev.Transcript, ev.RecordingURL, ev.AgentID = transcript.String, recording.String, agentID.String
	if duration.Valid {
		ev.DurationSeconds = floatPtr(duration.Float64)
	}
	if cost.Valid {
		ev.CostAmount = floatPtr(cost.Float64)
	}
	if t, err := time.Parse(time.RFC3339Nano, occurredAt); err == nil {
		ev.Timestamp = t
	}
	return &ev, nil
}

// AddAttachment records a stored artifact for an event.
func (s *Store) AddAttachment(ctx context.Context, a Attachment) (*Attachment, error) {
	if a.EventID == "" || a.Locator == "" {
		return nil, fmt.Errorf("attachment needs event_id and locator")
	}
	a.ID = uuid.NewString()
	a.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO attachments(id, event_id, tenant_id, kind, content_type, locator, size_bytes, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, a.ID, a.EventID, a.TenantID, a.Kind, a.ContentType, a.Locator, a.SizeBytes, a.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert attachment: %w", err)
	}
	return &a, nil
}

// Attachments lists an event's attachments, oldest first.
func (s *Store) Attachments(ctx context.Context, eventID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, event_id, tenant_id, kind, content_type, locator, size_bytes, created_at
FROM attachments
WHERE event_id = ?
ORDER BY created_at ASC;
`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		var (
			a         Attachment
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.EventID, &a.TenantID, &a.Kind, &a.ContentType, &a.Locator, &a.SizeBytes, &createdAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			a.CreatedAt = t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
