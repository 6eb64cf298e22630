package normalize

import (
	"time"

	"github.com/mattjoyce/switchboard/internal/provider"
)

// Canonical statuses.
const (
	StatusSent       = "sent"
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
	StatusReceived   = "received"
	StatusRinging    = "ringing"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// RecordKind says which business record an event updates.
type RecordKind string

const (
	RecordNone    RecordKind = ""
	RecordMessage RecordKind = "message"
	RecordCall    RecordKind = "call"
)

// Event is the canonical, vendor-agnostic shape of a provider event.
type Event struct {
	ID              string
	ReceiptID       string
	TenantID        string
	IntegrationID   string
	Provider        provider.ID
	EventType       string
	Direction       string
	From            string
	To              string
	Status          string
	DurationSeconds *float64
	CostAmount      *float64
	Transcript      string
	RecordingURL    string
	Timestamp       time.Time
	AgentID         string

	// Record identifies the owning business record.
	Record         RecordKind
	RecordNativeID string
	// DeliveredAt is set when a message reaches the delivered status.
	DeliveredAt *time.Time
	ErrorCode   string
	// AgentRef is the provider-native agent/assistant id used to resolve
	// AgentID within the integration.
	AgentRef string
}

func floatPtr(f float64) *float64 { return &f }
