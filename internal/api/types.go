package api

import (
	"time"

	"github.com/mattjoyce/switchboard/internal/tenant"
)

// CreateIntegrationRequest is the JSON body for POST /integrations.
type CreateIntegrationRequest struct {
	TenantID     string             `json:"tenant_id"`
	Provider     string             `json:"provider"`
	WebhookToken string             `json:"webhook_token,omitempty"`
	Credentials  tenant.Credentials `json:"credentials"`
}

// IntegrationResponse describes an integration. Credentials are never
// returned.
type IntegrationResponse struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Provider      string     `json:"provider"`
	WebhookToken  string     `json:"webhook_token"`
	WebhookURL    string     `json:"webhook_url"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// IntegrationListResponse is returned by GET /integrations.
type IntegrationListResponse struct {
	Integrations []IntegrationResponse `json:"integrations"`
}

// AddAgentRequest is the JSON body for POST /integrations/{id}/agents.
type AddAgentRequest struct {
	ProviderAgentID string `json:"provider_agent_id,omitempty"`
	PhoneNumber     string `json:"phone_number,omitempty"`
	Name            string `json:"name,omitempty"`
	TransferNumber  string `json:"transfer_number,omitempty"`
}

// AgentResponse describes a registered agent.
type AgentResponse struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	IntegrationID   string    `json:"integration_id"`
	ProviderAgentID string    `json:"provider_agent_id,omitempty"`
	PhoneNumber     string    `json:"phone_number,omitempty"`
	Name            string    `json:"name,omitempty"`
	TransferNumber  string    `json:"transfer_number,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ReceiptResponse is returned by GET /receipts/{id}.
type ReceiptResponse struct {
	ID                string              `json:"id"`
	Provider          string              `json:"provider"`
	IntegrationID     string              `json:"integration_id"`
	TenantID          string              `json:"tenant_id"`
	EventType         string              `json:"event_type,omitempty"`
	ProviderEventID   string              `json:"provider_event_id,omitempty"`
	IdempotencyKey    string              `json:"idempotency_key,omitempty"`
	PayloadDigest     string              `json:"payload_digest"`
	Payload           string              `json:"payload,omitempty"`
	Headers           map[string][]string `json:"headers,omitempty"`
	SignatureVerified bool                `json:"signature_verified"`
	Duplicate         bool                `json:"duplicate"`
	Processed         bool                `json:"processed"`
	RejectedReason    string              `json:"rejected_reason,omitempty"`
	ReceivedAt        time.Time           `json:"received_at"`
	ProcessedAt       *time.Time          `json:"processed_at,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}
