package tenant

import (
	"errors"
	"time"

	"github.com/mattjoyce/switchboard/internal/provider"
)

var (
	// ErrNotFound is returned for unknown, inactive or mismatched tokens.
	// Callers must not distinguish these cases in responses.
	ErrNotFound = errors.New("not found")
	// ErrMissingToken is returned when the request carries no token.
	ErrMissingToken = errors.New("missing token")
	// ErrConfiguration marks an integration that cannot be served because a
	// required secret is missing or its credentials cannot be unsealed.
	ErrConfiguration = errors.New("integration misconfigured")
)

// Credentials is the decrypted credential record of an Integration.
type Credentials struct {
	AuthToken          string `json:"auth_token,omitempty"`
	AccountSID         string `json:"account_sid,omitempty"`
	PublicKey          string `json:"public_key,omitempty"`
	WebhookSecret      string `json:"webhook_secret,omitempty"`
	APIKey             string `json:"api_key,omitempty"`
	DefaultAssistantID string `json:"default_assistant_id,omitempty"`
	TransferNumber     string `json:"transfer_number,omitempty"`
}

// Integration is a tenant's connection to one provider.
type Integration struct {
	ID            string
	TenantID      string
	Provider      provider.ID
	WebhookToken  string
	Active        bool
	CreatedAt     time.Time
	DeactivatedAt *time.Time
}

// Resolved is an active Integration with its unsealed credentials.
type Resolved struct {
	Integration
	Credentials Credentials
}

// NewIntegration is the input to Store.Create.
type NewIntegration struct {
	TenantID    string
	Provider    provider.ID
	Credentials Credentials
	// WebhookToken keeps a token already configured at the provider. Empty
	// means generate one.
	WebhookToken string
}

// Agent is a tenant's voice or messaging agent on one integration.
type Agent struct {
	ID              string
	TenantID        string
	IntegrationID   string
	ProviderAgentID string
	PhoneNumber     string
	Name            string
	TransferNumber  string
	CreatedAt       time.Time
}
