package tenant

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/switchboard/internal/provider"
)

// tokenBytes is the entropy of a generated webhook token.
const tokenBytes = 32

// Store persists integrations and agents.
type Store struct {
	db     *sql.DB
	sealer *Sealer
}

func NewStore(db *sql.DB, sealer *Sealer) *Store {
	return &Store{db: db, sealer: sealer}
}

// NewToken returns a URL-safe random webhook token.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Create connects a tenant to a provider and returns the new Integration with
// its webhook token.
func (s *Store) Create(ctx context.Context, in NewIntegration) (*Integration, error) {
	if strings.TrimSpace(in.TenantID) == "" {
		return nil, fmt.Errorf("tenant_id is empty")
	}
	if _, ok := provider.Lookup(in.Provider); !ok {
		return nil, fmt.Errorf("unknown provider %q", in.Provider)
	}

	token := strings.TrimSpace(in.WebhookToken)
	if token == "" {
		var err error
		if token, err = NewToken(); err != nil {
			return nil, err
		}
	}
	return s.createWithToken(ctx, in, token)
}

func (s *Store) createWithToken(ctx context.Context, in NewIntegration, token string) (*Integration, error) {
	id := uuid.NewString()
	sealed, err := s.sealer.Seal(id, in.Credentials)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
INSERT INTO integrations(id, tenant_id, provider, credentials, webhook_token, active, created_at)
VALUES(?, ?, ?, ?, ?, 1, ?);
`, id, in.TenantID, string(in.Provider), sealed, token, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert integration: %w", err)
	}
	return &Integration{
		ID:           id,
		TenantID:     in.TenantID,
		Provider:     in.Provider,
		WebhookToken: token,
		Active:       true,
		CreatedAt:    now,
	}, nil
}

// Deactivate disconnects an integration. Rows are never hard-deleted.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE integrations SET active = 0, deactivated_at = ?
WHERE id = ? AND active = 1;
`, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("deactivate integration: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate integration: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const integrationColumns = `id, tenant_id, provider, webhook_token, active, created_at, deactivated_at`

func scanIntegration(row interface{ Scan(...any) error }) (*Integration, error) {
	var (
		in            Integration
		providerS     string
		active        int
		createdAtS    string
		deactivatedAt sql.NullString
	)
	if err := row.Scan(&in.ID, &in.TenantID, &providerS, &in.WebhookToken, &active, &createdAtS, &deactivatedAt); err != nil {
		return nil, err
	}
	in.Provider = provider.ID(providerS)
	in.Active = active == 1
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		in.CreatedAt = t
	}
	if deactivatedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, deactivatedAt.String); err == nil {
			in.DeactivatedAt = &t
		}
	}
	return &in, nil
}

// Get returns an integration by id, active or not.
func (s *Store) Get(ctx context.Context, id string) (*Integration, error) {
	in, err := scanIntegration(s.db.QueryRowContext(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get integration: %w", err)
	}
	return in, nil
}

// List returns a tenant's integrations, newest first.
func (s *Store) List(ctx context.Context, tenantID string) ([]Integration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE tenant_id = ? ORDER BY created_at DESC;`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer rows.Close()

	var out []Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan integration: %w", err)
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

// lookupActive finds the active integration for (token, provider) and returns
// its sealed credentials.
func (s *Store) lookupActive(ctx context.Context, token string, id provider.ID) (*Integration, []byte, error) {
	var sealed []byte
	row := s.db.QueryRowContext(ctx, `
SELECT `+integrationColumns+`, credentials
FROM integrations
WHERE webhook_token = ? AND provider = ? AND active = 1;
`, token, string(id))

	var (
		in            Integration
		providerS     string
		active        int
		createdAtS    string
		deactivatedAt sql.NullString
	)
	err := row.Scan(&in.ID, &in.TenantID, &providerS, &in.WebhookToken, &active, &createdAtS, &deactivatedAt, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lookup integration: %w", err)
	}
	in.Provider = provider.ID(providerS)
	in.Active = true
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		in.CreatedAt = t
	}
	return &in, sealed, nil
}

// AddAgent registers an agent on an active integration.
func (s *Store) AddAgent(ctx context.Context, a Agent) (*Agent, error) {
	if a.ProviderAgentID == "" && a.PhoneNumber == "" {
		return nil, fmt.Errorf("agent needs provider_agent_id or phone_number")
	}
	in, err := s.Get(ctx, a.IntegrationID)
	if err != nil {
		return nil, err
	}
	if !in.Active {
		return nil, ErrNotFound
	}

	a.ID = uuid.NewString()
	a.TenantID = in.TenantID
	a.CreatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO agents(id, tenant_id, integration_id, provider_agent_id, phone_number, name, transfer_number, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, a.ID, a.TenantID, a.IntegrationID, nullIfEmpty(a.ProviderAgentID), nullIfEmpty(a.PhoneNumber),
		a.Name, nullIfEmpty(a.TransferNumber), a.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	return &a, nil
}

// AgentByProviderID resolves an agent by its provider-native id within one
// integration. Returns (nil, nil) when no agent matches.
func (s *Store) AgentByProviderID(ctx context.Context, integrationID, providerAgentID string) (*Agent, error) {
	if providerAgentID == "" {
		return nil, nil
	}
	return s.findAgent(ctx, `integration_id = ? AND provider_agent_id = ?`, integrationID, providerAgentID)
}

// AgentByPhone resolves an agent by phone number within one integration.
// Returns (nil, nil) when no agent matches.
func (s *Store) AgentByPhone(ctx context.Context, integrationID, phone string) (*Agent, error) {
	if phone == "" {
		return nil, nil
	}
	return s.findAgent(ctx, `integration_id = ? AND phone_number = ?`, integrationID, phone)
}

func (s *Store) findAgent(ctx context.Context, where string, args ...any) (*Agent, error) {
	var (
		a                                Agent
		providerAgentID, phone, transfer sql.NullString
		createdAtS                       string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, tenant_id, integration_id, provider_agent_id, phone_number, name, transfer_number, created_at
FROM agents
WHERE `+where+`
ORDER BY created_at ASC
LIMIT 1;
`, args...).Scan(&a.ID, &a.TenantID, &a.IntegrationID, &providerAgentID, &phone, &a.Name, &transfer, &createdAtS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find agent: %w", err)
	}
	a.ProviderAgentID = providerAgentID.String
	a.PhoneNumber = phone.String
	a.TransferNumber = transfer.String
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		a.CreatedAt = t
	}
	return &a, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// sealedByID returns an integration and its sealed credentials by id,
// active or not.
func (s *Store) sealedByID(ctx context.Context, id string) (*Integration, []byte, error) {
	in, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	var sealed []byte
	if err := s.db.QueryRowContext(ctx, `SELECT credentials FROM integrations WHERE id = ?;`, id).Scan(&sealed); err != nil {
		return nil, nil, fmt.Errorf("load credentials: %w", err)
	}
	return in, sealed, nil
}
