package tenant

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/switchboard/internal/provider"
	"github.com/mattjoyce/switchboard/internal/storage"
)

const testKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

func openTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sealer, err := NewSealer(testKey)
	require.NoError(t, err)
	return NewStore(db, sealer), db
}

func TestCreateAndResolve(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	router := NewRouter(store)

	in, err := store.Create(ctx, NewIntegration{
		TenantID:    "t1",
		Provider:    provider.Twilio,
		Credentials: Credentials{AuthToken: "secret", AccountSID: "AC1"},
	})
	require.NoError(t, err)
	assert.True(t, in.Active)
	assert.Len(t, in.WebhookToken, 43)

	res, err := router.Resolve(ctx, provider.Twilio, in.WebhookToken)
	require.NoError(t, err)
	assert.Equal(t, in.ID, res.ID)
	assert.Equal(t, "t1", res.TenantID)
	assert.Equal(t, "secret", res.Credentials.AuthToken)
	assert.Equal(t, "AC1", res.Credentials.AccountSID)
}

func TestResolveErrors(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	router := NewRouter(store)

	in, err := store.Create(ctx, NewIntegration{TenantID: "t1", Provider: provider.Vapi,
		Credentials: Credentials{WebhookSecret: "s"}})
	require.NoError(t, err)

	tests := []struct {
		name     string
		provider provider.ID
		token    string
		want     error
	}{
		{"empty token", provider.Vapi, "  ", ErrMissingToken},
		{"unknown token", provider.Vapi, "nope", ErrNotFound},
		{"wrong provider", provider.Retell, in.WebhookToken, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := router.Resolve(ctx, tt.provider, tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	require.NoError(t, store.Deactivate(ctx, in.ID))
	_, err = router.Resolve(ctx, provider.Vapi, in.WebhookToken)
	assert.ErrorIs(t, err, ErrNotFound, "inactive integration must look unknown")

	assert.ErrorIs(t, store.Deactivate(ctx, in.ID), ErrNotFound)

	got, err := store.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.NotNil(t, got.DeactivatedAt)
}

func TestResolveUnreadableCredentials(t *testing.T) {
	ctx := context.Background()
	store, db := openTestStore(t)

	in, err := store.Create(ctx, NewIntegration{TenantID: "t1", Provider: provider.Telnyx})
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE integrations SET credentials = x'0102' WHERE id = ?`, in.ID)
	require.NoError(t, err)

	_, err = NewRouter(store).Resolve(ctx, provider.Telnyx, in.WebhookToken)
	assert.True(t, errors.Is(err, ErrConfiguration), "got %v", err)
}

func TestTokenReusableAfterDeactivate(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	first, err := store.Create(ctx, NewIntegration{TenantID: "t1", Provider: provider.Twilio, WebhookToken: "abc123"})
	require.NoError(t, err)

	_, err = store.Create(ctx, NewIntegration{TenantID: "t2", Provider: provider.Twilio, WebhookToken: "abc123"})
	require.Error(t, err, "two active integrations cannot share a token")

	require.NoError(t, store.Deactivate(ctx, first.ID))
	_, err = store.Create(ctx, NewIntegration{TenantID: "t2", Provider: provider.Twilio, WebhookToken: "abc123"})
	require.NoError(t, err)

	list, err := store.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Active)
}

func TestAgentsAreScopedByIntegration(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	a, err := store.Create(ctx, NewIntegration{TenantID: "t1", Provider: provider.Vapi})
	require.NoError(t, err)
	b, err := store.Create(ctx, NewIntegration{TenantID: "t2", Provider: provider.Vapi})
	require.NoError(t, err)

	agent, err := store.AddAgent(ctx, Agent{IntegrationID: a.ID, ProviderAgentID: "asst_1", PhoneNumber: "+15550001111", Name: "front desk"})
	require.NoError(t, err)
	assert.Equal(t, "t1", agent.TenantID)

	got, err := store.AgentByProviderID(ctx, a.ID, "asst_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, agent.ID, got.ID)

	got, err = store.AgentByPhone(ctx, a.ID, "+15550001111")
	require.NoError(t, err)
	require.NotNil(t, got)

	other, err := store.AgentByProviderID(ctx, b.ID, "asst_1")
	require.NoError(t, err)
	assert.Nil(t, other, "agent from another tenant must not resolve")

	_, err = store.AddAgent(ctx, Agent{IntegrationID: a.ID})
	assert.Error(t, err)
}

func TestSealerBindsIntegrationID(t *testing.T) {
	s, err := NewSealer(testKey)
	require.NoError(t, err)

	sealed, err := s.Seal("i1", Credentials{WebhookSecret: "x"})
	require.NoError(t, err)

	creds, err := s.Open("i1", sealed)
	require.NoError(t, err)
	assert.Equal(t, "x", creds.WebhookSecret)

	_, err = s.Open("i2", sealed)
	assert.Error(t, err)

	_, err = NewSealer("c2hvcnQ=")
	assert.Error(t, err)
}

func TestResolveIDIncludesInactive(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	router := NewRouter(store)

	in, err := store.Create(ctx, NewIntegration{TenantID: "t1", Provider: provider.Twilio,
		Credentials: Credentials{AccountSID: "AC1", AuthToken: "tok"}})
	require.NoError(t, err)
	require.NoError(t, store.Deactivate(ctx, in.ID))

	res, err := router.ResolveID(ctx, in.ID)
	require.NoError(t, err)
	assert.False(t, res.Active)
	assert.Equal(t, "AC1", res.Credentials.AccountSID)

	_, err = router.ResolveID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
