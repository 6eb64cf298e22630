package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/switchboard/internal/api/mocks"
	"github.com/mattjoyce/switchboard/internal/audit"
	"github.com/mattjoyce/switchboard/internal/log"
	"github.com/mattjoyce/switchboard/internal/metrics"
	"github.com/mattjoyce/switchboard/internal/provider"
	"github.com/mattjoyce/switchboard/internal/tenant"
)

type fixture struct {
	integrations *mocks.MockIntegrationStore
	receipts     *mocks.MockReceiptReader
	queue        *mocks.MockQueueDepther
	handler      http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &fixture{
		integrations: mocks.NewMockIntegrationStore(ctrl),
		receipts:     mocks.NewMockReceiptReader(ctrl),
		queue:        mocks.NewMockQueueDepther(ctrl),
	}
	cfg := Config{APIKey: "admin", PublicBaseURL: "https://hooks.example.com/"}
	f.handler = New(cfg, f.integrations, f.receipts, f.queue, metrics.New().Handler(), log.Discard()).Handler()
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer admin")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	f := newFixture(t)
	f.queue.EXPECT().Depth(gomock.Any()).Return(3, nil)

	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthzResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.QueueDepth)
}

func TestHealthzQueueError(t *testing.T) {
	f := newFixture(t)
	f.queue.EXPECT().Depth(gomock.Any()).Return(0, errors.New("db closed"))

	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCreateIntegration(t *testing.T) {
	f := newFixture(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.integrations.EXPECT().Create(gomock.Any(), tenant.NewIntegration{
		TenantID:     "t1",
		Provider:     provider.Twilio,
		Credentials:  tenant.Credentials{AuthToken: "secret", AccountSID: "AC1"},
		WebhookToken: "",
	}).Return(&tenant.Integration{
		ID:           "int-1",
		TenantID:     "t1",
		Provider:     provider.Twilio,
		WebhookToken: "tok",
		Active:       true,
		CreatedAt:    created,
	}, nil)

	rr := f.do(http.MethodPost, "/integrations",
		`{"tenant_id":"t1","provider":"twilio","credentials":{"auth_token":"secret","account_sid":"AC1"}}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.NotContains(t, rr.Body.String(), "secret")

	var resp IntegrationResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "int-1", resp.ID)
	assert.Equal(t, "tok", resp.WebhookToken)
	assert.Equal(t, "https://hooks.example.com/twilio-webhook?token=tok", resp.WebhookURL)
	assert.True(t, resp.Active)
}

func TestCreateIntegrationValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"missing tenant", `{"provider":"twilio"}`},
		{"unknown provider", `{"tenant_id":"t1","provider":"pager"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rr := f.do(http.MethodPost, "/integrations", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestListIntegrations(t *testing.T) {
	f := newFixture(t)
	f.integrations.EXPECT().List(gomock.Any(), "t1").Return([]tenant.Integration{
		{ID: "a", TenantID: "t1", Provider: provider.Vapi, WebhookToken: "x", Active: true},
		{ID: "b", TenantID: "t1", Provider: provider.Telnyx, WebhookToken: "y"},
	}, nil)

	rr := f.do(http.MethodGet, "/integrations?tenant_id=t1", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp IntegrationListResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Len(t, resp.Integrations, 2)
	assert.Equal(t, "https://hooks.example.com/telnyx-webhook?token=y", resp.Integrations[1].WebhookURL)

	rr = f.do(http.MethodGet, "/integrations", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDeactivateIntegration(t *testing.T) {
	f := newFixture(t)
	f.integrations.EXPECT().Deactivate(gomock.Any(), "int-1").Return(nil)
	f.integrations.EXPECT().Deactivate(gomock.Any(), "gone").Return(tenant.ErrNotFound)

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/integrations/int-1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/integrations/gone", "").Code)
}

func TestAddAgent(t *testing.T) {
	f := newFixture(t)
	f.integrations.EXPECT().AddAgent(gomock.Any(), tenant.Agent{
		IntegrationID:   "int-1",
		ProviderAgentID: "asst_1",
		Name:            "Front desk",
	}).Return(&tenant.Agent{
		ID:              "ag-1",
		TenantID:        "t1",
		IntegrationID:   "int-1",
		ProviderAgentID: "asst_1",
		Name:            "Front desk",
	}, nil)

	rr := f.do(http.MethodPost, "/integrations/int-1/agents", `{"provider_agent_id":" asst_1 ","name":"Front desk"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	var resp AgentResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "ag-1", resp.ID)
	assert.Equal(t, "t1", resp.TenantID)

	rr = f.do(http.MethodPost, "/integrations/int-1/agents", `{"name":"nobody"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAddAgentUnknownIntegration(t *testing.T) {
	f := newFixture(t)
	f.integrations.EXPECT().AddAgent(gomock.Any(), gomock.Any()).Return(nil, tenant.ErrNotFound)

	rr := f.do(http.MethodPost, "/integrations/nope/agents", `{"phone_number":"+15550100"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetReceipt(t *testing.T) {
	f := newFixture(t)
	f.receipts.EXPECT().Get(gomock.Any(), "r1").Return(&audit.Receipt{
		ID:                "r1",
		Provider:          provider.Vapi,
		TenantID:          "t1",
		EventType:         "status-update",
		RawPayload:        []byte(`{"message":{}}`),
		PayloadDigest:     "abc",
		RawHeaders:        http.Header{"Content-Type": {"application/json"}},
		SignatureVerified: true,
		Duplicate:         true,
	}, nil)
	f.receipts.EXPECT().Get(gomock.Any(), "missing").Return(nil, audit.ErrNotFound)

	rr := f.do(http.MethodGet, "/receipts/r1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp ReceiptResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, `{"message":{}}`, resp.Payload)
	assert.Equal(t, "vapi", resp.Provider)
	assert.True(t, resp.Duplicate)
	assert.Equal(t, []string{"application/json"}, resp.Headers["Content-Type"])

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/receipts/missing", "").Code)
}

func TestOpenAPIDocListsProviderRoutes(t *testing.T) {
	doc := buildOpenAPIDoc(provider.All())
	assert.Equal(t, "3.1.0", doc["openapi"])

	paths := doc["paths"].(map[string]any)
	for _, p := range provider.All() {
		assert.Contains(t, paths, p.Route())
	}
	assert.Contains(t, paths, "/receipts/{id}")

	f := newFixture(t)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
