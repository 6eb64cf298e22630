package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/switchboard/internal/api/mocks"
	"github.com/mattjoyce/switchboard/internal/auth"
	"github.com/mattjoyce/switchboard/internal/log"
	"github.com/mattjoyce/switchboard/internal/tenant"
)

func TestAuthMiddlewareScopes(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockIntegrationStore(ctrl)
	store.EXPECT().List(gomock.Any(), "t1").Return([]tenant.Integration{}, nil).AnyTimes()

	cfg := Config{
		APIKey: "admin",
		Tokens: []auth.TokenConfig{
			{Token: "reader", Scopes: []string{auth.ScopeIntegrationsRead}},
			{Token: "writer", Scopes: []string{auth.ScopeIntegrationsWrite}},
			{Token: "auditor", Scopes: []string{auth.ScopeReceiptsRead}},
		},
	}
	h := New(cfg, store, nil, nil, nil, log.Discard()).Handler()

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"unknown token", "Bearer nope", http.StatusUnauthorized},
		{"admin", "Bearer admin", http.StatusOK},
		{"reader", "Bearer reader", http.StatusOK},
		{"writer implies read", "Bearer writer", http.StatusOK},
		{"other resource", "Bearer auditor", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/integrations?tenant_id=t1", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestReadScopeCannotWrite(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockIntegrationStore(ctrl)

	cfg := Config{Tokens: []auth.TokenConfig{{Token: "reader", Scopes: []string{auth.ScopeIntegrationsRead}}}}
	h := New(cfg, store, nil, nil, nil, log.Discard()).Handler()

	req := httptest.NewRequest(http.MethodDelete, "/integrations/abc", nil)
	req.Header.Set("Authorization", "Bearer reader")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}
