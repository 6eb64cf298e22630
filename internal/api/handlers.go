package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/switchboard/internal/audit"
	"github.com/mattjoyce/switchboard/internal/provider"
	"github.com/mattjoyce/switchboard/internal/tenant"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
	})
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(provider.All()))
}

// handleCreateIntegration handles POST /integrations.
func (s *Server) handleCreateIntegration(w http.ResponseWriter, r *http.Request) {
	var req CreateIntegrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.TenantID) == "" {
		s.writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	id, err := provider.Parse(req.Provider)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	in, err := s.integrations.Create(r.Context(), tenant.NewIntegration{
		TenantID:     req.TenantID,
		Provider:     id,
		Credentials:  req.Credentials,
		WebhookToken: req.WebhookToken,
	})
	if err != nil {
		s.logger.Error("failed to create integration", "tenant_id", req.TenantID, "provider", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create integration")
		return
	}
	s.logger.Info("integration created", "integration_id", in.ID, "tenant_id", in.TenantID, "provider", in.Provider)
	respondJSON(w, http.StatusCreated, s.integrationResponse(in))
}

// handleListIntegrations handles GET /integrations?tenant_id=.
func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	if tenantID == "" {
		s.writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	list, err := s.integrations.List(r.Context(), tenantID)
	if err != nil {
		s.logger.Error("failed to list integrations", "tenant_id", tenantID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list integrations")
		return
	}

	resp := IntegrationListResponse{Integrations: make([]IntegrationResponse, 0, len(list))}
	for i := range list {
		resp.Integrations = append(resp.Integrations, s.integrationResponse(&list[i]))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleDeactivateIntegration handles DELETE /integrations/{id}.
func (s *Server) handleDeactivateIntegration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.integrations.Deactivate(r.Context(), id)
	switch {
	case errors.Is(err, tenant.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "integration not found")
		return
	case err != nil:
		s.logger.Error("failed to deactivate integration", "integration_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to deactivate integration")
		return
	}
	s.logger.Info("integration deactivated", "integration_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleAddAgent handles POST /integrations/{id}/agents.
func (s *Server) handleAddAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req AddAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.ProviderAgentID) == "" && strings.TrimSpace(req.PhoneNumber) == "" {
		s.writeError(w, http.StatusBadRequest, "provider_agent_id or phone_number is required")
		return
	}

	a, err := s.integrations.AddAgent(r.Context(), tenant.Agent{
		IntegrationID:   id,
		ProviderAgentID: strings.TrimSpace(req.ProviderAgentID),
		PhoneNumber:     strings.TrimSpace(req.PhoneNumber),
		Name:            req.Name,
		TransferNumber:  req.TransferNumber,
	})
	switch {
	case errors.Is(err, tenant.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "integration not found")
		return
	case err != nil:
		s.logger.Error("failed to add agent", "integration_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to add agent")
		return
	}

	respondJSON(w, http.StatusCreated, AgentResponse{
		ID:              a.ID,
		TenantID:        a.TenantID,
		IntegrationID:   a.IntegrationID,
		ProviderAgentID: a.ProviderAgentID,
		PhoneNumber:     a.PhoneNumber,
		Name:            a.Name,
		TransferNumber:  a.TransferNumber,
		CreatedAt:       a.CreatedAt,
	})
}

// handleGetReceipt handles GET /receipts/{id}.
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.receipts.Get(r.Context(), id)
	switch {
	case errors.Is(err, audit.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "receipt not found")
		return
	case err != nil:
		s.logger.Error("failed to load receipt", "receipt_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load receipt")
		return
	}

	respondJSON(w, http.StatusOK, ReceiptResponse{
		ID:                rec.ID,
		Provider:          string(rec.Provider),
		IntegrationID:     rec.IntegrationID,
		TenantID:          rec.TenantID,
		EventType:         rec.EventType,
		ProviderEventID:   rec.ProviderEventID,
		IdempotencyKey:    rec.IdempotencyKey,
		PayloadDigest:     rec.PayloadDigest,
		Payload:           string(rec.RawPayload),
		Headers:           rec.RawHeaders,
		SignatureVerified: rec.SignatureVerified,
		Duplicate:         rec.Duplicate,
		Processed:         rec.Processed,
		RejectedReason:    rec.RejectedReason,
		ReceivedAt:        rec.ReceivedAt,
		ProcessedAt:       rec.ProcessedAt,
	})
}

func (s *Server) integrationResponse(in *tenant.Integration) IntegrationResponse {
	policy := provider.MustLookup(in.Provider)
	return IntegrationResponse{
		ID:            in.ID,
		TenantID:      in.TenantID,
		Provider:      string(in.Provider),
		WebhookToken:  in.WebhookToken,
		WebhookURL:    WebhookURL(s.config.PublicBaseURL, policy, in.WebhookToken),
		Active:        in.Active,
		CreatedAt:     in.CreatedAt,
		DeactivatedAt: in.DeactivatedAt,
	}
}

// WebhookURL is the address a tenant configures at the provider.
func WebhookURL(base string, p provider.Policy, token string) string {
	return strings.TrimRight(base, "/") + p.Route() + "?token=" + token
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
