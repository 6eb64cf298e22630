package api

import (
	"fmt"

	"github.com/mattjoyce/switchboard/internal/provider"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document covering the provider
// webhook routes and the admin API.
func buildOpenAPIDoc(policies []provider.Policy) map[string]any {
	paths := adminPaths()
	for _, p := range policies {
		paths[p.Route()] = webhookPath(p)
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Switchboard",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

// webhookPath builds the path item for one provider route.
func webhookPath(p provider.Policy) map[string]any {
	contentType := "application/json"
	if p.Encoding == provider.EncodingForm {
		contentType = "application/x-www-form-urlencoded"
	}

	params := []any{
		map[string]any{"name": "token", "in": "query", "required": true, "schema": map[string]any{"type": "string"}},
		map[string]any{"name": p.SignatureHeader, "in": "header", "required": false, "schema": map[string]any{"type": "string"}},
	}
	if p.TimestampHeader != "" {
		params = append(params, map[string]any{"name": p.TimestampHeader, "in": "header", "required": false, "schema": map[string]any{"type": "string"}})
	}

	return map[string]any{
		"post": map[string]any{
			"operationId": fmt.Sprintf("%s__webhook", p.ID),
			"summary":     fmt.Sprintf("%s webhook delivery", p.ID),
			"tags":        []string{"webhooks"},
			"parameters":  params,
			"requestBody": map[string]any{
				"required": true,
				"content":  map[string]any{contentType: map[string]any{}},
			},
			"responses": map[string]any{
				"200": map[string]any{"description": "Acknowledged or inline decision"},
				"400": map[string]any{"description": "Missing token"},
				"401": map[string]any{"description": "Signature rejected"},
				"404": map[string]any{"description": "Unknown token"},
				"413": map[string]any{"description": "Payload too large"},
			},
		},
	}
}

func adminPaths() map[string]any {
	secured := []any{map[string]any{"BearerAuth": []string{}}}
	op := func(id, summary string, codes ...string) map[string]any {
		responses := map[string]any{}
		for _, c := range codes {
			responses[c] = map[string]any{"description": c}
		}
		return map[string]any{
			"operationId": id,
			"summary":     summary,
			"tags":        []string{"admin"},
			"security":    secured,
			"responses":   responses,
		}
	}

	return map[string]any{
		"/integrations": map[string]any{
			"post": op("createIntegration", "Connect a tenant to a provider", "201", "400", "403"),
			"get":  op("listIntegrations", "List a tenant's integrations", "200", "400", "403"),
		},
		"/integrations/{id}": map[string]any{
			"delete": op("deactivateIntegration", "Disconnect an integration", "204", "404"),
		},
		"/integrations/{id}/agents": map[string]any{
			"post": op("addAgent", "Register an agent", "201", "400", "404"),
		},
		"/receipts/{id}": map[string]any{
			"get": op("getReceipt", "Inspect a webhook receipt", "200", "404"),
		},
		"/events": map[string]any{
			"get": op("streamEvents", "Stream gateway activity (text/event-stream)", "200", "403"),
		},
	}
}
