// Package doctor checks a loaded switchboard configuration for mistakes the
// schema validator cannot see.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mattjoyce/switchboard/internal/auth"
	"github.com/mattjoyce/switchboard/internal/config"
)

// minDedupeTTL is the shortest ledger retention that still covers the
// providers' own redelivery windows.
const minDedupeTTL = 24 * time.Hour

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration.
type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// LoadFailure reports a config that did not load at all.
func LoadFailure(err error) *Result {
	return &Result{Errors: []Issue{{Category: "config", Message: err.Error()}}}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateListeners(r)
	d.validateTokenScopes(r)
	d.validateDuplicateTokens(r)
	d.warnPublicBaseURL(r)
	d.warnAdminExposure(r)
	d.warnLegacyAPIKey(r)
	d.warnDedupeTTL(r)
	d.warnAnalysis(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateListeners rejects the admin API sharing the webhook listener.
func (d *Doctor) validateListeners(r *Result) {
	if d.cfg.API.Enabled && d.cfg.API.Listen == d.cfg.Gateway.Listen {
		d.addError(r, "api", "api.listen", "api.listen must differ from gateway.listen")
	}
}

// validateTokenScopes checks scope syntax and resources.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			field := fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j)
			d.validateSingleScope(r, scope, field)
		}
	}
}

func (d *Doctor) validateSingleScope(r *Result, scope, field string) {
	if scope == auth.ScopeAll {
		return
	}

	resource, access, ok := strings.Cut(scope, ":")
	if !ok {
		d.addError(r, "token_scopes", field,
			fmt.Sprintf("invalid scope %q (expected format: resource:access)", scope))
		return
	}
	switch resource {
	case "integrations", "receipts":
	default:
		d.addError(r, "token_scopes", field,
			fmt.Sprintf("scope %q references unknown resource %q", scope, resource))
		return
	}
	if access != "ro" && access != "rw" {
		d.addError(r, "token_scopes", field,
			fmt.Sprintf("scope %q: invalid access type %q (expected ro or rw)", scope, access))
	}
}

func (d *Doctor) validateDuplicateTokens(r *Result) {
	seen := make(map[string]int)
	if d.cfg.API.Auth.APIKey != "" {
		seen[d.cfg.API.Auth.APIKey] = -1
	}
	for i, token := range d.cfg.API.Auth.Tokens {
		if _, dup := seen[token.Token]; dup {
			d.addError(r, "api", fmt.Sprintf("api.auth.tokens[%d].token", i), "token value is reused")
			continue
		}
		seen[token.Token] = i
	}
}

// warnPublicBaseURL flags form signatures rebuilt from request headers.
func (d *Doctor) warnPublicBaseURL(r *Result) {
	if d.cfg.Gateway.PublicBaseURL == "" {
		d.addWarning(r, "gateway", "gateway.public_base_url",
			"not set; twilio signatures will be checked against the request host, which fails behind most proxies")
	}
}

func (d *Doctor) warnAdminExposure(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q", d.cfg.API.Listen))
		return
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		d.addWarning(r, "api", "api.listen", "admin API listens on all interfaces")
	}
}

func (d *Doctor) warnLegacyAPIKey(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth.api_key",
			"api_key grants full access; prefer tokens with scopes")
	}
}

func (d *Doctor) warnDedupeTTL(r *Result) {
	if d.cfg.Service.DedupeTTL < minDedupeTTL {
		d.addWarning(r, "idempotency", "service.dedupe_ttl",
			fmt.Sprintf("%s is shorter than provider redelivery windows (%s)", d.cfg.Service.DedupeTTL, minDedupeTTL))
	}
}

func (d *Doctor) warnAnalysis(r *Result) {
	if d.cfg.Pipeline.AnalysisURL != "" && d.cfg.Pipeline.AnalysisToken == "" {
		d.addWarning(r, "pipeline", "pipeline.analysis_token",
			"analysis_url is set without a token; requests are sent unauthenticated")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
