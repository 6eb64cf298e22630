// Package verify authenticates inbound provider webhooks.
//
// Each signing scheme is a named SignatureVerifier; the gateway picks one
// from a Registry keyed by provider id. Errors returned by verifiers are
// deliberately generic so responses and logs never reveal which part of a
// signature check failed.
package verify

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mattjoyce/switchboard/internal/provider"
	"github.com/mattjoyce/switchboard/internal/tenant"
)

var (
	// ErrSignatureInvalid covers missing, malformed and mismatched signatures.
	ErrSignatureInvalid = errors.New("webhook verification failed")
	// ErrReplay is returned when the signed timestamp is outside the window.
	ErrReplay = errors.New("webhook timestamp outside allowed window")
	// ErrMissingSecret means the integration has no secret for its scheme.
	// This is a configuration problem, never a soft failure.
	ErrMissingSecret = errors.New("webhook secret not configured")
)

// Request is the verifier's view of an inbound webhook.
type Request struct {
	// URL is the public URL the provider called, including the query string.
	URL    string
	Header http.Header
	Body   []byte
	// Form holds parsed form parameters for form-encoded providers.
	Form url.Values
	Now  time.Time
}

// SignatureVerifier checks the authenticity of a request for one scheme.
type SignatureVerifier interface {
	Verify(req *Request, creds tenant.Credentials) error
}

// Registry maps providers to their verifier.
type Registry struct {
	verifiers map[provider.ID]SignatureVerifier
}

func NewRegistry(verifiers map[provider.ID]SignatureVerifier) *Registry {
	m := make(map[provider.ID]SignatureVerifier, len(verifiers))
	for id, v := range verifiers {
		m[id] = v
	}
	return &Registry{verifiers: m}
}

// DefaultRegistry wires every provider in the policy table to the verifier
// for its scheme.
func DefaultRegistry() *Registry {
	m := make(map[provider.ID]SignatureVerifier)
	for _, p := range provider.All() {
		switch p.Scheme {
		case provider.SchemeFormHMACSHA1:
			m[p.ID] = &TwilioVerifier{Header: p.SignatureHeader}
		case provider.SchemeEd25519Timestamped:
			m[p.ID] = &Ed25519Verifier{
				SignatureHeader: p.SignatureHeader,
				TimestampHeader: p.TimestampHeader,
				Window:          p.ReplayWindow,
			}
		case provider.SchemeBodyHMACSHA256:
			m[p.ID] = &HMACVerifier{Header: p.SignatureHeader}
		default:
			panic(fmt.Sprintf("verify: no verifier for scheme %q", p.Scheme))
		}
	}
	return NewRegistry(m)
}

// For returns the verifier registered for id.
func (r *Registry) For(id provider.ID) (SignatureVerifier, error) {
	v, ok := r.verifiers[id]
	if !ok {
		return nil, fmt.Errorf("no verifier registered for provider %q", id)
	}
	return v, nil
}
