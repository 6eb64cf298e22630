// Package provider holds the reviewed policy table for every supported
// webhook provider: signing scheme, verification-failure posture, replay
// window and body encoding. Handlers consult this table instead of carrying
// their own per-provider branches.
package provider

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ID identifies a provider. It is also the route prefix ("<id>-webhook").
type ID string

const (
	Twilio ID = "twilio"
	Telnyx ID = "telnyx"
	Vapi   ID = "vapi"
	Retell ID = "retell"
)

// Scheme names a signing scheme.
type Scheme string

const (
	// SchemeFormHMACSHA1 signs URL + sorted form params with HMAC-SHA1, base64.
	SchemeFormHMACSHA1 Scheme = "A"
	// SchemeEd25519Timestamped signs timestamp + "." + body with Ed25519.
	SchemeEd25519Timestamped Scheme = "B"
	// SchemeBodyHMACSHA256 signs the raw body with HMAC-SHA256, hex.
	SchemeBodyHMACSHA256 Scheme = "C"
)

// FailurePolicy decides what a bad signature does to the request.
type FailurePolicy string

const (
	// SoftFail records signature_verified=false and keeps ingesting.
	SoftFail FailurePolicy = "soft"
	// HardFail rejects with 401 before any payload is stored.
	HardFail FailurePolicy = "hard"
)

// Encoding is the request body format.
type Encoding string

const (
	EncodingForm Encoding = "form"
	EncodingJSON Encoding = "json"
)

// Policy is one row of the provider table.
type Policy struct {
	ID              ID
	Scheme          Scheme
	OnBadSignature  FailurePolicy
	ReplayWindow    time.Duration // zero when the scheme carries no timestamp
	Encoding        Encoding
	SignatureHeader string
	TimestampHeader string
	// RecordingHosts lists the hosts that may receive the integration's
	// download credentials. A leading dot matches any subdomain.
	RecordingHosts []string
}

// Route returns the public path for the provider.
func (p Policy) Route() string { return "/" + string(p.ID) + "-webhook" }

// TrustsRecordingHost reports whether u points at one of the provider's
// recording hosts or at one of the extra hosts.
func (p Policy) TrustsRecordingHost(u *url.URL, extra ...string) bool {
	if u == nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, list := range [][]string{p.RecordingHosts, extra} {
		for _, h := range list {
			h = strings.ToLower(h)
			if h == host || (strings.HasPrefix(h, ".") && strings.HasSuffix(host, h)) {
				return true
			}
		}
	}
	return false
}

// policies is the security posture table. Changing a row is a reviewed
// decision: telnyx is the only hard-fail provider because it is the one that
// delivers call audio.
var policies = map[ID]Policy{
	Twilio: {
		ID:              Twilio,
		Scheme:          SchemeFormHMACSHA1,
		OnBadSignature:  SoftFail,
		Encoding:        EncodingForm,
		SignatureHeader: "X-Twilio-Signature",
		RecordingHosts:  []string{"api.twilio.com"},
	},
	Telnyx: {
		ID:              Telnyx,
		Scheme:          SchemeEd25519Timestamped,
		OnBadSignature:  HardFail,
		ReplayWindow:    300 * time.Second,
		Encoding:        EncodingJSON,
		SignatureHeader: "Telnyx-Signature-Ed25519",
		TimestampHeader: "Telnyx-Timestamp",
		RecordingHosts:  []string{"api.telnyx.com"},
	},
	Vapi: {
		ID:              Vapi,
		Scheme:          SchemeBodyHMACSHA256,
		OnBadSignature:  SoftFail,
		Encoding:        EncodingJSON,
		SignatureHeader: "X-Vapi-Signature",
		RecordingHosts:  []string{"api.vapi.ai", "storage.vapi.ai"},
	},
	Retell: {
		ID:              Retell,
		Scheme:          SchemeBodyHMACSHA256,
		OnBadSignature:  SoftFail,
		Encoding:        EncodingJSON,
		SignatureHeader: "X-Retell-Signature",
		RecordingHosts:  []string{".retellai.com"},
	},
}

// Lookup returns the policy for id.
func Lookup(id ID) (Policy, bool) {
	p, ok := policies[id]
	return p, ok
}

// MustLookup returns the policy for id and panics on an unknown provider.
func MustLookup(id ID) Policy {
	p, ok := policies[id]
	if !ok {
		panic(fmt.Sprintf("provider: unknown id %q", id))
	}
	return p
}

// Parse validates a provider name.
func Parse(s string) (ID, error) {
	id := ID(s)
	if _, ok := policies[id]; !ok {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return id, nil
}

// All returns every policy ordered by id.
func All() []Policy {
	out := make([]Policy, 0, len(policies))
	for _, p := range policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
