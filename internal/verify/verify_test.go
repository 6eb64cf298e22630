package verify

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/switchboard/internal/provider"
	"github.com/mattjoyce/switchboard/internal/tenant"
)

func TestSignFormMatchesReference(t *testing.T) {
	const (
		secret  = "12345"
		fullURL = "https://hooks.example.com/twilio-webhook?token=abc123"
	)
	form := url.Values{
		"To":            {"+18005551212"},
		"MessageStatus": {"delivered"},
		"MessageSid":    {"SM1"},
		"From":          {"+14158675309"},
	}

	// Sorted keys: From, MessageSid, MessageStatus, To.
	canonical := fullURL + "From+14158675309" + "MessageSidSM1" + "MessageStatusdelivered" + "To+18005551212"
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(canonical))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, SignForm(secret, fullURL, form))
	assert.Equal(t, SignForm(secret, fullURL, form), SignForm(secret, fullURL, form), "deterministic")
}

func TestCanonicalFormSortsRepeatedValues(t *testing.T) {
	got := canonicalForm("u", url.Values{"b": {"2", "1"}, "a": {"x"}})
	assert.Equal(t, "uaxb1b2", got)
}

func TestTwilioVerifier(t *testing.T) {
	v := &TwilioVerifier{Header: "X-Twilio-Signature"}
	creds := tenant.Credentials{AuthToken: "secret"}
	fullURL := "https://hooks.example.com/twilio-webhook?token=abc123"
	form := url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"delivered"}}
	good := SignForm("secret", fullURL, form)

	tests := []struct {
		name  string
		url   string
		sig   string
		creds tenant.Credentials
		want  error
	}{
		{"valid", fullURL, good, creds, nil},
		{"missing header", fullURL, "", creds, ErrSignatureInvalid},
		{"different url", "https://evil.example.com/twilio-webhook?token=abc123", good, creds, ErrSignatureInvalid},
		{"wrong secret", fullURL, good, tenant.Credentials{AuthToken: "other"}, ErrSignatureInvalid},
		{"no secret", fullURL, good, tenant.Credentials{}, ErrMissingSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.sig != "" {
				h.Set("X-Twilio-Signature", tt.sig)
			}
			err := v.Verify(&Request{URL: tt.url, Header: h, Form: form}, tt.creds)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestPublicURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "http://10.0.0.5:8081/twilio-webhook?token=abc", nil)
	assert.Equal(t, "http://10.0.0.5:8081/twilio-webhook?token=abc", PublicURL(r, ""))

	r.Header.Set("X-Forwarded-Proto", "https, http")
	r.Header.Set("X-Forwarded-Host", "hooks.example.com")
	assert.Equal(t, "https://hooks.example.com/twilio-webhook?token=abc", PublicURL(r, ""))

	assert.Equal(t, "https://public.example.com/twilio-webhook?token=abc", PublicURL(r, "https://public.example.com/"))

	tlsReq := httptest.NewRequest(http.MethodPost, "https://gw.local/twilio-webhook", nil)
	tlsReq.TLS = &tls.ConnectionState{}
	assert.Equal(t, "https://gw.local/twilio-webhook", PublicURL(tlsReq, ""))
}

func newTelnyxFixture(t *testing.T) (ed25519.PrivateKey, tenant.Credentials, *Ed25519Verifier) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	p := provider.MustLookup(provider.Telnyx)
	return priv, tenant.Credentials{PublicKey: base64.StdEncoding.EncodeToString(pub)},
		&Ed25519Verifier{SignatureHeader: p.SignatureHeader, TimestampHeader: p.TimestampHeader, Window: p.ReplayWindow}
}

func signTelnyx(priv ed25519.PrivateKey, ts int64, body []byte) http.Header {
	tsS := strconv.FormatInt(ts, 10)
	sig := ed25519.Sign(priv, append([]byte(tsS+"."), body...))
	h := http.Header{}
	h.Set("Telnyx-Timestamp", tsS)
	h.Set("Telnyx-Signature-Ed25519", base64.StdEncoding.EncodeToString(sig))
	return h
}

func TestEd25519Verifier(t *testing.T) {
	priv, creds, v := newTelnyxFixture(t)
	body := []byte(`{"data":{"event_type":"call.hangup"}}`)
	now := time.Unix(1_700_000_000, 0)

	t.Run("valid", func(t *testing.T) {
		h := signTelnyx(priv, now.Unix(), body)
		assert.NoError(t, v.Verify(&Request{Header: h, Body: body, Now: now}, creds))
	})

	t.Run("within window", func(t *testing.T) {
		h := signTelnyx(priv, now.Add(-299*time.Second).Unix(), body)
		assert.NoError(t, v.Verify(&Request{Header: h, Body: body, Now: now}, creds))
	})

	t.Run("stale but validly signed", func(t *testing.T) {
		h := signTelnyx(priv, now.Add(-301*time.Second).Unix(), body)
		assert.ErrorIs(t, v.Verify(&Request{Header: h, Body: body, Now: now}, creds), ErrReplay)
	})

	t.Run("future beyond window", func(t *testing.T) {
		h := signTelnyx(priv, now.Add(10*time.Minute).Unix(), body)
		assert.ErrorIs(t, v.Verify(&Request{Header: h, Body: body, Now: now}, creds), ErrReplay)
	})

	t.Run("malformed timestamp", func(t *testing.T) {
		h := signTelnyx(priv, now.Unix(), body)
		h.Set("Telnyx-Timestamp", "yesterday")
		assert.ErrorIs(t, v.Verify(&Request{Header: h, Body: body, Now: now}, creds), ErrReplay)
	})

	t.Run("tampered body", func(t *testing.T) {
		h := signTelnyx(priv, now.Unix(), body)
		assert.ErrorIs(t, v.Verify(&Request{Header: h, Body: []byte(`{}`), Now: now}, creds), ErrSignatureInvalid)
	})

	t.Run("missing key", func(t *testing.T) {
		h := signTelnyx(priv, now.Unix(), body)
		assert.ErrorIs(t, v.Verify(&Request{Header: h, Body: body, Now: now}, tenant.Credentials{}), ErrMissingSecret)
	})
}

func TestHMACVerifier(t *testing.T) {
	v := &HMACVerifier{Header: "X-Vapi-Signature"}
	body := []byte(`{"message":{"type":"status-update"}}`)
	sig := SignBody("s3cret", body)

	tests := []struct {
		name   string
		sig    string
		secret string
		body   []byte
		want   error
	}{
		{"plain hex", sig, "s3cret", body, nil},
		{"prefixed", "sha256=" + sig, "s3cret", body, nil},
		{"wrong", SignBody("other", body), "s3cret", body, ErrSignatureInvalid},
		{"tampered", sig, "s3cret", []byte(`{}`), ErrSignatureInvalid},
		{"malformed", "zz", "s3cret", body, ErrSignatureInvalid},
		{"empty", "", "s3cret", body, ErrSignatureInvalid},
		{"no secret", sig, "", body, ErrMissingSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			h.Set("X-Vapi-Signature", tt.sig)
			err := v.Verify(&Request{Header: h, Body: tt.body}, tenant.Credentials{WebhookSecret: tt.secret})
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	for _, p := range provider.All() {
		v, err := r.For(p.ID)
		require.NoError(t, err, p.ID)
		switch p.Scheme {
		case provider.SchemeFormHMACSHA1:
			assert.IsType(t, &TwilioVerifier{}, v)
		case provider.SchemeEd25519Timestamped:
			assert.IsType(t, &Ed25519Verifier{}, v)
		case provider.SchemeBodyHMACSHA256:
			assert.IsType(t, &HMACVerifier{}, v)
		}
	}
	_, err := r.For("plivo")
	assert.Error(t, err)
}
