package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/switchboard/internal/audit"
	"github.com/mattjoyce/switchboard/internal/decision"
	"github.com/mattjoyce/switchboard/internal/events"
	"github.com/mattjoyce/switchboard/internal/idempotency"
	"github.com/mattjoyce/switchboard/internal/log"
	"github.com/mattjoyce/switchboard/internal/metrics"
	"github.com/mattjoyce/switchboard/internal/normalize"
	"github.com/mattjoyce/switchboard/internal/provider"
	"github.com/mattjoyce/switchboard/internal/queue"
	"github.com/mattjoyce/switchboard/internal/storage"
	"github.com/mattjoyce/switchboard/internal/tenant"
	"github.com/mattjoyce/switchboard/internal/verify"
)

const (
	testKey     = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	publicBase  = "https://hooks.example.com"
	twilioToken = "twilio-auth-token"
	vapiSecret  = "vapi-secret"
)

type fixture struct {
	db      *sql.DB
	tenants *tenant.Store
	ledger  *idempotency.SQLiteLedger
	metrics *metrics.Metrics
	deps    Deps
	opts    Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sealer, err := tenant.NewSealer(testKey)
	require.NoError(t, err)
	tenants := tenant.NewStore(db, sealer)
	receipts := audit.NewStore(db)
	jobs := queue.New(db)
	ledger := idempotency.NewSQLiteLedger(db)
	m := metrics.New()

	return &fixture{
		db:      db,
		tenants: tenants,
		ledger:  ledger,
		metrics: m,
		deps: Deps{
			Integrations: tenant.NewRouter(tenants),
			Verifiers:    verify.DefaultRegistry(),
			Receipts:     receipts,
			Ledger:       ledger,
			Normalizer:   normalize.New(db, tenants, jobs, receipts, 5, log.Discard()),
			Decisions:    decision.NewBuilder(tenants, log.Discard()),
			Jobs:         jobs,
			Metrics:      m,
			Logger:       log.Discard(),
		},
		opts: Options{
			PublicBaseURL: publicBase,
			MaxAttempts:   5,
			CORS: CORSPolicy{
				AllowOrigin:  "*",
				AllowHeaders: []string{"authorization", "content-type"},
				AllowMethods: []string{"POST", "OPTIONS"},
			},
		},
	}
}

func (f *fixture) handler() http.Handler {
	return New(f.opts, f.deps).Handler()
}

func (f *fixture) create(t *testing.T, p provider.ID, token string, creds tenant.Credentials) *tenant.Integration {
	t.Helper()
	in, err := f.tenants.Create(context.Background(), tenant.NewIntegration{
		TenantID:     "t1",
		Provider:     p,
		Credentials:  creds,
		WebhookToken: token,
	})
	require.NoError(t, err)
	return in
}

func (f *fixture) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRow(query, args...).Scan(&n))
	return n
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func twilioRequest(token, body string) *http.Request {
	path := "/twilio-webhook?token=" + url.QueryEscape(token)
	form, _ := url.ParseQuery(body)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", verify.SignForm(twilioToken, publicBase+path, form))
	return req
}

func vapiRequest(token, body, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/vapi-webhook?token="+token, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Vapi-Signature", verify.SignBody(secret, []byte(body)))
	return req
}

func telnyxRequest(t *testing.T, token, body string, priv ed25519.PrivateKey, ts time.Time) *http.Request {
	t.Helper()
	stamp := strconv.FormatInt(ts.Unix(), 10)
	sig := ed25519.Sign(priv, []byte(stamp+"."+body))
	req := httptest.NewRequest(http.MethodPost, "/telnyx-webhook?token="+token, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Telnyx-Timestamp", stamp)
	req.Header.Set("Telnyx-Signature-Ed25519", base64.StdEncoding.EncodeToString(sig))
	return req
}

func TestTwilioDeliveredStatus(t *testing.T) {
	f := newFixture(t)
	in := f.create(t, provider.Twilio, "abc123", tenant.Credentials{AuthToken: twilioToken})
	h := f.handler()

	rec := serve(h, twilioRequest("abc123", "MessageSid=SM1&MessageStatus=delivered"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "<Response/>")

	var status string
	var deliveredAt sql.NullString
	require.NoError(t, f.db.QueryRow(`SELECT status, delivered_at FROM messages WHERE integration_id = ? AND provider_message_id = 'SM1'`,
		in.ID).Scan(&status, &deliveredAt))
	assert.Equal(t, normalize.StatusDelivered, status)
	assert.True(t, deliveredAt.Valid)

	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM webhook_receipts
		WHERE idempotency_key = 'twilio:SM1:delivered' AND processed = 1 AND signature_verified = 1`))

	entry, err := f.ledger.Lookup(context.Background(), "twilio:SM1:delivered")
	require.NoError(t, err)
	assert.True(t, entry.Processed)
}

func TestReplayedDeliveryIsNotReprocessed(t *testing.T) {
	f := newFixture(t)
	f.create(t, provider.Twilio, "abc123", tenant.Credentials{AuthToken: twilioToken})
	h := f.handler()

	first := serve(h, twilioRequest("abc123", "MessageSid=SM1&MessageStatus=delivered"))
	require.Equal(t, http.StatusOK, first.Code)
	var updatedAt string
	require.NoError(t, f.db.QueryRow(`SELECT updated_at FROM messages WHERE provider_message_id = 'SM1'`).Scan(&updatedAt))

	second := serve(h, twilioRequest("abc123", "MessageSid=SM1&MessageStatus=delivered"))
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())

	var updatedAgain string
	require.NoError(t, f.db.QueryRow(`SELECT updated_at FROM messages WHERE provider_message_id = 'SM1'`).Scan(&updatedAgain))
	assert.Equal(t, updatedAt, updatedAgain)
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM normalized_events`))
	assert.Equal(t, 2, f.count(t, `SELECT COUNT(*) FROM webhook_receipts`))
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM webhook_receipts WHERE duplicate = 1 AND processed = 0`))
}

func TestInactiveIntegrationIsNotFound(t *testing.T) {
	f := newFixture(t)
	in := f.create(t, provider.Twilio, "abc123", tenant.Credentials{AuthToken: twilioToken})
	require.NoError(t, f.tenants.Deactivate(context.Background(), in.ID))

	rec := serve(f.handler(), twilioRequest("abc123", "MessageSid=SM1&MessageStatus=delivered"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"not found"}`, rec.Body.String())
	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM webhook_receipts`))
	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM normalized_events`))
}

func TestTokenResolution(t *testing.T) {
	f := newFixture(t)
	f.create(t, provider.Twilio, "abc123", tenant.Credentials{AuthToken: twilioToken})
	h := f.handler()

	tests := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{"missing token", twilioRequest("", "MessageSid=SM1"), http.StatusBadRequest},
		{"unknown token", twilioRequest("nope", "MessageSid=SM1"), http.StatusNotFound},
		{"token of another provider", vapiRequest("abc123", `{"message":{"type":"hang"}}`, vapiSecret), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, serve(h, tt.req).Code)
		})
	}
	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM webhook_receipts`))
}

func TestTelnyxStaleTimestampRejected(t *testing.T) {
	f := newFixture(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	f.create(t, provider.Telnyx, "tx1", tenant.Credentials{PublicKey: base64.StdEncoding.EncodeToString(pub)})
	h := f.handler()

	body := `{"data":{"id":"e1","event_type":"message.finalized","payload":{"id":"m1","to":[{"phone_number":"+15550002","status":"delivered"}]}}}`

	stale := serve(h, telnyxRequest(t, "tx1", body, priv, time.Now().Add(-301*time.Second)))
	assert.Equal(t, http.StatusUnauthorized, stale.Code)
	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM normalized_events`))
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM webhook_receipts
		WHERE rejected_reason = 'replay_detected' AND raw_payload IS NULL AND signature_verified = 0`))

	fresh := serve(h, telnyxRequest(t, "tx1", body, priv, time.Now()))
	assert.Equal(t, http.StatusOK, fresh.Code)
	assert.JSONEq(t, `{"received":true}`, fresh.Body.String())
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM normalized_events`))
}

func TestTelnyxBadSignatureIsHardFailure(t *testing.T) {
	f := newFixture(t)
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, other, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	f.create(t, provider.Telnyx, "tx1", tenant.Credentials{PublicKey: base64.StdEncoding.EncodeToString(pub)})

	body := `{"data":{"id":"e1","event_type":"call.hangup","payload":{"call_session_id":"cs1"}}}`
	rec := serve(f.handler(), telnyxRequest(t, "tx1", body, other, time.Now()))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM webhook_receipts WHERE rejected_reason = 'signature_invalid' AND raw_payload IS NULL`))
	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM calls`))
}

func TestSoftFailRecordsUnverifiedReceipt(t *testing.T) {
	f := newFixture(t)
	f.create(t, provider.Vapi, "v1", tenant.Credentials{WebhookSecret: vapiSecret})

	body := `{"message":{"type":"status-update","status":"ended","call":{"id":"c1","type":"inboundPhoneCall"}}}`
	rec := serve(f.handler(), vapiRequest("v1", body, "wrong-secret"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM webhook_receipts WHERE signature_verified = 0 AND processed = 1`))
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM calls WHERE provider_call_id = 'c1' AND status = 'completed'`))
}

func TestInlineDecisionSurvivesDuplicate(t *testing.T) {
	f := newFixture(t)
	f.create(t, provider.Vapi, "v1", tenant.Credentials{WebhookSecret: vapiSecret, DefaultAssistantID: "as-default"})
	h := f.handler()

	body := `{"message":{"type":"assistant-request","call":{"id":"c7","type":"inboundPhoneCall",
		"customer":{"number":"+15550001"}},"phoneNumber":{"number":"+15550002"}}}`

	first := serve(h, vapiRequest("v1", body, vapiSecret))
	require.Equal(t, http.StatusOK, first.Code)
	assert.JSONEq(t, `{"assistantId":"as-default"}`, first.Body.String())

	second := serve(h, vapiRequest("v1", body, vapiSecret))
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM job_queue WHERE kind = 'normalize'`))
	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM normalized_events`), "normalization is deferred to the queue")

	entry, err := f.ledger.Lookup(context.Background(), "vapi:c7:assistant-request")
	require.NoError(t, err)
	assert.False(t, entry.Processed)
}

func TestActivityIsPublished(t *testing.T) {
	f := newFixture(t)
	hub := events.NewHub(16)
	f.deps.Events = hub
	f.create(t, provider.Twilio, "abc123", tenant.Credentials{AuthToken: twilioToken})
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, other, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	f.create(t, provider.Telnyx, "tx1", tenant.Credentials{PublicKey: base64.StdEncoding.EncodeToString(pub)})
	h := f.handler()

	serve(h, twilioRequest("abc123", "MessageSid=SM1&MessageStatus=delivered"))
	serve(h, twilioRequest("abc123", "MessageSid=SM1&MessageStatus=delivered"))
	serve(h, telnyxRequest(t, "tx1", `{"data":{"id":"e1","event_type":"call.hangup","payload":{}}}`, other, time.Now()))

	got := hub.Since(0)
	require.Len(t, got, 3)
	assert.Equal(t, events.TypeProcessed, got[0].Type)
	assert.Equal(t, events.TypeDuplicate, got[1].Type)
	assert.Equal(t, events.TypeRejected, got[2].Type)

	var first, rejected activity
	require.NoError(t, json.Unmarshal(got[0].Data, &first))
	assert.Equal(t, "twilio", first.Provider)
	assert.Equal(t, "t1", first.TenantID)
	assert.NotEmpty(t, first.ReceiptID)
	require.NoError(t, json.Unmarshal(got[2].Data, &rejected))
	assert.Equal(t, audit.ReasonSignature, rejected.Reason)
}

func TestUndecodablePayloadIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.create(t, provider.Vapi, "v1", tenant.Credentials{WebhookSecret: vapiSecret})

	rec := serve(f.handler(), vapiRequest("v1", `not json`, vapiSecret))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM webhook_receipts
		WHERE rejected_reason = 'undecodable_payload' AND processed = 0 AND raw_payload IS NOT NULL`))
}

func TestFallbackKeyIsCounted(t *testing.T) {
	f := newFixture(t)
	f.create(t, provider.Vapi, "v1", tenant.Credentials{WebhookSecret: vapiSecret})
	h := f.handler()

	body := `{"message":{"type":"transcript","transcript":"hello"}}`
	for range 2 {
		require.Equal(t, http.StatusOK, serve(h, vapiRequest("v1", body, vapiSecret)).Code)
	}
	// Each delivery gets its own generated key, so neither is a duplicate.
	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM webhook_receipts WHERE duplicate = 1`))

	scrape := httptest.NewRecorder()
	f.metrics.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, scrape.Body.String(), `switchboard_idempotency_fallback_keys_total{event_type="transcript",provider="vapi"} 2`)
}

func TestMissingSecretIsConfigurationError(t *testing.T) {
	f := newFixture(t)
	f.create(t, provider.Vapi, "v1", tenant.Credentials{})

	rec := serve(f.handler(), vapiRequest("v1", `{"message":{"type":"hang"}}`, vapiSecret))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())
}

func TestPayloadTooLarge(t *testing.T) {
	f := newFixture(t)
	f.create(t, provider.Vapi, "v1", tenant.Credentials{WebhookSecret: vapiSecret})
	f.opts.MaxBodySize = 16

	rec := serve(f.handler(), vapiRequest("v1", `{"message":{"type":"status-update"}}`, vapiSecret))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM webhook_receipts`))
}

func TestMissingTokenCheckedBeforeBodySize(t *testing.T) {
	f := newFixture(t)
	f.create(t, provider.Vapi, "v1", tenant.Credentials{WebhookSecret: vapiSecret})
	f.opts.MaxBodySize = 16

	rec := serve(f.handler(), vapiRequest("", `{"message":{"type":"status-update"}}`, vapiSecret))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM webhook_receipts`))
}

func TestUnsignedRecordingCallbackIsNotFetched(t *testing.T) {
	f := newFixture(t)
	f.create(t, provider.Twilio, "abc123", tenant.Credentials{AccountSID: "AC1", AuthToken: twilioToken})

	var hits atomic.Int32
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(foreign.Close)

	recordingURL := foreign.URL + "/RE1"
	body := "CallSid=CA1&CallStatus=completed&RecordingSid=RE1&RecordingUrl=" + url.QueryEscape(recordingURL)
	req := twilioRequest("abc123", body)
	req.Header.Set("X-Twilio-Signature", "forged")

	rec := serve(f.handler(), req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM webhook_receipts WHERE signature_verified = 0 AND processed = 1`))
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM normalized_events WHERE recording_url = ?`, recordingURL))
	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM job_queue WHERE kind = ?`, queue.KindFetchRecording))
	assert.Zero(t, hits.Load())
}

type failingNormalizer struct{}

func (failingNormalizer) Normalize(context.Context, *tenant.Integration, string, normalize.Payload) (*normalize.Event, error) {
	return nil, errors.New("database is locked")
}

func TestStorageFailureReleasesClaim(t *testing.T) {
	f := newFixture(t)
	f.create(t, provider.Twilio, "abc123", tenant.Credentials{AuthToken: twilioToken})

	working := f.deps.Normalizer
	f.deps.Normalizer = failingNormalizer{}
	rec := serve(f.handler(), twilioRequest("abc123", "MessageSid=SM1&MessageStatus=delivered"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	_, err := f.ledger.Lookup(context.Background(), "twilio:SM1:delivered")
	assert.ErrorIs(t, err, idempotency.ErrNotFound)

	f.deps.Normalizer = working
	rec = serve(f.handler(), twilioRequest("abc123", "MessageSid=SM1&MessageStatus=delivered"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM normalized_events`))
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/vapi-webhook", nil)
	rec := serve(f.handler(), req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestMergeHeaders(t *testing.T) {
	base := http.Header{"Content-Type": {"application/json"}, "Vary": {"Origin"}}
	extra := http.Header{"Vary": {"Accept"}, "Access-Control-Allow-Origin": {"*"}}

	merged := MergeHeaders(base, extra)
	assert.Equal(t, "application/json", merged.Get("Content-Type"))
	assert.Equal(t, []string{"Accept"}, merged.Values("Vary"))
	assert.Equal(t, "*", merged.Get("Access-Control-Allow-Origin"))

	assert.Equal(t, []string{"Origin"}, base.Values("Vary"), "base is not modified")
	assert.Empty(t, base.Get("Access-Control-Allow-Origin"))
	assert.NotNil(t, MergeHeaders(nil, nil))
}

func TestKindStatus(t *testing.T) {
	tests := map[Kind]int{
		KindConfiguration:    http.StatusInternalServerError,
		KindMissingToken:     http.StatusBadRequest,
		KindNotFound:         http.StatusNotFound,
		KindSignatureInvalid: http.StatusUnauthorized,
		KindReplayDetected:   http.StatusUnauthorized,
		KindPayloadTooLarge:  http.StatusRequestEntityTooLarge,
		KindPersistence:      http.StatusInternalServerError,
	}
	for kind, status := range tests {
		assert.Equal(t, status, kind.Status(), kind.String())
	}

	err := newError(KindNotFound, "resolve", tenant.ErrNotFound)
	assert.ErrorIs(t, err, tenant.ErrNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, KindPersistence, KindOf(errors.New("plain")))
}
