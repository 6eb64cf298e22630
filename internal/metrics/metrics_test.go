package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestRecorders(t *testing.T) {
	m := New()

	m.RecordWebhook("twilio", 200, 0.01)
	m.RecordWebhook("twilio", 200, 0.02)
	m.RecordDuplicate("vapi")
	m.RecordFallbackKey("vapi", "transcript")
	m.RecordVerificationFailure("telnyx", "hard")
	m.RecordJob("fetch_recording", "retried")
	m.SetQueueDepth(7)
	m.AddRecordingBytes(1024)

	body := scrape(t, m)
	for _, want := range []string{
		`switchboard_webhook_requests_total{provider="twilio",status_code="200"} 2`,
		`switchboard_webhook_request_duration_seconds_count{provider="twilio"} 2`,
		`switchboard_idempotency_duplicates_total{provider="vapi"} 1`,
		`switchboard_idempotency_fallback_keys_total{event_type="transcript",provider="vapi"} 1`,
		`switchboard_verify_failures_total{outcome="hard",provider="telnyx"} 1`,
		`switchboard_queue_jobs_processed_total{kind="fetch_recording",outcome="retried"} 1`,
		`switchboard_queue_depth 7`,
		`switchboard_artifacts_recording_bytes_total 1024`,
		`go_goroutines`,
	} {
		assert.Contains(t, body, want)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordWebhook("twilio", 500, 1)
		m.RecordDuplicate("twilio")
		m.RecordFallbackKey("vapi", "x")
		m.RecordVerificationFailure("vapi", "soft")
		m.RecordJob("analyze", "dead")
		m.SetQueueDepth(1)
		m.AddRecordingBytes(1)
	})
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.RecordDuplicate("retell")
	assert.Contains(t, scrape(t, a), `switchboard_idempotency_duplicates_total{provider="retell"} 1`)
	assert.NotContains(t, scrape(t, b), `provider="retell"`)
}
