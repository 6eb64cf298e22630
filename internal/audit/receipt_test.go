package audit

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/switchboard/internal/provider"
	"github.com/mattjoyce/switchboard/internal/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestRecordAndGet(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	h := http.Header{}
	h.Set("X-Twilio-Signature", "abc=")
	h.Set("Authorization", "Basic c2VjcmV0")
	body := []byte("MessageSid=SM1&MessageStatus=delivered")

	rec, err := s.Record(ctx, Receipt{
		Provider:          provider.Twilio,
		IntegrationID:     "i1",
		TenantID:          "t1",
		EventType:         "delivered",
		ProviderEventID:   "SM1",
		IdempotencyKey:    "twilio:SM1:delivered",
		RawPayload:        body,
		RawHeaders:        h,
		SignatureVerified: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	assert.True(t, strings.HasPrefix(rec.PayloadDigest, "blake3:"))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, body, got.RawPayload)
	assert.Equal(t, "abc=", got.RawHeaders.Get("X-Twilio-Signature"))
	assert.Equal(t, "[redacted]", got.RawHeaders.Get("Authorization"))
	assert.True(t, got.SignatureVerified)
	assert.False(t, got.Processed)
	assert.False(t, got.Duplicate)
}

func TestVerifiedTx(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	signed, err := s.Record(ctx, Receipt{Provider: provider.Twilio, IntegrationID: "i1", TenantID: "t1", SignatureVerified: true})
	require.NoError(t, err)
	unsigned, err := s.Record(ctx, Receipt{Provider: provider.Twilio, IntegrationID: "i1", TenantID: "t1"})
	require.NoError(t, err)

	tx, err := s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	ok, err := s.VerifiedTx(ctx, tx, signed.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.VerifiedTx(ctx, tx, unsigned.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.VerifiedTx(ctx, tx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProcessedTransitionsOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	rec, err := s.Record(ctx, Receipt{Provider: provider.Vapi, IntegrationID: "i1", TenantID: "t1", RawPayload: []byte(`{}`)})
	require.NoError(t, err)

	ok, err := s.MarkProcessed(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkProcessed(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.NotNil(t, got.ProcessedAt)
}

func TestRecordRejectionDropsBody(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	body := []byte(`{"data":{"payload":{"recording_urls":{"mp3":"https://x"}}}}`)
	rec, err := s.RecordRejection(ctx, Receipt{
		Provider:      provider.Telnyx,
		IntegrationID: "i1",
		TenantID:      "t1",
		RawPayload:    body,
		RawHeaders:    http.Header{"Telnyx-Timestamp": {"1"}},
	}, ReasonReplay)
	require.NoError(t, err)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, got.RawPayload)
	assert.Equal(t, Digest(body), got.PayloadDigest)
	assert.Equal(t, ReasonReplay, got.RejectedReason)
	assert.Equal(t, "1", got.RawHeaders.Get("Telnyx-Timestamp"))
}

func TestMarkDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	rec, err := s.Record(ctx, Receipt{Provider: provider.Retell, IntegrationID: "i1", TenantID: "t1"})
	require.NoError(t, err)
	require.NoError(t, s.MarkDuplicate(ctx, rec.ID))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Duplicate)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
