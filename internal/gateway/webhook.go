package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/switchboard/internal/audit"
	"github.com/mattjoyce/switchboard/internal/decision"
	"github.com/mattjoyce/switchboard/internal/events"
	"github.com/mattjoyce/switchboard/internal/idempotency"
	"github.com/mattjoyce/switchboard/internal/normalize"
	"github.com/mattjoyce/switchboard/internal/provider"
	"github.com/mattjoyce/switchboard/internal/queue"
	"github.com/mattjoyce/switchboard/internal/tenant"
	"github.com/mattjoyce/switchboard/internal/verify"
)

func (s *Server) webhookHandler(p provider.Policy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
		defer cancel()

		logger := s.logger.With("provider", p.ID, "request_id", middleware.GetReqID(r.Context()))
		d, err := s.handle(ctx, r, p, logger)
		if err != nil {
			s.respondError(w, r, p.ID, err)
			return
		}
		d.Write(w)
	}
}

// handle runs one delivery and returns the response to write. The token is
// resolved before the body is read. Once a key is claimed, any failure
// releases it so the provider's retry is processed instead of being treated
// as a duplicate.
func (s *Server) handle(ctx context.Context, r *http.Request, p provider.Policy, logger *slog.Logger) (decision.Decision, error) {
	res, err := s.deps.Integrations.Resolve(ctx, p.ID, r.URL.Query().Get("token"))
	switch {
	case errors.Is(err, tenant.ErrMissingToken):
		return decision.Decision{}, newError(KindMissingToken, "resolve", err)
	case errors.Is(err, tenant.ErrNotFound):
		return decision.Decision{}, newError(KindNotFound, "resolve", err)
	case errors.Is(err, tenant.ErrConfiguration):
		return decision.Decision{}, newError(KindConfiguration, "resolve", err)
	case err != nil:
		return decision.Decision{}, newError(KindPersistence, "resolve", err)
	}
	logger = logger.With("integration_id", res.ID, "tenant_id", res.TenantID)

	body, err := io.ReadAll(io.LimitReader(r.Body, s.opts.MaxBodySize+1))
	if err != nil {
		return decision.Decision{}, newError(KindPersistence, "read body", err)
	}
	if int64(len(body)) > s.opts.MaxBodySize {
		return decision.Decision{}, newError(KindPayloadTooLarge, "read body", nil)
	}

	var form url.Values
	if p.Encoding == provider.EncodingForm {
		// A malformed form fails verification and decoding on its own.
		form, _ = url.ParseQuery(string(body))
	}

	base := audit.Receipt{
		Provider:      p.ID,
		IntegrationID: res.ID,
		TenantID:      res.TenantID,
		RawPayload:    body,
		RawHeaders:    r.Header,
	}

	verified, err := s.verify(ctx, r, p, res, body, form, base, logger)
	if err != nil {
		return decision.Decision{}, err
	}
	base.SignatureVerified = verified

	payload, err := normalize.Decode(p.ID, body, s.now())
	if err != nil {
		base.RejectedReason = audit.ReasonUndecodable
		if _, rerr := s.deps.Receipts.Record(ctx, base); rerr != nil {
			return decision.Decision{}, newError(KindPersistence, "record receipt", rerr)
		}
		logger.Warn("undecodable payload acknowledged", "error", err)
		return decision.Ack(p.ID), nil
	}

	ident := payload.Ident()
	key := idempotency.Key(p.ID, ident.NativeID, ident.Subtype)
	if ident.Fallback {
		logger.Warn("payload has no native id, deduplication disabled", "event_type", payload.EventType(), "key", key)
		s.deps.Metrics.RecordFallbackKey(string(p.ID), payload.EventType())
	}

	base.EventType = payload.EventType()
	base.ProviderEventID = ident.NativeID
	base.IdempotencyKey = key
	rec, err := s.deps.Receipts.Record(ctx, base)
	if err != nil {
		return decision.Decision{}, newError(KindPersistence, "record receipt", err)
	}
	logger = logger.With("receipt_id", rec.ID)

	claimed, err := s.deps.Ledger.Claim(ctx, key, rec.ID)
	if err != nil {
		return decision.Decision{}, newError(KindPersistence, "claim key", err)
	}
	if !claimed {
		return s.duplicate(ctx, res, payload, rec.ID, key, logger)
	}

	d, inline, err := s.process(ctx, res, payload, rec.ID, key, logger)
	if err != nil {
		// Release even when the request deadline has passed.
		if rerr := s.deps.Ledger.Release(context.WithoutCancel(ctx), key, rec.ID); rerr != nil {
			logger.Error("failed to release idempotency key", "key", key, "error", rerr)
		}
		return decision.Decision{}, err
	}
	s.publish(events.TypeProcessed, activity{
		ReceiptID: rec.ID,
		Provider:  string(p.ID),
		TenantID:  res.TenantID,
		EventType: payload.EventType(),
		Inline:    inline,
	})
	return d, nil
}

// activity is the payload published to the admin event stream.
type activity struct {
	ReceiptID string `json:"receipt_id,omitempty"`
	Provider  string `json:"provider"`
	TenantID  string `json:"tenant_id"`
	EventType string `json:"event_type,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Inline    bool   `json:"inline,omitempty"`
}

func (s *Server) publish(eventType string, a activity) {
	if s.deps.Events == nil {
		return
	}
	s.deps.Events.Publish(eventType, a)
}

// verify reports whether the signature checked out. Soft-fail providers
// continue unverified; hard failures are audited without the body.
func (s *Server) verify(ctx context.Context, r *http.Request, p provider.Policy, res *tenant.Resolved,
	body []byte, form url.Values, base audit.Receipt, logger *slog.Logger,
) (bool, error) {
	v, err := s.deps.Verifiers.For(p.ID)
	if err != nil {
		return false, newError(KindConfiguration, "verify", err)
	}

	verr := v.Verify(&verify.Request{
		URL:    verify.PublicURL(r, s.opts.PublicBaseURL),
		Header: r.Header,
		Body:   body,
		Form:   form,
		Now:    s.now(),
	}, res.Credentials)

	switch {
	case verr == nil:
		return true, nil
	case errors.Is(verr, verify.ErrMissingSecret):
		return false, newError(KindConfiguration, "verify", verr)
	case errors.Is(verr, verify.ErrReplay):
		s.deps.Metrics.RecordVerificationFailure(string(p.ID), "replay")
		if _, err := s.deps.Receipts.RecordRejection(ctx, base, audit.ReasonReplay); err != nil {
			logger.Error("failed to audit rejected request", "error", err)
		}
		s.publish(events.TypeRejected, activity{Provider: string(p.ID), TenantID: res.TenantID, Reason: audit.ReasonReplay})
		return false, newError(KindReplayDetected, "verify", verr)
	case p.OnBadSignature == provider.HardFail:
		s.deps.Metrics.RecordVerificationFailure(string(p.ID), "hard")
		if _, err := s.deps.Receipts.RecordRejection(ctx, base, audit.ReasonSignature); err != nil {
			logger.Error("failed to audit rejected request", "error", err)
		}
		s.publish(events.TypeRejected, activity{Provider: string(p.ID), TenantID: res.TenantID, Reason: audit.ReasonSignature})
		return false, newError(KindSignatureInvalid, "verify", verr)
	default:
		s.deps.Metrics.RecordVerificationFailure(string(p.ID), "soft")
		logger.Warn("signature verification failed, continuing unverified")
		return false, nil
	}
}

// duplicate answers a redelivery. Inline-decision payloads get the same
// decision again; everything else is acknowledged.
func (s *Server) duplicate(ctx context.Context, res *tenant.Resolved, payload normalize.Payload, receiptID, key string, logger *slog.Logger) (decision.Decision, error) {
	s.deps.Metrics.RecordDuplicate(string(res.Provider))
	if err := s.deps.Receipts.MarkDuplicate(ctx, receiptID); err != nil {
		logger.Error("failed to flag duplicate receipt", "error", err)
	}
	logger.Info("duplicate delivery", "key", key)
	s.publish(events.TypeDuplicate, activity{
		ReceiptID: receiptID,
		Provider:  string(res.Provider),
		TenantID:  res.TenantID,
		EventType: payload.EventType(),
	})

	d, inline, err := s.deps.Decisions.Build(ctx, res, payload)
	if err != nil {
		return decision.Decision{}, newError(KindPersistence, "build decision", err)
	}
	if inline {
		return d, nil
	}
	return decision.Ack(res.Provider), nil
}

// process handles a first delivery. Inline decisions are answered at once
// and normalized by a queued job; all other payloads are normalized before
// the acknowledgement.
func (s *Server) process(ctx context.Context, res *tenant.Resolved, payload normalize.Payload, receiptID, key string, logger *slog.Logger) (decision.Decision, bool, error) {
	d, inline, err := s.deps.Decisions.Build(ctx, res, payload)
	if err != nil {
		return decision.Decision{}, false, newError(KindPersistence, "build decision", err)
	}

	if inline {
		raw, err := json.Marshal(queue.NormalizePayload{ReceiptID: receiptID})
		if err != nil {
			return decision.Decision{}, false, newError(KindPersistence, "enqueue normalize", err)
		}
		dedupe := "normalize:" + receiptID
		if _, err := s.deps.Jobs.Enqueue(ctx, queue.EnqueueRequest{
			Kind:        queue.KindNormalize,
			Payload:     raw,
			MaxAttempts: s.opts.MaxAttempts,
			SubmittedBy: "gateway",
			DedupeKey:   &dedupe,
		}); err != nil {
			return decision.Decision{}, false, newError(KindPersistence, "enqueue normalize", err)
		}
		return d, true, nil
	}

	ev, err := s.deps.Normalizer.Normalize(ctx, &res.Integration, receiptID, payload)
	if err != nil {
		return decision.Decision{}, false, newError(KindPersistence, "normalize", err)
	}
	if err := s.deps.Ledger.MarkProcessed(ctx, key); err != nil {
		// The event is committed and the claim still blocks redelivery.
		logger.Error("failed to mark key processed", "key", key, "error", err)
	}
	logger.Debug("event normalized", "event_id", ev.ID)
	return decision.Ack(res.Provider), false, nil
}
