package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/mattjoyce/switchboard/internal/artifact"
	"github.com/mattjoyce/switchboard/internal/audit"
	"github.com/mattjoyce/switchboard/internal/idempotency"
	"github.com/mattjoyce/switchboard/internal/log"
	"github.com/mattjoyce/switchboard/internal/metrics"
	"github.com/mattjoyce/switchboard/internal/normalize"
	"github.com/mattjoyce/switchboard/internal/provider"
	"github.com/mattjoyce/switchboard/internal/queue"
	"github.com/mattjoyce/switchboard/internal/tenant"
)

// ReceiptSource loads stored receipts.
type ReceiptSource interface {
	Get(ctx context.Context, id string) (*audit.Receipt, error)
}

// IntegrationResolver unseals an integration by id.
type IntegrationResolver interface {
	ResolveID(ctx context.Context, integrationID string) (*tenant.Resolved, error)
}

// EventNormalizer writes canonical events.
type EventNormalizer interface {
	Normalize(ctx context.Context, in *tenant.Integration, receiptID string, p normalize.Payload) (*normalize.Event, error)
}

// EventStore reads events and records their attachments.
type EventStore interface {
	Event(ctx context.Context, id string) (*normalize.Event, error)
	AddAttachment(ctx context.Context, a normalize.Attachment) (*normalize.Attachment, error)
	Attachments(ctx context.Context, eventID string) ([]normalize.Attachment, error)
}

// Deps are the collaborators of the job handlers. Analyzer may be nil, in
// which case fetched recordings are stored but never dispatched.
type Deps struct {
	Queue             JobQueue
	Receipts          ReceiptSource
	Integrations      IntegrationResolver
	Normalizer        EventNormalizer
	Ledger            idempotency.Ledger
	Events            EventStore
	Artifacts         ArtifactStore
	Analyzer          Analyzer
	HTTPClient        *http.Client
	MaxRecordingBytes int64
	RecordingHosts    []string
	MaxAttempts       int
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
}

// Handlers implements the normalize, fetch_recording and analyze jobs.
type Handlers struct {
	d Deps
}

func NewHandlers(d Deps) *Handlers {
	if d.HTTPClient == nil {
		d.HTTPClient = http.DefaultClient
	}
	if d.MaxRecordingBytes <= 0 {
		d.MaxRecordingBytes = 200 << 20
	}
	return &Handlers{d: d}
}

// Register wires every handler into c.
func (h *Handlers) Register(c *Consumer) {
	c.Handle(queue.KindNormalize, h.Normalize)
	c.Handle(queue.KindFetchRecording, h.FetchRecording)
	c.Handle(queue.KindAnalyze, h.Analyze)
}

// Normalize processes a receipt whose webhook was answered with an inline
// decision before normalization ran.
func (h *Handlers) Normalize(ctx context.Context, job *queue.Job) error {
	var p queue.NormalizePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return Permanent(fmt.Errorf("decode normalize payload: %w", err))
	}

	rec, err := h.d.Receipts.Get(ctx, p.ReceiptID)
	if errors.Is(err, audit.ErrNotFound) {
		return Permanent(err)
	}
	if err != nil {
		return err
	}
	res, err := h.d.Integrations.ResolveID(ctx, rec.IntegrationID)
	if errors.Is(err, tenant.ErrNotFound) {
		return Permanent(err)
	}
	if err != nil {
		return err
	}

	payload, err := normalize.Decode(rec.Provider, rec.RawPayload, rec.ReceivedAt)
	if err != nil {
		return Permanent(err)
	}
	if _, err := h.d.Normalizer.Normalize(ctx, &res.Integration, rec.ID, payload); err != nil {
		return err
	}
	if rec.IdempotencyKey != "" {
		if err := h.d.Ledger.MarkProcessed(ctx, rec.IdempotencyKey); err != nil {
			return fmt.Errorf("mark key processed: %w", err)
		}
	}
	return nil
}

// FetchRecording downloads a recording into the artifact store, records the
// attachment and queues it for analysis. A recording already attached to the
// event is not downloaded again.
func (h *Handlers) FetchRecording(ctx context.Context, job *queue.Job) error {
	var p queue.FetchRecordingPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return Permanent(fmt.Errorf("decode fetch payload: %w", err))
	}
	jobLogger := log.WithJob(h.d.Logger, job.ID).With("event_id", p.EventID)

	ev, err := h.d.Events.Event(ctx, p.EventID)
	if errors.Is(err, normalize.ErrEventNotFound) {
		return Permanent(err)
	}
	if err != nil {
		return err
	}

	existing, err := h.d.Events.Attachments(ctx, ev.ID)
	if err != nil {
		return err
	}
	for _, a := range existing {
		if a.Kind == normalize.AttachmentRecording {
			return h.enqueueAnalysis(ctx, &a)
		}
	}

	res, err := h.d.Integrations.ResolveID(ctx, p.IntegrationID)
	if errors.Is(err, tenant.ErrNotFound) {
		return Permanent(err)
	}
	if err != nil {
		return err
	}
	if !res.Active {
		return Permanent(fmt.Errorf("integration %s is deactivated", res.ID))
	}

	spool, size, contentType, err := h.download(ctx, p.RecordingURL, res, jobLogger)
	if err != nil {
		return err
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	key := fmt.Sprintf("%s/%s/recording%s", ev.TenantID, ev.ID, artifact.ExtensionFor(contentType))
	obj, err := h.d.Artifacts.Put(ctx, key, spool, size, contentType)
	if err != nil {
		return fmt.Errorf("store recording: %w", err)
	}

	att, err := h.d.Events.AddAttachment(ctx, normalize.Attachment{
		EventID:     ev.ID,
		TenantID:    ev.TenantID,
		Kind:        normalize.AttachmentRecording,
		ContentType: contentType,
		Locator:     obj.Locator,
		SizeBytes:   size,
	})
	if err != nil {
		if derr := h.d.Artifacts.Delete(ctx, obj.Locator); derr != nil {
			jobLogger.Error("failed to delete orphaned artifact", "locator", obj.Locator, "error", derr)
		}
		return fmt.Errorf("record attachment: %w", err)
	}

	h.d.Metrics.AddRecordingBytes(size)
	jobLogger.Info("recording stored", "attachment_id", att.ID, "size_bytes", size)
	return h.enqueueAnalysis(ctx, att)
}

func (h *Handlers) enqueueAnalysis(ctx context.Context, a *normalize.Attachment) error {
	if h.d.Analyzer == nil {
		return nil
	}
	payload, err := json.Marshal(queue.AnalyzePayload{EventID: a.EventID, AttachmentID: a.ID, Locator: a.Locator})
	if err != nil {
		return fmt.Errorf("marshal analyze payload: %w", err)
	}
	dedupe := "analyze:" + a.ID
	if _, err := h.d.Queue.Enqueue(ctx, queue.EnqueueRequest{
		Kind:        queue.KindAnalyze,
		Payload:     payload,
		MaxAttempts: h.d.MaxAttempts,
		SubmittedBy: "pipeline",
		DedupeKey:   &dedupe,
	}); err != nil {
		return fmt.Errorf("enqueue analysis: %w", err)
	}
	return nil
}

// download streams the recording into a temp file so the artifact store
// gets a seekable body of known size.
func (h *Handlers) download(ctx context.Context, url string, res *tenant.Resolved, logger *slog.Logger) (*os.File, int64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, "", Permanent(fmt.Errorf("build recording request: %w", err))
	}
	h.authorize(req, res, logger)

	resp, err := h.d.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, "", fmt.Errorf("fetch recording: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		// Providers publish recordings shortly after the callback.
		return nil, 0, "", fmt.Errorf("fetch recording: status %d", resp.StatusCode)
	default:
		return nil, 0, "", Permanent(fmt.Errorf("fetch recording: status %d", resp.StatusCode))
	}

	tmp, err := os.CreateTemp("", "switchboard-recording-*")
	if err != nil {
		return nil, 0, "", fmt.Errorf("create spool file: %w", err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, h.d.MaxRecordingBytes+1))
	if err != nil {
		cleanup()
		return nil, 0, "", fmt.Errorf("read recording: %w", err)
	}
	if n > h.d.MaxRecordingBytes {
		cleanup()
		return nil, 0, "", Permanent(fmt.Errorf("recording exceeds %d bytes", h.d.MaxRecordingBytes))
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, "", fmt.Errorf("rewind spool file: %w", err)
	}
	return tmp, n, resp.Header.Get("Content-Type"), nil
}

// authorize adds the provider's download credentials when the integration
// has them and the URL points at a trusted recording host.
func (h *Handlers) authorize(req *http.Request, res *tenant.Resolved, logger *slog.Logger) {
	policy, ok := provider.Lookup(res.Provider)
	if !ok || !policy.TrustsRecordingHost(req.URL, h.d.RecordingHosts...) {
		logger.Warn("recording host not trusted, fetching without credentials",
			"provider", res.Provider, "host", req.URL.Hostname())
		return
	}
	c := res.Credentials
	switch res.Provider {
	case provider.Twilio:
		if c.AccountSID != "" && c.AuthToken != "" {
			req.SetBasicAuth(c.AccountSID, c.AuthToken)
		}
	case provider.Telnyx, provider.Vapi, provider.Retell:
		if c.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.APIKey)
		}
	}
}

// Analyze sends an artifact reference to the analysis service.
func (h *Handlers) Analyze(ctx context.Context, job *queue.Job) error {
	var p queue.AnalyzePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return Permanent(fmt.Errorf("decode analyze payload: %w", err))
	}
	if h.d.Analyzer == nil {
		return Permanent(errors.New("analysis is not configured"))
	}
	ev, err := h.d.Events.Event(ctx, p.EventID)
	if errors.Is(err, normalize.ErrEventNotFound) {
		return Permanent(err)
	}
	if err != nil {
		return err
	}
	return h.d.Analyzer.Analyze(ctx, AnalysisRequest{
		EventID:      p.EventID,
		AttachmentID: p.AttachmentID,
		Locator:      p.Locator,
		TenantID:     ev.TenantID,
	})
}
