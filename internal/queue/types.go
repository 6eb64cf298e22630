package queue

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// Kind names a job handler.
type Kind string

const (
	// KindNormalize normalizes a stored receipt after an inline decision was
	// already returned to the provider.
	KindNormalize Kind = "normalize"
	// KindFetchRecording downloads a call recording into the artifact store.
	KindFetchRecording Kind = "fetch_recording"
	// KindAnalyze hands a stored artifact to the analysis service by
	// reference.
	KindAnalyze Kind = "analyze"
)

// NormalizePayload is the payload of a KindNormalize job.
type NormalizePayload struct {
	ReceiptID string `json:"receipt_id"`
}

// FetchRecordingPayload is the payload of a KindFetchRecording job.
type FetchRecordingPayload struct {
	EventID       string `json:"event_id"`
	IntegrationID string `json:"integration_id"`
	RecordingURL  string `json:"recording_url"`
}

// AnalyzePayload is the payload of a KindAnalyze job.
type AnalyzePayload struct {
	EventID      string `json:"event_id"`
	AttachmentID string `json:"attachment_id"`
	Locator      string `json:"locator"`
}

type Job struct {
	ID          string
	Kind        Kind
	Payload     json.RawMessage
	Status      Status
	Attempt     int
	MaxAttempts int
	SubmittedBy string
	DedupeKey   *string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	NextRetryAt *time.Time
	LastError   *string
}

type EnqueueRequest struct {
	Kind        Kind
	Payload     json.RawMessage
	MaxAttempts int
	SubmittedBy string
	// DedupeKey makes Enqueue return the existing job instead of adding a
	// second one with the same key.
	DedupeKey *string
}

var ErrJobNotFound = errors.New("job not found")
