package pipeline

import (
	"context"
	"time"

	"github.com/mattjoyce/switchboard/internal/artifact"
	"github.com/mattjoyce/switchboard/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_pipeline.go -package=mocks github.com/mattjoyce/switchboard/internal/pipeline JobQueue,Analyzer,ArtifactStore

// JobQueue is the queue surface the consumer and janitor use.
type JobQueue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	Dequeue(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, jobID string, status queue.Status, lastError *string) error
	Retry(ctx context.Context, jobID string, nextRetryAt time.Time, lastError string) error
	RecoverRunning(ctx context.Context) (int64, error)
	PruneJobLogs(ctx context.Context, cutoff time.Time) (int64, error)
	Depth(ctx context.Context) (int, error)
}

// AnalysisRequest references a stored artifact. The analysis service reads
// the artifact itself; bytes never travel in this request.
type AnalysisRequest struct {
	EventID      string `json:"event_id"`
	AttachmentID string `json:"attachment_id"`
	Locator      string `json:"locator"`
	TenantID     string `json:"tenant_id"`
}

// Analyzer hands an artifact to the external analysis function.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalysisRequest) error
}

// ArtifactStore is where fetched recordings go.
type ArtifactStore interface {
	artifact.Store
}
