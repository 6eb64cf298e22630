package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/switchboard/internal/metrics"
)

// KeyPruner is implemented by ledgers that need explicit expiry. The Redis
// ledger expires keys itself and does not implement it.
type KeyPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// SpoolCleaner is implemented by artifact stores that leave partial writes
// behind on a crash.
type SpoolCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

// JanitorConfig sets the janitor's cadence and retention windows.
type JanitorConfig struct {
	Interval        time.Duration
	JobLogRetention time.Duration
	DedupeTTL       time.Duration
	SpoolMaxAge     time.Duration
}

// Janitor recovers orphaned jobs at startup, then periodically prunes
// completed job logs and expired idempotency keys and publishes queue depth.
type Janitor struct {
	cfg     JanitorConfig
	queue   JobQueue
	keys    KeyPruner
	spool   SpoolCleaner
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewJanitor builds a Janitor. keys and spool may be nil.
func NewJanitor(cfg JanitorConfig, q JobQueue, keys KeyPruner, spool SpoolCleaner, m *metrics.Metrics, logger *slog.Logger) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.SpoolMaxAge <= 0 {
		cfg.SpoolMaxAge = time.Hour
	}
	return &Janitor{
		cfg:     cfg,
		queue:   q,
		keys:    keys,
		spool:   spool,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Start performs crash recovery and begins the tick loop.
func (j *Janitor) Start(ctx context.Context) error {
	j.logger.Info("starting janitor")

	n, err := j.queue.RecoverRunning(ctx)
	if err != nil {
		return fmt.Errorf("janitor crash recovery failed: %w", err)
	}
	if n > 0 {
		j.logger.Warn("requeued orphaned jobs", "count", n)
	}

	j.wg.Add(1)
	go j.tickLoop(ctx)
	return nil
}

// Stop ends the tick loop and waits for it to exit.
func (j *Janitor) Stop() {
	j.logger.Info("stopping janitor")
	close(j.stopCh)
	j.wg.Wait()
}

func (j *Janitor) tickLoop(ctx context.Context) {
	defer j.wg.Done()

	j.tick(ctx)

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.tick(ctx)
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	now := j.now()

	if j.cfg.JobLogRetention > 0 {
		if n, err := j.queue.PruneJobLogs(ctx, now.Add(-j.cfg.JobLogRetention)); err != nil {
			j.logger.Error("failed to prune job logs", "error", err)
		} else if n > 0 {
			j.logger.Debug("pruned job logs", "count", n)
		}
	}

	if j.keys != nil && j.cfg.DedupeTTL > 0 {
		if n, err := j.keys.Prune(ctx, now.Add(-j.cfg.DedupeTTL)); err != nil {
			j.logger.Error("failed to prune idempotency keys", "error", err)
		} else if n > 0 {
			j.logger.Debug("pruned idempotency keys", "count", n)
		}
	}

	if j.spool != nil {
		if n, err := j.spool.Cleanup(ctx, j.cfg.SpoolMaxAge); err != nil {
			j.logger.Error("failed to clean artifact spool", "error", err)
		} else if n > 0 {
			j.logger.Info("removed stale spool files", "count", n)
		}
	}

	depth, err := j.queue.Depth(ctx)
	if err != nil {
		j.logger.Error("failed to read queue depth", "error", err)
		return
	}
	j.metrics.SetQueueDepth(depth)
}
