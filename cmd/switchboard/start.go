package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/mattjoyce/switchboard/internal/api"
	"github.com/mattjoyce/switchboard/internal/artifact"
	"github.com/mattjoyce/switchboard/internal/audit"
	"github.com/mattjoyce/switchboard/internal/auth"
	"github.com/mattjoyce/switchboard/internal/config"
	"github.com/mattjoyce/switchboard/internal/decision"
	"github.com/mattjoyce/switchboard/internal/events"
	"github.com/mattjoyce/switchboard/internal/gateway"
	"github.com/mattjoyce/switchboard/internal/idempotency"
	"github.com/mattjoyce/switchboard/internal/lock"
	"github.com/mattjoyce/switchboard/internal/log"
	"github.com/mattjoyce/switchboard/internal/metrics"
	"github.com/mattjoyce/switchboard/internal/normalize"
	"github.com/mattjoyce/switchboard/internal/pipeline"
	"github.com/mattjoyce/switchboard/internal/queue"
	"github.com/mattjoyce/switchboard/internal/storage"
	"github.com/mattjoyce/switchboard/internal/tenant"
	"github.com/mattjoyce/switchboard/internal/verify"
)

// app is the wired process. close releases everything build opened.
type app struct {
	db       *sql.DB
	tenants  *tenant.Store
	queue    *queue.Queue
	metrics  *metrics.Metrics
	gateway  *gateway.Server
	api      *api.Server
	consumer *pipeline.Consumer
	janitor  *pipeline.Janitor
	closers  []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("switchboard starting", "version", version, "config", path)

	lockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer func() { _ = pidLock.Release() }()
	logger.Info("acquired PID lock", "path", lockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := build(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialise", "error", err)
		return 1
	}
	defer a.close()

	if err := a.janitor.Start(ctx); err != nil {
		logger.Error("failed to start janitor", "error", err)
		return 1
	}
	defer a.janitor.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 3)
	go func() {
		if err := a.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("pipeline: %w", err)
		}
	}()
	go func() {
		if err := a.gateway.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("gateway: %w", err)
		}
	}()
	if a.api != nil {
		go func() {
			if err := a.api.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("switchboard running (press Ctrl+C to stop)", "listen", cfg.Gateway.Listen)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("switchboard stopped")
	return 0
}

// build opens storage and wires every component from cfg.
func build(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	maxBody, err := config.ParseSize(cfg.Gateway.MaxBodySize)
	if err != nil {
		return nil, fmt.Errorf("gateway.max_body_size: %w", err)
	}

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	sealer, err := tenant.NewSealer(cfg.Security.CredentialsKey)
	if err != nil {
		return nil, err
	}
	a.tenants = tenant.NewStore(db, sealer)
	router := tenant.NewRouter(a.tenants)
	receipts := audit.NewStore(db)
	a.queue = queue.New(db)
	eventStore := normalize.NewStore(db)
	normalizer := normalize.New(db, a.tenants, a.queue, receipts, cfg.Pipeline.MaxAttempts, log.WithComponent("normalize"))

	ledger, keys, err := a.ledger(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, spool, err := artifacts(ctx, cfg)
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{
		Queue:             a.queue,
		Receipts:          receipts,
		Integrations:      router,
		Normalizer:        normalizer,
		Ledger:            ledger,
		Events:            eventStore,
		Artifacts:         store,
		HTTPClient:        &http.Client{Timeout: cfg.Pipeline.FetchTimeout},
		MaxRecordingBytes: cfg.Pipeline.MaxRecordingMB << 20,
		RecordingHosts:    cfg.Pipeline.RecordingHosts,
		MaxAttempts:       cfg.Pipeline.MaxAttempts,
		Metrics:           a.metrics,
		Logger:            log.WithComponent("pipeline"),
	}
	if cfg.Pipeline.AnalysisURL != "" {
		deps.Analyzer = pipeline.NewHTTPAnalyzer(cfg.Pipeline.AnalysisURL, cfg.Pipeline.AnalysisToken, cfg.Pipeline.AnalysisTimeout)
	}
	a.consumer = pipeline.NewConsumer(a.queue, cfg.Pipeline.PollInterval, a.metrics, log.WithComponent("consumer"))
	pipeline.NewHandlers(deps).Register(a.consumer)

	janitorCfg := pipeline.JanitorConfig{
		JobLogRetention: cfg.Service.JobLogRetention,
		DedupeTTL:       cfg.Service.DedupeTTL,
	}
	var pruner pipeline.KeyPruner
	if keys != nil {
		pruner = keys
	}
	var cleaner pipeline.SpoolCleaner
	if spool != nil {
		cleaner = spool
	}
	a.janitor = pipeline.NewJanitor(janitorCfg, a.queue, pruner, cleaner, a.metrics, log.WithComponent("janitor"))

	var hub *events.Hub
	if cfg.API.Enabled {
		hub = events.NewHub(cfg.API.EventBuffer)
	}

	gatewayOpts := gateway.Options{
		Listen:         cfg.Gateway.Listen,
		PublicBaseURL:  cfg.Gateway.PublicBaseURL,
		MaxBodySize:    maxBody,
		RequestTimeout: cfg.Gateway.RequestTimeout,
		MaxAttempts:    cfg.Pipeline.MaxAttempts,
		CORS: gateway.CORSPolicy{
			AllowOrigin:  cfg.Gateway.CORS.AllowOrigin,
			AllowHeaders: cfg.Gateway.CORS.AllowHeaders,
			AllowMethods: cfg.Gateway.CORS.AllowMethods,
		},
	}
	decisions := decision.NewBuilder(a.tenants, log.WithComponent("decision"))
	decisions.RegisterTool(decision.LookupAgentTool, decision.LookupAgent(a.tenants))
	log.WithComponent("decision").Info("decision tools registered", "tools", decisions.Tools())

	gatewayDeps := gateway.Deps{
		Integrations: router,
		Verifiers:    verify.DefaultRegistry(),
		Receipts:     receipts,
		Ledger:       ledger,
		Normalizer:   normalizer,
		Decisions:    decisions,
		Jobs:         a.queue,
		Metrics:      a.metrics,
		Logger:       log.WithComponent("gateway"),
	}
	if hub != nil {
		gatewayDeps.Events = hub
	}
	a.gateway = gateway.New(gatewayOpts, gatewayDeps)

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		a.api = api.New(api.Config{
			Listen:        cfg.API.Listen,
			APIKey:        cfg.API.Auth.APIKey,
			Tokens:        tokens,
			PublicBaseURL: cfg.Gateway.PublicBaseURL,
		}, a.tenants, receipts, a.queue, a.metrics.Handler(), log.WithComponent("api"))
		a.api.SetEvents(hub)
	}

	ok = true
	return a, nil
}

// ledger picks the idempotency backend. The SQLite ledger is also returned
// as the pruner because Redis expires keys itself.
func (a *app) ledger(ctx context.Context, cfg *config.Config) (idempotency.Ledger, *idempotency.SQLiteLedger, error) {
	if cfg.Idempotency.Backend != "redis" {
		l := idempotency.NewSQLiteLedger(a.db)
		return l, l, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Idempotency.Redis.Addr,
		Password: cfg.Idempotency.Redis.Password,
		DB:       cfg.Idempotency.Redis.DB,
	})
	a.closers = append(a.closers, rdb.Close)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Idempotency.Redis.Addr, err)
	}
	return idempotency.NewRedisLedger(rdb, cfg.Idempotency.Redis.KeyPrefix, cfg.Service.DedupeTTL), nil, nil
}

// artifacts picks the recording store. Only the filesystem store has a spool
// to clean.
func artifacts(ctx context.Context, cfg *config.Config) (pipeline.ArtifactStore, *artifact.FSStore, error) {
	if cfg.Artifacts.Backend == "s3" {
		s3cfg := cfg.Artifacts.S3
		client, err := artifact.NewS3Client(ctx, artifact.S3Options{
			Bucket:          s3cfg.Bucket,
			Region:          s3cfg.Region,
			EndpointURL:     s3cfg.EndpointURL,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
			Prefix:          s3cfg.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		store, err := artifact.NewS3Store(client, s3cfg.Bucket, s3cfg.Prefix)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	}

	store, err := artifact.NewFSStore(cfg.Artifacts.Dir)
	if err != nil {
		return nil, nil, err
	}
	return store, store, nil
}
