// Package bootstrap wires the concrete adapters named in config.Config into
// the core use cases and the HTTP router. cmd/api and cmd/worker both start
// from here so the two processes never drift in how they construct
// dependencies.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/medevidence/ingest-service/internal/adapters/http"
	"github.com/medevidence/ingest-service/internal/auth"
	"github.com/medevidence/ingest-service/internal/config"
	"github.com/medevidence/ingest-service/internal/core/usecase"
	"github.com/medevidence/ingest-service/internal/infrastructure/llm/medgemma"
	"github.com/medevidence/ingest-service/internal/infrastructure/queue/nats"
	"github.com/medevidence/ingest-service/internal/infrastructure/repository/postgres"
	"github.com/medevidence/ingest-service/internal/infrastructure/resilience"
	"github.com/medevidence/ingest-service/internal/infrastructure/storage/localfs"
	"github.com/medevidence/ingest-service/internal/observability/metrics"
)

// App holds every constructed dependency shared by the api and worker
// entrypoints, so each main only has to decide what to start, not how to
// build it.
type App struct {
	Config config.Config
	Logger *slog.Logger

	DB            *sql.DB
	Submissions   *postgres.SubmissionRepository
	APIKeys       *postgres.APIKeyRepository
	Storage       *localfs.Storage
	Queue         *nats.Queue
	LLM           *medgemma.Client
	Credentials   *auth.CredentialService
	Ingestor      *usecase.IngestUseCase
	Annotator     *usecase.AnnotateUseCase
	HTTPMetrics   *metrics.HTTPServerMetrics
	WorkerMetrics *metrics.WorkerMetrics
	Router        *httpadapter.Router
}

// Build constructs every adapter and use case from cfg and runs schema
// migration for both Postgres-backed repositories. Callers are responsible
// for closing App.DB and App.Queue on shutdown.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	submissions := postgres.NewSubmissionRepository(db)
	apiKeys := postgres.NewAPIKeyRepository(db)
	if err := submissions.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure submissions schema: %w", err)
	}
	if err := apiKeys.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure api_keys schema: %w", err)
	}

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	resilienceCfg := resilience.DefaultConfig()
	executor := resilience.NewExecutor(resilienceCfg)

	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSAuditSubject, nats.Options{
		ResilienceExecutor: executor,
	})
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	llmClient := medgemma.New(cfg.MedGemmaURL, cfg.MedGemmaAPIKey, cfg.MedGemmaModel, medgemma.Options{
		TimeoutSeconds: cfg.MedGemmaTimeoutSeconds,
		MaxTokens:      cfg.MedGemmaMaxTokens,
		Executor:       executor,
	})

	credentials := auth.NewCredentialService(apiKeys, cfg.MasterAPIKey)

	pipelineCfg := usecase.PipelineConfig{
		MaxAttempts:     cfg.PipelineMaxAttempts,
		ImageRetryLimit: cfg.PipelineImageRetryLimit,

		AllowReportDate:      cfg.AllowReportDate,
		StrictExtraction:     cfg.StrictExtraction,
		RequireExpectedTests: cfg.RequireExpectedTests,
		RequirePatient:       cfg.RequirePatient,
		MinObservations:      cfg.MinObservations,
	}
	httpMetrics := metrics.NewHTTPServerMetrics("ingest-api")
	workerMetrics := metrics.NewWorkerMetrics("ingest-worker")

	ingestor := usecase.NewIngestUseCase(
		submissions, storage, queue, llmClient, pipelineCfg,
		cfg.LLMConcurrency, time.Duration(cfg.LLMQueueTimeoutSeconds)*time.Second,
		httpMetrics,
	)
	annotator := usecase.NewAnnotateUseCase(submissions, llmClient)

	router := httpadapter.NewRouter(ingestor, submissions, annotator, credentials, storage, httpMetrics, httpadapter.RouterConfig{
		RequestsPerSecond: float64(cfg.APIRateLimitRPS),
		Burst:             cfg.APIRateLimitBurst,
	})

	return &App{
		Config:        cfg,
		Logger:        logger,
		DB:            db,
		Submissions:   submissions,
		APIKeys:       apiKeys,
		Storage:       storage,
		Queue:         queue,
		LLM:           llmClient,
		Credentials:   credentials,
		Ingestor:      ingestor,
		Annotator:     annotator,
		HTTPMetrics:   httpMetrics,
		WorkerMetrics: workerMetrics,
		Router:        router,
	}, nil
}

func (a *App) Close() {
	if a.Queue != nil {
		a.Queue.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}
