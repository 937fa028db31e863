package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/medevidence/ingest-service/internal/bootstrap"
	"github.com/medevidence/ingest-service/internal/config"
	"github.com/medevidence/ingest-service/internal/core/domain"
	"github.com/medevidence/ingest-service/internal/observability/logging"
	"github.com/medevidence/ingest-service/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger("ingest-worker", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	go func() {
		logger.Info("worker metrics listening", "port", cfg.WorkerMetricsPort)
		if err := http.ListenAndServe(":"+cfg.WorkerMetricsPort, app.WorkerMetrics.Handler()); err != nil && err != http.ErrServerClosed {
			logger.Error("worker metrics server error", "error", err)
		}
	}()

	janitor := worker.NewJanitor(app.Storage, app.Submissions, app.WorkerMetrics, logger)
	go janitor.Run(ctx, cfg.JanitorInterval)

	logger.Info("worker subscribed to audit events", "subject", cfg.NATSAuditSubject)
	err = app.Queue.SubscribeSubmissionProcessed(ctx, func(_ context.Context, event domain.AuditEvent) error {
		app.WorkerMetrics.RecordAuditEvent("ingest-worker", string(event.Status), event.OccurredAt)
		logger.Info("submission processed",
			"submission_id", event.SubmissionID,
			"patient_id", event.PatientID,
			"status", event.Status,
			"modality", event.Modality,
			"attempts", event.Attempts,
			"elapsed_ms", event.ElapsedMS,
		)
		return nil
	})
	if err != nil {
		log.Fatalf("worker subscribe error: %v", err)
	}
}
