package usecase

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medevidence/ingest-service/internal/core/domain"
	"github.com/medevidence/ingest-service/internal/core/ports"
	"github.com/medevidence/ingest-service/internal/observability/metrics"
)

const httpServiceName = "ingest-api"

// maxIngestFiles is the most pages a single submission may carry, per the
// multipart files[] contract.
const maxIngestFiles = 8

// IngestUseCase implements ports.EvidenceIngestor: it stores the uploaded
// file, drives it through the classify/extract/sanitize/validate/build
// pipeline, persists the outcome, and publishes an audit event.
type IngestUseCase struct {
	repo    ports.SubmissionRepository
	storage ports.ObjectStorage
	audit   ports.AuditPublisher
	vlm     ports.VisionLanguageModel

	pipeline *pipeline
	// llmSlots bounds how many submissions may be mid-flight against the
	// vision-language model at once; Ingest/Rerun block on it and return
	// ErrBusy if a slot does not free up within llmQueueTimeout.
	llmSlots        chan struct{}
	llmQueueTimeout time.Duration

	metrics *metrics.HTTPServerMetrics
}

// NewIngestUseCase wires the ingestion use case. concurrency is the number
// of submissions allowed to run against the model simultaneously;
// queueTimeout bounds how long a caller waits for a free slot before the
// request is rejected with domain.ErrBusy. httpMetrics may be nil in tests.
func NewIngestUseCase(
	repo ports.SubmissionRepository,
	storage ports.ObjectStorage,
	audit ports.AuditPublisher,
	vlm ports.VisionLanguageModel,
	pipelineCfg PipelineConfig,
	concurrency int,
	queueTimeout time.Duration,
	httpMetrics *metrics.HTTPServerMetrics,
) *IngestUseCase {
	if concurrency <= 0 {
		concurrency = 4
	}
	if queueTimeout <= 0 {
		queueTimeout = 30 * time.Second
	}
	return &IngestUseCase{
		repo:            repo,
		storage:         storage,
		audit:           audit,
		vlm:             vlm,
		pipeline:        newPipeline(vlm, pipelineCfg),
		llmSlots:        make(chan struct{}, concurrency),
		llmQueueTimeout: queueTimeout,
		metrics:         httpMetrics,
	}
}

// Ingest implements ports.EvidenceIngestor. files holds 1-8 pages of the
// same piece of evidence; only the first page's filename and storage key
// become the submission's primary FilePath/ImageURL, but every page is
// stored and sent to the model.
func (uc *IngestUseCase) Ingest(ctx context.Context, patientID string, files []ports.IngestFile) (*domain.Submission, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ingest", fmt.Errorf("patient_id is required"))
	}
	if len(files) == 0 || len(files) > maxIngestFiles {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ingest", fmt.Errorf("expected between 1 and %d files, got %d", maxIngestFiles, len(files)))
	}

	id := uuid.NewString()

	dataURIs := make([]string, 0, len(files))
	var primaryKey, primaryFilename string
	for i, f := range files {
		storageKey := fmt.Sprintf("%s_%d_%s", id, i+1, sanitizeFilename(f.Filename))

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, f.Body); err != nil {
			return nil, fmt.Errorf("read upload body: %w", err)
		}
		if err := uc.storage.Save(ctx, storageKey, bytes.NewReader(buf.Bytes())); err != nil {
			return nil, domain.WrapError(domain.ErrStorage, "ingest", err)
		}

		if i == 0 {
			primaryKey = storageKey
			primaryFilename = f.Filename
		}
		dataURIs = append(dataURIs, toDataURI(f.MimeType, buf.Bytes()))
	}

	now := time.Now().UTC()
	sub := &domain.Submission{
		ID:               id,
		PatientID:        patientID,
		OriginalFilename: primaryFilename,
		FilePath:         primaryKey,
		ImageURL:         "/files/" + primaryKey,
		Status:           domain.StatusClassifying,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := uc.repo.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("create submission record: %w", err)
	}

	if err := uc.runPipeline(ctx, sub, dataURIs); err != nil {
		return nil, err
	}
	return sub, nil
}

// Rerun re-drives an existing submission's already-stored file through the
// pipeline, e.g. after the model is redeployed or a terminology mapping is
// corrected. It reuses the submission's stored file rather than accepting a
// new upload.
func (uc *IngestUseCase) Rerun(ctx context.Context, submissionID string) (*domain.Submission, error) {
	sub, err := uc.repo.GetByID(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	reader, err := uc.storage.Open(ctx, sub.FilePath)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStorage, "rerun", err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, fmt.Errorf("read stored file: %w", err)
	}

	sub.Status = domain.StatusClassifying
	mimeType := mimeTypeFromFilename(sub.OriginalFilename)
	dataURI := toDataURI(mimeType, buf.Bytes())
	if err := uc.runPipeline(ctx, sub, []string{dataURI}); err != nil {
		return nil, err
	}
	return sub, nil
}

func (uc *IngestUseCase) runPipeline(ctx context.Context, sub *domain.Submission, dataURIs []string) error {
	if err := uc.acquireSlot(ctx); err != nil {
		return err
	}
	defer uc.releaseSlot()

	start := time.Now()
	outcome, err := uc.pipeline.run(ctx, sub.ID, dataURIs)
	if err != nil {
		sub.Status = domain.StatusFailed
		_ = uc.repo.UpdateOutcome(ctx, sub)
		return fmt.Errorf("run pipeline: %w", err)
	}

	sub.Status = outcome.Status
	sub.Modality = outcome.Modality
	sub.FHIRBundle = outcome.Bundle
	sub.RawExtraction = outcome.RawExtraction
	sub.Attempts = outcome.Attempts
	sub.RepairNotes = outcome.RepairNotes
	sub.UpdatedAt = time.Now().UTC()

	if err := uc.repo.UpdateOutcome(ctx, sub); err != nil {
		return fmt.Errorf("persist pipeline outcome: %w", err)
	}

	uc.recordPipelineMetrics(outcome)
	uc.publishAudit(sub, start)
	return nil
}

func (uc *IngestUseCase) recordPipelineMetrics(outcome pipelineOutcome) {
	if uc.metrics == nil {
		return
	}
	reasons := make([]string, 0, len(outcome.RepairNotes))
	for _, n := range outcome.RepairNotes {
		reasons = append(reasons, n.Reason)
	}
	uc.metrics.RecordPipelineRun(httpServiceName, string(outcome.Status), outcome.Attempts, reasons)
	uc.metrics.RecordModality(httpServiceName, string(outcome.Modality))
	uc.metrics.RecordTokenUsage(httpServiceName, outcome.PromptTokens, outcome.CompletionTokens)
	for i := 0; i < outcome.BundleValidationFailures; i++ {
		uc.metrics.RecordBundleValidationFailure(httpServiceName)
	}
}

func (uc *IngestUseCase) acquireSlot(ctx context.Context) error {
	start := time.Now()
	timeoutCtx, cancel := context.WithTimeout(ctx, uc.llmQueueTimeout)
	defer cancel()
	select {
	case uc.llmSlots <- struct{}{}:
		if uc.metrics != nil {
			uc.metrics.RecordModelQueueWait(httpServiceName, time.Since(start))
		}
		return nil
	case <-timeoutCtx.Done():
		if uc.metrics != nil {
			uc.metrics.RecordModelQueueRejected(httpServiceName)
		}
		return domain.WrapError(domain.ErrBusy, "ingest", fmt.Errorf("no model slot available within %s", uc.llmQueueTimeout))
	}
}

func (uc *IngestUseCase) releaseSlot() {
	<-uc.llmSlots
}

func (uc *IngestUseCase) publishAudit(sub *domain.Submission, start time.Time) {
	event := domain.AuditEvent{
		SubmissionID: sub.ID,
		PatientID:    sub.PatientID,
		Modality:     sub.Modality,
		Status:       sub.Status,
		Attempts:     sub.Attempts,
		RepairNotes:  sub.RepairNotes,
		ElapsedMS:    time.Since(start).Milliseconds(),
		OccurredAt:   time.Now().UTC(),
	}
	// Audit publication is fire-and-forget: a broker outage must never
	// fail an otherwise-successful ingestion.
	publishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := uc.audit.PublishSubmissionProcessed(publishCtx, event); err != nil {
		// The caller already has the outcome; this is best-effort telemetry.
		_ = err
	}
}

func toDataURI(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}

func mimeTypeFromFilename(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" {
		return "document.bin"
	}
	return base
}
