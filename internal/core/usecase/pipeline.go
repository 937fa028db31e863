package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/medevidence/ingest-service/internal/core/domain"
	"github.com/medevidence/ingest-service/internal/core/ports"
	"github.com/medevidence/ingest-service/internal/fhir"
	"github.com/medevidence/ingest-service/internal/firewall"
	"github.com/medevidence/ingest-service/internal/infrastructure/llm/medgemma"
	"github.com/medevidence/ingest-service/internal/parsing"
)

// PipelineConfig bounds the self-healing repair loop and gates the
// completeness checking firewall.Validate performs.
type PipelineConfig struct {
	MaxAttempts     int
	ImageRetryLimit int

	AllowReportDate      bool
	StrictExtraction     bool
	RequireExpectedTests bool
	RequirePatient       bool
	MinObservations      int
}

// pipeline drives one submission through classify -> extract -> sanitize ->
// validate -> build, repairing the extraction against the model's own
// output for up to MaxAttempts before giving up and falling back to a
// patient-only bundle.
type pipeline struct {
	vlm ports.VisionLanguageModel
	cfg PipelineConfig
}

func newPipeline(vlm ports.VisionLanguageModel, cfg PipelineConfig) *pipeline {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ImageRetryLimit <= 0 {
		cfg.ImageRetryLimit = 1
	}
	return &pipeline{vlm: vlm, cfg: cfg}
}

type pipelineOutcome struct {
	Status                  domain.SubmissionStatus
	Modality                domain.Modality
	Bundle                  json.RawMessage
	RawExtraction           string
	Attempts                int
	RepairNotes             []domain.RepairNote
	PromptTokens            int
	CompletionTokens        int
	BundleValidationFailures int
}

func (p *pipeline) run(ctx context.Context, submissionID string, imageDataURIs []string) (pipelineOutcome, error) {
	modality, err := p.classify(ctx, imageDataURIs)
	if err != nil {
		slog.Warn("classification_failed", "submission_id", submissionID, "error", err)
		modality = domain.ModalityUnknown
	}

	var (
		notes                    []domain.RepairNote
		lastCleaned              string
		lastComplaint            string
		promptTokens             int
		completionTokens         int
		bundleValidationFailures int
	)

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		sendImage := attempt <= p.cfg.ImageRetryLimit

		var req domain.ChatRequest
		if attempt == 1 {
			req = medgemma.BuildExtractionRequest(modality, imageDataURIs, sendImage)
		} else {
			req = medgemma.BuildRepairRequest(modality, lastCleaned, lastComplaint)
		}

		resp, err := p.vlm.Complete(ctx, req)
		if err != nil {
			notes = append(notes, domain.RepairNote{Attempt: attempt, Reason: "llm_call_failed", Detail: err.Error()})
			if domain.IsKind(err, domain.ErrTemporary) && attempt < p.cfg.MaxAttempts {
				continue
			}
			outcome := p.fallback(submissionID, modality, lastCleaned, attempt, notes)
			outcome.PromptTokens, outcome.CompletionTokens = promptTokens, completionTokens
			outcome.BundleValidationFailures = bundleValidationFailures
			return outcome, nil
		}
		promptTokens += resp.PromptTokens
		completionTokens += resp.CompletionTokens

		cleaned := parsing.CleanResponse(resp.Text)
		lastCleaned = cleaned
		result, mode := parsing.Parse(modality, cleaned)

		sanitized, sanitizeNotes := firewall.Sanitize(result, p.cfg.AllowReportDate)
		for i := range sanitizeNotes {
			sanitizeNotes[i].Attempt = attempt
		}
		notes = append(notes, sanitizeNotes...)

		validation := firewall.Validate(sanitized, firewall.ValidateConfig{
			Strict:               p.cfg.StrictExtraction,
			RequireExpectedTests: p.cfg.RequireExpectedTests,
			RequirePatient:       p.cfg.RequirePatient,
			MinObservations:      p.cfg.MinObservations,
		})
		if !validation.OK {
			lastComplaint = validation.Complaint
			notes = append(notes, domain.RepairNote{Attempt: attempt, Reason: "validation_failed", Detail: validation.Complaint})
			continue
		}

		bundle, err := fhir.Build(submissionID, sanitized)
		if err != nil {
			lastComplaint = err.Error()
			notes = append(notes, domain.RepairNote{Attempt: attempt, Reason: "bundle_build_failed", Detail: err.Error()})
			continue
		}
		bundle, err = fhir.EnsureInterpretationFromRange(bundle)
		if err != nil {
			return pipelineOutcome{}, fmt.Errorf("ensure interpretation: %w", err)
		}
		if err := fhir.ValidateMinimal(bundle); err != nil {
			lastComplaint = err.Error()
			bundleValidationFailures++
			notes = append(notes, domain.RepairNote{Attempt: attempt, Reason: "bundle_validation_failed", Detail: err.Error()})
			continue
		}

		raw, err := json.Marshal(bundle)
		if err != nil {
			return pipelineOutcome{}, fmt.Errorf("marshal bundle: %w", err)
		}

		slog.Info("pipeline_completed",
			"submission_id", submissionID, "modality", modality, "attempt", attempt, "parse_mode", mode)

		return pipelineOutcome{
			Status:                   domain.StatusCompleted,
			Modality:                 sanitized.Modality,
			Bundle:                   raw,
			RawExtraction:            cleaned,
			Attempts:                 attempt,
			RepairNotes:              notes,
			PromptTokens:             promptTokens,
			CompletionTokens:         completionTokens,
			BundleValidationFailures: bundleValidationFailures,
		}, nil
	}

	outcome := p.fallback(submissionID, modality, lastCleaned, p.cfg.MaxAttempts, notes)
	outcome.PromptTokens, outcome.CompletionTokens = promptTokens, completionTokens
	outcome.BundleValidationFailures = bundleValidationFailures
	return outcome, nil
}

// fallback builds a patient-only bundle with no fabricated observations
// when every repair attempt has been exhausted; the submission is marked
// FALLBACK rather than COMPLETED so downstream consumers never mistake an
// empty bundle for a clean negative result.
func (p *pipeline) fallback(submissionID string, modality domain.Modality, rawExtraction string, attempts int, notes []domain.RepairNote) pipelineOutcome {
	bundle, err := fhir.Build(submissionID, domain.ExtractionResult{Modality: modality})
	var raw json.RawMessage
	if err == nil {
		raw, _ = json.Marshal(bundle)
	}
	slog.Warn("pipeline_fallback", "submission_id", submissionID, "attempts", attempts)
	return pipelineOutcome{
		Status:        domain.StatusFallback,
		Modality:      modality,
		Bundle:        raw,
		RawExtraction: rawExtraction,
		Attempts:      attempts,
		RepairNotes:   notes,
	}
}

func (p *pipeline) classify(ctx context.Context, imageDataURIs []string) (domain.Modality, error) {
	if len(imageDataURIs) == 0 {
		return domain.ModalityUnknown, nil
	}
	resp, err := p.vlm.Complete(ctx, medgemma.BuildClassificationRequest(imageDataURIs))
	if err != nil {
		return domain.ModalityUnknown, err
	}
	cleaned := parsing.CleanResponse(resp.Text)

	var payload struct {
		Modality   string  `json:"modality"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(extractJSONLoose(cleaned)), &payload); err != nil {
		return domain.ModalityUnknown, fmt.Errorf("parse classification response: %w", err)
	}
	switch domain.Modality(payload.Modality) {
	case domain.ModalityLab, domain.ModalityRadiology, domain.ModalityPrescription, domain.ModalityVitals:
		return domain.Modality(payload.Modality), nil
	default:
		return domain.ModalityUnknown, nil
	}
}

func extractJSONLoose(text string) string {
	start := -1
	for i, c := range text {
		if c == '{' {
			start = i
			break
		}
	}
	if start == -1 {
		return text
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return text[start:]
}
