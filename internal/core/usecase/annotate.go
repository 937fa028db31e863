package usecase

import (
	"context"
	"fmt"

	"github.com/medevidence/ingest-service/internal/core/domain"
	"github.com/medevidence/ingest-service/internal/core/ports"
	"github.com/medevidence/ingest-service/internal/infrastructure/llm/medgemma"
	"github.com/medevidence/ingest-service/internal/parsing"
)

// AnnotateUseCase implements ports.SubmissionAnnotator: doctor-authored
// notes and an on-demand plain-language AI summary of the stored bundle.
type AnnotateUseCase struct {
	repo ports.SubmissionRepository
	vlm  ports.VisionLanguageModel
}

func NewAnnotateUseCase(repo ports.SubmissionRepository, vlm ports.VisionLanguageModel) *AnnotateUseCase {
	return &AnnotateUseCase{repo: repo, vlm: vlm}
}

func (uc *AnnotateUseCase) SetDoctorNotes(ctx context.Context, id, notes string) error {
	return uc.repo.UpdateDoctorNotes(ctx, id, notes)
}

// GenerateAISummary asks the model for a plain-language summary of an
// already-built bundle and persists it against the submission; it never
// re-runs extraction and never invents a summary for a submission that has
// no bundle yet.
func (uc *AnnotateUseCase) GenerateAISummary(ctx context.Context, id string) (string, error) {
	sub, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if len(sub.FHIRBundle) == 0 {
		return "", domain.WrapError(domain.ErrInvalidInput, "generate ai summary", fmt.Errorf("submission %s has no fhir bundle yet", id))
	}

	resp, err := uc.vlm.Complete(ctx, medgemma.BuildSummaryRequest(string(sub.FHIRBundle)))
	if err != nil {
		return "", fmt.Errorf("summarize bundle: %w", err)
	}
	summary := parsing.CleanResponse(resp.Text)

	if err := uc.repo.UpdateAISummary(ctx, id, summary); err != nil {
		return "", fmt.Errorf("persist ai summary: %w", err)
	}
	return summary, nil
}
