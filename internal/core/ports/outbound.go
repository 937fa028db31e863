package ports

import (
	"context"
	"io"

	"github.com/medevidence/ingest-service/internal/core/domain"
)

// SubmissionRepository persists and reads submission state.
type SubmissionRepository interface {
	Create(ctx context.Context, sub *domain.Submission) error
	GetByID(ctx context.Context, id string) (*domain.Submission, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Submission, error)
	ListByPatient(ctx context.Context, patientID string) ([]domain.Submission, error)
	ListPatients(ctx context.Context) ([]domain.PatientDirectoryEntry, error)
	UpdateOutcome(ctx context.Context, sub *domain.Submission) error
	UpdateDoctorNotes(ctx context.Context, id, notes string) error
	UpdateAISummary(ctx context.Context, id, summary string) error
	ListOrphanedFilePaths(ctx context.Context) ([]string, error)
}

// APIKeyRepository persists and validates bearer credentials.
type APIKeyRepository interface {
	Create(ctx context.Context, key domain.APIKey) error
	FindByKey(ctx context.Context, key string) (*domain.APIKey, error)
	Touch(ctx context.Context, key string) error
}

// ObjectStorage stores the original uploaded evidence files.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// AuditPublisher emits fire-and-forget pipeline completion events.
type AuditPublisher interface {
	PublishSubmissionProcessed(ctx context.Context, event domain.AuditEvent) error
	SubscribeSubmissionProcessed(ctx context.Context, handler func(context.Context, domain.AuditEvent) error) error
}

// VisionLanguageModel is the multimodal LLM used to classify and extract evidence.
type VisionLanguageModel interface {
	Complete(ctx context.Context, req domain.ChatRequest) (domain.ChatResponse, error)
}
