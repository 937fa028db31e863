package ports

import (
	"context"
	"io"

	"github.com/medevidence/ingest-service/internal/core/domain"
)

// IngestFile is one uploaded page of evidence. A submission may carry
// between 1 and 8 of these, e.g. the pages of a single scanned report.
type IngestFile struct {
	Filename string
	MimeType string
	Body     io.Reader
}

// EvidenceIngestor is the inbound contract for uploading and processing one
// piece of clinical evidence, spanning 1-8 pages, end-to-end.
type EvidenceIngestor interface {
	Ingest(ctx context.Context, patientID string, files []IngestFile) (*domain.Submission, error)
	Rerun(ctx context.Context, submissionID string) (*domain.Submission, error)
}

// SubmissionReader is the inbound read model for submission state.
type SubmissionReader interface {
	GetByID(ctx context.Context, id string) (*domain.Submission, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Submission, error)
	ListByPatient(ctx context.Context, patientID string) ([]domain.Submission, error)
	ListPatients(ctx context.Context) ([]domain.PatientDirectoryEntry, error)
}

// SubmissionAnnotator is the inbound contract for doctor-authored metadata.
type SubmissionAnnotator interface {
	SetDoctorNotes(ctx context.Context, id, notes string) error
	GenerateAISummary(ctx context.Context, id string) (string, error)
}

// CredentialIssuer is the inbound contract for API key lifecycle management.
type CredentialIssuer interface {
	Register(ctx context.Context, name string, role domain.APIKeyRole) (domain.APIKey, error)
	Verify(ctx context.Context, presentedKey string) (*domain.APIKey, error)
}
