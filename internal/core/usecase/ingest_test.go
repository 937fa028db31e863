package usecase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/medevidence/ingest-service/internal/core/domain"
	"github.com/medevidence/ingest-service/internal/core/ports"
)

func singleFile(filename, mimeType, body string) []ports.IngestFile {
	return []ports.IngestFile{{Filename: filename, MimeType: mimeType, Body: strings.NewReader(body)}}
}

type fakeSubmissionRepo struct {
	mu          sync.Mutex
	submissions map[string]domain.Submission
}

func newFakeSubmissionRepo() *fakeSubmissionRepo {
	return &fakeSubmissionRepo{submissions: make(map[string]domain.Submission)}
}

func (f *fakeSubmissionRepo) Create(_ context.Context, sub *domain.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions[sub.ID] = *sub
	return nil
}

func (f *fakeSubmissionRepo) GetByID(_ context.Context, id string) (*domain.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.submissions[id]
	if !ok {
		return nil, domain.ErrSubmissionNotFound
	}
	return &sub, nil
}

func (f *fakeSubmissionRepo) ListRecent(context.Context, int) ([]domain.Submission, error) { return nil, nil }
func (f *fakeSubmissionRepo) ListByPatient(context.Context, string) ([]domain.Submission, error) {
	return nil, nil
}
func (f *fakeSubmissionRepo) ListPatients(context.Context) ([]domain.PatientDirectoryEntry, error) {
	return nil, nil
}

func (f *fakeSubmissionRepo) UpdateOutcome(_ context.Context, sub *domain.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions[sub.ID] = *sub
	return nil
}

func (f *fakeSubmissionRepo) UpdateDoctorNotes(context.Context, string, string) error { return nil }
func (f *fakeSubmissionRepo) UpdateAISummary(context.Context, string, string) error   { return nil }
func (f *fakeSubmissionRepo) ListOrphanedFilePaths(context.Context) ([]string, error) { return nil, nil }

type fakeObjectStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjectStorage() *fakeObjectStorage {
	return &fakeObjectStorage{objects: make(map[string][]byte)}
}

func (f *fakeObjectStorage) Save(_ context.Context, key string, data io.Reader) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = buf
	return nil
}

func (f *fakeObjectStorage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("not found: %s", key)
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

func (f *fakeObjectStorage) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeObjectStorage) List(context.Context) ([]string, error) { return nil, nil }

type fakeAuditPublisher struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (f *fakeAuditPublisher) PublishSubmissionProcessed(_ context.Context, event domain.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAuditPublisher) SubscribeSubmissionProcessed(context.Context, func(context.Context, domain.AuditEvent) error) error {
	return nil
}

// fakeVLM returns queued responses in order, one per Complete call.
type fakeVLM struct {
	mu        sync.Mutex
	responses []string
	delay     time.Duration
}

func (f *fakeVLM) Complete(ctx context.Context, _ domain.ChatRequest) (domain.ChatResponse, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return domain.ChatResponse{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return domain.ChatResponse{Text: `{"modality":"LAB","confidence":0.9}`}, nil
	}
	out := f.responses[0]
	f.responses = f.responses[1:]
	return domain.ChatResponse{Text: out}, nil
}

const cbcJSON = `{
  "patient_name": "Jane Doe",
  "rows": [
    {"name": "Haemoglobin", "value": 9.0, "unit": "g/dL", "reference_range": "12-16", "flag": "L"},
    {"name": "WBC Count", "value": 7.2, "unit": "10*3/uL"},
    {"name": "Platelet Count", "value": 250000, "unit": "/uL"}
  ]
}`

func TestIngestUseCaseCompletesOnFirstAttempt(t *testing.T) {
	vlm := &fakeVLM{responses: []string{
		`{"modality":"LAB","confidence":0.95}`,
		cbcJSON,
	}}
	repo := newFakeSubmissionRepo()
	storage := newFakeObjectStorage()
	audit := &fakeAuditPublisher{}

	uc := NewIngestUseCase(repo, storage, audit, vlm, PipelineConfig{MaxAttempts: 3, ImageRetryLimit: 1}, 2, time.Second, nil)

	sub, err := uc.Ingest(context.Background(), "patient-1", singleFile("report.png", "image/png", "fake-bytes"))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if sub.Status != domain.StatusCompleted {
		t.Fatalf("expected completed status, got %s", sub.Status)
	}
	if sub.Modality != domain.ModalityLab {
		t.Fatalf("expected LAB modality, got %s", sub.Modality)
	}
	if len(sub.FHIRBundle) == 0 {
		t.Fatalf("expected a FHIR bundle to be persisted")
	}
	if len(audit.events) != 1 {
		t.Fatalf("expected 1 audit event published, got %d", len(audit.events))
	}
}

func TestIngestUseCaseFallsBackAfterExhaustingAttempts(t *testing.T) {
	vlm := &fakeVLM{responses: []string{
		`{"modality":"LAB","confidence":0.95}`,
		`not json and not a recognizable table`,
		`still nothing useful`,
	}}
	repo := newFakeSubmissionRepo()
	storage := newFakeObjectStorage()
	audit := &fakeAuditPublisher{}

	uc := NewIngestUseCase(repo, storage, audit, vlm, PipelineConfig{MaxAttempts: 2, ImageRetryLimit: 1}, 2, time.Second, nil)

	sub, err := uc.Ingest(context.Background(), "patient-1", singleFile("report.png", "image/png", "fake-bytes"))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if sub.Status != domain.StatusFallback {
		t.Fatalf("expected fallback status, got %s", sub.Status)
	}
}

func TestIngestUseCaseRejectsWhenSlotsSaturated(t *testing.T) {
	vlm := &fakeVLM{delay: 200 * time.Millisecond}
	repo := newFakeSubmissionRepo()
	storage := newFakeObjectStorage()
	audit := &fakeAuditPublisher{}

	uc := NewIngestUseCase(repo, storage, audit, vlm, PipelineConfig{MaxAttempts: 1, ImageRetryLimit: 1}, 1, 20*time.Millisecond, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := uc.Ingest(context.Background(), "patient-1", singleFile("report.png", "image/png", "bytes"))
			errs[i] = err
		}(i)
	}
	wg.Wait()

	busyCount := 0
	for _, err := range errs {
		if err != nil && domain.IsKind(err, domain.ErrBusy) {
			busyCount++
		}
	}
	if busyCount != 1 {
		t.Fatalf("expected exactly one request rejected with ErrBusy, got %d (errs=%v)", busyCount, errs)
	}
}

func TestIngestUseCaseRerunReusesStoredFile(t *testing.T) {
	vlm := &fakeVLM{responses: []string{
		`{"modality":"LAB","confidence":0.9}`,
		cbcJSON,
	}}
	repo := newFakeSubmissionRepo()
	storage := newFakeObjectStorage()
	audit := &fakeAuditPublisher{}
	uc := NewIngestUseCase(repo, storage, audit, vlm, PipelineConfig{MaxAttempts: 1, ImageRetryLimit: 1}, 2, time.Second, nil)

	sub, err := uc.Ingest(context.Background(), "patient-1", singleFile("report.png", "image/png", "fake-bytes"))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	vlm.mu.Lock()
	vlm.responses = []string{`{"modality":"LAB","confidence":0.9}`, cbcJSON}
	vlm.mu.Unlock()

	rerun, err := uc.Rerun(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("Rerun() error = %v", err)
	}
	if rerun.ID != sub.ID {
		t.Fatalf("expected rerun to return the same submission id")
	}
}
