package httpadapter

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/medevidence/ingest-service/internal/core/domain"
	"github.com/medevidence/ingest-service/internal/core/ports"
	"github.com/medevidence/ingest-service/internal/observability/metrics"
)

type fakeIngestor struct {
	lastPatientID string
	lastFiles     []ports.IngestFile
	submission    *domain.Submission
}

func (f *fakeIngestor) Ingest(ctx context.Context, patientID string, files []ports.IngestFile) (*domain.Submission, error) {
	f.lastPatientID = patientID
	f.lastFiles = files
	for _, file := range files {
		io.ReadAll(file.Body)
	}
	if f.submission == nil {
		f.submission = &domain.Submission{ID: "sub-1", PatientID: patientID, Status: domain.StatusCompleted}
	}
	return f.submission, nil
}

func (f *fakeIngestor) Rerun(ctx context.Context, submissionID string) (*domain.Submission, error) {
	return f.submission, nil
}

type fakeReader struct{}

func (fakeReader) GetByID(ctx context.Context, id string) (*domain.Submission, error) { return nil, nil }
func (fakeReader) ListRecent(ctx context.Context, limit int) ([]domain.Submission, error) {
	return nil, nil
}
func (fakeReader) ListByPatient(ctx context.Context, patientID string) ([]domain.Submission, error) {
	return nil, nil
}
func (fakeReader) ListPatients(ctx context.Context) ([]domain.PatientDirectoryEntry, error) {
	return nil, nil
}

type fakeAnnotator struct{}

func (fakeAnnotator) SetDoctorNotes(ctx context.Context, id, notes string) error { return nil }
func (fakeAnnotator) GenerateAISummary(ctx context.Context, id string) (string, error) {
	return "", nil
}

type fakeCredentialIssuer struct{}

func (fakeCredentialIssuer) Register(ctx context.Context, name string, role domain.APIKeyRole) (domain.APIKey, error) {
	return domain.APIKey{}, nil
}

func (fakeCredentialIssuer) Verify(ctx context.Context, presentedKey string) (*domain.APIKey, error) {
	if presentedKey != "test-key" {
		return nil, domain.ErrUnauthorized
	}
	return &domain.APIKey{Key: presentedKey, Role: domain.APIKeyRoleUser}, nil
}

type fakeFileStorage struct {
	objects map[string][]byte
}

func (f *fakeFileStorage) Save(ctx context.Context, key string, data io.Reader) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.objects[key] = buf
	return nil
}

func (f *fakeFileStorage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	buf, ok := f.objects[key]
	if !ok {
		return nil, domain.ErrStorage
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

func (f *fakeFileStorage) Delete(ctx context.Context, key string) error {
	delete(f.objects, key)
	return nil
}

func (f *fakeFileStorage) List(ctx context.Context) ([]string, error) { return nil, nil }

func newTestRouter(ingestor *fakeIngestor, storage *fakeFileStorage) *Router {
	return NewRouter(ingestor, fakeReader{}, fakeAnnotator{}, fakeCredentialIssuer{}, storage,
		metrics.NewHTTPServerMetrics("test"), RouterConfig{RequestsPerSecond: 1000, Burst: 1000})
}

func multipartIngestBody(t *testing.T, patientID string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("patient_id", patientID); err != nil {
		t.Fatalf("write patient_id field: %v", err)
	}
	for name, data := range files {
		part, err := writer.CreateFormFile("files[]", name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func TestIngestAcceptsMultiplePages(t *testing.T) {
	ingestor := &fakeIngestor{}
	rt := newTestRouter(ingestor, &fakeFileStorage{objects: map[string][]byte{}})

	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	body, contentType := multipartIngestBody(t, "patient-1", map[string][]byte{
		"page1.png": png,
		"page2.png": png,
	})

	req := httptest.NewRequest(http.MethodPost, "/ingest", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer test-key")
	rec := httptest.NewRecorder()

	rt.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(ingestor.lastFiles) != 2 {
		t.Fatalf("expected 2 files forwarded to the use case, got %d", len(ingestor.lastFiles))
	}
}

func TestIngestRejectsTooManyFiles(t *testing.T) {
	ingestor := &fakeIngestor{}
	rt := newTestRouter(ingestor, &fakeFileStorage{objects: map[string][]byte{}})

	files := map[string][]byte{}
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	for i := 0; i < maxIngestFiles+1; i++ {
		files[strings.Repeat("p", i+1)+".png"] = png
	}
	body, contentType := multipartIngestBody(t, "patient-1", files)

	req := httptest.NewRequest(http.MethodPost, "/ingest", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer test-key")
	rec := httptest.NewRecorder()

	rt.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too many files, got %d", rec.Code)
	}
}

func TestServeFileStreamsStoredOriginal(t *testing.T) {
	storage := &fakeFileStorage{objects: map[string][]byte{"sub-1_1_report.png": []byte("image-bytes")}}
	rt := newTestRouter(&fakeIngestor{}, storage)

	req := httptest.NewRequest(http.MethodGet, "/files/sub-1_1_report.png", nil)
	req.Header.Set("Authorization", "Bearer test-key")
	rec := httptest.NewRecorder()

	rt.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "image-bytes" {
		t.Fatalf("expected stored bytes to be streamed back, got %q", rec.Body.String())
	}
}

func TestServeFileRejectsPathTraversal(t *testing.T) {
	storage := &fakeFileStorage{objects: map[string][]byte{}}
	rt := newTestRouter(&fakeIngestor{}, storage)

	req := httptest.NewRequest(http.MethodGet, "/files/..%2F..%2Fetc%2Fpasswd", nil)
	req.Header.Set("Authorization", "Bearer test-key")
	rec := httptest.NewRecorder()

	rt.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest && rec.Code != http.StatusNotFound {
		t.Fatalf("expected traversal attempt to be rejected, got %d", rec.Code)
	}
}
