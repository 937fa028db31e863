package httpadapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/medevidence/ingest-service/internal/core/domain"
	"github.com/medevidence/ingest-service/internal/core/ports"
	"github.com/medevidence/ingest-service/internal/observability/metrics"
)

const serviceName = "ingest-api"

// Router wires the REST surface onto the inbound ports: uploading and
// rerunning evidence, reading submission/patient state, annotating
// submissions, and issuing bearer credentials.
type Router struct {
	ingestor   ports.EvidenceIngestor
	reader     ports.SubmissionReader
	annotator  ports.SubmissionAnnotator
	credential ports.CredentialIssuer
	storage    ports.ObjectStorage

	metrics    *metrics.HTTPServerMetrics
	traffic    *trafficController
	maxBodyLen int64
}

type RouterConfig struct {
	RequestsPerSecond float64
	Burst             int
	MaxUploadBytes    int64
}

func NewRouter(
	ingestor ports.EvidenceIngestor,
	reader ports.SubmissionReader,
	annotator ports.SubmissionAnnotator,
	credential ports.CredentialIssuer,
	storage ports.ObjectStorage,
	httpMetrics *metrics.HTTPServerMetrics,
	cfg RouterConfig,
) *Router {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 25 << 20 // 25MiB
	}
	return &Router{
		ingestor:   ingestor,
		reader:     reader,
		annotator:  annotator,
		credential: credential,
		storage:    storage,
		metrics:    httpMetrics,
		traffic:    newTrafficController(cfg.RequestsPerSecond, cfg.Burst),
		maxBodyLen: cfg.MaxUploadBytes,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.Handle("/metrics", rt.metrics.Handler())
	mux.HandleFunc("/auth/register", rt.requireAdmin(rt.register))
	mux.HandleFunc("/ingest", rt.requireAuth(rt.ingest))
	mux.HandleFunc("/rerun/", rt.requireAuth(rt.rerun))
	mux.HandleFunc("/submissions", rt.requireAuth(rt.listSubmissions))
	mux.HandleFunc("/submissions/", rt.requireAuth(rt.submissionRoutes))
	mux.HandleFunc("/patients", rt.requireAuth(rt.listPatients))
	mux.HandleFunc("/patients/", rt.requireAuth(rt.patientHistory))
	mux.HandleFunc("/files/", rt.requireAuth(rt.serveFile))

	var handler http.Handler = mux
	handler = rt.metrics.Middleware(serviceName, handler)
	handler = rt.traffic.Middleware(handler)
	handler = accessLogMiddleware(handler)
	handler = requestIDMiddleware(handler)
	return handler
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// maxIngestFiles mirrors usecase.maxIngestFiles; kept local to avoid an
// import solely for a constant.
const maxIngestFiles = 8

// ingest accepts a multipart upload ("patient_id" field, "files[]" field,
// 1-8 files), sniffs and structurally validates each file before it ever
// reaches storage or the model, and drives the set through the ingestion
// pipeline as one submission.
func (rt *Router) ingest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, rt.maxBodyLen)
	if err := r.ParseMultipartForm(rt.maxBodyLen); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart upload: " + err.Error()})
		return
	}

	patientID := strings.TrimSpace(r.FormValue("patient_id"))

	headers := r.MultipartForm.File["files[]"]
	if len(headers) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'files[]' is required"})
		return
	}
	if len(headers) > maxIngestFiles {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("at most %d files are accepted per submission, got %d", maxIngestFiles, len(headers))})
		return
	}

	files := make([]ports.IngestFile, 0, len(headers))
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to open uploaded file"})
			return
		}

		var buf bytes.Buffer
		_, err = io.Copy(&buf, f)
		f.Close()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read uploaded file"})
			return
		}

		mimeType, err := validateIntake(buf.Bytes())
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		files = append(files, ports.IngestFile{
			Filename: header.Filename,
			MimeType: mimeType,
			Body:     bytes.NewReader(buf.Bytes()),
		})
	}

	sub, err := rt.ingestor.Ingest(r.Context(), patientID, files)
	if err != nil {
		writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// serveFile streams back a stored original under /files/{relpath}. relpath
// is validated to reject path traversal and must name a single path
// segment that matches a key this service itself wrote to storage.
func (rt *Router) serveFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	relpath := strings.TrimPrefix(r.URL.Path, "/files/")
	if relpath == "" || strings.Contains(relpath, "..") || strings.ContainsAny(relpath, "/\\") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid file path"})
		return
	}

	reader, err := rt.storage.Open(r.Context(), relpath)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "file not found"})
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, reader)
}

func (rt *Router) rerun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/rerun/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "submission id is required"})
		return
	}

	sub, err := rt.ingestor.Rerun(r.Context(), id)
	if err != nil {
		writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (rt *Router) listSubmissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	subs, err := rt.reader.ListRecent(r.Context(), limit)
	if err != nil {
		writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

// submissionRoutes dispatches everything under /submissions/{id}: the bare
// resource, /notes, and /ai_summary.
func (rt *Router) submissionRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/submissions/")
	switch {
	case strings.HasSuffix(rest, "/notes"):
		rt.setDoctorNotes(w, r, strings.TrimSuffix(rest, "/notes"))
	case strings.HasSuffix(rest, "/ai_summary"):
		rt.generateAISummary(w, r, strings.TrimSuffix(rest, "/ai_summary"))
	default:
		rt.getSubmission(w, r, rest)
	}
}

func (rt *Router) getSubmission(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "submission id is required"})
		return
	}
	sub, err := rt.reader.GetByID(r.Context(), id)
	if err != nil {
		writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (rt *Router) setDoctorNotes(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var body struct {
		Notes string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	if err := rt.annotator.SetDoctorNotes(r.Context(), id, body.Notes); err != nil {
		writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) generateAISummary(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	summary, err := rt.annotator.GenerateAISummary(r.Context(), id)
	if err != nil {
		writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ai_summary": summary})
}

func (rt *Router) listPatients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	patients, err := rt.reader.ListPatients(r.Context())
	if err != nil {
		writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, patients)
}

func (rt *Router) patientHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/patients/"), "/history")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "patient id is required"})
		return
	}
	subs, err := rt.reader.ListByPatient(r.Context(), id)
	if err != nil {
		writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

// register issues a new bearer key. It is itself admin-gated: unlike the
// upstream prototype this is built from, provisioning a new credential
// requires presenting an existing admin/master key rather than being open
// to anonymous callers.
func (rt *Router) register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	key, err := rt.credential.Register(r.Context(), body.Name, domain.APIKeyRoleUser)
	if err != nil {
		writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
