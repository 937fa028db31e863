package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/medevidence/ingest-service/internal/core/domain"
)

type SubmissionRepository struct {
	db *sql.DB
}

func NewSubmissionRepository(db *sql.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the submissions table (and its later migrations) the
// first time the service starts, serialized across concurrent api/worker
// startups with a transaction-scoped advisory lock.
func (r *SubmissionRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026021001)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS submissions (
	id TEXT PRIMARY KEY,
	patient_id TEXT NOT NULL,
	original_filename TEXT,
	file_path TEXT,
	image_url TEXT,
	status TEXT NOT NULL,
	modality TEXT,
	fhir_bundle JSONB,
	raw_extraction TEXT,
	doctor_notes TEXT,
	ai_summary TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	repair_notes JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_submissions_patient_id ON submissions(patient_id);
CREATE INDEX IF NOT EXISTS idx_submissions_created_at ON submissions(created_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *SubmissionRepository) Create(ctx context.Context, sub *domain.Submission) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO submissions (id, patient_id, original_filename, file_path, image_url, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`,
		sub.ID, sub.PatientID, sub.OriginalFilename, sub.FilePath, sub.ImageURL, string(sub.Status), sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (r *SubmissionRepository) GetByID(ctx context.Context, id string) (*domain.Submission, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, patient_id, original_filename, file_path, image_url, status, modality, fhir_bundle,
       raw_extraction, doctor_notes, ai_summary, attempts, repair_notes, created_at, updated_at
FROM submissions
WHERE id = $1
`, id)

	sub, err := scanSubmission(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrSubmissionNotFound, "get submission", err)
		}
		return nil, fmt.Errorf("scan submission: %w", err)
	}
	return sub, nil
}

func (r *SubmissionRepository) ListRecent(ctx context.Context, limit int) ([]domain.Submission, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, patient_id, original_filename, file_path, image_url, status, modality, fhir_bundle,
       raw_extraction, doctor_notes, ai_summary, attempts, repair_notes, created_at, updated_at
FROM submissions
ORDER BY created_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent submissions: %w", err)
	}
	defer rows.Close()
	return scanSubmissionRows(rows)
}

func (r *SubmissionRepository) ListByPatient(ctx context.Context, patientID string) ([]domain.Submission, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, patient_id, original_filename, file_path, image_url, status, modality, fhir_bundle,
       raw_extraction, doctor_notes, ai_summary, attempts, repair_notes, created_at, updated_at
FROM submissions
WHERE patient_id = $1
ORDER BY created_at DESC
`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query patient submissions: %w", err)
	}
	defer rows.Close()
	return scanSubmissionRows(rows)
}

func (r *SubmissionRepository) ListPatients(ctx context.Context) ([]domain.PatientDirectoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT patient_id, COUNT(*) AS file_count, MAX(created_at) AS last_updated
FROM submissions
GROUP BY patient_id
ORDER BY last_updated DESC
`)
	if err != nil {
		return nil, fmt.Errorf("query patient directory: %w", err)
	}
	defer rows.Close()

	var out []domain.PatientDirectoryEntry
	for rows.Next() {
		var entry domain.PatientDirectoryEntry
		if err := rows.Scan(&entry.PatientID, &entry.FileCount, &entry.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan patient directory row: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patient directory rows: %w", err)
	}
	return out, nil
}

func (r *SubmissionRepository) UpdateOutcome(ctx context.Context, sub *domain.Submission) error {
	bundle := sub.FHIRBundle
	if len(bundle) == 0 {
		bundle = json.RawMessage("null")
	}
	notesJSON, err := json.Marshal(sub.RepairNotes)
	if err != nil {
		return fmt.Errorf("marshal repair notes: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
UPDATE submissions
SET status = $2, modality = $3, fhir_bundle = $4, raw_extraction = $5, attempts = $6, repair_notes = $7, updated_at = $8
WHERE id = $1
`, sub.ID, string(sub.Status), string(sub.Modality), []byte(bundle), sub.RawExtraction, sub.Attempts, notesJSON, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update submission outcome: %w", err)
	}
	return requireRowsAffected(result, "submission", sub.ID)
}

func (r *SubmissionRepository) UpdateDoctorNotes(ctx context.Context, id, notes string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE submissions SET doctor_notes = $2 WHERE id = $1`, id, notes)
	if err != nil {
		return fmt.Errorf("update doctor notes: %w", err)
	}
	return requireRowsAffected(result, "submission", id)
}

func (r *SubmissionRepository) UpdateAISummary(ctx context.Context, id, summary string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE submissions SET ai_summary = $2 WHERE id = $1`, id, summary)
	if err != nil {
		return fmt.Errorf("update ai summary: %w", err)
	}
	return requireRowsAffected(result, "submission", id)
}

// ListOrphanedFilePaths returns every stored file_path the janitor should
// consider authoritative, so it can diff against what object storage
// actually holds and reap anything with no matching row.
func (r *SubmissionRepository) ListOrphanedFilePaths(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT file_path FROM submissions WHERE file_path IS NOT NULL AND file_path <> ''`)
	if err != nil {
		return nil, fmt.Errorf("query file paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan file path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSubmission(row scannable) (*domain.Submission, error) {
	var sub domain.Submission
	var modality, imageURL sql.NullString
	var bundleRaw, notesRaw []byte
	var rawExtraction, doctorNotes, aiSummary sql.NullString

	err := row.Scan(
		&sub.ID, &sub.PatientID, &sub.OriginalFilename, &sub.FilePath, &imageURL, &sub.Status, &modality,
		&bundleRaw, &rawExtraction, &doctorNotes, &aiSummary, &sub.Attempts, &notesRaw, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.ImageURL = imageURL.String
	sub.Modality = domain.Modality(modality.String)
	sub.RawExtraction = rawExtraction.String
	sub.DoctorNotes = doctorNotes.String
	sub.AISummary = aiSummary.String

	if len(bundleRaw) > 0 && string(bundleRaw) != "null" {
		sub.FHIRBundle = json.RawMessage(bundleRaw)
	}
	if len(notesRaw) > 0 {
		if err := json.Unmarshal(notesRaw, &sub.RepairNotes); err != nil {
			return nil, fmt.Errorf("unmarshal repair notes: %w", err)
		}
	}
	return &sub, nil
}

func scanSubmissionRows(rows *sql.Rows) ([]domain.Submission, error) {
	var out []domain.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission row: %w", err)
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

func requireRowsAffected(result sql.Result, entity, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.WrapError(domain.ErrSubmissionNotFound, "update "+entity, fmt.Errorf("%s %s not found", entity, id))
	}
	return nil
}
