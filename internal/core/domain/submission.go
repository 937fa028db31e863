package domain

import (
	"encoding/json"
	"time"
)

// Modality is the clinical evidence category assigned by the classifier.
type Modality string

const (
	ModalityLab        Modality = "LAB"
	ModalityRadiology  Modality = "RADIOLOGY"
	ModalityPrescription Modality = "PRESCRIPTION"
	ModalityVitals     Modality = "VITALS"
	ModalityUnknown    Modality = "UNKNOWN"
)

// SubmissionStatus tracks where a submission sits in the ingestion pipeline.
type SubmissionStatus string

const (
	StatusClassifying SubmissionStatus = "classifying"
	StatusExtracting  SubmissionStatus = "extracting"
	StatusSanitizing  SubmissionStatus = "sanitizing"
	StatusValidating  SubmissionStatus = "validating"
	StatusBuilding    SubmissionStatus = "building"
	StatusRepairing   SubmissionStatus = "repairing"
	StatusCompleted   SubmissionStatus = "completed"
	StatusFallback    SubmissionStatus = "fallback"
	StatusFailed      SubmissionStatus = "failed"
)

// Submission is a single piece of clinical evidence and its pipeline outcome.
type Submission struct {
	ID               string          `json:"id"`
	PatientID        string          `json:"patient_id"`
	OriginalFilename string          `json:"filename"`
	FilePath         string          `json:"-"`
	ImageURL         string          `json:"image_url,omitempty"`
	Status           SubmissionStatus `json:"status"`
	Modality         Modality        `json:"modality,omitempty"`
	FHIRBundle       json.RawMessage `json:"fhir_bundle,omitempty"`
	RawExtraction    string          `json:"raw_extraction,omitempty"`
	DoctorNotes      string          `json:"doctor_notes,omitempty"`
	AISummary        string          `json:"ai_summary,omitempty"`
	Attempts         int             `json:"attempts"`
	RepairNotes      []RepairNote    `json:"repair_notes,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// RepairNote records one self-healing attempt made against a failed extraction.
type RepairNote struct {
	Attempt int    `json:"attempt"`
	Reason  string `json:"reason"`
	Detail  string `json:"detail,omitempty"`
}

// PatientDirectoryEntry summarizes a patient's submission history for listing views.
type PatientDirectoryEntry struct {
	PatientID   string    `json:"patient_id"`
	FileCount   int       `json:"file_count"`
	LastUpdated time.Time `json:"last_updated"`
}

// ExtractedPatient is the patient-identifying slice of a raw extraction.
type ExtractedPatient struct {
	Name       string `json:"name,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	Gender     string `json:"gender,omitempty"`
	BirthDate  string `json:"birth_date,omitempty"`
}

// ExtractedRow is one observation or medication line pulled from an LLM response,
// before unit normalization and sanitization have run.
type ExtractedRow struct {
	Name           string `json:"name"`
	Value          any    `json:"value,omitempty"`
	Unit           string `json:"unit,omitempty"`
	Flag           string `json:"flag,omitempty"`
	ReferenceRange string `json:"reference_range,omitempty"`

	Dosage    string `json:"dosage,omitempty"`
	Frequency string `json:"frequency,omitempty"`
	Timing    string `json:"timing,omitempty"`
	Duration  string `json:"duration,omitempty"`
}

// ExtractionResult is the parsed output of a single extraction attempt.
type ExtractionResult struct {
	Patient    ExtractedPatient `json:"patient"`
	SampleID   string           `json:"sample_id,omitempty"`
	ReportDate string           `json:"report_date,omitempty"`
	Modality   Modality         `json:"modality"`
	Rows       []ExtractedRow   `json:"rows"`
	Findings   string           `json:"findings,omitempty"`
}

// ClassificationResult is the outcome of the modality-detection pass.
type ClassificationResult struct {
	Modality   Modality `json:"modality"`
	Confidence float64  `json:"confidence"`
}
