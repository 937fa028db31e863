package firewall

import (
	"fmt"
	"strings"

	"github.com/medevidence/ingest-service/internal/core/domain"
	"github.com/medevidence/ingest-service/internal/terminology"
)

// ValidationResult is the outcome of a completeness check against a
// sanitized extraction. A non-empty Complaint is fed back into the repair
// prompt verbatim so the model knows exactly what to fix.
type ValidationResult struct {
	OK        bool
	Complaint string
	Missing   []string
}

// ValidateConfig gates how strict completeness checking is. The zero value
// is the least strict configuration: Validate only checks that some content
// was extracted at all.
type ValidateConfig struct {
	// Strict disables completeness checking entirely when false: a document
	// is accepted as long as it produced some content.
	Strict bool
	// RequireExpectedTests, when the modality is a CBC-shaped LAB report,
	// requires the full CBC+Differential+Platelet panel to be present.
	RequireExpectedTests bool
	// RequirePatient requires a non-empty patient name and at least one
	// identifier before anything else is checked.
	RequirePatient bool
	// MinObservations is the minimum number of LAB rows required. Defaults
	// to 3 when left at zero.
	MinObservations int
}

// Validate checks a sanitized extraction against cfg. LAB reports are
// checked for a minimum observation count and, when cfg.RequireExpectedTests
// is set and the report looks like a CBC, the full expected panel.
// PRESCRIPTION reports require at least one medication row. Every other
// modality is only checked for having produced some content at all.
func Validate(result domain.ExtractionResult, cfg ValidateConfig) ValidationResult {
	if cfg.RequirePatient {
		if strings.TrimSpace(result.Patient.Name) == "" {
			return ValidationResult{Complaint: "Patient name is missing; re-read the report header."}
		}
		if strings.TrimSpace(result.Patient.Identifier) == "" {
			return ValidationResult{Complaint: "No patient identifier was extracted; re-read the report header."}
		}
	}

	if !cfg.Strict {
		if len(result.Rows) == 0 && strings.TrimSpace(result.Findings) == "" {
			return ValidationResult{Complaint: "No rows or findings were extracted from the document."}
		}
		return ValidationResult{OK: true}
	}

	if result.Modality == domain.ModalityPrescription {
		if len(result.Rows) == 0 {
			return ValidationResult{Complaint: "No medication rows were extracted from the prescription."}
		}
		return ValidationResult{OK: true}
	}

	if result.Modality != domain.ModalityLab {
		if len(result.Rows) == 0 && strings.TrimSpace(result.Findings) == "" {
			return ValidationResult{Complaint: "No rows or findings were extracted from the document."}
		}
		return ValidationResult{OK: true}
	}

	minObservations := cfg.MinObservations
	if minObservations <= 0 {
		minObservations = 3
	}
	if len(result.Rows) < minObservations {
		return ValidationResult{
			Complaint: fmt.Sprintf("Only %d observation rows were extracted; at least %d are expected for a lab report.", len(result.Rows), minObservations),
		}
	}

	present := make(map[string]bool)
	for _, r := range result.Rows {
		present[strings.ToLower(r.Name)] = true
	}

	if cfg.RequireExpectedTests && isCBCReport(present) {
		var missing []string
		for _, expected := range terminology.ExpectedCBCRows {
			if !present[strings.ToLower(expected)] {
				missing = append(missing, expected)
			}
		}
		if len(missing) > 0 {
			return ValidationResult{
				Missing:   missing,
				Complaint: fmt.Sprintf("Expected CBC panel rows are missing: %s.", strings.Join(missing, ", ")),
			}
		}
	}

	for _, r := range result.Rows {
		if _, ok := r.Value.(float64); !ok {
			if _, isInt := r.Value.(int); !isInt {
				return ValidationResult{Complaint: fmt.Sprintf("Row %q has a non-numeric value %v.", r.Name, r.Value)}
			}
		}
	}

	return ValidationResult{OK: true}
}

// isCBCReport detects a CBC-shaped report by the presence of either
// Haemoglobin or W.B.C. Count, the two rows present on essentially every CBC
// printout regardless of which other rows the model managed to transcribe.
func isCBCReport(present map[string]bool) bool {
	return present["haemoglobin"] || present["hemoglobin"] || present["w.b.c. count"] || present["wbc count"] || present["wbc"]
}
