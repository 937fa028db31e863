package firewall

import (
	"testing"

	"github.com/medevidence/ingest-service/internal/core/domain"
)

func TestSanitizeRepairsPlateletScaling(t *testing.T) {
	result := domain.ExtractionResult{
		Patient: domain.ExtractedPatient{Name: "Dr. Jane Doe"},
		Rows: []domain.ExtractedRow{
			{Name: "Platelet Count", Value: 370.0, Unit: "/uL", ReferenceRange: "150-450", Flag: "L"},
		},
	}
	sanitized, notes := Sanitize(result, false)

	row := sanitized.Rows[0]
	if row.Value.(float64) != 370000.0 {
		t.Fatalf("expected platelet scaling repair to yield 370000, got %v", row.Value)
	}
	if row.Unit != "/uL" {
		t.Fatalf("expected unit to stay /uL, got %q", row.Unit)
	}
	if row.ReferenceRange != "150000-450000" {
		t.Fatalf("expected reference range scaled to 150000-450000, got %q", row.ReferenceRange)
	}
	if row.Flag != "N" {
		t.Fatalf("expected flag recomputed to N, got %q", row.Flag)
	}
	if len(notes) == 0 {
		t.Fatalf("expected a repair note for platelet scaling")
	}
	if sanitized.Patient.Name != "Jane Doe" {
		t.Fatalf("expected honorific stripped, got %q", sanitized.Patient.Name)
	}
}

func TestSanitizeSwapsPlateletAndMPV(t *testing.T) {
	result := domain.ExtractionResult{
		Patient: domain.ExtractedPatient{Name: "John Smith"},
		Rows: []domain.ExtractedRow{
			{Name: "Platelet Count", Value: 9.2, Unit: "10^3/uL", ReferenceRange: "150-450"},
			{Name: "MPV", Value: 250.0, Unit: "fL", ReferenceRange: "6-12"},
		},
	}
	sanitized, notes := Sanitize(result, false)

	var platelet, mpv domain.ExtractedRow
	for _, r := range sanitized.Rows {
		if isPlateletRow(r.Name) {
			platelet = r
		} else {
			mpv = r
		}
	}
	if platelet.Value.(float64) != 250000.0 || platelet.Unit != "/uL" {
		t.Fatalf("expected platelet row repaired to absolute count, got %+v", platelet)
	}
	if mpv.Value.(float64) != 9.2 || mpv.Unit != "fL" {
		t.Fatalf("expected MPV row repaired to fL, got %+v", mpv)
	}
	if platelet.Flag != "N" {
		t.Fatalf("expected platelet flag N, got %q", platelet.Flag)
	}
	if mpv.Flag != "N" {
		t.Fatalf("expected MPV flag N, got %q", mpv.Flag)
	}
	foundSwapNote := false
	for _, n := range notes {
		if n.Reason == "platelet_mpv_swap" {
			foundSwapNote = true
		}
	}
	if !foundSwapNote {
		t.Fatalf("expected platelet_mpv_swap repair note, got %+v", notes)
	}
}

func TestSanitizeReconstructsAbsoluteCounts(t *testing.T) {
	result := domain.ExtractionResult{
		Patient: domain.ExtractedPatient{Name: "Jane Doe"},
		Rows: []domain.ExtractedRow{
			{Name: "W.B.C. Count", Value: 8000.0, Unit: "/uL"},
			{Name: "Neutrophils", Value: 60.0, Unit: "%"},
			{Name: "Absolute Neutrophils", Value: 480.0, Unit: "/uL"},
		},
	}
	sanitized, notes := Sanitize(result, false)

	found := false
	for _, r := range sanitized.Rows {
		if r.Name == "Absolute Neutrophils" {
			found = true
			if r.Value.(float64) != 4800.0 {
				t.Fatalf("expected absolute neutrophils corrected to 4800, got %v", r.Value)
			}
		}
	}
	if !found {
		t.Fatalf("expected the existing Absolute Neutrophils row to survive")
	}

	foundNote := false
	for _, n := range notes {
		if n.Reason == "absolute_count_reconstruction" {
			foundNote = true
		}
	}
	if !foundNote {
		t.Fatalf("expected an absolute_count_reconstruction repair note, got %+v", notes)
	}
}

func TestSanitizeDoesNotFabricateAbsoluteCount(t *testing.T) {
	result := domain.ExtractionResult{
		Patient: domain.ExtractedPatient{Name: "Jane Doe"},
		Rows: []domain.ExtractedRow{
			{Name: "W.B.C. Count", Value: 8000.0, Unit: "/uL"},
			{Name: "Neutrophils", Value: 60.0, Unit: "%"},
		},
	}
	sanitized, _ := Sanitize(result, false)

	for _, r := range sanitized.Rows {
		if r.Name == "Absolute Neutrophils" {
			t.Fatalf("expected no Absolute Neutrophils row to be fabricated, got %+v", r)
		}
	}
}

func TestSanitizeDerivesFlagFromRange(t *testing.T) {
	result := domain.ExtractionResult{
		Patient: domain.ExtractedPatient{Name: "Jane Doe"},
		Rows: []domain.ExtractedRow{
			{Name: "Haemoglobin", Value: 9.0, Unit: "g/dL", ReferenceRange: "12-16"},
		},
	}
	sanitized, _ := Sanitize(result, false)
	if sanitized.Rows[0].Flag != "L" {
		t.Fatalf("expected derived flag L, got %q", sanitized.Rows[0].Flag)
	}
}

func TestSanitizePrunesReportDateUnlessAllowed(t *testing.T) {
	result := domain.ExtractionResult{
		Patient:    domain.ExtractedPatient{Name: "Jane Doe"},
		ReportDate: "2026-01-15",
	}

	disallowed, _ := Sanitize(result, false)
	if disallowed.ReportDate != "" {
		t.Fatalf("expected report date pruned when not allowed, got %q", disallowed.ReportDate)
	}

	allowed, _ := Sanitize(result, true)
	if allowed.ReportDate != "2026-01-15" {
		t.Fatalf("expected a valid ISO-8601 report date to survive when allowed, got %q", allowed.ReportDate)
	}
}

func TestSanitizePrunesUnparseableReportDateEvenWhenAllowed(t *testing.T) {
	result := domain.ExtractionResult{
		Patient:    domain.ExtractedPatient{Name: "Jane Doe"},
		ReportDate: "see attached",
	}
	sanitized, _ := Sanitize(result, true)
	if sanitized.ReportDate != "" {
		t.Fatalf("expected non-ISO-8601 report date pruned, got %q", sanitized.ReportDate)
	}
}

func TestValidateFlagsTooFewObservations(t *testing.T) {
	result := domain.ExtractionResult{
		Modality: domain.ModalityLab,
		Patient:  domain.ExtractedPatient{Name: "Jane Doe"},
		Rows:     []domain.ExtractedRow{{Name: "Haemoglobin", Value: 13.0}},
	}
	v := Validate(result, ValidateConfig{Strict: true, MinObservations: 3})
	if v.OK {
		t.Fatalf("expected validation to fail for too few observations")
	}
	if v.Complaint == "" {
		t.Fatalf("expected a complaint string for repair prompting")
	}
}

func TestValidateRequiresExpectedCBCPanelWhenConfigured(t *testing.T) {
	result := domain.ExtractionResult{
		Modality: domain.ModalityLab,
		Patient:  domain.ExtractedPatient{Name: "Jane Doe"},
		Rows: []domain.ExtractedRow{
			{Name: "Haemoglobin", Value: 13.0},
			{Name: "W.B.C. Count", Value: 7000.0},
			{Name: "Platelet Count", Value: 250000.0},
		},
	}
	v := Validate(result, ValidateConfig{Strict: true, RequireExpectedTests: true, MinObservations: 3})
	if v.OK {
		t.Fatalf("expected validation to fail for an incomplete CBC panel")
	}
}

func TestValidateSkipsCompletenessChecksWhenNotStrict(t *testing.T) {
	result := domain.ExtractionResult{
		Modality: domain.ModalityLab,
		Patient:  domain.ExtractedPatient{Name: "Jane Doe"},
		Rows:     []domain.ExtractedRow{{Name: "Haemoglobin", Value: 13.0}},
	}
	v := Validate(result, ValidateConfig{Strict: false})
	if !v.OK {
		t.Fatalf("expected validation to pass when not strict, got complaint %q", v.Complaint)
	}
}
