package fhir

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/medevidence/ingest-service/internal/core/domain"
	"github.com/medevidence/ingest-service/internal/terminology"
)

const interpretationSystem = "http://terminology.hl7.org/CodeSystem/v3-ObservationInterpretation"
const identifierSystem = "urn:medevidence:patient-identifier"
const radiologyFindingsCode = "18748-4"

// Build assembles a FHIR Bundle from a sanitized extraction result. Every
// row becomes an Observation tied to one Patient resource, coded with LOINC
// when the row name has a mapping and with code.text only otherwise;
// prescription rows become MedicationRequest
// resources instead; radiology narrative becomes a single Observation
// carrying valueString.
func Build(submissionID string, result domain.ExtractionResult) (Bundle, error) {
	patientID := "patient-" + submissionID
	patient := Patient{
		ResourceType: "Patient",
		ID:           patientID,
		Name:         nameEntries(result.Patient.Name),
		Gender:       result.Patient.Gender,
		BirthDate:    result.Patient.BirthDate,
	}
	if result.Patient.Identifier != "" {
		patient.Identifier = []Identifier{{System: identifierSystem, Value: result.Patient.Identifier}}
	}

	entries := []BundleEntry{}
	patientEntry, err := toEntry("Patient/"+patientID, patient)
	if err != nil {
		return Bundle{}, err
	}
	entries = append(entries, patientEntry)

	subjectRef := Reference{Reference: "Patient/" + patientID, Display: result.Patient.Name}

	switch result.Modality {
	case domain.ModalityPrescription:
		for i, row := range result.Rows {
			res := buildMedicationRequest(fmt.Sprintf("medreq-%d", i+1), subjectRef, row)
			entry, err := toEntry("MedicationRequest/"+res.ID, res)
			if err != nil {
				return Bundle{}, err
			}
			entries = append(entries, entry)
		}
	case domain.ModalityRadiology:
		if strings.TrimSpace(result.Findings) != "" {
			obs := Observation{
				ResourceType: "Observation",
				ID:           "obs-findings",
				Status:       "final",
				Code: CodeableConcept{
					Coding: []Coding{{System: "http://loinc.org", Code: radiologyFindingsCode, Display: "Diagnostic imaging study"}},
					Text:   "Radiology Findings",
				},
				Subject:           subjectRef,
				EffectiveDateTime: result.ReportDate,
				ValueString:       result.Findings,
			}
			entry, err := toEntry("Observation/"+obs.ID, obs)
			if err != nil {
				return Bundle{}, err
			}
			entries = append(entries, entry)
		}
	default:
		for i, row := range result.Rows {
			obs := buildObservation(fmt.Sprintf("obs-%d", i+1), subjectRef, result.ReportDate, row)
			entry, err := toEntry("Observation/"+obs.ID, obs)
			if err != nil {
				return Bundle{}, err
			}
			entries = append(entries, entry)
		}
	}

	return Bundle{
		ResourceType: "Bundle",
		Type:         "collection",
		Entry:        entries,
	}, nil
}

func nameEntries(name string) []HumanName {
	if strings.TrimSpace(name) == "" {
		return nil
	}
	return []HumanName{{Text: name}}
}

func buildObservation(id string, subject Reference, reportDate string, row domain.ExtractedRow) Observation {
	obs := Observation{
		ResourceType:      "Observation",
		ID:                id,
		Status:            "final",
		Subject:           subject,
		EffectiveDateTime: reportDate,
		Code:              codeForRow(row.Name),
	}

	// A reading carries either a numeric quantity or free text, never both:
	// FHIR's value[x] choice type is exclusive.
	if numericValue, ok := numeric(row.Value); ok {
		obs.ValueQuantity = &Quantity{Value: numericValue, Unit: row.Unit, System: "http://unitsofmeasure.org", Code: row.Unit}
	} else {
		obs.ValueString = fmt.Sprintf("%v", row.Value)
	}

	if row.ReferenceRange != "" {
		obs.ReferenceRangeText = []ReferenceRange{parseReferenceRange(row.ReferenceRange, row.Unit)}
	}
	if coding := interpretationCoding(row.Flag); coding != nil {
		obs.Interpretation = []CodeableConcept{{Coding: []Coding{*coding}}}
	}
	return obs
}

func buildMedicationRequest(id string, subject Reference, row domain.ExtractedRow) MedicationRequest {
	var parts []string
	for _, p := range []string{row.Dosage, row.Frequency, row.Timing, row.Duration} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, strings.TrimSpace(p))
		}
	}
	return MedicationRequest{
		ResourceType:              "MedicationRequest",
		ID:                        id,
		Status:                    "active",
		Intent:                    "order",
		MedicationCodeableConcept: CodeableConcept{Text: row.Name},
		Subject:                   subject,
		DosageInstruction:         []Dosage{{Text: strings.Join(parts, ", ")}},
	}
}

func codeForRow(name string) CodeableConcept {
	normalized := terminology.NormalizeName(name)
	if loinc, ok := terminology.LOINCMapping[normalized]; ok {
		return CodeableConcept{
			Coding: []Coding{{System: loinc.System, Code: loinc.Code, Display: loinc.Display}},
			Text:   normalized,
		}
	}
	return CodeableConcept{Text: normalized}
}

func interpretationCoding(flag string) *Coding {
	switch strings.ToUpper(flag) {
	case "H":
		return &Coding{System: interpretationSystem, Code: "H", Display: "High"}
	case "L":
		return &Coding{System: interpretationSystem, Code: "L", Display: "Low"}
	case "N":
		return &Coding{System: interpretationSystem, Code: "N", Display: "Normal"}
	default:
		return nil
	}
}

func parseReferenceRange(text, unit string) ReferenceRange {
	rr := ReferenceRange{Text: text}
	parts := strings.SplitN(text, "-", 2)
	if len(parts) != 2 {
		return rr
	}
	low, errLow := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	high, errHigh := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if errLow == nil {
		rr.Low = &Quantity{Value: low, Unit: unit}
	}
	if errHigh == nil {
		rr.High = &Quantity{Value: high, Unit: unit}
	}
	return rr
}

func numeric(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func toEntry(fullURL string, resource any) (BundleEntry, error) {
	raw, err := json.Marshal(resource)
	if err != nil {
		return BundleEntry{}, fmt.Errorf("marshal resource %s: %w", fullURL, err)
	}
	return BundleEntry{FullURL: fullURL, Resource: raw}, nil
}
