package fhir

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMissingPatient  = errors.New("bundle has no Patient resource")
	ErrEmptyBundle     = errors.New("bundle has no clinical entries")
	ErrMalformedEntry  = errors.New("bundle entry is not valid JSON")
)

// ValidateMinimal performs the same lightweight structural check the
// pipeline uses to decide whether a bundle is fit to persist: a Bundle of
// type collection, exactly one Patient entry, and at least one clinical
// resource alongside it.
func ValidateMinimal(bundle Bundle) error {
	if bundle.ResourceType != "Bundle" {
		return fmt.Errorf("%w: resourceType=%q", ErrEmptyBundle, bundle.ResourceType)
	}
	if bundle.Type != "collection" {
		return fmt.Errorf("bundle type %q is not collection", bundle.Type)
	}
	if len(bundle.Entry) == 0 {
		return ErrEmptyBundle
	}

	patientCount := 0
	clinicalCount := 0
	for _, entry := range bundle.Entry {
		var probe struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(entry.Resource, &probe); err != nil {
			return fmt.Errorf("%w: %s", ErrMalformedEntry, entry.FullURL)
		}
		if probe.ResourceType == "Patient" {
			patientCount++
			continue
		}
		clinicalCount++
	}

	if patientCount == 0 {
		return ErrMissingPatient
	}
	if patientCount > 1 {
		return fmt.Errorf("bundle has %d Patient resources, expected exactly one", patientCount)
	}
	if clinicalCount == 0 {
		return ErrEmptyBundle
	}
	return nil
}

// EnsureInterpretationFromRange is a second defensive pass run just before
// persistence: any Observation that carries a referenceRange but no
// interpretation coding gets one derived from comparing valueQuantity
// against the parsed range, in case the firewall's earlier flag-derivation
// pass was skipped (e.g. a bundle rebuilt directly from stored rows).
func EnsureInterpretationFromRange(bundle Bundle) (Bundle, error) {
	for i, entry := range bundle.Entry {
		var obs Observation
		if err := json.Unmarshal(entry.Resource, &obs); err != nil {
			continue
		}
		if obs.ResourceType != "Observation" || len(obs.Interpretation) > 0 || obs.ValueQuantity == nil {
			continue
		}
		if len(obs.ReferenceRangeText) == 0 {
			continue
		}
		rr := obs.ReferenceRangeText[0]
		if rr.Low == nil || rr.High == nil {
			continue
		}
		var flag string
		switch {
		case obs.ValueQuantity.Value < rr.Low.Value:
			flag = "L"
		case obs.ValueQuantity.Value > rr.High.Value:
			flag = "H"
		default:
			flag = "N"
		}
		if coding := interpretationCoding(flag); coding != nil {
			obs.Interpretation = []CodeableConcept{{Coding: []Coding{*coding}}}
		}
		raw, err := json.Marshal(obs)
		if err != nil {
			return bundle, fmt.Errorf("remarshal observation %s: %w", entry.FullURL, err)
		}
		bundle.Entry[i].Resource = raw
	}
	return bundle, nil
}
