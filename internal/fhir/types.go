// Package fhir assembles and minimally validates HL7 FHIR R4 Bundles from
// a sanitized clinical extraction. There is no third-party FHIR model
// library anywhere in the reference corpus this package was grounded on,
// so resources are represented as hand-rolled structs in the same idiom
// every FHIR-touching reference file in that corpus uses.
package fhir

import "encoding/json"

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

type Quantity struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
	System string  `json:"system,omitempty"`
	Code   string  `json:"code,omitempty"`
}

type Range struct {
	Low  *Quantity `json:"low,omitempty"`
	High *Quantity `json:"high,omitempty"`
}

type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
	Gender       string       `json:"gender,omitempty"`
	BirthDate    string       `json:"birthDate,omitempty"`
}

type HumanName struct {
	Text string `json:"text,omitempty"`
}

type Observation struct {
	ResourceType        string            `json:"resourceType"`
	ID                  string            `json:"id"`
	Status              string            `json:"status"`
	Category            []CodeableConcept `json:"category,omitempty"`
	Code                CodeableConcept   `json:"code"`
	Subject             Reference         `json:"subject"`
	EffectiveDateTime   string            `json:"effectiveDateTime,omitempty"`
	ValueQuantity       *Quantity         `json:"valueQuantity,omitempty"`
	ValueString         string            `json:"valueString,omitempty"`
	ReferenceRangeText  []ReferenceRange  `json:"referenceRange,omitempty"`
	Interpretation      []CodeableConcept `json:"interpretation,omitempty"`
}

type ReferenceRange struct {
	Text string    `json:"text,omitempty"`
	Low  *Quantity `json:"low,omitempty"`
	High *Quantity `json:"high,omitempty"`
}

type Dosage struct {
	Text string `json:"text,omitempty"`
}

type MedicationRequest struct {
	ResourceType          string               `json:"resourceType"`
	ID                    string               `json:"id"`
	Status                string               `json:"status"`
	Intent                string               `json:"intent"`
	MedicationCodeableConcept CodeableConcept  `json:"medicationCodeableConcept"`
	Subject               Reference            `json:"subject"`
	DosageInstruction      []Dosage            `json:"dosageInstruction,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource"`
}

type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Timestamp    string        `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry"`
}
