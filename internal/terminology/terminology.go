// Package terminology maps loosely formatted clinical report text onto
// canonical units, row names, and LOINC codes. It is the single place
// where CBC naming conventions and unit spellings seen across different
// lab vendors are taught to the rest of the pipeline.
package terminology

import (
	"regexp"
	"strconv"
	"strings"
)

// LOINC is the SNOMED/LOINC coding attached to a named CBC row when a
// Bundle is assembled.
type LOINC struct {
	Code    string
	Display string
	System  string
}

const loincSystem = "http://loinc.org"

// LOINCMapping is the canonical LOINC code table for the CBC panel this
// pipeline supports, keyed by the row name produced after NormalizeName.
var LOINCMapping = map[string]LOINC{
	"Haemoglobin":        {Code: "718-7", Display: "Hemoglobin [Mass/volume] in Blood", System: loincSystem},
	"R.B.C. Count":       {Code: "789-8", Display: "Erythrocytes [#/volume] in Blood", System: loincSystem},
	"Haematocrit":        {Code: "4544-3", Display: "Hematocrit [Volume Fraction] of Blood", System: loincSystem},
	"M.C.V.":             {Code: "787-2", Display: "MCV [Entitic volume] by Automated count", System: loincSystem},
	"M.C.H.":             {Code: "785-6", Display: "MCH [Entitic mass] by Automated count", System: loincSystem},
	"M.C.H.C.":           {Code: "786-4", Display: "MCHC [Mass/volume] by Automated count", System: loincSystem},
	"R.D.W.":             {Code: "14563-1", Display: "Erythrocyte distribution width", System: loincSystem},
	"W.B.C. Count":       {Code: "6690-2", Display: "Leukocytes [#/volume] in Blood", System: loincSystem},
	"Neutrophils":        {Code: "770-8", Display: "Neutrophils/100 leukocytes in Blood", System: loincSystem},
	"Lymphocytes":        {Code: "731-0", Display: "Lymphocytes/100 leukocytes in Blood", System: loincSystem},
	"Monocytes":          {Code: "742-7", Display: "Monocytes/100 leukocytes in Blood", System: loincSystem},
	"Eosinophils":        {Code: "711-2", Display: "Eosinophils/100 leukocytes in Blood", System: loincSystem},
	"Basophils":          {Code: "704-7", Display: "Basophils/100 leukocytes in Blood", System: loincSystem},
	"Platelet Count":     {Code: "777-3", Display: "Platelets [#/volume] in Blood", System: loincSystem},
	"M.P.V.":             {Code: "32623-1", Display: "Platelet mean volume in Blood", System: loincSystem},
}

// ExpectedCBCRows is the full panel a complete CBC report is expected to
// contain; used by the completeness check to flag a partially extracted
// report instead of silently accepting it.
var ExpectedCBCRows = []string{
	"Haemoglobin",
	"R.B.C. Count",
	"Haematocrit",
	"M.C.V.",
	"M.C.H.",
	"M.C.H.C.",
	"R.D.W.",
	"W.B.C. Count",
	"Neutrophils",
	"Lymphocytes",
	"Monocytes",
	"Eosinophils",
	"Basophils",
	"Platelet Count",
	"M.P.V.",
}

var valueUnitPattern = regexp.MustCompile(`^([-+]?\d+(?:\.\d+)?)\s*([^\d]*)$`)

// NormalizeUnit canonicalizes a unit string observed on a CBC report line,
// stripping bracketed H/L flags and collapsing documented spelling
// variants onto one canonical spelling per quantity.
func NormalizeUnit(unit string) string {
	u := strings.TrimSpace(unit)
	if u == "" {
		return ""
	}
	u = strings.ReplaceAll(u, "[H]", "")
	u = strings.ReplaceAll(u, "[L]", "")
	u = strings.ReplaceAll(u, "[ ]", "")
	u = strings.TrimSpace(u)
	u = strings.ReplaceAll(u, "µ", "u")
	u = strings.ReplaceAll(u, "UL", "uL")
	u = strings.ReplaceAll(u, "ul", "uL")

	switch strings.ToLower(u) {
	case "gm/dl", "g/dl":
		return "g/dL"
	case "pg":
		return "pg"
	case "fl":
		return "fL"
	case "%":
		return "%"
	case "mill/mm3", "mill/mm³", "mill/cumm", "mill/cmm", "million/mm3", "million/mm³", "million/cumm":
		return "mill/cmm"
	}
	return u
}

// NormalizeName repairs the handful of OCR/transcription mangles a vision
// model reliably produces for CBC row labels and strips leading list
// markers ("* ", "# ", "(1)") some report templates prepend.
func NormalizeName(name string) string {
	n := strings.TrimSpace(name)
	n = strings.ReplaceAll(n, "M.C.H.2c", "M.C.H.C.")
	n = strings.ReplaceAll(n, "IMPATURE", "IMMATURE")
	n = leadingListMarker.ReplaceAllString(n, "")
	return strings.TrimSpace(n)
}

var leadingListMarker = regexp.MustCompile(`^[\s(*)#]*(?:\d+\)\s*)?`)

// InferUnitByName returns the unit a CBC row is expected to carry based
// purely on its name (dots ignored, so "M.P.V." and "MPV" agree), used both
// to fill in a missing unit and to pick among duplicate rows for one test.
func InferUnitByName(name string) string {
	n := strings.ReplaceAll(strings.ToLower(name), ".", "")
	switch {
	case strings.Contains(n, "haemoglobin"), strings.Contains(n, "hemoglobin"):
		return "g/dL"
	case strings.Contains(n, "r.b.c"), strings.Contains(n, "rbc"), strings.Contains(n, "red blood"):
		return "mill/cmm"
	case strings.Contains(n, "haematocrit"), strings.Contains(n, "hct"), strings.Contains(n, "pcv"):
		return "%"
	case strings.Contains(n, "mcv"):
		return "fL"
	case strings.Contains(n, "mchc"):
		return "g/dL"
	case strings.Contains(n, "mch"):
		return "pg"
	case strings.Contains(n, "rdw"):
		return "%"
	case strings.Contains(n, "w.b.c"), strings.Contains(n, "wbc"), strings.Contains(n, "leukocyte"):
		return "/uL"
	case strings.Contains(n, "abs") && containsAny(n, "neutrophils", "lymphocytes", "monocytes", "eosinophils", "basophils"):
		return "/uL"
	case containsAny(n, "neutrophils", "lymphocytes", "monocytes", "eosinophils", "basophils"):
		return "%"
	case strings.Contains(n, "platelet") && !strings.Contains(n, "mpv") && !strings.Contains(n, "fraction"):
		return "/uL"
	case strings.Contains(n, "mpv"):
		return "fL"
	case strings.Contains(n, "immature platelet fraction"):
		return "%"
	}
	return ""
}

func containsAny(haystack string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}

// SplitValueUnit separates a combined "12.5 g/dL" or "[H] 18.2 g/dL" field
// into its numeric value, trailing unit, and an H/L flag if one was embedded
// in the text rather than reported as a separate column.
func SplitValueUnit(raw string) (value any, unit, flag string, ok bool) {
	t := strings.TrimSpace(raw)
	if t == "" {
		return nil, "", "", false
	}
	if strings.Contains(t, "[H]") {
		flag = "H"
		t = strings.TrimSpace(strings.ReplaceAll(t, "[H]", ""))
	}
	if strings.Contains(t, "[L]") {
		flag = "L"
		t = strings.TrimSpace(strings.ReplaceAll(t, "[L]", ""))
	}
	t = strings.ReplaceAll(t, "³", "3")

	m := valueUnitPattern.FindStringSubmatch(t)
	if m == nil {
		return ToNumber(t), "", flag, true
	}
	num := ToNumber(m[1])
	unit = strings.TrimSpace(m[2])
	return num, unit, flag, true
}

// ToNumber coerces a raw extracted value to a float64 where possible,
// tolerating thousands separators; non-numeric text passes through
// unchanged so free-text findings are not corrupted.
func ToNumber(value any) any {
	switch v := value.(type) {
	case float64, int, int64:
		return v
	case string:
		cleaned := strings.ReplaceAll(strings.TrimSpace(v), ",", "")
		if n, err := strconv.ParseFloat(cleaned, 64); err == nil {
			return n
		}
		return strings.TrimSpace(v)
	default:
		return value
	}
}

// NormalizeDate accepts only ISO-8601-prefixed date strings ("2026-01-15..."),
// discarding anything else rather than guessing a locale-specific format.
func NormalizeDate(value string) string {
	v := strings.TrimSpace(value)
	if isoDatePrefix.MatchString(v) {
		return v
	}
	return ""
}

var isoDatePrefix = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)

// ExtractJSONCandidate returns the first balanced {...} span in text,
// tracking brace depth rather than a naive first/last index pair so that
// nested objects inside the extraction payload do not truncate the match.
func ExtractJSONCandidate(text string) string {
	cleaned := strings.TrimSpace(text)
	start := strings.Index(cleaned, "{")
	if start == -1 {
		return cleaned
	}
	depth := 0
	for i := start; i < len(cleaned); i++ {
		switch cleaned[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return cleaned[start : i+1]
			}
		}
	}
	return cleaned[start:]
}
