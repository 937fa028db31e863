// Package firewall is the self-healing layer that sits between the raw
// model transcription and FHIR assembly. It repairs the handful of
// systematic mistakes vision-language models make on CBC reports
// (mis-scaled platelet counts, swapped MPV/platelet units, absolute
// differential counts off by a factor of ten) deterministically, rather than asking the model to
// get it right on a second attempt for problems code can fix for free.
package firewall

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/medevidence/ingest-service/internal/core/domain"
	"github.com/medevidence/ingest-service/internal/terminology"
)

var honorifics = []string{"Mr.", "Mrs.", "Ms.", "Miss", "Dr.", "Mr", "Mrs", "Ms", "Dr"}

var nonDigit = regexp.MustCompile(`\D`)

var rangePattern = regexp.MustCompile(`^\s*([-+]?\d+(?:\.\d+)?)\s*-\s*([-+]?\d+(?:\.\d+)?)\s*`)

// Sanitize repairs an extraction result and returns the repaired result
// together with one repair note per self-healing rule that fired, so the
// orchestrator can record what happened for audit purposes. It never
// fabricates a row that was not present.
//
// allowReportDate gates rule 9 (report-date pruning): the report date is
// dropped unless the caller has opted in AND the value parses as ISO-8601.
// A patient birth date that is not ISO-8601 is always dropped.
func Sanitize(result domain.ExtractionResult, allowReportDate bool) (domain.ExtractionResult, []domain.RepairNote) {
	var notes []domain.RepairNote

	result.Patient.Name = cleanPatientName(result.Patient.Name)
	result.Patient.Identifier = cleanIdentifier(result.Patient.Identifier)
	result.Patient.BirthDate = terminology.NormalizeDate(result.Patient.BirthDate)

	for i := range result.Rows {
		result.Rows[i].Name = terminology.NormalizeName(result.Rows[i].Name)
		if result.Rows[i].Unit == "" {
			result.Rows[i].Unit = terminology.InferUnitByName(result.Rows[i].Name)
		} else {
			result.Rows[i].Unit = terminology.NormalizeUnit(result.Rows[i].Unit)
		}
	}

	if allowReportDate {
		result.ReportDate = terminology.NormalizeDate(result.ReportDate)
	} else {
		result.ReportDate = ""
	}

	if repaired := repairPlateletScaling(result.Rows); len(repaired) > 0 {
		notes = append(notes, domain.RepairNote{Reason: "platelet_scaling", Detail: strings.Join(repaired, ", ")})
	}

	if swapped := repairPlateletMPVSwap(result.Rows); swapped {
		notes = append(notes, domain.RepairNote{Reason: "platelet_mpv_swap"})
		// The row now holding the platelet count carries its pre-swap unit,
		// so the scaling rule above never saw it; re-run it once the value
		// is back where it belongs.
		if repaired := repairPlateletScaling(result.Rows); len(repaired) > 0 {
			notes = append(notes, domain.RepairNote{Reason: "platelet_scaling", Detail: strings.Join(repaired, ", ")})
		}
	}

	if corrected := reconstructAbsoluteCounts(&result); len(corrected) > 0 {
		notes = append(notes, domain.RepairNote{Reason: "absolute_count_reconstruction", Detail: strings.Join(corrected, ", ")})
	}

	result.Rows = dedupeRows(result.Rows)

	if derived := deriveFlagsFromRange(result.Rows); derived > 0 {
		notes = append(notes, domain.RepairNote{Reason: "flag_derivation", Detail: fmt.Sprintf("%d rows", derived)})
	}

	return result, notes
}

func cleanPatientName(name string) string {
	n := strings.TrimSpace(name)
	for _, h := range honorifics {
		n = strings.TrimPrefix(n, h+" ")
		n = strings.TrimPrefix(n, h)
	}
	return strings.TrimSpace(n)
}

func cleanIdentifier(id string) string {
	digits := nonDigit.ReplaceAllString(id, "")
	return digits
}

// mpvReferenceRange and plateletReferenceRange are the fallback ranges used
// by the swap detector when a row carries no reference range of its own.
var mpvReferenceRange = [2]float64{6, 12}
var plateletReferenceRange = [2]float64{150, 450}

// repairPlateletScaling fixes the common case where a platelet count was
// transcribed in thousands/uL (e.g. "250") instead of absolute /uL
// (e.g. "250000"): a platelet row below 1000, reported in /uL (or with no
// unit at all), is assumed mis-scaled and multiplied by 1000. The reference
// range is scaled the same way so later flag derivation compares like with
// like, and a stale "L" flag (an artifact of comparing the mis-scaled value
// against the absolute-scale range) is cleared for recomputation.
func repairPlateletScaling(rows []domain.ExtractedRow) []string {
	var touched []string
	for i := range rows {
		if !isPlateletRow(rows[i].Name) || !isScaleEligibleUnit(rows[i].Unit) {
			continue
		}
		v, ok := asFloat(rows[i].Value)
		if !ok || v <= 0 || v >= 1000 {
			continue
		}
		rows[i].Value = v * 1000
		rows[i].Unit = "/uL"
		rows[i].ReferenceRange = scaleReferenceRange(rows[i].ReferenceRange, 1000)
		if rows[i].Flag == "L" {
			rows[i].Flag = ""
		}
		touched = append(touched, rows[i].Name)
	}
	return touched
}

func isScaleEligibleUnit(unit string) bool {
	switch strings.TrimSpace(unit) {
	case "", "/uL", "uL":
		return true
	default:
		return false
	}
}

// scaleReferenceRange multiplies both bounds of a "low-high" reference
// range by factor, leaving free-text ranges it cannot parse untouched.
func scaleReferenceRange(text string, factor float64) string {
	m := rangePattern.FindStringSubmatch(text)
	if m == nil {
		return text
	}
	low, errLow := strconv.ParseFloat(m[1], 64)
	high, errHigh := strconv.ParseFloat(m[2], 64)
	if errLow != nil || errHigh != nil {
		return text
	}
	return formatNum(low*factor) + "-" + formatNum(high*factor)
}

func formatNum(v float64) string {
	if v == math.Trunc(v) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// repairPlateletMPVSwap detects a Platelet Count row and an MPV row whose
// values have been swapped: the platelet row's value falls inside the MPV
// reference range (6-12) while the MPV row's value falls inside the
// platelet range, regardless of what unit either row claims to carry (the
// unit is frequently wrong precisely because the rows were swapped). When
// detected, only the values are exchanged; units are reset to each row's
// canonical unit so a later scaling pass can fix the now-correctly-placed
// platelet count.
func repairPlateletMPVSwap(rows []domain.ExtractedRow) bool {
	plateletIdx, mpvIdx := -1, -1
	for i := range rows {
		n := strings.ToLower(rows[i].Name)
		switch {
		case isPlateletRow(rows[i].Name):
			plateletIdx = i
		case strings.Contains(n, "mpv") || strings.Contains(n, "m.p.v"):
			mpvIdx = i
		}
	}
	if plateletIdx == -1 || mpvIdx == -1 {
		return false
	}

	plateletValue, ok1 := asFloat(rows[plateletIdx].Value)
	mpvValue, ok2 := asFloat(rows[mpvIdx].Value)
	if !ok1 || !ok2 {
		return false
	}

	mLow, mHigh := rangeOrDefault(rows[mpvIdx].ReferenceRange, mpvReferenceRange)
	pLow, pHigh := rangeOrDefault(rows[plateletIdx].ReferenceRange, plateletReferenceRange)

	if !inRange(plateletValue, mLow, mHigh) || !inRange(mpvValue, pLow, pHigh) {
		return false
	}

	rows[plateletIdx].Value, rows[mpvIdx].Value = rows[mpvIdx].Value, rows[plateletIdx].Value
	rows[plateletIdx].Unit = "/uL"
	rows[mpvIdx].Unit = "fL"
	return true
}

func inRange(v, low, high float64) bool {
	return v >= low && v <= high
}

func rangeOrDefault(text string, fallback [2]float64) (float64, float64) {
	m := rangePattern.FindStringSubmatch(text)
	if m == nil {
		return fallback[0], fallback[1]
	}
	low, errLow := strconv.ParseFloat(m[1], 64)
	high, errHigh := strconv.ParseFloat(m[2], 64)
	if errLow != nil || errHigh != nil {
		return fallback[0], fallback[1]
	}
	return low, high
}

func isPlateletRow(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "platelet") && !strings.Contains(n, "mpv") && !strings.Contains(n, "fraction")
}

var differentialNames = []string{"neutrophils", "lymphocytes", "monocytes", "eosinophils", "basophils"}

// reconstructAbsoluteCounts corrects an existing "Absolute <cell>" row that
// was transcribed one decimal place too small: models occasionally drop a
// trailing zero off an absolute differential count, so the reported value
// lands near (WBC * percent / 100) / 10 instead of the real midpoint. A row
// is only ever corrected, never invented — a cell with no absolute row to
// begin with is left alone.
func reconstructAbsoluteCounts(result *domain.ExtractionResult) []string {
	var wbc float64
	haveWBC := false
	for _, r := range result.Rows {
		n := strings.ToLower(r.Name)
		if strings.Contains(n, "w.b.c") || strings.Contains(n, "wbc") {
			if v, ok := asFloat(r.Value); ok {
				wbc = v
				haveWBC = true
				break
			}
		}
	}
	if !haveWBC || wbc <= 0 {
		return nil
	}

	var corrected []string
	for _, diffName := range differentialNames {
		percentIdx, absoluteIdx := -1, -1
		for i, r := range result.Rows {
			n := strings.ToLower(r.Name)
			if n == diffName {
				if _, ok := asFloat(r.Value); ok {
					percentIdx = i
				}
				continue
			}
			if strings.Contains(n, "abs") && strings.Contains(n, diffName) {
				if _, ok := asFloat(r.Value); ok {
					absoluteIdx = i
				}
			}
		}
		if percentIdx == -1 || absoluteIdx == -1 {
			continue
		}

		percentVal, _ := asFloat(result.Rows[percentIdx].Value)
		actual, _ := asFloat(result.Rows[absoluteIdx].Value)
		expected := wbc * percentVal / 100.0
		if expected <= 0 {
			continue
		}

		if relativeDelta(actual, expected) > 0.25 && relativeDelta(actual*10, expected) < 0.1 {
			result.Rows[absoluteIdx].Value = math.Round(expected*100) / 100
			corrected = append(corrected, diffName)
		}
	}
	return corrected
}

func relativeDelta(actual, expected float64) float64 {
	return math.Abs(actual-expected) / expected
}

// dedupeRows collapses repeated rows for the same test name, preferring the
// entry whose unit matches the name's expected unit when both are present.
func dedupeRows(rows []domain.ExtractedRow) []domain.ExtractedRow {
	byName := make(map[string][]int)
	for i, r := range rows {
		byName[strings.ToLower(r.Name)] = append(byName[strings.ToLower(r.Name)], i)
	}

	keep := make(map[int]bool)
	for name, idxs := range byName {
		if len(idxs) == 1 {
			keep[idxs[0]] = true
			continue
		}
		expected := terminology.InferUnitByName(name)
		chosen := idxs[0]
		for _, idx := range idxs {
			if expected != "" && rows[idx].Unit == expected {
				chosen = idx
				break
			}
		}
		keep[chosen] = true
	}

	out := make([]domain.ExtractedRow, 0, len(keep))
	for i, r := range rows {
		if keep[i] {
			out = append(out, r)
		}
	}
	return out
}

// deriveFlagsFromRange fills in a missing flag (H, L, or N when in range)
// by comparing the numeric value against a parsed "low-high" reference range.
func deriveFlagsFromRange(rows []domain.ExtractedRow) int {
	derived := 0
	for i := range rows {
		if rows[i].Flag != "" || rows[i].ReferenceRange == "" {
			continue
		}
		v, ok := asFloat(rows[i].Value)
		if !ok {
			continue
		}
		m := rangePattern.FindStringSubmatch(rows[i].ReferenceRange)
		if m == nil {
			continue
		}
		low, errLow := strconv.ParseFloat(m[1], 64)
		high, errHigh := strconv.ParseFloat(m[2], 64)
		if errLow != nil || errHigh != nil {
			continue
		}
		switch {
		case v < low:
			rows[i].Flag = "L"
		case v > high:
			rows[i].Flag = "H"
		default:
			rows[i].Flag = "N"
		}
		derived++
	}
	return derived
}

func asFloat(value any) (float64, bool) {
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
