// Package parsing turns a raw vision-language model reply into a
// structured domain.ExtractionResult. Models reliably wrap their answer in
// "thinking" tokens and markdown fences, and alternate between emitting a
// JSON object and a tab-separated table depending on prompt adherence; this
// package absorbs all three shapes behind one Parse call.
package parsing

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/medevidence/ingest-service/internal/core/domain"
	"github.com/medevidence/ingest-service/internal/terminology"
)

var thinkingTokenPattern = regexp.MustCompile(`(?s)<unused94>.*?<unused95>`)
var codeFencePattern = regexp.MustCompile("(?s)```(?:json|tsv)?\\s*(.*?)\\s*```")

// CleanResponse strips the model's internal reasoning trace and any
// markdown code-fence decoration, leaving the content the model intended
// as its final answer.
func CleanResponse(raw string) string {
	cleaned := thinkingTokenPattern.ReplaceAllString(raw, "")
	cleaned = strings.TrimSpace(cleaned)
	if m := codeFencePattern.FindStringSubmatch(cleaned); m != nil {
		cleaned = strings.TrimSpace(m[1])
	}
	return cleaned
}

var metadataLinePattern = regexp.MustCompile(`^\s*(PATIENT_NAME|SAMPLE_ID|REPORT_DATE|MODALITY)\s*:\s*(.*)$`)

var labTableHeaders = map[string]bool{
	"test name": true, "result": true, "unit": true, "reference range": true, "flag": true,
}

var medsTableHeaders = map[string]bool{
	"medication name": true, "dosage": true, "frequency": true, "timing": true, "duration": true,
}

// Parse converts a cleaned model reply into an ExtractionResult for the
// given modality. It tries a JSON object first, then a tab-separated table
// with metadata header lines, and finally falls back to treating the whole
// reply as free-text findings so nothing is silently dropped.
func Parse(modality domain.Modality, cleaned string) (domain.ExtractionResult, string) {
	if candidate := terminology.ExtractJSONCandidate(cleaned); looksLikeJSONObject(candidate) {
		if result, ok := parseJSONExtraction(modality, candidate); ok {
			return result, "json"
		}
	}
	if result, ok := parseTSVExtraction(modality, cleaned); ok {
		return result, "tsv"
	}
	return domain.ExtractionResult{
		Modality: modality,
		Findings: strings.TrimSpace(cleaned),
	}, "raw"
}

func looksLikeJSONObject(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

type jsonExtractionPayload struct {
	PatientName string `json:"patient_name"`
	Identifier  string `json:"identifier"`
	Gender      string `json:"gender"`
	BirthDate   string `json:"birth_date"`
	SampleID    string `json:"sample_id"`
	ReportDate  string `json:"report_date"`
	Findings    string `json:"findings"`
	Rows        []struct {
		Name           string `json:"name"`
		Value          any    `json:"value"`
		Unit           string `json:"unit"`
		Flag           string `json:"flag"`
		ReferenceRange string `json:"reference_range"`
		Dosage         string `json:"dosage"`
		Frequency      string `json:"frequency"`
		Timing         string `json:"timing"`
		Duration       string `json:"duration"`
	} `json:"rows"`
}

func parseJSONExtraction(modality domain.Modality, candidate string) (domain.ExtractionResult, bool) {
	var payload jsonExtractionPayload
	if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
		return domain.ExtractionResult{}, false
	}

	rows := make([]domain.ExtractedRow, 0, len(payload.Rows))
	for _, r := range payload.Rows {
		rows = append(rows, domain.ExtractedRow{
			Name:           r.Name,
			Value:          r.Value,
			Unit:           r.Unit,
			Flag:           r.Flag,
			ReferenceRange: r.ReferenceRange,
			Dosage:         r.Dosage,
			Frequency:      r.Frequency,
			Timing:         r.Timing,
			Duration:       r.Duration,
		})
	}

	return domain.ExtractionResult{
		Patient: domain.ExtractedPatient{
			Name:       payload.PatientName,
			Identifier: payload.Identifier,
			Gender:     payload.Gender,
			BirthDate:  payload.BirthDate,
		},
		SampleID:   payload.SampleID,
		ReportDate: payload.ReportDate,
		Modality:   modality,
		Rows:       rows,
		Findings:   payload.Findings,
	}, true
}

func parseTSVExtraction(modality domain.Modality, text string) (domain.ExtractionResult, bool) {
	lines := strings.Split(text, "\n")
	result := domain.ExtractionResult{Modality: modality}

	var findingsLines []string
	inFindings := false
	var headerCols []string
	matchedAnyRow := false

	for _, rawLine := range lines {
		line := strings.TrimRight(rawLine, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if m := metadataLinePattern.FindStringSubmatch(trimmed); m != nil {
			switch m[1] {
			case "PATIENT_NAME":
				result.Patient.Name = strings.TrimSpace(m[2])
			case "SAMPLE_ID":
				result.SampleID = strings.TrimSpace(m[2])
			case "REPORT_DATE":
				result.ReportDate = terminology.NormalizeDate(strings.TrimSpace(m[2]))
			}
			inFindings = false
			continue
		}

		if strings.EqualFold(trimmed, "FINDINGS:") || strings.HasPrefix(strings.ToUpper(trimmed), "FINDINGS:") {
			inFindings = true
			rest := strings.TrimSpace(trimmed[len("FINDINGS:"):])
			if rest != "" {
				findingsLines = append(findingsLines, rest)
			}
			continue
		}
		if inFindings {
			findingsLines = append(findingsLines, trimmed)
			continue
		}

		cols := splitColumns(trimmed)
		if headerCols == nil && isHeaderRow(cols) {
			headerCols = normalizeHeader(cols)
			continue
		}
		if headerCols == nil {
			continue
		}

		row, ok := rowFromColumns(headerCols, cols)
		if !ok {
			continue
		}
		matchedAnyRow = true
		result.Rows = append(result.Rows, row)
	}

	result.Findings = strings.TrimSpace(strings.Join(findingsLines, "\n"))

	if !matchedAnyRow && result.Findings == "" {
		return domain.ExtractionResult{}, false
	}
	return result, true
}

func splitColumns(line string) []string {
	if strings.Contains(line, "\t") {
		return splitAndTrim(line, "\t")
	}
	if strings.Contains(line, "|") {
		return splitAndTrim(line, "|")
	}
	return regexp.MustCompile(`\s{2,}`).Split(strings.TrimSpace(line), -1)
}

func splitAndTrim(line, sep string) []string {
	parts := strings.Split(line, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func normalizeHeader(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = strings.ToLower(strings.TrimSpace(c))
	}
	return out
}

func isHeaderRow(cols []string) bool {
	if len(cols) == 0 {
		return false
	}
	normalized := normalizeHeader(cols)
	hits := 0
	for _, c := range normalized {
		if labTableHeaders[c] || medsTableHeaders[c] {
			hits++
		}
	}
	return hits >= 2
}

func rowFromColumns(header, cols []string) (domain.ExtractedRow, bool) {
	if len(cols) == 0 || strings.TrimSpace(cols[0]) == "" {
		return domain.ExtractedRow{}, false
	}
	row := domain.ExtractedRow{Name: terminology.NormalizeName(cols[0])}
	for i := 1; i < len(header) && i < len(cols); i++ {
		value := strings.TrimSpace(cols[i])
		switch header[i] {
		case "result":
			row.Value = terminology.ToNumber(value)
		case "unit":
			row.Unit = terminology.NormalizeUnit(value)
		case "reference range":
			row.ReferenceRange = value
		case "flag":
			row.Flag = strings.ToUpper(value)
		case "dosage":
			row.Dosage = value
		case "frequency":
			row.Frequency = value
		case "timing":
			row.Timing = value
		case "duration":
			row.Duration = value
		}
	}
	return row, true
}
