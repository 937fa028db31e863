package httpadapter

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/ledongthuc/pdf"
)

// validateIntake sniffs the uploaded evidence file and rejects anything that
// is not a well-formed image or PDF before it ever reaches storage or the
// model, so a corrupt upload fails fast with a 400 instead of burning a
// pipeline attempt.
func validateIntake(data []byte) (mimeType string, err error) {
	if len(data) == 0 {
		return "", fmt.Errorf("uploaded file is empty")
	}

	detected := http.DetectContentType(data)
	switch {
	case detected == "application/pdf":
		if err := validatePDFStructure(data); err != nil {
			return "", fmt.Errorf("uploaded pdf is not well-formed: %w", err)
		}
		return "application/pdf", nil
	case detected == "image/png" || detected == "image/jpeg" || detected == "image/webp":
		return detected, nil
	default:
		return "", fmt.Errorf("unsupported file type %q: only PNG, JPEG, WEBP, and PDF evidence is accepted", detected)
	}
}

// validatePDFStructure opens the document far enough to confirm its xref
// table and page tree parse, without materializing any page's text or
// images; a malformed PDF will fail here rather than mid-extraction.
func validatePDFStructure(data []byte) error {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}
	if reader.NumPage() < 1 {
		return fmt.Errorf("pdf has no pages")
	}
	return nil
}
