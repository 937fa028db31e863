package medgemma

import "github.com/medevidence/ingest-service/internal/core/domain"

const classificationSystemPrompt = `You are a clinical document triage assistant.
Classify the attached image into exactly one modality: LAB, RADIOLOGY, PRESCRIPTION, or VITALS.
Respond with strict JSON: {"modality": "<LAB|RADIOLOGY|PRESCRIPTION|VITALS>", "confidence": <0..1>}.
No markdown, no extra keys, no commentary.`

const labExtractionSystemPrompt = `You are a clinical lab report transcriber.
Transcribe every row of the attached complete blood count report exactly as printed.
Output one row per line as PATIENT_NAME, SAMPLE_ID, REPORT_DATE metadata lines followed by
a tab-separated table with columns: Test Name, Result, Unit, Reference Range, Flag.
Do not compute, round, or reinterpret any value. Do not omit rows that look abnormal.
If a value is illegible, write ILLEGIBLE in that cell rather than guessing.`

const radiologyExtractionSystemPrompt = `You are a radiology report transcriber.
Extract PATIENT_NAME, SAMPLE_ID, REPORT_DATE, and MODALITY metadata lines,
then transcribe the full Findings and Impression narrative verbatim under a FINDINGS: line.
Do not summarize or shorten the narrative.`

const prescriptionExtractionSystemPrompt = `You are a prescription transcriber.
Extract PATIENT_NAME, SAMPLE_ID, REPORT_DATE metadata lines, then a tab-separated table with
columns: Medication Name, Dosage, Frequency, Timing, Duration for every prescribed item.
Transcribe drug names and dosages exactly as printed, including abbreviations.`

const vitalsExtractionSystemPrompt = `You are a vitals chart transcriber.
Extract PATIENT_NAME, SAMPLE_ID, REPORT_DATE metadata lines, then a tab-separated table with
columns: Test Name, Result, Unit, Reference Range, Flag for every vital sign recorded
(blood pressure, heart rate, temperature, respiratory rate, SpO2, weight, height).`

const summarySystemPrompt = `You are a clinical assistant summarizing a structured FHIR bundle for a
treating physician. Write a concise plain-language summary of the observations and any values
outside their reference range. Do not invent findings that are not present in the bundle.`

// BuildClassificationRequest asks the model to pick a modality from one or
// more pages of the same document (1-8 images).
func BuildClassificationRequest(imageDataURIs []string) domain.ChatRequest {
	userParts := make([]domain.ChatContentPart, 0, len(imageDataURIs))
	for _, uri := range imageDataURIs {
		userParts = append(userParts, domain.ImageMessage("user", uri))
	}
	return domain.ChatRequest{
		Temperature: 0,
		Messages: []domain.ChatMessage{
			domain.TextMessage("system", classificationSystemPrompt),
			{Role: "user", Content: userParts},
		},
	}
}

// BuildExtractionRequest asks the model to transcribe one or more pages
// (1-8 images) of the same document for the given modality. sendImage
// controls whether images are attached at all. Repair attempts do not go
// through this builder: they use BuildRepairRequest, which attaches no
// images and relies on the text-based repair prompt.
func BuildExtractionRequest(modality domain.Modality, imageDataURIs []string, sendImage bool) domain.ChatRequest {
	system := systemPromptForModality(modality)
	userParts := []domain.ChatContentPart{{Type: "text", Text: "Transcribe this document."}}
	if sendImage {
		for _, uri := range imageDataURIs {
			if uri == "" {
				continue
			}
			userParts = append(userParts, domain.ImageMessage("user", uri))
		}
	}
	return domain.ChatRequest{
		Temperature: 0,
		Messages: []domain.ChatMessage{
			domain.TextMessage("system", system),
			{Role: "user", Content: userParts},
		},
	}
}

// BuildRepairRequest re-asks the model to fix its own prior transcription
// against a concrete validation complaint, without re-attaching the image
// (images are sent at most PipelineImageRetryLimit times).
func BuildRepairRequest(modality domain.Modality, priorResponse, complaint string) domain.ChatRequest {
	system := systemPromptForModality(modality)
	repairInstruction := "Your previous transcription below failed validation:\n" +
		complaint + "\n\nPrevious transcription:\n" + priorResponse +
		"\n\nRe-transcribe the document, fixing only the reported problem. Keep the same output format."
	return domain.ChatRequest{
		Temperature: 0,
		Messages: []domain.ChatMessage{
			domain.TextMessage("system", system),
			domain.TextMessage("user", repairInstruction),
		},
	}
}

// BuildSummaryRequest asks the model for a plain-language summary of an
// already-assembled FHIR bundle.
func BuildSummaryRequest(bundleJSON string) domain.ChatRequest {
	return domain.ChatRequest{
		Temperature: 0,
		Messages: []domain.ChatMessage{
			domain.TextMessage("system", summarySystemPrompt),
			domain.TextMessage("user", "FHIR bundle:\n"+bundleJSON),
		},
	}
}

func systemPromptForModality(modality domain.Modality) string {
	switch modality {
	case domain.ModalityRadiology:
		return radiologyExtractionSystemPrompt
	case domain.ModalityPrescription:
		return prescriptionExtractionSystemPrompt
	case domain.ModalityVitals:
		return vitalsExtractionSystemPrompt
	default:
		return labExtractionSystemPrompt
	}
}
