// Package medgemma talks to an OpenAI-compatible multimodal chat/completions
// endpoint serving a vision-language model fine-tuned for clinical document
// understanding. It owns the wire format, retry/circuit-breaking policy, and
// the prompt library used by the ingestion pipeline.
package medgemma

import (
	"context"
	"strings"
	"time"

	"github.com/medevidence/ingest-service/internal/core/domain"
	"github.com/medevidence/ingest-service/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *httpDoer
	executor   *resilience.Executor
}

// Options configures a Client beyond the required connection parameters.
type Options struct {
	TimeoutSeconds int
	MaxTokens      int
	Executor       *resilience.Executor
}

func New(baseURL, apiKey, model string, opts Options) *Client {
	timeout := time.Duration(opts.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 500 * time.Second
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2500
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		maxTokens:  maxTokens,
		httpClient: newHTTPDoer(timeout),
		executor:   opts.Executor,
	}
}

// Complete implements ports.VisionLanguageModel.
func (c *Client) Complete(ctx context.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	payload := chatCompletionRequest{
		Model:       c.model,
		Messages:    toWireMessages(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
	}

	var resp chatCompletionResponse
	call := func(ctx context.Context) error {
		return c.postJSON(ctx, "/chat/completions", payload, &resp)
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "medgemma.chat_completions", call, classifyMedGemmaError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return domain.ChatResponse{}, wrapTemporaryIfNeeded("medgemma chat completions", err)
	}
	if len(resp.Choices) == 0 {
		return domain.ChatResponse{}, domain.WrapError(domain.ErrTemporary, "medgemma chat completions", errNoChoices)
	}

	return domain.ChatResponse{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

func toWireMessages(messages []domain.ChatMessage) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, wireMessage{Role: m.Role, Content: toWireContent(m.Content)})
	}
	return out
}

func toWireContent(parts []domain.ChatContentPart) []wireContentPart {
	out := make([]wireContentPart, 0, len(parts))
	for _, p := range parts {
		wp := wireContentPart{Type: p.Type, Text: p.Text}
		if p.ImageURL != nil {
			wp.ImageURL = &wireImageURL{URL: p.ImageURL.URL}
		}
		out = append(out, wp)
	}
	return out
}
