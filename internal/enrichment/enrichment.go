// Package enrichment is the auxiliary AI sink: an optional, strictly
// additive pass that asks an LLM to summarize a computed metrics.Comparison
// in plain language for an experiment owner. It never blocks or fails an
// experiment read — Sink.Summarize errors are logged and swallowed by
// callers, mirroring how internal/ingest treats a Redis counter failure.
package enrichment

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/exp-platform/core/internal/metrics"
)

// Sink produces a plain-language summary of a comparison result.
type Sink interface {
	Summarize(ctx context.Context, experimentKey string, cmp metrics.Comparison) (string, error)
}

// NoopSink never calls out, used when no API key is configured.
type NoopSink struct{}

func (NoopSink) Summarize(ctx context.Context, experimentKey string, cmp metrics.Comparison) (string, error) {
	return "", nil
}

// OpenAISink asks a chat model to summarize a comparison.
type OpenAISink struct {
	client *openai.Client
	model  string
}

// NewOpenAISink builds a Sink from an API key and model name (model "" uses
// gpt-4-turbo-preview, matching the rest of this pack's OpenAI wrappers).
func NewOpenAISink(apiKey, model string) *OpenAISink {
	if model == "" {
		model = "gpt-4-turbo-preview"
	}
	return &OpenAISink{client: openai.NewClient(apiKey), model: model}
}

func (s *OpenAISink) Summarize(ctx context.Context, experimentKey string, cmp metrics.Comparison) (string, error) {
	prompt := fmt.Sprintf(
		"Experiment %q: control rate %.4f, treatment rate %.4f, lift %.2f%%, p-value %.4f. "+
			"In one sentence, state whether this result is statistically significant and actionable.",
		experimentKey, cmp.ControlRate, cmp.TreatmentRate, cmp.LiftPct, cmp.PValue,
	)

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens: 200,
	})
	if err != nil {
		return "", fmt.Errorf("enrichment: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("enrichment: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

var (
	_ Sink = NoopSink{}
	_ Sink = (*OpenAISink)(nil)
)
