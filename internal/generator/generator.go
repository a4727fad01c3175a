// Package generator produces assistant responses on top of an LLM provider.
//
// A [Generator] binds a persona, sampling parameters, and a retry policy to an
// [llm.Provider]. It streams response tokens for the turn pipeline, produces
// full completions for non-interactive callers, and implements
// [memory.Summarizer] so conversation compaction reuses the same provider.
package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/vocalis-ai/vocalis/internal/retry"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

// summarizePrompt instructs the model when compacting conversation history.
const summarizePrompt = `Summarise the following conversation between a user and a voice assistant.
Preserve: topics discussed, questions asked, answers given, user preferences revealed,
and any commitments or follow-ups mentioned. Be concise.`

const (
	summarizeTemperature = 0.3
	summarizeMaxTokens   = 200
)

// Config holds the Generator's sampling and retry settings.
type Config struct {
	// SystemPrompt is sent with every completion request. Typically rendered
	// from a persona.
	SystemPrompt string

	// Temperature is the sampling temperature for conversational responses.
	Temperature float64

	// MaxTokens caps response length. Zero means provider default.
	MaxTokens int

	// Retry governs backoff for starting completions. Zero-value fields use the
	// retry package defaults.
	Retry retry.Config
}

// Generator turns conversation history into assistant responses.
type Generator struct {
	provider llm.Provider
	cfg      Config
}

// New creates a Generator over the given provider.
func New(provider llm.Provider, cfg Config) *Generator {
	if cfg.Retry.Name == "" {
		cfg.Retry.Name = "llm"
	}
	return &Generator{provider: provider, cfg: cfg}
}

// Stream starts a streaming completion for the given history and returns the
// provider's chunk channel. Failures to start the stream are retried per the
// configured policy; mid-stream failures arrive as a chunk with FinishReason
// "error" and are not retried, since partial output may already have been
// spoken.
func (g *Generator) Stream(ctx context.Context, history []types.Message) (<-chan llm.Chunk, error) {
	req := llm.CompletionRequest{
		Messages:     history,
		SystemPrompt: g.cfg.SystemPrompt,
		Temperature:  g.cfg.Temperature,
		MaxTokens:    g.cfg.MaxTokens,
	}

	ch, err := retry.Do(ctx, g.cfg.Retry, func(ctx context.Context) (<-chan llm.Chunk, error) {
		return g.provider.StreamCompletion(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("generator: stream: %w", err)
	}
	return ch, nil
}

// Generate returns the complete response text for the given history.
func (g *Generator) Generate(ctx context.Context, history []types.Message) (string, error) {
	req := llm.CompletionRequest{
		Messages:     history,
		SystemPrompt: g.cfg.SystemPrompt,
		Temperature:  g.cfg.Temperature,
		MaxTokens:    g.cfg.MaxTokens,
	}

	resp, err := retry.Do(ctx, g.cfg.Retry, func(ctx context.Context) (*llm.CompletionResponse, error) {
		return g.provider.Complete(ctx, req)
	})
	if err != nil {
		return "", fmt.Errorf("generator: complete: %w", err)
	}
	return resp.Content, nil
}

// Summarize implements memory.Summarizer. The conversation segment is rendered
// as a plain transcript and condensed with low temperature and a tight token
// budget, since the summary is carried in every subsequent prompt.
func (g *Generator) Summarize(ctx context.Context, messages []types.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, m.Content)
	}

	req := llm.CompletionRequest{
		SystemPrompt: summarizePrompt,
		Messages: []types.Message{
			{Role: types.RoleUser, Content: sb.String()},
		},
		Temperature: summarizeTemperature,
		MaxTokens:   summarizeMaxTokens,
	}

	resp, err := retry.Do(ctx, g.cfg.Retry, func(ctx context.Context) (*llm.CompletionResponse, error) {
		return g.provider.Complete(ctx, req)
	})
	if err != nil {
		return "", fmt.Errorf("generator: summarize: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
