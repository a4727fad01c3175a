// Package mock provides a test double for the llm package interfaces.
//
// Provider streams a configurable sequence of chunks and records every request
// it receives, so tests can drive token-by-token generation, mid-stream
// failures, and cancellation.
package mock

import (
	"context"
	"sync"

	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks is the sequence emitted by StreamCompletion. If the last chunk has
	// no FinishReason, a final {FinishReason: "stop"} chunk is appended.
	Chunks []llm.Chunk

	// Response is returned by Complete. If nil, Complete concatenates the Text
	// of Chunks into a CompletionResponse.
	Response *llm.CompletionResponse

	// StreamErr, if non-nil, is returned by StreamCompletion before any chunk
	// is emitted.
	StreamErr error

	// CompleteErr, if non-nil, is returned by Complete.
	CompleteErr error

	// FailAfterCalls makes the first FailAfterCalls stream/complete calls fail
	// with StreamErr/CompleteErr, then succeed. Zero disables this behaviour
	// (errors, when set, always apply).
	FailAfterCalls int

	// Gate, when non-nil, is received from before each chunk is emitted. Tests
	// use it to pause generation mid-stream and trigger barge-in at a precise
	// point.
	Gate chan struct{}

	// StreamCalls records every request passed to StreamCompletion.
	StreamCalls []llm.CompletionRequest

	// CompleteCalls records every request passed to Complete.
	CompleteCalls []llm.CompletionRequest

	streamCount   int
	completeCount int
}

// StreamRequests returns a copy of all recorded StreamCompletion requests.
func (p *Provider) StreamRequests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.CompletionRequest, len(p.StreamCalls))
	copy(out, p.StreamCalls)
	return out
}

// CompleteRequests returns a copy of all recorded Complete requests.
func (p *Provider) CompleteRequests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.CompletionRequest, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.streamCount++
	count := p.streamCount
	p.StreamCalls = append(p.StreamCalls, req)
	chunks := make([]llm.Chunk, len(p.Chunks))
	copy(chunks, p.Chunks)
	p.mu.Unlock()

	if p.StreamErr != nil && count <= p.failThreshold() {
		return nil, p.StreamErr
	}

	if n := len(chunks); n == 0 || chunks[n-1].FinishReason == "" {
		chunks = append(chunks, llm.Chunk{FinishReason: "stop"})
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if p.Gate != nil {
				select {
				case <-p.Gate:
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.completeCount++
	count := p.completeCount
	p.CompleteCalls = append(p.CompleteCalls, req)
	p.mu.Unlock()

	if p.CompleteErr != nil && count <= p.failThreshold() {
		return nil, p.CompleteErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Response != nil {
		return p.Response, nil
	}

	var text string
	for _, c := range p.Chunks {
		text += c.Text
	}
	return &llm.CompletionResponse{Content: text}, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return types.ModelCapabilities{
		SupportsStreaming: true,
		ContextWindow:     128_000,
		MaxOutputTokens:   4_096,
	}
}

// failThreshold returns the number of initial calls that should fail. When
// FailAfterCalls is zero, a configured error applies to every call.
func (p *Provider) failThreshold() int {
	if p.FailAfterCalls > 0 {
		return p.FailAfterCalls
	}
	return int(^uint(0) >> 1)
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
