// Package mock provides a test double for the tts package interfaces.
//
// Provider records every synthesis request and returns configurable audio.
// SynthesizeStream splits the configured audio into chunks of ChunkSize so
// tests can exercise incremental delivery and cancellation mid-stream.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/vocalis-ai/vocalis/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Audio is the byte buffer returned for every synthesis request. If nil, a
	// deterministic buffer derived from the text length is returned.
	Audio []byte

	// ChunkSize controls how SynthesizeStream splits Audio. Defaults to 4096.
	ChunkSize int

	// Err, if non-nil, is returned by Synthesize and SynthesizeStream.
	Err error

	// ErrAfter makes the first ErrAfter calls succeed and subsequent ones
	// return Err. Zero means Err (when set) applies from the first call.
	ErrAfter int

	// Delay is an optional per-chunk gate. When non-nil, the stream goroutine
	// receives from it before emitting each chunk, letting tests control pacing
	// and trigger cancellation between chunks.
	Delay chan struct{}

	// SynthesizeCalls records the text of every synthesis request in order,
	// across both Synthesize and SynthesizeStream.
	SynthesizeCalls []string

	calls int
}

// Calls returns a copy of all recorded synthesis texts. Thread-safe.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// Format reports a fixed linear16/24000 format.
func (p *Provider) Format() tts.Format {
	return tts.Format{Encoding: "linear16", SampleRate: 24000}
}

// Synthesize records the call and returns the configured audio buffer.
func (p *Provider) Synthesize(_ context.Context, text string) ([]byte, error) {
	audio, err := p.record(text)
	if err != nil {
		return nil, err
	}
	return audio, nil
}

// SynthesizeStream records the call and emits the configured audio in chunks.
func (p *Provider) SynthesizeStream(ctx context.Context, text string) (<-chan []byte, error) {
	audio, err := p.record(text)
	if err != nil {
		return nil, err
	}

	size := p.ChunkSize
	if size <= 0 {
		size = 4096
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		for off := 0; off < len(audio); off += size {
			end := off + size
			if end > len(audio) {
				end = len(audio)
			}
			if p.Delay != nil {
				select {
				case <-p.Delay:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- audio[off:end]:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (p *Provider) record(text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, tts.ErrEmptyText
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.SynthesizeCalls = append(p.SynthesizeCalls, text)
	if p.Err != nil && p.calls > p.ErrAfter {
		return nil, p.Err
	}
	if p.Audio != nil {
		return p.Audio, nil
	}
	// Deterministic stand-in audio proportional to the text length.
	return make([]byte, len(text)*32), nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
