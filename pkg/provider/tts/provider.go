// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., Deepgram Aura) and
// presents a uniform interface. Synthesize returns the full audio buffer for a
// text segment; SynthesizeStream emits audio chunks as they become available,
// lowering the time to first audio when the caller can start playback before
// synthesis completes.
//
// Implementations must be safe for concurrent use; multiple synthesis requests
// may run in parallel (one per active conversation turn).
package tts

import (
	"context"
	"errors"
)

// ErrEmptyText is returned when the text to synthesise is empty or contains
// only whitespace. Synthesising silence is always a caller bug.
var ErrEmptyText = errors.New("tts: text must not be empty")

// Format describes the audio produced by a provider.
type Format struct {
	// Encoding is the audio encoding identifier (e.g., "linear16").
	Encoding string

	// SampleRate is the output sample rate in Hz.
	SampleRate int
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text into a complete audio buffer. It blocks until
	// the full audio is available or ctx is cancelled.
	//
	// Returns ErrEmptyText if text is empty or whitespace-only.
	Synthesize(ctx context.Context, text string) ([]byte, error)

	// SynthesizeStream converts text into audio delivered incrementally. The
	// returned channel emits raw audio chunks as the provider produces them and
	// is closed when synthesis completes, fails mid-stream, or ctx is
	// cancelled. Callers must drain the channel to avoid blocking the
	// provider's internal goroutine.
	//
	// Returns a non-nil error only if the stream cannot be started;
	// ErrEmptyText for empty or whitespace-only text.
	SynthesizeStream(ctx context.Context, text string) (<-chan []byte, error)

	// Format reports the encoding and sample rate of the audio this provider
	// produces. The result is constant for the lifetime of the Provider.
	Format() Format
}
