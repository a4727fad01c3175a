// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram) and
// exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw PCM audio chunks and emits
// a single ordered stream of Transcript values — low-latency partials for
// responsiveness and authoritative finals for the conversation history — plus
// a separate utterance-end signal fired when the provider detects a silence gap.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"

	"github.com/vocalis-ai/vocalis/pkg/types"
)

// ErrSessionClosed is returned by SessionHandle.SendAudio after the session has
// been closed or the underlying connection was lost.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition settings for a new
// STT session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Microphone capture typically
	// arrives at 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most STT
	// providers).
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en", "de-DE").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string

	// UtteranceEndMs is the silence gap, in milliseconds, after which the
	// provider reports an utterance end. Zero uses the provider default.
	UtteranceEndMs int

	// InterimResults requests low-latency partial transcripts in addition to
	// finals. Partials drive UI feedback and barge-in detection.
	InterimResults bool
}

// SessionHandle represents an open STT streaming session. It is an interface so
// that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk must match the SampleRate, Channels, and
	// bit-depth agreed in StreamConfig. Calling SendAudio after Close returns
	// ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Results returns a read-only channel that emits Transcript values in
	// arrival order — interim and final results interleaved as the provider
	// produces them. The channel is closed when the session ends.
	Results() <-chan types.Transcript

	// UtteranceEnds returns a read-only channel that receives one value each
	// time the provider detects that the speaker has stopped (silence gap).
	// The channel is closed when the session ends.
	UtteranceEnds() <-chan struct{}

	// Errors returns a read-only channel carrying terminal session errors, such
	// as an unexpected connection loss. After an error is delivered the session
	// is unusable and must be closed. The channel is closed when the session ends.
	Errors() <-chan error

	// Close terminates the session, flushes any pending audio, and releases all
	// associated resources. After Close returns, the Results, UtteranceEnds, and
	// Errors channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per connected conversation).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle is
	// ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled or past its deadline). The caller owns the SessionHandle and
	// must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
