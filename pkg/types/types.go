// Package types defines the shared types used across all Vocalis packages.
//
// These types form the lingua franca between providers, the orchestrator, and
// the memory layer. They are intentionally minimal — each package defines its
// own domain types, but cross-cutting data structures live here to avoid
// circular imports.
package types

import "time"

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// SpeechFinal indicates the provider has additionally detected the end of
	// the speaker's turn. A final transcript with SpeechFinal set acts as an
	// utterance-end signal; providers that cannot detect turn ends leave it false.
	SpeechFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single immutable entry in a conversation history.
// Messages are appended in conversation order and never mutated after creation.
type Message struct {
	// Role is the message author: system, user, or assistant.
	Role Role

	// Content is the text content of the message.
	Content string

	// Timestamp records when the message was added to the conversation.
	Timestamp time.Time
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one
	// completion.
	MaxOutputTokens int

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}
