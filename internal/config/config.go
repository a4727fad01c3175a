// Package config provides the configuration schema, loader, and file watcher
// for the Vocalis voice agent server.
package config

import (
	"time"

	"github.com/vocalis-ai/vocalis/internal/memory"
	"github.com/vocalis-ai/vocalis/internal/retry"
)

// LogLevel controls log verbosity for the Vocalis server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ValidLLMProviders lists the LLM provider names the server can construct.
// "openai", "grok", and "groq" share the OpenAI-compatible client with
// different base URLs; the rest go through the any-llm backend.
var ValidLLMProviders = []string{
	"openai", "grok", "groq", "anthropic", "gemini", "ollama", "deepseek", "mistral",
}

// Config is the root configuration structure for Vocalis.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig  `yaml:"server"`
	STT    STTConfig     `yaml:"stt"`
	TTS    TTSConfig     `yaml:"tts"`
	LLM    LLMConfig     `yaml:"llm"`
	Memory MemoryConfig  `yaml:"memory"`
	Retry  RetryProfiles `yaml:"retry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// STTConfig configures the Deepgram speech-to-text stream.
type STTConfig struct {
	// APIKey authenticates against the STT service. Empty falls back to the
	// DEEPGRAM_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// Model is the recognition model (e.g., "nova-2").
	Model string `yaml:"model"`

	// Language is the BCP-47 recognition language tag.
	Language string `yaml:"language"`

	// SampleRate is the microphone sample rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// UtteranceEndMs is the silence gap, in milliseconds, that closes an
	// utterance.
	UtteranceEndMs int `yaml:"utterance_end_ms"`
}

// TTSConfig configures the Deepgram speech synthesis endpoint.
type TTSConfig struct {
	// APIKey authenticates against the TTS service. Empty falls back to the
	// DEEPGRAM_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// Model is the synthesis voice model (e.g., "aura-asteria-en").
	Model string `yaml:"model"`

	// SampleRate is the output sample rate in Hz.
	SampleRate int `yaml:"sample_rate"`
}

// LLMConfig selects and tunes the response model.
type LLMConfig struct {
	// Provider selects the backend; see [ValidLLMProviders].
	Provider string `yaml:"provider"`

	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	// APIKey authenticates against the provider. Empty falls back to the
	// provider's conventional environment variable (e.g., GROK_API_KEY).
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Temperature is the sampling temperature for responses.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps response length. Voice responses are kept short.
	MaxTokens int `yaml:"max_tokens"`
}

// MemoryConfig bounds the per-session conversation history.
type MemoryConfig struct {
	// Mode is "sliding_window" or "summarize".
	Mode string `yaml:"mode"`

	// MaxMessages is the sliding window capacity.
	MaxMessages int `yaml:"max_messages"`

	// SummarizeAfter is the history length that triggers summarisation.
	SummarizeAfter int `yaml:"summarize_after"`
}

// RetryProfiles holds the per-service retry policies.
type RetryProfiles struct {
	LLM RetryConfig `yaml:"llm"`
	TTS RetryConfig `yaml:"tts"`
}

// RetryConfig is the YAML shape of one retry policy. Delays are in
// milliseconds.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialDelayMs int     `yaml:"initial_delay_ms"`
	MaxDelayMs     int     `yaml:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
	Jitter         float64 `yaml:"jitter"`
}

// ToRetry converts the YAML shape into the executor's config. Zero-value
// fields keep the executor defaults.
func (r RetryConfig) ToRetry(name string) retry.Config {
	return retry.Config{
		Name:         name,
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: time.Duration(r.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(r.MaxDelayMs) * time.Millisecond,
		Multiplier:   r.Multiplier,
		Jitter:       r.Jitter,
	}
}

// MemoryMode converts the YAML mode string into the memory package's type.
func (m MemoryConfig) MemoryMode() memory.Mode {
	if m.Mode == string(memory.ModeSummarize) {
		return memory.ModeSummarize
	}
	return memory.ModeSlidingWindow
}
