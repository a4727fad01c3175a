package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/vocalis-ai/vocalis/internal/memory"
)

// Per-provider defaults for the OpenAI-compatible and any-llm backends.
var (
	defaultModels = map[string]string{
		"grok":      "grok-3",
		"groq":      "llama-3.3-70b-versatile",
		"openai":    "gpt-4o",
		"anthropic": "claude-sonnet-4-20250514",
		"gemini":    "gemini-2.0-flash",
		"ollama":    "llama3.2",
		"deepseek":  "deepseek-chat",
		"mistral":   "mistral-large-latest",
	}

	defaultBaseURLs = map[string]string{
		"grok": "https://api.x.ai/v1",
		"groq": "https://api.groq.com/openai/v1",
	}

	// apiKeyEnvVars maps each provider to its conventional environment
	// variable, consulted when llm.api_key is not set in the file.
	apiKeyEnvVars = map[string]string{
		"grok":      "GROK_API_KEY",
		"groq":      "GROQ_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
		"gemini":    "GEMINI_API_KEY",
		"deepseek":  "DEEPSEEK_API_KEY",
		"mistral":   "MISTRAL_API_KEY",
	}
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. A missing file is not an error: the returned
// config then consists entirely of defaults and environment variables.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			ApplyDefaults(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with the server defaults. API keys left
// empty fall back to their conventional environment variables so a plain
// .env-driven deployment needs no config file at all.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.STT.APIKey == "" {
		cfg.STT.APIKey = os.Getenv("DEEPGRAM_API_KEY")
	}
	if cfg.STT.Model == "" {
		cfg.STT.Model = "nova-2"
	}
	if cfg.STT.Language == "" {
		cfg.STT.Language = "en"
	}
	if cfg.STT.SampleRate == 0 {
		cfg.STT.SampleRate = 16000
	}
	if cfg.STT.UtteranceEndMs == 0 {
		cfg.STT.UtteranceEndMs = 1000
	}

	if cfg.TTS.APIKey == "" {
		cfg.TTS.APIKey = os.Getenv("DEEPGRAM_API_KEY")
	}
	if cfg.TTS.Model == "" {
		cfg.TTS.Model = "aura-asteria-en"
	}
	if cfg.TTS.SampleRate == 0 {
		cfg.TTS.SampleRate = 24000
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "grok"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = defaultModels[cfg.LLM.Provider]
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = defaultBaseURLs[cfg.LLM.Provider]
	}
	if cfg.LLM.APIKey == "" {
		if envVar, ok := apiKeyEnvVars[cfg.LLM.Provider]; ok {
			cfg.LLM.APIKey = os.Getenv(envVar)
		}
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.7
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 300
	}

	if cfg.Memory.Mode == "" {
		cfg.Memory.Mode = string(memory.ModeSlidingWindow)
	}
	if cfg.Memory.MaxMessages == 0 {
		cfg.Memory.MaxMessages = 20
	}
	if cfg.Memory.SummarizeAfter == 0 {
		cfg.Memory.SummarizeAfter = 15
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.STT.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("stt.sample_rate %d must be positive", cfg.STT.SampleRate))
	}
	if cfg.STT.UtteranceEndMs < 0 {
		errs = append(errs, fmt.Errorf("stt.utterance_end_ms %d must not be negative", cfg.STT.UtteranceEndMs))
	}
	if cfg.STT.APIKey == "" {
		errs = append(errs, errors.New("stt.api_key is required (or set DEEPGRAM_API_KEY)"))
	}

	if cfg.TTS.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("tts.sample_rate %d must be positive", cfg.TTS.SampleRate))
	}
	if cfg.TTS.APIKey == "" {
		errs = append(errs, errors.New("tts.api_key is required (or set DEEPGRAM_API_KEY)"))
	}

	if !slices.Contains(ValidLLMProviders, cfg.LLM.Provider) {
		errs = append(errs, fmt.Errorf("llm.provider %q is unknown; valid values: %v", cfg.LLM.Provider, ValidLLMProviders))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}
	if cfg.LLM.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens %d must not be negative", cfg.LLM.MaxTokens))
	}
	// Ollama runs locally and needs no key; everyone else does.
	if cfg.LLM.APIKey == "" && cfg.LLM.Provider != "ollama" {
		envVar := apiKeyEnvVars[cfg.LLM.Provider]
		errs = append(errs, fmt.Errorf("llm.api_key is required for provider %q (or set %s)", cfg.LLM.Provider, envVar))
	}

	switch cfg.Memory.Mode {
	case string(memory.ModeSlidingWindow), string(memory.ModeSummarize):
	default:
		errs = append(errs, fmt.Errorf("memory.mode %q is invalid; valid values: sliding_window, summarize", cfg.Memory.Mode))
	}
	if cfg.Memory.MaxMessages <= 0 {
		errs = append(errs, fmt.Errorf("memory.max_messages %d must be positive", cfg.Memory.MaxMessages))
	}
	if cfg.Memory.SummarizeAfter <= 0 {
		errs = append(errs, fmt.Errorf("memory.summarize_after %d must be positive", cfg.Memory.SummarizeAfter))
	}

	for _, rc := range []struct {
		name string
		cfg  RetryConfig
	}{{"retry.llm", cfg.Retry.LLM}, {"retry.tts", cfg.Retry.TTS}} {
		if rc.cfg.MaxAttempts < 0 {
			errs = append(errs, fmt.Errorf("%s.max_attempts %d must not be negative", rc.name, rc.cfg.MaxAttempts))
		}
		if rc.cfg.Multiplier != 0 && rc.cfg.Multiplier < 1 {
			errs = append(errs, fmt.Errorf("%s.multiplier %.2f must be at least 1", rc.name, rc.cfg.Multiplier))
		}
		if rc.cfg.Jitter < 0 || rc.cfg.Jitter >= 1 {
			errs = append(errs, fmt.Errorf("%s.jitter %.2f is out of range [0, 1)", rc.name, rc.cfg.Jitter))
		}
		if rc.cfg.MaxDelayMs != 0 && rc.cfg.MaxDelayMs < rc.cfg.InitialDelayMs {
			errs = append(errs, fmt.Errorf("%s.max_delay_ms %d is smaller than initial_delay_ms %d", rc.name, rc.cfg.MaxDelayMs, rc.cfg.InitialDelayMs))
		}
	}

	return errors.Join(errs...)
}
