// Command vocalis is the entry point for the Vocalis voice agent server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/vocalis-ai/vocalis/internal/app"
	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/internal/observe"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm/anyllm"
	openaillm "github.com/vocalis-ai/vocalis/pkg/provider/llm/openai"
	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
	sttdeepgram "github.com/vocalis-ai/vocalis/pkg/provider/stt/deepgram"
	"github.com/vocalis-ai/vocalis/pkg/provider/tts"
	ttsdeepgram "github.com/vocalis-ai/vocalis/pkg/provider/tts/deepgram"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// API keys usually live in a .env file next to the binary during
	// development. A missing file is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vocalis: %v\n", err)
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("vocalis starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// Hot-reload the log level on config file changes. Everything else needs a
	// restart; say so instead of silently ignoring the edit.
	if _, statErr := os.Stat(*configPath); statErr == nil {
		watcher, err := config.NewWatcher(*configPath, func(old, updated *config.Config) {
			d := config.Diff(old, updated)
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level updated", "level", d.NewLogLevel)
			}
			if d.LLMChanged || d.STTChanged || d.TTSChanged || d.MemoryChanged || d.RetryChanged {
				slog.Warn("config changed in sections that require a restart")
			}
		})
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		defer watcher.Stop()
	}

	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "vocalis",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	application := app.New(cfg, providers, app.WithLogger(logger))

	slog.Info("server ready — press Ctrl+C to shut down")
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildProviders instantiates the STT, TTS, and LLM providers named in cfg.
func buildProviders(cfg *config.Config) (app.Providers, error) {
	sttP, err := buildSTT(cfg.STT)
	if err != nil {
		return app.Providers{}, fmt.Errorf("create stt provider: %w", err)
	}
	slog.Info("provider created", "kind", "stt", "name", "deepgram", "model", cfg.STT.Model)

	ttsP, err := buildTTS(cfg.TTS)
	if err != nil {
		return app.Providers{}, fmt.Errorf("create tts provider: %w", err)
	}
	slog.Info("provider created", "kind", "tts", "name", "deepgram", "model", cfg.TTS.Model)

	llmP, err := buildLLM(cfg.LLM)
	if err != nil {
		return app.Providers{}, fmt.Errorf("create llm provider %q: %w", cfg.LLM.Provider, err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.LLM.Provider, "model", cfg.LLM.Model)

	return app.Providers{STT: sttP, TTS: ttsP, LLM: llmP}, nil
}

func buildSTT(cfg config.STTConfig) (stt.Provider, error) {
	return sttdeepgram.New(cfg.APIKey,
		sttdeepgram.WithModel(cfg.Model),
		sttdeepgram.WithLanguage(cfg.Language),
		sttdeepgram.WithSampleRate(cfg.SampleRate),
	)
}

func buildTTS(cfg config.TTSConfig) (tts.Provider, error) {
	return ttsdeepgram.New(cfg.APIKey,
		ttsdeepgram.WithModel(cfg.Model),
		ttsdeepgram.WithSampleRate(cfg.SampleRate),
	)
}

// buildLLM selects the backend for the configured provider. Grok and Groq
// expose OpenAI-compatible APIs, so they share the native OpenAI client with a
// custom base URL; the remaining providers go through any-llm.
func buildLLM(cfg config.LLMConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case "openai", "grok", "groq":
		var opts []openaillm.Option
		if cfg.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(cfg.BaseURL))
		}
		return openaillm.New(cfg.APIKey, cfg.Model, opts...)
	default:
		var opts []anyllmlib.Option
		if cfg.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
		}
		return anyllm.New(cfg.Provider, cfg.Model, opts...)
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
