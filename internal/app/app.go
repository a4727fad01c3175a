// Package app assembles the Vocalis server: HTTP routing, the WebSocket
// endpoint, session bookkeeping, and graceful shutdown.
//
// The app owns everything between "config and providers exist" and "clients
// are talking": it upgrades WebSocket connections, builds a per-connection
// conversation session, and serves the operational endpoints (/healthz,
// /readyz, /metrics) alongside.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/internal/generator"
	"github.com/vocalis-ai/vocalis/internal/health"
	"github.com/vocalis-ai/vocalis/internal/observe"
	"github.com/vocalis-ai/vocalis/internal/persona"
	"github.com/vocalis-ai/vocalis/internal/retry"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
	"github.com/vocalis-ai/vocalis/pkg/provider/tts"
)

// shutdownTimeout bounds how long Shutdown waits for in-flight requests and
// open sessions to drain.
const shutdownTimeout = 10 * time.Second

// Providers bundles the external AI services the server speaks to. All three
// are required.
type Providers struct {
	STT stt.Provider
	TTS tts.Provider
	LLM llm.Provider
}

// App is the assembled server. Create with New, start with Run.
type App struct {
	cfg       *config.Config
	providers Providers

	gen      *generator.Generator
	metrics  *observe.Metrics
	log      *slog.Logger
	sessions *sessionRegistry
	router   chi.Router

	srv      *http.Server
	stopOnce sync.Once
	stopErr  error
}

// Option customises an App, mostly so tests can inject doubles.
type Option func(*App)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithMetrics sets the metrics bundle. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New assembles the server from a validated config and a full provider set.
// It does not open any sockets; call Run to start serving.
func New(cfg *config.Config, providers Providers, opts ...Option) *App {
	a := &App{
		cfg:       cfg,
		providers: providers,
		sessions:  newSessionRegistry(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.gen = generator.New(providers.LLM, generator.Config{
		SystemPrompt: persona.Default().SystemPrompt(),
		Temperature:  cfg.LLM.Temperature,
		MaxTokens:    cfg.LLM.MaxTokens,
		Retry:        cfg.Retry.LLM.ToRetry("llm"),
	})
	a.router = a.routes()
	return a
}

// routes builds the HTTP router. The operational endpoints go through the
// request metrics middleware; the WebSocket endpoint does not, since a
// connection-lifetime histogram sample would only distort the latency data.
func (a *App) routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(observe.Middleware(a.metrics))
		health.New(a.readinessCheckers()...).Register(r)
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	})

	r.Get("/ws", a.handleWS)
	return r
}

func (a *App) readinessCheckers() []health.Checker {
	return []health.Checker{
		{Name: "providers", Check: func(context.Context) error {
			if a.providers.STT == nil || a.providers.TTS == nil || a.providers.LLM == nil {
				return errors.New("provider set incomplete")
			}
			return nil
		}},
	}
}

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler { return a.router }

// ActiveSessions reports the number of currently connected sessions.
func (a *App) ActiveSessions() int { return a.sessions.len() }

// Run serves until ctx is cancelled or the listener fails, then shuts down
// gracefully. The ctx also becomes the base context of every connection, so
// cancelling it unwinds all running sessions.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	a.srv = srv

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()
	a.log.Info("server listening",
		"addr", a.cfg.Server.ListenAddr,
		"tls", a.cfg.Server.TLS != nil,
		"llm_provider", a.cfg.LLM.Provider,
		"llm_model", a.cfg.LLM.Model,
		"stt_model", a.cfg.STT.Model,
		"tts_model", a.cfg.TTS.Model,
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
	case <-ctx.Done():
	}
	return a.Shutdown()
}

// Shutdown stops all active sessions and drains the HTTP server. Safe to call
// more than once; later calls return the first result.
func (a *App) Shutdown() error {
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "active_sessions", a.sessions.len())
		a.sessions.stopAll()

		if a.srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := a.srv.Shutdown(ctx); err != nil {
				a.stopErr = fmt.Errorf("app: shutdown: %w", err)
			}
		}
	})
	return a.stopErr
}

// sttStreamConfig derives the per-session STT stream settings from the server
// config. Interim results are always on; they drive the live transcript UI
// and barge-in detection.
func (a *App) sttStreamConfig() stt.StreamConfig {
	return stt.StreamConfig{
		SampleRate:     a.cfg.STT.SampleRate,
		Channels:       1,
		Language:       a.cfg.STT.Language,
		UtteranceEndMs: a.cfg.STT.UtteranceEndMs,
		InterimResults: true,
	}
}

func (a *App) ttsRetry() retry.Config {
	return a.cfg.Retry.TTS.ToRetry("tts")
}
