// Package orchestrator runs the per-connection conversation loop.
//
// A [Session] owns one client's voice conversation: it feeds microphone audio
// into an STT session, collects final transcripts into an utterance, and on
// utterance end drives one turn through the pipeline — LLM token stream,
// sentence segmentation, incremental synthesis, chunked audio delivery. At
// most one turn is in flight; a non-empty transcript arriving while a turn
// runs is a barge-in that cancels it.
//
// All state transitions happen on the single event-loop goroutine inside
// [Session.Run]. PushAudio and Control may be called from other goroutines.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/vocalis-ai/vocalis/internal/generator"
	"github.com/vocalis-ai/vocalis/internal/latency"
	"github.com/vocalis-ai/vocalis/internal/memory"
	"github.com/vocalis-ai/vocalis/internal/observe"
	"github.com/vocalis-ai/vocalis/internal/retry"
	"github.com/vocalis-ai/vocalis/internal/transport"
	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
	"github.com/vocalis-ai/vocalis/pkg/provider/tts"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

// audioChunkSize is the size of the binary frames sent to the client.
const audioChunkSize = 4096

// User-facing texts for the pipeline failure path. The error message is shown,
// the apology is spoken.
const (
	errorNotice     = "Sorry, something went wrong. Please try again."
	fallbackApology = "I'm sorry, I had trouble processing that. Could you try again?"
	sttErrorNotice  = "Speech recognition error. Reconnecting..."
)

// State is the session's position in the conversation cycle.
type State int32

const (
	// StateListening: no turn in flight, audio streams to STT.
	StateListening State = iota

	// StateProcessing: a turn is in flight, no audio has been played yet.
	StateProcessing

	// StateSpeaking: response audio is streaming to the client.
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	}
	return "unknown"
}

// Sender is the outbound half of the client connection. Implemented by
// [transport.Conn]; tests substitute a recording fake.
type Sender interface {
	SendTranscript(text string, isFinal bool) error
	SendThinking() error
	SendSpeaking() error
	SendAudioStart(sampleRate int, encoding string) error
	SendAudio(chunk []byte) error
	SendAudioEnd() error
	SendAudioInterrupted() error
	SendResponse(text string) error
	SendError(message string) error
}

var _ Sender = (*transport.Conn)(nil)

// Config holds the per-session settings.
type Config struct {
	// ID is the session identifier used in logs and the connected greeting.
	ID string

	// STT is the audio format and recognition configuration for the STT stream.
	STT stt.StreamConfig

	// TTSRetry governs synthesis retries. Zero-value fields use retry defaults.
	TTSRetry retry.Config

	// STTReconnect bounds the reconnect attempts after an STT stream failure.
	// Defaults: 5 attempts, 1s initial delay doubling to a 10s cap.
	STTReconnect retry.Config
}

func (c Config) withDefaults() Config {
	if c.TTSRetry.Name == "" {
		c.TTSRetry.Name = "tts"
	}
	if c.STTReconnect.Name == "" {
		c.STTReconnect.Name = "stt-reconnect"
	}
	if c.STTReconnect.MaxAttempts == 0 {
		c.STTReconnect.MaxAttempts = 5
	}
	if c.STTReconnect.InitialDelay == 0 {
		c.STTReconnect.InitialDelay = time.Second
	}
	if c.STTReconnect.MaxDelay == 0 {
		c.STTReconnect.MaxDelay = 10 * time.Second
	}
	return c
}

// turnResult is what the pipeline goroutine reports back to the event loop.
type turnResult struct {
	// text is the accumulated response text, possibly partial on abort.
	text string

	// spoke reports whether any audio was sent (audio_start went out).
	spoke bool

	err error
}

// turn tracks one in-flight response.
type turn struct {
	cancel context.CancelFunc
	done   chan turnResult

	// notice guards the single audio_interrupted message per turn.
	notice sync.Once
}

// Session drives one client's conversation. Create with NewSession, start with
// Run, feed with PushAudio and Control.
type Session struct {
	id   string
	cfg  Config
	conn Sender

	sttProvider stt.Provider
	gen         *generator.Generator
	tts         tts.Provider
	conv        *memory.Conversation
	tracker     *latency.Tracker
	metrics     *observe.Metrics
	log         *slog.Logger

	state atomic.Int32
	stop  chan struct{}
	once  sync.Once
	ctrl  chan transport.ControlMessage

	mu     sync.Mutex
	handle stt.SessionHandle

	// Event-loop-owned; never touched from other goroutines.
	turn      *turn
	utterance []string
}

// Option configures a Session.
type Option func(*Session)

// WithLogger replaces the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithMetrics replaces the metrics instance, for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithTracker replaces the latency tracker, for tests.
func WithTracker(t *latency.Tracker) Option {
	return func(s *Session) { s.tracker = t }
}

// NewSession wires a session over the given connection and providers.
func NewSession(conn Sender, sttProvider stt.Provider, gen *generator.Generator,
	ttsProvider tts.Provider, conv *memory.Conversation, cfg Config, opts ...Option) *Session {

	cfg = cfg.withDefaults()
	s := &Session{
		id:          cfg.ID,
		cfg:         cfg,
		conn:        conn,
		sttProvider: sttProvider,
		gen:         gen,
		tts:         ttsProvider,
		conv:        conv,
		tracker:     latency.NewTracker(),
		metrics:     observe.DefaultMetrics(),
		stop:        make(chan struct{}),
		ctrl:        make(chan transport.ControlMessage, 4),
	}
	s.log = slog.Default().With("session_id", cfg.ID)
	for _, o := range opts {
		o(s)
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current conversation state.
func (s *Session) State() State { return State(s.state.Load()) }

// Tracker exposes the session's latency tracker.
func (s *Session) Tracker() *latency.Tracker { return s.tracker }

// PushAudio forwards a microphone chunk to the STT stream. Audio keeps flowing
// in every state so barge-in speech is transcribed while the agent talks.
// Safe for concurrent use with Run.
func (s *Session) PushAudio(chunk []byte) error {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return stt.ErrSessionClosed
	}
	return h.SendAudio(chunk)
}

// Control hands a client control message to the event loop. Messages arriving
// faster than they can be handled are dropped with a warning; controls are
// advisory, not a reliable stream.
func (s *Session) Control(ctrl transport.ControlMessage) {
	select {
	case s.ctrl <- ctrl:
	default:
		s.log.Warn("control message dropped", "type", ctrl.Type)
	}
}

// Stop asks the event loop to exit. Safe to call more than once and from any
// goroutine.
func (s *Session) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// Run opens the STT stream and executes the event loop until the context is
// cancelled, the client ends the session, or the STT stream is lost beyond
// recovery. It always tears the session down on exit.
func (s *Session) Run(ctx context.Context) error {
	handle, err := s.sttProvider.StartStream(ctx, s.cfg.STT)
	if err != nil {
		return fmt.Errorf("orchestrator: start stt stream: %w", err)
	}
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(ctx, -1)
	defer s.teardown(ctx)

	s.log.Info("session started",
		"sample_rate", s.cfg.STT.SampleRate,
		"language", s.cfg.STT.Language)

	for {
		// A nil done channel blocks forever, so the case is inert between turns.
		var done chan turnResult
		if s.turn != nil {
			done = s.turn.done
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.stop:
			return nil

		case ctrl := <-s.ctrl:
			switch ctrl.Type {
			case transport.ControlEnd:
				s.log.Info("client ended session")
				return nil
			case transport.ControlClear:
				s.abortTurn(ctx)
				s.conv.Clear()
				s.log.Info("conversation history cleared")
			case transport.ControlInterrupt:
				s.abortTurn(ctx)
			default:
				s.log.Warn("unknown control message", "type", ctrl.Type)
			}

		case tr, ok := <-handle.Results():
			if !ok {
				handle, err = s.recoverSTT(ctx)
				if err != nil {
					return err
				}
				continue
			}
			s.handleTranscript(ctx, tr)

		case _, ok := <-handle.UtteranceEnds():
			if !ok {
				continue // the Results case drives recovery
			}
			// Utterance end while a turn is in flight is coalesced, not queued.
			if s.turn == nil {
				s.startTurn(ctx)
			}

		case sttErr, ok := <-handle.Errors():
			if !ok {
				continue
			}
			s.log.Error("stt stream error", "error", sttErr)
			s.metrics.RecordProviderError(ctx, "stt", "stream")
			s.abortTurn(ctx)
			_ = s.conn.SendError(sttErrorNotice)
			handle, err = s.recoverSTT(ctx)
			if err != nil {
				return err
			}

		case res := <-done:
			s.completeTurn(ctx, res)
		}
	}
}

// handleTranscript processes one STT result: barge-in detection, client echo,
// utterance accumulation, and the speech_final fast path.
func (s *Session) handleTranscript(ctx context.Context, tr types.Transcript) {
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return
	}

	if s.turn != nil {
		s.log.Info("barge-in detected", "transcript", text)
		s.abortTurn(ctx)
	}

	_ = s.conn.SendTranscript(tr.Text, tr.IsFinal)

	if tr.IsFinal {
		s.utterance = append(s.utterance, text)
		// speech_final means the provider already saw the silence gap; don't
		// wait for the separate utterance-end event.
		if tr.SpeechFinal {
			s.startTurn(ctx)
		}
	}
}

// startTurn joins the buffered utterance into the user message and launches
// the turn pipeline. No-op when the utterance buffer is empty.
func (s *Session) startTurn(ctx context.Context) {
	if len(s.utterance) == 0 {
		return
	}
	userText := strings.Join(s.utterance, " ")
	s.utterance = s.utterance[:0]

	s.tracker.BeginTurn()
	s.tracker.Mark(latency.MilestoneSpeechEnd)
	s.tracker.Mark(latency.MilestoneSTTComplete)

	s.conv.AddUser(userText)
	_ = s.conn.SendThinking()
	s.state.Store(int32(StateProcessing))
	s.log.Debug("turn started", "user_text", userText)

	turnCtx, cancel := context.WithCancel(ctx)
	t := &turn{cancel: cancel, done: make(chan turnResult, 1)}
	s.turn = t

	history := s.conv.History()
	go func() {
		text, spoke, err := s.pipeline(turnCtx, history)
		t.done <- turnResult{text: text, spoke: spoke, err: err}
	}()
}

// pipeline runs one turn: stream tokens, segment into sentences, synthesise
// each sentence in order, deliver chunked audio. Returns the accumulated
// response text even on failure or cancellation so the caller can record the
// partial transcript.
func (s *Session) pipeline(ctx context.Context, history []types.Message) (string, bool, error) {
	chunks, err := s.gen.Stream(ctx, history)
	if err != nil {
		return "", false, err
	}

	var full strings.Builder
	spoke := false
	sentences := make(chan string, 8)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(sentences)
		var seg Segmenter
		first := true
		for chunk := range chunks {
			if chunk.FinishReason == "error" {
				return errors.New("orchestrator: response stream failed mid-generation")
			}
			if chunk.Text == "" {
				continue
			}
			if first {
				s.tracker.Mark(latency.MilestoneLLMFirstToken)
				first = false
			}
			full.WriteString(chunk.Text)
			if sentence, ok := seg.Push(chunk.Text); ok {
				select {
				case sentences <- sentence:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		// An aborted stream never flushes the trailing buffer; the partial
		// text stays unspoken.
		if err := ctx.Err(); err != nil {
			return err
		}
		s.tracker.Mark(latency.MilestoneLLMComplete)
		if sentence, ok := seg.Flush(); ok {
			select {
			case sentences <- sentence:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		for sentence := range sentences {
			audio, err := retry.Do(ctx, s.cfg.TTSRetry, func(ctx context.Context) ([]byte, error) {
				return s.tts.Synthesize(ctx, sentence)
			})
			if err != nil {
				return fmt.Errorf("orchestrator: synthesize: %w", err)
			}
			if !spoke {
				f := s.tts.Format()
				_ = s.conn.SendAudioStart(f.SampleRate, f.Encoding)
				_ = s.conn.SendSpeaking()
				s.state.Store(int32(StateSpeaking))
				spoke = true
			}
			if err := s.sendAudioChunks(ctx, audio); err != nil {
				return err
			}
		}
		if spoke {
			s.tracker.Mark(latency.MilestoneTTSComplete)
		}
		return nil
	})

	err = g.Wait()
	return full.String(), spoke, err
}

// sendAudioChunks delivers audio in fixed-size binary frames, checking for
// cancellation between frames so a barge-in stops playback immediately.
func (s *Session) sendAudioChunks(ctx context.Context, audio []byte) error {
	for off := 0; off < len(audio); off += audioChunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+audioChunkSize, len(audio))
		s.tracker.Mark(latency.MilestoneTTSFirstChunk)
		if err := s.conn.SendAudio(audio[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// abortTurn cancels the in-flight turn, waits for the pipeline to stop, sends
// the single audio_interrupted notice, and records the partial response.
// No-op when no turn is in flight. Event-loop only.
func (s *Session) abortTurn(ctx context.Context) {
	t := s.turn
	if t == nil {
		return
	}
	s.turn = nil

	t.cancel()
	res := <-t.done

	t.notice.Do(func() { _ = s.conn.SendAudioInterrupted() })
	s.conv.AddAssistantInterrupted(res.text)
	s.tracker.EndTurn()
	s.metrics.RecordTurn(ctx, observe.TurnInterrupted)
	s.state.Store(int32(StateListening))
	s.log.Info("turn interrupted", "partial_chars", len(res.text))
}

// completeTurn handles the natural end of a turn: success framing, or the
// error path with a spoken fallback apology. Event-loop only.
func (s *Session) completeTurn(ctx context.Context, res turnResult) {
	s.turn = nil
	s.state.Store(int32(StateListening))
	timing := s.tracker.EndTurn()

	if res.err != nil {
		if errors.Is(res.err, context.Canceled) {
			// Session shutdown raced the pipeline; nothing to report.
			return
		}
		s.log.Error("turn pipeline failed", "error", res.err)
		_ = s.conn.SendError(errorNotice)
		s.speakFallback(ctx)
		s.metrics.RecordTurn(ctx, observe.TurnFailed)
		return
	}

	if res.spoke {
		_ = s.conn.SendAudioEnd()
	}
	if res.text != "" {
		s.conv.AddAssistant(res.text)
	}
	_ = s.conn.SendResponse(res.text)
	s.metrics.RecordTurn(ctx, observe.TurnCompleted)
	s.recordStageMetrics(ctx, timing)

	// Compaction may call the LLM; keep it off the event loop.
	go func() {
		if err := s.conv.Compact(ctx); err != nil {
			s.log.Warn("history compaction failed", "error", err)
		}
	}()
}

// speakFallback synthesises and plays the apology line. Best effort: if TTS is
// down too, the client already has the error message.
func (s *Session) speakFallback(ctx context.Context) {
	audio, err := s.tts.Synthesize(ctx, fallbackApology)
	if err != nil {
		s.log.Warn("fallback synthesis failed", "error", err)
		return
	}
	f := s.tts.Format()
	_ = s.conn.SendAudioStart(f.SampleRate, f.Encoding)
	_ = s.conn.SendSpeaking()
	if err := s.sendAudioChunks(ctx, audio); err != nil {
		return
	}
	_ = s.conn.SendAudioEnd()
}

// recoverSTT replaces a failed STT stream with a fresh one under the bounded
// reconnect policy. Exhaustion is fatal for the session.
func (s *Session) recoverSTT(ctx context.Context) (stt.SessionHandle, error) {
	s.mu.Lock()
	old := s.handle
	s.handle = nil
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	h, err := retry.Do(ctx, s.cfg.STTReconnect, func(ctx context.Context) (stt.SessionHandle, error) {
		return s.sttProvider.StartStream(ctx, s.cfg.STT)
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: stt reconnect: %w", err)
	}

	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
	s.log.Info("stt stream reconnected")
	return h, nil
}

// teardown is the single cleanup path shared by every way a session ends.
func (s *Session) teardown(ctx context.Context) {
	s.abortTurn(ctx)

	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	if h != nil {
		_ = h.Close()
	}

	s.conv.Clear()

	total := s.tracker.TotalStats()
	s.log.Info("session ended",
		"turns", s.tracker.Turns(),
		"measured_turns", total.Count,
		"avg_response_latency", total.Mean,
		"max_response_latency", total.Max)
}

// recordStageMetrics exports the turn's stage timings to the OTel histograms.
func (s *Session) recordStageMetrics(ctx context.Context, timing *latency.Timing) {
	if timing == nil {
		return
	}
	record := func(h metric.Float64Histogram, from, to latency.Milestone) {
		if d, ok := timing.Elapsed(from, to); ok {
			h.Record(ctx, d.Seconds())
		}
	}
	record(s.metrics.STTDuration, latency.MilestoneSpeechEnd, latency.MilestoneSTTComplete)
	record(s.metrics.LLMFirstTokenDuration, latency.MilestoneSTTComplete, latency.MilestoneLLMFirstToken)
	record(s.metrics.LLMDuration, latency.MilestoneSTTComplete, latency.MilestoneLLMComplete)
	record(s.metrics.TTSFirstChunkDuration, latency.MilestoneLLMFirstToken, latency.MilestoneTTSFirstChunk)
	record(s.metrics.TurnDuration, latency.MilestoneSpeechEnd, latency.MilestoneTTSFirstChunk)
}
