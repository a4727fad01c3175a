package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vocalis-ai/vocalis/internal/generator"
	"github.com/vocalis-ai/vocalis/internal/memory"
	"github.com/vocalis-ai/vocalis/internal/retry"
	"github.com/vocalis-ai/vocalis/internal/transport"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	llmmock "github.com/vocalis-ai/vocalis/pkg/provider/llm/mock"
	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
	sttmock "github.com/vocalis-ai/vocalis/pkg/provider/stt/mock"
	ttsmock "github.com/vocalis-ai/vocalis/pkg/provider/tts/mock"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

// connEvent is one recorded outbound message.
type connEvent struct {
	kind    string
	text    string
	isFinal bool
	size    int
}

// fakeConn records every outbound message in order.
type fakeConn struct {
	mu     sync.Mutex
	events []connEvent
}

func (c *fakeConn) record(e connEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *fakeConn) SendTranscript(text string, isFinal bool) error {
	return c.record(connEvent{kind: "transcript", text: text, isFinal: isFinal})
}
func (c *fakeConn) SendThinking() error { return c.record(connEvent{kind: "thinking"}) }
func (c *fakeConn) SendSpeaking() error { return c.record(connEvent{kind: "speaking"}) }
func (c *fakeConn) SendAudioStart(sampleRate int, encoding string) error {
	return c.record(connEvent{kind: "audio_start", text: encoding, size: sampleRate})
}
func (c *fakeConn) SendAudio(chunk []byte) error {
	return c.record(connEvent{kind: "audio", size: len(chunk)})
}
func (c *fakeConn) SendAudioEnd() error { return c.record(connEvent{kind: "audio_end"}) }
func (c *fakeConn) SendAudioInterrupted() error {
	return c.record(connEvent{kind: "audio_interrupted"})
}
func (c *fakeConn) SendResponse(text string) error {
	return c.record(connEvent{kind: "response", text: text})
}
func (c *fakeConn) SendError(message string) error {
	return c.record(connEvent{kind: "error", text: message})
}

var _ Sender = (*fakeConn)(nil)

// kinds returns the ordered event kinds recorded so far.
func (c *fakeConn) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.kind
	}
	return out
}

// count returns how many events of the given kind were recorded.
func (c *fakeConn) count(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

// lastText returns the text of the most recent event of the given kind.
func (c *fakeConn) lastText(kind string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].kind == kind {
			return c.events[i].text
		}
	}
	return ""
}

// fastRetry returns a deterministic retry config with millisecond delays.
func fastRetry(name string) retry.Config {
	return retry.Config{
		Name:         name,
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Jitter:       -1,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// rig bundles a running session and its collaborators.
type rig struct {
	s    *Session
	conn *fakeConn
	conv *memory.Conversation
	done chan struct{}
	err  error
}

// startSession assembles a Session over mock providers and runs it until the
// test ends.
func startSession(t *testing.T, sttP stt.Provider, llmP *llmmock.Provider, ttsP *ttsmock.Provider) *rig {
	t.Helper()

	r := &rig{
		conn: &fakeConn{},
		conv: memory.NewConversation(memory.Config{}, nil),
		done: make(chan struct{}),
	}
	gen := generator.New(llmP, generator.Config{
		SystemPrompt: "You are a test assistant.",
		Retry:        fastRetry("llm"),
	})

	r.s = NewSession(r.conn, sttP, gen, ttsP, r.conv, Config{
		ID:           "sess-1",
		STT:          stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en", InterimResults: true},
		TTSRetry:     fastRetry("tts"),
		STTReconnect: fastRetry("stt-reconnect"),
	}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		r.err = r.s.Run(ctx)
		close(r.done)
	}()

	t.Cleanup(func() {
		r.s.Stop()
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop")
		}
		cancel()
	})
	return r
}

func finalTranscript(text string) types.Transcript {
	return types.Transcript{Text: text, IsFinal: true}
}

func TestSession_TurnLifecycleOrdering(t *testing.T) {
	sess := sttmock.NewSession()
	llmP := &llmmock.Provider{Chunks: []llm.Chunk{
		{Text: "Hello there."},
		{Text: " How can I help?"},
	}}
	ttsP := &ttsmock.Provider{}
	r := startSession(t, &sttmock.Provider{Session: sess}, llmP, ttsP)

	sess.ResultsCh <- finalTranscript("hi")
	sess.UtteranceEndsCh <- struct{}{}

	waitFor(t, func() bool { return r.conn.count("response") == 1 }, "response message")

	want := []string{"transcript", "thinking", "audio_start", "speaking", "audio", "audio", "audio_end", "response"}
	got := r.conn.kinds()
	if len(got) != len(want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}

	if resp := r.conn.lastText("response"); resp != "Hello there. How can I help?" {
		t.Errorf("response text = %q", resp)
	}

	// Each sentence synthesised separately, in order.
	calls := ttsP.Calls()
	if len(calls) != 2 || calls[0] != "Hello there." || calls[1] != "How can I help?" {
		t.Errorf("tts calls = %q", calls)
	}

	// Both exchanges recorded.
	hist := r.conv.History()
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].Role != types.RoleUser || hist[0].Content != "hi" {
		t.Errorf("history[0] = %+v", hist[0])
	}
	if hist[1].Role != types.RoleAssistant || hist[1].Content != "Hello there. How can I help?" {
		t.Errorf("history[1] = %+v", hist[1])
	}
}

func TestSession_UtteranceBufferSpaceJoin(t *testing.T) {
	sess := sttmock.NewSession()
	llmP := &llmmock.Provider{Chunks: []llm.Chunk{{Text: "Okay."}}}
	r := startSession(t, &sttmock.Provider{Session: sess}, llmP, &ttsmock.Provider{})

	sess.ResultsCh <- finalTranscript("first part")
	sess.ResultsCh <- finalTranscript("second part")
	sess.UtteranceEndsCh <- struct{}{}

	waitFor(t, func() bool { return r.conn.count("response") == 1 }, "response message")

	reqs := llmP.StreamRequests()
	if len(reqs) != 1 {
		t.Fatalf("stream requests = %d, want 1", len(reqs))
	}
	last := reqs[0].Messages[len(reqs[0].Messages)-1]
	if last.Content != "first part second part" {
		t.Errorf("user message = %q, want space-joined fragments", last.Content)
	}
}

func TestSession_UtteranceEndWhileProcessingCoalesced(t *testing.T) {
	sess := sttmock.NewSession()
	gate := make(chan struct{})
	llmP := &llmmock.Provider{
		Chunks: []llm.Chunk{{Text: "Answer."}},
		Gate:   gate,
	}
	r := startSession(t, &sttmock.Provider{Session: sess}, llmP, &ttsmock.Provider{})

	sess.ResultsCh <- finalTranscript("question")
	sess.UtteranceEndsCh <- struct{}{}
	waitFor(t, func() bool { return len(llmP.StreamRequests()) == 1 }, "turn start")

	// Extra utterance ends while the turn is in flight must not queue turns.
	sess.UtteranceEndsCh <- struct{}{}
	sess.UtteranceEndsCh <- struct{}{}
	time.Sleep(10 * time.Millisecond)

	close(gate)
	waitFor(t, func() bool { return r.conn.count("response") == 1 }, "response message")

	if n := len(llmP.StreamRequests()); n != 1 {
		t.Errorf("stream requests = %d, want 1", n)
	}
	if n := r.conn.count("thinking"); n != 1 {
		t.Errorf("thinking messages = %d, want 1", n)
	}
}

func TestSession_BargeInStopsAudioAndNotifiesOnce(t *testing.T) {
	sess := sttmock.NewSession()
	gate := make(chan struct{})
	llmP := &llmmock.Provider{
		Chunks: []llm.Chunk{
			{Text: "Sentence one."},
			{Text: " Sentence two."},
		},
		Gate: gate,
	}
	r := startSession(t, &sttmock.Provider{Session: sess}, llmP, &ttsmock.Provider{})

	sess.ResultsCh <- finalTranscript("tell me something")
	sess.UtteranceEndsCh <- struct{}{}

	// Let the first sentence through, then hold the stream open.
	gate <- struct{}{}
	waitFor(t, func() bool { return r.conn.count("audio") >= 1 }, "first audio chunk")

	// User speaks over the playback.
	sess.ResultsCh <- types.Transcript{Text: "wait stop"}
	waitFor(t, func() bool { return r.conn.count("audio_interrupted") == 1 }, "interrupt notice")

	audioAtInterrupt := r.conn.count("audio")
	time.Sleep(20 * time.Millisecond)

	if n := r.conn.count("audio"); n != audioAtInterrupt {
		t.Errorf("audio chunks after interrupt: %d -> %d", audioAtInterrupt, n)
	}
	if n := r.conn.count("audio_interrupted"); n != 1 {
		t.Errorf("audio_interrupted count = %d, want 1", n)
	}
	if n := r.conn.count("audio_end"); n != 0 {
		t.Errorf("audio_end sent for aborted turn")
	}
	if n := r.conn.count("response"); n != 0 {
		t.Errorf("response sent for aborted turn")
	}

	// Partial response recorded with the interrupted marker.
	hist := r.conv.History()
	last := hist[len(hist)-1]
	if last.Role != types.RoleAssistant || !strings.HasSuffix(last.Content, " [interrupted]") {
		t.Errorf("last history message = %+v, want interrupted assistant text", last)
	}
	if !strings.Contains(last.Content, "Sentence one.") {
		t.Errorf("partial text missing: %q", last.Content)
	}

	waitFor(t, func() bool { return r.s.State() == StateListening }, "return to listening")
}

func TestSession_InterruptControlAbortsTurn(t *testing.T) {
	sess := sttmock.NewSession()
	gate := make(chan struct{})
	llmP := &llmmock.Provider{
		Chunks: []llm.Chunk{{Text: "Long answer."}, {Text: " More text."}},
		Gate:   gate,
	}
	r := startSession(t, &sttmock.Provider{Session: sess}, llmP, &ttsmock.Provider{})

	sess.ResultsCh <- finalTranscript("go on")
	sess.UtteranceEndsCh <- struct{}{}
	gate <- struct{}{}
	waitFor(t, func() bool { return r.conn.count("audio") >= 1 }, "first audio chunk")

	r.s.Control(transport.ControlMessage{Type: transport.ControlInterrupt})
	waitFor(t, func() bool { return r.conn.count("audio_interrupted") == 1 }, "interrupt notice")
	waitFor(t, func() bool { return r.s.State() == StateListening }, "return to listening")
}

func TestSession_ClearResetsConversation(t *testing.T) {
	sess := sttmock.NewSession()
	llmP := &llmmock.Provider{Chunks: []llm.Chunk{{Text: "Noted."}}}
	r := startSession(t, &sttmock.Provider{Session: sess}, llmP, &ttsmock.Provider{})

	sess.ResultsCh <- finalTranscript("remember this")
	sess.UtteranceEndsCh <- struct{}{}
	waitFor(t, func() bool { return r.conn.count("response") == 1 }, "response message")
	waitFor(t, func() bool { return r.conv.Len() == 2 }, "history recorded")

	r.s.Control(transport.ControlMessage{Type: transport.ControlClear})
	waitFor(t, func() bool { return r.conv.Len() == 0 }, "history cleared")

	// The session keeps working after a clear.
	sess.ResultsCh <- finalTranscript("fresh start")
	sess.UtteranceEndsCh <- struct{}{}
	waitFor(t, func() bool { return r.conn.count("response") == 2 }, "second response")

	reqs := llmP.StreamRequests()
	second := reqs[len(reqs)-1]
	if len(second.Messages) != 1 {
		t.Errorf("post-clear history carried %d messages, want 1", len(second.Messages))
	}
}

func TestSession_FallbackApologyOnGenerationFailure(t *testing.T) {
	sess := sttmock.NewSession()
	llmP := &llmmock.Provider{StreamErr: errors.New("model unavailable")}
	ttsP := &ttsmock.Provider{}
	r := startSession(t, &sttmock.Provider{Session: sess}, llmP, ttsP)

	sess.ResultsCh <- finalTranscript("hello?")
	sess.UtteranceEndsCh <- struct{}{}

	waitFor(t, func() bool { return r.conn.count("error") == 1 }, "error message")
	waitFor(t, func() bool { return r.conn.count("audio_end") == 1 }, "spoken apology")

	if got := r.conn.lastText("error"); got != errorNotice {
		t.Errorf("error text = %q, want %q", got, errorNotice)
	}
	calls := ttsP.Calls()
	if len(calls) != 1 || calls[0] != fallbackApology {
		t.Errorf("tts calls = %q, want the apology line", calls)
	}
	if n := r.conn.count("response"); n != 0 {
		t.Errorf("response sent after pipeline failure")
	}
}

func TestSession_SpeechFinalFastPath(t *testing.T) {
	sess := sttmock.NewSession()
	llmP := &llmmock.Provider{Chunks: []llm.Chunk{{Text: "Quick reply."}}}
	r := startSession(t, &sttmock.Provider{Session: sess}, llmP, &ttsmock.Provider{})

	// speech_final processes immediately; no separate utterance-end event sent.
	sess.ResultsCh <- types.Transcript{Text: "short question", IsFinal: true, SpeechFinal: true}

	waitFor(t, func() bool { return r.conn.count("response") == 1 }, "response message")
	if got := r.conn.lastText("response"); got != "Quick reply." {
		t.Errorf("response text = %q", got)
	}
}

// scriptedSTT hands out a fixed sequence of mock sessions.
type scriptedSTT struct {
	mu       sync.Mutex
	sessions []*sttmock.Session
	calls    int
}

func (p *scriptedSTT) StartStream(_ context.Context, _ stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= len(p.sessions) {
		return p.sessions[p.calls-1], nil
	}
	return sttmock.NewSession(), nil
}

func (p *scriptedSTT) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestSession_STTErrorTriggersReconnect(t *testing.T) {
	s1, s2 := sttmock.NewSession(), sttmock.NewSession()
	provider := &scriptedSTT{sessions: []*sttmock.Session{s1, s2}}
	llmP := &llmmock.Provider{Chunks: []llm.Chunk{{Text: "Back online."}}}
	r := startSession(t, provider, llmP, &ttsmock.Provider{})

	waitFor(t, func() bool { return provider.count() == 1 }, "initial stream")

	s1.ErrorsCh <- errors.New("socket lost")
	waitFor(t, func() bool { return provider.count() == 2 }, "reconnect")

	if got := r.conn.lastText("error"); got != sttErrorNotice {
		t.Errorf("error text = %q, want %q", got, sttErrorNotice)
	}
	if s1.CloseCallCount == 0 {
		t.Error("failed stream was not closed")
	}

	// The replacement stream drives turns as usual.
	s2.ResultsCh <- finalTranscript("still there?")
	s2.UtteranceEndsCh <- struct{}{}
	waitFor(t, func() bool { return r.conn.count("response") == 1 }, "response after reconnect")
}

func TestSession_EndControlStopsRun(t *testing.T) {
	sess := sttmock.NewSession()
	r := startSession(t, &sttmock.Provider{Session: sess}, &llmmock.Provider{}, &ttsmock.Provider{})

	r.s.Control(transport.ControlMessage{Type: transport.ControlEnd})

	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after end control")
	}
	if r.err != nil {
		t.Errorf("Run error = %v, want nil", r.err)
	}
	if sess.CloseCallCount == 0 {
		t.Error("stt session was not closed on teardown")
	}
}

func TestSession_PushAudioForwardsToSTT(t *testing.T) {
	sess := sttmock.NewSession()
	provider := &sttmock.Provider{Session: sess}
	r := startSession(t, provider, &llmmock.Provider{}, &ttsmock.Provider{})

	// The handle is installed just after StartStream returns; poll until the
	// session accepts audio.
	waitFor(t, func() bool { return r.s.PushAudio(nil) == nil }, "stream ready")

	if err := r.s.PushAudio([]byte{1, 2, 3}); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}
	if got := sess.AudioBytes(); len(got) != 3 {
		t.Errorf("forwarded audio = %d bytes, want 3", len(got))
	}
	if len(provider.Calls()) != 1 {
		t.Errorf("StartStream calls = %d, want 1", len(provider.Calls()))
	}
}
