// Package latency tracks per-turn pipeline timing for voice sessions.
//
// A [Tracker] records named milestones for each conversation turn: speech end,
// transcription complete, first LLM token, LLM complete, first TTS audio chunk,
// and TTS complete. Each milestone yields a stage duration (the delta to the
// preceding milestone) that is accumulated into a fixed-capacity rolling window
// for aggregate reporting.
//
// Tracker is safe for concurrent use.
package latency

import (
	"log/slog"
	"sync"
	"time"
)

// Milestone identifies a pipeline stage boundary within a turn.
type Milestone string

const (
	// MilestoneSpeechEnd marks the detected end of the user's utterance. It is
	// the zero point for all downstream stage deltas.
	MilestoneSpeechEnd Milestone = "speech_end"

	// MilestoneSTTComplete marks receipt of the final transcript.
	MilestoneSTTComplete Milestone = "stt_complete"

	// MilestoneLLMFirstToken marks the first streamed response token.
	MilestoneLLMFirstToken Milestone = "llm_first_token"

	// MilestoneLLMComplete marks the end of response generation.
	MilestoneLLMComplete Milestone = "llm_complete"

	// MilestoneTTSFirstChunk marks the first synthesised audio chunk. The delta
	// from MilestoneSpeechEnd to this point is the user-perceived response
	// latency.
	MilestoneTTSFirstChunk Milestone = "tts_first_chunk"

	// MilestoneTTSComplete marks the end of audio playback delivery.
	MilestoneTTSComplete Milestone = "tts_complete"
)

// order defines the canonical milestone sequence. Stage deltas are computed
// against the most recent earlier milestone that was actually recorded.
var order = []Milestone{
	MilestoneSpeechEnd,
	MilestoneSTTComplete,
	MilestoneLLMFirstToken,
	MilestoneLLMComplete,
	MilestoneTTSFirstChunk,
	MilestoneTTSComplete,
}

// Stats summarises a rolling window of stage durations.
type Stats struct {
	// Count is the number of samples currently in the window.
	Count int

	// Min, Max, and Mean are computed over the window. All zero when Count is 0.
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration

	// Last is the most recent sample.
	Last time.Duration
}

// window is a fixed-capacity ring of duration samples.
type window struct {
	samples []time.Duration
	next    int
	newest  time.Duration
}

func newWindow(capacity int) *window {
	return &window{samples: make([]time.Duration, 0, capacity)}
}

func (w *window) add(d time.Duration) {
	w.newest = d
	if len(w.samples) < cap(w.samples) {
		w.samples = append(w.samples, d)
		return
	}
	// At capacity: overwrite the oldest sample.
	w.samples[w.next] = d
	w.next = (w.next + 1) % cap(w.samples)
}

func (w *window) stats() Stats {
	if len(w.samples) == 0 {
		return Stats{}
	}
	s := Stats{
		Count: len(w.samples),
		Min:   w.samples[0],
		Max:   w.samples[0],
		Last:  w.newest,
	}
	var total time.Duration
	for _, d := range w.samples {
		total += d
		if d < s.Min {
			s.Min = d
		}
		if d > s.Max {
			s.Max = d
		}
	}
	s.Mean = total / time.Duration(len(w.samples))
	return s
}

// Timing holds the recorded milestones of a single turn.
type Timing struct {
	marks map[Milestone]time.Time
	start time.Time
}

// Elapsed returns the duration between two recorded milestones, or false if
// either is missing.
func (t *Timing) Elapsed(from, to Milestone) (time.Duration, bool) {
	a, okA := t.marks[from]
	b, okB := t.marks[to]
	if !okA || !okB {
		return 0, false
	}
	return b.Sub(a), true
}

// Tracker accumulates turn timings and rolling per-stage statistics.
type Tracker struct {
	mu      sync.Mutex
	current *Timing
	windows map[Milestone]*window
	total   *window // speech_end -> tts_first_chunk, the headline number
	turns   int
	clock   func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) {
		t.clock = clock
	}
}

// DefaultWindowSize is the rolling window capacity per stage.
const DefaultWindowSize = 50

// NewTracker creates a Tracker with rolling windows of DefaultWindowSize.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		windows: make(map[Milestone]*window, len(order)),
		total:   newWindow(DefaultWindowSize),
		clock:   time.Now,
	}
	for _, m := range order {
		t.windows[m] = newWindow(DefaultWindowSize)
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// BeginTurn starts timing a new turn, discarding any unfinished one. The
// returned Timing is a snapshot handle owned by the tracker; callers must not
// mutate it.
func (t *Tracker) BeginTurn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = &Timing{
		marks: make(map[Milestone]time.Time, len(order)),
		start: t.clock(),
	}
	t.turns++
}

// Mark records milestone m for the current turn at the current time. Repeated
// marks for the same milestone within one turn are ignored, so "first token"
// and "first chunk" marks stay first. Marks without an active turn are ignored.
func (t *Tracker) Mark(m Milestone) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return
	}
	if _, dup := t.current.marks[m]; dup {
		return
	}
	now := t.clock()
	t.current.marks[m] = now

	// Stage delta: time since the nearest earlier recorded milestone, falling
	// back to the turn start when none was recorded.
	prev := t.current.start
	for i := indexOf(m) - 1; i >= 0; i-- {
		if ts, ok := t.current.marks[order[i]]; ok {
			prev = ts
			break
		}
	}
	t.windows[m].add(now.Sub(prev))

	if m == MilestoneTTSFirstChunk {
		if d, ok := t.current.Elapsed(MilestoneSpeechEnd, MilestoneTTSFirstChunk); ok {
			t.total.add(d)
		}
	}
}

// EndTurn finishes the current turn and returns its Timing, or nil if no turn
// was active. The headline speech-to-first-audio latency is logged at debug
// level when both endpoints were recorded.
func (t *Tracker) EndTurn() *Timing {
	t.mu.Lock()
	defer t.mu.Unlock()
	timing := t.current
	t.current = nil
	if timing == nil {
		return nil
	}
	if d, ok := timing.Elapsed(MilestoneSpeechEnd, MilestoneTTSFirstChunk); ok {
		slog.Debug("turn latency", "speech_to_first_audio", d)
	}
	return timing
}

// StageStats returns the rolling statistics for one milestone's stage delta.
func (t *Tracker) StageStats(m Milestone) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[m]
	if !ok {
		return Stats{}
	}
	return w.stats()
}

// TotalStats returns rolling statistics for the speech-end to first-audio-chunk
// latency, the number a user actually perceives.
func (t *Tracker) TotalStats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total.stats()
}

// Turns returns the number of turns started over the tracker's lifetime.
func (t *Tracker) Turns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.turns
}

// Summary returns per-stage statistics keyed by milestone, for the session
// teardown log line.
func (t *Tracker) Summary() map[Milestone]Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Milestone]Stats, len(t.windows))
	for m, w := range t.windows {
		if s := w.stats(); s.Count > 0 {
			out[m] = s
		}
	}
	return out
}

func indexOf(m Milestone) int {
	for i, o := range order {
		if o == m {
			return i
		}
	}
	return len(order)
}
