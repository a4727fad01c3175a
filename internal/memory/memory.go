// Package memory provides bounded conversation history for voice sessions.
//
// A [Conversation] records the alternating user and assistant messages of one
// session and keeps the history within a configured bound using one of two
// strategies: a sliding window that drops the oldest messages, or LLM-backed
// summarisation that compresses older messages into an accumulated summary
// while keeping the most recent exchanges verbatim.
//
// Conversation is safe for concurrent use.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vocalis-ai/vocalis/pkg/types"
)

// Mode selects the history-bounding strategy.
type Mode string

const (
	// ModeSlidingWindow keeps at most MaxMessages recent messages and silently
	// drops older ones.
	ModeSlidingWindow Mode = "sliding_window"

	// ModeSummarize compresses older messages into an accumulated summary once
	// the history reaches SummarizeAfter messages.
	ModeSummarize Mode = "summarize"
)

// Config holds the tuning knobs for a Conversation.
type Config struct {
	// Mode selects the bounding strategy. Default: ModeSlidingWindow.
	Mode Mode

	// MaxMessages is the sliding window capacity. Default: 20.
	MaxMessages int

	// SummarizeAfter is the history length beyond which summarisation triggers
	// in ModeSummarize. After compaction the most recent SummarizeAfter/2
	// messages remain verbatim. Default: 15.
	SummarizeAfter int
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeSlidingWindow
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = 20
	}
	if c.SummarizeAfter <= 0 {
		c.SummarizeAfter = 15
	}
	return c
}

// Summarizer produces a concise summary of a conversation segment.
// It is implemented by the generator layer on top of an LLM provider.
type Summarizer interface {
	Summarize(ctx context.Context, messages []types.Message) (string, error)
}

// Conversation is the bounded message history of a single session.
type Conversation struct {
	cfg        Config
	summarizer Summarizer
	clock      func() time.Time

	mu       sync.Mutex
	messages []types.Message
	summary  string
}

// Option configures a Conversation.
type Option func(*Conversation)

// WithClock replaces the timestamp source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Conversation) {
		c.clock = clock
	}
}

// NewConversation creates a Conversation. summarizer may be nil when cfg.Mode
// is ModeSlidingWindow; in ModeSummarize a nil summarizer degrades Compact to
// sliding-window trimming.
func NewConversation(cfg Config, summarizer Summarizer, opts ...Option) *Conversation {
	c := &Conversation{
		cfg:        cfg.withDefaults(),
		summarizer: summarizer,
		clock:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AddUser appends a user message. In sliding-window mode the oldest messages
// are dropped immediately when the window overflows.
func (c *Conversation) AddUser(content string) {
	c.add(types.RoleUser, content)
}

// AddAssistant appends a completed assistant message.
func (c *Conversation) AddAssistant(content string) {
	c.add(types.RoleAssistant, content)
}

// AddAssistantInterrupted appends the partial text of an assistant response
// that was cut off by a barge-in, marked so the model knows the user did not
// hear the rest.
func (c *Conversation) AddAssistantInterrupted(partial string) {
	if strings.TrimSpace(partial) == "" {
		return
	}
	c.add(types.RoleAssistant, partial+" [interrupted]")
}

func (c *Conversation) add(role types.Role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, types.Message{
		Role:      role,
		Content:   content,
		Timestamp: c.clock(),
	})
	if c.cfg.Mode == ModeSlidingWindow && len(c.messages) > c.cfg.MaxMessages {
		c.trimLocked(c.cfg.MaxMessages)
	}
}

// trimLocked drops the oldest messages so at most keep remain.
// Must be called with c.mu held.
func (c *Conversation) trimLocked(keep int) {
	excess := len(c.messages) - keep
	if excess <= 0 {
		return
	}
	c.messages = append(c.messages[:0:0], c.messages[excess:]...)
}

// History returns the messages to send to the LLM: the accumulated summary (if
// any) as a leading system message, followed by the retained messages in
// order. The returned slice is a copy.
func (c *Conversation) History() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.Message, 0, len(c.messages)+1)
	if c.summary != "" {
		out = append(out, types.Message{
			Role:    types.RoleSystem,
			Content: "Previous conversation summary: " + c.summary,
		})
	}
	out = append(out, c.messages...)
	return out
}

// Len returns the number of retained messages, excluding the summary.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Summary returns the accumulated summary text, empty if none exists.
func (c *Conversation) Summary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// Clear discards all messages and the accumulated summary.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	c.summary = ""
}

// Compact enforces the history bound. In sliding-window mode it is a cheap
// trim. In summarize mode, once the history exceeds SummarizeAfter messages
// the older portion is summarised via the Summarizer and folded into the
// accumulated summary, keeping the most recent SummarizeAfter/2 messages
// verbatim. Subsequent summaries are appended with an "Update:" separator.
//
// A summarizer failure does not lose history: the error is logged and the
// history is trimmed to MaxMessages so it cannot grow without bound.
func (c *Conversation) Compact(ctx context.Context) error {
	c.mu.Lock()
	if c.cfg.Mode != ModeSummarize {
		c.trimLocked(c.cfg.MaxMessages)
		c.mu.Unlock()
		return nil
	}

	if len(c.messages) <= c.cfg.SummarizeAfter {
		c.mu.Unlock()
		return nil
	}

	keep := c.cfg.SummarizeAfter / 2
	boundary := len(c.messages) - keep
	older := make([]types.Message, boundary)
	copy(older, c.messages[:boundary])
	c.mu.Unlock()

	if c.summarizer == nil {
		c.mu.Lock()
		c.trimLocked(c.cfg.MaxMessages)
		c.mu.Unlock()
		return nil
	}

	// The LLM call runs without the lock; new messages appended meanwhile stay
	// in the verbatim tail.
	segment, err := c.summarizer.Summarize(ctx, older)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		slog.Warn("conversation summarisation failed, trimming instead", "error", err)
		c.trimLocked(c.cfg.MaxMessages)
		return fmt.Errorf("memory: summarize: %w", err)
	}

	if c.summary == "" {
		c.summary = segment
	} else {
		c.summary = c.summary + "\n\nUpdate: " + segment
	}

	// Drop exactly the messages that were summarised. Messages appended during
	// the LLM call sit after boundary and are retained.
	c.messages = append(c.messages[:0:0], c.messages[boundary:]...)
	return nil
}
