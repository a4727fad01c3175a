package orchestrator

import "strings"

// sentenceTerminals are the characters that close a sentence. A token carrying
// any of them flushes the accumulated buffer so synthesis can start without
// waiting for the rest of the response.
const sentenceTerminals = ".!?\n"

// Segmenter splits a streamed token sequence into sentences for incremental
// synthesis. Tokens are appended via Push; whenever an appended token contains
// a sentence terminal and the accumulated buffer is non-blank, the trimmed
// sentence is emitted and the buffer resets. Flush returns whatever remains
// when the stream ends.
//
// Segmenter is not safe for concurrent use; each turn owns its own instance.
type Segmenter struct {
	buf strings.Builder
}

// Push appends token and returns the completed sentence, if any.
func (s *Segmenter) Push(token string) (sentence string, ok bool) {
	s.buf.WriteString(token)
	if !strings.ContainsAny(token, sentenceTerminals) {
		return "", false
	}
	out := strings.TrimSpace(s.buf.String())
	if out == "" {
		return "", false
	}
	s.buf.Reset()
	return out, true
}

// Flush returns the trimmed remainder of the buffer and resets it. Returns
// ok=false when nothing but whitespace remains.
func (s *Segmenter) Flush() (sentence string, ok bool) {
	out := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	if out == "" {
		return "", false
	}
	return out, true
}
