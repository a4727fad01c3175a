// Package transport implements the browser-facing WebSocket protocol.
//
// The wire protocol is asymmetric:
//
//	Client → Server:
//	  - Binary frames carry raw PCM microphone audio.
//	  - Text frames carry JSON control messages ({"type": "end" | "clear" | "interrupt"}).
//
//	Server → Client:
//	  - Binary frames carry synthesised TTS audio.
//	  - Text frames carry JSON events (transcripts, status updates, errors).
//
// [Conn] wraps a WebSocket connection with a write lock so the event loop and
// the audio pipeline can send concurrently, plus typed send helpers for every
// server event.
package transport

// Server → client message types.
const (
	// TypeConnected is the welcome message carrying the session ID.
	TypeConnected = "connected"

	// TypeTranscript carries an interim or final user transcript.
	TypeTranscript = "transcript"

	// TypeThinking signals that response generation has started.
	TypeThinking = "thinking"

	// TypeSpeaking signals that audio playback is about to begin.
	TypeSpeaking = "speaking"

	// TypeAudioStart precedes a run of binary audio frames and describes their
	// format.
	TypeAudioStart = "audio_start"

	// TypeAudioEnd marks the end of a completed audio run.
	TypeAudioEnd = "audio_end"

	// TypeAudioInterrupted tells the client to discard buffered audio after a
	// barge-in. Sent at most once per interrupted response.
	TypeAudioInterrupted = "audio_interrupted"

	// TypeResponse carries the full assistant response text.
	TypeResponse = "response"

	// TypeError carries a user-facing error message.
	TypeError = "error"
)

// Client → server control message types.
const (
	// ControlEnd terminates the session: the in-flight response is aborted and
	// all per-session state is discarded.
	ControlEnd = "end"

	// ControlClear resets the conversation memory.
	ControlClear = "clear"

	// ControlInterrupt requests cancellation of the in-flight response.
	ControlInterrupt = "interrupt"
)

// ControlMessage is a JSON text frame sent by the client.
type ControlMessage struct {
	Type string `json:"type"`
}

// ConnectedMessage is the first message sent to a new client.
type ConnectedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// TranscriptMessage carries speech recognition output to the client.
type TranscriptMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

// StatusMessage is a bare event with no payload (thinking, speaking,
// audio_end, audio_interrupted).
type StatusMessage struct {
	Type string `json:"type"`
}

// AudioStartMessage describes the binary audio frames that follow.
type AudioStartMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sampleRate"`
	Encoding   string `json:"encoding"`
}

// ResponseMessage carries the complete assistant response text, sent after the
// audio so clients can display what was spoken.
type ResponseMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ErrorMessage carries a user-facing error description.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
