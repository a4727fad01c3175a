package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeTimeout bounds every outbound frame write.
	writeTimeout = 10 * time.Second

	// pongTimeout is how long the connection may stay silent before the read
	// loop gives up.
	pongTimeout = 60 * time.Second

	// PingInterval is how often liveness pings are sent. Half of pongTimeout,
	// so a healthy client gets two chances to answer before teardown.
	PingInterval = 30 * time.Second

	// maxMessageSize caps inbound frames. Microphone chunks are a few KiB;
	// anything near this limit is a misbehaving client.
	maxMessageSize = 1 << 20
)

// ErrConnClosed is returned by send methods after the connection is closed.
var ErrConnClosed = errors.New("transport: connection closed")

// Inbound is a single message received from the client. Exactly one of Audio
// and Control is set.
type Inbound struct {
	// Audio is a raw PCM chunk from the client's microphone.
	Audio []byte

	// Control is a parsed JSON control message.
	Control *ControlMessage
}

// Conn wraps a WebSocket connection with a write lock and typed send helpers.
// All Send methods are safe for concurrent use; Read must be called from a
// single goroutine.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

// NewConn wraps an upgraded WebSocket connection. It installs the read limits
// and pong handler required by the liveness protocol.
func NewConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	return &Conn{ws: ws}
}

// Read blocks until the next client message arrives. Unparseable text frames
// are reported as an error but do not close the connection; callers should log
// and continue. A closed or dead connection returns ErrConnClosed.
func (c *Conn) Read() (Inbound, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return Inbound{}, fmt.Errorf("%w: %w", ErrConnClosed, err)
		}

		switch msgType {
		case websocket.BinaryMessage:
			return Inbound{Audio: data}, nil
		case websocket.TextMessage:
			var ctrl ControlMessage
			if err := json.Unmarshal(data, &ctrl); err != nil {
				return Inbound{}, fmt.Errorf("transport: malformed control message: %w", err)
			}
			return Inbound{Control: &ctrl}, nil
		default:
			// Ping/pong frames are handled by the library; skip anything else.
			continue
		}
	}
}

// PingLoop sends liveness pings every PingInterval until ctx is cancelled or a
// write fails. Run it in its own goroutine per connection.
func (c *Conn) PingLoop(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// SendJSON marshals v and sends it as a text frame.
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal: %w", err)
	}
	return c.write(websocket.TextMessage, data)
}

// SendAudio sends a synthesised audio chunk as a binary frame.
func (c *Conn) SendAudio(chunk []byte) error {
	return c.write(websocket.BinaryMessage, chunk)
}

func (c *Conn) write(msgType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(msgType, data); err != nil {
		return fmt.Errorf("%w: %w", ErrConnClosed, err)
	}
	return nil
}

// Close sends a close frame and tears down the connection. Safe to call more
// than once.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	deadline := time.Now().Add(writeTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}

// ---- typed send helpers ----

// SendConnected sends the session welcome message.
func (c *Conn) SendConnected(sessionID string) error {
	return c.SendJSON(ConnectedMessage{
		Type:      TypeConnected,
		SessionID: sessionID,
		Message:   "Connected to AI Voice Agent",
	})
}

// SendTranscript forwards an interim or final transcript to the client.
func (c *Conn) SendTranscript(text string, isFinal bool) error {
	return c.SendJSON(TranscriptMessage{Type: TypeTranscript, Text: text, IsFinal: isFinal})
}

// SendThinking signals that response generation has started.
func (c *Conn) SendThinking() error {
	return c.SendJSON(StatusMessage{Type: TypeThinking})
}

// SendSpeaking signals that audio playback is about to begin.
func (c *Conn) SendSpeaking() error {
	return c.SendJSON(StatusMessage{Type: TypeSpeaking})
}

// SendAudioStart announces the format of the binary audio frames that follow.
func (c *Conn) SendAudioStart(sampleRate int, encoding string) error {
	return c.SendJSON(AudioStartMessage{Type: TypeAudioStart, SampleRate: sampleRate, Encoding: encoding})
}

// SendAudioEnd marks the end of a completed audio run.
func (c *Conn) SendAudioEnd() error {
	return c.SendJSON(StatusMessage{Type: TypeAudioEnd})
}

// SendAudioInterrupted tells the client to discard any buffered audio.
func (c *Conn) SendAudioInterrupted() error {
	return c.SendJSON(StatusMessage{Type: TypeAudioInterrupted})
}

// SendResponse delivers the full assistant response text.
func (c *Conn) SendResponse(text string) error {
	return c.SendJSON(ResponseMessage{Type: TypeResponse, Text: text})
}

// SendError delivers a user-facing error message.
func (c *Conn) SendError(message string) error {
	return c.SendJSON(ErrorMessage{Type: TypeError, Message: message})
}
