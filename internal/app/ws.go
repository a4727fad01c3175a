package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vocalis-ai/vocalis/internal/memory"
	"github.com/vocalis-ai/vocalis/internal/orchestrator"
	"github.com/vocalis-ai/vocalis/internal/transport"
)

// upgrader accepts any origin: the browser demo page is typically served from
// a different host (or file://) than the agent itself, and the session carries
// no cookies or ambient credentials worth protecting from cross-site use.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWS upgrades the connection and runs a conversation session on it. The
// handler blocks for the lifetime of the connection; the HTTP server gives
// each upgrade its own goroutine.
func (a *App) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.NewString()
	conn := transport.NewConn(ws)
	defer conn.Close()

	conv := memory.NewConversation(memory.Config{
		Mode:           a.cfg.Memory.MemoryMode(),
		MaxMessages:    a.cfg.Memory.MaxMessages,
		SummarizeAfter: a.cfg.Memory.SummarizeAfter,
	}, a.gen)

	sess := orchestrator.NewSession(conn, a.providers.STT, a.gen, a.providers.TTS, conv,
		orchestrator.Config{
			ID:       id,
			STT:      a.sttStreamConfig(),
			TTSRetry: a.ttsRetry(),
		},
		orchestrator.WithLogger(a.log.With("session_id", id)),
		orchestrator.WithMetrics(a.metrics),
	)

	a.sessions.add(sess)
	defer a.sessions.remove(id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SendConnected(id); err != nil {
		return
	}
	a.log.Info("session connected", "session_id", id, "remote_addr", r.RemoteAddr)

	go conn.PingLoop(ctx)
	go a.readLoop(conn, sess)

	if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error("session ended with error", "session_id", id, "error", err)
	}
	a.log.Info("session disconnected", "session_id", id)
}

// readLoop pumps client frames into the session until the connection dies.
// Binary frames are microphone audio; text frames are control messages.
func (a *App) readLoop(conn *transport.Conn, sess *orchestrator.Session) {
	for {
		in, err := conn.Read()
		if errors.Is(err, transport.ErrConnClosed) {
			sess.Stop()
			return
		}
		if err != nil {
			a.log.Warn("dropping unreadable client message",
				"session_id", sess.ID(), "error", err)
			continue
		}

		switch {
		case in.Audio != nil:
			if err := sess.PushAudio(in.Audio); err != nil {
				// Audio can race the STT stream coming up or going down;
				// dropped chunks are expected at the session edges.
				a.log.Debug("dropping audio chunk", "session_id", sess.ID(), "error", err)
			}
		case in.Control != nil:
			sess.Control(*in.Control)
		}
	}
}
