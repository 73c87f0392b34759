// Package ws serves the dialogue engine over a WebSocket endpoint.
//
// Each connection is one session. Binary frames carry raw PCM audio into the
// intake gate; text frames carry JSON control messages (end of utterance,
// interrupt, client-side transcripts). Every pipeline event for the session
// is written back as a JSON text frame, in order and without loss — a slow
// client applies back-pressure to its own pipeline, never to other sessions.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/vocalis-ai/vocalis/internal/events"
	"github.com/vocalis-ai/vocalis/internal/pipeline"
)

// Control message types accepted on text frames.
const (
	ControlAudioEnd   = "audio.end"
	ControlInterrupt  = "interrupt"
	ControlTranscript = "transcript"
)

// ControlMessage is the JSON envelope for inbound text frames.
type ControlMessage struct {
	Type string `json:"type"`

	// Text and IsFinal apply to "transcript" messages.
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`

	// Reason optionally annotates "interrupt" messages. Defaults to "user".
	Reason string `json:"reason,omitempty"`
}

// Config tunes the transport.
type Config struct {
	// EventBuffer is the per-connection event channel capacity. Default: 64.
	EventBuffer int

	// WriteTimeout bounds a single outbound frame write. Default: 10s.
	WriteTimeout time.Duration

	// OriginPatterns is passed through to the WebSocket accept handshake.
	// Empty means same-origin only.
	OriginPatterns []string
}

func (c Config) withDefaults() Config {
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Server upgrades HTTP requests to session WebSockets.
type Server struct {
	cfg    Config
	engine *pipeline.Engine
	log    *slog.Logger
}

// NewServer creates a Server over the given engine.
func NewServer(cfg Config, engine *pipeline.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg.withDefaults(), engine: engine, log: log}
}

// Register mounts the session endpoint on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/session", s.ServeHTTP)
}

// ServeHTTP upgrades the request and runs the session until the client
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "anonymous"
	}

	log := s.log.With("conn_id", uuid.NewString(), "user_id", userID)
	if err := s.serve(r.Context(), conn, userID, log); err != nil {
		log.Info("connection closed", "error", err)
		conn.Close(websocket.StatusInternalError, "session error")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) serve(ctx context.Context, conn *websocket.Conn, userID string, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	snap := s.engine.Attach(userID)
	defer s.engine.Detach(snap.ID)
	log = log.With("session_id", snap.ID)

	ch, stop := s.engine.Subscribe(snap.ID, s.cfg.EventBuffer)
	defer stop()
	s.engine.AnnounceCreated(snap.ID)
	log.Info("session attached", "conversation_id", snap.ConversationID)

	writeDone := make(chan error, 1)
	go func() {
		writeDone <- s.writeLoop(ctx, conn, ch)
	}()

	readErr := s.readLoop(ctx, conn, snap.ID, log)
	cancel()
	writeErr := <-writeDone

	switch {
	case isClosed(readErr):
		return nil
	case readErr != nil:
		return readErr
	case writeErr != nil && !errors.Is(writeErr, context.Canceled):
		return writeErr
	}
	return nil
}

// readLoop pumps inbound frames into the engine until the connection drops.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sessionID string, log *slog.Logger) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		switch typ {
		case websocket.MessageBinary:
			if err := s.engine.OnAudioChunk(sessionID, data); err != nil {
				return fmt.Errorf("audio chunk: %w", err)
			}
		case websocket.MessageText:
			var msg ControlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Warn("malformed control message", "error", err)
				continue
			}
			if err := s.dispatch(ctx, sessionID, msg, log); err != nil {
				return err
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, sessionID string, msg ControlMessage, log *slog.Logger) error {
	switch msg.Type {
	case ControlAudioEnd:
		return s.engine.OnAudioEnd(ctx, sessionID)
	case ControlInterrupt:
		reason := msg.Reason
		if reason == "" {
			reason = "user"
		}
		s.engine.Interrupt(sessionID, reason, "control")
		return nil
	case ControlTranscript:
		return s.engine.OnTranscript(ctx, sessionID, msg.Text, msg.IsFinal)
	default:
		log.Warn("unknown control message type", "type", msg.Type)
		return nil
	}
}

// writeLoop serializes the session's events onto the connection. The event
// channel is never closed by the mux; ctx cancellation is the exit signal.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, ch <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("marshal event %q: %w", ev.Kind, err)
			}
			wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// isClosed reports whether err is an orderly client disconnect.
func isClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
