package httpapi

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/rxdictate/internal/live"
	"github.com/ent0n29/rxdictate/internal/logging"
	"github.com/ent0n29/rxdictate/internal/observability"
	"github.com/ent0n29/rxdictate/internal/protocol"
	"github.com/ent0n29/rxdictate/internal/session"
)

const (
	wsReadLimit    = 2 << 20
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

var errConnClosed = errors.New("websocket closed")

// wsEmitter serializes writes to one client socket.
type wsEmitter struct {
	conn    *websocket.Conn
	metrics *observability.Metrics

	mu     sync.Mutex
	closed bool
}

func (e *wsEmitter) Emit(msg any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errConnClosed
	}
	_ = e.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := e.conn.WriteJSON(msg); err != nil {
		e.metrics.IncWSMessage("outbound_error", "write_json")
		return err
	}
	if t, ok := messageTypeOf(msg); ok {
		e.metrics.IncWSMessage("outbound", string(t))
	}
	return nil
}

func (e *wsEmitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

func (s *Server) handleDictationWS(w http.ResponseWriter, r *http.Request) {
	owner, err := s.verifier.OwnerFromRequest(r)
	if err != nil {
		s.metrics.IncSessionEvent("ws_unauthorized")
		respondError(w, http.StatusUnauthorized, "unauthorized", "a valid bearer token is required")
		return
	}

	// The janitor closes the socket of an idle connection, which ends the
	// read loop below and tears the live session down.
	var wsConn atomic.Pointer[websocket.Conn]
	conn, err := s.sessions.Open(owner, func() {
		if c := wsConn.Load(); c != nil {
			_ = c.Close()
		}
	})
	if err != nil {
		if errors.Is(err, session.ErrTooManyConnections) {
			respondError(w, http.StatusTooManyRequests, "too_many_connections", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", "could not register connection")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.sessions.Close(conn.ID)
		return
	}
	wsConn.Store(ws)
	defer ws.Close()

	s.metrics.AddActiveConnections(1)
	s.metrics.IncSessionEvent("ws_connected")
	logger := s.logger.With().
		Str(logging.FieldConnectionID, conn.ID).
		Str(logging.FieldOwnerID, owner).
		Logger()
	logger.Debug().Msg("dictation socket connected")

	emitter := &wsEmitter{conn: ws, metrics: s.metrics}
	sess := live.NewSession(live.Config{
		ConnectionID: conn.ID,
		OwnerID:      owner,
		Language:     s.opts.LiveLanguage,
		Streamer:     s.streamer,
		Hints:        s.store,
		Finalizer:    s.pipeline,
		Emitter:      emitter,
		Clock:        s.clock,
		Metrics:      s.metrics,
		Logger:       s.logger,
	})

	ws.SetReadLimit(wsReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(wsReadTimeout))

		if msgType == websocket.BinaryMessage {
			s.metrics.IncWSMessage("inbound", string(protocol.TypeStreamAudio))
			_ = s.sessions.RecordFrame(conn.ID)
			sess.HandleAudio(data)
			continue
		}
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			// Malformed frames are dropped; the stream keeps going.
			if errors.Is(err, protocol.ErrInvalidAudioPayload) {
				s.metrics.IncFrameDropped("invalid_payload")
			} else {
				s.metrics.IncWSMessage("inbound", "invalid")
			}
			logger.Debug().Err(err).Msg("ignored client message")
			_ = s.sessions.Touch(conn.ID)
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.IncWSMessage("inbound", string(t))
		}

		switch m := parsed.(type) {
		case protocol.AudioFrame:
			_ = s.sessions.RecordFrame(conn.ID)
			sess.HandleAudio(m.Data)
		case protocol.Finalize:
			_ = s.sessions.RecordFinalize(conn.ID)
			sess.Finalize(m)
		}
	}

	sess.Disconnect()
	emitter.close()
	s.sessions.Close(conn.ID)
	s.metrics.AddActiveConnections(-1)
	s.metrics.IncSessionEvent("ws_disconnected")
	logger.Debug().Msg("dictation socket closed")
}
