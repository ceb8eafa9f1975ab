package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jonathan/project-init/internal/db"
)

// StateEvent is the event name of the snapshot sent when a stream opens
const StateEvent = "initialization.state"

const (
	wsWriteWait  = 10 * time.Second
	wsMaxMessage = 512
)

// streamSink is where a progress stream writes to
type streamSink struct {
	send func(event string, data any) error
	ping func() error
}

// streamProgress sends the current state, then live events until a terminal
// event, the client leaving or ctx ending. The subscription opens before the
// snapshot is read so no event between the two is lost.
func (s *Server) streamProgress(ctx context.Context, project *db.Project, sink streamSink) error {
	events, unsubscribe := s.deps.Events.Subscribe(project.ID.String())
	defer unsubscribe()

	state, err := s.status(ctx, project)
	if err != nil {
		return err
	}
	if err := sink.send(StateEvent, state); err != nil {
		return err
	}
	if !state.live() {
		return nil
	}

	keepalive := time.NewTicker(s.cfg.KeepAlive)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := sink.send(ev.Type, ev); err != nil {
				return err
			}
			if ev.Terminal() {
				return nil
			}
		case <-keepalive.C:
			if err := sink.ping(); err != nil {
				return err
			}
		}
	}
}

// handleStream streams progress as Server-Sent Events
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	project, err := s.loadProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	err = s.streamProgress(r.Context(), project, streamSink{
		send: sse.WriteEvent,
		ping: func() error { return sse.WriteComment("keepalive") },
	})
	if err != nil && r.Context().Err() == nil {
		s.logger.Warn("progress stream ended with error", "project_id", project.ID, "error", err)
		sse.WriteError("stream failed")
	}
}

// wsMessage is the envelope of WebSocket stream messages
type wsMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// handleWebSocket streams progress over a WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	project, err := s.loadProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Debug("websocket upgrade failed", "project_id", project.ID, "error", err)
		return
	}
	defer conn.Close()

	// The read loop handles control frames and notices the client leaving
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn.SetReadLimit(wsMaxMessage)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	err = s.streamProgress(ctx, project, streamSink{
		send: func(event string, data any) error {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return conn.WriteJSON(wsMessage{Event: event, Data: data})
		},
		ping: func() error {
			return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		},
	})

	code, text := websocket.CloseNormalClosure, ""
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("progress stream ended with error", "project_id", project.ID, "error", err)
		code, text = websocket.CloseInternalServerErr, "stream failed"
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wsWriteWait))
}
