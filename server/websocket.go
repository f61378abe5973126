package server

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/martinemde/autopilot/agentloop"
	"github.com/martinemde/autopilot/observability"
)

// Client control frame types.
const (
	ClientCancel  = "cancel"
	ClientConfirm = "confirm"
)

// ClientMessage is a control frame sent by a websocket client.
type ClientMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Approved  bool   `json:"approved,omitempty"`
}

// ControlReply answers a ClientMessage. Event frames carry "kind";
// replies carry "type".
type ControlReply struct {
	Type     string                      `json:"type"`
	For      string                      `json:"for,omitempty"`
	Error    string                      `json:"error,omitempty"`
	Response *agentloop.ToolCallResponse `json:"response,omitempty"`
}

var (
	errConnClosed = errors.New("websocket connection closed")
	errSlowClient = errors.New("websocket client is not keeping up")
)

type outbound struct {
	data  []byte
	final bool
}

// wsSink queues session events for one websocket connection. Deliver never
// blocks: a full queue closes the connection and detaches the sink, leaving
// the event queued in the stream buffer for the next client.
type wsSink struct {
	send chan outbound
	done chan struct{}
	once sync.Once
}

func newWSSink(buffer int) *wsSink {
	return &wsSink{
		send: make(chan outbound, buffer),
		done: make(chan struct{}),
	}
}

func (w *wsSink) Deliver(ev agentloop.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return w.enqueue(outbound{data: data, final: ev.Kind == agentloop.EventFinished})
}

func (w *wsSink) enqueue(m outbound) error {
	select {
	case <-w.done:
		return errConnClosed
	default:
	}
	select {
	case w.send <- m:
		return nil
	default:
		w.close()
		return errSlowClient
	}
}

func (w *wsSink) close() {
	w.once.Do(func() { close(w.done) })
}

// StreamEvents upgrades to a websocket and streams the session's events,
// starting with whatever was queued while no client was attached. The
// connection closes after Finished.
// GET /v1/sessions/:id/events
func (s *Server) StreamEvents(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.manager.Snapshot(id); err != nil {
		return errorJSON(c, err)
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		observability.Emit(c.Request().Context(), s.observer, observability.ServerRequest, observability.LevelWarning, "server.ws", map[string]any{
			"session_id": id,
			"error":      err.Error(),
		})
		return nil
	}

	sink := newWSSink(s.cfg.SendBuffer)
	go s.writePump(ws, sink)

	if err := s.manager.Attach(id, sink); err != nil {
		sink.close()
		return nil
	}

	go s.readPump(ws, id, sink)
	return nil
}

func (s *Server) readPump(ws *websocket.Conn, sessionID string, sink *wsSink) {
	defer sink.close()

	ws.SetReadLimit(s.cfg.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.handleClientMessage(sessionID, sink, data)
	}
}

func (s *Server) writePump(ws *websocket.Conn, sink *wsSink) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		sink.close()
		ws.Close()
	}()

	closeFrame := func(reason string) {
		ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	}

	for {
		select {
		case m := <-sink.send:
			ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, m.data); err != nil {
				return
			}
			if m.final {
				closeFrame("session finished")
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-sink.done:
			closeFrame("")
			return
		}
	}
}

func (s *Server) handleClientMessage(sessionID string, sink *wsSink, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.reply(sink, ControlReply{Type: "error", Error: "invalid JSON message"})
		return
	}

	switch msg.Type {
	case ClientCancel:
		if err := s.manager.Cancel(sessionID); err != nil {
			s.reply(sink, ControlReply{Type: "error", For: msg.Type, Error: err.Error()})
			return
		}
		s.reply(sink, ControlReply{Type: "ack", For: msg.Type})
	case ClientConfirm:
		resp, err := s.manager.Confirm(sessionID, msg.RequestID, msg.Approved)
		if err != nil {
			s.reply(sink, ControlReply{Type: "error", For: msg.Type, Error: err.Error()})
			return
		}
		s.reply(sink, ControlReply{Type: "ack", For: msg.Type, Response: resp})
	default:
		s.reply(sink, ControlReply{Type: "error", Error: "unknown message type: " + msg.Type})
	}
}

func (s *Server) reply(sink *wsSink, r ControlReply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	sink.enqueue(outbound{data: data})
}
