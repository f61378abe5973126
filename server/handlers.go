package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/martinemde/autopilot/agentloop"
)

// StartRequest is the body of POST /v1/sessions.
type StartRequest struct {
	Message      string            `json:"message"`
	Tools        []string          `json:"tools,omitempty"`
	MaxTurns     int               `json:"max_turns,omitempty"`
	Timeout      string            `json:"timeout,omitempty"`
	AutoExecute  bool              `json:"auto_execute"`
	Context      map[string]string `json:"context,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
}

// ConfirmRequest is the body of POST /v1/sessions/:id/confirmations/:request_id.
type ConfirmRequest struct {
	Approved bool `json:"approved"`
}

// Health reports liveness.
// GET /healthz
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ListTools lists every registered tool definition.
// GET /v1/tools
func (s *Server) ListTools(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tools": s.manager.Tools(),
	})
}

// StartSession starts a session and returns its id. Events are read from
// the events endpoint.
// POST /v1/sessions
func (s *Server) StartSession(c echo.Context) error {
	var req StartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	var timeout time.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid timeout %q", req.Timeout)})
		}
		timeout = d
	}
	if req.MaxTurns < 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "max_turns must not be negative"})
	}

	id, err := s.manager.Start(c.Request().Context(), req.Message, agentloop.SessionOptions{
		Tools:        req.Tools,
		MaxTurns:     req.MaxTurns,
		Timeout:      timeout,
		AutoExecute:  req.AutoExecute,
		Context:      req.Context,
		SystemPrompt: req.SystemPrompt,
	})
	if err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(http.StatusCreated, map[string]string{
		"session_id": id,
		"events_url": "/v1/sessions/" + id + "/events",
	})
}

// ListSessions returns snapshots of every live or recently finished session.
// GET /v1/sessions
func (s *Server) ListSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions": s.manager.Sessions(),
	})
}

// GetSession returns one session's snapshot.
// GET /v1/sessions/:id
func (s *Server) GetSession(c echo.Context) error {
	snap, err := s.manager.Snapshot(c.Param("id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// CancelSession signals cancellation. The session winds down
// asynchronously and emits UserCancelled then Finished.
// POST /v1/sessions/:id/cancel
func (s *Server) CancelSession(c echo.Context) error {
	if err := s.manager.Cancel(c.Param("id")); err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]bool{"ok": true})
}

// ConfirmToolCall approves or denies a tool call awaiting confirmation and
// returns the resulting tool response.
// POST /v1/sessions/:id/confirmations/:request_id
func (s *Server) ConfirmToolCall(c echo.Context) error {
	var req ConfirmRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	resp, err := s.manager.Confirm(c.Param("id"), c.Param("request_id"), req.Approved)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetMessages returns the persisted message history of a session.
// GET /v1/sessions/:id/messages
func (s *Server) GetMessages(c echo.Context) error {
	if s.history == nil {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "history is not enabled"})
	}
	ctx := c.Request().Context()
	id := c.Param("id")

	msgs, err := s.history.Messages(ctx, id)
	if err != nil {
		return errorJSON(c, err)
	}
	meta, err := s.history.Metadata(ctx, id)
	if err != nil {
		return errorJSON(c, err)
	}
	if meta == nil && len(msgs) == 0 {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	if msgs == nil {
		msgs = []agentloop.Message{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_id": id,
		"metadata":   meta,
		"messages":   msgs,
	})
}
