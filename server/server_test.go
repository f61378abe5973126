package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/autopilot/agentloop"
	"github.com/martinemde/autopilot/history"
	"github.com/martinemde/autopilot/observability"
)

type readyModel struct {
	agentloop.ModelFunc
	err error
}

func (m readyModel) Ready() error { return m.err }

func textModel(text string) agentloop.Model {
	return agentloop.ModelFunc(func(ctx context.Context, prompt agentloop.PromptContext, tools []agentloop.ToolDefinition) (*agentloop.ModelResponse, error) {
		return &agentloop.ModelResponse{
			Parts:      []agentloop.ResponsePart{{Text: text}},
			StopReason: agentloop.StopEndTurn,
		}, nil
	})
}

// toolThenTextModel calls tool once, then answers with text.
func toolThenTextModel(tool string) agentloop.Model {
	var calls atomic.Int32
	return agentloop.ModelFunc(func(ctx context.Context, prompt agentloop.PromptContext, tools []agentloop.ToolDefinition) (*agentloop.ModelResponse, error) {
		if calls.Add(1) == 1 {
			return &agentloop.ModelResponse{
				Parts: []agentloop.ResponsePart{{ToolCall: &agentloop.ToolCallPart{
					ID:     "call-1",
					Name:   tool,
					Params: agentloop.Params{"path": "a.txt"},
				}}},
				StopReason: agentloop.StopToolUse,
			}, nil
		}
		return &agentloop.ModelResponse{
			Parts:      []agentloop.ResponsePart{{Text: "all done"}},
			StopReason: agentloop.StopEndTurn,
		}, nil
	})
}

func blockingModel() agentloop.Model {
	return agentloop.ModelFunc(func(ctx context.Context, prompt agentloop.PromptContext, tools []agentloop.ToolDefinition) (*agentloop.ModelResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func testRegistry() *agentloop.ToolRegistry {
	reg := agentloop.NewToolRegistry()
	reg.Register(agentloop.NewTool(agentloop.ToolDefinition{Name: "echo", Description: "Echo params"}, func(ctx context.Context, params agentloop.Params, caller agentloop.CallerContext) (interface{}, error) {
		path, _ := params.String("path")
		return "echo " + path, nil
	}))
	reg.Register(agentloop.NewTool(agentloop.ToolDefinition{Name: "danger", RequiresConfirmation: true}, func(ctx context.Context, params agentloop.Params, caller agentloop.CallerContext) (interface{}, error) {
		return "did it", nil
	}))
	return reg
}

type testServer struct {
	*Server
	manager *agentloop.Manager
}

func newTestServer(t *testing.T, model agentloop.Model, opts ...Option) *testServer {
	t.Helper()
	manager := agentloop.NewManager(model, testRegistry(),
		agentloop.WithDisposeGrace(time.Minute),
		agentloop.WithHistoryStore(historyFromOptions(opts)),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})
	return &testServer{Server: New(manager, Config{}, opts...), manager: manager}
}

// historyFromOptions lets the manager and server share a store passed via
// WithHistory.
func historyFromOptions(opts []Option) agentloop.HistoryStore {
	probe := &Server{}
	for _, opt := range opts {
		opt(probe)
	}
	if probe.history == nil {
		return agentloop.NoopHistoryStore{}
	}
	return probe.history
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func (s *testServer) start(t *testing.T, body string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/sessions", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out["session_id"])
	assert.Equal(t, "/v1/sessions/"+out["session_id"]+"/events", out["events_url"])
	return out["session_id"]
}

func (s *testServer) wait(t *testing.T, id string) {
	t.Helper()
	done, err := s.manager.Done(id)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, textModel("hi"))
	rec := s.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestListTools(t *testing.T) {
	s := newTestServer(t, textModel("hi"))
	rec := s.do(t, http.MethodGet, "/v1/tools", "")
	require.Equal(t, http.StatusOK, rec.Code)

	out := decode[struct {
		Tools []agentloop.ToolDefinition `json:"tools"`
	}](t, rec)
	require.Len(t, out.Tools, 2)
	assert.Equal(t, "danger", out.Tools[0].Name)
	assert.True(t, out.Tools[0].RequiresConfirmation)
	assert.Equal(t, "echo", out.Tools[1].Name)
}

func TestStartSession_Validation(t *testing.T) {
	s := newTestServer(t, textModel("hi"))

	tests := []struct {
		name   string
		body   string
		status int
		errMsg string
	}{
		{"malformed body", `{"message":`, http.StatusBadRequest, "invalid request body"},
		{"empty message", `{"message":"   "}`, http.StatusBadRequest, "message is empty"},
		{"unknown tool", `{"message":"hi","tools":["nope"]}`, http.StatusBadRequest, "unknown tool: nope"},
		{"bad timeout", `{"message":"hi","timeout":"soon"}`, http.StatusBadRequest, `invalid timeout "soon"`},
		{"negative max turns", `{"message":"hi","max_turns":-1}`, http.StatusBadRequest, "max_turns must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/v1/sessions", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			out := decode[map[string]string](t, rec)
			assert.Equal(t, tt.errMsg, out["error"])
		})
	}
}

func TestStartSession_ModelNotReady(t *testing.T) {
	model := readyModel{ModelFunc: textModel("hi").(agentloop.ModelFunc), err: errors.New("no api key")}
	s := newTestServer(t, model)

	rec := s.do(t, http.MethodPost, "/v1/sessions", `{"message":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no api key")
}

func TestStartAndGetSession(t *testing.T) {
	s := newTestServer(t, textModel("finished the job"))
	id := s.start(t, `{"message":"do the job","max_turns":4,"timeout":"30s","context":{"working_dir":"/tmp"}}`)
	s.wait(t, id)

	rec := s.do(t, http.MethodGet, "/v1/sessions/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[agentloop.SessionSnapshot](t, rec)
	assert.Equal(t, id, snap.ID)
	assert.Equal(t, agentloop.StateCompleted, snap.State)
	assert.Equal(t, 4, snap.MaxTurns)
	assert.Equal(t, 1, snap.CurrentTurn)
	assert.Equal(t, "/tmp", snap.Context["working_dir"])

	rec = s.do(t, http.MethodGet, "/v1/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Sessions []agentloop.SessionSnapshot `json:"sessions"`
	}](t, rec)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, id, list.Sessions[0].ID)
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestServer(t, textModel("hi"))

	for _, req := range []struct{ method, path, body string }{
		{http.MethodGet, "/v1/sessions/missing", ""},
		{http.MethodPost, "/v1/sessions/missing/cancel", ""},
		{http.MethodPost, "/v1/sessions/missing/confirmations/call-1", `{"approved":true}`},
		{http.MethodGet, "/v1/sessions/missing/events", ""},
	} {
		rec := s.do(t, req.method, req.path, req.body)
		assert.Equal(t, http.StatusNotFound, rec.Code, req.path)
		assert.Contains(t, rec.Body.String(), "session not found", req.path)
	}
}

func TestCancelSession(t *testing.T) {
	s := newTestServer(t, blockingModel())
	id := s.start(t, `{"message":"wait forever"}`)

	rec := s.do(t, http.MethodPost, "/v1/sessions/"+id+"/cancel", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	s.wait(t, id)

	snap, err := s.manager.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, agentloop.StateCancelled, snap.State)
}

func TestConfirmToolCall(t *testing.T) {
	s := newTestServer(t, toolThenTextModel("danger"))
	id := s.start(t, `{"message":"do something risky"}`)

	var pending []agentloop.ToolCallRequest
	require.Eventually(t, func() bool {
		snap, err := s.manager.Snapshot(id)
		if err != nil {
			return false
		}
		pending = snap.Pending
		return len(pending) == 1
	}, 5*time.Second, 10*time.Millisecond)

	rec := s.do(t, http.MethodPost, "/v1/sessions/"+id+"/confirmations/unknown", `{"approved":true}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/sessions/"+id+"/confirmations/"+pending[0].ID, `{"approved":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[agentloop.ToolCallResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, "did it", resp.Result)

	s.wait(t, id)
	snap, err := s.manager.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, agentloop.StateCompleted, snap.State)
	assert.Equal(t, 1, snap.ToolCalls)
}

func TestGetMessages(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		s := newTestServer(t, textModel("hi"))
		rec := s.do(t, http.MethodGet, "/v1/sessions/any/messages", "")
		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	})

	t.Run("enabled", func(t *testing.T) {
		store := history.NewMemoryStore()
		s := newTestServer(t, toolThenTextModel("echo"), WithHistory(store))
		id := s.start(t, `{"message":"echo a file","auto_execute":true}`)
		s.wait(t, id)

		rec := s.do(t, http.MethodGet, "/v1/sessions/"+id+"/messages", "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		out := decode[struct {
			SessionID string                 `json:"session_id"`
			Metadata  map[string]interface{} `json:"metadata"`
			Messages  []agentloop.Message    `json:"messages"`
		}](t, rec)
		assert.Equal(t, id, out.SessionID)
		assert.Equal(t, "completed", out.Metadata["state"])
		require.NotEmpty(t, out.Messages)
		assert.Equal(t, "echo a file", out.Messages[0].TextContent())

		rec = s.do(t, http.MethodGet, "/v1/sessions/missing/messages", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRequestLogging(t *testing.T) {
	rec := &observability.Recorder{}
	s := newTestServer(t, textModel("hi"), WithObserver(rec))
	s.do(t, http.MethodGet, "/healthz", "")

	events := rec.OfType(observability.ServerRequest)
	require.Len(t, events, 1)
	assert.Equal(t, "/healthz", events[0].Data["uri"])
	assert.Equal(t, http.StatusOK, events[0].Data["status"])
}

func dialEvents(t *testing.T, ts *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/" + id + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntilFinished(t *testing.T, conn *websocket.Conn) []agentloop.Event {
	t.Helper()
	var events []agentloop.Event
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev agentloop.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		if ev.Kind == "" {
			continue
		}
		events = append(events, ev)
		if ev.Kind == agentloop.EventFinished {
			return events
		}
	}
}

func TestStreamEvents_ReplaysQueuedEvents(t *testing.T) {
	s := newTestServer(t, textModel("hello there"))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	id := s.start(t, `{"message":"say hello"}`)
	s.wait(t, id)

	conn := dialEvents(t, ts, id)
	events := readUntilFinished(t, conn)

	require.NotEmpty(t, events)
	assert.Equal(t, agentloop.EventTurnStarted, events[0].Kind)
	assert.Equal(t, agentloop.EventFinished, events[len(events)-1].Kind)
	for i, ev := range events {
		assert.Equal(t, id, ev.SessionID)
		if i > 0 {
			assert.Equal(t, events[i-1].Seq+1, ev.Seq)
		}
	}

	var text strings.Builder
	for _, ev := range events {
		if ev.Kind == agentloop.EventContent {
			text.WriteString(ev.Text)
		}
	}
	assert.Equal(t, "hello there", text.String())

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal close, got %v", err)
}

// toolThenBlockModel calls tool once and then waits for cancellation.
func toolThenBlockModel(tool string) agentloop.Model {
	var calls atomic.Int32
	return agentloop.ModelFunc(func(ctx context.Context, prompt agentloop.PromptContext, tools []agentloop.ToolDefinition) (*agentloop.ModelResponse, error) {
		if calls.Add(1) == 1 {
			return &agentloop.ModelResponse{
				Parts:      []agentloop.ResponsePart{{ToolCall: &agentloop.ToolCallPart{ID: "call-1", Name: tool}}},
				StopReason: agentloop.StopToolUse,
			}, nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func TestStreamEvents_ControlFrames(t *testing.T) {
	s := newTestServer(t, toolThenBlockModel("danger"))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	id := s.start(t, `{"message":"risky"}`)
	conn := dialEvents(t, ts, id)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var requestID string
	for requestID == "" {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev agentloop.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		if ev.Kind == agentloop.EventConfirmationRequired {
			requestID = ev.Request.ID
		}
	}

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "bogus"}))
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientConfirm, RequestID: requestID, Approved: false}))

	// The model blocks after the denied call, so both replies arrive
	// before the session can finish.
	var replies []ControlReply
	for len(replies) < 2 {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &frame))
		if _, ok := frame["type"]; !ok {
			continue
		}
		var r ControlReply
		require.NoError(t, json.Unmarshal(data, &r))
		replies = append(replies, r)
	}

	assert.Equal(t, "error", replies[0].Type)
	assert.Equal(t, "unknown message type: bogus", replies[0].Error)
	assert.Equal(t, "ack", replies[1].Type)
	assert.Equal(t, ClientConfirm, replies[1].For)
	require.NotNil(t, replies[1].Response)
	assert.False(t, replies[1].Response.Success)
	assert.Equal(t, "cancelled by user", replies[1].Response.Error)

	rec := s.do(t, http.MethodPost, "/v1/sessions/"+id+"/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var last agentloop.Event
	for last.Kind != agentloop.EventFinished {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		last = agentloop.Event{}
		require.NoError(t, json.Unmarshal(data, &last))
	}
	assert.Equal(t, agentloop.StateCancelled, last.State)
}

func TestWSSink_SlowClientDetaches(t *testing.T) {
	sink := newWSSink(1)
	require.NoError(t, sink.Deliver(agentloop.Event{Kind: agentloop.EventContent, Text: "a"}))
	assert.ErrorIs(t, sink.Deliver(agentloop.Event{Kind: agentloop.EventContent, Text: "b"}), errSlowClient)
	assert.ErrorIs(t, sink.Deliver(agentloop.Event{Kind: agentloop.EventContent, Text: "c"}), errConnClosed)
}

func TestErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, errorStatus(agentloop.ErrSessionNotFound))
	assert.Equal(t, http.StatusConflict, errorStatus(agentloop.ErrNoPendingConfirmation))
	assert.Equal(t, http.StatusServiceUnavailable, errorStatus(agentloop.ErrManagerClosed))
	assert.Equal(t, http.StatusInternalServerError, errorStatus(errors.New("boom")))
}
