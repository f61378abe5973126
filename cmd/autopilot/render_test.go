package main

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/martinemde/autopilot/agentloop"
	"github.com/martinemde/autopilot/builtin"
)

func TestRenderer_Transcript(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf)

	req := &agentloop.ToolCallRequest{ID: "call-1", Name: "read_file", Params: agentloop.Params{"path": "a.txt"}}
	events := []agentloop.Event{
		{Kind: agentloop.EventTurnStarted, Turn: 1},
		{Kind: agentloop.EventContent, Text: "hello "},
		{Kind: agentloop.EventContent, Text: "world"},
		{Kind: agentloop.EventToolCallRequest, Request: req},
		{Kind: agentloop.EventToolCallResponse, Response: &agentloop.ToolCallResponse{
			Name: "read_file", Success: true, Result: "1 | package main", Duration: 1500 * time.Microsecond,
		}},
		{Kind: agentloop.EventToolCallResponse, Response: &agentloop.ToolCallResponse{
			Name: "run_command", Error: "boom",
		}},
		{Kind: agentloop.EventLoopDetected, LoopKind: agentloop.LoopExact},
		{Kind: agentloop.EventError, Error: "rate limited", Recoverable: true},
		{Kind: agentloop.EventTurnCompleted, Turn: 1},
		{Kind: agentloop.EventFinished, State: agentloop.StateCompleted, Reason: agentloop.ReasonToolCallsComplete},
	}
	for _, ev := range events {
		r.Render(ev)
	}

	out := buf.String()
	assert.Contains(t, out, "── turn 1")
	assert.Contains(t, out, "hello world\n")
	assert.Contains(t, out, `→ read_file({"path":"a.txt"})`)
	assert.Contains(t, out, "✓ read_file")
	assert.Contains(t, out, "  1 | package main")
	assert.Contains(t, out, "✗ run_command: boom")
	assert.Contains(t, out, "⟳ loop detected (exact)")
	assert.Contains(t, out, "error: rate limited (retrying)")
	assert.Contains(t, out, "finished: completed (tool_calls_complete)")
}

func TestRenderer_ContentBreaksBeforeOtherEvents(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf)

	r.Render(agentloop.Event{Kind: agentloop.EventContent, Text: "partial"})
	r.Render(agentloop.Event{Kind: agentloop.EventUserCancelled})
	r.Render(agentloop.Event{Kind: agentloop.EventFinished, State: agentloop.StateCancelled, Detail: "cancelled by caller"})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 3)
	assert.Equal(t, "partial", lines[0])
	assert.Contains(t, lines[2], "finished: cancelled: cancelled by caller")
}

func TestFormatCall(t *testing.T) {
	assert.Equal(t, "list_directory({})", formatCall(&agentloop.ToolCallRequest{Name: "list_directory"}))
	assert.Equal(t, "", formatCall(nil))

	long := formatCall(&agentloop.ToolCallRequest{
		Name:   "write_file",
		Params: agentloop.Params{"content": strings.Repeat("x", 500)},
	})
	assert.Len(t, []rune(long), maxCallWidth)
	assert.True(t, strings.HasSuffix(long, "…"))
}

func TestFormatPreview(t *testing.T) {
	assert.Equal(t, "", formatPreview(nil))
	assert.Equal(t, "a/\nb.go", formatPreview([]string{"a/", "b.go"}))
	assert.Equal(t, "out\nerr", formatPreview(&builtin.ExecResult{Stdout: "out", Stderr: "err"}))
	assert.Equal(t, `{"n":1}`, formatPreview(map[string]int{"n": 1}))

	var lines []string
	for i := 1; i <= 30; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	preview := formatPreview(strings.Join(lines, "\n") + "\n")
	assert.Contains(t, preview, "line 1\n")
	assert.Contains(t, preview, "line 30")
	assert.Contains(t, preview, "[... 22 lines omitted ...]")
	assert.NotContains(t, preview, "line 15")
}
