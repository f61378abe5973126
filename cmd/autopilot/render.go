package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/martinemde/autopilot/agentloop"
)

var (
	turnStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	toolStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

const (
	maxCallWidth    = 160
	maxPreviewLines = 8
)

// renderer prints session events as a readable transcript. Content chunks
// are written inline; everything else gets its own line.
type renderer struct {
	w       io.Writer
	midLine bool
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w}
}

func (r *renderer) line(s string) {
	if r.midLine {
		fmt.Fprintln(r.w)
		r.midLine = false
	}
	fmt.Fprintln(r.w, s)
}

// Render writes one event.
func (r *renderer) Render(ev agentloop.Event) {
	switch ev.Kind {
	case agentloop.EventTurnStarted:
		r.line(turnStyle.Render(fmt.Sprintf("── turn %d", ev.Turn)))

	case agentloop.EventContent:
		if ev.Text == "" {
			return
		}
		fmt.Fprint(r.w, ev.Text)
		r.midLine = !strings.HasSuffix(ev.Text, "\n")

	case agentloop.EventToolCallRequest:
		r.line(toolStyle.Render("→ " + formatCall(ev.Request)))

	case agentloop.EventConfirmationRequired:
		r.line(warnStyle.Render("? " + formatCall(ev.Request) + " needs confirmation"))

	case agentloop.EventToolCallResponse:
		resp := ev.Response
		if resp == nil {
			return
		}
		if !resp.Success {
			r.line(errorStyle.Render(fmt.Sprintf("✗ %s: %s", resp.Name, resp.Error)))
			return
		}
		r.line(successStyle.Render("✓ "+resp.Name) + " " + dimStyle.Render(resp.Duration.Round(time.Millisecond).String()))
		if preview := formatPreview(resp.Result); preview != "" {
			r.line(dimStyle.Render(indent(preview, "  ")))
		}

	case agentloop.EventLoopDetected:
		r.line(warnStyle.Render(fmt.Sprintf("⟳ loop detected (%s)", ev.LoopKind)))

	case agentloop.EventError:
		msg := "error: " + ev.Error
		if ev.Recoverable {
			msg += " (retrying)"
		}
		r.line(errorStyle.Render(msg))

	case agentloop.EventUserCancelled:
		r.line(warnStyle.Render("cancelled"))

	case agentloop.EventTurnCompleted:
		if r.midLine {
			fmt.Fprintln(r.w)
			r.midLine = false
		}

	case agentloop.EventFinished:
		summary := fmt.Sprintf("finished: %s", ev.State)
		if ev.Reason != "" {
			summary += " (" + ev.Reason + ")"
		}
		if ev.Detail != "" {
			summary += ": " + ev.Detail
		}
		style := dimStyle
		if ev.State == agentloop.StateFatalError {
			style = errorStyle
		}
		r.line(style.Render(summary))
	}
}

// formatCall renders a tool call as name(params) on one line.
func formatCall(req *agentloop.ToolCallRequest) string {
	if req == nil {
		return ""
	}
	params := "{}"
	if len(req.Params) > 0 {
		if data, err := json.Marshal(req.Params); err == nil {
			params = string(data)
		}
	}
	call := req.Name + "(" + params + ")"
	if runes := []rune(call); len(runes) > maxCallWidth {
		call = string(runes[:maxCallWidth-1]) + "…"
	}
	return call
}

// formatPreview renders the first and last lines of a tool result.
func formatPreview(result interface{}) string {
	var text string
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		text = v
	case []string:
		text = strings.Join(v, "\n")
	case interface{ Output() string }:
		text = v.Output()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			text = fmt.Sprint(v)
		} else {
			text = string(data)
		}
	}
	return agentloop.TruncateLines(strings.TrimRight(text, "\n"), maxPreviewLines)
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
