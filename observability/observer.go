// Package observability carries structured log events out of the agent loop,
// tool registry and transports. Subsystems emit Events to an Observer; the
// host decides whether they land in slog, a test recorder, or nowhere.
package observability

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Level is event severity. Values follow the OpenTelemetry severity ranges
// so they can be forwarded to a collector without translation.
type Level int

const (
	LevelVerbose Level = 5
	LevelInfo    Level = 9
	LevelWarning Level = 13
	LevelError   Level = 17
)

// String returns the severity text for the level.
func (l Level) String() string {
	switch {
	case l <= 4:
		return "TRACE"
	case l <= 8:
		return "DEBUG"
	case l <= 12:
		return "INFO"
	case l <= 16:
		return "WARN"
	case l <= 20:
		return "ERROR"
	default:
		return "FATAL"
	}
}

// SlogLevel maps the level onto slog.
func (l Level) SlogLevel() slog.Level {
	switch {
	case l <= 8:
		return slog.LevelDebug
	case l <= 12:
		return slog.LevelInfo
	case l <= 16:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// ParseLevel converts a config string ("debug", "info", "warn", "error")
// into a Level. Unknown values map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "verbose", "trace":
		return LevelVerbose
	case "warn", "warning":
		return LevelWarning
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// EventType names an event, e.g. "session.start" or "tool.execute".
type EventType string

const (
	SessionStart         EventType = "session.start"
	SessionEnd           EventType = "session.end"
	TurnError            EventType = "turn.error"
	ToolExecute          EventType = "tool.execute"
	ToolPending          EventType = "tool.pending"
	ToolConfirmHookError EventType = "tool.confirm_hook_error"
	LoopDetected         EventType = "loop.detected"
	HistoryPersistFailed EventType = "history.persist_failed"
	StreamSinkFailed     EventType = "stream.sink_failed"
	ServerRequest        EventType = "server.request"
	ServerListen         EventType = "server.listen"
	ModelRequest         EventType = "model.request"
	ModelRetry           EventType = "model.retry"
)

// Event is a single observability record.
type Event struct {
	Type      EventType
	Level     Level
	Timestamp time.Time
	Source    string
	Data      map[string]any
}

// Observer receives events for logging, tracing, or metrics.
type Observer interface {
	OnEvent(ctx context.Context, event Event)
}

// Emit builds an Event stamped with the current time and hands it to obs.
// A nil observer is ignored.
func Emit(ctx context.Context, obs Observer, typ EventType, level Level, source string, data map[string]any) {
	if obs == nil {
		return
	}
	obs.OnEvent(ctx, Event{
		Type:      typ,
		Level:     level,
		Timestamp: time.Now(),
		Source:    source,
		Data:      data,
	})
}
