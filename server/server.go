// Package server exposes a session Manager over HTTP and streams session
// events to websocket clients.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/martinemde/autopilot/agentloop"
	"github.com/martinemde/autopilot/history"
	"github.com/martinemde/autopilot/observability"
)

// Config holds listener and websocket settings.
type Config struct {
	Addr           string        `mapstructure:"addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		SendBuffer:     1024,
		MaxMessageSize: 64 * 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}

// Server is the HTTP control surface for a Manager.
type Server struct {
	manager  *agentloop.Manager
	history  history.Store
	observer observability.Observer
	cfg      Config
	echo     *echo.Echo
	upgrader websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithHistory serves persisted messages from store.
func WithHistory(store history.Store) Option {
	return func(s *Server) { s.history = store }
}

// WithObserver sets where request logs go.
func WithObserver(obs observability.Observer) Option {
	return func(s *Server) { s.observer = obs }
}

// New builds a Server and registers its routes.
func New(manager *agentloop.Manager, cfg Config, opts ...Option) *Server {
	s := &Server{
		manager:  manager,
		observer: observability.NoOpObserver{},
		cfg:      cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := observability.LevelVerbose
			data := map[string]any{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency_ms": v.Latency.Milliseconds(),
			}
			if v.Error != nil {
				level = observability.LevelWarning
				data["error"] = v.Error.Error()
			}
			observability.Emit(c.Request().Context(), s.observer, observability.ServerRequest, level, "server", data)
			return nil
		},
	}))
	s.echo = e
	s.RegisterRoutes(e)
	return s
}

// RegisterRoutes mounts the API on e.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", s.Health)
	e.GET("/v1/tools", s.ListTools)

	e.POST("/v1/sessions", s.StartSession)
	e.GET("/v1/sessions", s.ListSessions)
	e.GET("/v1/sessions/:id", s.GetSession)
	e.POST("/v1/sessions/:id/cancel", s.CancelSession)
	e.POST("/v1/sessions/:id/confirmations/:request_id", s.ConfirmToolCall)
	e.GET("/v1/sessions/:id/messages", s.GetMessages)
	e.GET("/v1/sessions/:id/events", s.StreamEvents)
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener and cancels every running session.
func (s *Server) Shutdown(ctx context.Context) error {
	httpErr := s.echo.Shutdown(ctx)
	mgrErr := s.manager.Shutdown(ctx)
	return errors.Join(httpErr, mgrErr)
}

// errorStatus maps manager errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, agentloop.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, agentloop.ErrNoPendingConfirmation):
		return http.StatusConflict
	case errors.Is(err, agentloop.ErrEmptyMessage), errors.Is(err, agentloop.ErrUnknownTool):
		return http.StatusBadRequest
	case errors.Is(err, agentloop.ErrModelNotReady), errors.Is(err, agentloop.ErrManagerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorJSON(c echo.Context, err error) error {
	return c.JSON(errorStatus(err), map[string]string{"error": err.Error()})
}
