package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/martinemde/autopilot/observability"
	"github.com/martinemde/autopilot/server"
)

var (
	serveAddr            string
	serveShutdownTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve sessions over HTTP and websocket",
	Long: `Serve the session API.

Endpoints:
  GET  /healthz
  GET  /v1/tools
  POST /v1/sessions
  GET  /v1/sessions
  GET  /v1/sessions/:id
  POST /v1/sessions/:id/cancel
  POST /v1/sessions/:id/confirmations/:request_id
  GET  /v1/sessions/:id/messages
  GET  /v1/sessions/:id/events     (websocket)`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 10*time.Second, "Time allowed for sessions to stop on shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	srv := server.New(a.manager, cfg.Server,
		server.WithHistory(a.history),
		server.WithObserver(a.observer),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	observability.Emit(ctx, a.observer, observability.ServerListen, observability.LevelInfo, "cmd.serve", map[string]any{
		"addr":     cfg.Server.Addr,
		"provider": cfg.Provider,
		"model":    cfg.ModelName(),
		"tools":    a.registry.Names(),
	})

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("serve %s: %w", cfg.Server.Addr, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serveShutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, srv.Shutdown(shutdownCtx), a.Close(shutdownCtx))
}
