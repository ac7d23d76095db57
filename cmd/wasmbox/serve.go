package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelbrown/wasmbox/internal/server"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the wasmbox HTTP server",
	Long: `Start the wasmbox HTTP server with REST API and WebSocket support.

Endpoints:
  POST /execute          run one module
  GET  /ws               one response frame per request frame
  GET  /executions[/id]  execution history (when storage.db_path is set)
  GET  /inflight         executions currently running
  GET  /health, /metrics

Examples:
  wasmbox serve
  wasmbox serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(context.Background())
	if err != nil {
		return err
	}
	defer a.Close()

	// Determine port
	port := a.cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	policy := a.pipeline.Policy()
	a.logger.Info("sandbox policy",
		zap.Uint64("default_memory_limit", policy.DefaultMemoryLimit),
		zap.Uint64("max_memory_limit", policy.MaxMemoryLimit),
		zap.Duration("default_timeout", policy.DefaultTimeout),
		zap.Duration("max_timeout", policy.MaxTimeout),
		zap.Int64("max_concurrent", a.cfg.MaxConcurrent()),
		zap.Bool("history", a.store != nil),
	)

	srv := server.New(a.cfg, a.exec, a.store, a.metrics, a.logger)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		if err := srv.Shutdown(context.Background()); err != nil {
			a.logger.Error("shutdown", zap.Error(err))
		}
	}()

	if err := srv.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
