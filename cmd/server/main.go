package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gatekeeper/internal/app"
	"gatekeeper/internal/platform/config"
	"gatekeeper/internal/platform/httpserver"
	"gatekeeper/internal/platform/logger"
)

const shutdownTimeout = 10 * time.Second

// main loads configuration, wires the application and runs the HTTP server
// until SIGINT or SIGTERM.
func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logger.New(cfg.Logging)

	if err := run(cfg, log); err != nil {
		log.Error("gatekeeper stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			log.Warn("failed to release resources", "error", err)
		}
	}()

	srv := httpserver.New(cfg.Server.Addr, application.Handler, log)
	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting gatekeeper",
			"addr", cfg.Server.Addr,
			"auth_mode", cfg.AuthMode,
			"tenant", cfg.IDP.TenantID,
		)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
