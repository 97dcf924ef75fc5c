// Package main is the entry point for quantlab, the research backend that
// runs backtests, optimizations and factor analyses as background jobs and
// streams their progress to clients.
//
// Startup order:
// 1. Load configuration from environment variables (.env supported)
// 2. Initialize logging
// 3. Wire dependencies via the DI container (history.db, archive, job engine)
// 4. Start the job engine, the reaper and the HTTP server
// 5. Wait for SIGINT/SIGTERM and shut everything down within 10 seconds
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/quantlab/internal/config"
	"github.com/aristath/quantlab/internal/di"
	"github.com/aristath/quantlab/internal/server"
	"github.com/aristath/quantlab/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("data_dir", cfg.DataDir).
		Int("max_concurrent", cfg.Jobs.MaxConcurrent).
		Dur("job_timeout", cfg.Jobs.Timeout).
		Msg("Starting quantlab")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}

	if err := container.Start(); err != nil {
		_ = container.Close(context.Background())
		log.Fatal().Err(err).Msg("Failed to start job engine")
	}

	srv := server.New(server.Config{
		Log:       log,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
		Container: container,
	})

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stopping the engine first ends every job stream with a terminal event,
	// so open SSE and WebSocket connections close before the server waits on them.
	if err := container.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Job engine did not stop cleanly")
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
