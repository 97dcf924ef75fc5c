package di

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/quantlab/internal/config"
	"github.com/rs/zerolog"
)

// Wire initializes all dependencies and returns a fully configured container
// Order of operations:
// 1. Initialize databases
// 2. Initialize services (archive, analyses, job engine)
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := InitializeServices(container, cfg, log); err != nil {
		container.HistoryDB.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	log.Info().Msg("Dependency injection wiring completed successfully")

	return container, nil
}

// Start starts the job engine and the reaper.
func (c *Container) Start() error {
	c.JobManager.Start()
	if err := c.Reaper.Start(); err != nil {
		return err
	}
	return nil
}

// Close stops background services, then closes databases. Stop errors are
// joined so every resource gets released.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.Reaper != nil {
		c.Reaper.Stop()
	}
	if c.JobManager != nil {
		if err := c.JobManager.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop job manager: %w", err))
		}
	}
	if c.HistoryDB != nil {
		if err := c.HistoryDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history database: %w", err))
		}
	}
	return errors.Join(errs...)
}
