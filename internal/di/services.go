package di

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/quantlab/internal/analysis"
	"github.com/aristath/quantlab/internal/archive"
	"github.com/aristath/quantlab/internal/config"
	"github.com/aristath/quantlab/internal/jobs"
	"github.com/rs/zerolog"
)

// InitializeServices builds the archive, the analysis registry and the job
// engine. Nothing is started here.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := archive.NewStore(ctx, container.HistoryDB, log)
	if err != nil {
		return fmt.Errorf("failed to initialize archive store: %w", err)
	}
	container.ArchiveStore = store

	if cfg.Archive.S3Enabled() {
		sink, err := archive.NewS3Sink(ctx, archive.S3Config{
			Bucket:    cfg.Archive.S3Bucket,
			Endpoint:  cfg.Archive.S3Endpoint,
			Region:    cfg.Archive.S3Region,
			AccessKey: cfg.Archive.S3AccessKey,
			SecretKey: cfg.Archive.S3SecretKey,
			Prefix:    cfg.Archive.S3Prefix,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to initialize S3 archive: %w", err)
		}
		container.S3Sink = sink
		log.Info().Str("bucket", cfg.Archive.S3Bucket).Msg("S3 archive enabled")
	}

	container.Analyses = analysis.NewDefaultRegistry()

	container.JobManager = jobs.NewManager(jobs.Config{
		MaxConcurrent:    cfg.Jobs.MaxConcurrent,
		Workers:          cfg.Jobs.Workers,
		Timeout:          cfg.Jobs.Timeout,
		MailboxSize:      cfg.Jobs.MailboxSize,
		ProgressInterval: cfg.Jobs.ProgressInterval,
	}, log)

	container.Reaper = jobs.NewReaper(
		container.JobManager,
		cfg.Jobs.ReaperSchedule,
		cfg.Jobs.MaxAge,
		log,
		container.Archivers()...,
	)

	return nil
}
