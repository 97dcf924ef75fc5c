package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	// DefaultReaperSchedule runs cleanup every five minutes.
	DefaultReaperSchedule = "@every 5m"
	// DefaultMaxAge keeps finished jobs for an hour.
	DefaultMaxAge = time.Hour
)

// Archiver receives records removed by the reaper.
type Archiver interface {
	Archive(ctx context.Context, records []Record) error
}

// Reaper periodically removes old terminal jobs from a Manager and hands
// them to archivers.
type Reaper struct {
	manager   *Manager
	cron      *cron.Cron
	schedule  string
	maxAge    time.Duration
	archivers []Archiver

	mu      sync.Mutex
	started bool

	log zerolog.Logger
}

// NewReaper creates a reaper. Empty schedule and non-positive maxAge select
// the defaults.
func NewReaper(manager *Manager, schedule string, maxAge time.Duration, log zerolog.Logger, archivers ...Archiver) *Reaper {
	if schedule == "" {
		schedule = DefaultReaperSchedule
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Reaper{
		manager:   manager,
		cron:      cron.New(),
		schedule:  schedule,
		maxAge:    maxAge,
		archivers: archivers,
		log:       log.With().Str("component", "reaper").Logger(),
	}
}

// Start registers the cleanup on the schedule and starts the cron runner.
func (r *Reaper) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	_, err := r.cron.AddFunc(r.schedule, func() {
		if _, err := r.RunOnce(context.Background()); err != nil {
			r.log.Error().Err(err).Msg("Scheduled cleanup failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", r.schedule, err)
	}

	r.cron.Start()
	r.started = true

	r.log.Info().
		Str("schedule", r.schedule).
		Dur("max_age", r.maxAge).
		Int("archivers", len(r.archivers)).
		Msg("Reaper started")
	return nil
}

// Stop stops the schedule and waits for a running cleanup to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return
	}
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.started = false
	r.log.Info().Msg("Reaper stopped")
}

// RunOnce removes terminal jobs older than the configured max age and
// archives them. Archive failures are logged and returned; the records are
// already gone from the registry either way.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	return r.run(ctx, r.maxAge)
}

// RunWithMaxAge is RunOnce with an explicit age threshold.
func (r *Reaper) RunWithMaxAge(ctx context.Context, maxAge time.Duration) (int, error) {
	return r.run(ctx, maxAge)
}

func (r *Reaper) run(ctx context.Context, maxAge time.Duration) (int, error) {
	removed, err := r.manager.CleanupRecords(maxAge)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	if len(removed) == 0 {
		return 0, nil
	}

	var firstErr error
	for _, a := range r.archivers {
		if err := a.Archive(ctx, removed); err != nil {
			r.log.Error().
				Err(err).
				Str("archiver", fmt.Sprintf("%T", a)).
				Int("records", len(removed)).
				Msg("Failed to archive reaped jobs")
			if firstErr == nil {
				firstErr = fmt.Errorf("archive: %w", err)
			}
		}
	}

	r.log.Debug().Int("removed", len(removed)).Msg("Reaper pass complete")
	return len(removed), firstErr
}
