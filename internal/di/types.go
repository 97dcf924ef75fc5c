// Package di provides dependency injection wiring and initialization.
package di

import (
	"github.com/aristath/quantlab/internal/analysis"
	"github.com/aristath/quantlab/internal/archive"
	"github.com/aristath/quantlab/internal/database"
	"github.com/aristath/quantlab/internal/jobs"
)

// Container holds every long-lived dependency. It is built once by Wire.
type Container struct {
	// Databases
	HistoryDB *database.DB // history.db - archived jobs

	// Archive
	ArchiveStore *archive.Store
	S3Sink       *archive.S3Sink // nil unless ARCHIVE_S3_BUCKET is set

	// Job engine
	Analyses   *analysis.Registry
	JobManager *jobs.Manager
	Reaper     *jobs.Reaper
}

// Archivers returns the configured archive sinks, local store first.
func (c *Container) Archivers() []jobs.Archiver {
	var out []jobs.Archiver
	if c.ArchiveStore != nil {
		out = append(out, c.ArchiveStore)
	}
	if c.S3Sink != nil {
		out = append(out, c.S3Sink)
	}
	return out
}
