package di

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/quantlab/internal/config"
	"github.com/aristath/quantlab/internal/jobs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir: t.TempDir(),
		Port:    8001,
		Jobs: config.JobsConfig{
			MaxConcurrent:  1,
			Workers:        2,
			MailboxSize:    8,
			ReaperSchedule: "@every 1h",
			MaxAge:         time.Hour,
		},
	}
}

func TestWire(t *testing.T) {
	cfg := testConfig(t)

	container, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, container)
	t.Cleanup(func() { _ = container.Close(context.Background()) })

	assert.NotNil(t, container.HistoryDB)
	assert.Equal(t, filepath.Join(cfg.DataDir, "history.db"), container.HistoryDB.Path())
	assert.NotNil(t, container.ArchiveStore)
	assert.Nil(t, container.S3Sink)
	assert.NotNil(t, container.JobManager)
	assert.NotNil(t, container.Reaper)
	assert.Equal(t, 6, container.Analyses.Count())
	assert.Len(t, container.Archivers(), 1)
}

func TestContainer_RunsAndArchivesJobs(t *testing.T) {
	container, err := Wire(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, container.Start())
	t.Cleanup(func() { _ = container.Close(context.Background()) })

	work, err := container.Analyses.Build("rsi_signal", []byte(`{"prices":[1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16,17,18,19,20]}`))
	require.NoError(t, err)
	id, err := container.JobManager.Submit("rsi_signal", work)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := container.JobManager.Get(id)
		return err == nil && rec.Status == jobs.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	removed, err := container.Reaper.RunWithMaxAge(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	rec, err := container.ArchiveStore.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, rec.Status)
}

func TestContainer_CloseWithoutStart(t *testing.T) {
	container, err := Wire(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, container.Close(context.Background()))
}

func TestWire_WithS3Sink(t *testing.T) {
	cfg := testConfig(t)
	cfg.Archive.S3Bucket = "history"
	cfg.Archive.S3AccessKey = "key"
	cfg.Archive.S3SecretKey = "secret"
	cfg.Archive.S3Endpoint = "http://127.0.0.1:9"

	// Building the client does not contact the endpoint.
	container, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Close(context.Background()) })
	assert.NotNil(t, container.S3Sink)
	assert.Len(t, container.Archivers(), 2)
}
