package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryArchiver struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (a *memoryArchiver) Archive(ctx context.Context, records []Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.records = append(a.records, records...)
	return nil
}

func (a *memoryArchiver) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

func finishedJob(t *testing.T, m *Manager) string {
	t.Helper()
	id, err := m.Submit("demo", func(ctx context.Context, report ProgressFunc) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	waitStatus(t, m, id, StatusCompleted)
	return id
}

func TestNewReaper_Defaults(t *testing.T) {
	m := newTestManager(t, Config{})
	r := NewReaper(m, "", 0, zerolog.Nop())

	assert.Equal(t, DefaultReaperSchedule, r.schedule)
	assert.Equal(t, DefaultMaxAge, r.maxAge)
}

func TestReaper_RunOnceArchivesRemovedJobs(t *testing.T) {
	m := newTestManager(t, Config{})
	archive := &memoryArchiver{}
	r := NewReaper(m, "", time.Hour, zerolog.Nop(), archive)

	id := finishedJob(t, m)

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "job is younger than max age")

	n, err = r.RunWithMaxAge(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, 1, archive.count())
	assert.Equal(t, id, archive.records[0].ID)

	_, err = m.Get(id)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestReaper_ArchiveFailureIsReported(t *testing.T) {
	m := newTestManager(t, Config{})
	broken := &memoryArchiver{err: errors.New("disk full")}
	healthy := &memoryArchiver{}
	r := NewReaper(m, "", time.Hour, zerolog.Nop(), broken, healthy)

	finishedJob(t, m)

	n, err := r.RunWithMaxAge(context.Background(), 0)
	assert.Equal(t, 1, n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, healthy.count())
}

func TestReaper_Schedule(t *testing.T) {
	m := newTestManager(t, Config{})
	archive := &memoryArchiver{}
	r := NewReaper(m, "@every 1s", time.Nanosecond, zerolog.Nop(), archive)

	finishedJob(t, m)

	require.NoError(t, r.Start())
	require.NoError(t, r.Start())
	defer r.Stop()

	require.Eventually(t, func() bool { return archive.count() == 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestReaper_InvalidSchedule(t *testing.T) {
	m := newTestManager(t, Config{})
	r := NewReaper(m, "not a schedule", time.Hour, zerolog.Nop())

	err := r.Start()
	require.Error(t, err)
	r.Stop()
}
