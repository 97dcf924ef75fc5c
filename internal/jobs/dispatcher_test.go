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

type recordedProgress struct {
	jobID    string
	message  string
	progress float64
}

type progressRecorder struct {
	mu      sync.Mutex
	reports []recordedProgress
}

func (r *progressRecorder) sink(jobID, message string, progress float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, recordedProgress{jobID, message, progress})
}

func (r *progressRecorder) all() []recordedProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedProgress(nil), r.reports...)
}

func await(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("outcome never arrived")
		return Outcome{}
	}
}

func TestDispatcher_RunsWork(t *testing.T) {
	rec := &progressRecorder{}
	d := NewDispatcher(2, rec.sink, 0, zerolog.Nop())
	defer d.Stop(context.Background())

	out, err := d.Submit(context.Background(), "job-1", func(ctx context.Context, report ProgressFunc) (any, error) {
		report("half", 0.5)
		report("done", 1)
		return 42, nil
	})
	require.NoError(t, err)

	got := await(t, out)
	require.NoError(t, got.Err)
	assert.Equal(t, 42, got.Result)

	reports := rec.all()
	require.Len(t, reports, 2)
	assert.Equal(t, recordedProgress{"job-1", "half", 0.5}, reports[0])
	assert.Equal(t, recordedProgress{"job-1", "done", 1}, reports[1])
}

func TestDispatcher_WorkError(t *testing.T) {
	d := NewDispatcher(1, nil, 0, zerolog.Nop())
	defer d.Stop(context.Background())

	out, err := d.Submit(context.Background(), "job", func(ctx context.Context, report ProgressFunc) (any, error) {
		report("ignored without a sink", 0.1)
		return nil, errors.New("bad input")
	})
	require.NoError(t, err)

	got := await(t, out)
	assert.EqualError(t, got.Err, "bad input")
}

func TestDispatcher_RecoversPanic(t *testing.T) {
	d := NewDispatcher(1, nil, 0, zerolog.Nop())
	defer d.Stop(context.Background())

	out, err := d.Submit(context.Background(), "job", func(ctx context.Context, report ProgressFunc) (any, error) {
		panic("index out of range")
	})
	require.NoError(t, err)

	got := await(t, out)
	require.Error(t, got.Err)
	assert.Contains(t, got.Err.Error(), "panic: index out of range")

	// The worker survives the panic.
	out, err = d.Submit(context.Background(), "job-2", func(ctx context.Context, report ProgressFunc) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", await(t, out).Result)
}

func TestDispatcher_ThrottlesProgress(t *testing.T) {
	rec := &progressRecorder{}
	d := NewDispatcher(1, rec.sink, time.Hour, zerolog.Nop())
	defer d.Stop(context.Background())

	out, err := d.Submit(context.Background(), "job", func(ctx context.Context, report ProgressFunc) (any, error) {
		for i := 0; i < 10; i++ {
			report("step", float64(i)/10)
		}
		report("done", 1)
		return nil, nil
	})
	require.NoError(t, err)
	await(t, out)

	reports := rec.all()
	require.Len(t, reports, 2, "first report plus the final one")
	assert.Equal(t, 0.0, reports[0].progress)
	assert.Equal(t, 1.0, reports[1].progress)
}

func TestDispatcher_PoolIsBounded(t *testing.T) {
	d := NewDispatcher(2, nil, 0, zerolog.Nop())
	defer d.Stop(context.Background())

	gate := make(chan struct{})
	blocking := func(ctx context.Context, report ProgressFunc) (any, error) {
		<-gate
		return nil, nil
	}

	first, err := d.Submit(context.Background(), "a", blocking)
	require.NoError(t, err)
	second, err := d.Submit(context.Background(), "b", blocking)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.Busy() == 2 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = d.Submit(ctx, "c", blocking)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	await(t, first)
	await(t, second)
	require.Eventually(t, func() bool { return d.Busy() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_Stop(t *testing.T) {
	d := NewDispatcher(1, nil, 0, zerolog.Nop())
	assert.Equal(t, 1, d.Size())

	require.NoError(t, d.Stop(context.Background()))
	require.NoError(t, d.Stop(context.Background()))

	_, err := d.Submit(context.Background(), "late", func(ctx context.Context, report ProgressFunc) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDispatcher_StopGivesUpOnBusyWorker(t *testing.T) {
	d := NewDispatcher(1, nil, 0, zerolog.Nop())
	gate := make(chan struct{})
	defer close(gate)

	_, err := d.Submit(context.Background(), "stuck", func(ctx context.Context, report ProgressFunc) (any, error) {
		<-gate
		return nil, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Stop(ctx), context.DeadlineExceeded)
}

func TestDefaultWorkers(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultWorkers(), 1)
}
