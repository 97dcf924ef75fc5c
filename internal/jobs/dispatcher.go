package jobs

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// DefaultProgressInterval is the minimum gap between two progress posts of
// one job. A report of 1.0 or more is never throttled.
const DefaultProgressInterval = 100 * time.Millisecond

// DefaultWorkers returns the number of logical CPUs.
func DefaultWorkers() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}

// ProgressSink receives marshaled progress reports. The Manager's sink posts
// them to its loop as plain messages.
type ProgressSink func(jobID, message string, progress float64)

// Outcome is what a work function returned.
type Outcome struct {
	Result any
	Err    error
}

type task struct {
	ctx    context.Context
	jobID  string
	work   WorkFunc
	report ProgressFunc
	out    chan Outcome
}

// Dispatcher runs work functions on a fixed pool of worker goroutines.
type Dispatcher struct {
	tasks    chan task
	size     int
	busy     atomic.Int64
	sink     ProgressSink
	interval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	log zerolog.Logger
}

// NewDispatcher starts size workers. Progress from work functions is
// throttled to one report per interval and handed to sink.
func NewDispatcher(size int, sink ProgressSink, interval time.Duration, log zerolog.Logger) *Dispatcher {
	if size < 1 {
		size = DefaultWorkers()
	}
	if interval < 0 {
		interval = 0
	}
	d := &Dispatcher{
		tasks:    make(chan task),
		size:     size,
		sink:     sink,
		interval: interval,
		stop:     make(chan struct{}),
		log:      log.With().Str("component", "dispatcher").Logger(),
	}

	d.wg.Add(size)
	for i := 0; i < size; i++ {
		go d.worker()
	}

	d.log.Debug().Int("workers", size).Msg("Dispatcher started")
	return d
}

// Submit hands work to the next idle worker and returns a channel that
// yields exactly one Outcome. It blocks while every worker is busy, until
// ctx is done or the dispatcher is stopped.
func (d *Dispatcher) Submit(ctx context.Context, jobID string, work WorkFunc) (<-chan Outcome, error) {
	t := task{
		ctx:    ctx,
		jobID:  jobID,
		work:   work,
		report: d.reporter(jobID),
		out:    make(chan Outcome, 1),
	}

	select {
	case d.tasks <- t:
		return t.out, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-d.stop:
		return nil, ErrClosed
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case t := <-d.tasks:
			d.busy.Add(1)
			t.out <- d.run(t)
			d.busy.Add(-1)
		case <-d.stop:
			return
		}
	}
}

func (d *Dispatcher) run(t task) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("job_id", t.jobID).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Work function panicked")
			out = Outcome{Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	result, err := t.work(t.ctx, t.report)
	return Outcome{Result: result, Err: err}
}

// reporter returns the callback handed to a work function. It is safe to
// call from any goroutine and never blocks on job state.
func (d *Dispatcher) reporter(jobID string) ProgressFunc {
	if d.sink == nil {
		return func(string, float64) {}
	}

	var (
		mu         sync.Mutex
		lastReport time.Time
	)
	return func(message string, progress float64) {
		mu.Lock()
		if progress < 1 && d.interval > 0 && time.Since(lastReport) < d.interval {
			mu.Unlock()
			return
		}
		lastReport = time.Now()
		mu.Unlock()

		d.sink(jobID, message, progress)
	}
}

// Stop stops accepting work and waits for idle workers to exit. Workers
// still running a work function exit once it returns; Stop gives up waiting
// when ctx is done.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stop) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.Debug().Msg("Dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.log.Warn().Int64("busy", d.busy.Load()).Msg("Dispatcher stop timed out with busy workers")
		return ctx.Err()
	}
}

// Size returns the number of workers.
func (d *Dispatcher) Size() int {
	return d.size
}

// Busy returns the number of workers currently running a work function.
func (d *Dispatcher) Busy() int {
	return int(d.busy.Load())
}
