package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config sizes the engine. Zero values select the defaults, except for
// Timeout and ProgressInterval where zero turns the feature off.
type Config struct {
	// MaxConcurrent is the number of admission permits.
	MaxConcurrent int
	// Workers is the dispatcher pool size; defaults to the logical CPU count.
	Workers int
	// Timeout is the wall-clock budget of a running job; zero disables it.
	Timeout time.Duration
	// MailboxSize is the per-subscriber event buffer.
	MailboxSize int
	// ProgressInterval throttles progress reports per job.
	ProgressInterval time.Duration
	// InboxSize buffers messages to the loop.
	InboxSize int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    2,
		Workers:          DefaultWorkers(),
		MailboxSize:      DefaultMailboxSize,
		ProgressInterval: DefaultProgressInterval,
		InboxSize:        256,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.Workers < 1 {
		c.Workers = def.Workers
	}
	if c.Timeout < 0 {
		c.Timeout = 0
	}
	if c.MailboxSize < 1 {
		c.MailboxSize = def.MailboxSize
	}
	if c.ProgressInterval < 0 {
		c.ProgressInterval = 0
	}
	if c.InboxSize < 1 {
		c.InboxSize = def.InboxSize
	}
	return c
}

const (
	stateNew int32 = iota
	stateRunning
	stateStopped
)

// Manager is the job engine. Create it once at startup, Start it, and pass
// it to every feature that runs background analyses.
type Manager struct {
	cfg        Config
	registry   *Registry
	admission  *Admission
	dispatcher *Dispatcher
	bus        *Bus

	inbox chan any
	quit  chan struct{}
	done  chan struct{}
	state atomic.Int32

	// closing is only touched by the loop.
	closing     bool
	supervisors sync.WaitGroup

	ctx    context.Context
	cancel context.CancelCauseFunc

	now func() time.Time
	log zerolog.Logger
}

// NewManager builds a manager. Registry options are passed through for tests.
func NewManager(cfg Config, log zerolog.Logger, opts ...RegistryOption) *Manager {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancelCause(context.Background())

	m := &Manager{
		cfg:       cfg,
		registry:  NewRegistry(opts...),
		admission: NewAdmission(cfg.MaxConcurrent),
		inbox:     make(chan any, cfg.InboxSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
		log:       log.With().Str("component", "job_manager").Logger(),
	}
	m.bus = NewBus(cfg.MailboxSize, log)
	m.dispatcher = NewDispatcher(cfg.Workers, m.postProgress, cfg.ProgressInterval, log)
	return m
}

// Start launches the loop. Calling it again is a no-op.
func (m *Manager) Start() {
	if !m.state.CompareAndSwap(stateNew, stateRunning) {
		return
	}
	go m.loop()

	m.log.Info().
		Int("max_concurrent", m.cfg.MaxConcurrent).
		Int("workers", m.cfg.Workers).
		Dur("timeout", m.cfg.Timeout).
		Msg("Job manager started")
}

// Stop cancels every live job, waits for their supervisors, then stops the
// loop and the worker pool. Workers that ignore cancellation are abandoned
// once ctx is done.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.state.CompareAndSwap(stateRunning, stateStopped) {
		return nil
	}

	reply := make(chan int, 1)
	select {
	case m.inbox <- shutdownMsg{reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}

	var cancelled int
	select {
	case cancelled = <-reply:
	case <-ctx.Done():
		return ctx.Err()
	}

	waited := make(chan struct{})
	go func() {
		m.supervisors.Wait()
		close(waited)
	}()

	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for supervisors: %w", ctx.Err())
	}

	close(m.quit)
	<-m.done
	m.cancel(ErrShutdown)

	if stopErr := m.dispatcher.Stop(ctx); stopErr != nil && err == nil {
		err = fmt.Errorf("stopping dispatcher: %w", stopErr)
	}

	m.log.Info().Int("cancelled", cancelled).Msg("Job manager stopped")
	return err
}

// Submit registers a PENDING job and schedules work for it. It returns the
// job id immediately.
func (m *Manager) Submit(kind Kind, work WorkFunc) (string, error) {
	if work == nil {
		return "", errors.New("work function is required")
	}

	reply := make(chan createReply, 1)
	if err := m.send(createMsg{kind: kind, work: work, reply: reply}); err != nil {
		return "", err
	}
	select {
	case r := <-reply:
		return r.rec.ID, r.err
	case <-m.done:
		return "", ErrClosed
	}
}

// Get returns a snapshot of the job.
func (m *Manager) Get(id string) (Record, error) {
	return m.registry.Get(id)
}

// List returns job snapshots most recent first.
func (m *Manager) List(kind Kind, limit int) []Record {
	return m.registry.List(kind, limit)
}

// Cancel requests cancellation of a job. See CancelResult for the outcome.
func (m *Manager) Cancel(id string) (CancelResult, error) {
	reply := make(chan cancelReply, 1)
	if err := m.send(cancelMsg{id: id, reply: reply}); err != nil {
		return CancelResult{}, err
	}
	select {
	case r := <-reply:
		return r.res, r.err
	case <-m.done:
		return CancelResult{}, ErrClosed
	}
}

// Subscribe opens a mailbox on the job's event stream. The first event is a
// snapshot of the job; a terminal job yields its snapshot and an immediately
// closed stream.
func (m *Manager) Subscribe(id string) (*Mailbox, error) {
	reply := make(chan subscribeReply, 1)
	if err := m.send(subscribeMsg{id: id, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.mb, r.err
	case <-m.done:
		return nil, ErrClosed
	}
}

// Unsubscribe detaches mb. Safe to call after the stream has ended. Once
// the manager is stopped every stream is already closed and this is a no-op.
func (m *Manager) Unsubscribe(mb *Mailbox) {
	if mb == nil {
		return
	}
	reply := make(chan struct{})
	if err := m.send(unsubscribeMsg{mb: mb, reply: reply}); err != nil {
		return
	}
	select {
	case <-reply:
	case <-m.done:
	}
}

// Cleanup removes terminal jobs that finished more than maxAge ago and
// returns how many were removed.
func (m *Manager) Cleanup(maxAge time.Duration) (int, error) {
	removed, err := m.CleanupRecords(maxAge)
	return len(removed), err
}

// CleanupRecords is Cleanup returning the removed snapshots, oldest first.
func (m *Manager) CleanupRecords(maxAge time.Duration) ([]Record, error) {
	if maxAge < 0 {
		maxAge = 0
	}
	reply := make(chan []Record, 1)
	if err := m.send(cleanupMsg{maxAge: maxAge, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case removed := <-reply:
		return removed, nil
	case <-m.done:
		return nil, ErrClosed
	}
}

// AdmissionStats describes the permit pool.
type AdmissionStats struct {
	Capacity int `json:"capacity"`
	InUse    int `json:"in_use"`
	Waiting  int `json:"waiting"`
}

// WorkerStats describes the dispatcher pool.
type WorkerStats struct {
	Size int `json:"size"`
	Busy int `json:"busy"`
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Total     int            `json:"total"`
	ByStatus  map[Status]int `json:"by_status"`
	Admission AdmissionStats `json:"admission"`
	Workers   WorkerStats    `json:"workers"`
	Bus       BusStats       `json:"bus"`
	Timeout   time.Duration  `json:"timeout_ns"`
}

// Stats returns current engine counters.
func (m *Manager) Stats() Stats {
	counts := m.registry.Counts()
	total := 0
	for _, n := range counts {
		total += n
	}
	return Stats{
		Total:    total,
		ByStatus: counts,
		Admission: AdmissionStats{
			Capacity: m.admission.Capacity(),
			InUse:    m.admission.InUse(),
			Waiting:  m.admission.Waiting(),
		},
		Workers: WorkerStats{
			Size: m.dispatcher.Size(),
			Busy: m.dispatcher.Busy(),
		},
		Bus:     m.bus.Stats(),
		Timeout: m.cfg.Timeout,
	}
}

// send posts a message to the loop.
func (m *Manager) send(msg any) error {
	if m.state.Load() != stateRunning {
		return ErrClosed
	}
	select {
	case m.inbox <- msg:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// postProgress is the dispatcher's sink. It runs on worker goroutines and
// only hands a plain message to the loop; once the loop is gone the report
// is dropped.
func (m *Manager) postProgress(jobID, message string, progress float64) {
	select {
	case m.inbox <- progressMsg{id: jobID, message: message, progress: progress}:
	case <-m.done:
	}
}
