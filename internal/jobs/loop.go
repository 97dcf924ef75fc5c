package jobs

import (
	"fmt"
	"time"

	"github.com/aristath/quantlab/internal/metrics"
)

// Messages accepted by the loop. Replies go to buffered channels so the
// loop never blocks on a caller that has given up.
type (
	createMsg struct {
		kind  Kind
		work  WorkFunc
		reply chan createReply
	}
	createReply struct {
		rec Record
		err error
	}

	startMsg struct {
		id    string
		reply chan Record
	}

	progressMsg struct {
		id       string
		message  string
		progress float64
	}

	finishMsg struct {
		id     string
		status Status
		update Update
		reply  chan struct{}
	}

	cancelMsg struct {
		id    string
		reply chan cancelReply
	}
	cancelReply struct {
		res CancelResult
		err error
	}

	subscribeMsg struct {
		id    string
		reply chan subscribeReply
	}
	subscribeReply struct {
		mb  *Mailbox
		err error
	}

	unsubscribeMsg struct {
		mb    *Mailbox
		reply chan struct{}
	}

	cleanupMsg struct {
		maxAge time.Duration
		reply  chan []Record
	}

	shutdownMsg struct {
		reply chan int
	}
)

// loop is the only goroutine that mutates the registry and the bus.
func (m *Manager) loop() {
	defer close(m.done)

	for {
		select {
		case msg := <-m.inbox:
			m.handle(msg)
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) handle(msg any) {
	switch msg := msg.(type) {
	case createMsg:
		msg.reply <- m.handleCreate(msg)
	case startMsg:
		msg.reply <- m.handleStart(msg.id)
	case progressMsg:
		m.handleProgress(msg)
	case finishMsg:
		m.handleFinish(msg)
		close(msg.reply)
	case cancelMsg:
		res, err := m.cancelJob(msg.id)
		msg.reply <- cancelReply{res: res, err: err}
	case subscribeMsg:
		mb, err := m.handleSubscribe(msg.id)
		msg.reply <- subscribeReply{mb: mb, err: err}
	case unsubscribeMsg:
		m.bus.Unsubscribe(msg.mb.JobID(), msg.mb)
		close(msg.reply)
	case cleanupMsg:
		msg.reply <- m.handleCleanup(msg.maxAge)
	case shutdownMsg:
		msg.reply <- m.handleShutdown()
	default:
		m.log.Error().Str("type", typeName(msg)).Msg("Unknown loop message")
	}
}

func (m *Manager) handleCreate(msg createMsg) createReply {
	if m.closing {
		return createReply{err: ErrClosed}
	}

	rec := m.registry.Create(msg.kind)
	token := NewToken(m.ctx)
	if err := m.registry.AttachWorkHandle(rec.ID, token); err != nil {
		return createReply{err: err}
	}

	m.supervisors.Add(1)
	go m.supervise(rec, token, msg.work)

	metrics.IncreaseJobsSubmittedMetric(string(rec.Kind))
	m.updateStatusMetrics()

	m.log.Debug().Str("job_id", rec.ID).Str("kind", string(rec.Kind)).Msg("Job submitted")
	return createReply{rec: rec}
}

func (m *Manager) handleStart(id string) Record {
	current, err := m.registry.Get(id)
	if err != nil || current.Status != StatusPending {
		return current
	}

	rec, err := m.registry.Transition(id, StatusRunning, Update{Message: "running"})
	if err != nil {
		m.log.Error().Err(err).Str("job_id", id).Msg("Failed to mark job running")
		return rec
	}

	m.updateStatusMetrics()
	m.bus.Publish(id, eventFromRecord(rec, m.now()))
	m.log.Debug().Str("job_id", id).Str("kind", string(rec.Kind)).Msg("Job running")
	return rec
}

func (m *Manager) handleProgress(msg progressMsg) {
	current, err := m.registry.Get(msg.id)
	if err != nil || current.Status != StatusRunning {
		return
	}

	p := msg.progress
	rec, err := m.registry.Transition(msg.id, StatusRunning, Update{Progress: &p, Message: msg.message})
	if err != nil {
		return
	}
	m.bus.Publish(msg.id, eventFromRecord(rec, m.now()))
}

func (m *Manager) handleFinish(msg finishMsg) {
	current, err := m.registry.Get(msg.id)
	if err != nil || current.Status.IsTerminal() {
		return
	}

	rec, err := m.registry.Transition(msg.id, msg.status, msg.update)
	if err != nil {
		m.log.Error().Err(err).Str("job_id", msg.id).Msg("Failed to finalize job")
		return
	}
	m.finalize(rec)
}

func (m *Manager) handleSubscribe(id string) (*Mailbox, error) {
	rec, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}

	mb := m.bus.Subscribe(id)
	// A fresh mailbox always has room for the snapshot.
	mb.ch <- eventFromRecord(rec, m.now())
	if rec.Status.IsTerminal() {
		m.bus.Unsubscribe(id, mb)
	}
	return mb, nil
}

func (m *Manager) handleCleanup(maxAge time.Duration) []Record {
	removed := m.registry.Cleanup(maxAge)
	for _, rec := range removed {
		m.bus.Close(rec.ID)
	}

	if len(removed) > 0 {
		metrics.AddJobsReapedMetric(len(removed))
		m.updateStatusMetrics()
		m.log.Info().
			Int("removed", len(removed)).
			Dur("max_age", maxAge).
			Int("remaining", m.registry.Len()).
			Msg("Cleaned up finished jobs")
	}
	return removed
}

// handleShutdown cancels every live job and refuses new submissions.
func (m *Manager) handleShutdown() int {
	m.closing = true

	ids := m.registry.live()
	for _, id := range ids {
		rec, err := m.registry.Transition(id, StatusCancelled, Update{Message: "cancelled: shutdown"})
		if err != nil {
			m.log.Error().Err(err).Str("job_id", id).Msg("Failed to cancel job on shutdown")
			continue
		}
		if token, ok := m.registry.Handle(id); ok {
			token.Cancel(ErrShutdown)
		}
		m.finalize(rec)
	}
	return len(ids)
}

// finalize publishes the terminal event and ends every stream of the job.
func (m *Manager) finalize(rec Record) {
	m.bus.Publish(rec.ID, eventFromRecord(rec, m.now()))
	m.bus.Close(rec.ID)

	metrics.ObserveJobFinishedMetric(string(rec.Kind), string(rec.Status), rec.Duration().Seconds())
	m.updateStatusMetrics()

	event := m.log.Info()
	if rec.Status == StatusFailed {
		event = m.log.Warn().Str("error", rec.Error)
	}
	event.
		Str("job_id", rec.ID).
		Str("kind", string(rec.Kind)).
		Str("status", string(rec.Status)).
		Dur("duration", rec.Duration()).
		Msg("Job finished")
}

func (m *Manager) updateStatusMetrics() {
	counts := m.registry.Counts()
	for _, s := range []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled} {
		metrics.UpdateJobStatusCountMetric(string(s), counts[s])
	}
	metrics.UpdateAdmissionInUseMetric(m.admission.InUse())
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v)
}
