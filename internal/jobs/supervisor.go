package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// supervise drives one job from PENDING to a terminal status. The admission
// permit is released only after the terminal transition has been applied,
// so a waiting job never starts while its predecessor still shows RUNNING.
func (m *Manager) supervise(rec Record, token *Token, work WorkFunc) {
	defer m.supervisors.Done()

	ctx := token.Context()
	log := m.log.With().Str("job_id", rec.ID).Str("kind", string(rec.Kind)).Logger()

	release, err := m.admission.Acquire(ctx)
	if err != nil {
		// Cancelled while waiting; the canceller already finalized the record.
		log.Debug().Err(err).Msg("Admission wait abandoned")
		return
	}
	defer release()

	started, ok := m.markRunning(rec.ID)
	if !ok || started.Status != StatusRunning {
		return
	}

	// The budget covers the wait for a free worker as well as the run.
	runCtx := ctx
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, m.cfg.Timeout, ErrTimeout)
		defer cancel()
	}

	outcome, err := m.dispatcher.Submit(runCtx, rec.ID, work)
	if err != nil {
		switch {
		case timedOut(runCtx):
			m.timeout(rec.ID, token, log)
		case ctx.Err() != nil:
			m.finish(rec.ID, StatusCancelled, Update{})
		default:
			m.finish(rec.ID, StatusFailed, Update{Error: err.Error()})
		}
		return
	}

	select {
	case out := <-outcome:
		status, update := classify(runCtx, out, token)
		m.finish(rec.ID, status, update)

	case <-runCtx.Done():
		if timedOut(runCtx) {
			m.timeout(rec.ID, token, log)
			return
		}
		// Cancel and shutdown finalize the record before cancelling the
		// token, so this is a no-op unless the cause was something else.
		// The worker keeps running until it checks ctx.
		m.finish(rec.ID, StatusCancelled, Update{})
	}
}

// timeout fails a job whose budget ran out. A worker that ignores ctx keeps
// its slot until it returns.
func (m *Manager) timeout(id string, token *Token, log zerolog.Logger) {
	token.Cancel(ErrTimeout)
	log.Warn().Dur("timeout", m.cfg.Timeout).Msg("Job timed out, abandoning worker")
	m.finish(id, StatusFailed, Update{
		Error: fmt.Sprintf("%v: job exceeded %s", ErrTimeout, m.cfg.Timeout),
	})
}

func timedOut(ctx context.Context) bool {
	return ctx.Err() != nil && errors.Is(context.Cause(ctx), ErrTimeout)
}

// classify maps a work outcome to the terminal status it produces.
func classify(runCtx context.Context, out Outcome, token *Token) (Status, Update) {
	if out.Err == nil {
		return StatusCompleted, Update{Result: out.Result}
	}
	if timedOut(runCtx) {
		return StatusFailed, Update{Error: fmt.Sprintf("%v: %v", ErrTimeout, out.Err)}
	}
	if token.Cancelled() {
		if errors.Is(token.Cause(), ErrTimeout) {
			return StatusFailed, Update{Error: fmt.Sprintf("%v: %v", ErrTimeout, out.Err)}
		}
		return StatusCancelled, Update{}
	}
	return StatusFailed, Update{Error: out.Err.Error()}
}

// markRunning asks the loop to move the job to RUNNING. It reports false if
// the loop has gone away.
func (m *Manager) markRunning(id string) (Record, bool) {
	reply := make(chan Record, 1)
	if !m.post(startMsg{id: id, reply: reply}) {
		return Record{}, false
	}
	select {
	case rec := <-reply:
		return rec, true
	case <-m.done:
		return Record{}, false
	}
}

// finish posts a terminal transition and waits until the loop applied it.
func (m *Manager) finish(id string, status Status, update Update) {
	reply := make(chan struct{})
	if !m.post(finishMsg{id: id, status: status, update: update, reply: reply}) {
		return
	}
	select {
	case <-reply:
	case <-m.done:
	}
}

// post delivers msg to the loop regardless of the manager state, so
// supervisors can still finalize their jobs while Stop is waiting for them.
func (m *Manager) post(msg any) bool {
	select {
	case m.inbox <- msg:
		return true
	case <-m.done:
		return false
	}
}
