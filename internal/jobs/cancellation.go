package jobs

import (
	"context"
	"errors"
	"fmt"
)

// Token is a job's cooperative cancellation signal. Work functions see it as
// the context they receive; the supervisor waits on the same context so a
// cancel wakes it even while the worker is still busy.
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewToken derives a token from parent.
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Context returns the context work functions should observe.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Cancel signals the job to stop. Only the first cause is kept.
func (t *Token) Cancel(cause error) {
	if cause == nil {
		cause = ErrCancelled
	}
	t.cancel(cause)
}

// Cancelled reports whether the token has been cancelled.
func (t *Token) Cancelled() bool {
	return t.ctx.Err() != nil
}

// Cause returns the cancellation cause, or nil while the token is live.
func (t *Token) Cause() error {
	return context.Cause(t.ctx)
}

// Checkpoint returns a non-nil error once ctx is done. Work functions call it
// between units of work, which is where cancellation takes effect:
//
//	for i, params := range grid {
//		if err := jobs.Checkpoint(ctx); err != nil {
//			return nil, err
//		}
//		...
//	}
func Checkpoint(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrCancelled), errors.Is(cause, ErrShutdown), errors.Is(cause, ErrTimeout):
		return cause
	default:
		return fmt.Errorf("%w: %v", ErrCancelled, cause)
	}
}

// cancelJob applies a caller's cancel request. It runs on the loop.
//
// A PENDING or RUNNING job becomes CANCELLED right away and its token is
// cancelled, which abandons a pending admission wait or wakes the supervisor
// of a running job. The worker itself keeps going until it next checks its
// context. A job already CANCELLED is accepted again unchanged; COMPLETED and
// FAILED jobs are rejected.
func (m *Manager) cancelJob(id string) (CancelResult, error) {
	rec, err := m.registry.Get(id)
	if err != nil {
		return CancelResult{}, err
	}

	switch rec.Status {
	case StatusCancelled:
		return CancelResult{Accepted: true, Status: rec.Status, Record: rec}, nil
	case StatusCompleted, StatusFailed:
		return CancelResult{Accepted: false, Status: rec.Status, Record: rec}, nil
	}

	prev := rec.Status
	rec, err = m.registry.Transition(id, StatusCancelled, Update{Message: "cancelled"})
	if err != nil {
		return CancelResult{}, err
	}
	if token, ok := m.registry.Handle(id); ok {
		token.Cancel(ErrCancelled)
	}

	m.log.Debug().
		Str("job_id", id).
		Str("kind", string(rec.Kind)).
		Str("from", string(prev)).
		Msg("Cancel requested")

	m.finalize(rec)
	return CancelResult{Accepted: true, Status: rec.Status, Record: rec}, nil
}
