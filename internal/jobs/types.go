// Package jobs runs long-running analyses in the background.
//
// A Manager owns one scheduler goroutine (the loop) that applies every
// registry and bus mutation. Callers submit opaque work functions; each job
// gets a supervisor goroutine that waits for an admission permit, hands the
// work to the Dispatcher's worker pool and reports the outcome back to the
// loop. Progress callbacks from workers are posted to the loop as plain data
// messages, so no worker goroutine ever touches shared job state directly.
package jobs

import (
	"context"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	// StatusPending means the job is waiting for an admission permit.
	StatusPending Status = "pending"
	// StatusRunning means the job's work has been handed to a worker.
	StatusRunning Status = "running"
	// StatusCompleted means the work returned a result.
	StatusCompleted Status = "completed"
	// StatusFailed means the work returned an error, panicked or timed out.
	StatusFailed Status = "failed"
	// StatusCancelled means the job was cancelled before it finished.
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// canTransitionTo reports whether moving from s to next is a forward move.
// RUNNING to RUNNING is the progress update form.
func (s Status) canTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next == StatusRunning || next.IsTerminal()
	default:
		return false
	}
}

// Kind discriminates the analytical task type (e.g. "backtest", "pca").
type Kind string

// Record is an immutable snapshot of a job's lifecycle state.
type Record struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Progress    *float64   `json:"progress,omitempty"`
	Message     string     `json:"message,omitempty"`
	Error       string     `json:"error,omitempty"`
	Result      any        `json:"result,omitempty"`
}

// Duration returns how long the job has been (or was) running.
func (r Record) Duration() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(*r.StartedAt)
	}
	return time.Since(*r.StartedAt)
}

// Update carries the optional fields applied by a transition.
// Result is kept only for COMPLETED, Error only for FAILED.
type Update struct {
	Progress *float64
	Message  string
	Error    string
	Result   any
}

// ProgressFunc is called by work functions to report progress in [0,1].
// It is synchronous and safe to call from any goroutine.
type ProgressFunc func(message string, progress float64)

// WorkFunc is the opaque unit of work a feature submits. It must return
// promptly once ctx is done if it wants cancellation to take effect;
// see Checkpoint.
type WorkFunc func(ctx context.Context, report ProgressFunc) (any, error)

// Event is one item of a job's progress stream.
type Event struct {
	JobID     string    `json:"job_id"`
	Kind      Kind      `json:"kind"`
	Status    Status    `json:"status"`
	Progress  *float64  `json:"progress,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Result    any       `json:"result,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether the event carries a terminal status.
func (e Event) Terminal() bool {
	return e.Status.IsTerminal()
}

func eventFromRecord(rec Record, at time.Time) Event {
	return Event{
		JobID:     rec.ID,
		Kind:      rec.Kind,
		Status:    rec.Status,
		Progress:  rec.Progress,
		Message:   rec.Message,
		Error:     rec.Error,
		Result:    rec.Result,
		Timestamp: at,
	}
}

// CancelResult is returned by Manager.Cancel.
type CancelResult struct {
	Accepted bool   `json:"accepted"`
	Status   Status `json:"status"`
	Record   Record `json:"-"`
}
