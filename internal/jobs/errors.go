package jobs

import "errors"

var (
	// ErrNotFound is returned when a job id is unknown to the registry.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned for a backward move out of a
	// non-terminal state. Moves out of a terminal state are silently ignored.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrTimeout is the cancellation cause when a job exceeds its wall-clock budget.
	ErrTimeout = errors.New("timeout")

	// ErrCancelled is the cancellation cause when a job is cancelled by a caller.
	ErrCancelled = errors.New("job cancelled")

	// ErrShutdown is the cancellation cause for jobs still live when the manager stops.
	ErrShutdown = errors.New("job manager shutting down")

	// ErrClosed is returned when the manager is not running.
	ErrClosed = errors.New("job manager is not running")
)
