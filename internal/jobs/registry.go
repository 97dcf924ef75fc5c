package jobs

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// entry is the registry-private state of a job. The token is the job's
// cancellation handle and is never exposed through a Record.
type entry struct {
	rec   Record
	seq   uint64
	token *Token
}

// Registry holds every live job record and enforces lifecycle invariants.
// All methods are safe for concurrent use; within a Manager only the loop
// goroutine calls the mutating ones.
type Registry struct {
	entries map[string]*entry
	seq     uint64
	mu      sync.RWMutex

	now   func() time.Time
	newID func() string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the registry clock. Used by tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides job id generation. Used by tests.
func WithIDGenerator(gen func() string) RegistryOption {
	return func(r *Registry) { r.newID = gen }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create adds a fresh PENDING record and returns its snapshot.
func (r *Registry) Create(kind Kind) Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for _, taken := r.entries[id]; taken; _, taken = r.entries[id] {
		id = r.newID()
	}

	r.seq++
	e := &entry{
		rec: Record{
			ID:        id,
			Kind:      kind,
			Status:    StatusPending,
			CreatedAt: r.now(),
		},
		seq: r.seq,
	}
	r.entries[id] = e
	return e.rec
}

// Get returns a snapshot of the record, or ErrNotFound.
func (r *Registry) Get(id string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.rec, nil
}

// Transition moves the record to next and applies u.
//
// A record that is already terminal is left untouched and returned as is
// with a nil error: terminal state is sticky, so racing completion and
// cancellation finalize a job at most once. A backward move out of a
// non-terminal state returns ErrInvalidTransition.
func (r *Registry) Transition(id string, next Status, u Update) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.rec.Status.IsTerminal() {
		return e.rec, nil
	}
	if !e.rec.Status.canTransitionTo(next) {
		return e.rec, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.rec.Status, next)
	}

	now := r.now()
	rec := e.rec
	rec.Status = next

	if u.Progress != nil {
		p := clampProgress(*u.Progress)
		if rec.Progress == nil || p > *rec.Progress {
			rec.Progress = &p
		}
	}
	if u.Message != "" {
		rec.Message = u.Message
	}

	switch next {
	case StatusRunning:
		if rec.StartedAt == nil {
			rec.StartedAt = &now
		}
	case StatusCompleted:
		rec.Result = u.Result
		done := 1.0
		rec.Progress = &done
		rec.CompletedAt = &now
	case StatusFailed:
		rec.Error = u.Error
		if rec.Error == "" {
			rec.Error = "unknown error"
		}
		rec.CompletedAt = &now
	case StatusCancelled:
		rec.CompletedAt = &now
	}

	e.rec = rec
	return rec, nil
}

// AttachWorkHandle binds the job's cancellation token so a cancel can reach
// it at any point of the lifecycle, including before it is RUNNING.
func (r *Registry) AttachWorkHandle(id string, token *Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.token = token
	return nil
}

// Handle returns the token attached to the job, if any.
func (r *Registry) Handle(id string) (*Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok || e.token == nil {
		return nil, false
	}
	return e.token, true
}

// List returns records most recent first. An empty kind matches every job;
// a non-positive limit returns all matches.
func (r *Registry) List(kind Kind, limit int) []Record {
	r.mu.RLock()
	matched := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if kind != "" && e.rec.Kind != kind {
			continue
		}
		matched = append(matched, e)
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].seq > matched[j].seq
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	result := make([]Record, len(matched))
	for i, e := range matched {
		result[i] = e.rec
	}
	return result
}

// Cleanup removes terminal records that completed more than maxAge ago and
// returns them. Non-terminal records are never removed, however old.
func (r *Registry) Cleanup(maxAge time.Duration) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	var removed []Record
	for id, e := range r.entries {
		if !e.rec.Status.IsTerminal() || e.rec.CompletedAt == nil {
			continue
		}
		if e.rec.CompletedAt.After(cutoff) {
			continue
		}
		removed = append(removed, e.rec)
		delete(r.entries, id)
	}

	sort.Slice(removed, func(i, j int) bool {
		return removed[i].CompletedAt.Before(*removed[j].CompletedAt)
	})
	return removed
}

// Len returns the number of records held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

// Counts returns the number of records per status.
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Status]int, 5)
	for _, e := range r.entries {
		counts[e.rec.Status]++
	}
	return counts
}

// live returns the ids of all non-terminal records.
func (r *Registry) live() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0)
	for id, e := range r.entries {
		if !e.rec.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

func clampProgress(p float64) float64 {
	switch {
	case math.IsNaN(p):
		return 0
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
