package jobs

import (
	"context"
	"fmt"
)

// TypedWorkFunc is a WorkFunc with a concrete result type.
type TypedWorkFunc[R any] func(ctx context.Context, report ProgressFunc) (R, error)

// SubmitTyped submits work whose result is an R. Pair it with ResultAs to
// read the result back without type assertions at the call site.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func SubmitTyped[R any](m *Manager, kind Kind, work TypedWorkFunc[R]) (string, error) {
	if work == nil {
		return m.Submit(kind, nil)
	}
	return m.Submit(kind, func(ctx context.Context, report ProgressFunc) (any, error) {
		result, err := work(ctx, report)
		if err != nil {
			return nil, err
		}
		return result, nil
	})
}

// ResultAs returns the result of a COMPLETED record as an R.
func ResultAs[R any](rec Record) (R, error) {
	var zero R
	if rec.Status != StatusCompleted {
		return zero, fmt.Errorf("job %s has no result: status %s", rec.ID, rec.Status)
	}
	result, ok := rec.Result.(R)
	if !ok {
		return zero, fmt.Errorf("job %s result is %T, not %T", rec.ID, rec.Result, zero)
	}
	return result, nil
}

// Typed binds a Manager to one kind and result type, so a feature can keep a
// single handle for its jobs.
type Typed[R any] struct {
	m    *Manager
	kind Kind
}

// NewTyped returns a typed handle for kind.
func NewTyped[R any](m *Manager, kind Kind) *Typed[R] {
	return &Typed[R]{m: m, kind: kind}
}

// Kind returns the bound kind.
func (t *Typed[R]) Kind() Kind {
	return t.kind
}

// Submit submits work under the bound kind.
func (t *Typed[R]) Submit(work TypedWorkFunc[R]) (string, error) {
	return SubmitTyped(t.m, t.kind, work)
}

// Result returns the job record and, once it has COMPLETED, its typed result.
func (t *Typed[R]) Result(id string) (R, Record, error) {
	var zero R
	rec, err := t.m.Get(id)
	if err != nil {
		return zero, Record{}, err
	}
	if rec.Kind != t.kind {
		return zero, rec, fmt.Errorf("job %s is of kind %q, not %q", id, rec.Kind, t.kind)
	}
	if rec.Status != StatusCompleted {
		return zero, rec, nil
	}
	result, err := ResultAs[R](rec)
	return result, rec, err
}
