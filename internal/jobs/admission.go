package jobs

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Admission bounds how many jobs may be RUNNING at once. It is sized
// independently of the Dispatcher: the dispatcher bounds goroutines doing
// CPU work, admission bounds business concurrency.
type Admission struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
	waiting  atomic.Int64
}

// NewAdmission creates a pool of n permits. n < 1 is treated as 1.
func NewAdmission(n int) *Admission {
	if n < 1 {
		n = 1
	}
	return &Admission{
		sem:      semaphore.NewWeighted(int64(n)),
		capacity: int64(n),
	}
}

// Acquire blocks until a permit is free or ctx is done. On success it returns
// a release func that is safe to call more than once; only the first call
// returns the permit. When ctx ends first nothing is held and the error is
// the context's cancellation cause.
func (a *Admission) Acquire(ctx context.Context) (func(), error) {
	a.waiting.Add(1)
	err := a.sem.Acquire(ctx, 1)
	a.waiting.Add(-1)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return nil, cause
		}
		return nil, err
	}

	a.inUse.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			a.inUse.Add(-1)
			a.sem.Release(1)
		})
	}, nil
}

// InUse returns the number of permits currently held.
func (a *Admission) InUse() int {
	return int(a.inUse.Load())
}

// Waiting returns the number of callers blocked in Acquire.
func (a *Admission) Waiting() int {
	return int(a.waiting.Load())
}

// Capacity returns the pool size.
func (a *Admission) Capacity() int {
	return int(a.capacity)
}
