// Package analysis holds the analytical tasks that can be run as background
// jobs. Each kind decodes its JSON parameters and returns a jobs.WorkFunc.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/quantlab/internal/jobs"
)

var (
	// ErrUnknownKind is returned by Build for kinds that were never registered.
	ErrUnknownKind = errors.New("unknown analysis kind")
	// ErrInvalidParams is returned by Build when the parameters do not decode
	// or fail validation.
	ErrInvalidParams = errors.New("invalid analysis parameters")
)

// Validator is implemented by parameter types that check themselves.
type Validator interface {
	Validate() error
}

// Definition describes a registered analysis kind.
type Definition struct {
	Kind        jobs.Kind `json:"kind"`
	Description string    `json:"description"`

	build func(params []byte) (jobs.WorkFunc, error)
}

// Registry holds all registered analysis kinds.
type Registry struct {
	defs map[jobs.Kind]*Definition
	mu   sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[jobs.Kind]*Definition)}
}

// Register adds a kind whose parameters decode into P. A kind registered
// twice is replaced.
func Register[P any](r *Registry, kind jobs.Kind, description string, run func(ctx context.Context, p P, report jobs.ProgressFunc) (any, error)) {
	build := func(params []byte) (jobs.WorkFunc, error) {
		var p P
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("%w: decode %s params: %v", ErrInvalidParams, kind, err)
			}
		}
		if v, ok := any(&p).(Validator); ok {
			if err := v.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidParams, kind, err)
			}
		}
		return func(ctx context.Context, report jobs.ProgressFunc) (any, error) {
			return run(ctx, p, report)
		}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[kind] = &Definition{Kind: kind, Description: description, build: build}
}

// Build decodes params for kind and returns the work function to submit.
func (r *Registry) Build(kind jobs.Kind, params []byte) (jobs.WorkFunc, error) {
	def := r.Get(kind)
	if def == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return def.build(params)
}

// Get returns the definition for kind, or nil if not found.
func (r *Registry) Get(kind jobs.Kind) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defs[kind]
}

// Has returns true if kind is registered.
func (r *Registry) Has(kind jobs.Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.defs[kind]
	return exists
}

// IDs returns all registered kinds, sorted.
func (r *Registry) IDs() []jobs.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]jobs.Kind, 0, len(r.defs))
	for kind := range r.defs {
		ids = append(ids, kind)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Definitions returns copies of all definitions, sorted by kind.
func (r *Registry) Definitions() []Definition {
	ids := r.IDs()
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(ids))
	for _, id := range ids {
		if def, ok := r.defs[id]; ok {
			out = append(out, *def)
		}
	}
	return out
}

// Count returns the number of registered kinds.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// NewDefaultRegistry returns a registry with every built-in analysis.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	Register(r, KindBacktest, "SMA crossover long/flat backtest", runBacktest)
	Register(r, KindOptimize, "Grid search of SMA crossover windows, best by Sharpe", runOptimize)
	Register(r, KindPCA, "Principal components of asset returns", runPCA)
	Register(r, KindRegression, "Multi-factor OLS regression", runRegression)
	Register(r, KindAttribution, "Shapley attribution of regression R² across factors", runAttribution)
	Register(r, KindRSISignal, "RSI overbought/oversold signals", runRSISignal)
	return r
}

// reportEvery reports progress for step i of n at most every stride steps
// and on the last step.
func reportEvery(report jobs.ProgressFunc, message string, i, n, stride int) {
	if report == nil || n <= 0 {
		return
	}
	if stride < 1 {
		stride = 1
	}
	if (i+1)%stride == 0 || i+1 == n {
		report(message, float64(i+1)/float64(n))
	}
}
