package analysis

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/aristath/quantlab/internal/jobs"
)

// OptimizeParams describes a grid of SMA crossover windows. Every pair with
// fast < slow is backtested.
type OptimizeParams struct {
	Prices  []float64 `json:"prices"`
	FastMin int       `json:"fast_min"`
	FastMax int       `json:"fast_max"`
	SlowMin int       `json:"slow_min"`
	SlowMax int       `json:"slow_max"`
	Step    int       `json:"step"`
	Cost    float64   `json:"cost"`
	// Top is how many of the best combinations to return.
	Top int `json:"top"`
}

const maxGridSize = 10000

// Validate implements Validator.
func (p *OptimizeParams) Validate() error {
	if p.Step == 0 {
		p.Step = 1
	}
	if p.Top == 0 {
		p.Top = 5
	}
	if p.FastMin < 2 || p.FastMax < p.FastMin || p.SlowMax < p.SlowMin || p.Step < 1 {
		return fmt.Errorf("invalid window ranges")
	}
	if len(p.Prices) < p.SlowMax+1 {
		return fmt.Errorf("need at least %d prices, got %d", p.SlowMax+1, len(p.Prices))
	}
	if n := len(p.grid()); n == 0 {
		return fmt.Errorf("grid has no combination with fast < slow")
	} else if n > maxGridSize {
		return fmt.Errorf("grid has %d combinations, limit is %d", n, maxGridSize)
	}
	return nil
}

func (p *OptimizeParams) grid() [][2]int {
	var out [][2]int
	for f := p.FastMin; f <= p.FastMax; f += p.Step {
		for s := p.SlowMin; s <= p.SlowMax; s += p.Step {
			if f < s {
				out = append(out, [2]int{f, s})
			}
			if len(out) > maxGridSize {
				return out
			}
		}
	}
	return out
}

// OptimizeResult lists the best combinations, highest Sharpe first.
type OptimizeResult struct {
	Evaluated int              `json:"evaluated"`
	Best      BacktestResult   `json:"best"`
	Top       []BacktestResult `json:"top"`
}

func runOptimize(ctx context.Context, p OptimizeParams, report jobs.ProgressFunc) (any, error) {
	grid := p.grid()
	results := make([]BacktestResult, 0, len(grid))

	for i, w := range grid {
		if err := jobs.Checkpoint(ctx); err != nil {
			return nil, err
		}
		res, err := backtest(ctx, BacktestParams{Prices: p.Prices, Fast: w[0], Slow: w[1], Cost: p.Cost}, nil)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
		if report != nil {
			report(fmt.Sprintf("Evaluated fast=%d slow=%d", w[0], w[1]), float64(i+1)/float64(len(grid)))
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i].Sharpe, results[j].Sharpe
		if math.IsNaN(b) {
			return !math.IsNaN(a)
		}
		return a > b
	})

	top := results[:min(p.Top, len(results))]
	return OptimizeResult{Evaluated: len(results), Best: results[0], Top: top}, nil
}
