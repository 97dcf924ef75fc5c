package analysis

import (
	"context"
	"fmt"
	"math/bits"

	"github.com/aristath/quantlab/internal/jobs"
)

const maxShapleyFactors = 12

// AttributionParams has the same shape as RegressionParams.
type AttributionParams struct {
	RegressionParams
}

// Validate implements Validator.
func (p *AttributionParams) Validate() error {
	if err := p.RegressionParams.Validate(); err != nil {
		return err
	}
	if len(p.Factors) > maxShapleyFactors {
		return fmt.Errorf("at most %d factors, got %d", maxShapleyFactors, len(p.Factors))
	}
	return nil
}

// AttributionResult splits the full-model R² across factors. Shares sum to
// RSquared.
type AttributionResult struct {
	RSquared float64            `json:"r_squared"`
	Shapley  map[string]float64 `json:"shapley"`
	Share    map[string]float64 `json:"share"`
}

func runAttribution(ctx context.Context, p AttributionParams, report jobs.ProgressFunc) (any, error) {
	k := len(p.Factors)
	subsets := 1 << k
	r2 := make([]float64, subsets)

	for mask := 1; mask < subsets; mask++ {
		if err := jobs.Checkpoint(ctx); err != nil {
			return nil, err
		}
		subset := make([]Factor, 0, bits.OnesCount(uint(mask)))
		for j := 0; j < k; j++ {
			if mask&(1<<j) != 0 {
				subset = append(subset, p.Factors[j])
			}
		}
		fit, err := ols(p.Y, subset)
		if err != nil {
			return nil, err
		}
		r2[mask] = fit.r2
		reportEvery(report, "Fitting subsets", mask-1, subsets-1, 16)
	}

	// weight[s] = s!(k-s-1)!/k!
	fact := make([]float64, k+1)
	fact[0] = 1
	for i := 1; i <= k; i++ {
		fact[i] = fact[i-1] * float64(i)
	}

	res := AttributionResult{
		RSquared: round(r2[subsets-1], 10),
		Shapley:  make(map[string]float64, k),
		Share:    make(map[string]float64, k),
	}
	for j, f := range p.Factors {
		bit := 1 << j
		phi := 0.0
		for mask := 0; mask < subsets; mask++ {
			if mask&bit != 0 {
				continue
			}
			s := bits.OnesCount(uint(mask))
			w := fact[s] * fact[k-s-1] / fact[k]
			phi += w * (r2[mask|bit] - r2[mask])
		}
		res.Shapley[f.Name] = round(phi, 10)
		if r2[subsets-1] > 0 {
			res.Share[f.Name] = round(phi/r2[subsets-1], 10)
		}
	}
	return res, nil
}
