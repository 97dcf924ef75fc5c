package analysis

import (
	"context"
	"fmt"
	"math"

	"github.com/aristath/quantlab/internal/jobs"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Factor is one named explanatory series.
type Factor struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// RegressionParams regresses Y on the factors with an intercept.
type RegressionParams struct {
	Y       []float64 `json:"y"`
	Factors []Factor  `json:"factors"`
}

// Validate implements Validator.
func (p *RegressionParams) Validate() error {
	if len(p.Factors) == 0 {
		return fmt.Errorf("need at least one factor")
	}
	seen := make(map[string]bool, len(p.Factors))
	for _, f := range p.Factors {
		if f.Name == "" || seen[f.Name] {
			return fmt.Errorf("factor names must be unique and non-empty")
		}
		seen[f.Name] = true
		if len(f.Values) != len(p.Y) {
			return fmt.Errorf("factor %s has %d values, want %d", f.Name, len(f.Values), len(p.Y))
		}
	}
	if len(p.Y) < len(p.Factors)+2 {
		return fmt.Errorf("need at least %d observations, got %d", len(p.Factors)+2, len(p.Y))
	}
	return nil
}

// RegressionResult holds the OLS fit.
type RegressionResult struct {
	Intercept    float64            `json:"intercept"`
	Betas        map[string]float64 `json:"betas"`
	RSquared     float64            `json:"r_squared"`
	AdjRSquared  float64            `json:"adj_r_squared"`
	ResidualStd  float64            `json:"residual_std"`
	Observations int                `json:"observations"`
}

func runRegression(ctx context.Context, p RegressionParams, report jobs.ProgressFunc) (any, error) {
	if report != nil {
		report("Fitting", 0.1)
	}
	fit, err := ols(p.Y, p.Factors)
	if err != nil {
		return nil, err
	}
	if err := jobs.Checkpoint(ctx); err != nil {
		return nil, err
	}

	n, k := float64(len(p.Y)), float64(len(p.Factors))
	res := RegressionResult{
		Intercept:    round(fit.coef[0], 10),
		Betas:        make(map[string]float64, len(p.Factors)),
		RSquared:     round(fit.r2, 10),
		AdjRSquared:  round(1-(1-fit.r2)*(n-1)/(n-k-1), 10),
		ResidualStd:  round(math.Sqrt(fit.ssr/(n-k-1)), 10),
		Observations: len(p.Y),
	}
	for i, f := range p.Factors {
		res.Betas[f.Name] = round(fit.coef[i+1], 10)
	}
	return res, nil
}

type olsFit struct {
	coef []float64
	r2   float64
	ssr  float64
}

// ols fits y = b0 + sum(bi*xi) by least squares. An empty factor set fits
// the intercept only and has R² of zero.
func ols(y []float64, factors []Factor) (olsFit, error) {
	n, k := len(y), len(factors)
	x := mat.NewDense(n, k+1, nil)
	for i := 0; i < n; i++ {
		x.Set(i, 0, 1)
		for j, f := range factors {
			x.Set(i, j+1, f.Values[i])
		}
	}

	var beta mat.VecDense
	if err := beta.SolveVec(x, mat.NewVecDense(n, append([]float64(nil), y...))); err != nil {
		return olsFit{}, fmt.Errorf("least squares: %w", err)
	}

	mean := stat.Mean(y, nil)
	var ssr, sst float64
	for i := 0; i < n; i++ {
		pred := mat.Dot(x.RowView(i), &beta)
		ssr += (y[i] - pred) * (y[i] - pred)
		sst += (y[i] - mean) * (y[i] - mean)
	}

	r2 := 0.0
	if sst > 0 {
		r2 = 1 - ssr/sst
	}
	return olsFit{coef: mat.Col(nil, 0, &beta), r2: r2, ssr: ssr}, nil
}
