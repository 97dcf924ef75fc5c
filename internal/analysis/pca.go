package analysis

import (
	"context"
	"fmt"

	"github.com/aristath/quantlab/internal/jobs"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// PCAParams holds a return matrix: one row per observation, one column per
// asset.
type PCAParams struct {
	Assets     []string    `json:"assets"`
	Returns    [][]float64 `json:"returns"`
	Components int         `json:"components"`
}

// Validate implements Validator.
func (p *PCAParams) Validate() error {
	if len(p.Assets) < 2 {
		return fmt.Errorf("need at least 2 assets, got %d", len(p.Assets))
	}
	if len(p.Returns) < 2 {
		return fmt.Errorf("need at least 2 observations, got %d", len(p.Returns))
	}
	for i, row := range p.Returns {
		if len(row) != len(p.Assets) {
			return fmt.Errorf("row %d has %d values, want %d", i, len(row), len(p.Assets))
		}
	}
	if p.Components <= 0 || p.Components > len(p.Assets) {
		p.Components = min(len(p.Assets), len(p.Returns))
	}
	return nil
}

// Component is one principal component.
type Component struct {
	Variance       float64            `json:"variance"`
	ExplainedRatio float64            `json:"explained_ratio"`
	Loadings       map[string]float64 `json:"loadings"`
}

// PCAResult lists components by decreasing variance.
type PCAResult struct {
	Components []Component `json:"components"`
	Cumulative []float64   `json:"cumulative"`
}

func runPCA(ctx context.Context, p PCAParams, report jobs.ProgressFunc) (any, error) {
	rows, cols := len(p.Returns), len(p.Assets)
	data := mat.NewDense(rows, cols, nil)
	for i, row := range p.Returns {
		data.SetRow(i, row)
	}
	if report != nil {
		report("Decomposing covariance", 0.2)
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(data, nil); !ok {
		return nil, fmt.Errorf("principal component decomposition failed")
	}
	if err := jobs.Checkpoint(ctx); err != nil {
		return nil, err
	}

	vars := pc.VarsTo(nil)
	var vecs mat.Dense
	pc.VectorsTo(&vecs)

	total := 0.0
	for _, v := range vars {
		total += v
	}

	k := min(p.Components, len(vars))
	res := PCAResult{
		Components: make([]Component, 0, k),
		Cumulative: make([]float64, 0, k),
	}
	cum := 0.0
	for c := 0; c < k; c++ {
		ratio := 0.0
		if total > 0 {
			ratio = vars[c] / total
		}
		cum += ratio
		loadings := make(map[string]float64, cols)
		for a, name := range p.Assets {
			loadings[name] = round(vecs.At(a, c), 8)
		}
		res.Components = append(res.Components, Component{
			Variance:       vars[c],
			ExplainedRatio: round(ratio, 8),
			Loadings:       loadings,
		})
		res.Cumulative = append(res.Cumulative, round(cum, 8))
		reportEvery(report, "Collecting components", c, k, 1)
	}
	return res, nil
}
