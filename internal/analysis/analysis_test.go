package analysis

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"

	"github.com/aristath/quantlab/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type progressLog struct {
	mu     sync.Mutex
	values []float64
}

func (l *progressLog) report(message string, progress float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values = append(l.values, progress)
}

func (l *progressLog) last() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.values) == 0 {
		return 0
	}
	return l.values[len(l.values)-1]
}

// trendingPrices rises steadily with a small oscillation.
func trendingPrices(n int) []float64 {
	prices := make([]float64, n)
	for i := range prices {
		prices[i] = 100 + float64(i)*0.5 + 2*math.Sin(float64(i)/5)
	}
	return prices
}

func run(t *testing.T, kind jobs.Kind, params any, report jobs.ProgressFunc) (any, error) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	work, err := NewDefaultRegistry().Build(kind, raw)
	require.NoError(t, err)
	return work(context.Background(), report)
}

func cancelledContext() context.Context {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(jobs.ErrCancelled)
	return ctx
}

func TestBacktest_TrendIsProfitable(t *testing.T) {
	progress := &progressLog{}
	out, err := run(t, KindBacktest, BacktestParams{Prices: trendingPrices(300), Fast: 5, Slow: 20}, progress.report)
	require.NoError(t, err)

	res := out.(BacktestResult)
	assert.Greater(t, res.TotalReturn, 0.0)
	assert.Greater(t, res.Exposure, 0.5)
	assert.GreaterOrEqual(t, res.MaxDrawdown, 0.0)
	assert.Greater(t, res.Trades, 0)
	assert.Equal(t, 1.0, progress.last())
}

func TestBacktest_Defaults(t *testing.T) {
	p := BacktestParams{Prices: trendingPrices(40)}
	require.NoError(t, p.Validate())
	assert.Equal(t, 10, p.Fast)
	assert.Equal(t, 30, p.Slow)

	short := BacktestParams{Prices: trendingPrices(10)}
	assert.Error(t, short.Validate())

	inverted := BacktestParams{Prices: trendingPrices(100), Fast: 30, Slow: 10}
	assert.Error(t, inverted.Validate())
}

func TestBacktest_CostReducesReturn(t *testing.T) {
	ctx := context.Background()
	prices := trendingPrices(300)
	free, err := backtest(ctx, BacktestParams{Prices: prices, Fast: 3, Slow: 8}, nil)
	require.NoError(t, err)
	costly, err := backtest(ctx, BacktestParams{Prices: prices, Fast: 3, Slow: 8, Cost: 0.01}, nil)
	require.NoError(t, err)
	assert.Less(t, costly.TotalReturn, free.TotalReturn)
}

func TestBacktest_StopsWhenCancelled(t *testing.T) {
	_, err := backtest(cancelledContext(), BacktestParams{Prices: trendingPrices(100), Fast: 5, Slow: 20}, nil)
	assert.ErrorIs(t, err, jobs.ErrCancelled)
}

func TestOptimize_PicksHighestSharpe(t *testing.T) {
	progress := &progressLog{}
	out, err := run(t, KindOptimize, OptimizeParams{
		Prices:  trendingPrices(300),
		FastMin: 3, FastMax: 9,
		SlowMin: 10, SlowMax: 30,
		Step: 3,
		Top:  3,
	}, progress.report)
	require.NoError(t, err)

	res := out.(OptimizeResult)
	assert.Equal(t, 3*7, res.Evaluated)
	require.Len(t, res.Top, 3)
	assert.Equal(t, res.Best, res.Top[0])
	for i := 1; i < len(res.Top); i++ {
		assert.GreaterOrEqual(t, res.Top[i-1].Sharpe, res.Top[i].Sharpe)
	}
	assert.Equal(t, 1.0, progress.last())
}

func TestOptimize_RejectsOversizedGrid(t *testing.T) {
	p := OptimizeParams{Prices: trendingPrices(400), FastMin: 2, FastMax: 200, SlowMin: 3, SlowMax: 300}
	assert.Error(t, p.Validate())
}

func TestPCA_DominantFactor(t *testing.T) {
	// Two assets move together, the third is independent noise.
	returns := make([][]float64, 60)
	for i := range returns {
		market := math.Sin(float64(i))
		noise := 0.05 * math.Cos(float64(i)*7.3)
		returns[i] = []float64{market, 0.9 * market, noise}
	}

	out, err := run(t, KindPCA, PCAParams{Assets: []string{"A", "B", "C"}, Returns: returns, Components: 2}, nil)
	require.NoError(t, err)

	res := out.(PCAResult)
	require.Len(t, res.Components, 2)
	first := res.Components[0]
	assert.Greater(t, first.ExplainedRatio, 0.9)
	assert.Greater(t, math.Abs(first.Loadings["A"]), math.Abs(first.Loadings["C"]))
	assert.InDelta(t, first.ExplainedRatio, res.Cumulative[0], 1e-9)
	assert.LessOrEqual(t, res.Cumulative[1], 1.0+1e-9)
}

func TestPCA_RaggedRows(t *testing.T) {
	p := PCAParams{Assets: []string{"A", "B"}, Returns: [][]float64{{1, 2}, {3}}}
	assert.Error(t, p.Validate())
}

func linearData(n int) (y []float64, factors []Factor) {
	x1 := make([]float64, n)
	x2 := make([]float64, n)
	y = make([]float64, n)
	for i := 0; i < n; i++ {
		x1[i] = float64(i)
		x2[i] = math.Sin(float64(i))
		y[i] = 1 + 2*x1[i] - 3*x2[i]
	}
	return y, []Factor{{Name: "trend", Values: x1}, {Name: "cycle", Values: x2}}
}

func TestRegression_RecoversCoefficients(t *testing.T) {
	y, factors := linearData(50)
	out, err := run(t, KindRegression, RegressionParams{Y: y, Factors: factors}, nil)
	require.NoError(t, err)

	res := out.(RegressionResult)
	assert.InDelta(t, 1.0, res.Intercept, 1e-6)
	assert.InDelta(t, 2.0, res.Betas["trend"], 1e-6)
	assert.InDelta(t, -3.0, res.Betas["cycle"], 1e-6)
	assert.InDelta(t, 1.0, res.RSquared, 1e-9)
	assert.Equal(t, 50, res.Observations)
}

func TestRegression_Validate(t *testing.T) {
	y, factors := linearData(10)
	dup := RegressionParams{Y: y, Factors: []Factor{factors[0], factors[0]}}
	assert.Error(t, dup.Validate())

	short := RegressionParams{Y: y[:5], Factors: factors}
	assert.Error(t, short.Validate())

	none := RegressionParams{Y: y}
	assert.Error(t, none.Validate())
}

func TestAttribution_SharesSumToRSquared(t *testing.T) {
	n := 80
	y := make([]float64, n)
	f1 := make([]float64, n)
	f2 := make([]float64, n)
	f3 := make([]float64, n)
	for i := 0; i < n; i++ {
		f1[i] = math.Sin(float64(i) / 3)
		f2[i] = math.Cos(float64(i) / 7)
		f3[i] = math.Sin(float64(i) * 1.7)
		y[i] = 3*f1[i] + 0.5*f2[i] + 0.2*math.Sin(float64(i)*11.1)
	}

	params := AttributionParams{RegressionParams{Y: y, Factors: []Factor{
		{Name: "f1", Values: f1}, {Name: "f2", Values: f2}, {Name: "f3", Values: f3},
	}}}
	out, err := run(t, KindAttribution, params, nil)
	require.NoError(t, err)

	res := out.(AttributionResult)
	sum := res.Shapley["f1"] + res.Shapley["f2"] + res.Shapley["f3"]
	assert.InDelta(t, res.RSquared, sum, 1e-6)
	assert.Greater(t, res.Shapley["f1"], res.Shapley["f2"])
	assert.Greater(t, res.Shapley["f1"], res.Shapley["f3"])
	assert.InDelta(t, 1.0, res.Share["f1"]+res.Share["f2"]+res.Share["f3"], 1e-6)
}

func TestAttribution_TooManyFactors(t *testing.T) {
	factors := make([]Factor, maxShapleyFactors+1)
	y := make([]float64, 40)
	for i := range factors {
		factors[i] = Factor{Name: string(rune('a' + i)), Values: make([]float64, 40)}
	}
	p := AttributionParams{RegressionParams{Y: y, Factors: factors}}
	assert.Error(t, p.Validate())
}

func TestRSISignal_Thresholds(t *testing.T) {
	// Rally then slide: RSI goes overbought then oversold.
	prices := make([]float64, 0, 80)
	for i := 0; i < 40; i++ {
		prices = append(prices, 100+float64(i))
	}
	for i := 0; i < 40; i++ {
		prices = append(prices, 139-float64(i))
	}

	out, err := run(t, KindRSISignal, RSIParams{Prices: prices}, nil)
	require.NoError(t, err)

	res := out.(RSIResult)
	assert.Len(t, res.Series, len(prices)-14)
	assert.Equal(t, 14, res.Series[0].Index)
	assert.Greater(t, res.Sells, 0)
	assert.Greater(t, res.Buys, 0)
	assert.Equal(t, SignalBuy, res.Latest.Signal)
}

func TestRSISignal_Validate(t *testing.T) {
	p := RSIParams{Prices: trendingPrices(30), Overbought: 20, Oversold: 40}
	assert.Error(t, p.Validate())
}
