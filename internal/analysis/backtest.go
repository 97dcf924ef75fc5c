package analysis

import (
	"context"
	"fmt"
	"math"

	"github.com/aristath/quantlab/internal/jobs"
)

// Built-in kinds.
const (
	KindBacktest    jobs.Kind = "backtest"
	KindOptimize    jobs.Kind = "optimize"
	KindPCA         jobs.Kind = "pca"
	KindRegression  jobs.Kind = "regression"
	KindAttribution jobs.Kind = "attribution"
	KindRSISignal   jobs.Kind = "rsi_signal"
)

// BacktestParams configures an SMA crossover backtest. The strategy is long
// while the fast average is above the slow one and flat otherwise.
type BacktestParams struct {
	Prices []float64 `json:"prices"`
	Fast   int       `json:"fast"`
	Slow   int       `json:"slow"`
	// Cost is charged as a fraction of equity on every position change.
	Cost float64 `json:"cost"`
}

// Validate implements Validator.
func (p *BacktestParams) Validate() error {
	if p.Fast == 0 {
		p.Fast = 10
	}
	if p.Slow == 0 {
		p.Slow = 30
	}
	if p.Fast < 2 || p.Slow <= p.Fast {
		return fmt.Errorf("need 2 <= fast < slow, got fast=%d slow=%d", p.Fast, p.Slow)
	}
	if len(p.Prices) < p.Slow+1 {
		return fmt.Errorf("need at least %d prices, got %d", p.Slow+1, len(p.Prices))
	}
	if p.Cost < 0 || p.Cost >= 1 {
		return fmt.Errorf("cost must be in [0,1), got %v", p.Cost)
	}
	return nil
}

// BacktestResult summarises a backtest.
type BacktestResult struct {
	Fast         int     `json:"fast"`
	Slow         int     `json:"slow"`
	TotalReturn  float64 `json:"total_return"`
	AnnualReturn float64 `json:"annual_return"`
	Volatility   float64 `json:"volatility"`
	Sharpe       float64 `json:"sharpe"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	Trades       int     `json:"trades"`
	Exposure     float64 `json:"exposure"`
}

func runBacktest(ctx context.Context, p BacktestParams, report jobs.ProgressFunc) (any, error) {
	return backtest(ctx, p, report)
}

func backtest(ctx context.Context, p BacktestParams, report jobs.ProgressFunc) (BacktestResult, error) {
	fast := sma(p.Prices, p.Fast)
	slow := sma(p.Prices, p.Slow)

	start := p.Slow - 1
	n := len(p.Prices) - 1 - start
	strategy := make([]float64, 0, n)
	equity := make([]float64, 0, n+1)
	equity = append(equity, 1)

	position, trades, held := 0.0, 0, 0
	for i, t := start, 0; i < len(p.Prices)-1; i, t = i+1, t+1 {
		if t%256 == 0 {
			if err := jobs.Checkpoint(ctx); err != nil {
				return BacktestResult{}, err
			}
		}

		next := 0.0
		if fast[i] > slow[i] {
			next = 1
		}
		r := 0.0
		if next != position {
			trades++
			r -= p.Cost
			position = next
		}
		if position > 0 {
			held++
			if p.Prices[i] != 0 {
				r += (p.Prices[i+1] - p.Prices[i]) / p.Prices[i]
			}
		}
		strategy = append(strategy, r)
		equity = append(equity, equity[len(equity)-1]*(1+r))

		reportEvery(report, "Simulating", t, n, 64)
	}

	total := equity[len(equity)-1] - 1
	annual := 0.0
	if years := float64(len(strategy)) / tradingDays; years > 0 && total > -1 {
		annual = math.Pow(1+total, 1/years) - 1
	}

	return BacktestResult{
		Fast:         p.Fast,
		Slow:         p.Slow,
		TotalReturn:  round(total, 6),
		AnnualReturn: round(annual, 6),
		Volatility:   round(annualVolatility(strategy), 6),
		Sharpe:       round(sharpe(strategy), 6),
		MaxDrawdown:  round(maxDrawdown(equity), 6),
		Trades:       trades,
		Exposure:     round(float64(held)/float64(len(strategy)), 6),
	}, nil
}
