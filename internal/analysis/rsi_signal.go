package analysis

import (
	"context"
	"fmt"

	"github.com/aristath/quantlab/internal/jobs"
)

// Signal values.
const (
	SignalBuy  = "buy"
	SignalSell = "sell"
	SignalHold = "hold"
)

// RSIParams configures the RSI signal series.
type RSIParams struct {
	Prices     []float64 `json:"prices"`
	Period     int       `json:"period"`
	Overbought float64   `json:"overbought"`
	Oversold   float64   `json:"oversold"`
}

// Validate implements Validator.
func (p *RSIParams) Validate() error {
	if p.Period == 0 {
		p.Period = 14
	}
	if p.Overbought == 0 {
		p.Overbought = 70
	}
	if p.Oversold == 0 {
		p.Oversold = 30
	}
	if p.Period < 2 {
		return fmt.Errorf("period must be at least 2, got %d", p.Period)
	}
	if p.Oversold >= p.Overbought || p.Oversold < 0 || p.Overbought > 100 {
		return fmt.Errorf("need 0 <= oversold < overbought <= 100")
	}
	if len(p.Prices) < p.Period+1 {
		return fmt.Errorf("need at least %d prices, got %d", p.Period+1, len(p.Prices))
	}
	return nil
}

// RSIPoint is the RSI and signal at one price index.
type RSIPoint struct {
	Index  int     `json:"index"`
	RSI    float64 `json:"rsi"`
	Signal string  `json:"signal"`
}

// RSIResult holds the series from the first index with a defined RSI.
type RSIResult struct {
	Latest RSIPoint   `json:"latest"`
	Buys   int        `json:"buys"`
	Sells  int        `json:"sells"`
	Series []RSIPoint `json:"series"`
}

func runRSISignal(ctx context.Context, p RSIParams, report jobs.ProgressFunc) (any, error) {
	values := rsi(p.Prices, p.Period)

	n := len(values) - p.Period
	res := RSIResult{Series: make([]RSIPoint, 0, n)}
	for i := p.Period; i < len(values); i++ {
		t := i - p.Period
		if t%256 == 0 {
			if err := jobs.Checkpoint(ctx); err != nil {
				return nil, err
			}
		}

		point := RSIPoint{Index: i, RSI: round(values[i], 4), Signal: SignalHold}
		switch {
		case values[i] >= p.Overbought:
			point.Signal = SignalSell
			res.Sells++
		case values[i] <= p.Oversold:
			point.Signal = SignalBuy
			res.Buys++
		}
		res.Series = append(res.Series, point)
		reportEvery(report, "Scoring", t, n, 64)
	}
	res.Latest = res.Series[len(res.Series)-1]
	return res, nil
}
