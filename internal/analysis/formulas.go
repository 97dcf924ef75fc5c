package analysis

import (
	"math"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

const tradingDays = 252

// simpleReturns converts prices to percentage returns.
func simpleReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}
	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			returns[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
		}
	}
	return returns
}

// sharpe is the annualized Sharpe ratio of daily returns with a zero
// risk-free rate. Flat series score 0.
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return mean / std * math.Sqrt(tradingDays)
}

func annualVolatility(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	return stat.StdDev(returns, nil) * math.Sqrt(tradingDays)
}

// maxDrawdown returns the largest peak-to-trough loss of an equity curve
// as a positive fraction.
func maxDrawdown(equity []float64) float64 {
	peak, worst := math.Inf(-1), 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// sma returns talib's simple moving average. Values before index period-1
// are not meaningful.
func sma(prices []float64, period int) []float64 {
	return talib.Sma(prices, period)
}

// rsi returns talib's RSI. Values before index period are not meaningful.
func rsi(prices []float64, period int) []float64 {
	return talib.Rsi(prices, period)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
