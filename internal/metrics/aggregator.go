// Package metrics aggregates simulated trades into MetricsSummary and
// DirectionalMetrics records.
package metrics

import (
	"math"

	"github.com/emberquant/fxbacktest/internal/model"
)

// Summarize builds a MetricsSummary from a set of trades. Denominators that
// would be zero leave the corresponding *Valid flag false instead of
// producing NaN.
func Summarize(trades []model.TradeResult) *model.MetricsSummary {
	s := &model.MetricsSummary{TradeCount: len(trades)}
	if len(trades) == 0 {
		return s
	}

	var sumR, grossWin, grossLoss float64
	equity := 0.0
	peak := 0.0
	maxDD := 0.0

	for _, tr := range trades {
		sumR += tr.PnLR
		if tr.PnLR > 0 {
			s.Wins++
			grossWin += tr.PnLR
		} else if tr.PnLR < 0 {
			s.Losses++
			grossLoss += -tr.PnLR
		}
		equity += tr.PnLR
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > maxDD {
			maxDD = dd
		}
	}

	s.MaxDrawdownR = maxDD

	if s.TradeCount > 0 {
		s.WinRate = float64(s.Wins) / float64(s.TradeCount)
		s.WinRateValid = true
		s.AvgR = sumR / float64(s.TradeCount)
		s.AvgRValid = true
	}
	if s.Losses > 0 {
		lossRate := float64(s.Losses) / float64(s.TradeCount)
		avgWin := 0.0
		if s.Wins > 0 {
			avgWin = grossWin / float64(s.Wins)
		}
		avgLoss := grossLoss / float64(s.Losses)
		s.Expectancy = s.WinRate*avgWin - lossRate*avgLoss
		s.ExpectancyValid = true
	} else if s.Wins > 0 {
		s.Expectancy = s.AvgR
		s.ExpectancyValid = true
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossWin / grossLoss
		s.ProfitFactorValid = true
	}

	if len(trades) >= 2 {
		mean := sumR / float64(len(trades))
		var variance float64
		for _, tr := range trades {
			d := tr.PnLR - mean
			variance += d * d
		}
		variance /= float64(len(trades) - 1)
		stdev := math.Sqrt(variance)
		if stdev > 0 {
			s.SharpeEstimate = mean / stdev * math.Sqrt(float64(len(trades)))
			s.SharpeValid = true
		}
	}

	return s
}

// Directional builds the {long_only, short_only, combined} bundle, omitting
// the single-direction summaries when the run was single-sided.
func Directional(longTrades, shortTrades []model.TradeResult, dir model.Direction) model.DirectionalMetrics {
	dm := model.DirectionalMetrics{}
	combined := append(append([]model.TradeResult{}, longTrades...), shortTrades...)
	dm.Combined = Summarize(combined)
	if dir == model.Both {
		dm.LongOnly = Summarize(longTrades)
		dm.ShortOnly = Summarize(shortTrades)
	}
	return dm
}
