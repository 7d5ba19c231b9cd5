// Package scan turns strategy gates into a vectorized SignalSet, enforcing
// the stop/target/size invariants at scan time.
package scan

import (
	"math"

	"github.com/emberquant/fxbacktest/internal/indicators"
	"github.com/emberquant/fxbacktest/internal/model"
	"github.com/emberquant/fxbacktest/internal/strategy"
)

// Scan evaluates one direction over frame and returns the resulting signal
// set. It is O(n) over the precomputed gate columns; no bar-by-bar
// re-evaluation of indicators happens here.
func Scan(symbol string, frame *model.CoreFrame, ind *indicators.Cache, strat strategy.Strategy, strategyCfg model.StrategyConfig, risk model.RiskConfig, dir model.Direction) (*model.SignalSet, error) {
	gates, err := strat.Gates(frame, ind, strategyCfg, dir)
	if err != nil {
		return nil, err
	}

	side := model.SideLong
	if dir == model.Short {
		side = model.SideShort
	}

	set := &model.SignalSet{Direction: dir, Symbol: symbol}
	n := frame.Len()
	for i := 0; i < n; i++ {
		if !(gates.TrendOK[i] && gates.PullbackOK[i] && gates.ReversalOK[i] && gates.CooldownOK[i]) {
			continue
		}
		atrV, ok := gates.ATR.At(i)
		if !ok {
			continue
		}
		entry := frame.Close[i]
		stopDist := math.Max(strategyCfg.ATRMult*atrV, strategyCfg.MinStopDistance)
		if stopDist <= 0 {
			continue
		}

		var stop, target float64
		if side == model.SideLong {
			stop = entry - stopDist
			target = entry + stopDist*strategyCfg.TargetRMult
		} else {
			stop = entry + stopDist
			target = entry - stopDist*strategyCfg.TargetRMult
		}

		if side == model.SideLong && !(stop < entry && entry < target) {
			continue
		}
		if side == model.SideShort && !(target < entry && entry < stop) {
			continue
		}

		size := positionSize(risk, stopDist)
		if size <= 0 {
			set.DroppedZeroSize++
			continue
		}

		set.EntryIdx = append(set.EntryIdx, i)
		set.Side = append(set.Side, side)
		set.EntryPrice = append(set.EntryPrice, entry)
		set.StopPrice = append(set.StopPrice, stop)
		set.TargetPrice = append(set.TargetPrice, target)
		set.Size = append(set.Size, size)
	}
	return set, nil
}

func positionSize(risk model.RiskConfig, stopDist float64) float64 {
	if stopDist <= 0 || risk.PipValue <= 0 {
		return 0
	}
	raw := risk.AccountEquity * risk.RiskPerTrade / (stopDist * risk.PipValue)
	if risk.LotStep > 0 {
		raw = math.Floor(raw/risk.LotStep) * risk.LotStep
	}
	if risk.MaxPosition > 0 && raw > risk.MaxPosition {
		raw = risk.MaxPosition
	}
	return raw
}
