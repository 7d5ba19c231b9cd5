// Package simulate resolves trade exits against OHLC data. Simulate is the
// vectorized active-set sweep; Reference is a straightforward per-trade loop
// used only for fidelity checking and tests.
package simulate

import (
	"math"

	"github.com/emberquant/fxbacktest/internal/model"
)

// Params controls per-trade cost modeling during exit resolution.
type Params struct {
	FeeSlippagePips float64
	PipValue        float64
}

type activeTrade struct {
	idx        int // index into the signal set
	entryIdx   int
	side       model.Side
	entry      float64
	stop       float64
	target     float64
}

// Simulate resolves exits for every signal in one pass using an active-set
// sweep: each bar touches only trades entered at or before that bar and not
// yet exited. Total work is O(bars + total_trade_bars), never O(trades*bars).
func Simulate(symbol string, signals *model.SignalSet, frame *model.CoreFrame, dir model.Direction, params Params) []model.TradeResult {
	n := signals.Len()
	results := make([]model.TradeResult, n)
	resolved := make([]bool, n)

	// Bucket signals by entry bar so the sweep can add them to the active
	// set exactly when they become eligible, without rescanning all signals
	// on every bar.
	entriesAtBar := make(map[int][]int, n) // bar -> signal indices entering that bar
	for k := 0; k < n; k++ {
		entriesAtBar[signals.EntryIdx[k]] = append(entriesAtBar[signals.EntryIdx[k]], k)
	}

	var active []activeTrade
	bars := frame.Len()
	for bar := 0; bar < bars; bar++ {
		for _, k := range entriesAtBar[bar] {
			active = append(active, activeTrade{
				idx:      k,
				entryIdx: bar,
				side:     signals.Side[k],
				entry:    signals.EntryPrice[k],
				stop:     signals.StopPrice[k],
				target:   signals.TargetPrice[k],
			})
		}
		if len(active) == 0 {
			continue
		}
		keep := active[:0]
		for _, tr := range active {
			hitStop, hitTP := evalBar(tr, frame, bar)
			if hitStop && hitTP {
				// Same-bar tie-break: stop wins (pessimistic, deterministic).
				finish(results, resolved, tr, bar, tr.stop, model.ExitSL, params)
				continue
			}
			if hitTP {
				finish(results, resolved, tr, bar, tr.target, model.ExitTP, params)
				continue
			}
			if hitStop {
				finish(results, resolved, tr, bar, tr.stop, model.ExitSL, params)
				continue
			}
			keep = append(keep, tr)
		}
		active = keep
	}

	// Any trade still active after the last bar exits at the final close.
	if bars > 0 {
		lastClose := frame.Close[bars-1]
		for _, tr := range active {
			finish(results, resolved, tr, bars-1, lastClose, model.ExitEndOfData, params)
		}
	}

	for k := 0; k < n; k++ {
		if !resolved[k] {
			// Entry index beyond the frame (should not happen for valid
			// signal sets); exit at entry with no movement.
			results[k] = model.TradeResult{
				EntryIdx: signals.EntryIdx[k], EntryPrice: signals.EntryPrice[k],
				StopPrice: signals.StopPrice[k], TargetPrice: signals.TargetPrice[k],
				ExitIdx: signals.EntryIdx[k], ExitPrice: signals.EntryPrice[k], ExitReason: model.ExitEndOfData,
				PnLR: 0, DurationBars: 1,
			}
		}
		results[k].Symbol = symbol
		results[k].Direction = dir
	}
	return results
}

func evalBar(tr activeTrade, frame *model.CoreFrame, bar int) (hitStop, hitTP bool) {
	if tr.side == model.SideLong {
		hitStop = frame.Low[bar] <= tr.stop
		hitTP = frame.High[bar] >= tr.target
		return
	}
	hitStop = frame.High[bar] >= tr.stop
	hitTP = frame.Low[bar] <= tr.target
	return
}

func finish(results []model.TradeResult, resolved []bool, tr activeTrade, exitIdx int, exitPrice float64, reason model.ExitReason, params Params) {
	riskDist := math.Abs(tr.entry - tr.stop)
	feeAdj := params.FeeSlippagePips * params.PipValue

	var numerator float64
	if tr.side == model.SideLong {
		numerator = (exitPrice - tr.entry) - feeAdj
	} else {
		numerator = (tr.entry - exitPrice) - feeAdj
	}
	pnlR := 0.0
	if riskDist > 0 {
		pnlR = numerator / riskDist
	}

	results[tr.idx] = model.TradeResult{
		EntryIdx: tr.entryIdx, EntryPrice: tr.entry, StopPrice: tr.stop, TargetPrice: tr.target,
		ExitIdx: exitIdx, ExitPrice: exitPrice, ExitReason: reason,
		PnLR: pnlR, DurationBars: exitIdx - tr.entryIdx + 1,
	}
	resolved[tr.idx] = true
}
