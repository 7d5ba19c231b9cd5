package simulate

import (
	"math"

	"github.com/emberquant/fxbacktest/internal/model"
)

// Reference resolves exits with a plain per-trade loop: for each signal,
// walk forward bar by bar from its entry index until stop, target, or the
// end of the frame. O(trades*bars) in the worst case — used only by the
// fidelity checker and tests, never on the hot path.
func Reference(symbol string, signals *model.SignalSet, frame *model.CoreFrame, dir model.Direction, params Params) []model.TradeResult {
	n := signals.Len()
	results := make([]model.TradeResult, n)
	bars := frame.Len()

	for k := 0; k < n; k++ {
		tr := activeTrade{
			idx: k, entryIdx: signals.EntryIdx[k], side: signals.Side[k],
			entry: signals.EntryPrice[k], stop: signals.StopPrice[k], target: signals.TargetPrice[k],
		}
		resolvedIdx := -1
		var exitPrice float64
		var reason model.ExitReason
		for bar := tr.entryIdx; bar < bars; bar++ {
			hitStop, hitTP := evalBar(tr, frame, bar)
			switch {
			case hitStop && hitTP:
				resolvedIdx, exitPrice, reason = bar, tr.stop, model.ExitSL
			case hitTP:
				resolvedIdx, exitPrice, reason = bar, tr.target, model.ExitTP
			case hitStop:
				resolvedIdx, exitPrice, reason = bar, tr.stop, model.ExitSL
			}
			if resolvedIdx >= 0 {
				break
			}
		}
		if resolvedIdx < 0 {
			if bars > 0 {
				resolvedIdx, exitPrice, reason = bars-1, frame.Close[bars-1], model.ExitEndOfData
			} else {
				resolvedIdx, exitPrice, reason = tr.entryIdx, tr.entry, model.ExitEndOfData
			}
		}
		results[k] = buildResult(tr, resolvedIdx, exitPrice, reason, params)
		results[k].Symbol = symbol
		results[k].Direction = dir
	}
	return results
}

func buildResult(tr activeTrade, exitIdx int, exitPrice float64, reason model.ExitReason, params Params) model.TradeResult {
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
	return model.TradeResult{
		EntryIdx: tr.entryIdx, EntryPrice: tr.entry, StopPrice: tr.stop, TargetPrice: tr.target,
		ExitIdx: exitIdx, ExitPrice: exitPrice, ExitReason: reason,
		PnLR: pnlR, DurationBars: exitIdx - tr.entryIdx + 1,
	}
}
