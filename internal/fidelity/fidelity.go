// Package fidelity compares the vectorized simulator against the reference
// per-trade simulator at the canonical tolerances.
package fidelity

import (
	"fmt"
	"math"

	"github.com/emberquant/fxbacktest/internal/model"
	"github.com/emberquant/fxbacktest/internal/simulate"
)

// Canonical tolerances. Fixed constants, not configurable: every fidelity
// comparison in the engine uses exactly these two.
const (
	AbsolutePriceTolerance = 1e-6
	RelativePnLTolerance   = 1e-4
)

// Check runs both simulators over the same signals/frame and reports the
// first divergent trade, if any.
func Check(symbol string, signals *model.SignalSet, frame *model.CoreFrame, dir model.Direction, params simulate.Params) error {
	vec := simulate.Simulate(symbol, signals, frame, dir, params)
	ref := simulate.Reference(symbol, signals, frame, dir, params)

	if len(vec) != len(ref) {
		return model.NewError(model.ErrSimulationFidelity, symbol, model.PhaseSimulate,
			fmt.Sprintf("result count mismatch: vectorized=%d reference=%d", len(vec), len(ref)), nil)
	}
	for i := range vec {
		if vec[i].ExitIdx != ref[i].ExitIdx {
			return model.NewError(model.ErrSimulationFidelity, symbol, model.PhaseSimulate,
				fmt.Sprintf("trade %d exit_idx diverged: vectorized=%d reference=%d", i, vec[i].ExitIdx, ref[i].ExitIdx), nil)
		}
		if math.Abs(vec[i].ExitPrice-ref[i].ExitPrice) > AbsolutePriceTolerance {
			return model.NewError(model.ErrSimulationFidelity, symbol, model.PhaseSimulate,
				fmt.Sprintf("trade %d exit_price diverged beyond %.0e: vectorized=%v reference=%v", i, AbsolutePriceTolerance, vec[i].ExitPrice, ref[i].ExitPrice), nil)
		}
		if relDiff(vec[i].PnLR, ref[i].PnLR) > RelativePnLTolerance {
			return model.NewError(model.ErrSimulationFidelity, symbol, model.PhaseSimulate,
				fmt.Sprintf("trade %d pnl_r diverged beyond %.0e: vectorized=%v reference=%v", i, RelativePnLTolerance, vec[i].PnLR, ref[i].PnLR), nil)
		}
	}
	return nil
}

func relDiff(a, b float64) float64 {
	denom := math.Max(math.Abs(a), math.Abs(b))
	if denom == 0 {
		return 0
	}
	return math.Abs(a-b) / denom
}
