package portfolio

import (
	"time"

	"github.com/emberquant/fxbacktest/internal/indicators"
	"github.com/emberquant/fxbacktest/internal/metrics"
	"github.com/emberquant/fxbacktest/internal/model"
	"github.com/emberquant/fxbacktest/internal/scan"
	"github.com/emberquant/fxbacktest/internal/simulate"
	"github.com/emberquant/fxbacktest/internal/strategy"
)

// PipelineTiming breaks one symbol's pipeline run into the scan and
// simulate shares the engine's benchmark record reports, since a single
// symbol never exposes its own phase boundary otherwise.
type PipelineTiming struct {
	Scan     time.Duration
	Simulate time.Duration
}

// SymbolResult is the output of running the full per-symbol pipeline once:
// ingest (supplied by the caller as a frame) -> indicators -> scan -> simulate -> metrics.
type SymbolResult struct {
	Symbol    string
	Frame     *model.CoreFrame
	LongSet   *model.SignalSet
	ShortSet  *model.SignalSet
	Trades    []model.TradeResult
	Conflicts []model.ConflictEvent
	Metrics   model.DirectionalMetrics
}

// RunSymbolPipeline runs the isolated per-symbol pipeline (no shared state
// with any other symbol): scan each requested direction, resolve conflicts
// for BOTH runs, simulate, and aggregate metrics.
func RunSymbolPipeline(symbol string, frame *model.CoreFrame, strategyCfg model.StrategyConfig, risk model.RiskConfig, dir model.Direction) (*SymbolResult, PipelineTiming, error) {
	var timing PipelineTiming
	strat, err := strategy.Lookup(strategyCfg.ID)
	if err != nil {
		return nil, timing, err
	}
	ind := indicators.NewCache()

	result := &SymbolResult{Symbol: symbol, Frame: frame}

	scanStart := time.Now()
	var longSet, shortSet *model.SignalSet
	if dir == model.Long || dir == model.Both {
		longSet, err = scan.Scan(symbol, frame, ind, strat, strategyCfg, risk, model.Long)
		if err != nil {
			return nil, timing, err
		}
	}
	if dir == model.Short || dir == model.Both {
		shortSet, err = scan.Scan(symbol, frame, ind, strat, strategyCfg, risk, model.Short)
		if err != nil {
			return nil, timing, err
		}
	}
	timing.Scan = time.Since(scanStart)

	if dir == model.Both {
		longSet, shortSet, result.Conflicts = resolveConflicts(symbol, frame, longSet, shortSet)
	}

	simStart := time.Now()
	simParams := simulate.Params{FeeSlippagePips: risk.FeeSlippagePips, PipValue: risk.PipValue}
	var longTrades, shortTrades []model.TradeResult
	if longSet != nil {
		longTrades = simulate.Simulate(symbol, longSet, frame, model.Long, simParams)
	}
	if shortSet != nil {
		shortTrades = simulate.Simulate(symbol, shortSet, frame, model.Short, simParams)
	}
	timing.Simulate = time.Since(simStart)

	result.LongSet, result.ShortSet = longSet, shortSet
	result.Trades = append(append([]model.TradeResult{}, longTrades...), shortTrades...)
	result.Metrics = metrics.Directional(longTrades, shortTrades, dir)
	return result, timing, nil
}

// resolveConflicts rejects any (timestamp, symbol) that appears as both a
// long and a short entry, emitting one ConflictEvent per collision.
func resolveConflicts(symbol string, frame *model.CoreFrame, long, short *model.SignalSet) (*model.SignalSet, *model.SignalSet, []model.ConflictEvent) {
	if long == nil || short == nil {
		return long, short, nil
	}
	shortByBar := make(map[int]int, short.Len())
	for i, idx := range short.EntryIdx {
		shortByBar[idx] = i
	}

	// Walk the long set in entry order so conflict events come out in
	// chronological order on every run.
	var conflicts []model.ConflictEvent
	dropLong := make(map[int]bool)
	dropShort := make(map[int]bool)
	for li, bar := range long.EntryIdx {
		if si, ok := shortByBar[bar]; ok {
			dropLong[li] = true
			dropShort[si] = true
			conflicts = append(conflicts, model.ConflictEvent{Timestamp: time.Unix(frame.TimestampUTC[bar], 0).UTC(), Symbol: symbol, Resolution: "REJECTED_BOTH"})
		}
	}
	if len(conflicts) == 0 {
		return long, short, nil
	}
	return filterSignals(long, dropLong), filterSignals(short, dropShort), conflicts
}

func filterSignals(set *model.SignalSet, drop map[int]bool) *model.SignalSet {
	out := &model.SignalSet{Direction: set.Direction, Symbol: set.Symbol}
	for i := range set.EntryIdx {
		if drop[i] {
			continue
		}
		out.EntryIdx = append(out.EntryIdx, set.EntryIdx[i])
		out.Side = append(out.Side, set.Side[i])
		out.EntryPrice = append(out.EntryPrice, set.EntryPrice[i])
		out.StopPrice = append(out.StopPrice, set.StopPrice[i])
		out.TargetPrice = append(out.TargetPrice, set.TargetPrice[i])
		out.Size = append(out.Size, set.Size[i])
	}
	return out
}
