package portfolio

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/emberquant/fxbacktest/internal/model"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// MaxWorkers bounds the independent-mode symbol worker pool.
const MaxWorkers = 8

// IndependentResult is the output of independent multi-symbol execution.
type IndependentResult struct {
	PerSymbol    map[string]*SymbolResult
	Failures     []model.RuntimeFailureEvent
	ScanTime     time.Duration
	SimulateTime time.Duration
}

// RunIndependent runs each symbol's pipeline isolated from the others on a
// bounded worker pool. A failing symbol is isolated and logged; the rest
// continue. Cancellation is checked between symbols, before a new one is
// dispatched to the pool; symbols already running finish uninterrupted.
func RunIndependent(ctx context.Context, symbols []string, frames map[string]*model.CoreFrame, strategyCfg model.StrategyConfig, risk model.RiskConfig, dir model.Direction, log zerolog.Logger) *IndependentResult {
	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)

	out := &IndependentResult{PerSymbol: make(map[string]*SymbolResult)}
	var mu sync.Mutex
	sem := make(chan struct{}, MaxWorkers)
	var wg sync.WaitGroup

	for _, sym := range sorted {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()
			frame, ok := frames[symbol]
			if !ok {
				mu.Lock()
				out.Failures = append(out.Failures, model.RuntimeFailureEvent{Symbol: symbol, Reason: "no dataset supplied", Timestamp: time.Now().UTC()})
				mu.Unlock()
				return
			}
			res, timing, err := RunSymbolPipeline(symbol, frame, strategyCfg, risk, dir)
			mu.Lock()
			defer mu.Unlock()
			out.ScanTime += timing.Scan
			out.SimulateTime += timing.Simulate
			if err != nil {
				log.Warn().Str("symbol", symbol).Err(err).Msg("symbol isolated")
				out.Failures = append(out.Failures, model.RuntimeFailureEvent{Symbol: symbol, Reason: err.Error(), Timestamp: time.Now().UTC()})
				return
			}
			out.PerSymbol[symbol] = res
		}(sym)
	}
	wg.Wait()
	return out
}

// PortfolioResult is the output of shared-capital portfolio execution.
type PortfolioResult struct {
	PerSymbol             map[string]*SymbolResult
	Failures              []model.RuntimeFailureEvent
	Snapshots             []model.PortfolioSnapshotRecord
	CorrelationPairs      int
	ScanTime              time.Duration
	SimulateTime          time.Duration
}

// pipelineOutcome carries RunSymbolPipeline's two return values through a
// gobreaker.CircuitBreaker's single interface{} result slot.
type pipelineOutcome struct {
	res    *SymbolResult
	timing PipelineTiming
}

type symbolState struct {
	symbol    string
	frame     *model.CoreFrame
	breaker   *gobreaker.CircuitBreaker
	isolated  bool
	positions float64
	entryPx   float64
	side      model.Side
}

// RunPortfolio executes the shared-capital portfolio mode: an allocation
// pass that sizes every symbol's risk budget from its pool share, a
// synchronized bar loop across all enabled symbols, periodic snapshotting,
// and isolation of any symbol whose pipeline run fails. Symbols are
// iterated in fixed sorted order every bar for deterministic reductions.
// Cancellation is checked between symbols (not between bars, per the "at
// most one phase" cancellation latency the run contract allows).
func RunPortfolio(ctx context.Context, symbols []string, frames map[string]*model.CoreFrame, strategyCfg model.StrategyConfig, risk model.RiskConfig, pcfg model.PortfolioConfig, dir model.Direction, log zerolog.Logger) (*PortfolioResult, error) {
	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)

	states := make(map[string]*symbolState, len(sorted))
	for _, sym := range sorted {
		states[sym] = &symbolState{
			symbol: sym, frame: frames[sym],
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        sym,
				MaxRequests: 1,
				Interval:    0,
				Timeout:     0,
				ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 3 },
			}),
		}
	}

	result := &PortfolioResult{PerSymbol: make(map[string]*SymbolResult)}
	enabled := append([]string(nil), sorted...)

	// Allocation pass: size each symbol's risk budget from its pool share
	// before running any pipeline, so the sizes the scanner produces
	// already reflect shared-capital allocation.
	volatility := make(map[string]float64, len(enabled))
	var volSymbols []string
	for _, sym := range enabled {
		st := states[sym]
		if st.frame == nil || st.frame.Len() < 2 {
			continue
		}
		v := frameVolatility(st.frame)
		if v <= 0 {
			v = 1e-6
		}
		volatility[sym] = v
		volSymbols = append(volSymbols, sym)
	}
	var alloc model.AllocationResponse
	if len(volSymbols) > 0 && pcfg.TotalCapital > 0 {
		resp, err := Allocate(model.AllocationRequest{
			Symbols:      volSymbols,
			Volatility:   volatility,
			TotalCapital: pcfg.TotalCapital,
			RoundingDP:   pcfg.RoundingDP,
			PenaltyCoef:  pcfg.PenaltyCoef,
		})
		if err != nil {
			log.Warn().Err(err).Msg("initial portfolio allocation failed, symbols keep the shared risk config's equity")
		} else {
			alloc = resp
		}
	}

	for _, sym := range enabled {
		if ctx.Err() != nil {
			break
		}
		st := states[sym]
		if st.frame == nil {
			st.isolated = true
			result.Failures = append(result.Failures, model.RuntimeFailureEvent{Symbol: sym, Reason: "no dataset supplied", Timestamp: time.Now().UTC()})
			continue
		}
		symRisk := risk
		if capital, ok := alloc.Allocations[sym]; ok {
			symRisk.AccountEquity = capital
		}
		out, err := st.breaker.Execute(func() (interface{}, error) {
			res, timing, err := RunSymbolPipeline(sym, st.frame, strategyCfg, symRisk, dir)
			if err != nil {
				return nil, err
			}
			return pipelineOutcome{res, timing}, nil
		})
		if err != nil {
			st.isolated = true
			result.Failures = append(result.Failures, model.RuntimeFailureEvent{Symbol: sym, Reason: err.Error(), Timestamp: time.Now().UTC()})
			log.Warn().Str("symbol", sym).Err(err).Msg("symbol isolated from portfolio")
			continue
		}
		wrapped := out.(pipelineOutcome)
		result.ScanTime += wrapped.timing.Scan
		result.SimulateTime += wrapped.timing.Simulate
		applyExposureCaps(sym, wrapped.res, pcfg, log)
		result.PerSymbol[sym] = wrapped.res
	}

	activeSymbols := make([]string, 0, len(enabled))
	for _, sym := range enabled {
		if !states[sym].isolated {
			activeSymbols = append(activeSymbols, sym)
		}
	}
	corrMatrix := NewCorrelationMatrix(activeSymbols)
	snapshots := buildSnapshots(activeSymbols, result.PerSymbol, corrMatrix, pcfg)
	result.Snapshots = snapshots
	result.CorrelationPairs = len(corrMatrix.AsMap())

	return result, nil
}

// applyExposureCaps enforces PortfolioConfig's per-symbol and portfolio-
// level exposure caps against a symbol's already-simulated signals,
// reducing any position whose notional (size * entry price) would exceed
// either cap, expressed as a fraction of pool capital. Reducing size here
// does not change the already-resolved PnLR (a pure R-multiple, independent
// of position size); it only changes the notional later reflected in
// portfolio snapshots. A zero cap means "no cap."
func applyExposureCaps(symbol string, res *SymbolResult, pcfg model.PortfolioConfig, log zerolog.Logger) {
	if pcfg.TotalCapital <= 0 {
		return
	}
	clamp := func(set *model.SignalSet) {
		if set == nil {
			return
		}
		for i := range set.Size {
			notional := math.Abs(set.Size[i]) * set.EntryPrice[i]
			limit := notional
			reason := ""
			if pcfg.PerSymbolExposureCap > 0 {
				if cap := pcfg.PerSymbolExposureCap * pcfg.TotalCapital; limit > cap {
					limit, reason = cap, "per_symbol_exposure_cap"
				}
			}
			if pcfg.PortfolioExposureCap > 0 {
				if cap := pcfg.PortfolioExposureCap * pcfg.TotalCapital; limit > cap {
					limit, reason = cap, "portfolio_exposure_cap"
				}
			}
			if limit >= notional || set.EntryPrice[i] == 0 {
				continue
			}
			newSize := limit / set.EntryPrice[i]
			log.Warn().Str("symbol", symbol).Int("entry_idx", set.EntryIdx[i]).Str("reason", reason).
				Float64("requested_notional", notional).Float64("capped_notional", limit).
				Msg("position size reduced by portfolio exposure cap")
			if set.Size[i] < 0 {
				newSize = -newSize
			}
			set.Size[i] = newSize
		}
	}
	clamp(res.LongSet)
	clamp(res.ShortSet)
}

// thresholdCorrelations drops pair correlations whose magnitude is below
// threshold, so only meaningfully correlated pairs feed the allocation
// penalty. A zero threshold passes the map through untouched.
func thresholdCorrelations(corr map[string]float64, threshold float64) map[string]float64 {
	if threshold <= 0 {
		return corr
	}
	out := make(map[string]float64, len(corr))
	for k, v := range corr {
		if math.Abs(v) >= threshold {
			out[k] = v
		}
	}
	return out
}

// frameVolatility is the population standard deviation of close-to-close
// returns over the whole frame, used as the Allocation Engine's per-symbol
// volatility input.
func frameVolatility(frame *model.CoreFrame) float64 {
	n := frame.Len()
	if n < 2 {
		return 0
	}
	returns := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		prev := frame.Close[i-1]
		if prev == 0 {
			continue
		}
		returns = append(returns, (frame.Close[i]-prev)/prev)
	}
	if len(returns) == 0 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance)
}

// openPosition is one reconstructed position interval for a symbol, built
// from a signal's size/side/entry paired with its resolved trade's exit
// index (TradeResult itself carries no size; SignalSet does).
type openPosition struct {
	entryIdx, exitIdx int
	size              float64
	side              model.Side
	entryPrice        float64
}

// symbolPositions pairs a symbol's LongSet/ShortSet signals with their
// resolved Trades (concatenated long-then-short, same order and length as
// the sets that produced them) to recover each position's open interval.
func symbolPositions(res *SymbolResult) []openPosition {
	var out []openPosition
	longLen := res.LongSet.Len()
	add := func(set *model.SignalSet, trades []model.TradeResult) {
		for i := range set.EntryIdx {
			if i >= len(trades) {
				continue
			}
			out = append(out, openPosition{
				entryIdx: set.EntryIdx[i], exitIdx: trades[i].ExitIdx,
				size: set.Size[i], side: set.Side[i], entryPrice: set.EntryPrice[i],
			})
		}
	}
	if res.LongSet != nil {
		add(res.LongSet, res.Trades[:longLen])
	}
	if res.ShortSet != nil {
		add(res.ShortSet, res.Trades[longLen:])
	}
	return out
}

// openExposureAt sums net size, notional, and mark-to-market unrealized PnL
// across every position open at bar (entryIdx <= bar < exitIdx; the exit
// bar itself is excluded so a closed trade is not double-counted here and
// in its own realized PnLR). Price deltas are treated as raw price-unit
// differences, matching the simulator's own fee/pip convention rather than
// a separate pip-to-price conversion.
func openExposureAt(positions []openPosition, bar int, currentClose float64) (netSize, notional, unrealized float64) {
	for _, p := range positions {
		if p.entryIdx > bar || bar >= p.exitIdx {
			continue
		}
		signed := p.size
		if p.side == model.SideShort {
			signed = -p.size
		}
		netSize += signed
		notional += math.Abs(p.size) * p.entryPrice
		if p.side == model.SideLong {
			unrealized += p.size * (currentClose - p.entryPrice)
		} else {
			unrealized += p.size * (p.entryPrice - currentClose)
		}
	}
	return
}

// buildSnapshots walks the synchronized bar grid of the longest active
// symbol frame, updates the correlation matrix from realized returns, and
// emits a PortfolioSnapshotRecord every SnapshotIntervalBars bars with
// real per-symbol positions/unrealized PnL and a diversification ratio
// recomputed every AllocationIntervalBars against the live correlation
// matrix.
func buildSnapshots(symbols []string, perSymbol map[string]*SymbolResult, corr *CorrelationMatrix, pcfg model.PortfolioConfig) []model.PortfolioSnapshotRecord {
	interval := pcfg.SnapshotIntervalBars
	if interval <= 0 {
		interval = 50
	}
	allocInterval := pcfg.AllocationIntervalBars
	if allocInterval <= 0 {
		allocInterval = interval
	}
	maxLen := 0
	for _, sym := range symbols {
		if r, ok := perSymbol[sym]; ok && r.Frame.Len() > maxLen {
			maxLen = r.Frame.Len()
		}
	}
	if maxLen == 0 {
		return nil
	}

	positionsBySymbol := make(map[string][]openPosition, len(symbols))
	volatility := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		r, ok := perSymbol[sym]
		if !ok {
			continue
		}
		positionsBySymbol[sym] = symbolPositions(r)
		if v := frameVolatility(r.Frame); v > 0 {
			volatility[sym] = v
		}
	}

	var snapshots []model.PortfolioSnapshotRecord
	var diversification float64
	for bar := 1; bar < maxLen; bar++ {
		returns := make(map[string]float64, len(symbols))
		for _, sym := range symbols {
			r, ok := perSymbol[sym]
			if !ok || bar >= r.Frame.Len() {
				continue
			}
			prev := r.Frame.Close[bar-1]
			if prev == 0 {
				continue
			}
			returns[sym] = (r.Frame.Close[bar] - prev) / prev
		}
		corr.Update(returns)

		if bar%allocInterval == 0 && len(volatility) > 0 && pcfg.TotalCapital > 0 {
			volSymbols := make([]string, 0, len(volatility))
			for sym := range volatility {
				volSymbols = append(volSymbols, sym)
			}
			resp, err := Allocate(model.AllocationRequest{
				Symbols:      volSymbols,
				Volatility:   volatility,
				Correlation:  thresholdCorrelations(corr.AsMap(), pcfg.CorrelationThreshold),
				TotalCapital: pcfg.TotalCapital,
				RoundingDP:   pcfg.RoundingDP,
				PenaltyCoef:  pcfg.PenaltyCoef,
			})
			if err == nil {
				diversification = resp.DiversificationRatio
			}
		}

		if bar%interval != 0 {
			continue
		}
		positions := make(map[string]float64, len(symbols))
		unrealized := make(map[string]float64, len(symbols))
		var aggregate, totalNotional float64
		minWindowLen := -1
		for i, a := range symbols {
			r, ok := perSymbol[a]
			if ok && bar < r.Frame.Len() {
				netSize, notional, unreal := openExposureAt(positionsBySymbol[a], bar, r.Frame.Close[bar])
				positions[a] = netSize
				unrealized[a] = unreal
				aggregate += unreal
				totalNotional += notional
			} else {
				positions[a] = 0
				unrealized[a] = 0
			}
			for j, b := range symbols {
				if i == j {
					continue
				}
				wl := corr.WindowLen(a, b)
				if minWindowLen < 0 || wl < minWindowLen {
					minWindowLen = wl
				}
			}
		}
		if minWindowLen < 0 {
			minWindowLen = 0
		}
		exposureFraction := 0.0
		if pcfg.TotalCapital > 0 {
			exposureFraction = totalNotional / pcfg.TotalCapital
		}
		ts := int64(0)
		if r, ok := perSymbol[symbols[0]]; ok && bar < r.Frame.Len() {
			ts = r.Frame.TimestampUTC[bar]
		}
		snapshots = append(snapshots, model.PortfolioSnapshotRecord{
			Timestamp:            time.Unix(ts, 0).UTC(),
			Positions:            positions,
			UnrealizedPnL:        unrealized,
			AggregatePnL:         aggregate,
			ExposureFraction:     exposureFraction,
			DiversificationRatio: diversification,
			CorrelationWindowLen: minWindowLen,
		})
	}
	return snapshots
}
