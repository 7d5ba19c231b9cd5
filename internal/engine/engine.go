// Package engine wires ingestion, portfolio orchestration, fidelity
// checking, and benchmarking behind the single RunRequest -> RunReport
// entry point named in the run contract.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/emberquant/fxbacktest/internal/bench"
	"github.com/emberquant/fxbacktest/internal/fidelity"
	"github.com/emberquant/fxbacktest/internal/ingest"
	"github.com/emberquant/fxbacktest/internal/metrics"
	"github.com/emberquant/fxbacktest/internal/model"
	"github.com/emberquant/fxbacktest/internal/portfolio"
	"github.com/emberquant/fxbacktest/internal/simulate"
	"github.com/rs/zerolog"
)

// Observer receives progress callbacks during a run. Run calls PhaseStarted
// when the ingest phase begins and again when the simulate phase begins, and
// SymbolDone/SymbolFailed once per symbol in each phase that symbol reaches.
// Every call comes from the goroutine that called Run. A nil Observer is
// valid and ignored.
type Observer interface {
	PhaseStarted(phase string, symbolsTotal int)
	SymbolDone(symbol string)
	SymbolFailed(symbol, reason string)
}

// Run is the single entry point: RunRequest in, RunReport out. obs may be
// nil when no external progress reporting is needed. Cancellation via ctx is
// cooperative and checked between phases and between symbols, never
// mid-simulation.
func Run(ctx context.Context, req model.RunRequest, log zerolog.Logger, obs Observer) (*model.RunReport, error) {
	started := time.Now().UTC()
	if obs != nil {
		obs.PhaseStarted("ingest", len(req.Symbols))
	}

	if req.Flags.DataFrac <= 0 || req.Flags.DataFrac > 1 {
		return nil, model.NewError(model.ErrInput, "", model.PhaseIngest, "data_frac must be in (0, 1]", nil)
	}
	if req.Flags.Portion < 1 {
		return nil, model.NewError(model.ErrInput, "", model.PhaseIngest, "portion must be >= 1", nil)
	}
	if len(req.Symbols) == 0 {
		return nil, model.NewError(model.ErrInput, "", model.PhaseIngest, "no symbols requested", nil)
	}

	timer := bench.NewTimer(0)
	frames := make(map[string]*model.CoreFrame, len(req.Symbols))
	manifests := make([]model.Manifest, 0, len(req.Symbols))
	var rawBytes uint64
	var totalRows int

	ingestStart := time.Now()
	for _, sym := range req.Symbols {
		ds, ok := req.Datasets[sym]
		if !ok {
			return nil, model.NewError(model.ErrInput, sym, model.PhaseIngest, "no dataset supplied for symbol", nil)
		}
		frame, manifest, rb, err := loadDataset(sym, ds, req.Flags, log)
		if err != nil {
			if req.Mode == model.ModeSingle {
				return nil, err
			}
			log.Warn().Str("symbol", sym).Err(err).Msg("dataset failed to ingest")
			if obs != nil {
				obs.SymbolFailed(sym, err.Error())
			}
			continue
		}
		frames[sym] = frame
		manifests = append(manifests, manifest)
		rawBytes += rb
		totalRows += frame.Len()
		if obs != nil {
			obs.SymbolDone(sym)
		}
	}
	timer.Add("ingest", time.Since(ingestStart))
	timer.SetRawBytes(rawBytes)

	report := &model.RunReport{Manifests: manifests}
	hash := manifestHash(req, manifests)

	if req.Flags.DryRun {
		report.Benchmark = timer.Build(totalRows, 0, req.Flags.DataFrac, nil)
		report.RunMetadata = runMetadata(req, started, hash)
		return report, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, model.NewError(model.ErrRuntime, "", model.PhaseScan, "run canceled before scan phase", err)
	}
	if obs != nil {
		obs.PhaseStarted("simulate", len(frames))
	}

	switch req.Mode {
	case model.ModeSingle:
		sym := req.Symbols[0]
		res, timing, err := portfolio.RunSymbolPipeline(sym, frames[sym], req.Strategy, req.Risk, req.Direction)
		if err != nil {
			return nil, err
		}
		timer.Add("scan", timing.Scan)
		timer.Add("simulate", timing.Simulate)
		logDroppedSignals(log, sym, res)
		report.Metrics = res.Metrics
		if req.Flags.RequestExecutions {
			report.Trades = res.Trades
		}
		if req.Flags.RequestSignals {
			report.Signals = signalSummaries(sym, res.LongSet, res.ShortSet)
		}
		report.Conflicts = res.Conflicts
		if fidelityRequested(req.Flags) {
			if err := checkFidelity(sym, res, req); err != nil {
				return nil, err
			}
		}
		report.Benchmark = timer.Build(totalRows, len(res.Trades), req.Flags.DataFrac, hotspots(req.Flags, timer, len(res.Trades)))
		if obs != nil {
			obs.SymbolDone(sym)
		}

	case model.ModeIndependent:
		out := portfolio.RunIndependent(ctx, req.Symbols, frames, req.Strategy, req.Risk, req.Direction, log)
		timer.Add("scan", out.ScanTime)
		timer.Add("simulate", out.SimulateTime)
		report.PerSymbol = make(map[string]*model.RunReport, len(out.PerSymbol))
		var allTrades []model.TradeResult
		var allConflicts []model.ConflictEvent
		for _, sym := range sortedKeys(out.PerSymbol) {
			res := out.PerSymbol[sym]
			logDroppedSignals(log, sym, res)
			if fidelityRequested(req.Flags) {
				if err := checkFidelity(sym, res, req); err != nil {
					return nil, err
				}
			}
			sub := &model.RunReport{Metrics: res.Metrics, Conflicts: res.Conflicts}
			if req.Flags.RequestExecutions {
				sub.Trades = res.Trades
			}
			report.PerSymbol[sym] = sub
			allTrades = append(allTrades, res.Trades...)
			allConflicts = append(allConflicts, res.Conflicts...)
		}
		report.Failures = sortedFailures(out.Failures)
		report.Conflicts = allConflicts
		report.Metrics = combinedDirectional(out.PerSymbol, req.Direction)
		report.Benchmark = timer.Build(totalRows, len(allTrades), req.Flags.DataFrac, hotspots(req.Flags, timer, len(allTrades)))
		notifyObserver(obs, out.PerSymbol, report.Failures)

	case model.ModePortfolio:
		pcfg := req.Portfolio
		if req.Flags.SnapshotInterval > 0 {
			pcfg.SnapshotIntervalBars = req.Flags.SnapshotInterval
		}
		if req.Flags.CorrelationThreshold > 0 {
			pcfg.CorrelationThreshold = req.Flags.CorrelationThreshold
		}
		out, err := portfolio.RunPortfolio(ctx, req.Symbols, frames, req.Strategy, req.Risk, pcfg, req.Direction, log)
		if err != nil {
			return nil, err
		}
		timer.Add("scan", out.ScanTime)
		timer.Add("simulate", out.SimulateTime)
		report.PerSymbol = make(map[string]*model.RunReport, len(out.PerSymbol))
		var allTrades []model.TradeResult
		var allConflicts []model.ConflictEvent
		for _, sym := range sortedKeys(out.PerSymbol) {
			res := out.PerSymbol[sym]
			logDroppedSignals(log, sym, res)
			if fidelityRequested(req.Flags) {
				if err := checkFidelity(sym, res, req); err != nil {
					return nil, err
				}
			}
			sub := &model.RunReport{Metrics: res.Metrics, Conflicts: res.Conflicts}
			if req.Flags.RequestExecutions {
				sub.Trades = res.Trades
			}
			report.PerSymbol[sym] = sub
			allTrades = append(allTrades, res.Trades...)
			allConflicts = append(allConflicts, res.Conflicts...)
		}
		report.Failures = sortedFailures(out.Failures)
		report.Conflicts = allConflicts
		report.Snapshots = out.Snapshots
		report.Metrics = combinedDirectional(out.PerSymbol, req.Direction)
		report.Benchmark = timer.Build(totalRows, len(allTrades), req.Flags.DataFrac, hotspots(req.Flags, timer, len(allTrades)))
		notifyObserver(obs, out.PerSymbol, report.Failures)

	default:
		return nil, model.NewError(model.ErrInput, "", model.PhaseIngest, "unknown execution mode", nil)
	}

	report.RunMetadata = runMetadata(req, started, hash)
	return report, nil
}

func runMetadata(req model.RunRequest, started time.Time, hash string) model.RunMetadata {
	return model.RunMetadata{
		RunID: req.RunID, StartedAt: started, EndedAt: time.Now().UTC(),
		Direction: req.Direction.String(), Symbols: req.Symbols,
		ManifestHash: hash, TieBreakPolicy: "stop_wins_same_bar_ties",
	}
}

func fidelityRequested(flags model.RunFlags) bool {
	return flags.FidelityCheck || flags.Profile
}

func notifyObserver(obs Observer, perSymbol map[string]*portfolio.SymbolResult, failures []model.RuntimeFailureEvent) {
	if obs == nil {
		return
	}
	for _, sym := range sortedKeys(perSymbol) {
		obs.SymbolDone(sym)
	}
	for _, f := range failures {
		obs.SymbolFailed(f.Symbol, f.Reason)
	}
}

func sortedKeys(m map[string]*portfolio.SymbolResult) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sortedFailures fixes the event order regardless of which worker finished
// first, keeping deterministic-mode reruns byte-identical.
func sortedFailures(failures []model.RuntimeFailureEvent) []model.RuntimeFailureEvent {
	out := append([]model.RuntimeFailureEvent(nil), failures...)
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func logDroppedSignals(log zerolog.Logger, symbol string, res *portfolio.SymbolResult) {
	dropped := 0
	if res.LongSet != nil {
		dropped += res.LongSet.DroppedZeroSize
	}
	if res.ShortSet != nil {
		dropped += res.ShortSet.DroppedZeroSize
	}
	if dropped > 0 {
		log.Warn().Str("symbol", symbol).Int("dropped", dropped).Msg("signals dropped: computed position size rounded to zero")
	}
}

// hotspots builds the profile-mode hotspot list from the phase timers. It is
// not a sampling profile; this list exists so the benchmark record names
// where the run's wall clock went.
func hotspots(flags model.RunFlags, t *bench.Timer, trades int) []string {
	if !flags.Profile {
		return nil
	}
	out := t.PhaseBreakdown()
	out = append(out, fmt.Sprintf("trades_simulated=%d", trades))
	return out
}

func loadDataset(symbol string, ds model.DatasetSource, flags model.RunFlags, log zerolog.Logger) (*model.CoreFrame, model.Manifest, uint64, error) {
	var frame *model.CoreFrame
	var manifest model.Manifest
	var rawBytes uint64

	if ds.Frame != nil {
		frame = ds.Frame
	} else {
		mode := ingest.Columnar
		if flags.IngestMode == "iterator" {
			mode = ingest.Iterator
		}
		f, im, err := ingest.Ingest(ds.Path, ds.ExpectedCadenceSec, mode, flags.Downcast)
		if err != nil {
			return nil, model.Manifest{}, 0, err
		}
		frame = f
		if im.DuplicatesRemoved > 0 {
			log.Info().Str("symbol", symbol).Int("removed", im.DuplicatesRemoved).
				Time("first_dropped", im.FirstDuplicate).Time("last_dropped", im.LastDuplicate).
				Msg("duplicate timestamps removed, last occurrence kept")
		}
		if im.CompletenessPct < 50 {
			log.Warn().Str("symbol", symbol).Float64("completeness_pct", im.CompletenessPct).
				Msg("dataset cadence completeness below 50%, continuing")
		}
		sha, size, herr := ingest.FileSHA256(ds.Path)
		if herr == nil {
			manifest = model.Manifest{Path: ds.Path, SHA256: sha, RowCount: f.Len(), Source: "csv"}
			rawBytes = uint64(size)
		}
	}

	if frame.Len() > 0 {
		manifest.RowCount = frame.Len()
		manifest.Start = time.Unix(frame.TimestampUTC[0], 0).UTC()
		manifest.End = time.Unix(frame.TimestampUTC[frame.Len()-1], 0).UTC()
	}

	sliced := sliceFraction(frame, flags.DataFrac, flags.Portion)
	return sliced, manifest, rawBytes, nil
}

// sliceFraction selects a contiguous chronological slice before indicators
// are computed, matching the fractional-run contract.
func sliceFraction(frame *model.CoreFrame, frac float64, portion int) *model.CoreFrame {
	n := frame.Len()
	if frac >= 1 || n == 0 {
		return frame
	}
	chunk := int(float64(n) * frac)
	if chunk <= 0 {
		chunk = 1
	}
	start := (portion - 1) * chunk
	if start >= n {
		start = n - chunk
		if start < 0 {
			start = 0
		}
	}
	end := start + chunk
	if end > n {
		end = n
	}
	return frame.Slice(start, end)
}

func checkFidelity(symbol string, res *portfolio.SymbolResult, req model.RunRequest) error {
	params := simulate.Params{FeeSlippagePips: req.Risk.FeeSlippagePips, PipValue: req.Risk.PipValue}
	if res.LongSet != nil && res.LongSet.Len() > 0 {
		if err := fidelity.Check(symbol, res.LongSet, res.Frame, model.Long, params); err != nil {
			return err
		}
	}
	if res.ShortSet != nil && res.ShortSet.Len() > 0 {
		if err := fidelity.Check(symbol, res.ShortSet, res.Frame, model.Short, params); err != nil {
			return err
		}
	}
	return nil
}

func signalSummaries(symbol string, sets ...*model.SignalSet) []model.SignalSummary {
	var out []model.SignalSummary
	for _, set := range sets {
		if set == nil {
			continue
		}
		for i := range set.EntryIdx {
			out = append(out, model.SignalSummary{
				Symbol: symbol, Direction: dirString(set.Side[i]),
				EntryIdx: set.EntryIdx[i], EntryPrice: set.EntryPrice[i],
				StopPrice: set.StopPrice[i], TargetPrice: set.TargetPrice[i], Size: set.Size[i],
			})
		}
	}
	return out
}

func dirString(side model.Side) string {
	if side == model.SideLong {
		return "long"
	}
	return "short"
}

func combinedDirectional(perSymbol map[string]*portfolio.SymbolResult, dir model.Direction) model.DirectionalMetrics {
	var allTrades []model.TradeResult
	keys := sortedKeys(perSymbol)
	for _, k := range keys {
		allTrades = append(allTrades, perSymbol[k].Trades...)
	}
	summarized := metrics.Summarize(allTrades)
	dm := model.DirectionalMetrics{Combined: summarized}
	if dir == model.Both {
		var longTrades, shortTrades []model.TradeResult
		for _, k := range keys {
			for _, tr := range perSymbol[k].Trades {
				if tr.Direction == model.Long {
					longTrades = append(longTrades, tr)
				} else {
					shortTrades = append(shortTrades, tr)
				}
			}
		}
		dm.LongOnly = metrics.Summarize(longTrades)
		dm.ShortOnly = metrics.Summarize(shortTrades)
	}
	return dm
}

func manifestHash(req model.RunRequest, manifests []model.Manifest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|", req.Strategy.ID)
	fmt.Fprintf(h, "atr_mult=%v,min_stop=%v,target_r=%v,cooldown=%v|",
		req.Strategy.ATRMult, req.Strategy.MinStopDistance, req.Strategy.TargetRMult, req.Strategy.CooldownBars)
	sorted := append([]model.Manifest(nil), manifests...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SHA256 < sorted[j].SHA256 })
	for _, m := range sorted {
		fmt.Fprintf(h, "%s,", m.SHA256)
	}
	return hex.EncodeToString(h.Sum(nil))
}
