package engine

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberquant/fxbacktest/internal/model"
)

func syntheticFrame(n int) *model.CoreFrame {
	f := &model.CoreFrame{DatasetID: "synthetic"}
	price := 1.1000
	for i := 0; i < n; i++ {
		f.TimestampUTC = append(f.TimestampUTC, int64(i*60))
		price += 0.0001
		f.Open = append(f.Open, price)
		f.High = append(f.High, price+0.0002)
		f.Low = append(f.Low, price-0.0002)
		f.Close = append(f.Close, price)
		f.Volume = append(f.Volume, 100)
		f.IsGap = append(f.IsGap, false)
	}
	return f
}

func baseStrategy() model.StrategyConfig {
	return model.StrategyConfig{ID: "ema_pullback_reversal", ATRMult: 2, MinStopDistance: 0.0005, TargetRMult: 2, CooldownBars: 3}
}

func baseRisk() model.RiskConfig {
	return model.RiskConfig{AccountEquity: 10000, RiskPerTrade: 0.01, PipValue: 10, LotStep: 0.01, MaxPosition: 10}
}

// recordingObserver captures every callback Run makes, so tests can assert
// the observer contract without a live opsserver.
type recordingObserver struct {
	phases       []string
	done, failed []string
}

func (r *recordingObserver) PhaseStarted(phase string, symbolsTotal int) { r.phases = append(r.phases, phase) }
func (r *recordingObserver) SymbolDone(symbol string)                    { r.done = append(r.done, symbol) }
func (r *recordingObserver) SymbolFailed(symbol, reason string)          { r.failed = append(r.failed, symbol) }

func TestRunSingleModeProducesReport(t *testing.T) {
	req := model.RunRequest{
		RunID:     "run-single",
		Direction: model.Long,
		Symbols:   []string{"eurusd"},
		Datasets:  map[string]model.DatasetSource{"eurusd": {Frame: syntheticFrame(200)}},
		Mode:      model.ModeSingle,
		Strategy:  baseStrategy(),
		Risk:      baseRisk(),
		Flags:     model.RunFlags{DataFrac: 1.0, Portion: 1, RequestExecutions: true, RequestSignals: true},
	}

	obs := &recordingObserver{}
	rep, err := Run(context.Background(), req, zerolog.Nop(), obs)
	require.NoError(t, err)
	require.NotNil(t, rep)

	assert.Equal(t, "run-single", rep.RunMetadata.RunID)
	assert.NotNil(t, rep.Metrics.Combined)
	require.NotEmpty(t, obs.phases)
	assert.Equal(t, "ingest", obs.phases[0])
	assert.Contains(t, obs.done, "eurusd")
	assert.Empty(t, obs.failed)
}

func TestRunNilObserverIsIgnored(t *testing.T) {
	req := model.RunRequest{
		RunID:     "run-nil-obs",
		Direction: model.Long,
		Symbols:   []string{"eurusd"},
		Datasets:  map[string]model.DatasetSource{"eurusd": {Frame: syntheticFrame(100)}},
		Mode:      model.ModeSingle,
		Strategy:  baseStrategy(),
		Risk:      baseRisk(),
		Flags:     model.RunFlags{DataFrac: 1.0, Portion: 1},
	}
	_, err := Run(context.Background(), req, zerolog.Nop(), nil)
	assert.NoError(t, err)
}

func TestRunRejectsInvalidDataFrac(t *testing.T) {
	req := model.RunRequest{
		RunID:     "run-bad-frac",
		Direction: model.Long,
		Symbols:   []string{"eurusd"},
		Datasets:  map[string]model.DatasetSource{"eurusd": {Frame: syntheticFrame(50)}},
		Mode:      model.ModeSingle,
		Strategy:  baseStrategy(),
		Risk:      baseRisk(),
		Flags:     model.RunFlags{DataFrac: 1.5, Portion: 1},
	}
	_, err := Run(context.Background(), req, zerolog.Nop(), nil)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.ErrInput))
}

func TestRunMissingDatasetReturnsInputError(t *testing.T) {
	req := model.RunRequest{
		RunID:     "run-missing-dataset",
		Direction: model.Long,
		Symbols:   []string{"eurusd", "gbpusd"},
		Datasets:  map[string]model.DatasetSource{"eurusd": {Frame: syntheticFrame(50)}},
		Mode:      model.ModeIndependent,
		Strategy:  baseStrategy(),
		Risk:      baseRisk(),
		Flags:     model.RunFlags{DataFrac: 1.0, Portion: 1},
	}
	_, err := Run(context.Background(), req, zerolog.Nop(), nil)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.ErrInput))
}

func TestRunFractionalSliceSelectsChronologicalPortion(t *testing.T) {
	req := model.RunRequest{
		RunID:     "run-frac",
		Direction: model.Long,
		Symbols:   []string{"eurusd"},
		Datasets:  map[string]model.DatasetSource{"eurusd": {Frame: syntheticFrame(1000)}},
		Mode:      model.ModeSingle,
		Strategy:  baseStrategy(),
		Risk:      baseRisk(),
		Flags:     model.RunFlags{DataFrac: 0.25, Portion: 2},
	}
	rep, err := Run(context.Background(), req, zerolog.Nop(), nil)
	require.NoError(t, err)
	assert.Equal(t, 250, rep.Benchmark.DatasetRows)
	assert.InDelta(t, 0.25, rep.Benchmark.FractionUsed, 1e-9)
}

func TestRunDeterministicRerunIsIdentical(t *testing.T) {
	build := func() model.RunRequest {
		return model.RunRequest{
			RunID:     "run-det",
			Direction: model.Long,
			Symbols:   []string{"eurusd", "gbpusd"},
			Datasets: map[string]model.DatasetSource{
				"eurusd": {Frame: syntheticFrame(300)},
				"gbpusd": {Frame: syntheticFrame(300)},
			},
			Mode:     model.ModeIndependent,
			Strategy: baseStrategy(),
			Risk:     baseRisk(),
			Flags:    model.RunFlags{DataFrac: 1.0, Portion: 1, Deterministic: true, RequestExecutions: true},
		}
	}
	r1, err := Run(context.Background(), build(), zerolog.Nop(), nil)
	require.NoError(t, err)
	r2, err := Run(context.Background(), build(), zerolog.Nop(), nil)
	require.NoError(t, err)

	assert.Equal(t, r1.RunMetadata.ManifestHash, r2.RunMetadata.ManifestHash)
	assert.Equal(t, r1.Metrics, r2.Metrics)
	for sym, sub := range r1.PerSymbol {
		require.Contains(t, r2.PerSymbol, sym)
		assert.Equal(t, sub.Trades, r2.PerSymbol[sym].Trades)
	}
}

func TestRunDryRunSkipsScanAndSimulate(t *testing.T) {
	req := model.RunRequest{
		RunID:     "run-dry",
		Direction: model.Long,
		Symbols:   []string{"eurusd"},
		Datasets:  map[string]model.DatasetSource{"eurusd": {Frame: syntheticFrame(100)}},
		Mode:      model.ModeSingle,
		Strategy:  baseStrategy(),
		Risk:      baseRisk(),
		Flags:     model.RunFlags{DataFrac: 1.0, Portion: 1, DryRun: true},
	}
	rep, err := Run(context.Background(), req, zerolog.Nop(), nil)
	require.NoError(t, err)
	assert.Nil(t, rep.Metrics.Combined)
	assert.Empty(t, rep.Trades)
	assert.NotEmpty(t, rep.RunMetadata.ManifestHash)
}

func TestRunIndependentModeIsolatesSymbolFailure(t *testing.T) {
	req := model.RunRequest{
		RunID:     "run-independent",
		Direction: model.Long,
		Symbols:   []string{"eurusd", "gbpusd"},
		Datasets: map[string]model.DatasetSource{
			"eurusd": {Frame: syntheticFrame(200)},
			"gbpusd": {Frame: syntheticFrame(1)}, // too short for any indicator period: isolated, not fatal
		},
		Mode:     model.ModeIndependent,
		Strategy: baseStrategy(),
		Risk:     baseRisk(),
		Flags:    model.RunFlags{DataFrac: 1.0, Portion: 1},
	}
	obs := &recordingObserver{}
	rep, err := Run(context.Background(), req, zerolog.Nop(), obs)
	require.NoError(t, err)
	require.NotNil(t, rep.PerSymbol)
	assert.Contains(t, rep.PerSymbol, "eurusd")
}
