// Package config loads a run/strategy definition from YAML into a RunRequest.
// Config loading is an external collaborator to the core, not part of it.
package config

import (
	"fmt"
	"os"

	"github.com/emberquant/fxbacktest/internal/model"
	"gopkg.in/yaml.v3"
)

// RunDefinition is the on-disk YAML shape a CLI invocation loads.
type RunDefinition struct {
	Direction string             `yaml:"direction"`
	Symbols   []string           `yaml:"symbols"`
	Datasets  map[string]string  `yaml:"datasets"` // symbol -> CSV path
	Cadence   int64              `yaml:"cadence_seconds"`
	Mode      string             `yaml:"mode"`
	Strategy  StrategyDefinition `yaml:"strategy"`
	Risk      RiskDefinition     `yaml:"risk"`
	Portfolio PortfolioDefinition `yaml:"portfolio"`
	Flags     FlagsDefinition    `yaml:"flags"`
}

// StrategyDefinition mirrors model.StrategyConfig for YAML decoding.
type StrategyDefinition struct {
	ID              string  `yaml:"id"`
	ATRMult         float64 `yaml:"atr_mult"`
	MinStopDistance float64 `yaml:"min_stop_distance"`
	TargetRMult     float64 `yaml:"target_r_mult"`
	CooldownBars    int     `yaml:"cooldown_bars"`
}

// RiskDefinition mirrors model.RiskConfig for YAML decoding.
type RiskDefinition struct {
	AccountEquity   float64 `yaml:"account_equity"`
	RiskPerTrade    float64 `yaml:"risk_per_trade"`
	PipValue        float64 `yaml:"pip_value"`
	LotStep         float64 `yaml:"lot_step"`
	MaxPosition     float64 `yaml:"max_position"`
	FeeSlippagePips float64 `yaml:"fee_slippage_pips"`
}

// PortfolioDefinition mirrors model.PortfolioConfig for YAML decoding.
type PortfolioDefinition struct {
	TotalCapital           float64 `yaml:"total_capital"`
	RoundingDP             int     `yaml:"rounding_dp"`
	PenaltyCoef            float64 `yaml:"penalty_coef"`
	PerSymbolExposureCap   float64 `yaml:"per_symbol_exposure_cap"`
	PortfolioExposureCap   float64 `yaml:"portfolio_exposure_cap"`
	AllocationIntervalBars int     `yaml:"allocation_interval_bars"`
	SnapshotIntervalBars   int     `yaml:"snapshot_interval_bars"`
}

// FlagsDefinition mirrors model.RunFlags for YAML decoding.
type FlagsDefinition struct {
	Profile              bool    `yaml:"profile"`
	Deterministic        bool    `yaml:"deterministic"`
	DryRun                bool    `yaml:"dry_run"`
	DataFrac             float64 `yaml:"data_frac"`
	Portion              int     `yaml:"portion"`
	SnapshotInterval     int     `yaml:"snapshot_interval"`
	CorrelationThreshold float64 `yaml:"correlation_threshold"`
	RequestSignals       bool    `yaml:"request_signals"`
	RequestExecutions    bool    `yaml:"request_executions"`
	FidelityCheck        bool    `yaml:"fidelity_check"`
	IngestMode           string  `yaml:"ingest_mode"`
	Downcast             bool    `yaml:"downcast"`
}

// Load reads and validates a RunDefinition from path.
func Load(path string) (*RunDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, model.NewError(model.ErrInput, "", model.PhaseIngest, fmt.Sprintf("cannot read config %q", path), err)
	}
	var def RunDefinition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, model.NewError(model.ErrInput, "", model.PhaseIngest, "malformed run definition YAML", err)
	}
	if err := validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

func validate(def *RunDefinition) error {
	if len(def.Symbols) == 0 {
		return model.NewError(model.ErrInput, "", model.PhaseIngest, "run definition declares no symbols", nil)
	}
	if def.Strategy.ID == "" {
		return model.NewError(model.ErrStrategyConfig, "", model.PhaseScan, "run definition declares no strategy id", nil)
	}
	if def.Flags.DataFrac == 0 {
		def.Flags.DataFrac = 1.0
	}
	if def.Flags.DataFrac <= 0 || def.Flags.DataFrac > 1 {
		return model.NewError(model.ErrInput, "", model.PhaseIngest, "data_frac must be in (0, 1]", nil)
	}
	if def.Flags.Portion == 0 {
		def.Flags.Portion = 1
	}
	switch def.Flags.IngestMode {
	case "", "columnar", "iterator":
	default:
		return model.NewError(model.ErrInput, "", model.PhaseIngest, fmt.Sprintf("unknown ingest_mode %q", def.Flags.IngestMode), nil)
	}
	return nil
}

// ToRunRequest converts a validated RunDefinition plus a generated run id
// into the core's RunRequest contract.
func (def *RunDefinition) ToRunRequest(runID string) model.RunRequest {
	dir := model.Long
	switch def.Direction {
	case "short":
		dir = model.Short
	case "both":
		dir = model.Both
	}
	mode := model.ModeSingle
	switch def.Mode {
	case "independent":
		mode = model.ModeIndependent
	case "portfolio":
		mode = model.ModePortfolio
	}

	datasets := make(map[string]model.DatasetSource, len(def.Datasets))
	for sym, path := range def.Datasets {
		datasets[sym] = model.DatasetSource{Path: path, ExpectedCadenceSec: def.Cadence}
	}

	return model.RunRequest{
		RunID:     runID,
		Direction: dir,
		Symbols:   def.Symbols,
		Datasets:  datasets,
		Mode:      mode,
		Strategy: model.StrategyConfig{
			ID: def.Strategy.ID, ATRMult: def.Strategy.ATRMult, MinStopDistance: def.Strategy.MinStopDistance,
			TargetRMult: def.Strategy.TargetRMult, CooldownBars: def.Strategy.CooldownBars,
		},
		Risk: model.RiskConfig{
			AccountEquity: def.Risk.AccountEquity, RiskPerTrade: def.Risk.RiskPerTrade, PipValue: def.Risk.PipValue,
			LotStep: def.Risk.LotStep, MaxPosition: def.Risk.MaxPosition, FeeSlippagePips: def.Risk.FeeSlippagePips,
		},
		Portfolio: model.PortfolioConfig{
			TotalCapital: def.Portfolio.TotalCapital, RoundingDP: def.Portfolio.RoundingDP, PenaltyCoef: def.Portfolio.PenaltyCoef,
			PerSymbolExposureCap: def.Portfolio.PerSymbolExposureCap, PortfolioExposureCap: def.Portfolio.PortfolioExposureCap,
			AllocationIntervalBars: def.Portfolio.AllocationIntervalBars, SnapshotIntervalBars: def.Portfolio.SnapshotIntervalBars,
		},
		Flags: model.RunFlags{
			Profile: def.Flags.Profile, Deterministic: def.Flags.Deterministic, DryRun: def.Flags.DryRun,
			DataFrac: def.Flags.DataFrac, Portion: def.Flags.Portion, SnapshotInterval: def.Flags.SnapshotInterval,
			CorrelationThreshold: def.Flags.CorrelationThreshold, RequestSignals: def.Flags.RequestSignals,
			RequestExecutions: def.Flags.RequestExecutions, FidelityCheck: def.Flags.FidelityCheck,
			IngestMode: def.Flags.IngestMode, Downcast: def.Flags.Downcast,
		},
	}
}
