// Package strategy defines the capability interface strategies implement
// to stay decoupled from the indicator and scanner internals.
package strategy

import (
	"github.com/emberquant/fxbacktest/internal/indicators"
	"github.com/emberquant/fxbacktest/internal/model"
)

// Gates is the four boolean-column contract the scanner requires per
// direction. All slices must be frame-length.
type Gates struct {
	TrendOK     []bool
	PullbackOK  []bool
	ReversalOK  []bool
	CooldownOK  []bool
	ATR         *model.IndicatorSeries // used for stop-distance sizing
}

// Strategy is the capability any scan-driving strategy implements. It never
// touches the simulator or orchestrator directly.
type Strategy interface {
	ID() string
	RequiredIndicators() []IndicatorRequest
	Gates(frame *model.CoreFrame, ind *indicators.Cache, cfg model.StrategyConfig, dir model.Direction) (Gates, error)
}

// IndicatorRequest names one indicator a strategy needs computed ahead of scanning.
type IndicatorRequest struct {
	Name   string
	Period int
}

// registry of built-in strategies, looked up by StrategyConfig.ID.
var registry = map[string]func() Strategy{
	"ema_pullback_reversal": NewEMAPullbackReversal,
}

// Lookup resolves a strategy by id.
func Lookup(id string) (Strategy, error) {
	ctor, ok := registry[id]
	if !ok {
		return nil, model.NewError(model.ErrStrategyConfig, "", model.PhaseScan, "unknown strategy id "+id, nil)
	}
	return ctor(), nil
}
