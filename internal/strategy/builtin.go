package strategy

import (
	"github.com/emberquant/fxbacktest/internal/indicators"
	"github.com/emberquant/fxbacktest/internal/model"
)

// EMAPullbackReversal is the reference strategy: trend filter via EMA20 vs
// EMA50, pullback entries confirmed by RSI extremes touching EMA20, and a
// breakout-close reversal trigger.
type EMAPullbackReversal struct{}

// NewEMAPullbackReversal constructs the reference strategy.
func NewEMAPullbackReversal() Strategy { return &EMAPullbackReversal{} }

func (s *EMAPullbackReversal) ID() string { return "ema_pullback_reversal" }

func (s *EMAPullbackReversal) RequiredIndicators() []IndicatorRequest {
	return []IndicatorRequest{
		{Name: "ema", Period: 20},
		{Name: "ema", Period: 50},
		{Name: "rsi", Period: 14},
		{Name: "atr", Period: 14},
	}
}

func (s *EMAPullbackReversal) Gates(frame *model.CoreFrame, ind *indicators.Cache, cfg model.StrategyConfig, dir model.Direction) (Gates, error) {
	ema20, err := ind.EMA(frame, 20)
	if err != nil {
		return Gates{}, err
	}
	ema50, err := ind.EMA(frame, 50)
	if err != nil {
		return Gates{}, err
	}
	rsi, err := ind.RSI(frame, 14)
	if err != nil {
		return Gates{}, err
	}
	atr, err := ind.ATR(frame, 14)
	if err != nil {
		return Gates{}, err
	}

	n := frame.Len()
	trend := make([]bool, n)
	pullback := make([]bool, n)
	reversal := make([]bool, n)
	cooldown := make([]bool, n)

	longSide := dir == model.Long
	var lastEntry = -1 << 31

	for i := 1; i < n; i++ {
		e20, ok20 := ema20.At(i)
		e50, ok50 := ema50.At(i)
		r, okR := rsi.At(i)
		if !ok20 || !ok50 || !okR {
			continue
		}

		if longSide {
			trend[i] = e20 > e50
			pullback[i] = frame.Low[i] <= e20 && r < 30
			reversal[i] = frame.Close[i] > frame.High[i-1]
		} else {
			trend[i] = e20 < e50
			pullback[i] = frame.High[i] >= e20 && r > 70
			reversal[i] = frame.Close[i] < frame.Low[i-1]
		}

		if i-lastEntry > cfg.CooldownBars {
			cooldown[i] = true
		}
		if trend[i] && pullback[i] && reversal[i] && cooldown[i] {
			lastEntry = i
		}
	}

	return Gates{TrendOK: trend, PullbackOK: pullback, ReversalOK: reversal, CooldownOK: cooldown, ATR: atr}, nil
}
