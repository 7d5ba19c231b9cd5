package scan

import (
	"testing"

	"github.com/emberquant/fxbacktest/internal/indicators"
	"github.com/emberquant/fxbacktest/internal/model"
	"github.com/emberquant/fxbacktest/internal/strategy"
)

func buildFrame() *model.CoreFrame {
	n := 80
	f := &model.CoreFrame{
		DatasetID:    "eurusd",
		TimestampUTC: make([]int64, n),
		Open:         make([]float64, n),
		High:         make([]float64, n),
		Low:          make([]float64, n),
		Close:        make([]float64, n),
		Volume:       make([]float64, n),
		IsGap:        make([]bool, n),
	}
	price := 1.2000
	for i := 0; i < n; i++ {
		f.TimestampUTC[i] = int64(i * 60)
		if i < 60 {
			price += 0.0010
		} else if i == 60 {
			price -= 0.0050 // pullback dip
		} else {
			price += 0.0015 // breakout continuation
		}
		f.Open[i] = price - 0.0002
		f.Close[i] = price
		f.High[i] = price + 0.0005
		f.Low[i] = price - 0.0008
		f.Volume[i] = 100
	}
	return f
}

func TestScanProducesStrictlyIncreasingEntries(t *testing.T) {
	frame := buildFrame()
	cache := indicators.NewCache()
	strat := strategy.NewEMAPullbackReversal()
	cfg := model.StrategyConfig{ATRMult: 1.5, MinStopDistance: 0.0005, TargetRMult: 2.0, CooldownBars: 5}
	risk := model.RiskConfig{AccountEquity: 10000, RiskPerTrade: 0.01, PipValue: 10, LotStep: 0.01, MaxPosition: 10}

	set, err := Scan("eurusd", frame, cache, strat, cfg, risk, model.Long)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	for i := 1; i < set.Len(); i++ {
		if set.EntryIdx[i] <= set.EntryIdx[i-1] {
			t.Fatalf("entry indices not strictly increasing: %v", set.EntryIdx)
		}
	}
	for i := 0; i < set.Len(); i++ {
		if !(set.StopPrice[i] < set.EntryPrice[i] && set.EntryPrice[i] < set.TargetPrice[i]) {
			t.Fatalf("long signal %d violates stop<entry<target: stop=%v entry=%v target=%v", i, set.StopPrice[i], set.EntryPrice[i], set.TargetPrice[i])
		}
		if set.Size[i] <= 0 {
			t.Fatalf("signal %d has non-positive size", i)
		}
	}
}

func TestScanDropsZeroSizeSignals(t *testing.T) {
	frame := buildFrame()
	cache := indicators.NewCache()
	strat := strategy.NewEMAPullbackReversal()
	cfg := model.StrategyConfig{ATRMult: 1.5, MinStopDistance: 0.0005, TargetRMult: 2.0, CooldownBars: 5}
	risk := model.RiskConfig{AccountEquity: 0, RiskPerTrade: 0.01, PipValue: 10, LotStep: 0.01, MaxPosition: 10}

	set, err := Scan("eurusd", frame, cache, strat, cfg, risk, model.Long)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if set.Len() != 0 {
		t.Fatalf("expected all signals dropped for zero equity, got %d", set.Len())
	}
}
