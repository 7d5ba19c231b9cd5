package portfolio

import (
	"context"
	"io"
	"testing"

	"github.com/emberquant/fxbacktest/internal/model"
	"github.com/rs/zerolog"
)

func trendingFrame(id string, n int, start float64) *model.CoreFrame {
	f := &model.CoreFrame{
		DatasetID:    id,
		TimestampUTC: make([]int64, n),
		Open:         make([]float64, n),
		High:         make([]float64, n),
		Low:          make([]float64, n),
		Close:        make([]float64, n),
		Volume:       make([]float64, n),
		IsGap:        make([]bool, n),
	}
	price := start
	for i := 0; i < n; i++ {
		f.TimestampUTC[i] = int64(i * 60)
		if i > 0 && i%10 == 0 {
			price -= 0.003
		} else {
			price += 0.0008
		}
		f.Open[i] = price - 0.0002
		f.Close[i] = price
		f.High[i] = price + 0.0006
		f.Low[i] = price - 0.0009
		f.Volume[i] = 100
	}
	return f
}

func testStrategyAndRisk() (model.StrategyConfig, model.RiskConfig) {
	cfg := model.StrategyConfig{ID: "ema_pullback_reversal", ATRMult: 1.5, MinStopDistance: 0.0004, TargetRMult: 2.0, CooldownBars: 3}
	risk := model.RiskConfig{AccountEquity: 10000, RiskPerTrade: 0.01, PipValue: 10, LotStep: 0.01, MaxPosition: 20}
	return cfg, risk
}

func TestRunIndependentContinuesAfterFailure(t *testing.T) {
	frames := map[string]*model.CoreFrame{
		"EURUSD": trendingFrame("EURUSD", 120, 1.1000),
		"GBPUSD": trendingFrame("GBPUSD", 3, 1.3000), // too short for indicators -> failure
	}
	cfg, risk := testStrategyAndRisk()
	log := zerolog.New(io.Discard)

	out := RunIndependent(context.Background(), []string{"EURUSD", "GBPUSD"}, frames, cfg, risk, model.Long, log)
	if _, ok := out.PerSymbol["EURUSD"]; !ok {
		t.Fatalf("expected EURUSD to succeed")
	}
	found := false
	for _, f := range out.Failures {
		if f.Symbol == "GBPUSD" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected GBPUSD to be isolated with a RuntimeFailureEvent, got failures=%v", out.Failures)
	}
}

func TestRunPortfolioProducesSnapshotsAndIsolatesFailures(t *testing.T) {
	frames := map[string]*model.CoreFrame{
		"EURUSD": trendingFrame("EURUSD", 200, 1.1000),
		"GBPUSD": trendingFrame("GBPUSD", 200, 1.3000),
		"USDJPY": trendingFrame("USDJPY", 2, 110.00),
	}
	cfg, risk := testStrategyAndRisk()
	pcfg := model.PortfolioConfig{TotalCapital: 10000, RoundingDP: 2, PenaltyCoef: 0.3, SnapshotIntervalBars: 50}
	log := zerolog.New(io.Discard)

	out, err := RunPortfolio(context.Background(), []string{"EURUSD", "GBPUSD", "USDJPY"}, frames, cfg, risk, pcfg, model.Long, log)
	if err != nil {
		t.Fatalf("run portfolio: %v", err)
	}
	if len(out.PerSymbol) != 2 {
		t.Fatalf("expected 2 symbols to succeed, got %d", len(out.PerSymbol))
	}
	if len(out.Failures) != 1 || out.Failures[0].Symbol != "USDJPY" {
		t.Fatalf("expected USDJPY isolated, got %v", out.Failures)
	}
	if len(out.Snapshots) == 0 {
		t.Fatalf("expected at least one snapshot over 200 bars at interval 50")
	}
}
