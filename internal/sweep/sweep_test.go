package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

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

func baseRequest() model.RunRequest {
	return model.RunRequest{
		RunID:     "sweep-test",
		Direction: model.Long,
		Symbols:   []string{"eurusd"},
		Datasets:  map[string]model.DatasetSource{"eurusd": {Frame: syntheticFrame(200)}},
		Mode:      model.ModeSingle,
		Strategy:  model.StrategyConfig{ID: "ema_pullback_reversal", ATRMult: 2, MinStopDistance: 0.0005, TargetRMult: 2, CooldownBars: 3},
		Risk:      model.RiskConfig{AccountEquity: 10000, RiskPerTrade: 0.01, PipValue: 10, LotStep: 0.01, MaxPosition: 10},
		Flags:     model.RunFlags{DataFrac: 1.0, Portion: 1},
	}
}

func TestRunProducesOneResultPerVariant(t *testing.T) {
	variants := []Variant{
		{Label: "atr2", Strategy: model.StrategyConfig{ID: "ema_pullback_reversal", ATRMult: 2, MinStopDistance: 0.0005, TargetRMult: 2, CooldownBars: 3}},
		{Label: "atr3", Strategy: model.StrategyConfig{ID: "ema_pullback_reversal", ATRMult: 3, MinStopDistance: 0.0005, TargetRMult: 2, CooldownBars: 3}},
	}
	results := Run(context.Background(), baseRequest(), variants, 10*time.Millisecond, zerolog.Nop())
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("variant %s failed: %v", r.Label, r.Err)
		}
		if r.Report == nil {
			t.Fatalf("variant %s produced nil report", r.Label)
		}
	}
}

func TestSortByMetricPutsErrorsLast(t *testing.T) {
	results := []IterationResult{
		{Label: "bad", Err: context.DeadlineExceeded},
		{Label: "good", Report: &model.RunReport{Metrics: model.DirectionalMetrics{Combined: &model.MetricsSummary{AvgR: 1.0, AvgRValid: true}}}},
	}
	SortByMetric(results, func(r *model.RunReport) float64 { return r.Metrics.Combined.AvgR })
	if results[0].Label != "good" || results[1].Label != "bad" {
		t.Fatalf("expected good before bad, got order %s, %s", results[0].Label, results[1].Label)
	}
}
