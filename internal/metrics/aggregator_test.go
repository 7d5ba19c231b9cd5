package metrics

import (
	"testing"

	"github.com/emberquant/fxbacktest/internal/model"
)

func TestSummarizeEmptyTradesAreUndefinedNotNaN(t *testing.T) {
	s := Summarize(nil)
	if s.WinRateValid || s.AvgRValid || s.ProfitFactorValid {
		t.Fatalf("expected all ratios undefined for zero trades, got %+v", s)
	}
}

func TestSummarizeBasic(t *testing.T) {
	trades := []model.TradeResult{
		{PnLR: 2.0}, {PnLR: -1.0}, {PnLR: 2.0}, {PnLR: -1.0},
	}
	s := Summarize(trades)
	if s.TradeCount != 4 || s.Wins != 2 || s.Losses != 2 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	if !s.WinRateValid || s.WinRate != 0.5 {
		t.Fatalf("expected win_rate=0.5, got %v (valid=%v)", s.WinRate, s.WinRateValid)
	}
	if !s.ProfitFactorValid || s.ProfitFactor != 2.0 {
		t.Fatalf("expected profit_factor=2.0, got %v", s.ProfitFactor)
	}
}

func TestDirectionalOmitsSplitForSingleSided(t *testing.T) {
	dm := Directional([]model.TradeResult{{PnLR: 1}}, nil, model.Long)
	if dm.LongOnly != nil || dm.ShortOnly != nil {
		t.Fatalf("expected long_only/short_only omitted for single-sided run")
	}
	if dm.Combined == nil || dm.Combined.TradeCount != 1 {
		t.Fatalf("expected combined to always be present")
	}
}

func TestDirectionalBothPresentForBothMode(t *testing.T) {
	dm := Directional([]model.TradeResult{{PnLR: 1}}, []model.TradeResult{{PnLR: -1}}, model.Both)
	if dm.LongOnly == nil || dm.ShortOnly == nil {
		t.Fatalf("expected long_only/short_only present for BOTH mode")
	}
	if dm.Combined.TradeCount != 2 {
		t.Fatalf("expected combined trade count 2, got %d", dm.Combined.TradeCount)
	}
}
