package portfolio

import (
	"testing"

	"github.com/emberquant/fxbacktest/internal/model"
)

func TestResolveConflictsRejectsBothSides(t *testing.T) {
	frame := trendingFrame("EURUSD", 10, 1.1000)
	long := &model.SignalSet{
		Direction: model.Long, Symbol: "EURUSD",
		EntryIdx: []int{3, 7}, Side: []model.Side{model.SideLong, model.SideLong},
		EntryPrice: []float64{1.10, 1.11}, StopPrice: []float64{1.09, 1.10},
		TargetPrice: []float64{1.12, 1.13}, Size: []float64{1, 1},
	}
	short := &model.SignalSet{
		Direction: model.Short, Symbol: "EURUSD",
		EntryIdx: []int{3}, Side: []model.Side{model.SideShort},
		EntryPrice: []float64{1.10}, StopPrice: []float64{1.11},
		TargetPrice: []float64{1.08}, Size: []float64{1},
	}

	outLong, outShort, conflicts := resolveConflicts("EURUSD", frame, long, short)
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict event, got %d", len(conflicts))
	}
	if conflicts[0].Symbol != "EURUSD" || conflicts[0].Resolution != "REJECTED_BOTH" {
		t.Fatalf("unexpected conflict event: %+v", conflicts[0])
	}
	if outLong.Len() != 1 || outLong.EntryIdx[0] != 7 {
		t.Fatalf("expected only the non-conflicting long to survive, got %v", outLong.EntryIdx)
	}
	if outShort.Len() != 0 {
		t.Fatalf("expected the conflicting short to be dropped, got %v", outShort.EntryIdx)
	}
}

func TestResolveConflictsNoOverlapKeepsBoth(t *testing.T) {
	frame := trendingFrame("EURUSD", 10, 1.1000)
	long := &model.SignalSet{
		Direction: model.Long, Symbol: "EURUSD",
		EntryIdx: []int{2}, Side: []model.Side{model.SideLong},
		EntryPrice: []float64{1.10}, StopPrice: []float64{1.09},
		TargetPrice: []float64{1.12}, Size: []float64{1},
	}
	short := &model.SignalSet{
		Direction: model.Short, Symbol: "EURUSD",
		EntryIdx: []int{5}, Side: []model.Side{model.SideShort},
		EntryPrice: []float64{1.10}, StopPrice: []float64{1.11},
		TargetPrice: []float64{1.08}, Size: []float64{1},
	}

	outLong, outShort, conflicts := resolveConflicts("EURUSD", frame, long, short)
	if len(conflicts) != 0 {
		t.Fatalf("expected no conflicts for disjoint bars, got %d", len(conflicts))
	}
	if outLong.Len() != 1 || outShort.Len() != 1 {
		t.Fatalf("expected both signals to survive, got long=%d short=%d", outLong.Len(), outShort.Len())
	}
}
