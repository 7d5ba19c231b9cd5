package simulate

import (
	"math"
	"testing"

	"github.com/emberquant/fxbacktest/internal/model"
)

func frameFromCloses(hl [][2]float64) *model.CoreFrame {
	n := len(hl)
	f := &model.CoreFrame{
		TimestampUTC: make([]int64, n),
		Open:         make([]float64, n),
		High:         make([]float64, n),
		Low:          make([]float64, n),
		Close:        make([]float64, n),
		Volume:       make([]float64, n),
		IsGap:        make([]bool, n),
	}
	for i, v := range hl {
		f.Low[i], f.High[i] = v[0], v[1]
		f.Open[i] = v[0]
		f.Close[i] = v[1]
		f.TimestampUTC[i] = int64(i * 60)
	}
	return f
}

func TestSimulateStopHitFirstTieBreak(t *testing.T) {
	// Long entered at 1.1000, stop 1.0950, target 1.1100.
	signals := &model.SignalSet{
		Direction: model.Long, Symbol: "EURUSD",
		EntryIdx: []int{0}, Side: []model.Side{model.SideLong},
		EntryPrice: []float64{1.1000}, StopPrice: []float64{1.0950}, TargetPrice: []float64{1.1100},
		Size: []float64{1},
	}
	frame := frameFromCloses([][2]float64{
		{1.0995, 1.1005}, // entry bar
		{1.0940, 1.1110}, // both stop and target touched same bar
	})
	results := Simulate("EURUSD", signals, frame, model.Long, Params{})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.ExitReason != model.ExitSL {
		t.Fatalf("expected SL tie-break, got %s", r.ExitReason)
	}
	if math.Abs(r.ExitPrice-1.0950) > 1e-9 {
		t.Fatalf("expected exit price 1.0950, got %v", r.ExitPrice)
	}
	if math.Abs(r.PnLR-(-1.0)) > 1e-9 {
		t.Fatalf("expected pnl_r=-1.0, got %v", r.PnLR)
	}
	if r.DurationBars != 2 {
		t.Fatalf("expected duration_bars=2 (entry bar + exit bar), got %d", r.DurationBars)
	}
}

func TestSimulateTakeProfit(t *testing.T) {
	signals := &model.SignalSet{
		Direction: model.Long, Symbol: "EURUSD",
		EntryIdx: []int{0}, Side: []model.Side{model.SideLong},
		EntryPrice: []float64{1.1000}, StopPrice: []float64{1.0950}, TargetPrice: []float64{1.1100},
		Size: []float64{1},
	}
	frame := frameFromCloses([][2]float64{
		{1.0995, 1.1005},
		{1.1080, 1.1110}, // TP only
	})
	results := Simulate("EURUSD", signals, frame, model.Long, Params{})
	r := results[0]
	if r.ExitReason != model.ExitTP {
		t.Fatalf("expected TP, got %s", r.ExitReason)
	}
	if math.Abs(r.PnLR-2.0) > 1e-6 {
		t.Fatalf("expected pnl_r≈2.0, got %v", r.PnLR)
	}
}

func TestSimulateMatchesReferenceWithinTolerance(t *testing.T) {
	signals := &model.SignalSet{
		Direction: model.Long, Symbol: "EURUSD",
		EntryIdx:    []int{0, 2, 5},
		Side:        []model.Side{model.SideLong, model.SideLong, model.SideShort},
		EntryPrice:  []float64{1.1000, 1.1020, 1.1050},
		StopPrice:   []float64{1.0950, 1.0970, 1.1080},
		TargetPrice: []float64{1.1100, 1.1120, 1.0990},
		Size:        []float64{1, 1, 1},
	}
	frame := frameFromCloses([][2]float64{
		{1.0995, 1.1005}, {1.1000, 1.1015}, {1.1010, 1.1030},
		{1.1020, 1.1040}, {1.1030, 1.1050}, {1.1040, 1.1060},
		{1.0980, 1.1000}, {1.0970, 1.1010}, {1.0960, 1.0995},
	})
	vec := Simulate("EURUSD", signals, frame, model.Long, Params{})
	ref := Reference("EURUSD", signals, frame, model.Long, Params{})
	if len(vec) != len(ref) {
		t.Fatalf("length mismatch")
	}
	for i := range vec {
		if vec[i].ExitIdx != ref[i].ExitIdx {
			t.Fatalf("trade %d exit_idx mismatch: vec=%d ref=%d", i, vec[i].ExitIdx, ref[i].ExitIdx)
		}
		if math.Abs(vec[i].ExitPrice-ref[i].ExitPrice) > 1e-6 {
			t.Fatalf("trade %d exit_price mismatch beyond tolerance: vec=%v ref=%v", i, vec[i].ExitPrice, ref[i].ExitPrice)
		}
		if math.Abs(vec[i].PnLR-ref[i].PnLR) > 1e-4 {
			t.Fatalf("trade %d pnl_r mismatch beyond tolerance: vec=%v ref=%v", i, vec[i].PnLR, ref[i].PnLR)
		}
	}
}

func TestSimulateEndOfDataExit(t *testing.T) {
	signals := &model.SignalSet{
		Direction: model.Long, Symbol: "EURUSD",
		EntryIdx: []int{0}, Side: []model.Side{model.SideLong},
		EntryPrice: []float64{1.1000}, StopPrice: []float64{1.0950}, TargetPrice: []float64{1.1500},
		Size: []float64{1},
	}
	frame := frameFromCloses([][2]float64{{1.0995, 1.1005}, {1.1000, 1.1010}})
	results := Simulate("EURUSD", signals, frame, model.Long, Params{})
	if results[0].ExitReason != model.ExitEndOfData {
		t.Fatalf("expected END_OF_DATA, got %s", results[0].ExitReason)
	}
	if results[0].DurationBars < 1 {
		t.Fatalf("duration_bars must be >= 1")
	}
}
