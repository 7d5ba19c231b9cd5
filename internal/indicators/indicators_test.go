package indicators

import (
	"math"
	"testing"

	"github.com/emberquant/fxbacktest/internal/model"
)

func sampleFrame(closes []float64) *model.CoreFrame {
	n := len(closes)
	f := &model.CoreFrame{DatasetID: "t1", Close: closes, Open: closes, High: make([]float64, n), Low: make([]float64, n), Volume: make([]float64, n), TimestampUTC: make([]int64, n), IsGap: make([]bool, n)}
	for i := range closes {
		f.High[i] = closes[i] + 0.5
		f.Low[i] = closes[i] - 0.5
		f.TimestampUTC[i] = int64(i * 60)
	}
	return f
}

func TestEMAWarmupAndCache(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 1.1 + float64(i)*0.001
	}
	frame := sampleFrame(closes)
	cache := NewCache()

	s1, err := cache.EMA(frame, 5)
	if err != nil {
		t.Fatalf("ema: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, ok := s1.At(i); ok {
			t.Fatalf("index %d expected missing (warmup)", i)
		}
	}
	if _, ok := s1.At(4); !ok {
		t.Fatalf("index 4 expected defined")
	}

	s2, err := cache.EMA(frame, 5)
	if err != nil {
		t.Fatalf("ema: %v", err)
	}
	if &s1.Values[0] != &s2.Values[0] {
		t.Fatalf("expected cached series to be the same backing array")
	}
}

func TestRSIZeroLossConvention(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 1.0 + float64(i)*0.01 // strictly increasing: avg loss is always zero
	}
	frame := sampleFrame(closes)
	cache := NewCache()
	s, err := cache.RSI(frame, 14)
	if err != nil {
		t.Fatalf("rsi: %v", err)
	}
	v, ok := s.At(19)
	if !ok {
		t.Fatalf("expected defined RSI at index 19")
	}
	if math.Abs(v-100) > 1e-9 {
		t.Fatalf("expected RSI=100 under zero-loss convention, got %v", v)
	}
}

func TestIndicatorPeriodExceedsRowsIsStrategyConfigError(t *testing.T) {
	frame := sampleFrame([]float64{1.1, 1.2, 1.3})
	cache := NewCache()
	_, err := cache.EMA(frame, 50)
	if !model.IsKind(err, model.ErrStrategyConfig) {
		t.Fatalf("expected StrategyConfigError, got %v", err)
	}
}
