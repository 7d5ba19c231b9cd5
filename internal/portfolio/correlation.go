package portfolio

import (
	"math"
	"sort"

	"github.com/emberquant/fxbacktest/internal/model"
)

const (
	correlationMinUsable = 20
	correlationCapacity  = 100
)

// CorrelationMatrix owns one CorrelationWindow per unordered symbol pair.
// Only the orchestrator mutates it, and only from the portfolio bar loop.
type CorrelationMatrix struct {
	windows map[string]*model.CorrelationWindow
}

// NewCorrelationMatrix returns an empty matrix for the given enabled symbols.
func NewCorrelationMatrix(symbols []string) *CorrelationMatrix {
	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)
	m := &CorrelationMatrix{windows: make(map[string]*model.CorrelationWindow)}
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			key := model.PairKey(sorted[i], sorted[j])
			m.windows[key] = &model.CorrelationWindow{SymbolA: sorted[i], SymbolB: sorted[j], Capacity: correlationCapacity}
		}
	}
	return m
}

// Update appends one bar's per-symbol returns to every pair window.
// Symbols absent from returns (isolated) are skipped for that bar.
func (m *CorrelationMatrix) Update(returns map[string]float64) {
	for key, w := range m.windows {
		ra, okA := returns[w.SymbolA]
		rb, okB := returns[w.SymbolB]
		if !okA || !okB {
			continue
		}
		pushRing(&w.ReturnsA, ra, w.Capacity)
		pushRing(&w.ReturnsB, rb, w.Capacity)
		m.windows[key] = w
	}
}

func pushRing(buf *[]float64, v float64, capacity int) {
	*buf = append(*buf, v)
	if len(*buf) > capacity {
		*buf = (*buf)[len(*buf)-capacity:]
	}
}

// Correlation returns the Pearson correlation for a pair if the window has
// reached the minimum usable length, and whether it is usable at all.
func (m *CorrelationMatrix) Correlation(a, b string) (float64, bool) {
	w, ok := m.windows[model.PairKey(a, b)]
	if !ok || len(w.ReturnsA) < correlationMinUsable {
		return 0, false
	}
	return pearson(w.ReturnsA, w.ReturnsB), true
}

// AsMap snapshots all currently-usable correlations keyed by PairKey.
func (m *CorrelationMatrix) AsMap() map[string]float64 {
	out := make(map[string]float64, len(m.windows))
	for _, w := range m.windows {
		if len(w.ReturnsA) < correlationMinUsable {
			continue
		}
		out[model.PairKey(w.SymbolA, w.SymbolB)] = pearson(w.ReturnsA, w.ReturnsB)
	}
	return out
}

// WindowLen returns the shared window length for a pair, used for snapshot
// reporting of correlation maturity.
func (m *CorrelationMatrix) WindowLen(a, b string) int {
	w, ok := m.windows[model.PairKey(a, b)]
	if !ok {
		return 0
	}
	return len(w.ReturnsA)
}

// RemoveSymbol purges a symbol's pair windows on isolation.
func (m *CorrelationMatrix) RemoveSymbol(symbol string) {
	for key, w := range m.windows {
		if w.SymbolA == symbol || w.SymbolB == symbol {
			delete(m.windows, key)
		}
	}
}

func pearson(a, b []float64) float64 {
	n := len(a)
	if n != len(b) || n == 0 {
		return 0
	}
	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	denom := math.Sqrt(varA * varB)
	if denom == 0 {
		return 0
	}
	return cov / denom
}
