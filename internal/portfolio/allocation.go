package portfolio

import (
	"math"
	"sort"

	"github.com/emberquant/fxbacktest/internal/model"
)

// Allocate implements the allocation engine contract: deterministic,
// sorted-key iteration, largest-remainder rounding so the allocation sum is
// exact, and correlation-penalized effective weights.
func Allocate(req model.AllocationRequest) (model.AllocationResponse, error) {
	if len(req.Symbols) == 0 {
		return model.AllocationResponse{}, model.NewError(model.ErrRiskConfig, "", model.PhaseAllocate, "EmptySymbolSet", nil)
	}
	if req.TotalCapital < 0 {
		return model.AllocationResponse{}, model.NewError(model.ErrRiskConfig, "", model.PhaseAllocate, "NegativeCapital", nil)
	}
	symbols := append([]string(nil), req.Symbols...)
	sort.Strings(symbols)

	for _, s := range symbols {
		if v, ok := req.Volatility[s]; !ok || v <= 0 {
			return model.AllocationResponse{}, model.NewError(model.ErrRiskConfig, s, model.PhaseAllocate, "VolatilityNonPositive", nil)
		}
	}

	base := make(map[string]float64, len(symbols))
	if req.BaseWeights != nil {
		var sum float64
		for _, s := range symbols {
			w, ok := req.BaseWeights[s]
			if !ok {
				return model.AllocationResponse{}, model.NewError(model.ErrRiskConfig, s, model.PhaseAllocate, "WeightsDoNotSum", nil)
			}
			base[s] = w
			sum += w
		}
		if math.Abs(sum-1.0) > 1e-6 {
			return model.AllocationResponse{}, model.NewError(model.ErrRiskConfig, "", model.PhaseAllocate, "WeightsDoNotSum", nil)
		}
	} else {
		equal := 1.0 / float64(len(symbols))
		for _, s := range symbols {
			base[s] = equal
		}
	}

	penaltyCoef := req.PenaltyCoef
	effectiveRaw := make(map[string]float64, len(symbols))
	var rawSum, corrSumTotal float64
	for _, s := range symbols {
		var corrSum float64
		for _, t := range symbols {
			if t == s {
				continue
			}
			if c, ok := req.Correlation[model.PairKey(s, t)]; ok {
				corrSum += math.Max(0, math.Abs(c))
			}
		}
		corrSumTotal += corrSum
		effectiveRaw[s] = base[s] / (1 + corrSum*penaltyCoef)
		rawSum += effectiveRaw[s]
	}
	if rawSum == 0 {
		rawSum = 1
	}
	effective := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		effective[s] = effectiveRaw[s] / rawSum
	}
	correlationPenalty := 0.0
	if len(symbols) > 0 {
		correlationPenalty = corrSumTotal / float64(len(symbols))
	}

	dp := req.RoundingDP
	scale := math.Pow(10, float64(dp))

	type rounded struct {
		symbol    string
		raw       float64
		floor     float64
		remainder float64
	}
	rows := make([]rounded, len(symbols))
	var sumFloor float64
	for i, s := range symbols {
		raw := effective[s] * req.TotalCapital
		floorScaled := math.Floor(raw * scale)
		floorVal := floorScaled / scale
		rows[i] = rounded{symbol: s, raw: raw, floor: floorVal, remainder: raw*scale - floorScaled}
		sumFloor += floorVal
	}

	residualUnits := int(math.Round((req.TotalCapital - sumFloor) * scale))
	if residualUnits < 0 {
		residualUnits = 0
	}
	order := make([]int, len(rows))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return rows[order[a]].remainder > rows[order[b]].remainder })

	allocations := make(map[string]float64, len(symbols))
	for i := range rows {
		allocations[rows[i].symbol] = rows[i].floor
	}
	unit := 1.0 / scale
	for i := 0; i < residualUnits && i < len(order); i++ {
		idx := order[i]
		allocations[rows[idx].symbol] += unit
	}
	if residualUnits > len(order) {
		// Degenerate float residue beyond one unit per symbol: the single
		// largest allocation absorbs the rest so the sum invariant holds.
		largest := rows[0].symbol
		for _, r := range rows[1:] {
			if allocations[r.symbol] > allocations[largest] {
				largest = r.symbol
			}
		}
		allocations[largest] += float64(residualUnits-len(order)) * unit
	}

	weightedVol := 0.0
	for _, s := range symbols {
		weightedVol += effective[s] * req.Volatility[s]
	}
	portfolioVol := portfolioVolatility(symbols, effective, req.Volatility, req.Correlation)
	diversification := 1.0
	if weightedVol > 0 {
		diversification = portfolioVol / weightedVol
		if diversification > 1 {
			diversification = 1
		}
		if diversification < 0 {
			diversification = 0
		}
	}

	return model.AllocationResponse{
		Allocations:          allocations,
		DiversificationRatio: diversification,
		CorrelationPenalty:   correlationPenalty,
	}, nil
}

func portfolioVolatility(symbols []string, weights map[string]float64, vol map[string]float64, corr map[string]float64) float64 {
	var variance float64
	for _, a := range symbols {
		for _, b := range symbols {
			c := 1.0
			if a != b {
				if v, ok := corr[model.PairKey(a, b)]; ok {
					c = v
				} else {
					c = 0
				}
			}
			variance += weights[a] * weights[b] * vol[a] * vol[b] * c
		}
	}
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}
