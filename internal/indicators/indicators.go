// Package indicators computes technical indicator arrays over a core frame
// and caches them per (dataset_id, name, params) for the lifetime of a run.
package indicators

import (
	"fmt"
	"math"
	"sync"

	"github.com/emberquant/fxbacktest/internal/model"
)

// Cache is the per-run indicator store. It is immutable after first write
// for a given key: subsequent Get calls return the same backing array.
type Cache struct {
	mu     sync.Mutex
	series map[string]*model.IndicatorSeries
}

// NewCache returns an empty per-run indicator cache.
func NewCache() *Cache {
	return &Cache{series: make(map[string]*model.IndicatorSeries)}
}

// EMA returns the cached EMA(period) series for frame, computing it on
// first request.
func (c *Cache) EMA(frame *model.CoreFrame, period int) (*model.IndicatorSeries, error) {
	key := model.IndicatorKey{DatasetID: frame.DatasetID, Name: "ema", Params: fmt.Sprintf("period=%d", period)}
	return c.getOrCompute(key, frame, func() (*model.IndicatorSeries, error) {
		return computeEMA(frame.Close, period, key)
	})
}

// ATR returns the cached ATR(period) series for frame.
func (c *Cache) ATR(frame *model.CoreFrame, period int) (*model.IndicatorSeries, error) {
	key := model.IndicatorKey{DatasetID: frame.DatasetID, Name: "atr", Params: fmt.Sprintf("period=%d", period)}
	return c.getOrCompute(key, frame, func() (*model.IndicatorSeries, error) {
		return computeATR(frame, period, key)
	})
}

// RSI returns the cached RSI(period) series for frame.
func (c *Cache) RSI(frame *model.CoreFrame, period int) (*model.IndicatorSeries, error) {
	key := model.IndicatorKey{DatasetID: frame.DatasetID, Name: "rsi", Params: fmt.Sprintf("period=%d", period)}
	return c.getOrCompute(key, frame, func() (*model.IndicatorSeries, error) {
		return computeRSI(frame.Close, period, key)
	})
}

// StochRSI returns the cached Stoch-RSI(period, kSmooth, dSmooth) series.
// The first returned series is the %K line; the second (same length) is the
// %D line.
func (c *Cache) StochRSI(frame *model.CoreFrame, period, kSmooth, dSmooth int) (*model.IndicatorSeries, *model.IndicatorSeries, error) {
	keyK := model.IndicatorKey{DatasetID: frame.DatasetID, Name: "stochrsi_k", Params: fmt.Sprintf("period=%d,k=%d,d=%d", period, kSmooth, dSmooth)}
	keyD := model.IndicatorKey{DatasetID: frame.DatasetID, Name: "stochrsi_d", Params: keyK.Params}

	c.mu.Lock()
	if k, ok := c.series[keyK.String()]; ok {
		d := c.series[keyD.String()]
		c.mu.Unlock()
		return k, d, nil
	}
	c.mu.Unlock()

	rsi, err := c.RSI(frame, period)
	if err != nil {
		return nil, nil, err
	}
	k, d := computeStochRSI(rsi, period, kSmooth, dSmooth, keyK, keyD)

	c.mu.Lock()
	c.series[keyK.String()] = k
	c.series[keyD.String()] = d
	c.mu.Unlock()
	return k, d, nil
}

func (c *Cache) getOrCompute(key model.IndicatorKey, frame *model.CoreFrame, compute func() (*model.IndicatorSeries, error)) (*model.IndicatorSeries, error) {
	c.mu.Lock()
	if s, ok := c.series[key.String()]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	if period := periodFromKey(key); period > 0 && period > frame.Len() {
		return nil, model.NewError(model.ErrStrategyConfig, "", model.PhaseIndicator,
			fmt.Sprintf("indicator %s requires period %d but frame has only %d rows", key.Name, period, frame.Len()), nil)
	}

	s, err := compute()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.series[key.String()] = s
	c.mu.Unlock()
	return s, nil
}

func periodFromKey(key model.IndicatorKey) int {
	var period int
	_, _ = fmt.Sscanf(key.Params, "period=%d", &period)
	return period
}

// seriesValues allocates a value array with indices [0, warmup) already set
// to the Missing sentinel, so an accidental read of the warmup region is
// loud rather than a plausible-looking zero.
func seriesValues(n, warmup int) []float64 {
	out := make([]float64, n)
	if warmup > n {
		warmup = n
	}
	for i := 0; i < warmup; i++ {
		out[i] = model.Missing
	}
	return out
}

func computeEMA(close_ []float64, period int, key model.IndicatorKey) (*model.IndicatorSeries, error) {
	if period <= 0 {
		return nil, model.NewError(model.ErrStrategyConfig, "", model.PhaseIndicator, "ema period must be positive", nil)
	}
	n := len(close_)
	if n < period {
		return &model.IndicatorSeries{Key: key, Values: seriesValues(n, n), Warmup: n}, nil
	}
	out := seriesValues(n, period-1)
	alpha := 2.0 / (float64(period) + 1.0)
	var seed float64
	for i := 0; i < period; i++ {
		seed += close_[i]
	}
	seed /= float64(period)
	out[period-1] = seed
	for i := period; i < n; i++ {
		out[i] = alpha*close_[i] + (1-alpha)*out[i-1]
	}
	return &model.IndicatorSeries{Key: key, Values: out, Warmup: period - 1}, nil
}

func computeATR(frame *model.CoreFrame, period int, key model.IndicatorKey) (*model.IndicatorSeries, error) {
	if period <= 0 {
		return nil, model.NewError(model.ErrStrategyConfig, "", model.PhaseIndicator, "atr period must be positive", nil)
	}
	n := frame.Len()
	tr := make([]float64, n)
	for i := 0; i < n; i++ {
		if i == 0 {
			tr[i] = frame.High[i] - frame.Low[i]
			continue
		}
		a := frame.High[i] - frame.Low[i]
		b := math.Abs(frame.High[i] - frame.Close[i-1])
		d := math.Abs(frame.Low[i] - frame.Close[i-1])
		tr[i] = math.Max(a, math.Max(b, d))
	}
	if n < period {
		return &model.IndicatorSeries{Key: key, Values: seriesValues(n, n), Warmup: n}, nil
	}
	out := seriesValues(n, period-1)
	var seed float64
	for i := 0; i < period; i++ {
		seed += tr[i]
	}
	seed /= float64(period)
	out[period-1] = seed
	for i := period; i < n; i++ {
		out[i] = (out[i-1]*float64(period-1) + tr[i]) / float64(period)
	}
	return &model.IndicatorSeries{Key: key, Values: out, Warmup: period - 1}, nil
}

// computeRSI is Wilder-smoothed: average gain/loss update then a 0..100
// mapping. When average loss is zero RSI is defined as 100 by convention.
func computeRSI(close_ []float64, period int, key model.IndicatorKey) (*model.IndicatorSeries, error) {
	if period <= 0 {
		return nil, model.NewError(model.ErrStrategyConfig, "", model.PhaseIndicator, "rsi period must be positive", nil)
	}
	n := len(close_)
	if n <= period {
		return &model.IndicatorSeries{Key: key, Values: seriesValues(n, n), Warmup: n}, nil
	}
	out := seriesValues(n, period)
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := close_[i] - close_[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiFromAverages(avgGain, avgLoss)

	for i := period + 1; i < n; i++ {
		delta := close_[i] - close_[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiFromAverages(avgGain, avgLoss)
	}
	return &model.IndicatorSeries{Key: key, Values: out, Warmup: period}, nil
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

func computeStochRSI(rsi *model.IndicatorSeries, period, kSmooth, dSmooth int, keyK, keyD model.IndicatorKey) (*model.IndicatorSeries, *model.IndicatorSeries) {
	n := len(rsi.Values)
	warmup := rsi.Warmup + period - 1
	rawK := seriesValues(n, warmup)
	for i := rsi.Warmup; i < n; i++ {
		lo := i - period + 1
		if lo < rsi.Warmup {
			continue
		}
		minV, maxV := rsi.Values[lo], rsi.Values[lo]
		for j := lo; j <= i; j++ {
			if rsi.Values[j] < minV {
				minV = rsi.Values[j]
			}
			if rsi.Values[j] > maxV {
				maxV = rsi.Values[j]
			}
		}
		if maxV == minV {
			rawK[i] = 0
		} else {
			rawK[i] = 100 * (rsi.Values[i] - minV) / (maxV - minV)
		}
	}
	kOut := smoothSMA(rawK, kSmooth, warmup)
	dWarmup := warmup + kSmooth - 1
	dOut := smoothSMA(kOut, dSmooth, dWarmup)
	return &model.IndicatorSeries{Key: keyK, Values: kOut, Warmup: warmup + kSmooth - 1},
		&model.IndicatorSeries{Key: keyD, Values: dOut, Warmup: dWarmup + dSmooth - 1}
}

func smoothSMA(vals []float64, window, warmup int) []float64 {
	n := len(vals)
	if window <= 1 {
		out := make([]float64, n)
		copy(out, vals)
		return out
	}
	out := seriesValues(n, warmup+window-1)
	for i := warmup + window - 1; i < n; i++ {
		var sum float64
		for j := i - window + 1; j <= i; j++ {
			sum += vals[j]
		}
		out[i] = sum / float64(window)
	}
	return out
}
