// Package sweep runs a strategy-parameter grid through the core engine
// pipeline: the same RunRequest -> RunReport contract, repeated once per
// parameter combination, on a bounded worker pool.
package sweep

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/emberquant/fxbacktest/internal/cache"
	"github.com/emberquant/fxbacktest/internal/engine"
	"github.com/emberquant/fxbacktest/internal/ingest"
	"github.com/emberquant/fxbacktest/internal/model"
)

// MaxWorkers bounds concurrent sweep iterations.
const MaxWorkers = 8

// Variant is one point in the parameter grid: a label plus the
// strategy-config overrides to apply on top of the base request.
type Variant struct {
	Label   string
	Strategy model.StrategyConfig
}

// IterationResult pairs a variant's report with any error that stopped it.
type IterationResult struct {
	Label  string
	Report *model.RunReport
	Err    error
}

// Run executes base with each variant's strategy config substituted in,
// reusing base.Datasets/Symbols/Risk/Mode/Flags. Progress is logged at most
// once per logInterval regardless of how many iterations finish in that
// window, plus once when the last iteration finishes, since sweeps over
// dozens of variants would otherwise flood stderr.
func Run(ctx context.Context, base model.RunRequest, variants []Variant, logInterval time.Duration, log zerolog.Logger) []IterationResult {
	if logInterval <= 0 {
		logInterval = time.Second
	}
	limiter := rate.NewLimiter(rate.Every(logInterval), 1)

	base.Datasets = preloadDatasets(base.Datasets, log)

	results := make([]IterationResult, len(variants))
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	var breakersMu sync.Mutex

	sem := make(chan struct{}, MaxWorkers)
	var wg sync.WaitGroup
	var done int32
	var doneMu sync.Mutex

	for i, v := range variants {
		if err := ctx.Err(); err != nil {
			results[i] = IterationResult{Label: v.Label, Err: err}
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, variant Variant) {
			defer wg.Done()
			defer func() { <-sem }()

			req := base
			req.Strategy = variant.Strategy
			req.RunID = base.RunID + ":" + variant.Label

			breaker := symbolBreaker(&breakersMu, breakers, symbolSetKey(req.Symbols))
			out, err := breaker.Execute(func() (interface{}, error) {
				return engine.Run(ctx, req, log, nil)
			})

			res := IterationResult{Label: variant.Label}
			if err != nil {
				res.Err = err
			} else {
				res.Report = out.(*model.RunReport)
			}
			results[idx] = res

			doneMu.Lock()
			done++
			n := done
			doneMu.Unlock()
			if limiter.Allow() || int(n) == len(variants) {
				log.Info().Int("done", int(n)).Int("total", len(variants)).Str("variant", variant.Label).Msg("sweep progress")
			}
		}(i, v)
	}
	wg.Wait()
	return results
}

// preloadDatasets ingests each path-backed dataset exactly once and rewrites
// it as an in-memory frame, so every variant's call into engine.Run reuses
// the same parsed data instead of re-reading and re-parsing the same CSV
// from disk once per grid point. Datasets already supplied as in-memory
// frames (tests, callers that pre-ingested) pass through unchanged. The
// cache is in-process by default and Redis-backed when REDIS_ADDR is set,
// so repeated sweeps over the same dataset can share frames across
// processes too.
func preloadDatasets(datasets map[string]model.DatasetSource, log zerolog.Logger) map[string]model.DatasetSource {
	c := cache.NewAuto()
	out := make(map[string]model.DatasetSource, len(datasets))
	for symbol, ds := range datasets {
		if ds.Frame != nil {
			out[symbol] = ds
			continue
		}
		key, _, err := ingest.FileSHA256(ds.Path)
		if err != nil {
			log.Warn().Str("symbol", symbol).Str("path", ds.Path).Err(err).Msg("sweep dataset unreadable, leaving path-backed")
			out[symbol] = ds
			continue
		}
		if frame, ok := cache.GetFrame(c, key); ok {
			out[symbol] = model.DatasetSource{Path: ds.Path, Frame: frame, ExpectedCadenceSec: ds.ExpectedCadenceSec}
			continue
		}
		frame, _, err := ingest.Ingest(ds.Path, ds.ExpectedCadenceSec, ingest.Columnar, false)
		if err != nil {
			log.Warn().Str("symbol", symbol).Str("path", ds.Path).Err(err).Msg("sweep dataset preload failed, leaving path-backed")
			out[symbol] = ds
			continue
		}
		cache.PutFrame(c, key, frame)
		out[symbol] = model.DatasetSource{Path: ds.Path, Frame: frame, ExpectedCadenceSec: ds.ExpectedCadenceSec}
	}
	return out
}

// symbolBreaker returns (creating if needed) the circuit breaker shared by
// every sweep iteration touching the same symbol set. A dataset that fails
// to ingest fails identically on every strategy-parameter variant, so once
// a symbol set trips its breaker the remaining grid points for it fail fast
// instead of repeating the same ingestion error dozens of times.
func symbolBreaker(mu *sync.Mutex, breakers map[string]*gobreaker.CircuitBreaker, key string) *gobreaker.CircuitBreaker {
	mu.Lock()
	defer mu.Unlock()
	if b, ok := breakers[key]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 3 },
	})
	breakers[key] = b
	return b
}

func symbolSetKey(symbols []string) string {
	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)
	key := ""
	for _, s := range sorted {
		key += s + ","
	}
	return key
}

// SortByMetric orders results by a caller-supplied metric extractor,
// descending, with variants that errored sorted last.
func SortByMetric(results []IterationResult, metric func(*model.RunReport) float64) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Err != nil {
			return false
		}
		if results[j].Err != nil {
			return true
		}
		return metric(results[i].Report) > metric(results[j].Report)
	})
}
