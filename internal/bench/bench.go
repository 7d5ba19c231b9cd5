// Package bench times pipeline phases and samples memory to build the
// per-run BenchmarkRecord.
package bench

import (
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/emberquant/fxbacktest/internal/model"
)

// Timer accumulates named phase durations across a run.
type Timer struct {
	phases map[string]time.Duration
	start  time.Time
	rawBytes uint64
}

// NewTimer starts a new benchmark timer. rawBytes is the raw dataset byte
// footprint used for the memory_ratio pass/fail check.
func NewTimer(rawBytes uint64) *Timer {
	return &Timer{phases: make(map[string]time.Duration), start: time.Now(), rawBytes: rawBytes}
}

// SetRawBytes records the raw dataset byte footprint once it is known,
// which in practice is only after the ingest phase has run.
func (t *Timer) SetRawBytes(rawBytes uint64) { t.rawBytes = rawBytes }

// Phase times fn under the given phase name and accumulates its duration.
func (t *Timer) Phase(name string, fn func() error) error {
	s := time.Now()
	err := fn()
	t.phases[name] += time.Since(s)
	return err
}

// Add accumulates an externally measured duration under the given phase
// name, for phases the caller times itself (e.g. totals summed across a
// per-symbol worker pool rather than a single contiguous call).
func (t *Timer) Add(name string, d time.Duration) {
	t.phases[name] += d
}

// PhaseBreakdown renders the accumulated phases as "name=duration" strings,
// longest first, for the benchmark record's hotspot list.
func (t *Timer) PhaseBreakdown() []string {
	names := make([]string, 0, len(t.phases))
	for name := range t.phases {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if t.phases[names[i]] != t.phases[names[j]] {
			return t.phases[names[i]] > t.phases[names[j]]
		}
		return names[i] < names[j]
	})
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = fmt.Sprintf("%s=%s", name, t.phases[name])
	}
	return out
}

// Build produces the BenchmarkRecord for the run so far.
func (t *Timer) Build(datasetRows, tradesSimulated int, fractionUsed float64, hotspots []string) model.BenchmarkRecord {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	phaseSecs := make(map[string]float64, len(t.phases))
	for k, v := range t.phases {
		phaseSecs[k] = v.Seconds()
	}

	ratio := 0.0
	if t.rawBytes > 0 {
		ratio = float64(mem.HeapInuse) / float64(t.rawBytes)
	}

	passFail := map[string]bool{
		"memory_budget": ratio <= 1.5 || t.rawBytes == 0,
	}

	return model.BenchmarkRecord{
		DatasetRows:     datasetRows,
		TradesSimulated: tradesSimulated,
		PhaseTimes:      phaseSecs,
		WallClockTotal:  time.Since(t.start).Seconds(),
		MemoryPeakBytes: mem.HeapInuse,
		MemoryRatio:     ratio,
		FractionUsed:    fractionUsed,
		Hotspots:        hotspots,
		PassFail:        passFail,
	}
}
