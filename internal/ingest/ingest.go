// Package ingest converts raw candle files into the normalized core frame:
// sorted, deduplicated, gap-filled, with explicit numeric dtypes.
package ingest

import (
	"bufio"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emberquant/fxbacktest/internal/model"
)

// Mode selects the reader backend. Both produce an identical CoreFrame and
// differ in performance only: Columnar estimates the row count from the file
// size up front and presizes every column slice, Iterator grows them as rows
// arrive.
type Mode int

const (
	Columnar Mode = iota
	Iterator
)

// approxRowBytes is the assumed average CSV row width used by Columnar mode
// to presize column slices.
const approxRowBytes = 48

var requiredColumns = []string{"timestamp", "open", "high", "low", "close", "volume"}

// Ingest implements the ingestion contract: ingest(path, cadence, mode, downcast).
func Ingest(path string, expectedCadenceSeconds int64, mode Mode, downcast bool) (*model.CoreFrame, *model.IngestionMetrics, error) {
	start := time.Now()

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, model.NewError(model.ErrInput, "", model.PhaseIngest, fmt.Sprintf("unreadable path %q", path), err)
	}
	defer f.Close()

	reader := csv.NewReader(bufio.NewReader(f))
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err == io.EOF {
		return &model.CoreFrame{DatasetID: datasetID(path)}, &model.IngestionMetrics{Backend: "csv"}, nil
	}
	if err != nil {
		return nil, nil, model.NewError(model.ErrInput, "", model.PhaseIngest, "failed reading header", err)
	}
	colIdx, err := validateHeader(header)
	if err != nil {
		return nil, nil, model.NewError(model.ErrInput, "", model.PhaseIngest, err.Error(), nil)
	}

	var ts []int64
	var open, high, low, close_, volume []float64
	if mode == Columnar {
		if st, serr := f.Stat(); serr == nil && st.Size() > 0 {
			est := int(st.Size() / approxRowBytes)
			ts = make([]int64, 0, est)
			open = make([]float64, 0, est)
			high = make([]float64, 0, est)
			low = make([]float64, 0, est)
			close_ = make([]float64, 0, est)
			volume = make([]float64, 0, est)
		}
	}

	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, model.NewError(model.ErrInput, "", model.PhaseIngest, "malformed CSV record", err)
		}
		t, o, h, l, c, v, perr := parseRow(rec, colIdx)
		if perr != nil {
			return nil, nil, model.NewError(model.ErrInput, "", model.PhaseIngest, perr.Error(), nil)
		}
		ts = append(ts, t)
		open = append(open, o)
		high = append(high, h)
		low = append(low, l)
		close_ = append(close_, c)
		volume = append(volume, v)
	}

	totalInput := len(ts)
	if totalInput == 0 {
		return &model.CoreFrame{DatasetID: datasetID(path)}, &model.IngestionMetrics{Backend: "csv", TotalRowsInput: 0}, nil
	}

	order := stableSortOrder(ts)
	ts, open, high, low, close_, volume = reorder(order, ts, open, high, low, close_, volume)

	ts, open, high, low, close_, volume, dupesRemoved, firstDup, lastDup := dedupLastWins(ts, open, high, low, close_, volume)

	completeness := cadenceCompleteness(ts, expectedCadenceSeconds)

	var isGap []bool
	if expectedCadenceSeconds > 0 {
		ts, open, high, low, close_, volume, isGap = gapFill(ts, open, high, low, close_, volume, expectedCadenceSeconds)
	} else {
		isGap = make([]bool, len(ts))
	}

	downcastApplied := false
	if downcast {
		downcastApplied = canDowncast(open) && canDowncast(high) && canDowncast(low) && canDowncast(close_)
		if downcastApplied {
			applyDowncast(open)
			applyDowncast(high)
			applyDowncast(low)
			applyDowncast(close_)
		}
	}

	frame := &model.CoreFrame{
		DatasetID:    datasetID(path),
		TimestampUTC: ts,
		Open:         open,
		High:         high,
		Low:          low,
		Close:        close_,
		Volume:       volume,
		IsGap:        isGap,
	}

	metrics := &model.IngestionMetrics{
		TotalRowsInput:    totalInput,
		TotalRowsOutput:   len(ts),
		GapsInserted:      countTrue(isGap),
		DuplicatesRemoved: dupesRemoved,
		RuntimeSeconds:    time.Since(start).Seconds(),
		Backend:           "csv",
		DowncastApplied:   downcastApplied,
		CompletenessPct:   completeness,
	}
	if dupesRemoved > 0 {
		metrics.FirstDuplicate = time.Unix(firstDup, 0).UTC()
		metrics.LastDuplicate = time.Unix(lastDup, 0).UTC()
	}

	return frame, metrics, nil
}

func datasetID(path string) string {
	return path
}

func validateHeader(header []string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	var missing []string
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}
	return idx, nil
}

var epochLike = func(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' && r != '-' {
			return false
		}
	}
	return len(s) > 0
}

func parseRow(rec []string, idx map[string]int) (ts int64, o, h, l, c, v float64, err error) {
	tsStr := rec[idx["timestamp"]]
	ts, err = parseTimestamp(tsStr)
	if err != nil {
		return 0, 0, 0, 0, 0, 0, fmt.Errorf("non-UTC or unparseable timestamp %q: %w", tsStr, err)
	}
	if o, err = strconv.ParseFloat(rec[idx["open"]], 64); err != nil {
		return 0, 0, 0, 0, 0, 0, fmt.Errorf("invalid open %q", rec[idx["open"]])
	}
	if h, err = strconv.ParseFloat(rec[idx["high"]], 64); err != nil {
		return 0, 0, 0, 0, 0, 0, fmt.Errorf("invalid high %q", rec[idx["high"]])
	}
	if l, err = strconv.ParseFloat(rec[idx["low"]], 64); err != nil {
		return 0, 0, 0, 0, 0, 0, fmt.Errorf("invalid low %q", rec[idx["low"]])
	}
	if c, err = strconv.ParseFloat(rec[idx["close"]], 64); err != nil {
		return 0, 0, 0, 0, 0, 0, fmt.Errorf("invalid close %q", rec[idx["close"]])
	}
	if v, err = strconv.ParseFloat(rec[idx["volume"]], 64); err != nil {
		return 0, 0, 0, 0, 0, 0, fmt.Errorf("invalid volume %q", rec[idx["volume"]])
	}
	if l > o || l > h || l > c || l <= 0 {
		return 0, 0, 0, 0, 0, 0, fmt.Errorf("candle invariant violated at %q: low must be <= open/high/close and > 0", tsStr)
	}
	return ts, o, h, l, c, v, nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if epochLike(s) {
		f, err := strconv.ParseFloat(s, 64)
		if err == nil {
			return int64(f), nil
		}
	}
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC().Unix(), nil
		}
	}
	return 0, fmt.Errorf("unrecognized timestamp format")
}

func stableSortOrder(ts []int64) []int {
	order := make([]int, len(ts))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return ts[order[i]] < ts[order[j]] })
	return order
}

func reorder(order []int, ts []int64, open, high, low, close_, volume []float64) ([]int64, []float64, []float64, []float64, []float64, []float64) {
	n := len(order)
	nts := make([]int64, n)
	no := make([]float64, n)
	nh := make([]float64, n)
	nl := make([]float64, n)
	nc := make([]float64, n)
	nv := make([]float64, n)
	for i, srcIdx := range order {
		nts[i] = ts[srcIdx]
		no[i] = open[srcIdx]
		nh[i] = high[srcIdx]
		nl[i] = low[srcIdx]
		nc[i] = close_[srcIdx]
		nv[i] = volume[srcIdx]
	}
	return nts, no, nh, nl, nc, nv
}

// dedupLastWins keeps the last occurrence, by input (pre-sort) order, of any
// repeated timestamp. Because input is already stable-sorted by timestamp,
// equal-timestamp runs are contiguous and in original relative order, so the
// last element of each run is the last occurrence. firstDup/lastDup are the
// earliest and latest timestamps that had rows dropped, for the caller's log
// line.
func dedupLastWins(ts []int64, open, high, low, close_, volume []float64) ([]int64, []float64, []float64, []float64, []float64, []float64, int, int64, int64) {
	if len(ts) == 0 {
		return ts, open, high, low, close_, volume, 0, 0, 0
	}
	var outTs []int64
	var outO, outH, outL, outC, outV []float64
	removed := 0
	var firstDup, lastDup int64
	i := 0
	for i < len(ts) {
		j := i
		for j+1 < len(ts) && ts[j+1] == ts[i] {
			j++
		}
		if j > i {
			if removed == 0 {
				firstDup = ts[i]
			}
			lastDup = ts[i]
			removed += j - i
		}
		outTs = append(outTs, ts[j])
		outO = append(outO, open[j])
		outH = append(outH, high[j])
		outL = append(outL, low[j])
		outC = append(outC, close_[j])
		outV = append(outV, volume[j])
		i = j + 1
	}
	return outTs, outO, outH, outL, outC, outV, removed, firstDup, lastDup
}

func cadenceCompleteness(ts []int64, expectedCadenceSeconds int64) float64 {
	if len(ts) < 2 || expectedCadenceSeconds <= 0 {
		return 100.0
	}
	span := ts[len(ts)-1] - ts[0]
	expectedCount := span/expectedCadenceSeconds + 1
	if expectedCount <= 0 {
		return 100.0
	}
	return 100.0 * float64(len(ts)) / float64(expectedCount)
}

// gapFill reindexes onto a uniform grid at expectedCadenceSeconds, forward
// filling prices from the previous close and zero-filling volume for any
// synthesized row. Single pass, no per-row allocation beyond the output.
func gapFill(ts []int64, open, high, low, close_, volume []float64, cadence int64) ([]int64, []float64, []float64, []float64, []float64, []float64, []bool) {
	if len(ts) == 0 {
		return ts, open, high, low, close_, volume, nil
	}
	n := len(ts)
	estCap := n
	if cadence > 0 {
		span := ts[n-1] - ts[0]
		if span > 0 {
			estCap = int(span/cadence) + n + 1
		}
	}
	outTs := make([]int64, 0, estCap)
	outO := make([]float64, 0, estCap)
	outH := make([]float64, 0, estCap)
	outL := make([]float64, 0, estCap)
	outC := make([]float64, 0, estCap)
	outV := make([]float64, 0, estCap)
	outGap := make([]bool, 0, estCap)

	outTs = append(outTs, ts[0])
	outO = append(outO, open[0])
	outH = append(outH, high[0])
	outL = append(outL, low[0])
	outC = append(outC, close_[0])
	outV = append(outV, volume[0])
	outGap = append(outGap, false)

	for i := 1; i < n; i++ {
		prevTs := outTs[len(outTs)-1]
		prevClose := outC[len(outC)-1]
		next := prevTs + cadence
		for next < ts[i] {
			outTs = append(outTs, next)
			outO = append(outO, prevClose)
			outH = append(outH, prevClose)
			outL = append(outL, prevClose)
			outC = append(outC, prevClose)
			outV = append(outV, 0)
			outGap = append(outGap, true)
			next += cadence
		}
		outTs = append(outTs, ts[i])
		outO = append(outO, open[i])
		outH = append(outH, high[i])
		outL = append(outL, low[i])
		outC = append(outC, close_[i])
		outV = append(outV, volume[i])
		outGap = append(outGap, false)
	}
	return outTs, outO, outH, outL, outC, outV, outGap
}

func canDowncast(vals []float64) bool {
	for _, v := range vals {
		f32 := float32(v)
		back := float64(f32)
		if v != 0 && math.Abs(back-v)/math.Abs(v) > 1e-6 {
			return false
		}
	}
	return true
}

// applyDowncast realizes the float32 precision reduction in place. The frame
// keeps float64 storage; only the value precision changes.
func applyDowncast(vals []float64) {
	for i, v := range vals {
		vals[i] = float64(float32(v))
	}
}

func countTrue(b []bool) int {
	n := 0
	for _, v := range b {
		if v {
			n++
		}
	}
	return n
}

// FileSHA256 hashes a file's raw bytes for the dataset manifest.
func FileSHA256(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
