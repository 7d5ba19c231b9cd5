// Package report writes the contractual output artifacts: JSON/text run
// reports, JSON benchmark records, and JSONL snapshot streams, following the
// fixed output filename convention.
package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emberquant/fxbacktest/internal/model"
)

// filenameTimeLayout is the timestamp part of the filename contract callers
// may validate against:
// ^backtest_(long|short|both)_(multi|[a-z0-9]{6})_\d{8}_\d{6}\.(txt|json)$
const filenameTimeLayout = "20060102_150405"

// Filename builds the contractual output filename for direction/symbols at
// the given timestamp and extension ("json" or "txt").
func Filename(direction model.Direction, symbols []string, at time.Time, ext string) string {
	symbolPart := "multi"
	if len(symbols) == 1 {
		symbolPart = strings.ToLower(symbols[0])
	}
	return fmt.Sprintf("backtest_%s_%s_%s.%s", direction.String(), symbolPart, at.Format(filenameTimeLayout), ext)
}

// jsonReport is the JSON-serializable projection of a RunReport. Metrics
// are serialized as-is by marshalNullSafe; no NaN/Infinity rewriting is done.
type jsonReport struct {
	RunMetadata model.RunMetadata          `json:"run_metadata"`
	Metrics     json.RawMessage            `json:"metrics"`
	Signals     []model.SignalSummary      `json:"signals,omitempty"`
	Executions  []model.TradeResult        `json:"executions,omitempty"`
	Conflicts   []model.ConflictEvent      `json:"conflicts"`
	Failures    []model.RuntimeFailureEvent `json:"failures,omitempty"`
}

// WriteJSON writes the run report as JSON to dir, returning the full path.
func WriteJSON(dir string, direction model.Direction, symbols []string, at time.Time, rep *model.RunReport) (string, error) {
	metricsJSON, err := marshalNullSafe(rep.Metrics)
	if err != nil {
		return "", err
	}
	out := jsonReport{
		RunMetadata: rep.RunMetadata, Metrics: metricsJSON,
		Signals: rep.Signals, Executions: rep.Trades, Conflicts: rep.Conflicts, Failures: rep.Failures,
	}
	path := filepath.Join(dir, Filename(direction, symbols, at, "json"))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return "", err
	}
	return path, nil
}

// WriteText writes the fixed human-readable layout to dir, returning the
// full path.
func WriteText(dir string, direction model.Direction, symbols []string, at time.Time, rep *model.RunReport) (string, error) {
	path := filepath.Join(dir, Filename(direction, symbols, at, "txt"))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()

	fmt.Fprintf(w, "Run ID:        %s\n", rep.RunMetadata.RunID)
	fmt.Fprintf(w, "Started:       %s\n", rep.RunMetadata.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Ended:         %s\n", rep.RunMetadata.EndedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Direction:     %s\n", rep.RunMetadata.Direction)
	fmt.Fprintf(w, "Symbols:       %s\n", strings.Join(rep.RunMetadata.Symbols, ", "))
	fmt.Fprintf(w, "Manifest hash: %s\n", rep.RunMetadata.ManifestHash)
	fmt.Fprintf(w, "Tie-break:     %s\n\n", rep.RunMetadata.TieBreakPolicy)

	if rep.Metrics.LongOnly != nil {
		writeMetricsTable(w, "LONG ONLY", rep.Metrics.LongOnly)
	}
	if rep.Metrics.ShortOnly != nil {
		writeMetricsTable(w, "SHORT ONLY", rep.Metrics.ShortOnly)
	}
	writeMetricsTable(w, "COMBINED", rep.Metrics.Combined)

	fmt.Fprintf(w, "\nConflicts: %d\n", len(rep.Conflicts))
	fmt.Fprintf(w, "Failures:  %d\n", len(rep.Failures))

	topK := 10
	if len(rep.Trades) > 0 {
		fmt.Fprintf(w, "\nTop %d trades by pnl_r:\n", topK)
		trades := append([]model.TradeResult(nil), rep.Trades...)
		sortTradesByPnLDesc(trades)
		for i := 0; i < topK && i < len(trades); i++ {
			tr := trades[i]
			fmt.Fprintf(w, "  %-6s entry=%.5f exit=%.5f reason=%-12s pnl_r=%.3f\n", tr.Symbol, tr.EntryPrice, tr.ExitPrice, tr.ExitReason, tr.PnLR)
		}
	}
	return path, nil
}

func writeMetricsTable(w *bufio.Writer, label string, m *model.MetricsSummary) {
	fmt.Fprintf(w, "%s\n", label)
	fmt.Fprintf(w, "  trades=%d wins=%d losses=%d\n", m.TradeCount, m.Wins, m.Losses)
	fmt.Fprintf(w, "  win_rate=%s avg_r=%s expectancy=%s profit_factor=%s sharpe=%s max_dd_r=%.3f\n\n",
		formatValid(m.WinRate, m.WinRateValid), formatValid(m.AvgR, m.AvgRValid),
		formatValid(m.Expectancy, m.ExpectancyValid), formatValid(m.ProfitFactor, m.ProfitFactorValid),
		formatValid(m.SharpeEstimate, m.SharpeValid), m.MaxDrawdownR)
}

func formatValid(v float64, valid bool) string {
	if !valid {
		return "undefined"
	}
	return fmt.Sprintf("%.4f", v)
}

func sortTradesByPnLDesc(trades []model.TradeResult) {
	for i := 1; i < len(trades); i++ {
		for j := i; j > 0 && trades[j].PnLR > trades[j-1].PnLR; j-- {
			trades[j], trades[j-1] = trades[j-1], trades[j]
		}
	}
}

// WriteBenchmark writes the benchmark record as JSON to dir.
func WriteBenchmark(dir string, rec model.BenchmarkRecord, at time.Time) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf("benchmark_%s.json", at.Format(filenameTimeLayout)))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return path, enc.Encode(rec)
}

// SnapshotWriter appends PortfolioSnapshotRecords to a JSONL stream.
type SnapshotWriter struct {
	f *os.File
}

// NewSnapshotWriter opens (creating if needed) the JSONL snapshot stream.
func NewSnapshotWriter(path string) (*SnapshotWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &SnapshotWriter{f: f}, nil
}

// Write appends one record as a single JSON line.
func (w *SnapshotWriter) Write(rec model.PortfolioSnapshotRecord) error {
	enc := json.NewEncoder(w.f)
	return enc.Encode(rec)
}

// Close closes the underlying file.
func (w *SnapshotWriter) Close() error { return w.f.Close() }

// WriteSnapshots streams a completed run's snapshot records to a JSONL file
// in dir, one object per line, returning the full path.
func WriteSnapshots(dir string, at time.Time, snaps []model.PortfolioSnapshotRecord) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf("snapshots_%s.jsonl", at.Format(filenameTimeLayout)))
	w, err := NewSnapshotWriter(path)
	if err != nil {
		return "", err
	}
	defer w.Close()
	for _, rec := range snaps {
		if err := w.Write(rec); err != nil {
			return "", err
		}
	}
	return path, nil
}

// marshalNullSafe serializes v to JSON. encoding/json already rejects
// NaN/Infinity floats, and DirectionalMetrics pairs every such field with an
// explicit *Valid flag instead of ever producing one, so no rewriting is
// needed here.
func marshalNullSafe(v interface{}) (json.RawMessage, error) {
	return json.Marshal(v)
}
