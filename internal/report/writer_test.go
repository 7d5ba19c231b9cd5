package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/emberquant/fxbacktest/internal/model"
)

var filenamePattern = regexp.MustCompile(`^backtest_(long|short|both)_(multi|[a-z0-9]{6})_\d{8}_\d{6}\.(txt|json)$`)

func TestFilenameMatchesContractRegex(t *testing.T) {
	at := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	cases := []struct {
		dir     model.Direction
		symbols []string
	}{
		{model.Long, []string{"eurusd"}},
		{model.Both, []string{"EURUSD", "GBPUSD"}},
		{model.Short, []string{"eurusd"}},
	}
	for _, c := range cases {
		name := Filename(c.dir, c.symbols, at, "json")
		if !filenamePattern.MatchString(name) {
			t.Fatalf("filename %q does not match contract regex", name)
		}
	}
}

func sampleReport() *model.RunReport {
	return &model.RunReport{
		RunMetadata: model.RunMetadata{RunID: "r1", Direction: "long", Symbols: []string{"eurusd"}, ManifestHash: "abc", TieBreakPolicy: "stop_wins_same_bar_ties"},
		Metrics:     model.DirectionalMetrics{Combined: &model.MetricsSummary{TradeCount: 2, Wins: 1, Losses: 1, WinRate: 0.5, WinRateValid: true}},
		Conflicts:   []model.ConflictEvent{},
		Trades:      []model.TradeResult{{Symbol: "eurusd", PnLR: 2.0}, {Symbol: "eurusd", PnLR: -1.0}},
	}
}

func TestWriteJSONRoundTrips(t *testing.T) {
	dir := t.TempDir()
	at := time.Now()
	path, err := WriteJSON(dir, model.Long, []string{"eurusd"}, at, sampleReport())
	if err != nil {
		t.Fatalf("write json: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["run_metadata"] == nil {
		t.Fatalf("expected run_metadata key in output")
	}
}

func TestWriteTextProducesFile(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteText(dir, model.Long, []string{"eurusd"}, time.Now(), sampleReport())
	if err != nil {
		t.Fatalf("write text: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
}

func TestSnapshotWriterAppendsJSONL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshots.jsonl")
	w, err := NewSnapshotWriter(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := w.Write(model.PortfolioSnapshotRecord{Timestamp: time.Unix(60, 0).UTC()}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Write(model.PortfolioSnapshotRecord{Timestamp: time.Unix(120, 0).UTC()}); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := 0
	for _, b := range raw {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Fatalf("expected 2 JSONL lines, got %d", lines)
	}
}
