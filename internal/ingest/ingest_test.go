package ingest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCSV(t *testing.T, rows []string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "data.csv")
	content := "timestamp,open,high,low,close,volume\n"
	for _, r := range rows {
		content += r + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestIngestBasicSortAndDedup(t *testing.T) {
	path := writeCSV(t, []string{
		"1700000120,1.1005,1.1010,1.1000,1.1008,100",
		"1700000000,1.1000,1.1005,1.0995,1.1002,100",
		"1700000000,1.1001,1.1006,1.0996,1.1003,120", // duplicate ts, last wins
	})

	frame, metrics, err := Ingest(path, 60, Columnar, false)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if frame.Len() != 3 {
		t.Fatalf("expected 3 rows after gap fill, got %d", frame.Len())
	}
	if frame.TimestampUTC[0] != 1700000000 || frame.TimestampUTC[2] != 1700000120 {
		t.Fatalf("timestamps not sorted: %v", frame.TimestampUTC)
	}
	if frame.Close[0] != 1.1003 {
		t.Fatalf("dedup did not keep last occurrence: got close=%v", frame.Close[0])
	}
	if metrics.DuplicatesRemoved != 1 {
		t.Fatalf("expected 1 duplicate removed, got %d", metrics.DuplicatesRemoved)
	}
}

func TestIngestGapFill(t *testing.T) {
	path := writeCSV(t, []string{
		"1700000000,1.1000,1.1005,1.0995,1.1002,100",
		"1700000180,1.1010,1.1015,1.1005,1.1012,90", // 2 missing 60s bars
	})

	frame, metrics, err := Ingest(path, 60, Columnar, false)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if frame.Len() != 4 {
		t.Fatalf("expected 4 rows (1 original + 2 gap + 1 original), got %d", frame.Len())
	}
	if metrics.GapsInserted != 2 {
		t.Fatalf("expected 2 gaps inserted, got %d", metrics.GapsInserted)
	}
	for i := 1; i < 3; i++ {
		if !frame.IsGap[i] {
			t.Fatalf("row %d expected to be a synthetic gap row", i)
		}
		if frame.Open[i] != frame.Close[i-1] || frame.Close[i] != frame.Close[i-1] {
			t.Fatalf("gap row %d did not carry forward previous close", i)
		}
		if frame.Volume[i] != 0 {
			t.Fatalf("gap row %d expected zero volume", i)
		}
	}
}

func TestIngestMissingColumns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.csv")
	if err := os.WriteFile(path, []byte("timestamp,open,high,low,close\n1700000000,1,1,1,1\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	_, _, err := Ingest(path, 60, Columnar, false)
	if err == nil {
		t.Fatal("expected MissingColumns error")
	}
}

func TestIngestUnreadablePath(t *testing.T) {
	_, _, err := Ingest("/nonexistent/path/file.csv", 60, Columnar, false)
	if err == nil {
		t.Fatal("expected UnreadablePath error")
	}
}
