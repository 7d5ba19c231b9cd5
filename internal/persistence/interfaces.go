// Package persistence defines the storage-agnostic contracts for optionally
// persisting run reports and trades to a relational backend. The core engine
// never depends on this package directly; only the CLI wires it in when
// configured.
package persistence

import (
	"context"
	"time"
)

// TimeRange bounds a query, inclusive at both ends. TradesRepo.ListBySymbol
// compares From/To against each trade's entry bar index (EntryIdx), not a
// timestamp.
type TimeRange struct {
	From int64
	To   int64
}

// TradeRecord is the persisted projection of a simulator TradeResult, tagged
// with the run it came from.
type TradeRecord struct {
	ID           int64
	RunID        string
	Symbol       string
	Direction    string
	EntryIdx     int
	EntryPrice   float64
	StopPrice    float64
	TargetPrice  float64
	ExitIdx      int
	ExitPrice    float64
	ExitReason   string
	PnLR         float64
	DurationBars int
	CreatedAt    time.Time
}

// RunRecord is the persisted projection of a RunReport's header and
// manifest hash, used to look up past runs for reproducibility audits.
type RunRecord struct {
	RunID        string
	Direction    string
	Symbols      []string
	ManifestHash string
	StartedAt    time.Time
	EndedAt      time.Time
	CreatedAt    time.Time
}

// TradesRepo persists and queries trade records for completed runs.
type TradesRepo interface {
	InsertBatch(ctx context.Context, trades []TradeRecord) error
	ListByRun(ctx context.Context, runID string) ([]TradeRecord, error)
	ListBySymbol(ctx context.Context, symbol string, tr TimeRange, limit int) ([]TradeRecord, error)
	CountByRun(ctx context.Context, runID string) (int64, error)
}

// RunsRepo persists and queries run headers.
type RunsRepo interface {
	Insert(ctx context.Context, run RunRecord) error
	GetByID(ctx context.Context, runID string) (*RunRecord, error)
	GetByManifestHash(ctx context.Context, hash string) ([]RunRecord, error)
	ListRecent(ctx context.Context, limit int) ([]RunRecord, error)
}

// Repository bundles every repo the CLI needs when persistence is enabled.
type Repository struct {
	Trades TradesRepo
	Runs   RunsRepo
}
