package model

import "time"

// ExecutionMode selects how multiple symbols are coordinated.
type ExecutionMode string

const (
	ModeSingle      ExecutionMode = "single"
	ModeIndependent ExecutionMode = "independent"
	ModePortfolio   ExecutionMode = "portfolio"
)

// DatasetSource points at a single symbol's candle data, either on disk or
// already in memory (e.g. supplied by a test or a sweep runner).
type DatasetSource struct {
	Path               string
	Frame              *CoreFrame // pre-ingested; takes priority over Path when set
	ExpectedCadenceSec int64
}

// StrategyConfig selects and parameterizes a Strategy implementation.
type StrategyConfig struct {
	ID         string
	Params     map[string]float64
	ATRMult    float64
	MinStopDistance float64
	TargetRMult float64
	CooldownBars int
}

// RiskConfig controls position sizing and per-trade cost modeling.
type RiskConfig struct {
	AccountEquity float64
	RiskPerTrade  float64 // fraction of equity, e.g. 0.01
	PipValue      float64
	LotStep       float64
	MaxPosition   float64
	FeeSlippagePips float64
}

// PortfolioConfig parameterizes Portfolio-mode execution.
type PortfolioConfig struct {
	TotalCapital           float64
	RoundingDP             int
	PenaltyCoef            float64
	PerSymbolExposureCap   float64
	PortfolioExposureCap   float64
	AllocationIntervalBars int
	SnapshotIntervalBars   int

	// CorrelationThreshold drops pair correlations below this magnitude
	// from the allocation penalty, so weak noise correlations do not
	// shave weights. Zero keeps every usable pair.
	CorrelationThreshold float64
}

// RunFlags carries the optional behavioral switches named in the run contract.
type RunFlags struct {
	Profile              bool
	Deterministic        bool
	DryRun               bool
	DataFrac             float64 // (0,1], default 1.0
	Portion              int     // [1, ceil(1/frac)], default 1
	SnapshotInterval     int
	CorrelationThreshold float64
	RequestSignals       bool
	RequestExecutions    bool
	FidelityCheck        bool
	IngestMode           string // "columnar" (default) or "iterator"
	Downcast             bool
}

// RunRequest is the single entry point contract: everything the core needs
// to execute one backtest.
type RunRequest struct {
	RunID     string
	Direction Direction
	Symbols   []string
	Datasets  map[string]DatasetSource
	Strategy  StrategyConfig
	Risk      RiskConfig
	Mode      ExecutionMode
	Portfolio PortfolioConfig
	Flags     RunFlags
}

// RunMetadata describes the completed run for the report header.
type RunMetadata struct {
	RunID        string    `json:"run_id"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	Direction    string    `json:"direction"`
	Symbols      []string  `json:"symbols"`
	ManifestHash string    `json:"manifest_hash"`
	TieBreakPolicy string  `json:"tie_break_policy"`
}

// RunReport is the single return value contract.
type RunReport struct {
	RunMetadata RunMetadata               `json:"run_metadata"`
	Metrics     DirectionalMetrics        `json:"metrics"`
	Trades      []TradeResult             `json:"executions,omitempty"`
	Signals     []SignalSummary           `json:"signals,omitempty"`
	Conflicts   []ConflictEvent           `json:"conflicts"`
	Failures    []RuntimeFailureEvent     `json:"failures,omitempty"`
	Snapshots   []PortfolioSnapshotRecord `json:"snapshots,omitempty"`
	Benchmark   BenchmarkRecord           `json:"benchmark"`
	Manifests   []Manifest                `json:"manifests"`
	PerSymbol   map[string]*RunReport      `json:"per_symbol,omitempty"` // independent and portfolio modes
}

// SignalSummary is the report-facing projection of one scanner signal.
type SignalSummary struct {
	Symbol      string  `json:"symbol"`
	Direction   string  `json:"direction"`
	EntryIdx    int     `json:"entry_idx"`
	EntryPrice  float64 `json:"entry_price"`
	StopPrice   float64 `json:"stop_price"`
	TargetPrice float64 `json:"target_price"`
	Size        float64 `json:"size"`
}
