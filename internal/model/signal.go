package model

import "time"

// SignalSet is the columnar output of the scanner for one direction.
type SignalSet struct {
	Direction   Direction
	Symbol      string
	EntryIdx    []int
	Side        []Side
	EntryPrice  []float64
	StopPrice   []float64
	TargetPrice []float64
	Size        []float64

	// DroppedZeroSize counts candidate signals discarded because their
	// computed position size rounded to zero.
	DroppedZeroSize int
}

// Len returns the number of signals in the set.
func (s *SignalSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.EntryIdx)
}

// ExitReason classifies how a trade's exit was resolved.
type ExitReason string

const (
	ExitTP         ExitReason = "TP"
	ExitSL         ExitReason = "SL"
	ExitEndOfData  ExitReason = "END_OF_DATA"
	ExitExpiry     ExitReason = "EXPIRY"
)

// TradeResult is the simulator's output for a single signal.
type TradeResult struct {
	Symbol       string     `json:"symbol"`
	Direction    Direction  `json:"direction"`
	EntryIdx     int        `json:"entry_idx"`
	EntryPrice   float64    `json:"entry_price"`
	StopPrice    float64    `json:"stop_price"`
	TargetPrice  float64    `json:"target_price"`
	ExitIdx      int        `json:"exit_idx"`
	ExitPrice    float64    `json:"exit_price"`
	ExitReason   ExitReason `json:"exit_reason"`
	PnLR         float64    `json:"pnl_r"`
	DurationBars int        `json:"duration_bars"`
	TrailingUsed bool       `json:"trailing_used"`
}

// ConflictEvent records a rejected simultaneous long+short signal.
type ConflictEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	Symbol     string    `json:"symbol"`
	Resolution string    `json:"resolution"` // always "REJECTED_BOTH"
}
