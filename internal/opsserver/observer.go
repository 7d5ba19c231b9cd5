package opsserver

// Observer adapts a Server's status tracker and metrics registry to the
// engine.Observer interface, without opsserver importing the engine
// package (the dependency runs the other way: the CLI wires this adapter
// into engine.Run).
type Observer struct {
	status  *Status
	metrics *MetricsRegistry
}

// NewObserver builds an engine.Observer-shaped adapter over s.
func NewObserver(s *Server) *Observer {
	return &Observer{status: s.Status(), metrics: s.metrics}
}

// PhaseStarted records the run's current phase and symbol count, keeping
// the run id already set by NewRun.
func (o *Observer) PhaseStarted(phase string, symbolsTotal int) {
	o.status.SetPhase(o.status.snapshot().RunID, phase, symbolsTotal)
	o.metrics.ActiveSymbols.Set(float64(symbolsTotal))
}

// NewRun tags the status with a freshly started run id, resetting progress
// counters.
func (o *Observer) NewRun(runID string) { o.status.SetRunID(runID) }

// SymbolDone marks one more symbol complete and, during the ingest phase,
// increments the ingested counter.
func (o *Observer) SymbolDone(symbol string) {
	o.status.MarkSymbolDone()
	if o.status.snapshot().Phase == "ingest" {
		o.metrics.SymbolsIngested.Inc()
	}
}

// SymbolFailed records an isolated symbol under the given reason label.
func (o *Observer) SymbolFailed(symbol, reason string) {
	o.status.MarkSymbolDone()
	o.metrics.RecordSymbolFailure(reason)
}
