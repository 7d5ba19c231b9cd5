package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/emberquant/fxbacktest/internal/config"
	"github.com/emberquant/fxbacktest/internal/db"
	"github.com/emberquant/fxbacktest/internal/engine"
	"github.com/emberquant/fxbacktest/internal/log"
	"github.com/emberquant/fxbacktest/internal/model"
	"github.com/emberquant/fxbacktest/internal/opsserver"
	"github.com/emberquant/fxbacktest/internal/persistence"
	"github.com/emberquant/fxbacktest/internal/report"
)

var (
	runConfigPath string
	runOutputDir  string
	runDebug      bool
	runOps        bool
	runOpsPort    int
	runDBDSN      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one backtest run from a YAML run definition",
	RunE:  runBacktest,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "path to the run definition YAML (required)")
	runCmd.Flags().StringVar(&runOutputDir, "out", ".", "directory to write run report/benchmark/snapshot files to")
	runCmd.Flags().BoolVar(&runDebug, "debug", false, "enable debug-level structured logging")
	runCmd.Flags().BoolVar(&runOps, "ops", false, "serve live status/metrics on a local HTTP surface while the run executes")
	runCmd.Flags().IntVar(&runOpsPort, "ops-port", opsserver.DefaultConfig().Port, "port for the --ops status/metrics server")
	runCmd.Flags().StringVar(&runDBDSN, "db-dsn", "", "Postgres DSN; when set, the run header and trades are persisted after the run")
	runCmd.MarkFlagRequired("config")
}

func runBacktest(cmd *cobra.Command, args []string) error {
	logger := log.New(runDebug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	def, err := config.Load(runConfigPath)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load run definition")
		os.Exit(exitCodeFor(err))
	}

	runID := uuid.New().String()
	req := def.ToRunRequest(runID)

	var repos *persistence.Repository
	if runDBDSN != "" {
		dbCfg := db.DefaultConfig()
		dbCfg.Enabled = true
		dbCfg.DSN = runDBDSN
		mgr, err := db.NewManager(dbCfg)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect persistence backend")
			os.Exit(exitInvalidInput)
		}
		defer mgr.Close()
		repos = mgr.Repository()
		// Persisting trades requires the engine to return them.
		req.Flags.RequestExecutions = true
	}

	var obs engine.Observer
	if runOps {
		metricsReg, promReg := opsserver.NewMetricsRegistry()
		opsCfg := opsserver.DefaultConfig()
		opsCfg.Port = runOpsPort
		srv := opsserver.New(opsCfg, metricsReg, promReg, logger)
		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				logger.Warn().Err(err).Msg("ops server stopped")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()

		o := opsserver.NewObserver(srv)
		o.NewRun(runID)
		obs = o
	}

	rep, err := engine.Run(ctx, req, logger, obs)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn().Msg("run aborted by user")
			os.Exit(exitUserAbort)
		}
		logger.Error().Err(err).Msg("run failed")
		os.Exit(exitCodeFor(err))
	}

	at := time.Now().UTC()
	jsonPath, err := report.WriteJSON(runOutputDir, req.Direction, req.Symbols, at, rep)
	if err != nil {
		return fmt.Errorf("write json report: %w", err)
	}
	txtPath, err := report.WriteText(runOutputDir, req.Direction, req.Symbols, at, rep)
	if err != nil {
		return fmt.Errorf("write text report: %w", err)
	}
	if _, err := report.WriteBenchmark(runOutputDir, rep.Benchmark, at); err != nil {
		return fmt.Errorf("write benchmark: %w", err)
	}
	if len(rep.Snapshots) > 0 {
		if _, err := report.WriteSnapshots(runOutputDir, at, rep.Snapshots); err != nil {
			return fmt.Errorf("write snapshots: %w", err)
		}
	}

	if repos != nil {
		if err := persistRun(ctx, repos, rep); err != nil {
			logger.Warn().Err(err).Msg("run completed but persistence failed")
		} else {
			logger.Info().Str("run_id", runID).Msg("run persisted")
		}
	}

	logger.Info().Str("json", jsonPath).Str("text", txtPath).Str("run_id", runID).Msg("run complete")
	return nil
}

// persistRun records the completed run's header and trades. Trades live at
// the top level for single-symbol runs and under per-symbol sub-reports for
// the multi-symbol modes.
func persistRun(ctx context.Context, repos *persistence.Repository, rep *model.RunReport) error {
	md := rep.RunMetadata
	if err := repos.Runs.Insert(ctx, persistence.RunRecord{
		RunID: md.RunID, Direction: md.Direction, Symbols: md.Symbols,
		ManifestHash: md.ManifestHash, StartedAt: md.StartedAt, EndedAt: md.EndedAt,
	}); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	trades := rep.Trades
	if len(trades) == 0 && len(rep.PerSymbol) > 0 {
		symbols := make([]string, 0, len(rep.PerSymbol))
		for sym := range rep.PerSymbol {
			symbols = append(symbols, sym)
		}
		sort.Strings(symbols)
		for _, sym := range symbols {
			trades = append(trades, rep.PerSymbol[sym].Trades...)
		}
	}
	records := make([]persistence.TradeRecord, len(trades))
	for i, tr := range trades {
		records[i] = persistence.TradeRecord{
			RunID: md.RunID, Symbol: tr.Symbol, Direction: tr.Direction.String(),
			EntryIdx: tr.EntryIdx, EntryPrice: tr.EntryPrice, StopPrice: tr.StopPrice,
			TargetPrice: tr.TargetPrice, ExitIdx: tr.ExitIdx, ExitPrice: tr.ExitPrice,
			ExitReason: string(tr.ExitReason), PnLR: tr.PnLR, DurationBars: tr.DurationBars,
		}
	}
	if err := repos.Trades.InsertBatch(ctx, records); err != nil {
		return fmt.Errorf("insert trades: %w", err)
	}
	return nil
}

// exitCodeFor maps the error taxonomy onto the run contract's exit codes.
func exitCodeFor(err error) int {
	switch {
	case model.IsKind(err, model.ErrInput), model.IsKind(err, model.ErrStrategyConfig), model.IsKind(err, model.ErrRiskConfig):
		return exitInvalidInput
	case model.IsKind(err, model.ErrDataIntegrity):
		return exitDataIntegrity
	case model.IsKind(err, model.ErrSimulationFidelity):
		return exitFidelityFailure
	default:
		return exitInvalidInput
	}
}
