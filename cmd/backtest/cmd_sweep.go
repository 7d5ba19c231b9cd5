package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/emberquant/fxbacktest/internal/config"
	"github.com/emberquant/fxbacktest/internal/log"
	"github.com/emberquant/fxbacktest/internal/model"
	"github.com/emberquant/fxbacktest/internal/sweep"
)

var (
	sweepConfigPath string
	sweepATRMults   string
	sweepTargetRs   string
	sweepCooldowns  string
	sweepDebug      bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a strategy-parameter grid over a base run definition",
	RunE:  runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().StringVar(&sweepConfigPath, "config", "", "path to the base run definition YAML (required)")
	sweepCmd.Flags().StringVar(&sweepATRMults, "atr-mult", "", "comma-separated ATR multiplier grid, e.g. 1.5,2,2.5")
	sweepCmd.Flags().StringVar(&sweepTargetRs, "target-r", "", "comma-separated target R multiple grid, e.g. 1.5,2,3")
	sweepCmd.Flags().StringVar(&sweepCooldowns, "cooldown", "", "comma-separated cooldown-bar grid, e.g. 2,3,5")
	sweepCmd.Flags().BoolVar(&sweepDebug, "debug", false, "enable debug-level structured logging")
	sweepCmd.MarkFlagRequired("config")
}

func runSweep(cmd *cobra.Command, args []string) error {
	logger := log.New(sweepDebug)

	def, err := config.Load(sweepConfigPath)
	if err != nil {
		return fmt.Errorf("load base run definition: %w", err)
	}
	base := def.ToRunRequest(uuid.New().String())

	atrMults, err := parseFloatGrid(sweepATRMults, base.Strategy.ATRMult)
	if err != nil {
		return err
	}
	targetRs, err := parseFloatGrid(sweepTargetRs, base.Strategy.TargetRMult)
	if err != nil {
		return err
	}
	cooldowns, err := parseIntGrid(sweepCooldowns, base.Strategy.CooldownBars)
	if err != nil {
		return err
	}

	var variants []sweep.Variant
	for _, atr := range atrMults {
		for _, tr := range targetRs {
			for _, cd := range cooldowns {
				strat := base.Strategy
				strat.ATRMult, strat.TargetRMult, strat.CooldownBars = atr, tr, cd
				label := fmt.Sprintf("atr%.2f_tr%.2f_cd%d", atr, tr, cd)
				variants = append(variants, sweep.Variant{Label: label, Strategy: strat})
			}
		}
	}

	results := sweep.Run(context.Background(), base, variants, 500*time.Millisecond, logger)
	sweep.SortByMetric(results, func(r *model.RunReport) float64 {
		if r.Metrics.Combined == nil || !r.Metrics.Combined.ExpectancyValid {
			return -1e18
		}
		return r.Metrics.Combined.Expectancy
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "variant\ttrades\texpectancy\tprofit_factor")
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(w, "%s\t-\t-\tfailed: %v\n", r.Label, r.Err)
			continue
		}
		m := r.Report.Metrics.Combined
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", r.Label, m.TradeCount, formatMetric(m.Expectancy, m.ExpectancyValid), formatMetric(m.ProfitFactor, m.ProfitFactorValid))
	}
	return w.Flush()
}

func formatMetric(v float64, valid bool) string {
	if !valid {
		return "undefined"
	}
	return fmt.Sprintf("%.4f", v)
}

func parseFloatGrid(csv string, fallback float64) ([]float64, error) {
	if csv == "" {
		return []float64{fallback}, nil
	}
	parts := strings.Split(csv, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid grid value %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseIntGrid(csv string, fallback int) ([]int, error) {
	if csv == "" {
		return []int{fallback}, nil
	}
	parts := strings.Split(csv, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid grid value %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}
