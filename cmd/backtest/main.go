package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// exit codes per the run contract: 0 success, 2 invalid input, 3 data
// integrity failure, 4 internal fidelity failure, 5 user abort.
const (
	exitOK               = 0
	exitInvalidInput     = 2
	exitDataIntegrity    = 3
	exitFidelityFailure  = 4
	exitUserAbort        = 5
)

var rootCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Offline FX/OHLCV strategy backtesting engine",
	Long: `backtest runs a strategy over historical OHLCV data, single-symbol,
independent per-symbol, or shared-capital portfolio mode, and writes a
JSON/text run report plus optional benchmark and snapshot files.`,
}

func main() {
	// Accept snake_case spellings of any flag, matching the YAML field names.
	rootCmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitInvalidInput)
	}
}
