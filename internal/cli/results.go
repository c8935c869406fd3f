package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/headline-goat/abkit/internal/stats"
	"github.com/headline-goat/abkit/internal/store"
)

var resultsVariants string

var resultsCmd = &cobra.Command{
	Use:   "results <experiment>",
	Short: "Show detailed results for an experiment",
	Long: `Show conversion rates, 95% confidence intervals and significance.

The first variant is the control; use --variants to choose the order.

Example:
  abkit results hero --variants A,B`,
	Args: cobra.ExactArgs(1),
	RunE: runResults,
}

func init() {
	resultsCmd.Flags().StringVar(&resultsVariants, "variants", "", "comma-separated variant order, control first")
	rootCmd.AddCommand(resultsCmd)
}

func runResults(cmd *cobra.Command, args []string) error {
	name := args[0]
	ctx := commandContext(cmd)

	return withStore(ctx, func(s store.Backend) error {
		variantStats, err := s.VariantStats(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("experiment '%s' not found", name)
		}
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}

		result := stats.Analyze(stats.Align(parseList(resultsVariants), store.Counts(variantStats)))
		printResults(cmd.OutOrStdout(), name, result)
		return nil
	})
}

func printResults(out io.Writer, name string, result *stats.Result) {
	fmt.Fprintf(out, "EXPERIMENT: %s\n", name)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "VARIANT           VIEWS    CONVERSIONS  RATE     95% CI")
	fmt.Fprintln(out, strings.Repeat("─", 60))

	for i, v := range result.Variants {
		indicator := ""
		if i == result.Leader && len(result.Variants) > 1 {
			indicator = " ← LEADING"
		}

		ciStr := fmt.Sprintf("[%.1f%%, %.1f%%]", v.CILower*100, v.CIUpper*100)
		if v.Views == 0 {
			ciStr = "N/A"
		}

		name := v.Variant
		if len(name) > 16 {
			name = name[:13] + "..."
		}

		fmt.Fprintf(out, "%-16s  %-7d  %-11d  %-7s  %s%s\n",
			name,
			v.Views,
			v.Conversions,
			formatPercent(v.Rate),
			ciStr,
			indicator,
		)
	}

	fmt.Fprintln(out)

	if len(result.Variants) > 1 {
		leadingName := result.LeaderName()
		confPct := result.ConfidenceLevel * 100

		if result.Confident {
			fmt.Fprintf(out, "Statistical significance: %.1f%% confident \"%s\" is the winner\n", confPct, leadingName)
		} else if confPct >= 90 {
			fmt.Fprintf(out, "Statistical significance: %.1f%% confident \"%s\" beats control (not yet significant)\n", confPct, leadingName)
		} else {
			fmt.Fprintln(out, "Statistical significance: Not enough data to determine a winner")
		}
	}
}
