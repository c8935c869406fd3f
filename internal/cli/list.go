package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/headline-goat/abkit/internal/store"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all experiments",
	Long:  `List every experiment the collector has seen, with participant, view and conversion totals.`,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	return withStore(ctx, func(s store.Backend) error {
		experiments, err := s.ListExperiments(ctx)
		if err != nil {
			return fmt.Errorf("failed to list experiments: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(experiments) == 0 {
			fmt.Fprintln(out, "No experiments yet.")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Experiments appear when the first participation event arrives:")
			fmt.Fprintln(out, "  abkit assign hero visitor-1 --variants A,B")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVARIANTS\tPARTICIPANTS\tVIEWS\tCONVERSIONS\tRATE\tLAST SEEN")

		for _, e := range experiments {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.2f%%\t%s\n",
				e.Name,
				strings.Join(e.Variants, ","),
				formatNumber(e.Participants),
				formatNumber(e.Views),
				formatNumber(e.Conversions),
				e.ConversionRate(),
				e.LastSeen.Format("2006-01-02"),
			)
		}

		return w.Flush()
	})
}
