package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/headline-goat/abkit/internal/experiment"
	"github.com/headline-goat/abkit/internal/storage"
	"github.com/headline-goat/abkit/internal/store"
	"github.com/headline-goat/abkit/internal/tracker"
)

var (
	assignVariants string
	assignWeights  string
	assignView     bool
)

var assignCmd = &cobra.Command{
	Use:   "assign <experiment> <visitor-id>",
	Short: "Assign a visitor to a variant",
	Long: `Return the visitor's variant, assigning and persisting one on first use.

The participation event (and the view, with --view) is delivered through
the configured transport before the command exits.

Examples:
  abkit assign hero visitor-1 --variants A,B
  abkit assign pricing visitor-1 --variants control,discount --weights 3,1 --view`,
	Args: cobra.ExactArgs(2),
	RunE: runAssign,
}

func init() {
	assignCmd.Flags().StringVar(&assignVariants, "variants", "", "comma-separated variant names (required)")
	assignCmd.Flags().StringVar(&assignWeights, "weights", "", "comma-separated weights (default equal)")
	assignCmd.Flags().BoolVar(&assignView, "view", false, "also record a view")
	assignCmd.MarkFlagRequired("variants")
	rootCmd.AddCommand(assignCmd)
}

func runAssign(cmd *cobra.Command, args []string) error {
	key, visitor := args[0], args[1]

	weights, err := parseWeights(assignWeights)
	if err != nil {
		return err
	}
	variants := parseList(assignVariants)

	ctx := commandContext(cmd)
	return withVisitor(ctx, visitor, func(t *tracker.Tracker) error {
		variant, err := t.Experiments().GetVariant(ctx, key, variants, weights)
		if err != nil {
			return err
		}
		if assignView {
			t.Experiments().TrackView(ctx, key)
		}

		fmt.Fprintln(cmd.OutOrStdout(), variant)
		return nil
	})
}

// withVisitor runs fn with a tracker whose assignments are scoped to one
// visitor, then closes it so buffered events are delivered.
func withVisitor(ctx context.Context, visitor string, fn func(*tracker.Tracker) error) error {
	return withStore(ctx, func(s store.Backend) error {
		kv, closeKV, err := assignmentStore(ctx, cfg, s)
		if err != nil {
			return err
		}
		defer closeKV()

		tr, closeTransport, err := newTransport(cfg, s)
		if err != nil {
			return err
		}
		defer closeTransport()

		t := tracker.New(ctx, tracker.Options{
			Transport: tr,
			Sender:    directSender(tr),
			Batch:     batchConfig(cfg),
			Storage:   storage.ForVisitor(kv, visitor),
			Logger:    &logger,
		})

		runErr := fn(t)
		if err := t.Close(ctx); err != nil {
			logger.Warn().Err(err).Msg("Events not delivered")
			if runErr == nil {
				runErr = fmt.Errorf("failed to deliver events: %w", err)
			}
		}
		return runErr
	})
}

// assignedVariant reads the stored assignment without creating one.
func assignedVariant(ctx context.Context, kv storage.KV, visitor, key string) (string, error) {
	return storage.ForVisitor(kv, visitor).Get(ctx, experiment.KeyPrefix+key)
}
