package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/headline-goat/abkit/internal/storage"
	"github.com/headline-goat/abkit/internal/store"
	"github.com/headline-goat/abkit/internal/tracker"
)

var (
	convertType  string
	convertValue float64
)

var convertCmd = &cobra.Command{
	Use:   "convert <experiment> <visitor-id>",
	Short: "Record a conversion for an assigned visitor",
	Long: `Record a conversion against the visitor's assigned variant.

Conversions are delivered immediately.

Example:
  abkit convert hero visitor-1 --type signup
  abkit convert pricing visitor-1 --type purchase --value 49`,
	Args: cobra.ExactArgs(2),
	RunE: runConvert,
}

func init() {
	convertCmd.Flags().StringVar(&convertType, "type", "conversion", "conversion type, sent as the event label")
	convertCmd.Flags().Float64Var(&convertValue, "value", 1, "conversion value")
	rootCmd.AddCommand(convertCmd)
}

func runConvert(cmd *cobra.Command, args []string) error {
	key, visitor := args[0], args[1]
	ctx := commandContext(cmd)

	var variant string
	err := withStore(ctx, func(s store.Backend) error {
		kv, closeKV, err := assignmentStore(ctx, cfg, s)
		if err != nil {
			return err
		}
		defer closeKV()

		variant, err = assignedVariant(ctx, kv, visitor, key)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("visitor %s is not assigned to %s", visitor, key)
	}
	if err != nil {
		return err
	}

	err = withVisitor(ctx, visitor, func(t *tracker.Tracker) error {
		t.Experiments().TrackConversionValue(ctx, key, convertType, convertValue)
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s for %s (variant %s)\n", convertType, visitor, variant)
	return nil
}
