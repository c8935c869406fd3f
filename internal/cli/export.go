package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/headline-goat/abkit/internal/store"
)

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export <experiment>",
	Short: "Export raw event data",
	Long: `Export an experiment's raw events in CSV or JSON format.

Examples:
  abkit export hero --format csv > hero-data.csv
  abkit export hero --format json > hero-data.json`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "csv", "output format (csv or json)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	name := args[0]

	if exportFormat != "csv" && exportFormat != "json" {
		return fmt.Errorf("invalid format: must be 'csv' or 'json'")
	}

	ctx := commandContext(cmd)
	return withStore(ctx, func(s store.Backend) error {
		events, err := s.GetEvents(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to get events: %w", err)
		}
		if len(events) == 0 {
			return fmt.Errorf("experiment '%s' not found", name)
		}

		if exportFormat == "csv" {
			return exportCSV(cmd.OutOrStdout(), events)
		}
		return exportJSON(cmd.OutOrStdout(), events)
	})
}

func exportCSV(out io.Writer, events []*store.Event) error {
	w := csv.NewWriter(out)

	header := []string{"timestamp", "action", "category", "label", "value", "variant", "session_id", "user_id"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, e := range events {
		value := ""
		if e.Value != nil {
			value = strconv.FormatFloat(*e.Value, 'f', -1, 64)
		}
		row := []string{
			strconv.FormatInt(e.CreatedAt.UnixMilli(), 10),
			e.Action,
			e.Category,
			e.Label,
			value,
			e.Variant,
			e.SessionID,
			e.UserID,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	w.Flush()
	return w.Error()
}

type jsonExport struct {
	Experiment string      `json:"experiment"`
	Events     []jsonEvent `json:"events"`
}

type jsonEvent struct {
	Timestamp int64          `json:"timestamp"`
	Action    string         `json:"action"`
	Category  string         `json:"category"`
	Label     string         `json:"label,omitempty"`
	Value     *float64       `json:"value,omitempty"`
	Variant   string         `json:"variant"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

func exportJSON(out io.Writer, events []*store.Event) error {
	export := jsonExport{
		Experiment: events[0].Experiment,
		Events:     make([]jsonEvent, len(events)),
	}

	for i, e := range events {
		export.Events[i] = jsonEvent{
			Timestamp: e.CreatedAt.UnixMilli(),
			Action:    e.Action,
			Category:  e.Category,
			Label:     e.Label,
			Value:     e.Value,
			Variant:   e.Variant,
			SessionID: e.SessionID,
			UserID:    e.UserID,
			Params:    e.Params,
		}
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}
