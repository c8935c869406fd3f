package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/headline-goat/abkit/internal/config"
	"github.com/headline-goat/abkit/internal/logging"
)

var (
	cfgPath string
	dbPath  string

	cfg    *config.Config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "abkit",
	Short: "abkit - sticky A/B test assignment with batched analytics",
	Long: `abkit assigns visitors to weighted experiment variants, batches the
resulting participation, view and conversion events to a collector, and
reports results with confidence intervals.

Run 'abkit serve' to start the collector, 'abkit init' to write a config.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", getEnvOrDefault("ABKIT_CONFIG", ""), "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "store DSN, overrides the config (SQLite path or postgres URL)")
}

// loadConfig runs before every command. Flags override the file and env.
func loadConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		loaded.Store.DSN = dbPath
	}

	cfg = loaded
	logger = logging.New(cfg.Log, cmd.ErrOrStderr())
	return nil
}
