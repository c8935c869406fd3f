package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/headline-goat/abkit/internal/server"
	"github.com/headline-goat/abkit/internal/store"
)

const serverURLKey = "abkit:server_url"

var (
	port  int
	token string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the collector",
	Long: `Start the abkit collector HTTP server.

The server provides:
  - POST /api/metrics     batched events from trackers
  - POST /api/analytics   single events
  - GET  /api/experiments and /api/experiments/{key}/results (token protected)
  - GET  /health

Example:
  abkit serve --port 8080`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default from config)")
	serveCmd.Flags().StringVar(&token, "token", "", "read API token (generated when empty)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if port == 0 {
		port = cfg.Server.Port
	}
	if token == "" {
		token = cfg.Server.Token
	}

	return withStore(ctx, func(s store.Backend) error {
		srv := server.New(s, server.Options{Port: port, Token: token, Logger: logger})

		if err := os.WriteFile(tokenFilePath(), []byte(srv.Token()), 0600); err != nil {
			logger.Warn().Err(err).Msg("Failed to write token file")
		}
		if err := s.Set(ctx, serverURLKey, fmt.Sprintf("http://localhost:%d", port)); err != nil {
			logger.Warn().Err(err).Msg("Failed to record server URL")
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out)
		fmt.Fprintf(out, "abkit collector running on http://localhost:%d\n", port)
		fmt.Fprintf(out, "Results API: http://localhost:%d/api/experiments?token=%s\n", port, srv.Token())
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Press Ctrl+C to stop")

		return srv.Start(ctx)
	})
}

// tokenFilePath keeps the token next to a SQLite database, or in the
// working directory for other drivers.
func tokenFilePath() string {
	if cfg.Store.Driver == "sqlite" {
		return filepath.Join(filepath.Dir(cfg.Store.DSN), ".abkit-token")
	}
	return ".abkit-token"
}
