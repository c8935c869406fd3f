package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/headline-goat/abkit/internal/store"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Show the results API URL with access token",
	Long: `Show the results API URL with the token of the running collector.

Use this when you've scrolled past the startup message.

Example:
  abkit token`,
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(tokenFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no collector running. Start with: abkit serve")
		}
		return fmt.Errorf("failed to read token file: %w", err)
	}

	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return fmt.Errorf("token file is empty. Restart the collector with: abkit serve")
	}

	serverURL := fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	ctx := commandContext(cmd)
	_ = withStore(ctx, func(s store.Backend) error {
		if url, err := s.Get(ctx, serverURLKey); err == nil && url != "" {
			serverURL = url
		}
		return nil
	})

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Results API: %s/api/experiments?token=%s\n", serverURL, tok)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Or send: Authorization: Bearer %s\n", tok)
	return nil
}
