package cli

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/headline-goat/abkit/internal/config"
)

var initOutput string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write an abkit config file",
	Long: `Interactively choose where tracked events are delivered and which
database the collector uses, then write a YAML config.

Example:
  abkit init
  abkit init --output ./abkit.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "abkit.yaml", "config file to write")
	rootCmd.AddCommand(initCmd)
}

// initAnswers are the choices collected by the prompts.
type initAnswers struct {
	Transport string
	Endpoint  string // collector base URL or comma-separated brokers
	Driver    string
	DSN       string
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(initOutput); err == nil {
		return fmt.Errorf("%s already exists", initOutput)
	}

	answers, err := promptInit()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			return nil
		}
		return err
	}

	c, err := buildConfig(answers)
	if err != nil {
		return err
	}
	if err := config.Write(initOutput, c); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Wrote %s\n", initOutput)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next:")
	fmt.Fprintf(out, "  abkit serve --config %s\n", initOutput)
	fmt.Fprintf(out, "  abkit assign hero visitor-1 --variants A,B --config %s\n", initOutput)
	return nil
}

func promptInit() (initAnswers, error) {
	var a initAnswers

	transports := []string{
		"HTTP collector (abkit serve or compatible)",
		"Kafka topic",
		"None (write events to the local database)",
	}
	idx, _, err := (&promptui.Select{Label: "Deliver events to", Items: transports, Size: 3}).Run()
	if err != nil {
		return a, err
	}
	a.Transport = []string{config.TransportHTTP, config.TransportKafka, config.TransportNone}[idx]

	switch a.Transport {
	case config.TransportHTTP:
		a.Endpoint, err = (&promptui.Prompt{
			Label:    "Collector URL",
			Default:  "http://localhost:8080",
			Validate: validateURL,
		}).Run()
	case config.TransportKafka:
		a.Endpoint, err = (&promptui.Prompt{
			Label:   "Kafka brokers (comma-separated)",
			Default: "localhost:9092",
		}).Run()
	}
	if err != nil {
		return a, err
	}

	idx, _, err = (&promptui.Select{Label: "Collector database", Items: []string{"SQLite file", "Postgres"}, Size: 2}).Run()
	if err != nil {
		return a, err
	}
	if idx == 0 {
		a.Driver = "sqlite"
		a.DSN, err = (&promptui.Prompt{Label: "Database path", Default: "./abkit.db"}).Run()
	} else {
		a.Driver = "postgres"
		a.DSN, err = (&promptui.Prompt{Label: "Postgres URL", Default: "postgres://localhost:5432/abkit"}).Run()
	}
	return a, err
}

func validateURL(input string) error {
	u, err := url.Parse(input)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("enter an absolute URL like http://localhost:8080")
	}
	return nil
}

// buildConfig turns prompt answers into a validated config.
func buildConfig(a initAnswers) (*config.Config, error) {
	c := config.Default()
	c.Transport.Type = a.Transport
	c.Store.Driver = a.Driver
	c.Store.DSN = a.DSN

	switch a.Transport {
	case config.TransportHTTP:
		base := strings.TrimRight(a.Endpoint, "/")
		c.Transport.BatchURL = base + "/api/metrics"
		c.Transport.EventURL = base + "/api/analytics"
	case config.TransportKafka:
		c.Transport.Brokers = parseList(a.Endpoint)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
