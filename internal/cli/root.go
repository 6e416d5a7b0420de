// Package cli implements the remote-tasks command tree.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/omasakun/remote-tasks/internal/client"
	"github.com/omasakun/remote-tasks/internal/config"
)

const Version = "0.1.0"

var (
	cfgFile   string
	serverURL string
	debug     bool

	// cfg is loaded in the root PersistentPreRunE and read by every command.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "remote-tasks",
	Short: "Tagged task queue for remote shell execution",
	Long: `remote-tasks queues shell commands under tags and hands each one to
exactly one agent. Agents stream captured output and heartbeats back to the
server, so any finished or running task can be inspected and replayed later.`,
	Version:           Version,
	PersistentPreRunE: setup,
	SilenceUsage:      true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// setup loads the config and wires the global logger. Logs go to stderr so
// stdout stays clean for replayed task output.
func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if serverURL != "" {
		c.Agent.ServerURL = serverURL
	}
	if debug {
		c.Logging.Level = "debug"
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, err := zerolog.ParseLevel(c.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Logging.Level, err)
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if c.Logging.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg = c
	return nil
}

func newClient() *client.Client {
	return client.New(client.Config{BaseURL: cfg.Agent.ServerURL})
}
