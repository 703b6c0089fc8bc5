// Command stepflow defines and runs typed step-by-step workflows from the
// command line or serves them to agents over MCP.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the resolved configuration into the subcommands.
type cli struct {
	cfg    Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "stepflow",
		Short:         "Typed step-by-step workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.configure(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.String("db-path", "", "database path (default: ~/.stepflow/stepflow.db)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.Int("concurrency", 0, "background runs executed at once")
	flags.Int("max-step-executions", 0, "step executions allowed per run")

	root.AddCommand(
		newServeCmd(c),
		newRunCmd(c),
		newValidateCmd(c),
		newToolsCmd(c),
		newDiagramCmd(c),
		newVersionCmd(),
	)
	return root
}

// configure loads the layered config and applies the flags set on cmd.
func (c *cli) configure(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("db-path") {
		cfg.DBPath, _ = flags.GetString("db-path")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("concurrency") {
		cfg.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("max-step-executions") {
		cfg.MaxStepExecutions, _ = flags.GetInt("max-step-executions")
	}

	c.cfg = cfg
	// Logs go to stderr; stdout carries command output and the MCP stream.
	c.logger = logging.NewLogger(cfg.LogLevel, cmd.ErrOrStderr())
	slog.SetDefault(c.logger)
	return nil
}
