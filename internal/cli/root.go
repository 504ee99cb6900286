// Package cli implements the etl command tree.
package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

// ErrRunFailed is returned when at least one pipeline ended FAILED. The
// results have already been printed; callers only need the exit code.
var ErrRunFailed = errors.New("pipeline run failed")

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCommand builds the etl command with every subcommand attached.
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "etl",
		Short:         "Run declarative extract, clean, model and load pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to a YAML config file (default $ETL_CONFIG)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "text or json")

	registerCommands(root, flags)
	return root
}

// registerCommands adds all available commands to the root command.
func registerCommands(root *cobra.Command, flags *globalFlags) {
	root.AddCommand(NewListCommand(flags))
	root.AddCommand(NewRunCommand(flags))
	root.AddCommand(NewRunAllCommand(flags))
}
