package main

import (
	"github.com/spf13/cobra"
)

// globalOptions are shared by every subcommand.
type globalOptions struct {
	configFile string
	envFile    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "scm-importer",
		Short: "scm-importer imports source-control targets into the project-management service.",
		Long: `Submits import jobs for a list of repositories, polls them until they finish
and journals every imported target so that interrupted runs can be resumed.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "TOML config file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading IMPORTER_* variables")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newImportCmd(opts))
	cmd.AddCommand(newManifestsCmd())

	return cmd
}
