// Package commands holds the counselbot command line.
package commands

import (
	"os"

	"github.com/spf13/cobra"
)

// RootOptions are the flags shared by every subcommand.
type RootOptions struct {
	ConfigPath string
	DBType     string
}

func addRootArgs(cmd *cobra.Command, o *RootOptions) {
	cmd.PersistentFlags().StringVarP(&o.ConfigPath, "config", "c", envOr("COUNSELBOT_CONFIG", "config.json"),
		"Path to the JSON config file.")
	cmd.PersistentFlags().StringVar(&o.DBType, "db", envOr("COUNSELBOT_DB", "sqlite3"),
		"Database to use: a key of the databases config section (sqlite3, mysql, postgres).")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func New() *cobra.Command {
	ro := &RootOptions{}
	cmd := &cobra.Command{
		Use:          "counselbot",
		Short:        "Anonymous counseling chat bot.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	addRootArgs(cmd, ro)
	AddCommands(cmd, ro)
	return cmd
}

func AddCommands(topLevel *cobra.Command, ro *RootOptions) {
	addServe(topLevel, ro)
	addMigrate(topLevel, ro)
	addPromote(topLevel, ro)
}
