package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"papergw/internal/appversion"
	"papergw/internal/logx"
	"papergw/pkg/config"
)

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	logLevel   string
}

// newRootCmd creates the root papergw command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:           "papergw",
		Short:         "Paper mill dashboard streaming gateway",
		Long:          "papergw relays the analytics workers to dashboards over REST and SSE,\nreplays recorded paper-machine data, and keeps every worker on the same lot.",
		Version:       fmt.Sprintf("papergw %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (yaml, toml or json)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log_level (DEBUG, INFO, WARNING, ERROR)")

	cmd.AddCommand(
		newServeCmd(&flags),
		newStatusCmd(&flags),
		newInitCmd(&flags),
		newWatchCmd(&flags),
		newLogsCmd(&flags),
		newConfigCmd(&flags),
		newVersionCmd(),
	)

	return cmd
}

// newVersionCmd creates the "papergw version" subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the papergw version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "papergw %s\n", appversion.String())
		},
	}
}

// load reads the configuration and installs the log backend.
func (f *rootFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if err := logx.Init(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	return cfg, nil
}
