package main

import (
	"github.com/spf13/cobra"
)

// newConfigCmd creates the "papergw config" command group.
func newConfigCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	var format string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long:  "Prints the configuration after defaults, config file, .env and environment are applied.\nThe output can be used as a config file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			out, err := cfg.Render(format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	show.Flags().StringVarP(&format, "format", "f", "yaml", "output format: yaml or toml")

	cmd.AddCommand(show)
	return cmd
}
