package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"papergw/pkg/gwclient"
	"papergw/pkg/protocol"
)

// newInitCmd creates the "papergw init" subcommand.
func newInitCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init [worker...]",
		Short: "Initialise worker sessions through the gateway",
		Long:  "Calls the init route for the named workers (1, worker1, ...), or for all of them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := parseKinds(args)
			if err != nil {
				return err
			}
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			client := gwclient.New(cfg.Client.ServerURL, cfg.APIPrefix, nil)
			return initWorkers(cmd.Context(), client, kinds, cmd.OutOrStdout())
		},
	}
}

func initWorkers(ctx context.Context, client *gwclient.Client, kinds []protocol.Kind, w io.Writer) error {
	failed := 0
	for _, kind := range kinds {
		if client.Worker(kind).Initialize(ctx) {
			fmt.Fprintf(w, "%-9s initialized\n", kind)
			continue
		}
		failed++
		fmt.Fprintf(w, "%-9s failed\n", kind)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d workers failed to initialize", failed, len(kinds))
	}
	return nil
}

// parseKinds resolves worker arguments; none means every kind.
func parseKinds(args []string) ([]protocol.Kind, error) {
	if len(args) == 0 {
		return protocol.AllKinds, nil
	}
	kinds := make([]protocol.Kind, 0, len(args))
	for _, a := range args {
		k, err := protocol.ParseKind(a)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}
