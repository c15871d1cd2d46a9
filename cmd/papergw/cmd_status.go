package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"papergw/pkg/gwclient"
	"papergw/pkg/protocol"
)

// newStatusCmd creates the "papergw status" subcommand.
func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway health",
		Long:  "Queries the gateway health route and prints playback and per-worker session state.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			client := gwclient.New(cfg.Client.ServerURL, cfg.APIPrefix, nil)
			return printStatus(cmd.Context(), client, cmd.OutOrStdout())
		},
	}
}

// health is the subset of the health body the status command prints.
type health struct {
	Status        string                  `json:"status"`
	DataLoaded    bool                    `json:"dataLoaded"`
	DataCount     int                     `json:"dataCount"`
	CurrentIndex  int                     `json:"currentIndex"`
	Uptime        float64                 `json:"uptime"`
	ActiveStreams int                     `json:"activeStreams"`
	Workers       map[string]workerHealth `json:"workers"`
}

type workerHealth struct {
	Initialized   bool    `json:"initialized"`
	CurrentLot    *string `json:"currentLot"`
	CurrentMinute int     `json:"currentMinute"`
}

func printStatus(ctx context.Context, client *gwclient.Client, w io.Writer) error {
	body, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	var h health
	if err := remarshal(body, &h); err != nil {
		return fmt.Errorf("decode health: %w", err)
	}

	uptime := time.Duration(h.Uptime * float64(time.Second)).Round(time.Second)
	fmt.Fprintf(w, "gateway   %s (up %s, %d streams)\n", h.Status, uptime, h.ActiveStreams)
	if h.DataLoaded {
		fmt.Fprintf(w, "playback  %d rows, index %d\n", h.DataCount, h.CurrentIndex)
	} else {
		fmt.Fprintln(w, "playback  not loaded")
	}

	kinds := make([]string, 0, len(h.Workers))
	for k := range h.Workers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		wh := h.Workers[k]
		if !wh.Initialized {
			fmt.Fprintf(w, "%-9s not initialized\n", k)
			continue
		}
		lot := "-"
		if wh.CurrentLot != nil {
			lot = *wh.CurrentLot
		}
		fmt.Fprintf(w, "%-9s ready  lot=%s minute=%d\n", k, lot, wh.CurrentMinute)
	}
	return nil
}

// remarshal decodes an opaque payload into a typed view.
func remarshal(p protocol.Payload, dst any) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
