package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"papergw/pkg/config"
	"papergw/pkg/gwclient"
	"papergw/pkg/lotsync"
	"papergw/pkg/protocol"
	"papergw/pkg/stream"
)

// watchConfig holds configuration for the watch command.
type watchConfig struct {
	format     string
	noPlayback bool
	noSync     bool
	initFirst  bool
}

// newWatchCmd creates the "papergw watch" subcommand.
func newWatchCmd(flags *rootFlags) *cobra.Command {
	var wc watchConfig

	cmd := &cobra.Command{
		Use:   "watch [worker...]",
		Short: "Stream worker and playback frames from a gateway",
		Long: "Subscribes to the worker streams (all of them by default) and the playback stream,\n" +
			"prints every frame, and keeps the workers on the lot the playback stream reports.",
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := parseKinds(args)
			if err != nil {
				return err
			}
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			pretty, err := resolvePretty(wc.format, os.Stdout)
			if err != nil {
				return err
			}

			ctx, cleanup := setupSignalHandler(cmd.Context())
			defer cleanup()
			return runWatch(ctx, cfg, kinds, wc, newFramePrinter(cmd.OutOrStdout(), pretty))
		},
	}

	cmd.Flags().StringVar(&wc.format, "format", "auto", "frame output: auto, pretty or json")
	cmd.Flags().BoolVar(&wc.noPlayback, "no-playback", false, "do not follow the playback stream")
	cmd.Flags().BoolVar(&wc.noSync, "no-sync", false, "do not push playback lots to the workers")
	cmd.Flags().BoolVar(&wc.initFirst, "init", false, "initialise the workers before streaming")

	return cmd
}

// resolvePretty picks indented output for terminals and JSON lines otherwise.
func resolvePretty(format string, f *os.File) (bool, error) {
	switch format {
	case "pretty":
		return true, nil
	case "json":
		return false, nil
	case "auto", "":
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()), nil
	}
	return false, fmt.Errorf("unknown format %q (want auto, pretty or json)", format)
}

// runWatch runs the stream clients and the lot coordinator until ctx ends.
func runWatch(ctx context.Context, cfg *config.Config, kinds []protocol.Kind, wc watchConfig, p *framePrinter) error {
	client := gwclient.New(cfg.Client.ServerURL, cfg.APIPrefix, nil)
	streamHC := &http.Client{}

	base := stream.Config{
		ReconnectBase: cfg.Client.ReconnectBase,
		ReconnectMax:  cfg.Client.ReconnectMax,
		MaxAttempts:   cfg.Client.MaxAttempts,
		HTTPClient:    streamHC,
	}

	workers := make([]*gwclient.WorkerClient, 0, len(kinds))
	for _, kind := range kinds {
		wk := client.Worker(kind)
		workers = append(workers, wk)
		if wc.initFirst && !wk.Initialize(ctx) {
			log.Warningf("%s did not initialize", kind)
		}
	}

	bus := lotsync.NewBus()
	coord := lotsync.NewCoordinator(bus, workers...)
	if !wc.noSync {
		coord.Start(ctx)
		defer coord.Stop()
		if err := coord.SyncCurrent(ctx); err != nil {
			log.Warningf("initial lot sync: %v", err)
		}
	}

	var stops []func()
	defer func() {
		for _, stop := range stops {
			stop()
		}
	}()

	for _, kind := range kinds {
		sc := base
		sc.Name = string(kind)
		sc.URL = client.StreamURL(kind)
		sc.OnError = func(msg string) { p.errorf(string(kind), msg) }
		c := stream.NewClient(sc, stream.TransformFor(kind))
		c.Subscribe(func(f any) { p.frame(string(kind), f) })
		c.Start(ctx)
		stops = append(stops, c.Stop)
	}

	if !wc.noPlayback {
		sc := base
		sc.Name = protocol.PlaybackStream
		sc.URL = client.StreamURL("")
		sc.OnError = func(msg string) { p.errorf(protocol.PlaybackStream, msg) }
		c := stream.NewClient(sc, stream.PaperTransform)
		c.Subscribe(func(f stream.PaperFrame) { p.frame(protocol.PlaybackStream, f) })
		if !wc.noSync {
			c.Subscribe(coord.ObservePlayback)
		}
		c.Start(ctx)
		stops = append(stops, c.Stop)
	}

	<-ctx.Done()
	return nil
}

// framePrinter serialises frame output from the stream goroutines.
type framePrinter struct {
	mu     sync.Mutex
	w      io.Writer
	pretty bool
	now    func() time.Time
}

func newFramePrinter(w io.Writer, pretty bool) *framePrinter {
	return &framePrinter{w: w, pretty: pretty, now: time.Now}
}

func (p *framePrinter) frame(name string, f any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pretty {
		b, err := json.MarshalIndent(f, "  ", "  ")
		if err != nil {
			fmt.Fprintf(p.w, "%s %-10s <unprintable frame: %v>\n", p.stamp(), name, err)
			return
		}
		fmt.Fprintf(p.w, "%s %-10s\n  %s\n", p.stamp(), name, b)
		return
	}

	b, err := json.Marshal(map[string]any{"stream": name, "frame": f})
	if err != nil {
		return
	}
	fmt.Fprintf(p.w, "%s\n", b)
}

func (p *framePrinter) errorf(name, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pretty {
		fmt.Fprintf(p.w, "%s %-10s ERROR %s\n", p.stamp(), name, msg)
		return
	}
	b, err := json.Marshal(map[string]string{"stream": name, "error": msg})
	if err != nil {
		return
	}
	fmt.Fprintf(p.w, "%s\n", b)
}

func (p *framePrinter) stamp() string {
	return p.now().Format(time.TimeOnly)
}
