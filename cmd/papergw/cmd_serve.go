package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/op/go-logging"
	"github.com/spf13/cobra"

	"papergw/pkg/config"
	"papergw/pkg/eventlog"
	"papergw/pkg/gateway"
	"papergw/pkg/playback"
	"papergw/pkg/protocol"
	"papergw/pkg/publish"
	"papergw/pkg/session"
	"papergw/pkg/upstream"
)

var log = logging.MustGetLogger("papergw")

// newServeCmd creates the "papergw serve" subcommand.
func newServeCmd(flags *rootFlags) *cobra.Command {
	var noBoot bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the streaming gateway",
		Long:  "Starts the REST and SSE gateway in the foreground.\nSIGINT or SIGTERM stops every worker session and shuts the server down.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			ctx, cleanup := setupSignalHandler(cmd.Context())
			defer cleanup()
			return runServe(ctx, cfg, !noBoot)
		},
	}

	cmd.Flags().BoolVar(&noBoot, "no-boot", false, "skip initialising worker sessions at startup")
	return cmd
}

// runServe builds the gateway and blocks until ctx is cancelled.
func runServe(ctx context.Context, cfg *config.Config, boot bool) error {
	log.Infof("starting gateway: %s", describe(cfg))
	g := buildGateway(ctx, cfg)
	defer g.close()

	if cfg.Playback.Watch {
		w := playback.NewWatcher(cfg.Playback.Path, g.server.Cursor(), playback.WatcherConfig{
			PollInterval: cfg.Playback.PollInterval,
			OnReload:     g.server.PlaybackReloaded,
		})
		go w.Run(ctx)
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr(), err)
	}
	return serve(ctx, g.server, ln, boot)
}

// serve runs the gateway on ln. Worker sessions are booted in the background
// once the listener is bound, so health answers while slow upstreams init.
// It returns after both the server and the boot have finished.
func serve(ctx context.Context, srv *gateway.Server, ln net.Listener, boot bool) error {
	for _, ep := range srv.Endpoints() {
		log.Debugf("route %s", ep)
	}

	var wg sync.WaitGroup
	if boot {
		wg.Add(1)
		go func() {
			defer wg.Done()
			up := srv.Boot(ctx)
			log.Infof("%d/%d worker sessions initialized", up, len(protocol.AllKinds))
		}()
	}

	err := srv.Serve(ctx, ln)
	wg.Wait()
	return err
}

// gatewayDeps is a wired gateway plus the resources it holds open.
type gatewayDeps struct {
	server    *gateway.Server
	events    *eventlog.Writer
	publisher publish.Publisher
}

func (g *gatewayDeps) close() {
	if err := g.publisher.Close(); err != nil {
		log.Warningf("close publisher: %v", err)
	}
	if g.events != nil {
		if err := g.events.Close(); err != nil {
			log.Warningf("close event log: %v", err)
		}
	}
}

// buildGateway constructs sessions, cursor, event log and publisher in
// order. The event log and the AMQP publisher are optional: when they cannot
// be opened the gateway runs without them.
func buildGateway(ctx context.Context, cfg *config.Config) *gatewayDeps {
	g := &gatewayDeps{publisher: publish.Nop{}}

	var events eventlog.Logger = eventlog.Nop{}
	if cfg.EventDB != "" {
		w, err := eventlog.Open(ctx, cfg.EventDB)
		if err != nil {
			log.Warningf("event log disabled: %v", err)
		} else {
			g.events = w
			events = w
		}
	}

	if cfg.AMQP.URL != "" {
		p, err := publish.Dial(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			log.Warningf("frame republishing disabled: %v", err)
		} else {
			g.publisher = publish.NewAsync(p, publish.DefaultQueueSize)
			log.Infof("republishing frames to exchange %s", cfg.AMQP.Exchange)
		}
	}

	hc := &http.Client{Timeout: cfg.Upstream.Timeout}
	sessions := make([]*session.Manager, 0, len(protocol.AllKinds))
	for _, kind := range protocol.AllKinds {
		sessions = append(sessions, session.NewManager(session.DefaultQuirks(kind), upstream.New(cfg.Upstream.BaseURL, kind, hc)))
	}

	cursor := playback.NewCursor(cfg.Playback.StartPercentage)
	g.server = gateway.New(gateway.Config{
		Addr:              cfg.Addr(),
		APIPrefix:         cfg.APIPrefix,
		Bare:              cfg.APIPrefix == "",
		StreamingInterval: cfg.StreamingInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Development:       cfg.Development(),
		CORSOrigins:       cfg.CORS.Origins,
	}, sessions, cursor, events, g.publisher)

	if err := g.server.LoadPlayback(ctx, cfg.Playback.Path); err != nil {
		log.Warningf("playback unavailable until %s is readable", cfg.Playback.Path)
	}
	return g
}

// describe is the one-line summary logged at startup.
func describe(cfg *config.Config) string {
	return fmt.Sprintf("port=%d prefix=%q upstream=%s playback=%s", cfg.Port, cfg.APIPrefix, cfg.Upstream.BaseURL, cfg.Playback.Path)
}
