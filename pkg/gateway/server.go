// Package gateway exposes the worker sessions and the playback cursor over
// REST and Server-Sent Events.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/op/go-logging"

	"papergw/pkg/eventlog"
	"papergw/pkg/playback"
	"papergw/pkg/protocol"
	"papergw/pkg/publish"
	"papergw/pkg/session"
)

var log = logging.MustGetLogger("gateway")

// Config tunes the gateway. Zero values take defaults.
type Config struct {
	Addr              string        // listen address (default ":4000")
	APIPrefix         string        // route prefix (default "/api"; set Bare to mount at root)
	Bare              bool          // mount routes without a prefix
	StreamingInterval time.Duration // SSE data push period (default 5s)
	HeartbeatInterval time.Duration // SSE ":ping" period (default 25s)
	ShutdownTimeout   time.Duration // graceful shutdown bound (default 5s)
	Development       bool          // expose panic messages in 500 responses
	CORSOrigins       []string      // allowed origins for REST routes
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":4000"
	}
	if c.APIPrefix == "" && !c.Bare {
		c.APIPrefix = protocol.DefaultAPIPrefix
	}
	if c.Bare {
		c.APIPrefix = ""
	}
	if c.StreamingInterval <= 0 {
		c.StreamingInterval = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// Server owns the worker sessions, the playback cursor and the event log for
// the lifetime of the process.
type Server struct {
	cfg       Config
	kinds     []protocol.Kind
	sessions  map[protocol.Kind]*session.Manager
	cursor    *playback.Cursor
	events    eventlog.Logger
	publisher publish.Publisher

	endpoints []string
	handler   http.Handler

	started       time.Time
	activeStreams atomic.Int64

	// nowFunc returns the current time. Defaults to time.Now; tests override.
	nowFunc func() time.Time
}

// New wires a gateway. events and pub may be nil. pub is called from every
// stream loop and must not block on a broker; see publish.Async.
func New(cfg Config, sessions []*session.Manager, cursor *playback.Cursor, events eventlog.Logger, pub publish.Publisher) *Server {
	if events == nil {
		events = eventlog.Nop{}
	}
	if pub == nil {
		pub = publish.Nop{}
	}
	if cursor == nil {
		cursor = playback.NewCursor(30)
	}
	s := &Server{
		cfg:       cfg.withDefaults(),
		sessions:  make(map[protocol.Kind]*session.Manager, len(sessions)),
		cursor:    cursor,
		events:    events,
		publisher: pub,
		nowFunc:   time.Now,
	}
	for _, m := range sessions {
		s.kinds = append(s.kinds, m.Kind())
		s.sessions[m.Kind()] = m
	}
	s.started = s.nowFunc()
	s.handler = s.withRecover(s.withCORS(s.routes()))
	return s
}

// Handler returns the full middleware-wrapped router.
func (s *Server) Handler() http.Handler { return s.handler }

// Session returns the manager for kind, or nil.
func (s *Server) Session(kind protocol.Kind) *session.Manager { return s.sessions[kind] }

// Cursor returns the playback cursor.
func (s *Server) Cursor() *playback.Cursor { return s.cursor }

// Endpoints lists every registered "METHOD path" in registration order.
func (s *Server) Endpoints() []string {
	out := make([]string, len(s.endpoints))
	copy(out, s.endpoints)
	return out
}

// Boot initialises every worker session. Failures are logged and left for a
// later manual init call. It returns the number of sessions that came up.
func (s *Server) Boot(ctx context.Context) int {
	up := 0
	for _, kind := range s.kinds {
		ok := s.sessions[kind].Initialize(ctx)
		s.logEvent(ctx, protocol.EventSessionInit, protocol.SourceGateway, kind, "", map[string]any{"ok": ok, "boot": true})
		if ok {
			up++
		} else {
			log.Warningf("%s did not initialize at boot; call %s/%s/init to retry", kind, s.cfg.APIPrefix, kind)
		}
	}
	return up
}

// LoadPlayback loads the playback CSV. A failure leaves the playback
// endpoints answering 503 and is not fatal.
func (s *Server) LoadPlayback(ctx context.Context, path string) error {
	err := s.cursor.LoadFile(path)
	if err != nil {
		log.Errorf("failed to load paper data: %v", err)
		s.logEvent(ctx, protocol.EventPlaybackLoad, protocol.SourcePlayback, "", "", map[string]any{"path": path, "error": err.Error()})
		return err
	}
	log.Infof("paper data loaded: %d rows, start index at %d%% -> %d", s.cursor.Len(), s.cursor.StartPercentage(), s.cursor.Index())
	s.logEvent(ctx, protocol.EventPlaybackLoad, protocol.SourcePlayback, "", "", map[string]any{
		"path": path, "rows": s.cursor.Len(), "index": s.cursor.Index(),
	})
	return nil
}

// PlaybackReloaded records a reload performed by a playback.Watcher.
func (s *Server) PlaybackReloaded(rows int, err error) {
	payload := map[string]any{"rows": rows, "index": s.cursor.Index()}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.logEvent(context.Background(), protocol.EventPlaybackReload, protocol.SourcePlayback, "", "", payload)
}

// Start serves until ctx is cancelled, then stops every session and shuts the
// HTTP server down. Open streams end when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	s.logEvent(ctx, protocol.EventGatewayStart, protocol.SourceGateway, "", "", map[string]any{"addr": ln.Addr().String()})
	log.Infof("gateway listening on %s (prefix %q)", ln.Addr(), s.cfg.APIPrefix)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down...")
	for _, kind := range s.kinds {
		s.sessions[kind].Stop()
		s.logEvent(context.Background(), protocol.EventSessionStop, protocol.SourceSession, kind, "", nil)
	}
	// End SSE handlers before waiting for connections to drain.
	cancelBase()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warningf("HTTP server shutdown error: %v", err)
		if err := srv.Close(); err != nil {
			log.Warningf("HTTP server force close error: %v", err)
		}
	}
	s.logEvent(context.Background(), protocol.EventGatewayStop, protocol.SourceGateway, "", "", nil)
	return nil
}

// logEvent appends to the event log. Failures are logged and never surface to
// the caller.
func (s *Server) logEvent(ctx context.Context, typ, source string, kind protocol.Kind, lot string, payload any) {
	err := s.events.Log(context.WithoutCancel(ctx), eventlog.Entry{
		Type: typ, Source: source, Kind: kind, Lot: lot, Payload: payload,
	})
	if err != nil {
		log.Warningf("event log: %v", err)
	}
}

// isoNow formats the current time like JavaScript's Date.toISOString.
func (s *Server) isoNow() string {
	return s.nowFunc().UTC().Format("2006-01-02T15:04:05.000Z")
}
