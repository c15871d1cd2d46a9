// Package stream consumes gateway SSE endpoints. A Client keeps one
// connection per endpoint, reconnects with capped exponential backoff, and
// fans decoded frames out to subscribers.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/op/go-logging"

	"papergw/pkg/protocol"
)

var log = logging.MustGetLogger("stream")

// Default reconnect policy.
const (
	DefaultReconnectBase = time.Second
	DefaultReconnectMax  = 30 * time.Second
	DefaultMaxAttempts   = 7
)

// ClientIDHeader carries a Client's instance id so the gateway can correlate
// reconnects of the same consumer.
const ClientIDHeader = "X-Papergw-Client"

// duplicateSignatures mark an error frame sent because this client already
// holds a connection on the server side.
var duplicateSignatures = []string{"이미 활성 연결", "already active connection"}

// State is the connection state of a Client.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config configures a Client. Zero durations and attempts take the defaults.
type Config struct {
	Name          string
	URL           string
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxAttempts   int
	// HTTPClient must not carry a timeout; streams are long-lived.
	HTTPClient *http.Client
	// OnError receives application error frames.
	OnError func(msg string)
}

func (c Config) withDefaults() Config {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Name == "" {
		c.Name = c.URL
	}
	return c
}

// Backoff returns the delay before reconnect attempt n (1-based):
// min(ceiling, base * 2^(n-1)).
func Backoff(n int, base, ceiling time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := base
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= ceiling || delay <= 0 {
			return ceiling
		}
	}
	return min(delay, ceiling)
}

// Client is a reconnecting SSE consumer. T is the frame type produced by the
// transform.
type Client[T any] struct {
	id        string
	cfg       Config
	transform Transform[T]

	mu       sync.Mutex
	state    State
	parent   context.Context
	cancel   context.CancelFunc
	timer    *time.Timer
	gen      uint64
	attempts int
	subs     map[int]func(T)
	nextSub  int
}

// NewClient returns an idle client.
func NewClient[T any](cfg Config, transform Transform[T]) *Client[T] {
	return &Client[T]{
		id:        uuid.NewString(),
		cfg:       cfg.withDefaults(),
		transform: transform,
		subs:      make(map[int]func(T)),
	}
}

// ID returns the instance id sent with every connection.
func (c *Client[T]) ID() string { return c.id }

// Name returns the configured endpoint name.
func (c *Client[T]) Name() string { return c.cfg.Name }

// State returns the current connection state.
func (c *Client[T]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of reconnect attempts since the last open.
func (c *Client[T]) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Start opens the stream from idle with a fresh attempt budget. It is a no-op
// in any other state, including while a reconnect is pending. ctx bounds the
// client's whole lifetime, reconnects included.
func (c *Client[T]) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return
	}
	c.teardownLocked()
	c.parent = ctx
	c.attempts = 0
	c.connectLocked()
}

// Stop closes the connection and cancels any pending reconnect. Safe to call
// repeatedly.
func (c *Client[T]) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle && c.cancel == nil && c.timer == nil {
		return
	}
	c.teardownLocked()
	c.state = StateIdle
	c.attempts = 0
	log.Infof("%s: stopped", c.cfg.Name)
}

// Subscribe registers fn for every transformed frame and returns its
// unsubscribe function.
func (c *Client[T]) Subscribe(fn func(T)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// teardownLocked invalidates the running connection and timer. Bumping gen
// makes any goroutine still holding the old generation exit quietly.
func (c *Client[T]) teardownLocked() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client[T]) connectLocked() {
	c.gen++
	gen := c.gen
	parent := c.parent
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	c.state = StateConnecting
	go c.run(ctx, gen)
}

func (c *Client[T]) run(ctx context.Context, gen uint64) {
	err := c.consume(ctx, gen)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.parent != nil && c.parent.Err() != nil {
		c.state = StateIdle
		return
	}
	log.Warningf("%s: stream error: %v", c.cfg.Name, err)
	c.scheduleReconnectLocked()
}

func (c *Client[T]) scheduleReconnectLocked() {
	if c.attempts >= c.cfg.MaxAttempts {
		log.Errorf("%s: giving up after %d reconnect attempts", c.cfg.Name, c.attempts)
		c.state = StateIdle
		return
	}
	c.attempts++
	delay := Backoff(c.attempts, c.cfg.ReconnectBase, c.cfg.ReconnectMax)
	c.state = StateReconnecting
	gen := c.gen
	log.Infof("%s: reconnecting in %s (attempt %d/%d)", c.cfg.Name, delay, c.attempts, c.cfg.MaxAttempts)
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.gen || c.state != StateReconnecting {
			return
		}
		c.timer = nil
		c.connectLocked()
	})
}

// opened moves a connecting client to streaming and clears the attempt
// counter.
func (c *Client[T]) opened(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.state = StateStreaming
	c.attempts = 0
	return true
}

// consume runs one connection until it ends. It always returns a non-nil
// error describing why.
func (c *Client[T]) consume(ctx context.Context, gen uint64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set(ClientIDHeader, c.id)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		return fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	if !c.opened(gen) {
		return errors.New("superseded")
	}
	log.Infof("%s: stream open", c.cfg.Name)

	err = readEvents(resp.Body, func(data string) {
		c.dispatch(data)
	})
	if err == nil {
		err = io.EOF
	}
	return fmt.Errorf("read stream: %w", err)
}

// readEvents parses an SSE body and calls emit with the joined data lines of
// each event. Comment lines and other fields are ignored.
func readEvents(r io.Reader, emit func(data string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var data []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if len(data) > 0 {
				emit(strings.Join(data, "\n"))
				data = data[:0]
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		if field == "data" {
			data = append(data, value)
		}
	}
	return sc.Err()
}

func (c *Client[T]) dispatch(data string) {
	p, err := protocol.DecodePayload([]byte(data))
	if err != nil {
		log.Warningf("%s: discard undecodable frame: %v", c.cfg.Name, err)
		return
	}
	if p.Truthy("error") {
		c.handleError(p)
		return
	}

	frame, err := c.transform(p)
	if err != nil {
		log.Warningf("%s: transform frame: %v", c.cfg.Name, err)
		return
	}

	c.mu.Lock()
	subs := make([]func(T), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		c.notify(fn, frame)
	}
}

func (c *Client[T]) notify(fn func(T), frame T) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("%s: subscriber panic: %v", c.cfg.Name, r)
		}
	}()
	fn(frame)
}

func (c *Client[T]) handleError(p protocol.Payload) {
	msg, ok := p.String("error")
	if !ok {
		msg = string(p["error"])
	}
	if detail, ok := p.String("message"); ok && detail != "" {
		msg += ": " + detail
	}
	log.Warningf("%s: error frame: %s", c.cfg.Name, msg)

	if c.cfg.OnError != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("%s: error handler panic: %v", c.cfg.Name, r)
				}
			}()
			c.cfg.OnError(msg)
		}()
	}

	if isDuplicate(msg) {
		log.Warningf("%s: duplicate connection reported, stopping", c.cfg.Name)
		c.Stop()
	}
}

func isDuplicate(msg string) bool {
	for _, sig := range duplicateSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
