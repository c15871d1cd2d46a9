package stream //nolint:testpackage // internal test needs access to readEvents and reconnect state

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papergw/pkg/protocol"
)

func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// sseServer answers every request with the given frames. When hold is true
// the response stays open until the client goes away.
type sseServer struct {
	hits     atomic.Int32
	clientID atomic.Value
	status   int
	frames   []string
	hold     bool
}

func (s *sseServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)
	s.clientID.Store(r.Header.Get(ClientIDHeader))
	if s.status != 0 && s.status != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(s.status)
		_, _ = fmt.Fprint(w, `data: {"error":"Worker1 not initialized"}`+"\n\n")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	for _, f := range s.frames {
		_, _ = fmt.Fprint(w, f)
		flusher.Flush()
	}
	if s.hold {
		<-r.Context().Done()
	}
}

func startClient[T any](t *testing.T, srv *sseServer, cfg Config, transform Transform[T]) *Client[T] {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	cfg.URL = ts.URL
	cfg.HTTPClient = ts.Client()
	c := NewClient(cfg, transform)
	t.Cleanup(c.Stop)
	return c
}

func TestBackoff(t *testing.T) {
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		got := Backoff(i+1, time.Second, 30*time.Second)
		assert.Equal(t, w*time.Second, got, "attempt %d", i+1)
	}
	assert.Equal(t, 30*time.Second, Backoff(100, time.Second, 30*time.Second))
	assert.Equal(t, time.Second, Backoff(0, time.Second, 30*time.Second))
}

func TestReadEvents(t *testing.T) {
	body := ":ping\n\n" +
		"data: {\"a\":1}\n\n" +
		"event: message\nid: 7\ndata: {\"b\":\ndata: 2}\n\n" +
		"data:{\"c\":3}\n\n" +
		"retry: 1000\n\n"

	var got []string
	err := readEvents(strings.NewReader(body), func(data string) { got = append(got, data) })
	require.NoError(t, err)
	assert.Equal(t, []string{`{"a":1}`, "{\"b\":\n2}", `{"c":3}`}, got)
}

func TestClient_DeliversFrames(t *testing.T) {
	srv := &sseServer{
		frames: []string{
			":ping\n\n",
			`data: {"importance_data":[1,2],"current_minute":3,"timestamp":"t1"}` + "\n\n",
			`data: {"importance_data":[3],"current_minute":4,"timestamp":"t2"}` + "\n\n",
		},
		hold: true,
	}
	c := startClient(t, srv, Config{Name: "worker5"}, Worker5Transform)

	var mu sync.Mutex
	var frames []Worker5Frame
	c.Subscribe(func(f Worker5Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	})

	c.Start(context.Background())
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 2
	}, 2*time.Second)

	assert.Equal(t, StateStreaming, c.State())
	assert.NotEmpty(t, c.ID())
	assert.Equal(t, c.ID(), srv.clientID.Load())
	mu.Lock()
	assert.Equal(t, 3, frames[0].CurrentMinute)
	assert.Equal(t, "t2", frames[1].Timestamp)
	assert.JSONEq(t, `[3]`, string(frames[1].ImportanceData))
	mu.Unlock()

	// Start while streaming must not open a second connection.
	c.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestClient_Unsubscribe(t *testing.T) {
	srv := &sseServer{frames: []string{`data: {"lot":"A"}` + "\n\n"}, hold: true}
	c := startClient(t, srv, Config{}, PaperTransform)

	var n atomic.Int32
	unsubscribe := c.Subscribe(func(PaperFrame) { n.Add(1) })
	unsubscribe()
	unsubscribe()

	var seen atomic.Int32
	c.Subscribe(func(PaperFrame) { seen.Add(1) })
	c.Start(context.Background())
	waitFor(t, func() bool { return seen.Load() == 1 }, 2*time.Second)
	assert.Equal(t, int32(0), n.Load())
}

func TestClient_SubscriberPanicIsolated(t *testing.T) {
	srv := &sseServer{frames: []string{`data: {"lot":"A"}` + "\n\n"}, hold: true}
	c := startClient(t, srv, Config{}, PaperTransform)

	var got atomic.Value
	c.Subscribe(func(PaperFrame) { panic("boom") })
	c.Subscribe(func(f PaperFrame) { got.Store(f.Lot) })
	c.Start(context.Background())

	waitFor(t, func() bool { return got.Load() == "A" }, 2*time.Second)
	assert.Equal(t, StateStreaming, c.State())
}

func TestClient_ErrorFrameGoesToHandler(t *testing.T) {
	srv := &sseServer{
		frames: []string{`data: {"error":"stream error","message":"upstream down"}` + "\n\n"},
		hold:   true,
	}
	var errs []string
	var mu sync.Mutex
	c := startClient(t, srv, Config{OnError: func(msg string) {
		mu.Lock()
		errs = append(errs, msg)
		mu.Unlock()
	}}, Passthrough)

	var frames atomic.Int32
	c.Subscribe(func(protocol.Payload) { frames.Add(1) })
	c.Start(context.Background())

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) == 1
	}, 2*time.Second)
	mu.Lock()
	assert.Equal(t, "stream error: upstream down", errs[0])
	mu.Unlock()
	assert.Equal(t, int32(0), frames.Load())
	assert.Equal(t, StateStreaming, c.State())
}

func TestClient_DuplicateConnectionStops(t *testing.T) {
	for _, msg := range []string{"이미 활성 연결이 있습니다", "already active connection for worker1"} {
		t.Run(msg, func(t *testing.T) {
			srv := &sseServer{frames: []string{`data: {"error":"` + msg + `"}` + "\n\n"}, hold: true}
			c := startClient(t, srv, Config{ReconnectBase: time.Millisecond}, Passthrough)
			c.Start(context.Background())

			waitFor(t, func() bool { return c.State() == StateIdle }, 2*time.Second)
			time.Sleep(30 * time.Millisecond)
			assert.Equal(t, int32(1), srv.hits.Load())
			assert.Equal(t, StateIdle, c.State())
		})
	}
}

func TestClient_ReconnectsAfterEOF(t *testing.T) {
	srv := &sseServer{frames: []string{`data: {"lot":"A"}` + "\n\n"}}
	c := startClient(t, srv, Config{ReconnectBase: time.Millisecond, ReconnectMax: 2 * time.Millisecond}, PaperTransform)

	var frames atomic.Int32
	c.Subscribe(func(PaperFrame) { frames.Add(1) })
	c.Start(context.Background())

	// Every open resets the attempt counter, so a stream that keeps
	// opening and closing never exhausts its attempts.
	waitFor(t, func() bool { return srv.hits.Load() >= 10 }, 5*time.Second)
	assert.GreaterOrEqual(t, frames.Load(), int32(9))
	assert.LessOrEqual(t, c.Attempts(), 1)
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	srv := &sseServer{status: http.StatusServiceUnavailable}
	c := startClient(t, srv, Config{
		ReconnectBase: time.Millisecond,
		ReconnectMax:  2 * time.Millisecond,
		MaxAttempts:   3,
	}, Passthrough)
	c.Start(context.Background())

	waitFor(t, func() bool { return srv.hits.Load() == 4 && c.State() == StateIdle }, 2*time.Second)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(4), srv.hits.Load())
	assert.Equal(t, 3, c.Attempts())

	// A fresh Start gets a fresh budget.
	c.Start(context.Background())
	waitFor(t, func() bool { return srv.hits.Load() == 8 && c.State() == StateIdle }, 2*time.Second)
}

func TestClient_StopCancelsPendingReconnect(t *testing.T) {
	srv := &sseServer{status: http.StatusServiceUnavailable}
	c := startClient(t, srv, Config{ReconnectBase: 50 * time.Millisecond}, Passthrough)
	c.Start(context.Background())

	waitFor(t, func() bool { return c.State() == StateReconnecting }, 2*time.Second)
	c.Stop()
	c.Stop()
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, 0, c.Attempts())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestClient_StartWhileReconnectingKeepsBackoff(t *testing.T) {
	srv := &sseServer{status: http.StatusServiceUnavailable}
	c := startClient(t, srv, Config{ReconnectBase: 200 * time.Millisecond}, Passthrough)
	c.Start(context.Background())

	waitFor(t, func() bool { return c.State() == StateReconnecting }, 2*time.Second)
	require.Equal(t, 1, c.Attempts())

	c.Start(context.Background())
	assert.Equal(t, StateReconnecting, c.State())
	assert.Equal(t, 1, c.Attempts())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestClient_ContextEndsClient(t *testing.T) {
	srv := &sseServer{hold: true}
	c := startClient(t, srv, Config{ReconnectBase: time.Millisecond}, Passthrough)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	waitFor(t, func() bool { return c.State() == StateStreaming }, 2*time.Second)

	cancel()
	waitFor(t, func() bool { return c.State() == StateIdle }, 2*time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "State(9)", State(9).String())
}
