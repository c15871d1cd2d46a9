package gwclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papergw/pkg/gwclient"
	"papergw/pkg/protocol"
)

type fakeGateway struct {
	setLots    atomic.Int32
	timestamps []string
	mu         sync.Mutex
	release    chan struct{}
}

func (g *fakeGateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","dataCount":3}`))
	})
	mux.HandleFunc("GET /api/worker1/init", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","message":"Worker1 initialized"}`))
	})
	mux.HandleFunc("GET /api/worker2/init", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"error","message":"Worker2 initialization failed"}`))
	})
	mux.HandleFunc("POST /api/{kind}/set-lot", func(w http.ResponseWriter, r *http.Request) {
		g.setLots.Add(1)
		if g.release != nil {
			<-g.release
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["lot"] == "BAD" {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"status":"error","message":"Unknown lot BAD"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok","lot":"` + body["lot"] + `","similar_lots":["S1"]}`))
	})
	mux.HandleFunc("POST /api/{kind}/set-timestamp", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		g.mu.Lock()
		g.timestamps = append(g.timestamps, r.PathValue("kind")+"="+body["timestamp"])
		g.mu.Unlock()
		_, _ = w.Write([]byte(`{"status":"ok","message":"InfoBox timestamp set"}`))
	})
	mux.HandleFunc("GET /api/{kind}/data", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","data":{"current_minute":` + r.URL.Query().Get("minute") + `}}`))
	})
	mux.HandleFunc("GET /api/paper-data", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"lot":"A"}],"total":3,"currentPage":` + r.URL.Query().Get("page") + `,"hasNext":true,"success":true}`))
	})
	mux.HandleFunc("GET /api/paper-data/current", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"Data not loaded yet.","message":"Try again later."}`))
	})
	return mux
}

func newClient(t *testing.T, g *fakeGateway) *gwclient.Client {
	t.Helper()
	srv := httptest.NewServer(g.handler())
	t.Cleanup(srv.Close)
	return gwclient.New(srv.URL+"/", "/api", srv.Client())
}

func TestInitialize(t *testing.T) {
	c := newClient(t, &fakeGateway{})
	assert.True(t, c.Worker(protocol.Worker1).Initialize(context.Background()))
	assert.False(t, c.Worker(protocol.Worker2).Initialize(context.Background()))
}

func TestSetLot_SkipsSameLot(t *testing.T) {
	g := &fakeGateway{}
	c := newClient(t, g)
	w := c.Worker(protocol.Worker1)

	res, err := w.SetLot(context.Background(), "LOT-A")
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.True(t, res.Body.Has("similar_lots"))
	assert.Equal(t, "LOT-A", w.CurrentLot())

	res, err = w.SetLot(context.Background(), "LOT-A")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, int32(1), g.setLots.Load())
	assert.Same(t, w, c.Worker(protocol.Worker1))
}

func TestSetLot_SkipsWhileInFlight(t *testing.T) {
	g := &fakeGateway{release: make(chan struct{})}
	c := newClient(t, g)
	w := c.Worker(protocol.Worker5)

	done := make(chan error, 1)
	go func() {
		_, err := w.SetLot(context.Background(), "LOT-A")
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for g.setLots.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	res, err := w.SetLot(context.Background(), "LOT-B")
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(g.release)
	require.NoError(t, <-done)
	assert.Equal(t, "LOT-A", w.CurrentLot())
	assert.Equal(t, int32(1), g.setLots.Load())
}

func TestSetLot_FailureKeepsPreviousLot(t *testing.T) {
	c := newClient(t, &fakeGateway{})
	w := c.Worker(protocol.Worker2)

	_, err := w.SetLot(context.Background(), "LOT-A")
	require.NoError(t, err)

	_, err = w.SetLot(context.Background(), "BAD")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unknown lot BAD")

	var statusErr *gwclient.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
	assert.Equal(t, "LOT-A", w.CurrentLot())
}

func TestDataAndTimestamp(t *testing.T) {
	g := &fakeGateway{}
	c := newClient(t, g)
	w := c.Worker(protocol.Worker6)

	m := 4
	data, err := w.Data(context.Background(), &m)
	require.NoError(t, err)
	n, _ := data.Int("current_minute")
	assert.Equal(t, 4, n)

	require.NoError(t, w.SetTimestamp(context.Background(), "2022-04-11 06:43"))
	assert.Error(t, w.SetTimestamp(context.Background(), ""))
	g.mu.Lock()
	assert.Equal(t, []string{"worker6=2022-04-11 06:43"}, g.timestamps)
	g.mu.Unlock()
}

func TestPlaybackAndHealth(t *testing.T) {
	c := newClient(t, &fakeGateway{})

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	n, _ := health.Int("dataCount")
	assert.Equal(t, 3, n)

	page, err := c.PaperPage(context.Background(), 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, page.CurrentPage)
	assert.Equal(t, "A", page.Data[0]["lot"])

	_, err = c.PaperCurrent(context.Background())
	var statusErr *gwclient.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
	assert.Equal(t, "Try again later.", statusErr.Message)
}

func TestStreamURL(t *testing.T) {
	c := gwclient.New("http://gw:4000/", "/api", nil)
	assert.Equal(t, "http://gw:4000/api/worker2/stream", c.StreamURL(protocol.Worker2))
	assert.Equal(t, "http://gw:4000/api/paper-data/stream", c.StreamURL(""))
}
