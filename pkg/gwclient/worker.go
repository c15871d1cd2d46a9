package gwclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"papergw/pkg/protocol"
)

// WorkerClient drives one worker kind through the gateway. It remembers the
// lot it last applied and suppresses duplicate or overlapping set-lot calls.
type WorkerClient struct {
	kind protocol.Kind
	c    *Client

	mu         sync.Mutex
	currentLot string
	inFlight   bool
}

// SetLotResult is the outcome of SetLot. Skipped is true when the call was
// suppressed locally.
type SetLotResult struct {
	Skipped bool
	Body    protocol.Payload
}

// Kind returns the worker kind.
func (w *WorkerClient) Kind() protocol.Kind { return w.kind }

// CurrentLot returns the last lot the gateway accepted from this client.
func (w *WorkerClient) CurrentLot() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentLot
}

// Initialize calls the gateway init route. Any failure reads as false.
func (w *WorkerClient) Initialize(ctx context.Context) bool {
	var out struct {
		Status string `json:"status"`
	}
	if _, err := w.c.do(ctx, http.MethodGet, w.url("/init"), nil, &out); err != nil {
		log.Warningf("%s init failed: %v", w.kind, err)
		return false
	}
	return out.Status == protocol.StatusOK
}

// SetLot applies lot unless it is already applied or another SetLot is in
// flight.
func (w *WorkerClient) SetLot(ctx context.Context, lot string) (SetLotResult, error) {
	w.mu.Lock()
	if w.currentLot == lot || w.inFlight {
		w.mu.Unlock()
		log.Debugf("%s set-lot skipped (lot %s already applied or in progress)", w.kind, lot)
		return SetLotResult{Skipped: true}, nil
	}
	w.inFlight = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.inFlight = false
		w.mu.Unlock()
	}()

	var out protocol.Payload
	if _, err := w.c.do(ctx, http.MethodPost, w.url("/set-lot"), map[string]string{"lot": lot}, &out); err != nil {
		return SetLotResult{}, fmt.Errorf("%s set lot %s: %w", w.kind, lot, err)
	}
	if status, _ := out.String("status"); status != protocol.StatusOK {
		msg, _ := out.String("message")
		if msg == "" {
			msg = "set lot failed"
		}
		return SetLotResult{}, fmt.Errorf("%s set lot %s: %s", w.kind, lot, msg)
	}

	w.mu.Lock()
	w.currentLot = lot
	w.mu.Unlock()
	return SetLotResult{Body: out}, nil
}

// Data fetches one frame. minute may be nil.
func (w *WorkerClient) Data(ctx context.Context, minute *int) (protocol.Payload, error) {
	target := w.url("/data")
	if minute != nil {
		target += "?" + url.Values{"minute": {strconv.Itoa(*minute)}}.Encode()
	}
	var out struct {
		Status  string           `json:"status"`
		Message string           `json:"message"`
		Data    protocol.Payload `json:"data"`
	}
	if _, err := w.c.do(ctx, http.MethodGet, target, nil, &out); err != nil {
		return nil, fmt.Errorf("%s data: %w", w.kind, err)
	}
	if out.Status != protocol.StatusOK {
		return nil, fmt.Errorf("%s data: %s", w.kind, out.Message)
	}
	return out.Data, nil
}

// SetTimestamp forwards the info-box timestamp. Blank values are rejected
// without a request.
func (w *WorkerClient) SetTimestamp(ctx context.Context, ts string) error {
	if ts == "" {
		return errors.New("timestamp required")
	}
	if _, err := w.c.do(ctx, http.MethodPost, w.url("/set-timestamp"), map[string]string{"timestamp": ts}, nil); err != nil {
		return fmt.Errorf("%s set timestamp: %w", w.kind, err)
	}
	return nil
}

func (w *WorkerClient) url(route string) string {
	return w.c.URL("/" + string(w.kind) + route)
}
