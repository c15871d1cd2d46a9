package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"papergw/pkg/protocol"
)

// clientIDHeader identifies a consumer across reconnects when it sends one.
const clientIDHeader = "X-Papergw-Client"

func setStreamHeaders(w http.ResponseWriter, contentType string) {
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("X-Accel-Buffering", "no")
}

// rejectStream answers a stream request that cannot start with a single
// data frame and closes it.
func (s *Server) rejectStream(w http.ResponseWriter, status int, body any) {
	setStreamHeaders(w, "application/json")
	w.WriteHeader(status)
	b, err := json.Marshal(body)
	if err != nil {
		return
	}
	_ = writeFrame(w, b)
}

// writeFrame writes one "data: <json>" event.
func writeFrame(w io.Writer, b []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

// runStream drives one SSE connection: next is called every streaming
// interval and its result pushed as a frame; a ":ping" comment goes out every
// heartbeat interval. It returns when the request context ends or a write
// fails. Both tickers belong to this call and stop with it.
func (s *Server) runStream(w http.ResponseWriter, r *http.Request, name string, kind protocol.Kind, next func(ctx context.Context) any) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	setStreamHeaders(w, "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	connID := uuid.NewString()
	opened := s.nowFunc()
	s.activeStreams.Add(1)
	client := r.Header.Get(clientIDHeader)
	log.Infof("stream %s opened (%s from %s)", name, connID, r.RemoteAddr)
	fields := map[string]any{"stream": name, "conn": connID}
	if client != "" {
		fields["client"] = client
	}
	s.logEvent(ctx, protocol.EventStreamOpen, protocol.SourceGateway, kind, "", fields)

	frames := 0
	defer func() {
		s.activeStreams.Add(-1)
		log.Infof("stream %s closed (%s, %d frames)", name, connID, frames)
		s.logEvent(ctx, protocol.EventStreamClose, protocol.SourceGateway, kind, "", map[string]any{
			"stream": name, "conn": connID, "frames": frames,
			"duration_ms": s.nowFunc().Sub(opened).Milliseconds(),
		})
	}()

	data := time.NewTicker(s.cfg.StreamingInterval)
	defer data.Stop()
	ping := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ping.C:
			if _, err := io.WriteString(w, ":ping\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-data.C:
			frame := next(ctx)
			if ctx.Err() != nil {
				return
			}
			b, err := json.Marshal(frame)
			if err != nil {
				log.Errorf("stream %s: encode frame: %v", name, err)
				continue
			}
			if err := writeFrame(w, b); err != nil {
				return
			}
			flusher.Flush()
			frames++
			// The publisher queues; broker failures are reported there.
			_ = s.publisher.Publish(ctx, name, b)
		}
	}
}
