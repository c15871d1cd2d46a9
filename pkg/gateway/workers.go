package gateway

import (
	"context"
	"net/http"
	"strconv"

	"papergw/pkg/protocol"
	"papergw/pkg/session"
)

func (s *Server) handleInit(kind protocol.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok := s.sessions[kind].Initialize(r.Context())
		s.logEvent(r.Context(), protocol.EventSessionInit, protocol.SourceGateway, kind, "", map[string]any{"ok": ok})

		status, msg := protocol.StatusOK, kind.Title()+" initialized"
		if !ok {
			status, msg = protocol.StatusError, kind.Title()+" initialization failed"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    status,
			"message":   msg,
			"timestamp": s.isoNow(),
		})
	}
}

func (s *Server) handleSetLot(kind protocol.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lot := stringField(decodeBody(w, r), "lot")
		if lot == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Lot is required"})
			return
		}

		fields, err := s.sessions[kind].SetLot(r.Context(), lot)
		if err != nil {
			log.Errorf("%s set-lot %s: %v", kind, lot, err)
			s.logEvent(r.Context(), protocol.EventUpstreamError, protocol.SourceGateway, kind, lot, map[string]any{"op": "set-lot", "error": err.Error()})
			writeJSON(w, http.StatusInternalServerError, s.errorEnvelope(err.Error()))
			return
		}
		s.logEvent(r.Context(), protocol.EventSetLot, protocol.SourceGateway, kind, lot, fields)

		out := protocol.Payload{}
		out.Merge(fields)
		_ = out.Set("status", protocol.StatusOK)
		_ = out.Set("lot", lot)
		_ = out.Set("timestamp", s.isoNow())
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleSetTimestamp(kind protocol.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ts := stringField(decodeBody(w, r), "timestamp")
		if ts == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": protocol.StatusError, "message": "Timestamp required"})
			return
		}
		s.sessions[kind].SetInfoBoxTimestamp(ts)
		writeJSON(w, http.StatusOK, map[string]any{"status": protocol.StatusOK, "message": "InfoBox timestamp set"})
	}
}

func (s *Server) handleData(kind protocol.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var minute *int
		if n, err := strconv.Atoi(q.Get("minute")); err == nil {
			minute = &n
		}

		data, err := s.sessions[kind].Data(r.Context(), minute, q.Get("timestamp"))
		if err != nil {
			log.Errorf("%s data: %v", kind, err)
			s.logEvent(r.Context(), protocol.EventUpstreamError, protocol.SourceGateway, kind, "", map[string]any{"op": "data", "error": err.Error()})
			writeJSON(w, http.StatusInternalServerError, s.errorEnvelope(err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    protocol.StatusOK,
			"data":      data,
			"timestamp": s.isoNow(),
		})
	}
}

func (s *Server) handleWorkerStream(kind protocol.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := s.sessions[kind]
		if !sess.Initialized() {
			s.rejectStream(w, http.StatusServiceUnavailable, map[string]any{"error": kind.Title() + " not initialized"})
			return
		}

		var failing bool
		s.runStream(w, r, string(kind), kind, func(ctx context.Context) any {
			frame, err := s.workerFrame(ctx, sess)
			if err != nil {
				if !failing {
					s.logEvent(ctx, protocol.EventUpstreamError, protocol.SourceGateway, kind, "", map[string]any{"op": "stream", "error": err.Error()})
				}
				failing = true
				return map[string]any{"error": "stream error", "message": err.Error()}
			}
			failing = false
			return frame
		})
	}
}

// workerFrame fetches the next payload, always following the session's
// current info-box timestamp.
func (s *Server) workerFrame(ctx context.Context, sess *session.Manager) (protocol.Payload, error) {
	data, err := sess.Data(ctx, nil, sess.InfoBoxTimestamp())
	if err != nil {
		return nil, err
	}
	out := data.Clone()
	_ = out.Set("success", true)
	if !out.Truthy("timestamp") {
		_ = out.Set("timestamp", s.isoNow())
	}
	return out, nil
}
