package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"papergw/pkg/playback"
	"papergw/pkg/protocol"
)

var (
	notLoadedBody = map[string]any{"error": "Data not loaded yet.", "message": "Try again later."}
	emptyBody     = map[string]any{"error": "No data.", "message": "No loaded data."}
)

func (s *Server) handlePaperPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := s.cursor.Page(queryInt(q.Get("page"), 1), queryInt(q.Get("limit"), 1))
	if err != nil {
		s.writePlaybackError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":        page.Data,
		"total":       page.Total,
		"currentPage": page.CurrentPage,
		"hasNext":     page.HasNext,
		"success":     true,
	})
}

func (s *Server) handlePaperCurrent(w http.ResponseWriter, _ *http.Request) {
	rec, err := s.cursor.Current()
	if err != nil {
		s.writePlaybackError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordBody(rec))
}

func (s *Server) handlePaperNext(w http.ResponseWriter, _ *http.Request) {
	rec, err := s.cursor.Next()
	if err != nil {
		s.writePlaybackError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordBody(rec))
}

func (s *Server) handlePaperStream(w http.ResponseWriter, r *http.Request) {
	switch {
	case !s.cursor.Loaded():
		s.rejectStream(w, http.StatusServiceUnavailable, map[string]any{"error": notLoadedBody["error"]})
		return
	case s.cursor.Len() == 0:
		s.rejectStream(w, http.StatusNotFound, map[string]any{"error": emptyBody["error"]})
		return
	}

	s.runStream(w, r, protocol.PlaybackStream, "", func(context.Context) any {
		rec, err := s.cursor.Next()
		if err != nil {
			return map[string]any{"error": "Stream send error", "message": err.Error()}
		}
		return recordBody(playback.StreamRecord(rec))
	})
}

func (s *Server) writePlaybackError(w http.ResponseWriter, err error) {
	var notLoaded *protocol.DataNotLoadedError
	switch {
	case errors.As(err, &notLoaded) && notLoaded.Empty:
		writeJSON(w, http.StatusNotFound, emptyBody)
	case errors.As(err, &notLoaded):
		writeJSON(w, http.StatusServiceUnavailable, notLoadedBody)
	default:
		log.Errorf("paper-data: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal server error.", "message": err.Error()})
	}
}

// recordBody returns the record's columns plus success:true.
func recordBody(rec playback.Record) map[string]any {
	out := make(map[string]any, len(rec)+1)
	for k, v := range rec {
		out[k] = v
	}
	out["success"] = true
	return out
}

// queryInt parses an integer query value, falling back to def.
func queryInt(raw string, def int) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
