package gateway

import (
	"fmt"
	"net/http"

	"papergw/pkg/protocol"
)

// routes registers every endpoint on a fresh mux. The catch-all answers
// unmatched paths and methods with the 404 envelope.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	p := s.cfg.APIPrefix

	s.handle(mux, http.MethodGet, p+"/health", s.handleHealth)
	s.handle(mux, http.MethodGet, p+"/paper-data", s.handlePaperPage)
	s.handle(mux, http.MethodGet, p+"/paper-data/current", s.handlePaperCurrent)
	s.handle(mux, http.MethodGet, p+"/paper-data/next", s.handlePaperNext)
	s.handle(mux, http.MethodGet, p+"/paper-data/stream", s.handlePaperStream)

	for _, kind := range s.kinds {
		base := fmt.Sprintf("%s/%s", p, kind)
		s.handle(mux, http.MethodGet, base+"/init", s.handleInit(kind))
		s.handle(mux, http.MethodPost, base+"/set-lot", s.handleSetLot(kind))
		s.handle(mux, http.MethodPost, base+"/set-timestamp", s.handleSetTimestamp(kind))
		s.handle(mux, http.MethodGet, base+"/data", s.handleData(kind))
		s.handle(mux, http.MethodGet, base+"/stream", s.handleWorkerStream(kind))
	}

	mux.HandleFunc("/", s.handleNotFound)
	return mux
}

func (s *Server) handle(mux *http.ServeMux, method, path string, h http.HandlerFunc) {
	mux.HandleFunc(method+" "+path, h)
	s.endpoints = append(s.endpoints, method+" "+path)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error":              "API endpoint not found.",
		"message":            fmt.Sprintf("%s %s does not exist.", r.Method, r.URL.Path),
		"availableEndpoints": s.Endpoints(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	now := s.nowFunc()
	body := map[string]any{
		"status":          protocol.StatusOK,
		"timestamp":       s.isoNow(),
		"dataLoaded":      s.cursor.Loaded(),
		"dataCount":       s.cursor.Len(),
		"currentIndex":    s.cursor.Index(),
		"startPercentage": s.cursor.StartPercentage(),
		"uptime":          now.Sub(s.started).Seconds(),
		"activeStreams":   s.activeStreams.Load(),
	}
	workers := make(map[string]any, len(s.kinds))
	for _, kind := range s.kinds {
		st := s.sessions[kind].Snapshot()
		workers[string(kind)] = map[string]any{
			"initialized":   st.Initialized,
			"currentLot":    nullable(st.CurrentLot),
			"currentMinute": st.CurrentMinute,
		}
		// flat keys kept for dashboards that read worker1Initialized etc.
		body[string(kind)+"Initialized"] = st.Initialized
		body[string(kind)+"CurrentLot"] = nullable(st.CurrentLot)
	}
	body["workers"] = workers
	writeJSON(w, http.StatusOK, body)
}

// nullable maps "" to JSON null.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
