package gateway

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"slices"

	"papergw/pkg/protocol"
)

// withRecover converts a handler panic into the 500 envelope. The real
// message is only exposed in development mode.
func (s *Server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			msg := fmt.Sprint(rec)
			if err, ok := rec.(error); ok {
				msg = err.Error()
			}
			log.Errorf("Unhandled error in %s %s: %s\n%s", r.Method, r.URL.Path, msg, debug.Stack())
			s.logEvent(r.Context(), protocol.EventHandlerPanic, protocol.SourceGateway, "", "", map[string]any{
				"method": r.Method, "path": r.URL.Path, "error": msg,
			})

			if !s.cfg.Development {
				msg = "Unknown server error."
			}
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":     "Internal server error.",
				"message":   msg,
				"timestamp": s.isoNow(),
			})
		}()
		next.ServeHTTP(w, r)
	})
}

// withCORS allows the configured origins without credentials and answers
// preflight requests.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && slices.Contains(s.cfg.CORSOrigins, origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Methods", "GET,HEAD,PUT,PATCH,POST,DELETE")
			if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
				h.Set("Access-Control-Allow-Headers", req)
			} else {
				h.Set("Access-Control-Allow-Headers", "Content-Type")
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
