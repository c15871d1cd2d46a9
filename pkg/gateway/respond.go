package gateway

import (
	"encoding/json"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("write response: %v", err)
	}
}

// errorEnvelope is the {status:"error", message, timestamp} body used by the
// worker routes.
func (s *Server) errorEnvelope(msg string) map[string]any {
	return map[string]any{
		"status":    "error",
		"message":   msg,
		"timestamp": s.isoNow(),
	}
}

// decodeBody reads a JSON object. An empty or malformed body yields an
// empty map so handlers report the missing field instead of a parse error.
func decodeBody(w http.ResponseWriter, r *http.Request) map[string]json.RawMessage {
	body := map[string]json.RawMessage{}
	if r.Body == nil {
		return body
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&body); err != nil || body == nil {
		return map[string]json.RawMessage{}
	}
	return body
}

// stringField returns a non-empty string or number field as text, mirroring
// the truthiness check on request bodies.
func stringField(body map[string]json.RawMessage, key string) string {
	raw, ok := body[key]
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil && n.String() != "0" {
		return n.String()
	}
	return ""
}
