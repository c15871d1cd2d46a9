package protocol

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// Payload is an opaque upstream JSON object. Values stay encoded so the
// gateway can relay fields it does not understand without reshaping them.
type Payload map[string]json.RawMessage

// DecodePayload parses a JSON object. A JSON null yields an empty payload.
func DecodePayload(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	if p == nil {
		p = Payload{}
	}
	return p, nil
}

// Set encodes v under key.
func (p Payload) Set(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p[key] = b
	return nil
}

// Has reports whether key is present and not null.
func (p Payload) Has(key string) bool {
	raw, ok := p[key]
	return ok && !isNull(raw)
}

// Get decodes the value under key into dst. It returns false when the key is
// missing, null, or does not decode into dst.
func (p Payload) Get(key string, dst any) bool {
	if !p.Has(key) {
		return false
	}
	return json.Unmarshal(p[key], dst) == nil
}

// String returns the value under key when it is a JSON string.
func (p Payload) String(key string) (string, bool) {
	var s string
	if !p.Get(key, &s) {
		return "", false
	}
	return s, true
}

// Int returns the value under key when it is a JSON number or a numeric
// string. Fractions are floored; values outside the int range are rejected.
func (p Payload) Int(key string) (int, bool) {
	if !p.Has(key) {
		return 0, false
	}
	raw := bytes.TrimSpace(p[key])
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0, false
		}
		raw = []byte(s)
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	f = math.Floor(f)
	if f < math.MinInt || f >= math.MaxInt {
		return 0, false
	}
	return int(f), true
}

// Truthy mirrors JavaScript truthiness for the value under key: missing, null,
// false, 0 and "" are falsy.
func (p Payload) Truthy(key string) bool {
	if !p.Has(key) {
		return false
	}
	raw := bytes.TrimSpace(p[key])
	switch string(raw) {
	case "false", `""`:
		return false
	}
	if f, err := strconv.ParseFloat(string(raw), 64); err == nil {
		return f != 0 && !math.IsNaN(f)
	}
	return true
}

// Clone returns a shallow copy; the encoded values are shared.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Pick returns a payload holding only the listed keys that are present.
func (p Payload) Pick(keys ...string) Payload {
	out := make(Payload, len(keys))
	for _, k := range keys {
		if v, ok := p[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Merge copies every entry of other into p, overwriting existing keys.
func (p Payload) Merge(other Payload) {
	for k, v := range other {
		p[k] = v
	}
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || string(t) == "null"
}
