package stream

import (
	"cmp"
	"encoding/json"
	"slices"
	"strconv"

	"papergw/pkg/protocol"
)

// Transform turns a decoded data frame into a typed frame.
type Transform[T any] func(protocol.Payload) (T, error)

// Worker1 chart variables, in display order.
var worker1Vars = []string{"x2", "x3", "x4", "x1", "x5"}

var (
	emptyArray  = json.RawMessage(`[]`)
	emptyObject = json.RawMessage(`{}`)
	zero        = json.RawMessage(`0`)
)

// VariableChart is one worker1 process variable with the current lot and up
// to three similar lots.
type VariableChart struct {
	Name           string          `json:"name"`
	CurrentLotData json.RawMessage `json:"current_lot_data"`
	Current        json.RawMessage `json:"current"`
	Similar1       json.RawMessage `json:"similar1"`
	Similar2       json.RawMessage `json:"similar2"`
	Similar3       json.RawMessage `json:"similar3"`
	Bands          json.RawMessage `json:"bands"`
}

// Worker1Frame carries the similar-lot comparison. Variables is empty when
// the frame lacks similar lots, their data or the variable names.
type Worker1Frame struct {
	SimilarLots   []string                 `json:"similar_lots"`
	Variables     map[string]VariableChart `json:"variables"`
	Minute        int                      `json:"minute"`
	CurrentMinute int                      `json:"current_minute"`
	TimeLabels    json.RawMessage          `json:"time_labels"`
	BaseTime      string                   `json:"base_time"`
	Timestamp     string                   `json:"timestamp"`
}

// QualityScore is the worker2 quality summary.
type QualityScore struct {
	YNow  float64 `json:"y_now"`
	YBest float64 `json:"y_best"`
	YGain float64 `json:"y_gain"`
}

// Worker2Frame carries the control strategy and quality score.
type Worker2Frame struct {
	StrategyData    json.RawMessage `json:"strategy_data"`
	QualityScore    QualityScore    `json:"quality_score"`
	SensitivityData json.RawMessage `json:"sensitivity_data"`
	QualityTimeline json.RawMessage `json:"quality_timeline"`
	TimeLabels      json.RawMessage `json:"time_labels"`
	CurrentMinute   int             `json:"current_minute"`
	TargetMinute    int             `json:"target_minute"`
	BaseTime        string          `json:"base_time"`
	Timestamp       string          `json:"timestamp"`
}

// Worker5Frame carries variable importance.
type Worker5Frame struct {
	ImportanceData json.RawMessage `json:"importance_data"`
	TimeLabels     json.RawMessage `json:"time_labels"`
	CurrentMinute  int             `json:"current_minute"`
	BaseTime       string          `json:"base_time"`
	Timestamp      string          `json:"timestamp"`
}

// Worker6Frame carries sensitivity analysis.
type Worker6Frame struct {
	SensitivityData json.RawMessage `json:"sensitivity_data"`
	TimeLabels      json.RawMessage `json:"time_labels"`
	CurrentMinute   int             `json:"current_minute"`
	BaseTime        string          `json:"base_time"`
	Timestamp       string          `json:"timestamp"`
}

// PaperFrame is one playback record.
type PaperFrame struct {
	Timestamp   string `json:"timestamp"`
	Paper       string `json:"paper"`
	BW          string `json:"bw"`
	Lot         string `json:"lot"`
	Width       string `json:"width"`
	PressureHPA string `json:"pressure_hpa"`
	Season      string `json:"season"`
	Production  string `json:"production"`
}

// Worker1Transform normalises a worker1 frame and builds the per-variable
// chart data.
func Worker1Transform(p protocol.Payload) (Worker1Frame, error) {
	f := Worker1Frame{
		SimilarLots:   keys(p["similar_lots"]),
		Minute:        intOr(p, "minute"),
		CurrentMinute: currentMinute(p),
		TimeLabels:    orRaw(p, json.RawMessage("null"), "time_labels", "index_labels"),
		BaseTime:      text(p, "base_time"),
		Timestamp:     text(p, "timestamp"),
		Variables:     map[string]VariableChart{},
	}
	if !p.Truthy("similar_lots") || !p.Truthy("similar_lots_data") || !p.Truthy("variable_names") {
		return f, nil
	}

	similarData := object(p["similar_lots_data"])
	currentLot := object(p["current_lot_data"])
	current := object(p["current_data"])
	bands := object(p["bands"])
	names := object(p["variable_names"])

	for _, v := range worker1Vars {
		name := v
		if s, ok := stringValue(names[v]); ok && s != "" {
			name = s
		}
		byLot := object(similarData[v])
		lots := f.SimilarLots
		if len(lots) == 0 {
			lots = sortedKeys(byLot)
		}
		f.Variables[v] = VariableChart{
			Name:           name,
			CurrentLotData: truthyOr(currentLot[v], emptyArray),
			Current:        truthyOr(current[v], zero),
			Similar1:       truthyOr(byLot[nth(lots, 0)], emptyArray),
			Similar2:       truthyOr(byLot[nth(lots, 1)], emptyArray),
			Similar3:       truthyOr(byLot[nth(lots, 2)], emptyArray),
			Bands:          truthyOr(bands[v], emptyObject),
		}
	}
	return f, nil
}

// Worker2Transform normalises a worker2 frame.
func Worker2Transform(p protocol.Payload) (Worker2Frame, error) {
	f := Worker2Frame{
		StrategyData:    orRaw(p, emptyArray, "strategy_data"),
		SensitivityData: orRaw(p, emptyArray, "sensitivity_data"),
		QualityTimeline: orRaw(p, emptyArray, "quality_timeline"),
		TimeLabels:      orRaw(p, emptyArray, "time_labels"),
		CurrentMinute:   currentMinute(p),
		TargetMinute:    intOr(p, "target_minute"),
		BaseTime:        text(p, "base_time"),
		Timestamp:       text(p, "timestamp"),
	}
	if p.Truthy("quality_score") {
		p.Get("quality_score", &f.QualityScore)
	}
	return f, nil
}

// Worker5Transform normalises a worker5 frame.
func Worker5Transform(p protocol.Payload) (Worker5Frame, error) {
	return Worker5Frame{
		ImportanceData: orRaw(p, emptyArray, "importance_data"),
		TimeLabels:     orRaw(p, emptyArray, "time_labels"),
		CurrentMinute:  currentMinute(p),
		BaseTime:       text(p, "base_time"),
		Timestamp:      text(p, "timestamp"),
	}, nil
}

// Worker6Transform normalises a worker6 frame.
func Worker6Transform(p protocol.Payload) (Worker6Frame, error) {
	return Worker6Frame{
		SensitivityData: orRaw(p, emptyArray, "sensitivity_data"),
		TimeLabels:      orRaw(p, emptyArray, "time_labels"),
		CurrentMinute:   currentMinute(p),
		BaseTime:        text(p, "base_time"),
		Timestamp:       text(p, "timestamp"),
	}, nil
}

// PaperTransform passes a playback record through, defaulting missing
// columns to "".
func PaperTransform(p protocol.Payload) (PaperFrame, error) {
	return PaperFrame{
		Timestamp:   text(p, "timestamp"),
		Paper:       text(p, "paper"),
		BW:          text(p, "bw"),
		Lot:         text(p, "lot"),
		Width:       text(p, "width"),
		PressureHPA: text(p, "pressure_hpa"),
		Season:      text(p, "season"),
		Production:  text(p, "production"),
	}, nil
}

// Passthrough returns the decoded payload unchanged.
func Passthrough(p protocol.Payload) (protocol.Payload, error) { return p, nil }

// Erase adapts a typed transform to one producing any, so clients of
// different kinds can share a subscriber.
func Erase[T any](t Transform[T]) Transform[any] {
	return func(p protocol.Payload) (any, error) {
		f, err := t(p)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
}

// TransformFor returns the transform for a worker kind.
func TransformFor(kind protocol.Kind) Transform[any] {
	switch kind {
	case protocol.Worker1:
		return Erase(Worker1Transform)
	case protocol.Worker2:
		return Erase(Worker2Transform)
	case protocol.Worker5:
		return Erase(Worker5Transform)
	case protocol.Worker6:
		return Erase(Worker6Transform)
	}
	return Erase(Passthrough)
}

// currentMinute reads current_minute, then minute, then 0, skipping falsy
// values.
func currentMinute(p protocol.Payload) int {
	for _, k := range []string{"current_minute", "minute"} {
		if p.Truthy(k) {
			if n, ok := p.Int(k); ok {
				return n
			}
		}
	}
	return 0
}

func intOr(p protocol.Payload, key string) int {
	n, _ := p.Int(key)
	return n
}

// orRaw returns the first truthy value among keys, else def.
func orRaw(p protocol.Payload, def json.RawMessage, keys ...string) json.RawMessage {
	for _, k := range keys {
		if p.Truthy(k) {
			return p[k]
		}
	}
	return def
}

func truthyOr(raw, def json.RawMessage) json.RawMessage {
	if raw == nil || !(protocol.Payload{"v": raw}).Truthy("v") {
		return def
	}
	return raw
}

// text renders a scalar field as a string. Strings are unquoted, other
// values keep their JSON text, and missing or null values read as "".
func text(p protocol.Payload, key string) string {
	if !p.Has(key) {
		return ""
	}
	if s, ok := p.String(key); ok {
		return s
	}
	return string(p[key])
}

func stringValue(raw json.RawMessage) (string, bool) {
	var s string
	if raw == nil || json.Unmarshal(raw, &s) != nil {
		return "", false
	}
	return s, true
}

func object(raw json.RawMessage) map[string]json.RawMessage {
	var m map[string]json.RawMessage
	if raw == nil || json.Unmarshal(raw, &m) != nil {
		return map[string]json.RawMessage{}
	}
	return m
}

// keys decodes a JSON array of lot identifiers. Numbers are kept in their
// decimal form.
func keys(raw json.RawMessage) []string {
	var items []json.RawMessage
	if raw == nil || json.Unmarshal(raw, &items) != nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := stringValue(it); ok {
			out = append(out, s)
			continue
		}
		var n json.Number
		if json.Unmarshal(it, &n) == nil {
			out = append(out, n.String())
		}
	}
	return out
}

// sortedKeys returns m's keys in a stable order. Integer-like keys come
// first in numeric order, as a JSON object's keys enumerate in a browser.
func sortedKeys(m map[string]json.RawMessage) []string {
	var ints, strs []string
	for k := range m {
		if _, err := strconv.ParseUint(k, 10, 32); err == nil {
			ints = append(ints, k)
		} else {
			strs = append(strs, k)
		}
	}
	slices.SortFunc(ints, func(a, b string) int {
		x, _ := strconv.ParseUint(a, 10, 32)
		y, _ := strconv.ParseUint(b, 10, 32)
		return cmp.Compare(x, y)
	})
	slices.Sort(strs)
	return append(ints, strs...)
}

func nth(s []string, i int) string {
	if i < len(s) {
		return s[i]
	}
	return ""
}
