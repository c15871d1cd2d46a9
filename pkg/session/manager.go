// Package session keeps the per-worker lot and time state the gateway
// multiplexes onto the upstream analytics workers.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/op/go-logging"

	"papergw/pkg/protocol"
	"papergw/pkg/upstream"
)

var log = logging.MustGetLogger("session")

// Worker is the upstream surface a Manager drives. *upstream.Client
// satisfies it.
type Worker interface {
	Init(ctx context.Context) (upstream.Response, error)
	SetLot(ctx context.Context, lot string) (upstream.Response, error)
	Data(ctx context.Context, minute int, timestamp string) (upstream.Response, error)
}

// State is a point-in-time copy of a session.
type State struct {
	Kind             protocol.Kind `json:"kind"`
	Initialized      bool          `json:"initialized"`
	CurrentLot       string        `json:"currentLot"`
	CurrentMinute    int           `json:"currentMinute"`
	LotBaseTime      string        `json:"lotBaseTime,omitempty"`
	InfoBoxTimestamp string        `json:"infoBoxTimestamp,omitempty"`
}

// Manager owns the session for one worker kind. The mutex guards fields only
// and is released before every upstream call, so SetLot and Data may
// interleave their side effects while a request is in flight.
type Manager struct {
	quirks Quirks
	worker Worker

	mu               sync.Mutex
	initialized      bool
	currentLot       string
	currentMinute    int
	lotBaseTime      string
	infoBoxTimestamp string
}

// NewManager creates an uninitialised session.
func NewManager(q Quirks, w Worker) *Manager {
	return &Manager{quirks: q, worker: w}
}

// Kind returns the worker kind this session serves.
func (m *Manager) Kind() protocol.Kind { return m.quirks.Kind }

// Initialize runs the upstream init handshake. It reports success only when
// the worker answers "ok" and never returns an error; failures leave the
// state untouched.
func (m *Manager) Initialize(ctx context.Context) bool {
	res, err := m.worker.Init(ctx)
	if err != nil {
		log.Warningf("%s init failed: %v", m.quirks.Kind, err)
		return false
	}
	if !res.OK() {
		log.Warningf("%s init rejected: status=%q message=%q", m.quirks.Kind, res.Status, res.Message)
		return false
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	log.Infof("%s initialized", m.quirks.Kind)
	return true
}

// SetLot switches the session to lot. The cursor and info-box timestamp are
// reset before the upstream call and are not restored if it fails. On success
// the upstream fields listed in Quirks.LotFields are returned.
func (m *Manager) SetLot(ctx context.Context, lot string) (protocol.Payload, error) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return nil, &protocol.UninitializedError{Kind: m.quirks.Kind}
	}
	m.currentMinute = 0
	m.infoBoxTimestamp = ""
	m.currentLot = lot
	m.mu.Unlock()

	res, err := m.worker.SetLot(ctx, lot)
	if err != nil {
		return nil, m.networkError("set-lot", err)
	}
	if !res.OK() {
		msg := res.Message
		if msg == "" {
			msg = "Failed to set lot"
		}
		return nil, &protocol.UpstreamRejectedError{Kind: m.quirks.Kind, Op: "set-lot", Message: msg}
	}

	base, _ := res.Body.String("base_time")
	m.mu.Lock()
	m.lotBaseTime = base
	m.mu.Unlock()

	log.Infof("%s lot set to %s (base_time=%q)", m.quirks.Kind, lot, base)
	return res.Body.Pick(m.quirks.LotFields...), nil
}

// Data fetches the frame for the resolved minute. minute may be nil and
// timestamp empty; see resolveMinute for precedence. The returned payload is
// the upstream data object with current_minute set to the adopted cursor.
func (m *Manager) Data(ctx context.Context, minute *int, timestamp string) (protocol.Payload, error) {
	m.mu.Lock()
	if !m.initialized || m.currentLot == "" {
		m.mu.Unlock()
		return nil, &protocol.NotReadyError{Kind: m.quirks.Kind}
	}
	effective := timestamp
	if effective == "" {
		effective = m.infoBoxTimestamp
	}
	target := resolveMinute(minute, m.currentMinute, effective, m.lotBaseTime)
	m.currentMinute = target
	m.mu.Unlock()

	res, err := m.worker.Data(ctx, target, effective)
	if err != nil {
		return nil, &protocol.DataFetchError{Kind: m.quirks.Kind, Err: m.networkError("data", err)}
	}
	if !res.OK() {
		msg := res.Message
		if msg == "" {
			msg = "Failed to get data"
		}
		return nil, &protocol.DataFetchError{
			Kind: m.quirks.Kind,
			Err:  &protocol.UpstreamRejectedError{Kind: m.quirks.Kind, Op: "data", Message: msg},
		}
	}

	m.mu.Lock()
	m.currentMinute = m.adopt(res.Body, m.currentMinute)
	if ts, ok := res.Body.String("timestamp"); ok && ts != "" && effective == "" {
		m.infoBoxTimestamp = ts
	}
	adopted := m.currentMinute
	m.mu.Unlock()

	out := protocol.Payload{}
	var data protocol.Payload
	if res.Body.Get("data", &data) {
		out = data
	}
	if err := out.Set("current_minute", adopted); err != nil {
		return nil, &protocol.DataFetchError{Kind: m.quirks.Kind, Err: err}
	}
	return out, nil
}

// adopt applies the kind's minute adoption policy to a successful response.
func (m *Manager) adopt(body protocol.Payload, current int) int {
	switch m.quirks.Adoption {
	case AdoptReported:
		if n, ok := body.Int("minute"); ok {
			return max(0, n)
		}
		if n, ok := body.Int("current_minute"); ok {
			return max(0, n)
		}
		return current
	default:
		if n, ok := body.Int("current_minute"); ok && n != 0 {
			return max(0, n)
		}
		return current + 1
	}
}

// SetInfoBoxTimestamp records the latest plant time. Local only.
func (m *Manager) SetInfoBoxTimestamp(ts string) {
	m.mu.Lock()
	m.infoBoxTimestamp = ts
	m.mu.Unlock()
}

// InfoBoxTimestamp returns the stored plant time, or "".
func (m *Manager) InfoBoxTimestamp() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infoBoxTimestamp
}

// Initialized reports whether the init handshake has succeeded since the last
// Stop.
func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// Stop marks the session uninitialised. Lot, cursor and timestamp are kept.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Kind:             m.quirks.Kind,
		Initialized:      m.initialized,
		CurrentLot:       m.currentLot,
		CurrentMinute:    m.currentMinute,
		LotBaseTime:      m.lotBaseTime,
		InfoBoxTimestamp: m.infoBoxTimestamp,
	}
}

func (m *Manager) networkError(op string, err error) error {
	var netErr *protocol.NetworkError
	if errors.As(err, &netErr) {
		return err
	}
	return &protocol.NetworkError{Kind: m.quirks.Kind, Op: op, Err: err}
}
