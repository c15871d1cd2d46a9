// Package lotsync keeps every worker on the lot the operator is looking at.
// The Bus records the current lot and info-box timestamp and notifies
// observers on change; the Coordinator pushes changes to the gateway.
package lotsync

import (
	"strings"
	"sync"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("lotsync")

// Update is a lot change as announced by SetCurrentLot.
type Update struct {
	Lot       string `json:"lot"`
	Timestamp string `json:"timestamp"`
}

// Bus is an observer registry for the current lot. It is advisory: a
// notification says what changed, not that anyone applied it.
type Bus struct {
	mu      sync.Mutex
	lot     string
	ts      string
	subs    map[int]func(Update)
	nextSub int
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Update))}
}

// SetCurrentLot records lot, and timestamp when it is not blank, then
// notifies subscribers with the arguments as given. Repeating the stored
// pair is a no-op. It reports whether subscribers were notified.
func (b *Bus) SetCurrentLot(lot, timestamp string) bool {
	b.mu.Lock()
	if b.lot == lot && b.ts == timestamp {
		b.mu.Unlock()
		return false
	}
	b.lot = lot
	if strings.TrimSpace(timestamp) != "" {
		b.ts = timestamp
	}
	subs := make([]func(Update), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	u := Update{Lot: lot, Timestamp: timestamp}
	for _, fn := range subs {
		notify(fn, u)
	}
	return true
}

// Current returns the stored lot and timestamp.
func (b *Bus) Current() Update {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Update{Lot: b.lot, Timestamp: b.ts}
}

// Subscribe registers fn and returns its unsubscribe function.
func (b *Bus) Subscribe(fn func(Update)) func() {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func notify(fn func(Update), u Update) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("lot subscriber panic: %v", r)
		}
	}()
	fn(u)
}
