package publish

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize is the number of frames Async buffers ahead of the broker.
const DefaultQueueSize = 256

// ErrQueueFull is returned when Async drops a frame because the broker is
// not keeping up.
var ErrQueueFull = errors.New("publish queue full")

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("publisher closed")

// publishTimeout bounds one broker call made by the Async goroutine.
const publishTimeout = 5 * time.Second

type message struct {
	stream string
	frame  []byte
}

// Async moves publishing off the caller's path. Frames are queued and sent
// by a single goroutine; a frame identical to the last one sent for the same
// stream is skipped, so several connections pushing the same tick produce
// one message. Callers must not modify a frame after passing it in.
type Async struct {
	next  Publisher
	queue chan message
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	dropping atomic.Bool
}

// NewAsync starts the publishing goroutine in front of next. A size below 1
// takes DefaultQueueSize.
func NewAsync(next Publisher, size int) *Async {
	if size < 1 {
		size = DefaultQueueSize
	}
	a := &Async{
		next:  next,
		queue: make(chan message, size),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

// Publish queues frame and returns immediately. It never blocks on the
// broker.
func (a *Async) Publish(_ context.Context, stream string, frame []byte) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- message{stream: stream, frame: frame}:
		if a.dropping.Swap(false) {
			log.Infof("republish queue draining again")
		}
		return nil
	default:
		if !a.dropping.Swap(true) {
			log.Warningf("republish queue full, dropping %s frames", stream)
		}
		return ErrQueueFull
	}
}

// Close stops accepting frames, sends what is queued and closes next.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.next.Close()
}

func (a *Async) run() {
	defer close(a.done)

	last := make(map[string][]byte)
	failing := false
	for m := range a.queue {
		if prev, ok := last[m.stream]; ok && bytes.Equal(prev, m.frame) {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := a.next.Publish(ctx, m.stream, m.frame)
		cancel()
		if err != nil {
			if !failing {
				log.Warningf("republish failing: %v", err)
				failing = true
			} else {
				log.Debugf("republish: %v", err)
			}
			continue
		}
		if failing {
			log.Infof("republish recovered")
			failing = false
		}
		last[m.stream] = m.frame
	}
}
