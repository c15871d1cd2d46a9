package lotsync

import (
	"context"
	"errors"
	"sync"

	"papergw/pkg/gwclient"
	"papergw/pkg/stream"
)

// Coordinator applies Bus updates to the gateway, one WorkerClient per
// worker kind. Workers are independent: a failure on one is logged and the
// rest still get the update.
type Coordinator struct {
	bus     *Bus
	workers []*gwclient.WorkerClient

	mu     sync.Mutex
	unsub  func()
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewCoordinator returns a coordinator for the given workers.
func NewCoordinator(bus *Bus, workers ...*gwclient.WorkerClient) *Coordinator {
	return &Coordinator{bus: bus, workers: workers}
}

// Start subscribes to the bus. Each update is applied on its own goroutine
// bounded by ctx.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsub != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.unsub = c.bus.Subscribe(func(u Update) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.unsub == nil {
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			_ = c.Apply(ctx, u)
		}()
	})
}

// Stop unsubscribes and waits for updates in progress.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	unsub, cancel := c.unsub, c.cancel
	c.unsub, c.cancel = nil, nil
	c.mu.Unlock()

	if unsub == nil {
		return
	}
	unsub()
	cancel()
	c.wg.Wait()
}

// SyncCurrent applies the bus's current state, for use at startup.
func (c *Coordinator) SyncCurrent(ctx context.Context) error {
	return c.Apply(ctx, c.bus.Current())
}

// ObservePlayback feeds a playback frame into the bus. Frames without a lot
// are ignored.
func (c *Coordinator) ObservePlayback(f stream.PaperFrame) {
	if f.Lot == "" {
		return
	}
	c.bus.SetCurrentLot(f.Lot, f.Timestamp)
}

// Apply sets the lot on every worker whose last applied lot differs, then
// forwards a non-empty timestamp to all of them. The returned error joins
// the per-worker failures.
func (c *Coordinator) Apply(ctx context.Context, u Update) error {
	var errs []error
	if u.Lot != "" {
		for _, w := range c.workers {
			if w.CurrentLot() == u.Lot {
				continue
			}
			res, err := w.SetLot(ctx, u.Lot)
			switch {
			case err != nil:
				log.Errorf("%s lot sync failed: %v", w.Kind(), err)
				errs = append(errs, err)
			case !res.Skipped:
				log.Infof("%s lot synced: %s", w.Kind(), u.Lot)
			}
		}
	}
	if u.Timestamp != "" {
		for _, w := range c.workers {
			if err := w.SetTimestamp(ctx, u.Timestamp); err != nil {
				log.Warningf("%s timestamp sync failed: %v", w.Kind(), err)
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
