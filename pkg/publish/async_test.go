package publish //nolint:testpackage // internal test shares the package fakes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePublisher records frames. When gate is set every call waits on it.
type fakePublisher struct {
	mu      sync.Mutex
	frames  []string
	fails   int
	closed  bool
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakePublisher) Publish(_ context.Context, stream string, frame []byte) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("channel closed")
	}
	f.frames = append(f.frames, stream+" "+string(frame))
	return nil
}

func (f *fakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePublisher) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames...)
}

func TestAsync_DoesNotWaitForBroker(t *testing.T) {
	inner := &fakePublisher{gate: make(chan struct{})}
	a := NewAsync(inner, 8)

	start := time.Now()
	for _, frame := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		require.NoError(t, a.Publish(context.Background(), "worker1", []byte(frame)))
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, inner.sent())

	close(inner.gate)
	require.NoError(t, a.Close())
	assert.Equal(t, []string{`worker1 {"n":1}`, `worker1 {"n":2}`, `worker1 {"n":3}`}, inner.sent())
	assert.True(t, inner.closed)
}

func TestAsync_SkipsRepeatedFrame(t *testing.T) {
	inner := &fakePublisher{}
	a := NewAsync(inner, 8)

	ctx := context.Background()
	require.NoError(t, a.Publish(ctx, "worker2", []byte(`{"t":1}`)))
	require.NoError(t, a.Publish(ctx, "worker2", []byte(`{"t":1}`)))
	require.NoError(t, a.Publish(ctx, "worker5", []byte(`{"t":1}`)))
	require.NoError(t, a.Publish(ctx, "worker2", []byte(`{"t":2}`)))
	require.NoError(t, a.Close())

	assert.Equal(t, []string{`worker2 {"t":1}`, `worker5 {"t":1}`, `worker2 {"t":2}`}, inner.sent())
}

func TestAsync_DropsWhenQueueFull(t *testing.T) {
	inner := &fakePublisher{gate: make(chan struct{}), entered: make(chan struct{}, 4)}
	a := NewAsync(inner, 1)

	ctx := context.Background()
	require.NoError(t, a.Publish(ctx, "paper-data", []byte("1")))
	<-inner.entered // the goroutine holds frame 1 at the broker

	require.NoError(t, a.Publish(ctx, "paper-data", []byte("2")))
	assert.ErrorIs(t, a.Publish(ctx, "paper-data", []byte("3")), ErrQueueFull)

	close(inner.gate)
	require.NoError(t, a.Close())
	assert.Equal(t, []string{"paper-data 1", "paper-data 2"}, inner.sent())
}

func TestAsync_KeepsGoingAfterFailure(t *testing.T) {
	inner := &fakePublisher{fails: 2}
	a := NewAsync(inner, 8)

	ctx := context.Background()
	for _, frame := range []string{"a", "b", "c"} {
		require.NoError(t, a.Publish(ctx, "worker6", []byte(frame)))
	}
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	assert.Equal(t, []string{"worker6 c"}, inner.sent())
	assert.ErrorIs(t, a.Publish(ctx, "worker6", []byte("d")), ErrClosed)
}
