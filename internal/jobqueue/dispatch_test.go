package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchQueueFIFOAndCapacity(t *testing.T) {
	t.Parallel()
	q := NewDispatchQueue(2)

	require.NoError(t, q.TryPut(Payload{JobID: "1"}))
	require.NoError(t, q.TryPut(Payload{JobID: "2"}))
	assert.ErrorIs(t, q.TryPut(Payload{JobID: "3"}), ErrQueueFull)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 2, q.Cap())

	ctx := context.Background()
	p, w := q.Get(ctx, nil)
	require.Equal(t, wakeItem, w)
	assert.Equal(t, "1", p.JobID)
	p, w = q.Get(ctx, nil)
	require.Equal(t, wakeItem, w)
	assert.Equal(t, "2", p.JobID)
}

func TestDispatchQueueZeroDepthIsAlwaysFull(t *testing.T) {
	t.Parallel()
	q := NewDispatchQueue(0)

	// A waiting reader must not make room in a zero-depth queue.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan wake, 1)
	go func() {
		_, w := q.Get(ctx, nil)
		got <- w
	}()
	time.Sleep(10 * time.Millisecond)

	assert.ErrorIs(t, q.TryPut(Payload{JobID: "x"}), ErrQueueFull)
	cancel()
	assert.Equal(t, wakeStop, <-got)
}

func TestDispatchQueueNegativeDepth(t *testing.T) {
	t.Parallel()
	q := NewDispatchQueue(-3)
	assert.Zero(t, q.Cap())
	assert.ErrorIs(t, q.TryPut(Payload{}), ErrQueueFull)
}

func TestDispatchQueueClosedRejectsPuts(t *testing.T) {
	t.Parallel()
	q := NewDispatchQueue(4)
	q.Close()
	assert.True(t, q.Closed())
	assert.ErrorIs(t, q.TryPut(Payload{}), ErrQueueClosed)

	q.reopen()
	assert.NoError(t, q.TryPut(Payload{}))
}

func TestDispatchQueueFlushWinsOverItems(t *testing.T) {
	t.Parallel()
	q := NewDispatchQueue(4)
	require.NoError(t, q.TryPut(Payload{JobID: "1"}))

	flush := make(chan struct{}, 1)
	flush <- struct{}{}
	_, w := q.Get(context.Background(), flush)
	assert.Equal(t, wakeFlush, w)
	assert.Equal(t, 1, q.Len(), "flush wake must not consume an item")
}

func TestDispatchQueueStopWinsOverItems(t *testing.T) {
	t.Parallel()
	q := NewDispatchQueue(4)
	require.NoError(t, q.TryPut(Payload{JobID: "1"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, w := q.Get(ctx, nil)
	assert.Equal(t, wakeStop, w)
}

func TestDispatchQueueDrain(t *testing.T) {
	t.Parallel()
	q := NewDispatchQueue(3)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.TryPut(Payload{JobID: id}))
	}

	items := q.Drain()
	require.Len(t, items, 3)
	assert.Equal(t, "a", items[0].JobID)
	assert.Equal(t, "c", items[2].JobID)
	assert.Zero(t, q.Len())
	assert.Empty(t, q.Drain())
}
