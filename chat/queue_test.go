package chat

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewPendingQueue(10, time.Minute, 3)
	for i := 0; i < 5; i++ {
		dropped, err := q.Enqueue(&PendingSend{ClientId: fmt.Sprintf("c%d", i)})
		require.NoError(t, err)
		require.Nil(t, dropped)
	}
	assert.Equal(t, 5, q.Len())

	ready, expired := q.Drain()
	assert.Empty(t, expired)
	require.Len(t, ready, 5)
	for i, p := range ready {
		assert.Equal(t, fmt.Sprintf("c%d", i), p.ClientId)
		assert.False(t, p.EnqueuedAt.IsZero())
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	q := NewPendingQueue(2, time.Minute, 3)
	q.Enqueue(&PendingSend{ClientId: "c0"})
	q.Enqueue(&PendingSend{ClientId: "c1"})

	dropped, err := q.Enqueue(&PendingSend{ClientId: "c2"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueueOverflow))
	require.NotNil(t, dropped)
	assert.Equal(t, "c0", dropped.ClientId)
	assert.Equal(t, 2, q.Len())

	ready, _ := q.Drain()
	require.Len(t, ready, 2)
	assert.Equal(t, "c1", ready[0].ClientId)
	assert.Equal(t, "c2", ready[1].ClientId)
}

func TestQueueExpiry(t *testing.T) {
	now := time.Now()
	q := NewPendingQueue(10, time.Minute, 3)
	q.now = func() time.Time { return now }

	q.Enqueue(&PendingSend{ClientId: "old", EnqueuedAt: now.Add(-2 * time.Minute)})
	q.Enqueue(&PendingSend{ClientId: "tired", Attempts: 3})
	q.Enqueue(&PendingSend{ClientId: "fresh"})

	ready, expired := q.Drain()
	require.Len(t, ready, 1)
	assert.Equal(t, "fresh", ready[0].ClientId)
	require.Len(t, expired, 2)
	assert.Equal(t, "old", expired[0].ClientId)
	assert.Equal(t, "tired", expired[1].ClientId)
}

func TestQueuePushFront(t *testing.T) {
	q := NewPendingQueue(2, time.Minute, 3)
	q.Enqueue(&PendingSend{ClientId: "c1"})
	assert.True(t, q.pushFront(&PendingSend{ClientId: "c0", EnqueuedAt: time.Now()}))
	assert.False(t, q.pushFront(&PendingSend{ClientId: "x"}))

	ready, _ := q.Drain()
	require.Len(t, ready, 2)
	assert.Equal(t, "c0", ready[0].ClientId)
	assert.Equal(t, "c1", ready[1].ClientId)
}

func TestQueueClear(t *testing.T) {
	q := NewPendingQueue(5, time.Minute, 3)
	q.Enqueue(&PendingSend{ClientId: "c0"})
	q.Enqueue(&PendingSend{ClientId: "c1"})
	assert.Equal(t, 2, q.Clear())
	assert.Equal(t, 0, q.Len())
}
