package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifyWaitersDuplicateRejectsStale(t *testing.T) {
	ws := NewIdentifyWaiters()

	first := ws.Add(3)
	second := ws.Add(3)
	require.Equal(t, 1, ws.Len())

	// the stale waiter settles right away with an explicit error
	err := first.Wait(context.Background())
	assert.ErrorIs(t, err, ErrDuplicateIdentify)
	assert.False(t, second.Settled())

	// settling the stale waiter again has no effect on the current one
	assert.False(t, ws.Settle(first, nil))
	assert.Equal(t, 1, ws.Len())

	assert.True(t, ws.Resolve(3))
	assert.NoError(t, second.Wait(context.Background()))
	assert.Equal(t, 0, ws.Len())
	assert.False(t, ws.Resolve(3))
}

func TestIdentifyWaitersSettle(t *testing.T) {
	ws := NewIdentifyWaiters()
	boom := errors.New("boom")

	w := ws.Add(1)
	assert.True(t, ws.Settle(w, boom))
	assert.ErrorIs(t, w.Wait(context.Background()), boom)
	assert.Equal(t, 0, ws.Len())

	// a settled waiter that is no longer current never removes its successor
	next := ws.Add(1)
	assert.False(t, ws.Settle(w, nil))
	assert.Equal(t, 1, ws.Len())
	assert.True(t, ws.Reject(1, boom))
	assert.ErrorIs(t, next.Wait(context.Background()), boom)
}

func TestIdentifyWaitersWaitContext(t *testing.T) {
	ws := NewIdentifyWaiters()
	w := ws.Add(0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Wait(ctx), context.DeadlineExceeded)
	assert.False(t, w.Settled(), "an expired wait does not settle the waiter")
}

func TestIdentifyWaitersRejectAll(t *testing.T) {
	ws := NewIdentifyWaiters()
	waiters := []*IdentifyWaiter{ws.Add(0), ws.Add(1), ws.Add(2)}

	ws.RejectAll(ErrManagerStopped)
	assert.Equal(t, 0, ws.Len())
	for _, w := range waiters {
		select {
		case <-w.Done():
			assert.ErrorIs(t, w.Wait(context.Background()), ErrManagerStopped)
		default:
			t.Fatalf("waiter of shard %d not rejected", w.ShardID)
		}
	}
}
