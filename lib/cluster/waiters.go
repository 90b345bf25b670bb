package cluster

import (
	"context"
	"fmt"
	"sync"
)

// IdentifyWaiter is one outstanding identify admission of a shard. It settles
// exactly once, either resolved or rejected.
type IdentifyWaiter struct {
	ShardID int

	once sync.Once
	done chan struct{}
	err  error
}

func newIdentifyWaiter(shardID int) *IdentifyWaiter {
	return &IdentifyWaiter{ShardID: shardID, done: make(chan struct{})}
}

// Wait blocks until the waiter settled or ctx is done
func (w *IdentifyWaiter) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the waiter settled
func (w *IdentifyWaiter) Done() <-chan struct{} {
	return w.done
}

// Settled reports whether the waiter was resolved or rejected
func (w *IdentifyWaiter) Settled() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// settle returns false if the waiter already settled
func (w *IdentifyWaiter) settle(err error) bool {
	settled := false
	w.once.Do(func() {
		w.err = err
		close(w.done)
		settled = true
	})
	return settled
}

// IdentifyWaiters holds at most one outstanding waiter per shard
type IdentifyWaiters struct {
	mu      sync.Mutex
	waiters map[int]*IdentifyWaiter
}

// NewIdentifyWaiters creates an empty waiter table
func NewIdentifyWaiters() *IdentifyWaiters {
	return &IdentifyWaiters{waiters: make(map[int]*IdentifyWaiter)}
}

// Add registers a new waiter for the shard. An outstanding waiter of the same
// shard is rejected with ErrDuplicateIdentify, never silently replaced.
func (ws *IdentifyWaiters) Add(shardID int) *IdentifyWaiter {
	w := newIdentifyWaiter(shardID)

	ws.mu.Lock()
	stale := ws.waiters[shardID]
	ws.waiters[shardID] = w
	ws.mu.Unlock()

	if stale != nil && stale.settle(fmt.Errorf("shard %d: %w", shardID, ErrDuplicateIdentify)) {
		Logger.Warningf("Rejected stale identify waiter of shard %d", shardID)
	}
	return w
}

// Resolve resolves and removes the outstanding waiter of the shard
func (ws *IdentifyWaiters) Resolve(shardID int) bool {
	ws.mu.Lock()
	w, ok := ws.waiters[shardID]
	delete(ws.waiters, shardID)
	ws.mu.Unlock()

	return ok && w.settle(nil)
}

// Reject rejects and removes the outstanding waiter of the shard
func (ws *IdentifyWaiters) Reject(shardID int, err error) bool {
	ws.mu.Lock()
	w, ok := ws.waiters[shardID]
	delete(ws.waiters, shardID)
	ws.mu.Unlock()

	return ok && w.settle(err)
}

// Settle settles the given waiter with err (nil resolves) and removes it if it
// is still the current one. Returns false if the waiter had already settled.
func (ws *IdentifyWaiters) Settle(w *IdentifyWaiter, err error) bool {
	ws.mu.Lock()
	if ws.waiters[w.ShardID] == w {
		delete(ws.waiters, w.ShardID)
	}
	ws.mu.Unlock()

	return w.settle(err)
}

// RejectAll rejects and removes every outstanding waiter
func (ws *IdentifyWaiters) RejectAll(err error) {
	ws.mu.Lock()
	waiters := ws.waiters
	ws.waiters = make(map[int]*IdentifyWaiter)
	ws.mu.Unlock()

	for _, w := range waiters {
		w.settle(err)
	}
}

// Len returns the number of outstanding waiters
func (ws *IdentifyWaiters) Len() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.waiters)
}
