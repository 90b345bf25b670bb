package bucket

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects the order and start time of executed tasks
type recorder struct {
	mu    sync.Mutex
	order []int
	times []time.Time
	wg    sync.WaitGroup
}

func (r *recorder) task(id int) Task {
	r.wg.Add(1)
	return func() error {
		defer r.wg.Done()
		r.mu.Lock()
		r.order = append(r.order, id)
		r.times = append(r.times, time.Now())
		r.mu.Unlock()
		return nil
	}
}

func (r *recorder) wait(t *testing.T, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("tasks did not finish within %s", timeout)
	}
}

// TestWindowAdmitsLimitThenWaits tests that exactly limit tasks run before the window elapsed
func TestWindowAdmitsLimitThenWaits(t *testing.T) {
	const (
		limit = 3
		delay = 200 * time.Millisecond
		n     = 5
	)
	b := NewBucket(limit, delay, false)
	rec := &recorder{}

	start := time.Now()
	for i := 0; i < n; i++ {
		b.Add(rec.task(i), false)
	}
	rec.wait(t, 2*time.Second)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.times, n)

	early := 0
	for _, ts := range rec.times {
		if ts.Sub(start) < delay {
			early++
		}
	}
	assert.Equal(t, limit, early, "exactly limit tasks must run inside the first window")

	// the tasks run concurrently, so sort out which ones were late by time
	late := 0
	for _, ts := range rec.times {
		if ts.Sub(start) >= delay {
			late++
		}
	}
	assert.Equal(t, n-limit, late)
}

// TestWaitModeSerializes tests that at most one task is in flight in wait mode
func TestWaitModeSerializes(t *testing.T) {
	b := NewBucket(0, 0, true)

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		b.Add(func() error {
			defer wg.Done()
			cur := inFlight.Add(1)
			for {
				prev := maxInFlight.Load()
				if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		}, false)
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight.Load())
}

// TestWaitModeWindowSpacing tests limit=1 wait=true, the identify configuration
func TestWaitModeWindowSpacing(t *testing.T) {
	const delay = 100 * time.Millisecond
	b := NewBucket(1, delay, true)
	rec := &recorder{}

	for i := 0; i < 3; i++ {
		b.Add(rec.task(i), false)
	}
	rec.wait(t, 2*time.Second)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, rec.order)
	for i := 1; i < len(rec.times); i++ {
		assert.GreaterOrEqual(t, rec.times[i].Sub(rec.times[i-1]), delay)
	}
}

// TestUnshiftRunsFirst tests LIFO priority insertion ahead of pending tasks
func TestUnshiftRunsFirst(t *testing.T) {
	b := NewBucket(0, 0, true)
	rec := &recorder{}

	b.Lock(0)
	b.Add(rec.task(1), false)
	b.Add(rec.task(2), false)
	b.Add(rec.task(3), true)
	assert.Equal(t, 3, b.Len())
	b.Unlock()

	rec.wait(t, time.Second)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []int{3, 1, 2}, rec.order)
}

// TestErrorsAndPanicsAreSwallowed tests that failing tasks do not stop the bucket
func TestErrorsAndPanicsAreSwallowed(t *testing.T) {
	b := NewBucket(0, 0, true)
	rec := &recorder{}

	b.Add(func() error { return errors.New("boom") }, false)
	b.Add(func() error { panic("boom") }, false)
	b.Add(rec.task(1), false)

	rec.wait(t, time.Second)
	assert.Equal(t, []int{1}, rec.order)
}

// TestLockBlocksAndAutoUnlocks tests explicit locking
func TestLockBlocksAndAutoUnlocks(t *testing.T) {
	b := NewBucket(0, 0, false)
	rec := &recorder{}

	b.Lock(80 * time.Millisecond)
	require.True(t, b.Locked())

	start := time.Now()
	b.Add(rec.task(1), false)
	assert.Equal(t, 1, b.Len())

	rec.wait(t, time.Second)
	assert.False(t, b.Locked())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.GreaterOrEqual(t, rec.times[0].Sub(start), 80*time.Millisecond)
}

// TestRelockReplacesAutoUnlock tests that a stale auto unlock does not clear a newer lock
func TestRelockReplacesAutoUnlock(t *testing.T) {
	b := NewBucket(0, 0, false)
	b.Lock(20 * time.Millisecond)
	b.Lock(0)

	time.Sleep(60 * time.Millisecond)
	assert.True(t, b.Locked(), "manual lock must survive the first auto unlock")
	b.Unlock()
	assert.False(t, b.Locked())
}

// TestClearDropsPending tests that Clear removes queued tasks
func TestClearDropsPending(t *testing.T) {
	b := NewBucket(0, 0, true)
	var ran atomic.Bool

	b.Lock(0)
	b.Add(func() error { ran.Store(true); return nil }, false)
	b.Clear()
	assert.Equal(t, 0, b.Len())
	b.Unlock()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load())
}
