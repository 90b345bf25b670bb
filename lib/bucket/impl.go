package bucket

import (
	"fmt"
	"sync"
	"time"

	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("bucket")

type bucketImpl struct {
	mu sync.Mutex

	queue []Task
	limit int
	delay time.Duration
	wait  bool

	locked    bool
	executing bool
	lockGen   uint64
	timer     *time.Timer

	sent struct {
		amount int
		last   time.Time
	}

	now func() time.Time
}

// NewBucket creates a new bucket that admits at most limit tasks per delay
// window. A limit of 0 disables the window. With wait set, tasks run one at
// a time and the next task starts only after the previous one returned.
//
// Usage:
//
//	b := bucket.NewBucket(1, 5*time.Second, true)
//	b.Add(func() error { return identify(shard) }, false)
func NewBucket(limit int, delay time.Duration, wait bool) IBucket {
	return &bucketImpl{
		limit: limit,
		delay: delay,
		wait:  wait,
		now:   time.Now,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see bucket.IBucket)
// --------------------------------------------------------------------------

func (b *bucketImpl) Add(task Task, unshift bool) {
	if task == nil {
		return
	}
	b.mu.Lock()
	if unshift {
		b.queue = append([]Task{task}, b.queue...)
	} else {
		b.queue = append(b.queue, task)
	}
	b.mu.Unlock()

	b.shift()
}

func (b *bucketImpl) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = nil
}

func (b *bucketImpl) Lock(unlockIn time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lockLocked(unlockIn)
}

func (b *bucketImpl) Unlock() {
	b.mu.Lock()
	b.unlockLocked()
	b.mu.Unlock()

	b.shift()
}

func (b *bucketImpl) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *bucketImpl) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// shift drains the queue until it is empty, locked or (in wait mode) a task
// is in flight
func (b *bucketImpl) shift() {
	for {
		b.mu.Lock()
		if b.executing || b.locked || len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}

		task := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]

		if b.wait {
			b.executing = true
			b.mu.Unlock()

			go b.runAndContinue(task)
			return
		}

		// burst mode: count the admission first, then fire and forget
		b.tryLockLocked()
		b.mu.Unlock()

		go b.invoke(task)
	}
}

// runAndContinue runs a task in wait mode and resumes draining once it settled
func (b *bucketImpl) runAndContinue(task Task) {
	b.invoke(task)

	b.mu.Lock()
	b.executing = false
	b.tryLockLocked()
	b.mu.Unlock()

	b.shift()
}

// invoke runs a task and swallows its error (or panic)
func (b *bucketImpl) invoke(task Task) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("bucket task panicked: %v", r)
		}
	}()
	if err := task(); err != nil {
		Logger.Debugf("bucket task failed: %v", err)
	}
}

// tryLockLocked counts one admission in the current window and locks the
// bucket for the rest of the window once the limit is reached.
// b.mu must be held.
func (b *bucketImpl) tryLockLocked() {
	if b.limit <= 0 {
		return
	}

	now := b.now()
	if !now.Before(b.sent.last.Add(b.delay)) {
		b.sent.amount = 0
		b.sent.last = now
	}

	b.sent.amount++
	if b.sent.amount >= b.limit {
		diff := max(b.delay-now.Sub(b.sent.last), 0)
		if diff > 0 {
			b.lockLocked(diff)
		}
	}
}

// lockLocked sets the lock and (re)arms the auto unlock. b.mu must be held.
func (b *bucketImpl) lockLocked(unlockIn time.Duration) {
	b.locked = true
	b.lockGen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if unlockIn > 0 {
		gen := b.lockGen
		b.timer = time.AfterFunc(unlockIn, func() { b.autoUnlock(gen) })
	}
}

// unlockLocked clears the lock. b.mu must be held.
func (b *bucketImpl) unlockLocked() {
	b.locked = false
	b.lockGen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// autoUnlock unlocks the bucket unless the lock was replaced in the meantime
func (b *bucketImpl) autoUnlock(gen uint64) {
	b.mu.Lock()
	if gen != b.lockGen {
		b.mu.Unlock()
		return
	}
	b.unlockLocked()
	b.mu.Unlock()

	b.shift()
}

func (b *bucketImpl) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("bucket(limit=%d, delay=%s, wait=%t, pending=%d, locked=%t)",
		b.limit, b.delay, b.wait, len(b.queue), b.locked)
}
