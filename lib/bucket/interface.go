package bucket

import "time"

// Task is a deferred callable scheduled by a bucket. A returned error is
// logged and then dropped, it never reaches the caller of Add.
type Task func() error

// IBucket defines the interface of an admission queue with an optional
// token window.
type IBucket interface {
	// Add enqueues a task and tries to drain the queue.
	// Tasks run in FIFO order, if unshift is true the task is put in front
	// of all tasks that have not started yet.
	Add(task Task, unshift bool)

	// Clear drops all pending tasks. Running tasks are not affected.
	Clear()

	// Lock blocks all dequeuing. If unlockIn is positive the bucket unlocks
	// itself after that duration.
	Lock(unlockIn time.Duration)

	// Unlock clears the lock and resumes draining.
	Unlock()

	// Len returns the number of pending tasks
	Len() int

	// Locked reports whether dequeuing is currently blocked
	Locked() bool
}
