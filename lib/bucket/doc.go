// Package bucket implements the admission queue used to pace gateway
// identifies. A bucket is a FIFO queue of deferred tasks combined with a
// token window (limit occurrences per delay) and an explicit lock.
//
// Core Functionality:
//   - FIFO admission with optional LIFO priority insertion (unshift)
//   - Serialized execution (wait mode): at most one task in flight
//   - Token window: exactly limit admissions per rolling delay window
//   - Manual locking with optional automatic unlock
//
// Implementation Approach:
//
//	Every Add appends to the queue and calls shift, which dequeues until the
//	queue is empty, the bucket is locked or a task is executing.
//
//	- Wait mode: the head task runs in its own goroutine. When it returns the
//	  bucket counts the admission (tryLock) and continues draining.
//
//	- Burst mode: the admission is counted before the task starts and the
//	  task is fired without waiting, so up to limit tasks start at once.
//
//	- Token window: the first admission after a window elapsed resets the
//	  counter. Once the counter reaches limit the bucket locks itself for the
//	  remainder of the window.
//
// Errors:
//
//	A bucket schedules, it does not propagate. Task errors and panics are
//	logged at debug/error level and dropped.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Tasks never run while the
//	internal mutex is held, so a task may call Add on its own bucket.
//
// Usage Example:
//
//	// one identify every five seconds, one at a time
//	b := bucket.NewBucket(1, 5*time.Second, true)
//	b.Add(func() error {
//	    return socket.Identify()
//	}, false)
package bucket
