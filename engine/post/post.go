// Package post moves callbacks from I/O goroutines onto the main tick.
package post

import (
	"sync"

	"github.com/xiaonanln/godor/engine/gwutils"
)

// PostCallback is the type of functions to be posted
type PostCallback func()

// Queue collects callbacks posted from any goroutine until the owner ticks it
type Queue struct {
	lock      sync.Mutex
	callbacks []PostCallback
}

// Post a callback which will be executed on the next Tick of the queue
func (q *Queue) Post(f PostCallback) {
	q.lock.Lock()
	q.callbacks = append(q.callbacks, f)
	q.lock.Unlock()
}

// Len returns the number of callbacks waiting
func (q *Queue) Len() int {
	q.lock.Lock()
	n := len(q.callbacks)
	q.lock.Unlock()
	return n
}

// Tick runs posted callbacks until none are left.
// Callbacks posted while ticking run in the same Tick.
func (q *Queue) Tick() int {
	ran := 0
	for {
		q.lock.Lock()
		if len(q.callbacks) == 0 {
			q.lock.Unlock()
			return ran
		}
		callbacksCopy := q.callbacks
		q.callbacks = make([]PostCallback, 0, len(callbacksCopy))
		q.lock.Unlock()

		for _, f := range callbacksCopy {
			gwutils.RunPanicless(f)
		}
		ran += len(callbacksCopy)
	}
}

var defaultQueue Queue

// Post a callback to the process main queue
//
// Post might be called from other goroutine, so the queue is locked
func Post(f PostCallback) {
	defaultQueue.Post(f)
}

// Tick is called by the main routine to run all posted functions
func Tick() int {
	return defaultQueue.Tick()
}
