// Package sched provides the tick-driven task manager every runtime component is driven by.
//
// All callbacks run on the goroutine that calls Tick (or Step/Advance on the
// manual scheduler). Components receive a Scheduler in their constructor.
package sched

import (
	"sort"
	"time"

	"github.com/xiaonanln/godor/engine/gwutils"
)

// Task priorities for frame tasks. Lower runs first.
const (
	PriorityReader   = -30
	PriorityDispatch = 0
	PriorityDebounce = 10
	PriorityFlush    = 20
)

// Timer is a cancellable scheduled callback. Cancel is idempotent and may be
// called from inside the timer's own callback.
type Timer interface {
	Cancel()
	IsActive() bool
}

// Scheduler is the tick scheduler service
type Scheduler interface {
	// AddCallback calls cb once after d
	AddCallback(d time.Duration, cb func()) Timer
	// AddTimer calls cb every d until cancelled
	AddTimer(d time.Duration, cb func()) Timer
	// AfterFrames calls cb once after n frames
	AfterFrames(n int, cb func()) Timer
	// AddFrameTask calls fn every frame, ordered by priority
	AddFrameTask(name string, priority int, fn func()) Timer
	// Now returns the scheduler clock
	Now() time.Time
	// Frame returns the number of frames run so far
	Frame() uint64
	// Post queues f to run on the tick goroutine. Safe from any goroutine.
	Post(f func())
}

type frameTask struct {
	name     string
	priority int
	seq      uint64
	fn       func()
	active   bool
}

func (t *frameTask) Cancel() {
	t.active = false
}

func (t *frameTask) IsActive() bool {
	return t.active
}

type frameCallback struct {
	fireFrame uint64
	cb        func()
	active    bool
}

func (c *frameCallback) Cancel() {
	c.active = false
}

func (c *frameCallback) IsActive() bool {
	return c.active
}

// frames holds the frame-driven part shared by both schedulers
type frames struct {
	frame     uint64
	seq       uint64
	tasks     []*frameTask
	callbacks []*frameCallback
}

func (f *frames) Frame() uint64 {
	return f.frame
}

func (f *frames) AfterFrames(n int, cb func()) Timer {
	if n < 1 {
		n = 1
	}
	c := &frameCallback{fireFrame: f.frame + uint64(n), cb: cb, active: true}
	f.callbacks = append(f.callbacks, c)
	return c
}

func (f *frames) AddFrameTask(name string, priority int, fn func()) Timer {
	f.seq++
	t := &frameTask{name: name, priority: priority, seq: f.seq, fn: fn, active: true}
	f.tasks = append(f.tasks, t)
	sort.SliceStable(f.tasks, func(i, j int) bool {
		a, b := f.tasks[i], f.tasks[j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.seq < b.seq
	})
	return t
}

// step runs one frame: frame tasks in priority order, then due frame callbacks
func (f *frames) step() {
	f.frame++

	tasks := append([]*frameTask(nil), f.tasks...)
	for _, t := range tasks {
		if t.active {
			gwutils.RunPanicless(t.fn)
		}
	}
	live := f.tasks[:0]
	for _, t := range f.tasks {
		if t.active {
			live = append(live, t)
		}
	}
	f.tasks = live

	var due []*frameCallback
	pending := f.callbacks[:0]
	for _, c := range f.callbacks {
		if !c.active {
			continue
		}
		if c.fireFrame <= f.frame {
			due = append(due, c)
		} else {
			pending = append(pending, c)
		}
	}
	f.callbacks = pending
	for _, c := range due {
		if c.active {
			c.active = false
			gwutils.RunPanicless(c.cb)
		}
	}
}

// FrameTaskNames lists active frame tasks in run order
func (f *frames) FrameTaskNames() []string {
	names := make([]string, 0, len(f.tasks))
	for _, t := range f.tasks {
		if t.active {
			names = append(names, t.name)
		}
	}
	return names
}
