package sched

import (
	"context"
	"time"

	timer "github.com/xiaonanln/goTimer"
	"github.com/xiaonanln/godor/engine/consts"
	"github.com/xiaonanln/godor/engine/post"
)

type wallTimer struct {
	t    *timer.Timer
	done bool
}

func (wt *wallTimer) Cancel() {
	if wt.done {
		return
	}
	wt.done = true
	wt.t.Cancel()
}

func (wt *wallTimer) IsActive() bool {
	return !wt.done
}

// TaskManager is the production scheduler: wall-clock timers come from goTimer,
// frames advance once per Tick, and callbacks posted by I/O goroutines run at the end of each Tick.
type TaskManager struct {
	frames
}

// NewTaskManager creates a task manager
func NewTaskManager() *TaskManager {
	return &TaskManager{}
}

func (tm *TaskManager) AddCallback(d time.Duration, cb func()) Timer {
	wt := &wallTimer{}
	wt.t = timer.AddCallback(d, func() {
		if wt.done {
			return
		}
		wt.done = true
		cb()
	})
	return wt
}

func (tm *TaskManager) AddTimer(d time.Duration, cb func()) Timer {
	wt := &wallTimer{}
	wt.t = timer.AddTimer(d, func() {
		if !wt.done {
			cb()
		}
	})
	return wt
}

func (tm *TaskManager) Now() time.Time {
	return time.Now()
}

func (tm *TaskManager) Post(f func()) {
	post.Post(f)
}

// Tick runs one frame
func (tm *TaskManager) Tick() {
	tm.step()
	timer.Tick()
	post.Tick()
}

// Run ticks every consts.TICK_INTERVAL until ctx is done
func (tm *TaskManager) Run(ctx context.Context) {
	ticker := time.NewTicker(consts.TICK_INTERVAL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tm.Tick()
		}
	}
}
