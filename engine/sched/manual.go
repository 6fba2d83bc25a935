package sched

import (
	"container/heap"
	"time"

	"github.com/xiaonanln/godor/engine/gwutils"
	"github.com/xiaonanln/godor/engine/post"
)

type manualTimer struct {
	fireTime time.Time
	interval time.Duration
	repeat   bool
	seq      uint64
	cb       func()
	active   bool
	index    int
}

func (t *manualTimer) Cancel() {
	t.active = false
}

func (t *manualTimer) IsActive() bool {
	return t.active
}

type timerHeap []*manualTimer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if !h[i].fireTime.Equal(h[j].fireTime) {
		return h[i].fireTime.Before(h[j].fireTime)
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x interface{}) {
	t := x.(*manualTimer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

// ManualScheduler runs on a virtual clock that only moves when told to.
// Tests drive it with Advance and Step.
type ManualScheduler struct {
	frames
	now    time.Time
	timers timerHeap
	seq    uint64
	Posted post.Queue
}

// NewManualScheduler creates a scheduler whose clock starts at a fixed instant
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{
		now: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (ms *ManualScheduler) add(d time.Duration, repeat bool, cb func()) *manualTimer {
	ms.seq++
	t := &manualTimer{
		fireTime: ms.now.Add(d),
		interval: d,
		repeat:   repeat,
		seq:      ms.seq,
		cb:       cb,
		active:   true,
	}
	heap.Push(&ms.timers, t)
	return t
}

func (ms *ManualScheduler) AddCallback(d time.Duration, cb func()) Timer {
	return ms.add(d, false, cb)
}

func (ms *ManualScheduler) AddTimer(d time.Duration, cb func()) Timer {
	if d <= 0 {
		d = time.Millisecond
	}
	return ms.add(d, true, cb)
}

func (ms *ManualScheduler) Now() time.Time {
	return ms.now
}

func (ms *ManualScheduler) Post(f func()) {
	ms.Posted.Post(f)
}

// Elapsed returns how far the clock moved since creation
func (ms *ManualScheduler) Elapsed() time.Duration {
	return ms.now.Sub(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
}

// Advance moves the clock forward by d, firing due timers in order
func (ms *ManualScheduler) Advance(d time.Duration) {
	target := ms.now.Add(d)
	for len(ms.timers) > 0 {
		t := ms.timers[0]
		if !t.active {
			heap.Pop(&ms.timers)
			continue
		}
		if t.fireTime.After(target) {
			break
		}
		heap.Pop(&ms.timers)
		ms.now = t.fireTime
		if t.repeat {
			t.fireTime = t.fireTime.Add(t.interval)
			heap.Push(&ms.timers, t)
		} else {
			t.active = false
		}
		gwutils.RunPanicless(t.cb)
	}
	ms.now = target
	ms.Posted.Tick()
}

// Step runs n frames
func (ms *ManualScheduler) Step(n int) {
	for i := 0; i < n; i++ {
		ms.step()
		ms.Posted.Tick()
	}
}

// PendingTimers returns the number of active wall-clock timers
func (ms *ManualScheduler) PendingTimers() int {
	n := 0
	for _, t := range ms.timers {
		if t.active {
			n++
		}
	}
	return n
}
