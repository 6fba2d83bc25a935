// Package async runs blocking jobs on per-group worker goroutines. Jobs of a
// group run in order; their callbacks are posted back to the main tick.
package async

import (
	"sync"

	"github.com/xiaonanln/godor/engine/consts"
	"github.com/xiaonanln/godor/engine/netutil"
	"github.com/xiaonanln/godor/engine/post"
)

var (
	numAsyncJobWorkersRunning sync.WaitGroup
)

// Poster runs f on the main tick
type Poster func(f func())

// AsyncCallback receives the result of an async routine on the main tick
type AsyncCallback func(res interface{}, err error)

// AsyncRoutine is the blocking part of a job
type AsyncRoutine func() (res interface{}, err error)

// AsyncJobWorker runs the jobs of one group
type AsyncJobWorker struct {
	jobQueue chan asyncJobItem
}

type asyncJobItem struct {
	routine  AsyncRoutine
	callback AsyncCallback
	poster   Poster
}

func newAsyncJobWorker() *AsyncJobWorker {
	ajw := &AsyncJobWorker{
		jobQueue: make(chan asyncJobItem, consts.ASYNC_JOB_QUEUE_MAXLEN),
	}
	numAsyncJobWorkersRunning.Add(1)
	go netutil.ServeForever(ajw.loop)
	return ajw
}

func (ajw *AsyncJobWorker) appendJob(item asyncJobItem) {
	ajw.jobQueue <- item
}

func (ajw *AsyncJobWorker) loop() {
	for item := range ajw.jobQueue {
		res, err := item.routine()
		if item.callback != nil {
			callback := item.callback
			item.poster(func() {
				callback(res, err)
			})
		}
	}
	numAsyncJobWorkersRunning.Done()
}

var (
	asyncJobWorkersLock sync.RWMutex
	asyncJobWorkers     = map[string]*AsyncJobWorker{}
)

func getAsyncJobWorker(group string) (ajw *AsyncJobWorker) {
	asyncJobWorkersLock.RLock()
	ajw = asyncJobWorkers[group]
	asyncJobWorkersLock.RUnlock()

	if ajw == nil {
		asyncJobWorkersLock.Lock()
		ajw = asyncJobWorkers[group]
		if ajw == nil {
			ajw = newAsyncJobWorker()
			asyncJobWorkers[group] = ajw
		}
		asyncJobWorkersLock.Unlock()
	}
	return
}

// AppendAsyncJob queues routine on group. callback is posted to the process main queue.
func AppendAsyncJob(group string, routine AsyncRoutine, callback AsyncCallback) {
	AppendAsyncJobTo(func(f func()) { post.Post(f) }, group, routine, callback)
}

// AppendAsyncJobTo queues routine on group. callback runs through poster.
func AppendAsyncJobTo(poster Poster, group string, routine AsyncRoutine, callback AsyncCallback) {
	getAsyncJobWorker(group).appendJob(asyncJobItem{routine: routine, callback: callback, poster: poster})
}

// Shutdown stops all workers after their queued jobs ran
func Shutdown() {
	asyncJobWorkersLock.Lock()
	for _, ajw := range asyncJobWorkers {
		close(ajw.jobQueue)
	}
	asyncJobWorkers = map[string]*AsyncJobWorker{}
	asyncJobWorkersLock.Unlock()

	numAsyncJobWorkersRunning.Wait()
}
