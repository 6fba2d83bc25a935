package dbserver

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/godor/engine/common"
	"github.com/xiaonanln/godor/engine/consts"
	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/kvdb"
	"github.com/xiaonanln/godor/engine/sched"
	"github.com/xiaonanln/godor/engine/storage"
)

// NextDoIDKey is the kvdb key holding the first doId not yet reserved
const NextDoIDKey = "dbserver$next_doid"

// ErrDoIDsExhausted is reported when the configured doId range is used up
var ErrDoIDsExhausted = errors.New("doId range exhausted")

type doIDCallback func(doID common.DoID, err error)

// doIDAllocator hands out doIds in [min, max]. With kvdb enabled it reserves
// consts.DBSERVER_DOID_RESERVE ids per kvdb write, so a restart skips at most
// one reserve. Without kvdb it continues after the largest stored doId.
type doIDAllocator struct {
	sched     sched.Scheduler
	min, max  uint64
	next      uint64
	reserved  uint64 // ids below are recorded as used
	ready     bool
	reserving bool
	waiting   []doIDCallback
}

func newDoIDAllocator(s sched.Scheduler, min, max common.DoID) *doIDAllocator {
	return &doIDAllocator{
		sched: s,
		min:   uint64(min),
		max:   uint64(max),
	}
}

func (a *doIDAllocator) load() {
	if !kvdb.IsEnabled() {
		storage.ListObjectIDs(func(ids []common.DoID, err error) {
			if err != nil {
				gwlog.Errorf("doId allocator: list stored objects: %v, starting at %d", err, a.min)
			}
			next := a.min
			for _, id := range ids {
				if uint64(id) >= next && uint64(id) <= a.max {
					next = uint64(id) + 1
				}
			}
			a.next, a.reserved = next, a.max+1
			a.setReady()
		})
		return
	}

	kvdb.Get(NextDoIDKey, func(val string, err error) {
		if err != nil {
			gwlog.Errorf("doId allocator: read %s: %v", NextDoIDKey, err)
			a.sched.AddCallback(time.Second, a.load)
			return
		}
		next := a.min
		if val != "" {
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				gwlog.Errorf("doId allocator: bad %s %q: %v", NextDoIDKey, val, err)
			} else if n > next {
				next = n
			}
		}
		a.next, a.reserved = next, next
		a.setReady()
	})
}

func (a *doIDAllocator) setReady() {
	gwlog.Infof("doId allocator: next doId %d, range [%d, %d]", a.next, a.min, a.max)
	a.ready = true
	a.serve()
}

// alloc calls cb with a fresh doId once one is available
func (a *doIDAllocator) alloc(cb doIDCallback) {
	a.waiting = append(a.waiting, cb)
	a.serve()
}

func (a *doIDAllocator) serve() {
	for a.ready && len(a.waiting) > 0 {
		cb := a.waiting[0]
		if a.next > a.max {
			a.waiting = a.waiting[1:]
			cb(0, errors.Wrapf(ErrDoIDsExhausted, "[%d, %d]", a.min, a.max))
			continue
		}
		if a.next >= a.reserved {
			a.reserve()
			return
		}
		a.waiting = a.waiting[1:]
		doID := a.next
		a.next++
		cb(common.DoID(doID), nil)
	}
}

func (a *doIDAllocator) reserve() {
	if a.reserving {
		return
	}
	a.reserving = true
	end := a.next + consts.DBSERVER_DOID_RESERVE
	if end > a.max+1 {
		end = a.max + 1
	}
	kvdb.Put(NextDoIDKey, strconv.FormatUint(end, 10), func(err error) {
		a.reserving = false
		if err != nil {
			gwlog.Errorf("doId allocator: reserve up to %d: %v", end, err)
			a.sched.AddCallback(time.Second, a.serve)
			return
		}
		a.reserved = end
		a.serve()
	})
}
