// Package barrier implements N-of-N rendezvous of avatars: the AI side
// Coordinator waits until every listed avatar reported ready or the timeout
// expired, and the client side Participant reports readiness.
package barrier

import (
	"fmt"
	"sort"
	"time"

	"github.com/xiaonanln/godor/engine/common"
	"github.com/xiaonanln/godor/engine/consts"
	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/sched"
)

const (
	// DataField broadcasts the outstanding barriers: (uint16 context, string name, uint32[] avIds)[]
	DataField = "setBarrierData"
	// ReadyField is sent by clients: uint16 context
	ReadyField = "setBarrierReady"
)

// Data describes one outstanding barrier on the wire
type Data struct {
	Context uint16
	Name    string
	Avatars []uint32
}

// ParseData converts a decoded DataField value
func ParseData(v [][]interface{}) []Data {
	res := make([]Data, 0, len(v))
	for _, tuple := range v {
		if len(tuple) != 3 {
			continue
		}
		d := Data{}
		d.Context, _ = tuple[0].(uint16)
		d.Name, _ = tuple[1].(string)
		d.Avatars, _ = tuple[2].([]uint32)
		res = append(res, d)
	}
	return res
}

// Sender sends field updates of the object owning the barriers
type Sender interface {
	SendUpdate(fieldName string, args ...interface{}) error
}

// Callback receives the avatars that cleared the barrier
type Callback func(cleared []common.DoID)

// Barrier is one outstanding rendezvous
type Barrier struct {
	Name    string
	Context uint16
	avIDs   []common.DoID
	pending map[common.DoID]struct{}
	timer   sched.Timer
	cb      Callback
}

func (b *Barrier) String() string {
	return fmt.Sprintf("Barrier<%s ctx=%d pending=%d/%d>", b.Name, b.Context, len(b.pending), len(b.avIDs))
}

// Pending returns avatars that did not clear yet, sorted
func (b *Barrier) Pending() []common.DoID {
	res := make([]common.DoID, 0, len(b.pending))
	for id := range b.pending {
		res = append(res, id)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

func (b *Barrier) cleared() []common.DoID {
	res := []common.DoID{}
	for _, id := range b.avIDs {
		if _, ok := b.pending[id]; !ok {
			res = append(res, id)
		}
	}
	return res
}

// Coordinator runs the barriers of one AI object
type Coordinator struct {
	obj         Sender
	sched       sched.Scheduler
	nextContext uint16
	barriers    map[uint16]*Barrier
}

// NewCoordinator creates a coordinator broadcasting through obj
func NewCoordinator(obj Sender, s sched.Scheduler) *Coordinator {
	return &Coordinator{
		obj:      obj,
		sched:    s,
		barriers: map[uint16]*Barrier{},
	}
}

// Get returns the outstanding barrier with context, or nil
func (c *Coordinator) Get(context uint16) *Barrier {
	return c.barriers[context]
}

// Len returns the number of outstanding barriers
func (c *Coordinator) Len() int {
	return len(c.barriers)
}

func (c *Coordinator) allocContext() uint16 {
	for i := 0; i <= 0xFFFF; i++ {
		ctx := c.nextContext
		c.nextContext++
		if _, ok := c.barriers[ctx]; !ok {
			return ctx
		}
	}
	gwlog.Panicf("barrier: all contexts in use")
	return 0
}

// BeginBarrier waits for avIDs to report ready. cb is called once with the
// avatars that cleared, when all did or when timeout expires. With no avatars
// cb is called before BeginBarrier returns.
func (c *Coordinator) BeginBarrier(name string, avIDs []common.DoID, timeout time.Duration, cb Callback) uint16 {
	context := c.allocContext()
	if len(avIDs) == 0 {
		cb([]common.DoID{})
		return context
	}
	b := &Barrier{
		Name:    name,
		Context: context,
		avIDs:   append([]common.DoID(nil), avIDs...),
		pending: map[common.DoID]struct{}{},
		cb:      cb,
	}
	for _, id := range avIDs {
		b.pending[id] = struct{}{}
	}
	b.timer = c.sched.AddCallback(timeout, func() {
		if c.barriers[context] != b {
			return
		}
		if consts.DEBUG_BARRIERS {
			gwlog.Debugf("%s timed out", b)
		}
		c.finish(b)
	})
	c.barriers[context] = b
	if consts.DEBUG_BARRIERS {
		gwlog.Debugf("begin %s", b)
	}
	c.broadcast()
	return context
}

// SetBarrierReady clears avID from the barrier. Late or unknown contexts are ignored.
func (c *Coordinator) SetBarrierReady(avID common.DoID, context uint16) {
	b := c.barriers[context]
	if b == nil {
		gwlog.Debugf("barrier: ready from %d for unknown context %d", avID, context)
		return
	}
	if _, ok := b.pending[avID]; !ok {
		gwlog.Debugf("%s: %d is not pending", b, avID)
		return
	}
	delete(b.pending, avID)
	if len(b.pending) == 0 {
		c.finish(b)
	}
}

// IgnoreBarrier drops a barrier without calling its callback. Calling it again does nothing.
func (c *Coordinator) IgnoreBarrier(context uint16) {
	b := c.barriers[context]
	if b == nil {
		return
	}
	b.timer.Cancel()
	delete(c.barriers, context)
	c.broadcast()
}

// Cleanup drops every barrier, used when the owning object is deleted
func (c *Coordinator) Cleanup() {
	for _, b := range c.barriers {
		b.timer.Cancel()
	}
	c.barriers = map[uint16]*Barrier{}
}

func (c *Coordinator) finish(b *Barrier) {
	b.timer.Cancel()
	delete(c.barriers, b.Context)
	c.broadcast()
	b.cb(b.cleared())
}

// Data returns every outstanding barrier ordered by context
func (c *Coordinator) Data() []Data {
	data := make([]Data, 0, len(c.barriers))
	for _, b := range c.barriers {
		d := Data{Context: b.Context, Name: b.Name}
		for _, id := range b.Pending() {
			d.Avatars = append(d.Avatars, uint32(id))
		}
		data = append(data, d)
	}
	sort.Slice(data, func(i, j int) bool { return data[i].Context < data[j].Context })
	return data
}

func (c *Coordinator) broadcast() {
	if c.obj == nil {
		return
	}
	if err := c.obj.SendUpdate(DataField, c.Data()); err != nil {
		gwlog.Errorf("barrier: broadcast failed: %v", err)
	}
}

// Object is the client side object taking part in barriers
type Object interface {
	Sender
	AddBarrierContext(ctx uint16)
	RemoveBarrierContext(ctx uint16) bool
}

// Participant reports readiness for the barriers that list the local avatar
type Participant struct {
	obj     Object
	localAv common.DoID
	names   map[string]uint16
}

// NewParticipant creates the client side of barriers on obj for localAv
func NewParticipant(obj Object, localAv common.DoID) *Participant {
	return &Participant{
		obj:     obj,
		localAv: localAv,
		names:   map[string]uint16{},
	}
}

// SetBarrierData records the barriers that wait for the local avatar
func (p *Participant) SetBarrierData(data []Data) {
	for _, d := range data {
		for _, av := range d.Avatars {
			if common.DoID(av) == p.localAv {
				p.names[d.Name] = d.Context
				p.obj.AddBarrierContext(d.Context)
				break
			}
		}
	}
}

// IsWaiting returns whether a barrier called name waits for the local avatar
func (p *Participant) IsWaiting(name string) bool {
	_, ok := p.names[name]
	return ok
}

// DoneBarrier reports the local avatar ready for the barrier called name, or
// for every known barrier when name is empty
func (p *Participant) DoneBarrier(name string) bool {
	sent := false
	for n, ctx := range p.names {
		if name != "" && n != name {
			continue
		}
		delete(p.names, n)
		p.obj.RemoveBarrierContext(ctx)
		if err := p.obj.SendUpdate(ReadyField, ctx); err != nil {
			gwlog.Errorf("barrier: ready %s failed: %v", n, err)
			continue
		}
		sent = true
	}
	if !sent {
		gwlog.Warnf("barrier: no barrier %q to clear", name)
	}
	return sent
}
