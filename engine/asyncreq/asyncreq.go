// Package asyncreq gathers objects and fields from the database server and
// calls back once all of them arrived, with a timeout and optional retries.
package asyncreq

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/godor/engine/common"
	"github.com/xiaonanln/godor/engine/consts"
	"github.com/xiaonanln/godor/engine/dc"
	"github.com/xiaonanln/godor/engine/dobj"
	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/messenger"
	"github.com/xiaonanln/godor/engine/netutil"
	"github.com/xiaonanln/godor/engine/opmon"
	"github.com/xiaonanln/godor/engine/proto"
	"github.com/xiaonanln/godor/engine/sched"
)

// ErrRequestTimeout is the cause reported by requests torn down by their last timeout
var ErrRequestTimeout = errors.New("async request timeout")

// State of a request
type State int

const (
	// Pending requests are still waiting for responses
	Pending State = iota
	// Finished requests called their finish callback
	Finished
	// TimedOut requests ran out of retries
	TimedOut
	// Cancelled requests were deleted by the caller
	Cancelled
)

func (s State) String() string {
	switch s {
	case Finished:
		return "Finished"
	case TimedOut:
		return "TimedOut"
	case Cancelled:
		return "Cancelled"
	}
	return "Pending"
}

// ObjectRecord is the stored state of an object returned by AskForObject
type ObjectRecord struct {
	DoID   common.DoID
	DClass *dc.DClass
	Fields map[string]interface{}
}

// GenerateResponseEvent is sent with the doId answering a create context
func GenerateResponseEvent(context uint32) string {
	return fmt.Sprintf("DBGenerateResponse-%d", context)
}

// QueryResponseEvent is sent with (found, values) answering a query context
func QueryResponseEvent(context uint32) string {
	return fmt.Sprintf("ObjectQueryResp-%d", context)
}

// Manager creates requests and routes database responses to them
type Manager struct {
	DBChannel      uint64
	Timeout        time.Duration
	NumRetries     int
	BreakOnTimeout bool

	registry *dc.Registry
	objects  *dobj.Manager
	sched    sched.Scheduler
	bus      *messenger.Messenger
	sender   proto.TargetedSender

	contextSerial uint32
	requests      map[*AsyncRequest]struct{}
}

// NewManager creates a request manager. objects may be nil when created
// objects never need to be instantiated locally.
func NewManager(reg *dc.Registry, objects *dobj.Manager, s sched.Scheduler, bus *messenger.Messenger, sender proto.TargetedSender) *Manager {
	return &Manager{
		DBChannel:  consts.DEFAULT_DB_CHANNEL,
		Timeout:    consts.DEFAULT_ASYNC_REQUEST_TIMEOUT,
		NumRetries: consts.DEFAULT_ASYNC_REQUEST_NUM_RETRIES,
		registry:   reg,
		objects:    objects,
		sched:      s,
		bus:        bus,
		sender:     sender,
		requests:   map[*AsyncRequest]struct{}{},
	}
}

// NumRequests returns how many requests are alive
func (m *Manager) NumRequests() int {
	return len(m.requests)
}

func (m *Manager) allocContext() uint32 {
	m.contextSerial++
	if m.contextSerial == 0 {
		m.contextSerial = 1
	}
	return m.contextSerial
}

// New starts a request with the manager's timeout and retries
func (m *Manager) New() *AsyncRequest {
	return m.NewWithTimeout(m.Timeout, m.NumRetries)
}

// NewWithTimeout starts a request. The timer runs from now; each retry waits
// one more full timeout without resending anything.
func (m *Manager) NewWithTimeout(timeout time.Duration, numRetries int) *AsyncRequest {
	r := &AsyncRequest{
		mgr:           m,
		timeout:       timeout,
		numRetries:    numRetries,
		neededObjects: map[string]interface{}{},
		filled:        map[string]bool{},
	}
	r.timer = m.sched.AddCallback(timeout, r.onTimeout)
	m.requests[r] = struct{}{}
	return r
}

// HandleGenerateResponse handles u32 context, u32 doId
func (m *Manager) HandleGenerateResponse(di *netutil.DatagramIterator) error {
	context := di.ReadUint32()
	doID := common.DoID(di.ReadUint32())
	if err := di.Err(); err != nil {
		return err
	}
	m.bus.Send(GenerateResponseEvent(context), doID)
	return nil
}

// HandleQueryAllResp handles u32 context, u8 found, u16 dclassId, u32 doId, field list
func (m *Manager) HandleQueryAllResp(di *netutil.DatagramIterator) error {
	context := di.ReadUint32()
	found := di.ReadBool()
	classNum := di.ReadUint16()
	doID := common.DoID(di.ReadUint32())
	if err := di.Err(); err != nil {
		return err
	}
	if !found {
		m.bus.Send(QueryResponseEvent(context), false, nil)
		return nil
	}
	cls, err := m.registry.ClassByNumber(classNum)
	if err != nil {
		return err
	}
	values, err := proto.ReadFieldList(di, m.registry, cls)
	if err != nil {
		return err
	}
	rec := &ObjectRecord{DoID: doID, DClass: cls, Fields: map[string]interface{}{}}
	for _, fv := range values {
		rec.Fields[fv.Field.Name] = fv.Value
	}
	m.bus.Send(QueryResponseEvent(context), true, rec)
	return nil
}

// HandleQueryFieldResp handles u32 context, u8 found, field list
func (m *Manager) HandleQueryFieldResp(di *netutil.DatagramIterator) error {
	context := di.ReadUint32()
	found := di.ReadBool()
	if err := di.Err(); err != nil {
		return err
	}
	if !found {
		m.bus.Send(QueryResponseEvent(context), false, nil)
		return nil
	}
	values, err := proto.ReadFieldList(di, m.registry, nil)
	if err != nil {
		return err
	}
	fields := map[string]interface{}{}
	for _, fv := range values {
		fields[fv.Field.Name] = fv.Value
	}
	m.bus.Send(QueryResponseEvent(context), true, fields)
	return nil
}

// AsyncRequest waits for a set of needed objects. Use Then for a callback
// or poll State and Value.
type AsyncRequest struct {
	mgr           *Manager
	timeout       time.Duration
	numRetries    int
	timer         sched.Timer
	neededObjects map[string]interface{}
	filled        map[string]bool
	finish        func(r *AsyncRequest)
	state         State
	finishCount   int
}

func (r *AsyncRequest) String() string {
	return fmt.Sprintf("AsyncRequest<%s, %d/%d filled>", r.state, len(r.filled), len(r.neededObjects))
}

// State returns the request state
func (r *AsyncRequest) State() State {
	return r.state
}

// Done returns whether the request is no longer pending
func (r *AsyncRequest) Done() bool {
	return r.state != Pending
}

// Err returns ErrRequestTimeout for timed out requests
func (r *AsyncRequest) Err() error {
	if r.state == TimedOut {
		return ErrRequestTimeout
	}
	return nil
}

// RetriesLeft returns how many more timeout windows the request will wait
func (r *AsyncRequest) RetriesLeft() int {
	return r.numRetries
}

// Value returns the filled value of key
func (r *AsyncRequest) Value(key string) (interface{}, bool) {
	if !r.filled[key] {
		return nil, false
	}
	return r.neededObjects[key], true
}

// Missing returns the keys still waiting for a response
func (r *AsyncRequest) Missing() []string {
	var keys []string
	for key := range r.neededObjects {
		if !r.filled[key] {
			keys = append(keys, key)
		}
	}
	return keys
}

// Then sets the callback called once every needed object arrived. The
// callback may ask for more objects, in which case the request keeps waiting
// and calls it again when those arrive.
func (r *AsyncRequest) Then(finish func(r *AsyncRequest)) *AsyncRequest {
	r.finish = finish
	return r
}

func (r *AsyncRequest) need(key string) bool {
	if r.state != Pending {
		gwlog.Warnf("%s: need %s after the request ended", r, key)
		return false
	}
	r.neededObjects[key] = nil
	delete(r.filled, key)
	return true
}

func (r *AsyncRequest) fill(key string, value interface{}) {
	if r.state != Pending {
		return
	}
	r.neededObjects[key] = value
	r.filled[key] = true
	r.checkCompletion()
}

func (r *AsyncRequest) checkCompletion() {
	if len(r.filled) < len(r.neededObjects) {
		return
	}
	r.finishCount++
	if r.finish != nil {
		r.finish(r)
	}
	if r.state == Pending && len(r.filled) == len(r.neededObjects) {
		r.end(Finished)
	}
}

// FinishCount returns how many times the finish callback ran
func (r *AsyncRequest) FinishCount() int {
	return r.finishCount
}

func (r *AsyncRequest) sendQuery(msgType proto.MsgType, context uint32, doID common.DoID, fields []*dc.Field) error {
	dg := r.mgr.sender.NewMessageTo(r.mgr.DBChannel, msgType)
	dg.AppendUint32(context)
	dg.AppendUint32(uint32(doID))
	if msgType == proto.MT_OBJECT_QUERY_FIELDS {
		dg.AppendUint16(uint16(len(fields)))
		for _, f := range fields {
			dg.AppendUint16(f.Number)
		}
	}
	return r.mgr.sender.SendDatagram(dg)
}

func (r *AsyncRequest) acceptQuery(context uint32, key string, onFound func(value interface{})) {
	r.mgr.bus.AcceptOnce(QueryResponseEvent(context), r, func(args ...interface{}) {
		if found, _ := args[0].(bool); !found {
			gwlog.Warnf("%s: %s not found", r, key)
			return
		}
		onFound(args[1])
	})
}

// AskForObject asks for every stored field of doID. The value is an *ObjectRecord keyed by the doId.
func (r *AsyncRequest) AskForObject(doID common.DoID) error {
	key := fmt.Sprintf("%d", doID)
	if !r.need(key) {
		return errors.New("request ended")
	}
	context := r.mgr.allocContext()
	r.acceptQuery(context, key, func(value interface{}) {
		r.fill(key, value)
	})
	return r.sendQuery(proto.MT_OBJECT_QUERY_ALL, context, doID, nil)
}

// AskForObjectField asks for one field of doID. key defaults to the field name.
func (r *AsyncRequest) AskForObjectField(className, fieldName string, doID common.DoID, key string) error {
	if key == "" {
		key = fieldName
	}
	fields, err := r.mgr.lookupFields(className, []string{fieldName})
	if err != nil {
		return err
	}
	if !r.need(key) {
		return errors.New("request ended")
	}
	context := r.mgr.allocContext()
	r.acceptQuery(context, key, func(value interface{}) {
		r.fill(key, value.(map[string]interface{})[fieldName])
	})
	return r.sendQuery(proto.MT_OBJECT_QUERY_FIELDS, context, doID, fields)
}

// AskForObjectFields asks for several fields of doID. The value is a map of
// field name to value; key defaults to the first field name.
func (r *AsyncRequest) AskForObjectFields(className string, fieldNames []string, doID common.DoID, key string) error {
	if len(fieldNames) == 0 {
		return errors.New("no fields")
	}
	if key == "" {
		key = fieldNames[0]
	}
	fields, err := r.mgr.lookupFields(className, fieldNames)
	if err != nil {
		return err
	}
	if !r.need(key) {
		return errors.New("request ended")
	}
	context := r.mgr.allocContext()
	r.acceptQuery(context, key, func(value interface{}) {
		r.fill(key, value)
	})
	return r.sendQuery(proto.MT_OBJECT_QUERY_FIELDS, context, doID, fields)
}

// SetObjectFields asks the database to store values on doID. No reply is sent.
func (m *Manager) SetObjectFields(className string, doID common.DoID, values map[string]interface{}) error {
	cls, err := m.registry.ClassByName(className)
	if err != nil {
		return err
	}
	var fvs []proto.FieldValue
	for _, f := range cls.Fields {
		if v, ok := values[f.Name]; ok {
			fvs = append(fvs, proto.FieldValue{Field: f, Value: v})
		}
	}
	if len(fvs) != len(values) {
		return errors.Wrapf(dc.ErrUnknownField, "set %s fields %v", className, values)
	}
	dg := m.sender.NewMessageTo(m.DBChannel, proto.MT_OBJECT_SET_FIELDS)
	dg.AppendUint32(uint32(doID))
	if err := proto.AppendFieldList(dg, fvs); err != nil {
		return err
	}
	return m.sender.SendDatagram(dg)
}

func (m *Manager) lookupFields(className string, fieldNames []string) ([]*dc.Field, error) {
	cls, err := m.registry.ClassByName(className)
	if err != nil {
		return nil, err
	}
	fields := make([]*dc.Field, len(fieldNames))
	for i, name := range fieldNames {
		if fields[i] = cls.FieldByName(name); fields[i] == nil {
			return nil, errors.Wrapf(dc.ErrUnknownField, "%s has no field %s", className, name)
		}
	}
	return fields, nil
}

func (r *AsyncRequest) sendCreate(className string, values map[string]interface{}, onDoID func(doID common.DoID)) error {
	cls, err := r.mgr.registry.ClassByName(className)
	if err != nil {
		return err
	}
	var fvs []proto.FieldValue
	for _, f := range cls.Fields {
		if v, ok := values[f.Name]; ok {
			fvs = append(fvs, proto.FieldValue{Field: f, Value: v})
		}
	}
	if len(fvs) != len(values) {
		return errors.Wrapf(dc.ErrUnknownField, "create %s with %v", className, values)
	}
	context := r.mgr.allocContext()
	dg := r.mgr.sender.NewMessageTo(r.mgr.DBChannel, proto.MT_DB_CREATE_OBJECT)
	dg.AppendUint32(context)
	dg.AppendUint16(uint16(cls.Number))
	if err := proto.AppendFieldList(dg, fvs); err != nil {
		return err
	}
	r.mgr.bus.AcceptOnce(GenerateResponseEvent(context), r, func(args ...interface{}) {
		onDoID(args[0].(common.DoID))
	})
	return r.mgr.sender.SendDatagram(dg)
}

// CreateObject asks the database to create className and instantiates the
// created object locally. The value under name is the *dobj.DistributedObject.
func (r *AsyncRequest) CreateObject(name, className string, values map[string]interface{}) error {
	if r.mgr.objects == nil {
		return errors.New("no object manager to instantiate into")
	}
	if !r.need(name) {
		return errors.New("request ended")
	}
	return r.sendCreate(className, values, func(doID common.DoID) {
		obj, err := r.mgr.objects.CreateLocal(doID, className, values)
		if err != nil {
			gwlog.Errorf("%s: instantiate %s %d failed: %v", r, className, doID, err)
			return
		}
		r.fill(name, obj)
	})
}

// CreateObjectID asks the database to create className. The value under name
// is the allocated doId; nothing is instantiated.
func (r *AsyncRequest) CreateObjectID(name, className string, values map[string]interface{}) error {
	if !r.need(name) {
		return errors.New("request ended")
	}
	return r.sendCreate(className, values, func(doID common.DoID) {
		r.fill(name, doID)
	})
}

func (r *AsyncRequest) onTimeout() {
	if r.state != Pending {
		return
	}
	if r.numRetries > 0 {
		r.numRetries--
		gwlog.Debugf("%s: timeout, %d retries left", r, r.numRetries)
		r.timer = r.mgr.sched.AddCallback(r.timeout, r.onTimeout)
		return
	}
	opmon.AsyncTimeouts.Inc()
	if r.mgr.BreakOnTimeout {
		gwlog.TraceError("%s: timed out, missing %v", r, r.Missing())
	} else {
		gwlog.Warnf("%s: timed out, missing %v", r, r.Missing())
	}
	r.end(TimedOut)
}

// Delete cancels the request. The finish callback is not called. Deleting twice is fine.
func (r *AsyncRequest) Delete() {
	if r.state != Pending {
		return
	}
	r.end(Cancelled)
}

func (r *AsyncRequest) end(state State) {
	r.state = state
	if r.timer != nil {
		r.timer.Cancel()
	}
	r.mgr.bus.IgnoreAll(r)
	delete(r.mgr.requests, r)
}
