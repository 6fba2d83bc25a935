// Package interest opens, alters and closes interests over (parent, zones)
// and reports when every requested change has completed.
package interest

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
	"github.com/xiaonanln/godor/engine/common"
	"github.com/xiaonanln/godor/engine/consts"
	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/gwutils"
	"github.com/xiaonanln/godor/engine/messenger"
	"github.com/xiaonanln/godor/engine/opmon"
	"github.com/xiaonanln/godor/engine/proto"
	"github.com/xiaonanln/godor/engine/sched"
)

const (
	// HandleMask keeps client handles to 15 bits
	HandleMask = 0x7FFF
	// ServerHandleBit marks handles of server-originated interests
	ServerHandleBit = proto.InterestHandleServerBit
	// ContextMask keeps contexts to 30 bits
	ContextMask = 0x3FFFFFFF
	// NoContext means no completion is awaited
	NoContext = 0

	// AllInterestsCompleteEvent is sent once every outstanding change completed
	// and the quiescence frames passed without new changes
	AllInterestsCompleteEvent = "AllInterestsComplete"
)

var (
	// ErrHandleNotFound is returned for handles not in the interest table
	ErrHandleNotFound = errors.New("interest handle not found")
	// ErrNoNewInterests is returned once the manager is shutting down
	ErrNoNewInterests = errors.New("no new interests allowed")
	// ErrInvalidParent is returned when the parent may not hold interests
	ErrInvalidParent = errors.New("invalid interest parent")
	// ErrNoHandles is returned when every handle is in use
	ErrNoHandles = errors.New("interest handles exhausted")
)

// State of an interest
type State int

const (
	// StateActive interests are open
	StateActive State = iota
	// StatePendingDel interests are closing
	StatePendingDel
)

func (s State) String() string {
	if s == StatePendingDel {
		return "PendingDel"
	}
	return "Active"
}

// Interest is one record of the interest table
type Interest struct {
	Handle      uint16
	State       State
	Context     uint32
	ParentID    common.DoID
	Zones       []common.ZoneID // canonical
	Description string
	Events      []string
	Auto        bool // opened for an object's auto interests

	doneReceived bool
}

func (i *Interest) String() string {
	return fmt.Sprintf("Interest<%d %s ctx=%d %d:%v %q>", i.Handle, i.State, i.Context, i.ParentID, i.Zones, i.Description)
}

// ParentChecker tells whether interests may be opened under a parent
type ParentChecker func(parentID common.DoID) bool

// Manager is the interest table of one participant
type Manager struct {
	Debug            bool
	QuiescenceFrames int

	sched       sched.Scheduler
	bus         *messenger.Messenger
	sender      proto.MessageSender
	validParent ParentChecker

	interests      map[uint16]*Interest
	autoInterests  map[common.DoID]uint16
	handleSerial   uint16
	contextSerial  uint32
	noNewInterests bool
	outstanding    int // completion events not yet fired
	debounce       sched.Timer
	completeFns    []func()
	reaping        bool
}

// NewManager creates an interest manager. validParent may be nil to accept any parent.
func NewManager(s sched.Scheduler, bus *messenger.Messenger, sender proto.MessageSender, validParent ParentChecker) *Manager {
	return &Manager{
		QuiescenceFrames: consts.DEFAULT_QUIESCENCE_FRAMES,
		sched:            s,
		bus:              bus,
		sender:           sender,
		validParent:      validParent,
		interests:        map[uint16]*Interest{},
		autoInterests:    map[common.DoID]uint16{},
	}
}

func (m *Manager) debugf(format string, args ...interface{}) {
	if m.Debug {
		gwlog.Infof("interest: "+format, args...)
	}
}

// Get returns the interest with handle, or nil
func (m *Manager) Get(handle uint16) *Interest {
	return m.interests[handle]
}

// Len returns the number of interests in the table
func (m *Manager) Len() int {
	return len(m.interests)
}

// Outstanding returns the number of completion events not yet fired
func (m *Manager) Outstanding() int {
	return m.outstanding
}

// Handles returns the handles in the table
func (m *Manager) Handles() []uint16 {
	handles := make([]uint16, 0, len(m.interests))
	for h := range m.interests {
		handles = append(handles, h)
	}
	return handles
}

// SetNoNewInterests makes later AddInterest calls fail, used during teardown
func (m *Manager) SetNoNewInterests(flag bool) {
	m.noNewInterests = flag
}

func (m *Manager) allocHandle() (uint16, error) {
	h := m.handleSerial
	for i := 0; i < HandleMask; i++ {
		h = (h + 1) & HandleMask
		if h == 0 {
			continue
		}
		if _, ok := m.interests[h]; !ok {
			m.handleSerial = h
			return h, nil
		}
	}
	return 0, ErrNoHandles
}

func (m *Manager) allocContext() uint32 {
	m.contextSerial = (m.contextSerial + 1) & ContextMask
	if m.contextSerial == NoContext {
		m.contextSerial = 1
	}
	return m.contextSerial
}

func (m *Manager) updateGauge() {
	opmon.OpenInterests.Set(float64(len(m.interests)))
}

func (m *Manager) sendAdd(handle uint16, context uint32, parentID common.DoID, zones []common.ZoneID) {
	dg := m.sender.NewMessage(proto.MT_CLIENT_ADD_INTEREST)
	dg.AppendUint16(handle)
	dg.AppendUint32(context)
	dg.AppendUint32(uint32(parentID))
	for _, z := range zones {
		dg.AppendUint32(uint32(z))
	}
	if err := m.sender.SendDatagram(dg); err != nil {
		gwlog.Errorf("interest: send add %d failed: %v", handle, err)
	}
}

func (m *Manager) sendRemove(handle uint16, context uint32) {
	dg := m.sender.NewMessage(proto.MT_CLIENT_REMOVE_INTEREST)
	dg.AppendUint16(handle)
	if context != NoContext {
		dg.AppendUint32(context)
	}
	if err := m.sender.SendDatagram(dg); err != nil {
		gwlog.Errorf("interest: send remove %d failed: %v", handle, err)
	}
}

func (m *Manager) addEvent(i *Interest, event string) {
	for _, e := range i.Events {
		if e == event {
			return
		}
	}
	i.Events = append(i.Events, event)
	m.outstanding++
	m.cancelDebounce()
}

func (m *Manager) abandonEvents(i *Interest) {
	if len(i.Events) == 0 {
		return
	}
	m.debugf("%s abandons events %v", i, i.Events)
	m.outstanding -= len(i.Events)
	i.Events = nil
	m.considerComplete()
}

// AddInterest opens an interest on zones under parentID. When event is not
// empty it is sent on the bus once the server completes the interest.
func (m *Manager) AddInterest(parentID common.DoID, zones []common.ZoneID, description string, event string) (uint16, error) {
	if m.noNewInterests {
		gwlog.Warnf("interest: AddInterest %q after shutdown", description)
		return 0, ErrNoNewInterests
	}
	if m.validParent != nil && !m.validParent(parentID) {
		gwutils.ProgrammerError("AddInterest %q: %d cannot parent interests", description, parentID)
		return 0, errors.Wrapf(ErrInvalidParent, "parent %d", parentID)
	}
	handle, err := m.allocHandle()
	if err != nil {
		return 0, err
	}
	i := &Interest{
		Handle:      handle,
		State:       StateActive,
		ParentID:    parentID,
		Zones:       common.CanonicalZones(zones),
		Description: description,
	}
	if event != "" {
		i.Context = m.allocContext()
		m.addEvent(i, event)
	} else if m.debounce != nil {
		m.cancelDebounce()
		m.considerComplete()
	}
	m.interests[handle] = i
	m.updateGauge()
	m.debugf("add %s", i)
	m.sendAdd(handle, i.Context, parentID, i.Zones)
	return handle, nil
}

// AlterInterest replaces the parent and zones of an open interest. Events of a
// previous change still in flight are abandoned; only event fires.
func (m *Manager) AlterInterest(handle uint16, parentID common.DoID, zones []common.ZoneID, description string, event string) bool {
	i := m.interests[handle]
	if i == nil || i.State != StateActive {
		gwlog.Warnf("interest: AlterInterest: %v: %d", ErrHandleNotFound, handle)
		return false
	}
	m.abandonEvents(i)
	i.Context = NoContext
	if event != "" {
		i.Context = m.allocContext()
		m.addEvent(i, event)
	}
	i.ParentID = parentID
	i.Zones = common.CanonicalZones(zones)
	if description != "" {
		i.Description = description
	}
	m.debugf("alter %s", i)
	m.sendAdd(handle, i.Context, parentID, i.Zones)
	return true
}

// RemoveInterest closes an interest. Removing an interest that is already
// closing only adds event to the events awaiting that removal.
func (m *Manager) RemoveInterest(handle uint16, event string) bool {
	i := m.interests[handle]
	if i == nil {
		gwlog.Warnf("interest: RemoveInterest: %v: %d", ErrHandleNotFound, handle)
		return false
	}
	if i.State == StatePendingDel {
		if event != "" {
			m.addEvent(i, event)
		}
		m.debugf("remove %s again", i)
		return true
	}
	m.abandonEvents(i)
	i.State = StatePendingDel
	i.Context = m.allocContext()
	i.doneReceived = false
	if event != "" {
		m.addEvent(i, event)
	}
	m.debugf("remove %s", i)
	m.sendRemove(handle, i.Context)
	return true
}

// RemoveAIInterest closes an interest an AI opened for this client. The server
// bit marks the handle as AI-owned on the wire.
func (m *Manager) RemoveAIInterest(handle uint16) {
	m.debugf("remove AI interest %d", handle)
	m.sendRemove(handle|ServerHandleBit, NoContext)
}

// HandleInterestDone handles the server's completion of (handle, context).
// Events fire after the table is updated; they may call back into the manager.
func (m *Manager) HandleInterestDone(handle uint16, context uint32) {
	i := m.interests[handle]
	if i == nil {
		if handle&ServerHandleBit == 0 {
			gwlog.Warnf("interest: done for unknown handle %d ctx %d", handle, context)
		}
		return
	}
	if context != i.Context {
		m.debugf("stale done for %s: ctx %d", i, context)
		return
	}
	events := i.Events
	i.Events = nil
	m.outstanding -= len(events)
	if i.State == StatePendingDel {
		i.doneReceived = true
	}
	m.debugf("done %s, events %v", i, events)

	for _, e := range events {
		m.bus.Send(e)
	}
	m.reap()
	m.considerComplete()
}

// reap drops closing interests whose removal completed and whose events fired
func (m *Manager) reap() {
	if m.reaping {
		return
	}
	m.reaping = true
	defer func() { m.reaping = false }()
	for h, i := range m.interests {
		if i.State == StatePendingDel && i.doneReceived && len(i.Events) == 0 {
			m.debugf("reap %s", i)
			delete(m.interests, h)
		}
	}
	m.updateGauge()
}

// OnAllInterestsComplete calls fn once the next quiescence is reached
func (m *Manager) OnAllInterestsComplete(fn func()) {
	m.completeFns = append(m.completeFns, fn)
	m.considerComplete()
}

func (m *Manager) cancelDebounce() {
	if m.debounce != nil {
		m.debounce.Cancel()
		m.debounce = nil
	}
}

func (m *Manager) considerComplete() {
	if m.outstanding > 0 {
		m.cancelDebounce()
		return
	}
	if m.debounce != nil && m.debounce.IsActive() {
		return
	}
	m.debounce = m.sched.AfterFrames(m.QuiescenceFrames, m.fireComplete)
}

func (m *Manager) fireComplete() {
	m.debounce = nil
	if m.outstanding > 0 {
		return
	}
	fns := m.completeFns
	m.completeFns = nil
	m.debugf("all interests complete")
	m.bus.Send(AllInterestsCompleteEvent)
	for _, fn := range fns {
		gwutils.RunPanicless(fn)
	}
}

// OpenAutoInterests opens the interest an object declares in its zones list.
// Nothing awaits it, so it has no context and no events.
func (m *Manager) OpenAutoInterests(doID common.DoID, zones []common.ZoneID) (uint16, bool) {
	if len(zones) == 0 {
		return 0, false
	}
	if _, ok := m.autoInterests[doID]; ok {
		return 0, false
	}
	handle, err := m.allocHandle()
	if err != nil {
		gwlog.Errorf("interest: auto interests of %d: %v", doID, err)
		return 0, false
	}
	i := &Interest{
		Handle:      handle,
		State:       StateActive,
		ParentID:    doID,
		Zones:       common.CanonicalZones(zones),
		Description: fmt.Sprintf("auto-%d", doID),
		Auto:        true,
	}
	m.interests[handle] = i
	m.autoInterests[doID] = handle
	m.updateGauge()
	m.debugf("open %s", i)
	m.sendAdd(handle, NoContext, doID, i.Zones)
	return handle, true
}

// CloseAutoInterests closes the auto interest of doID, if any
func (m *Manager) CloseAutoInterests(doID common.DoID) bool {
	handle, ok := m.autoInterests[doID]
	if !ok {
		return false
	}
	delete(m.autoInterests, doID)
	delete(m.interests, handle)
	m.updateGauge()
	m.debugf("close auto interest %d of %d", handle, doID)
	m.sendRemove(handle, NoContext)
	return true
}

// ZonesOf converts a zone list field value (any integer slice) to zones
func ZonesOf(v interface{}) []common.ZoneID {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil
	}
	zones := make([]common.ZoneID, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		e := reflect.Indirect(rv.Index(i))
		if e.Kind() == reflect.Interface {
			e = e.Elem()
		}
		switch e.Kind() {
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			zones = append(zones, common.ZoneID(e.Uint()))
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			zones = append(zones, common.ZoneID(e.Int()))
		}
	}
	return zones
}

// Shutdown refuses new interests and closes every open interest without events
func (m *Manager) Shutdown() {
	m.noNewInterests = true
	for h, i := range m.interests {
		if i.Auto {
			continue
		}
		if i.State == StateActive {
			m.RemoveInterest(h, "")
		}
	}
}

// Reset forgets every interest, used after the connection is lost
func (m *Manager) Reset() {
	m.cancelDebounce()
	m.interests = map[uint16]*Interest{}
	m.autoInterests = map[common.DoID]uint16{}
	m.outstanding = 0
	m.completeFns = nil
	m.updateGauge()
}
