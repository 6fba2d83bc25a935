package dobj

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/xiaonanln/godor/engine/common"
	"github.com/xiaonanln/godor/engine/consts"
	"github.com/xiaonanln/godor/engine/dc"
	"github.com/xiaonanln/godor/engine/grid"
	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/gwutils"
	"github.com/xiaonanln/godor/engine/messenger"
	"github.com/xiaonanln/godor/engine/netutil"
	"github.com/xiaonanln/godor/engine/proto"
	"github.com/xiaonanln/godor/engine/zonedata"
)

// ZoneChangeEvent is sent with (newZone, oldZone) on every zone change of doID
func ZoneChangeEvent(doID common.DoID) string {
	return fmt.Sprintf("DOChangeZone-%d", doID)
}

// LogicalZoneChangeEvent is sent with (newZone, oldZone) when doID enters a
// zone other than the quiet zone. oldZone is the last non-quiet zone.
func LogicalZoneChangeEvent(doID common.DoID) string {
	return fmt.Sprintf("DOLogicalChangeZone-%d", doID)
}

// GenerateEvent is sent with the object once it is announced
func GenerateEvent(doID common.DoID) string {
	return fmt.Sprintf("DOGenerate-%d", doID)
}

// DisableEvent is sent with the object when it is disabled
func DisableEvent(doID common.DoID) string {
	return fmt.Sprintf("DODisable-%d", doID)
}

// DeleteEvent is sent with the object when it is torn down
func DeleteEvent(doID common.DoID) string {
	return fmt.Sprintf("DODelete-%d", doID)
}

// GridParent is implemented by objects whose zones are grid cells, usually by
// embedding *grid.CartesianGrid
type GridParent interface {
	grid.Parent
	IsGridZone(zone common.ZoneID) bool
}

// Manager owns the object tables of a participant and runs the generate,
// disable and delete lifecycle of its objects
type Manager struct {
	Registry     *dc.Registry
	Objects      *ObjectTable
	OwnerObjects *ObjectTable
	GameRoot     common.DoID
	Allocator    *common.ChannelAllocator // nil when the participant allocates no ids
	ZoneCache    *zonedata.Cache

	// OnAnnounce is called after an object is announced
	OnAnnounce func(obj *DistributedObject)
	// OnTeardown is called before an object leaves the table for good
	OnTeardown func(obj *DistributedObject)

	bus    *messenger.Messenger
	sender proto.MessageSender
}

// NewManager creates a lifecycle manager. Datagrams go out through sender and
// lifecycle events through bus.
func NewManager(reg *dc.Registry, bus *messenger.Messenger, sender proto.MessageSender, districtID common.DoID) *Manager {
	return &Manager{
		Registry:     reg,
		Objects:      NewObjectTable(districtID),
		OwnerObjects: NewObjectTable(districtID),
		GameRoot:     consts.DEFAULT_GAME_ROOT,
		ZoneCache:    zonedata.NewCache(false),
		bus:          bus,
		sender:       sender,
	}
}

// Messenger returns the event bus
func (m *Manager) Messenger() *messenger.Messenger {
	return m.bus
}

// Get returns the object with doID or nil
func (m *Manager) Get(doID common.DoID) *DistributedObject {
	return m.Objects.Get(doID)
}

// GetOwner returns the owner-view object with doID or nil
func (m *Manager) GetOwner(doID common.DoID) *DistributedObject {
	return m.OwnerObjects.Get(doID)
}

// IsInterestParent returns whether interests may be opened under doID: the
// game root, or a known object whose class declares setParentingRules
func (m *Manager) IsInterestParent(doID common.DoID) bool {
	if doID == m.GameRoot {
		return true
	}
	obj := m.Objects.Get(doID)
	return obj != nil && obj.DClass.FieldByName("setParentingRules") != nil
}

// NewObject instantiates the local implementation of className without
// generating it
func (m *Manager) NewObject(className string) (*DistributedObject, error) {
	cls, err := m.Registry.ClassByName(className)
	if err != nil {
		return nil, err
	}
	return m.instantiate(cls, cls.Type, false)
}

func (m *Manager) instantiate(cls *dc.DClass, ct *dc.ClassType, owner bool) (*DistributedObject, error) {
	if ct == nil {
		return nil, errors.Errorf("%s is not defined on this participant", cls.Name)
	}
	v := ct.New()
	i, ok := v.Interface().(IDistributedObject)
	if !ok {
		return nil, errors.Errorf("%s does not embed dobj.DistributedObject", ct)
	}
	obj := i.Base()
	obj.DoID = common.InvalidDoID
	obj.init(cls, v, m)
	obj.IsOwner = owner
	return obj, nil
}

func (m *Manager) tableOf(obj *DistributedObject) *ObjectTable {
	if obj.IsOwner {
		return m.OwnerObjects
	}
	return m.Objects
}

func (m *Manager) generate(obj *DistributedObject) {
	if !obj.generateInitDone {
		obj.generateInitDone = true
		obj.I.OnGenerateInit()
	}
	obj.generateCount++
	obj.disabled = false
	obj.I.OnGenerate()
}

func (m *Manager) announce(obj *DistributedObject) {
	obj.generated = true
	if consts.DEBUG_GENERATES {
		gwlog.Debugf("%s announced at %s", obj, obj.Location())
	}
	obj.I.OnAnnounceGenerate()
	m.bus.Send(GenerateEvent(obj.DoID), obj)
	if m.OnAnnounce != nil {
		m.OnAnnounce(obj)
	}
}

// Retain adds a generate reference; the object is torn down only when every
// reference has been deleted
func (obj *DistributedObject) Retain() {
	obj.generateCount++
}

// GenerateFromWire handles a client generate datagram positioned after the
// message type: u32 parentId, u32 zoneId, u16 dclassId, u32 doId, required
// fields, then with withOther a field list. owner selects the owner-view table.
//
// A generate for an object already in the table applies the fields as updates
// and does not announce again.
func (m *Manager) GenerateFromWire(di *netutil.DatagramIterator, withOther bool, owner bool) (*DistributedObject, error) {
	parentID := common.DoID(di.ReadUint32())
	zoneID := common.ZoneID(di.ReadUint32())
	classNum := di.ReadUint16()
	doID := common.DoID(di.ReadUint32())
	if err := di.Err(); err != nil {
		return nil, errors.Wrap(err, "generate header")
	}
	cls, err := m.Registry.ClassByNumber(classNum)
	if err != nil {
		return nil, err
	}
	required, err := proto.ReadRequired(di, cls)
	if err != nil {
		return nil, err
	}
	var other []proto.FieldValue
	if withOther {
		if other, err = proto.ReadFieldList(di, m.Registry, cls); err != nil {
			return nil, err
		}
	}

	table := m.Objects
	ct := cls.Type
	if owner {
		table = m.OwnerObjects
		ct = cls.OwnerType
	}

	if obj := table.Get(doID); obj != nil {
		if obj.DClass != cls {
			return nil, errors.Errorf("generate of %s for %s", cls.Name, obj)
		}
		if consts.DEBUG_GENERATES {
			gwlog.Debugf("%s generated again at (%d, %d)", obj, parentID, zoneID)
		}
		m.SetLocation(obj, parentID, zoneID)
		m.applyFields(obj, required)
		m.applyFields(obj, other)
		return obj, nil
	}

	if ct == nil {
		gwlog.Infof("generate of %d ignored: %s is not defined on this participant", doID, cls.Name)
		return nil, nil
	}
	obj, err := m.instantiate(cls, ct, owner)
	if err != nil {
		return nil, err
	}
	obj.DoID = doID
	if err := table.Add(obj); err != nil {
		return nil, err
	}
	m.generate(obj)
	m.SetLocation(obj, parentID, zoneID)
	m.applyFields(obj, required)
	m.announce(obj)
	m.applyFields(obj, other)
	return obj, nil
}

func (m *Manager) applyFields(obj *DistributedObject, values []proto.FieldValue) {
	for _, fv := range values {
		obj.applyField(fv.Field, fv.Value)
	}
}

// ApplyUpdate handles u32 doId, u16 fieldId, value. ownrecv fields also go to
// the owner view.
func (m *Manager) ApplyUpdate(di *netutil.DatagramIterator) error {
	doID := common.DoID(di.ReadUint32())
	fieldNum := di.ReadUint16()
	if err := di.Err(); err != nil {
		return errors.Wrap(err, "update header")
	}
	obj := m.Objects.Get(doID)
	ownerObj := m.OwnerObjects.Get(doID)
	if obj == nil && ownerObj == nil {
		return errors.Wrapf(ErrUnknownObject, "update of field %d for %d", fieldNum, doID)
	}
	cls := ownerObj
	if obj != nil {
		cls = obj
	}
	f := cls.DClass.FieldByNumber(fieldNum)
	if f == nil {
		return errors.Wrapf(dc.ErrUnknownField, "field %d of %s", fieldNum, cls)
	}
	value := f.Type.Read(di)
	if err := di.Err(); err != nil {
		return errors.Wrapf(err, "field %s of %s", f, cls)
	}
	if obj != nil && !obj.deleted {
		obj.applyField(f, value)
	}
	if ownerObj != nil && !ownerObj.deleted && f.IsOwnRecv() {
		ownerObj.applyField(f, value)
	}
	return nil
}

// ApplyLocation handles u32 doId, u32 parentId, u32 zoneId
func (m *Manager) ApplyLocation(di *netutil.DatagramIterator) error {
	doID := common.DoID(di.ReadUint32())
	parentID := common.DoID(di.ReadUint32())
	zoneID := common.ZoneID(di.ReadUint32())
	if err := di.Err(); err != nil {
		return errors.Wrap(err, "location")
	}
	obj := m.Objects.Get(doID)
	if obj == nil {
		return errors.Wrapf(ErrUnknownObject, "location of %d", doID)
	}
	m.SetLocation(obj, parentID, zoneID)
	return nil
}

// SetLocation moves obj. Nothing happens when the location is unchanged.
// Otherwise the location index is updated, the zone data is released, the
// grid cell follows, and the zone change events are sent.
func (m *Manager) SetLocation(obj *DistributedObject, parentID common.DoID, zoneID common.ZoneID) bool {
	loc := common.Location{ParentID: parentID, ZoneID: zoneID}
	oldZone := obj.ZoneID
	if !m.tableOf(obj).SetLocation(obj, loc) {
		return false
	}
	obj.ReleaseZoneData()
	m.updateGridCell(obj)

	m.bus.Send(ZoneChangeEvent(obj.DoID), zoneID, oldZone)
	if zoneID != consts.QUIET_ZONE {
		lastZone := obj.lastNonQuietZone
		obj.lastNonQuietZone = zoneID
		m.bus.Send(LogicalZoneChangeEvent(obj.DoID), zoneID, lastZone)
	}
	return true
}

func (m *Manager) updateGridCell(obj *DistributedObject) {
	holder, ok := obj.V.Interface().(grid.Holder)
	if !ok || holder.GridChild() == nil {
		return
	}
	gc := holder.GridChild()
	if parent := m.Objects.Get(obj.ParentID); parent != nil {
		if gp, ok := parent.V.Interface().(GridParent); ok && gp.IsGridZone(obj.ZoneID) {
			gc.SetGridCell(gp, obj.ZoneID, false)
			return
		}
	}
	gc.ClearGridCell()
}

func (m *Manager) isServer() bool {
	return m.Registry.Role() != dc.RoleClient
}

// SendLocation moves obj and tells the server
func (m *Manager) SendLocation(obj *DistributedObject, parentID common.DoID, zoneID common.ZoneID) error {
	if obj.deleted {
		return nil
	}
	m.SetLocation(obj, parentID, zoneID)
	msgType := proto.MT_CLIENT_OBJECT_LOCATION
	if m.isServer() {
		msgType = proto.MT_STATESERVER_OBJECT_LOCATION
	}
	dg := m.sender.NewMessage(msgType)
	dg.AppendUint32(uint32(obj.DoID))
	dg.AppendUint32(uint32(parentID))
	dg.AppendUint32(uint32(zoneID))
	return m.sender.SendDatagram(dg)
}

// SendUpdate sends a field update for obj. Updates for deleted objects are
// dropped without error.
func (m *Manager) SendUpdate(obj *DistributedObject, fieldName string, args ...interface{}) error {
	if obj.deleted {
		gwlog.Debugf("%s: update %s dropped after delete", obj, fieldName)
		return nil
	}
	f := obj.DClass.FieldByName(fieldName)
	if f == nil {
		return errors.Wrapf(dc.ErrUnknownField, "%s has no field %s", obj.DClass.Name, fieldName)
	}
	value, err := f.PackArgs(args)
	if err != nil {
		return err
	}
	msgType := proto.MT_CLIENT_OBJECT_UPDATE_FIELD
	if m.isServer() {
		msgType = proto.MT_STATESERVER_OBJECT_SET_FIELD
		if f.IsRAM() || f.IsRequired() {
			obj.fields[f.Number] = value
		}
	}
	dg := m.sender.NewMessage(msgType)
	dg.AppendUint32(uint32(obj.DoID))
	dg.AppendUint16(f.Number)
	if err := f.Type.Append(dg, value); err != nil {
		return errors.Wrapf(err, "%s.%s", obj, fieldName)
	}
	return m.sender.SendDatagram(dg)
}

// Disable hides obj from the scene. Calling it again does nothing.
func (m *Manager) Disable(obj *DistributedObject) {
	if obj.disabled {
		return
	}
	obj.disabled = true
	obj.generated = false
	if consts.DEBUG_GENERATES {
		gwlog.Debugf("%s disabled", obj)
	}
	obj.I.OnDisable()
	obj.ReleaseZoneData()
	if holder, ok := obj.V.Interface().(grid.Holder); ok && holder.GridChild() != nil {
		holder.GridChild().ClearGridCell()
	}
	m.bus.Send(DisableEvent(obj.DoID), obj)
}

// Delete drops one generate reference of obj and tears it down on the last.
// It returns whether the object was torn down.
func (m *Manager) Delete(obj *DistributedObject) bool {
	if obj.deleted {
		return false
	}
	if obj.generateCount > 0 {
		obj.generateCount--
	}
	if obj.generateCount > 0 {
		return false
	}
	m.teardown(obj)
	return true
}

func (m *Manager) teardown(obj *DistributedObject) {
	m.Disable(obj)
	if m.OnTeardown != nil {
		m.OnTeardown(obj)
	}
	obj.I.OnDelete()
	obj.deleted = true
	m.tableOf(obj).Remove(obj.DoID)
	m.bus.Send(DeleteEvent(obj.DoID), obj)
	m.bus.IgnoreAll(obj)
	if m.Allocator != nil && m.Allocator.InRange(obj.DoID) {
		m.Allocator.Free(obj.DoID)
	}
	if consts.DEBUG_GENERATES {
		gwlog.Debugf("%s deleted", obj)
	}
}

// HandleDisable handles u32 doId of a disable message
func (m *Manager) HandleDisable(di *netutil.DatagramIterator) error {
	doID := common.DoID(di.ReadUint32())
	if err := di.Err(); err != nil {
		return err
	}
	found := false
	if obj := m.Objects.Get(doID); obj != nil {
		m.Disable(obj)
		found = true
	}
	if obj := m.OwnerObjects.Get(doID); obj != nil {
		m.Disable(obj)
		found = true
	}
	if !found {
		return errors.Wrapf(ErrUnknownObject, "disable of %d", doID)
	}
	return nil
}

// HandleDelete handles u32 doId of a delete message
func (m *Manager) HandleDelete(di *netutil.DatagramIterator) error {
	doID := common.DoID(di.ReadUint32())
	if err := di.Err(); err != nil {
		return err
	}
	found := false
	if obj := m.Objects.Get(doID); obj != nil {
		m.Disable(obj)
		m.Delete(obj)
		found = true
	}
	if obj := m.OwnerObjects.Get(doID); obj != nil {
		m.Disable(obj)
		m.Delete(obj)
		found = true
	}
	if !found {
		return errors.Wrapf(ErrUnknownObject, "delete of %d", doID)
	}
	return nil
}

// DeleteAll tears down every object, used when the connection is lost
func (m *Manager) DeleteAll() {
	for _, table := range []*ObjectTable{m.OwnerObjects, m.Objects} {
		for _, obj := range table.All() {
			obj.generateCount = 0
			m.teardown(obj)
		}
	}
}

// GenerateWithRequired allocates a doId and generates obj on the server
func (m *Manager) GenerateWithRequired(obj *DistributedObject, parentID common.DoID, zoneID common.ZoneID) error {
	if m.Allocator == nil {
		return errors.New("no channel allocator configured")
	}
	if obj.generated || obj.DoID.IsValid() && m.Objects.Get(obj.DoID) == obj {
		gwutils.ProgrammerError("GenerateWithRequired: %s already generated", obj)
		return ErrAlreadyGenerated
	}
	doID, err := m.Allocator.Allocate()
	if err != nil {
		return err
	}
	if err := m.GenerateWithRequiredAndID(obj, doID, parentID, zoneID); err != nil {
		m.Allocator.Free(doID)
		return err
	}
	return nil
}

// GenerateWithRequiredAndID generates obj with a given doId. Required fields
// are sent from the object's getters, or from their defaults.
func (m *Manager) GenerateWithRequiredAndID(obj *DistributedObject, doID common.DoID, parentID common.DoID, zoneID common.ZoneID) error {
	if !m.isServer() {
		gwutils.ProgrammerError("GenerateWithRequiredAndID: %s on a client", obj)
		return errors.New("only AI and UD participants generate objects")
	}
	if obj.generated || m.Objects.Get(doID) != nil {
		gwutils.ProgrammerError("GenerateWithRequiredAndID: %s already generated as %d", obj, doID)
		return ErrAlreadyGenerated
	}
	if obj.DClass.Number < 0 {
		return errors.Errorf("%s is a server-only class", obj.DClass.Name)
	}

	values := map[uint16]interface{}{}
	for _, f := range obj.DClass.RequiredFields() {
		if v, ok := obj.GetFieldForSend(f); ok {
			values[f.Number] = v
		}
	}
	var other []proto.FieldValue
	for _, f := range obj.DClass.Fields {
		if f.IsRequired() || !f.IsRAM() {
			continue
		}
		if v, ok := obj.fields[f.Number]; ok {
			other = append(other, proto.FieldValue{Field: f, Value: v})
		}
	}
	msgType := proto.MT_STATESERVER_OBJECT_GENERATE_WITH_REQUIRED
	if len(other) > 0 {
		msgType = proto.MT_STATESERVER_OBJECT_GENERATE_WITH_REQUIRED_OTHER
	}
	dg := m.sender.NewMessage(msgType)
	dg.AppendUint32(uint32(parentID))
	dg.AppendUint32(uint32(zoneID))
	dg.AppendUint16(uint16(obj.DClass.Number))
	dg.AppendUint32(uint32(doID))
	if err := proto.AppendRequired(dg, obj.DClass, values); err != nil {
		return err
	}
	if len(other) > 0 {
		if err := proto.AppendFieldList(dg, other); err != nil {
			return err
		}
	}

	obj.DoID = doID
	if err := m.Objects.Add(obj); err != nil {
		return err
	}
	m.generate(obj)
	m.SetLocation(obj, parentID, zoneID)
	for num, v := range values {
		obj.fields[num] = v
	}
	if err := m.sender.SendDatagram(dg); err != nil {
		gwlog.Errorf("%s: send generate failed: %v", obj, err)
	}
	m.announce(obj)
	return nil
}

// CreateLocal instantiates className as doID on this participant only,
// applies values by field name and announces it. Nothing is sent.
func (m *Manager) CreateLocal(doID common.DoID, className string, values map[string]interface{}) (*DistributedObject, error) {
	if m.Objects.Get(doID) != nil {
		return nil, errors.Wrapf(ErrAlreadyGenerated, "doId %d", doID)
	}
	obj, err := m.NewObject(className)
	if err != nil {
		return nil, err
	}
	for name, v := range values {
		f := obj.DClass.FieldByName(name)
		if f == nil {
			return nil, errors.Wrapf(dc.ErrUnknownField, "%s has no field %s", className, name)
		}
		obj.applyField(f, v)
	}
	obj.DoID = doID
	if err := m.Objects.Add(obj); err != nil {
		return nil, err
	}
	m.generate(obj)
	m.announce(obj)
	return obj, nil
}

// RequestDelete asks the server to delete obj. The object stays until the
// server's delete arrives.
func (m *Manager) RequestDelete(obj *DistributedObject) error {
	if !m.isServer() {
		gwutils.ProgrammerError("RequestDelete: %s on a client", obj)
		return errors.New("only AI and UD participants delete objects")
	}
	if obj.deleted {
		return nil
	}
	obj.requestedDelete = true
	dg := m.sender.NewMessage(proto.MT_STATESERVER_OBJECT_DELETE_RAM)
	dg.AppendUint32(uint32(obj.DoID))
	return m.sender.SendDatagram(dg)
}
