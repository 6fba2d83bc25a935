package dobj

import (
	"testing"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
	"github.com/xiaonanln/godor/engine/common"
	"github.com/xiaonanln/godor/engine/dc"
	"github.com/xiaonanln/godor/engine/grid"
	"github.com/xiaonanln/godor/engine/messenger"
	"github.com/xiaonanln/godor/engine/netutil"
	"github.com/xiaonanln/godor/engine/proto"
)

const testDC = `
[import]
DoTestWorld = AI
DoTestAvatar = AI/OV

[dclass DoTestWorld]
setTitle = string | ram

[dclass DoTestAvatar]
setName = string | required broadcast ram | "nobody"
setHp = int32 | broadcast ram
setSecret = uint32 | ownrecv
`

type doTestWorld struct {
	DistributedObject
	*grid.CartesianGrid
	title string
}

func (w *doTestWorld) OnGenerateInit() {
	w.CartesianGrid = grid.NewCartesianGrid("world", 100, 500, 3, 1)
}

func (w *doTestWorld) SetTitle(title string) { w.title = title }

type doTestWorldAI struct {
	doTestWorld
}

type doTestAvatar struct {
	DistributedObject
	name         string
	hp           int32
	hps          []int32
	secret       uint32
	gc           *grid.GridChild
	announces    int
	nameAtAnnce  string
	hpAtAnnounce int32
	deletes      int
	disables     int
}

func (a *doTestAvatar) OnGenerateInit() {
	a.gc = grid.NewGridChild(grid.NewNode("avatar"))
}

func (a *doTestAvatar) OnAnnounceGenerate() {
	a.announces++
	a.nameAtAnnce = a.name
	a.hpAtAnnounce = a.hp
}

func (a *doTestAvatar) OnDisable() { a.disables++ }
func (a *doTestAvatar) OnDelete()  { a.deletes++ }

func (a *doTestAvatar) GridChild() *grid.GridChild { return a.gc }

func (a *doTestAvatar) SetName(name string) { a.name = name }
func (a *doTestAvatar) GetName() string     { return a.name }
func (a *doTestAvatar) SetHp(hp int32) {
	a.hp = hp
	a.hps = append(a.hps, hp)
}
func (a *doTestAvatar) SetSecret(secret uint32) { a.secret = secret }

type doTestAvatarAI struct {
	doTestAvatar
}

type doTestAvatarOV struct {
	doTestAvatar
}

func init() {
	dc.RegisterClass("DoTestWorld", &doTestWorld{})
	dc.RegisterClass("DoTestWorldAI", &doTestWorldAI{})
	dc.RegisterClass("DoTestAvatar", &doTestAvatar{})
	dc.RegisterClass("DoTestAvatarAI", &doTestAvatarAI{})
	dc.RegisterClass("DoTestAvatarOV", &doTestAvatarOV{})
}

func newTestManager(t *testing.T, role dc.Role) (*Manager, *proto.Recorder) {
	reg, err := dc.Load(role, []byte(testDC))
	if err != nil {
		t.Fatalf("load dc: %v", err)
	}
	rec := &proto.Recorder{}
	if role != dc.RoleClient {
		rec.Header = &proto.Header{Channels: []uint64{4000}, Sender: 5000}
	}
	return NewManager(reg, messenger.NewMessenger(), rec, 4000), rec
}

func classNum(t *testing.T, m *Manager, name string) uint16 {
	cls, err := m.Registry.ClassByName(name)
	if err != nil {
		t.Fatalf("class %s: %v", name, err)
	}
	return uint16(cls.Number)
}

func generateDatagram(t *testing.T, m *Manager, parent, zone, doID uint32, name string, hp int32) *netutil.Datagram {
	av, _ := m.Registry.ClassByName("DoTestAvatar")
	dg := netutil.NewDatagram()
	dg.AppendUint32(parent)
	dg.AppendUint32(zone)
	dg.AppendUint16(classNum(t, m, "DoTestAvatar"))
	dg.AppendUint32(doID)
	dg.AppendString(name)
	if hp != 0 {
		proto.AppendFieldList(dg, []proto.FieldValue{{Field: av.FieldByName("setHp"), Value: hp}})
	}
	return dg
}

func generateAvatar(t *testing.T, m *Manager, parent, zone, doID uint32, name string, hp int32) *doTestAvatar {
	obj, err := m.GenerateFromWire(generateDatagram(t, m, parent, zone, doID, name, hp).Iterator(), hp != 0, false)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return obj.V.Interface().(*doTestAvatar)
}

func updateDatagram(m *Manager, doID uint32, field string, value interface{}) *netutil.Datagram {
	av, _ := m.Registry.ClassByName("DoTestAvatar")
	f := av.FieldByName(field)
	dg := netutil.NewDatagram()
	dg.AppendUint32(doID)
	dg.AppendUint16(f.Number)
	f.Type.Append(dg, value)
	return dg
}

func doIDDatagram(doID uint32) *netutil.Datagram {
	dg := netutil.NewDatagram()
	dg.AppendUint32(doID)
	return dg
}

func TestGenerateFromWire(t *testing.T) {
	m, _ := newTestManager(t, dc.RoleClient)
	av := generateAvatar(t, m, 100, 200, 1000, "x", 50)

	assert.Equal(t, common.DoID(1000), av.DoID)
	assert.Equal(t, common.Location{ParentID: 100, ZoneID: 200}, av.Location())
	assert.Equal(t, "x", av.name)
	assert.Equal(t, int32(50), av.hp)
	assert.Equal(t, 1, av.announces)
	assert.Equal(t, "x", av.nameAtAnnce)
	assert.Equal(t, int32(0), av.hpAtAnnounce)
	assert.T(t, av.IsGenerated(), "generated")
	assert.Equal(t, 1, av.GenerateCount())
	assert.T(t, m.Get(1000) == &av.DistributedObject, "in table")

	v, ok := av.FieldValue("setName")
	assert.T(t, ok, "cached")
	assert.Equal(t, "x", v)
}

func TestGenerateEventAndHooks(t *testing.T) {
	m, _ := newTestManager(t, dc.RoleClient)
	var generated, announced []common.DoID
	m.Messenger().Accept(GenerateEvent(1000), t, func(args ...interface{}) {
		generated = append(generated, args[0].(*DistributedObject).DoID)
	})
	m.OnAnnounce = func(obj *DistributedObject) {
		announced = append(announced, obj.DoID)
	}
	generateAvatar(t, m, 100, 200, 1000, "x", 0)
	generateAvatar(t, m, 100, 200, 1001, "y", 0)
	assert.Equal(t, []common.DoID{1000}, generated)
	assert.Equal(t, []common.DoID{1000, 1001}, announced)
}

func TestDuplicateGenerateDoesNotAnnounceAgain(t *testing.T) {
	m, _ := newTestManager(t, dc.RoleClient)
	av := generateAvatar(t, m, 100, 200, 1000, "x", 0)
	again := generateAvatar(t, m, 100, 201, 1000, "y", 7)

	assert.T(t, av == again, "same instance")
	assert.Equal(t, 1, av.announces)
	assert.Equal(t, "y", av.name)
	assert.Equal(t, int32(7), av.hp)
	assert.Equal(t, common.ZoneID(201), av.ZoneID)
	assert.Equal(t, 1, m.Objects.Len())
}

func TestGenerateUnknownClass(t *testing.T) {
	m, _ := newTestManager(t, dc.RoleClient)
	dg := netutil.NewDatagram()
	dg.AppendUint32(100)
	dg.AppendUint32(200)
	dg.AppendUint16(77)
	dg.AppendUint32(1000)
	_, err := m.GenerateFromWire(dg.Iterator(), false, false)
	assert.Equal(t, dc.ErrUnknownClass, errors.Cause(err))
	assert.Equal(t, 0, m.Objects.Len())
}

func TestGenerateTruncated(t *testing.T) {
	m, _ := newTestManager(t, dc.RoleClient)
	dg := generateDatagram(t, m, 100, 200, 1000, "x", 0)
	di := netutil.NewDatagramIterator(dg.Bytes()[:dg.Len()-2])
	_, err := m.GenerateFromWire(di, false, false)
	assert.Equal(t, netutil.ErrTruncated, errors.Cause(err))
	assert.Equal(t, 0, m.Objects.Len())
}

func TestQuietZoneTransit(t *testing.T) {
	m, _ := newTestManager(t, dc.RoleClient)
	av := generateAvatar(t, m, 100, 200, 1000, "x", 0)

	type change struct{ newZone, oldZone common.ZoneID }
	var zoneChanges, logicalChanges []change
	m.Messenger().Accept(ZoneChangeEvent(1000), t, func(args ...interface{}) {
		zoneChanges = append(zoneChanges, change{args[0].(common.ZoneID), args[1].(common.ZoneID)})
	})
	m.Messenger().Accept(LogicalZoneChangeEvent(1000), t, func(args ...interface{}) {
		logicalChanges = append(logicalChanges, change{args[0].(common.ZoneID), args[1].(common.ZoneID)})
	})

	av.SetLocation(100, 1)
	av.SetLocation(100, 300)

	assert.Equal(t, []change{{1, 200}, {300, 1}}, zoneChanges)
	assert.Equal(t, []change{{300, 200}}, logicalChanges)
	assert.Equal(t, common.ZoneID(300), av.LastNonQuietZone())
}

func TestSetLocationUnchanged(t *testing.T) {
	m, _ := newTestManager(t, dc.RoleClient)
	av := generateAvatar(t, m, 100, 200, 1000, "x", 0)
	events := 0
	m.Messenger().Accept(ZoneChangeEvent(1000), t, func(args ...interface{}) { events++ })

	assert.T(t, m.SetLocation(&av.DistributedObject, 100, 300), "moved")
	assert.T(t, !m.SetLocation(&av.DistributedObject, 100, 300), "same location")
	assert.Equal(t, 1, events)
}

func TestTableConsistency(t *testing.T) {
	m, _ := newTestManager(t, dc.RoleClient)
	for i := uint32(0); i < 20; i++ {
		generateAvatar(t, m, 100, 200+i%3, 1000+i, "x", 0)
	}
	assert.Equal(t, nil, m.Objects.CheckConsistency())
	assert.Equal(t, 7, len(m.Objects.ObjectsInLocation(common.Location{ParentID: 100, ZoneID: 200})))

	for i := uint32(0); i < 20; i += 2 {
		m.Get(common.DoID(1000+i)).SetLocation(101, 5)
	}
	for i := uint32(1); i < 20; i += 4 {
		m.HandleDelete(doIDDatagram(1000 + i).Iterator())
	}
	assert.Equal(t, nil, m.Objects.CheckConsistency())
	assert.Equal(t, 15, m.Objects.Len())
	assert.Equal(t, 10, len(m.Objects.ObjectsInLocation(common.Location{ParentID: 101, ZoneID: 5})))

	var inParent []common.DoID
	m.Objects.IterByParent(101, func(obj *DistributedObject) bool {
		inParent = append(inParent, obj.DoID)
		return true
	})
	assert.Equal(t, 10, len(inParent))
	assert.Equal(t, common.DoID(1000), inParent[0])

	inZones := m.Objects.ObjectsInZones(100, []common.ZoneID{201, 202, 201})
	for _, obj := range inZones {
		assert.T(t, obj.ZoneID == 201 || obj.ZoneID == 202, "zone filter")
		assert.Equal(t, common.DoID(100), obj.ParentID)
	}
	assert.Equal(t, 3, len(inZones))
}

func TestUpdatesInOrderThenDelete(t *testing.T) {
	m, rec := newTestManager(t, dc.RoleClient)
	av := generateAvatar(t, m, 100, 200, 1000, "x", 0)

	for hp := int32(1); hp <= 10; hp++ {
		assert.Equal(t, nil, m.ApplyUpdate(updateDatagram(m, 1000, "setHp", hp).Iterator()))
	}
	deleted := 0
	m.Messenger().Accept(DeleteEvent(1000), t, func(args ...interface{}) { deleted++ })
	assert.Equal(t, nil, m.HandleDelete(doIDDatagram(1000).Iterator()))

	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, av.hps)
	assert.Equal(t, 1, av.announces)
	assert.Equal(t, 1, av.deletes)
	assert.Equal(t, 1, av.disables)
	assert.Equal(t, 1, deleted)
	assert.T(t, av.IsDeleted(), "deleted")
	assert.T(t, m.Get(1000) == nil, "removed from table")

	assert.Equal(t, nil, av.SendUpdate("setHp", int32(3)))
	assert.Equal(t, 0, len(rec.Sent))

	err := m.ApplyUpdate(updateDatagram(m, 1000, "setHp", int32(11)).Iterator())
	assert.Equal(t, ErrUnknownObject, errors.Cause(err))
}

func TestDisableIdempotent(t *testing.T) {
	m, _ := newTestManager(t, dc.RoleClient)
	av := generateAvatar(t, m, 100, 200, 1000, "x", 0)
	m.HandleDisable(doIDDatagram(1000).Iterator())
	m.HandleDisable(doIDDatagram(1000).Iterator())
	assert.Equal(t, 1, av.disables)
	assert.T(t, av.IsDisabled(), "disabled")
	assert.T(t, !av.IsGenerated(), "not generated")
	assert.T(t, !av.IsDeleted(), "not deleted")
	assert.T(t, m.Get(1000) != nil, "still in table")
}

func TestRetainDelaysTeardown(t *testing.T) {
	m, _ := newTestManager(t, dc.RoleClient)
	av := generateAvatar(t, m, 100, 200, 1000, "x", 0)
	av.Retain()
	assert.Equal(t, 2, av.GenerateCount())

	assert.T(t, !m.Delete(&av.DistributedObject), "first delete keeps the object")
	assert.Equal(t, 0, av.deletes)
	assert.T(t, m.Get(1000) != nil, "still in table")

	assert.T(t, m.Delete(&av.DistributedObject), "last delete tears down")
	assert.Equal(t, 1, av.deletes)
	assert.T(t, !m.Delete(&av.DistributedObject), "already deleted")
	assert.Equal(t, 1, av.deletes)
}

func TestSendUpdateClient(t *testing.T) {
	m, rec := newTestManager(t, dc.RoleClient)
	av := generateAvatar(t, m, 100, 200, 1000, "x", 0)
	assert.Equal(t, nil, av.SendUpdate("setHp", 42))

	di, msgType := rec.Last()
	assert.Equal(t, proto.MT_CLIENT_OBJECT_UPDATE_FIELD, msgType)
	assert.Equal(t, uint32(1000), di.ReadUint32())
	assert.Equal(t, av.DClass.FieldByName("setHp").Number, di.ReadUint16())
	assert.Equal(t, int32(42), di.ReadInt32())

	err := av.SendUpdate("setNothing", 1)
	assert.Equal(t, dc.ErrUnknownField, errors.Cause(err))
	assert.NotEqual(t, nil, av.SendUpdate("setHp"))
}

func TestSendLocation(t *testing.T) {
	m, rec := newTestManager(t, dc.RoleClient)
	av := generateAvatar(t, m, 100, 200, 1000, "x", 0)
	assert.Equal(t, nil, av.SendLocation(100, 201))
	di, msgType := rec.Last()
	assert.Equal(t, proto.MT_CLIENT_OBJECT_LOCATION, msgType)
	assert.Equal(t, uint32(1000), di.ReadUint32())
	assert.Equal(t, uint32(100), di.ReadUint32())
	assert.Equal(t, uint32(201), di.ReadUint32())
	assert.Equal(t, common.ZoneID(201), av.ZoneID)
}

func TestOwnerView(t *testing.T) {
	m, _ := newTestManager(t, dc.RoleClient)
	dg := generateDatagram(t, m, 100, 200, 1000, "me", 0)
	dg.AppendUint16(0)
	obj, err := m.GenerateFromWire(dg.Iterator(), true, true)
	assert.Equal(t, nil, err)
	ov, ok := obj.V.Interface().(*doTestAvatarOV)
	assert.T(t, ok, "owner view type")
	assert.T(t, ov.IsOwner, "owner flag")
	assert.T(t, m.Get(1000) == nil, "not in the regular table")
	assert.T(t, m.GetOwner(1000) == obj, "in the owner table")

	assert.Equal(t, nil, m.ApplyUpdate(updateDatagram(m, 1000, "setSecret", uint32(9)).Iterator()))
	assert.Equal(t, uint32(9), ov.secret)
	assert.Equal(t, nil, m.ApplyUpdate(updateDatagram(m, 1000, "setHp", int32(5)).Iterator()))
	assert.Equal(t, int32(0), ov.hp)
}

func TestGridPlacement(t *testing.T) {
	m, _ := newTestManager(t, dc.RoleClient)
	dg := netutil.NewDatagram()
	dg.AppendUint32(uint32(m.GameRoot))
	dg.AppendUint32(2)
	dg.AppendUint16(classNum(t, m, "DoTestWorld"))
	dg.AppendUint32(4001)
	_, err := m.GenerateFromWire(dg.Iterator(), false, false)
	assert.Equal(t, nil, err)

	av := generateAvatar(t, m, 4001, 504, 1000, "x", 0)
	zone, placed := av.gc.Zone()
	assert.T(t, placed, "placed on grid")
	assert.Equal(t, common.ZoneID(504), zone)

	av.SetLocation(4001, 505)
	zone, _ = av.gc.Zone()
	assert.Equal(t, common.ZoneID(505), zone)

	av.SetLocation(4001, 1)
	_, placed = av.gc.Zone()
	assert.T(t, !placed, "quiet zone is not a grid cell")
}

func TestZoneDataReleasedOnMove(t *testing.T) {
	m, _ := newTestManager(t, dc.RoleClient)
	av := generateAvatar(t, m, 100, 200, 1000, "x", 0)
	other := generateAvatar(t, m, 100, 200, 1001, "y", 0)

	zd := av.GetZoneData()
	assert.T(t, zd != nil, "zone data")
	assert.T(t, other.GetZoneData() == zd, "shared per zone")
	loc := common.Location{ParentID: 100, ZoneID: 200}
	assert.Equal(t, 2, m.ZoneCache.RefCount(loc))

	av.SetLocation(100, 201)
	assert.Equal(t, 1, m.ZoneCache.RefCount(loc))
	other.ReleaseZoneData()
	assert.Equal(t, 0, m.ZoneCache.RefCount(loc))
	assert.T(t, zd.IsDestroyed(), "destroyed on last release")
}

func TestGenerateWithRequiredAI(t *testing.T) {
	m, rec := newTestManager(t, dc.RoleAI)
	m.Allocator = common.NewChannelAllocator(5000, 5010)

	obj, err := m.NewObject("DoTestAvatar")
	assert.Equal(t, nil, err)
	av := obj.V.Interface().(*doTestAvatarAI)
	av.SetName("bob")

	assert.Equal(t, nil, m.GenerateWithRequired(obj, 100, 200))
	assert.Equal(t, common.DoID(5000), obj.DoID)
	assert.Equal(t, 1, av.announces)
	assert.T(t, m.Get(5000) == obj, "in table")

	di, msgType := rec.Last()
	assert.Equal(t, proto.MT_STATESERVER_OBJECT_GENERATE_WITH_REQUIRED, msgType)
	assert.Equal(t, uint32(100), di.ReadUint32())
	assert.Equal(t, uint32(200), di.ReadUint32())
	assert.Equal(t, uint16(obj.DClass.Number), di.ReadUint16())
	assert.Equal(t, uint32(5000), di.ReadUint32())
	assert.Equal(t, "bob", di.ReadString())
	assert.Equal(t, 0, di.Remaining())

	assert.Equal(t, ErrAlreadyGenerated, m.GenerateWithRequired(obj, 100, 200))
	assert.Equal(t, 1, m.Allocator.NumAllocated())

	assert.Equal(t, nil, obj.RequestDelete())
	assert.T(t, obj.IsRequestedDelete(), "requested")
	_, msgType = rec.Last()
	assert.Equal(t, proto.MT_STATESERVER_OBJECT_DELETE_RAM, msgType)

	m.HandleDelete(doIDDatagram(5000).Iterator())
	assert.Equal(t, 0, m.Allocator.NumAllocated())
}

func TestGenerateWithRequiredOther(t *testing.T) {
	m, rec := newTestManager(t, dc.RoleAI)
	m.Allocator = common.NewChannelAllocator(5000, 5010)
	obj, _ := m.NewObject("DoTestAvatar")
	assert.Equal(t, nil, m.GenerateWithRequiredAndID(obj, 6000, 100, 200))
	assert.Equal(t, nil, obj.SendUpdate("setHp", int32(3)))

	_, msgType := rec.Last()
	assert.Equal(t, proto.MT_STATESERVER_OBJECT_SET_FIELD, msgType)

	m.HandleDelete(doIDDatagram(6000).Iterator())
	assert.Equal(t, 0, m.Allocator.NumAllocated())

	again, _ := m.NewObject("DoTestAvatar")
	again.fields[again.DClass.FieldByName("setHp").Number] = int32(8)
	assert.Equal(t, nil, m.GenerateWithRequired(again, 100, 200))
	di, msgType := rec.Last()
	assert.Equal(t, proto.MT_STATESERVER_OBJECT_GENERATE_WITH_REQUIRED_OTHER, msgType)
	di.SkipBytes(4 + 4 + 2 + 4)
	assert.Equal(t, "", di.ReadString())
	assert.Equal(t, uint16(1), di.ReadUint16())
	assert.Equal(t, again.DClass.FieldByName("setHp").Number, di.ReadUint16())
	assert.Equal(t, int32(8), di.ReadInt32())
}

func TestClientCannotGenerate(t *testing.T) {
	m, rec := newTestManager(t, dc.RoleClient)
	obj, err := m.NewObject("DoTestAvatar")
	assert.Equal(t, nil, err)
	assert.NotEqual(t, nil, m.GenerateWithRequiredAndID(obj, 6000, 100, 200))
	assert.NotEqual(t, nil, obj.RequestDelete())
	assert.Equal(t, 0, len(rec.Sent))
}

func TestDeleteAll(t *testing.T) {
	m, _ := newTestManager(t, dc.RoleClient)
	a := generateAvatar(t, m, 100, 200, 1000, "x", 0)
	a.Retain()
	b := generateAvatar(t, m, 100, 200, 1001, "y", 0)
	m.DeleteAll()
	assert.Equal(t, 0, m.Objects.Len())
	assert.Equal(t, 1, a.deletes)
	assert.Equal(t, 1, b.deletes)
}

func TestIsInterestParent(t *testing.T) {
	m, _ := newTestManager(t, dc.RoleClient)
	assert.T(t, m.IsInterestParent(m.GameRoot), "game root")
	assert.T(t, !m.IsInterestParent(100), "unknown object")
	generateAvatar(t, m, 100, 200, 1000, "x", 0)
	assert.T(t, !m.IsInterestParent(1000), "no parenting rules")
}

func TestCreateLocal(t *testing.T) {
	m, rec := newTestManager(t, dc.RoleAI)
	obj, err := m.CreateLocal(7000, "DoTestAvatar", map[string]interface{}{"setName": "global", "setHp": int32(4)})
	assert.Equal(t, nil, err)
	av := obj.V.Interface().(*doTestAvatarAI)
	assert.Equal(t, "global", av.name)
	assert.Equal(t, int32(4), av.hp)
	assert.Equal(t, 1, av.announces)
	assert.T(t, obj.Location().IsNil(), "no location")
	assert.Equal(t, 0, len(rec.Sent))

	_, err = m.CreateLocal(7000, "DoTestAvatar", nil)
	assert.Equal(t, ErrAlreadyGenerated, errors.Cause(err))
	_, err = m.CreateLocal(7001, "DoTestAvatar", map[string]interface{}{"nope": 1})
	assert.Equal(t, dc.ErrUnknownField, errors.Cause(err))
}
