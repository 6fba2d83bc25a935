package asyncreq

import (
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/godor/engine/common"
	"github.com/xiaonanln/godor/engine/dc"
	"github.com/xiaonanln/godor/engine/dobj"
	"github.com/xiaonanln/godor/engine/messenger"
	"github.com/xiaonanln/godor/engine/netutil"
	"github.com/xiaonanln/godor/engine/proto"
	"github.com/xiaonanln/godor/engine/sched"
)

const testDC = `
[import]
Account = AI

[dclass Account]
setName = string | required db | ""
setAvatars = uint32[] | db
setLevel = uint8 | db
`

type accountAI struct {
	dobj.DistributedObject
	name string
}

func (a *accountAI) SetName(name string) { a.name = name }

func init() {
	dc.RegisterClass("AccountAI", &accountAI{})
}

type fixture struct {
	ms  *sched.ManualScheduler
	rec *proto.Recorder
	reg *dc.Registry
	obj *dobj.Manager
	m   *Manager
}

func newFixture(t *testing.T) *fixture {
	reg, err := dc.Load(dc.RoleAI, []byte(testDC))
	if err != nil {
		t.Fatalf("load dc: %v", err)
	}
	f := &fixture{
		ms:  sched.NewManualScheduler(),
		rec: &proto.Recorder{Header: &proto.Header{Channels: []uint64{1}, Sender: 5000}},
		reg: reg,
	}
	bus := messenger.NewMessenger()
	f.obj = dobj.NewManager(reg, bus, f.rec, 4000)
	f.m = NewManager(reg, f.obj, f.ms, bus, f.rec)
	return f
}

func (f *fixture) lastContext(t *testing.T, msgType proto.MsgType) uint32 {
	di, got := f.rec.Last()
	assert.Equal(t, msgType, got)
	assert.Equal(t, []uint64{uint64(f.m.DBChannel)}, f.rec.LastHeader().Channels)
	return di.ReadUint32()
}

func (f *fixture) field(name string) *dc.Field {
	cls, _ := f.reg.ClassByName("Account")
	return cls.FieldByName(name)
}

func generateResponse(context uint32, doID uint32) *netutil.DatagramIterator {
	dg := netutil.NewDatagram()
	dg.AppendUint32(context)
	dg.AppendUint32(doID)
	return dg.Iterator()
}

func (f *fixture) fieldResponse(context uint32, found bool, values []proto.FieldValue) *netutil.DatagramIterator {
	dg := netutil.NewDatagram()
	dg.AppendUint32(context)
	dg.AppendBool(found)
	if found {
		proto.AppendFieldList(dg, values)
	}
	return dg.Iterator()
}

func TestCreateTimesOutAfterRetry(t *testing.T) {
	f := newFixture(t)
	finished := 0
	r := f.m.NewWithTimeout(2*time.Second, 1).Then(func(r *AsyncRequest) { finished++ })
	assert.Equal(t, nil, r.CreateObject("bob", "Account", nil))
	assert.Equal(t, 1, len(f.rec.Sent))

	f.ms.Advance(2 * time.Second)
	assert.Equal(t, Pending, r.State())
	assert.Equal(t, 0, r.RetriesLeft())
	assert.Equal(t, 1, len(f.rec.Sent))
	assert.Equal(t, 1, f.ms.PendingTimers())

	f.ms.Advance(2 * time.Second)
	assert.Equal(t, TimedOut, r.State())
	assert.Equal(t, ErrRequestTimeout, r.Err())
	assert.Equal(t, 0, finished)
	assert.Equal(t, 0, f.m.NumRequests())
	assert.Equal(t, 1, len(f.rec.Sent))
}

func TestCreateObjectIDFinishes(t *testing.T) {
	f := newFixture(t)
	finished := 0
	r := f.m.NewWithTimeout(2*time.Second, 0).Then(func(r *AsyncRequest) { finished++ })
	assert.Equal(t, nil, r.CreateObjectID("bob", "Account", map[string]interface{}{"setName": "bob"}))

	di, msgType := f.rec.Last()
	assert.Equal(t, proto.MT_DB_CREATE_OBJECT, msgType)
	context := di.ReadUint32()
	cls, _ := f.reg.ClassByName("Account")
	assert.Equal(t, uint16(cls.Number), di.ReadUint16())
	assert.Equal(t, uint16(1), di.ReadUint16())
	assert.Equal(t, f.field("setName").Number, di.ReadUint16())
	assert.Equal(t, "bob", di.ReadString())

	assert.Equal(t, nil, f.m.HandleGenerateResponse(generateResponse(context, 9000)))
	assert.Equal(t, 1, finished)
	assert.Equal(t, Finished, r.State())
	v, ok := r.Value("bob")
	assert.T(t, ok, "filled")
	assert.Equal(t, common.DoID(9000), v)
	assert.Equal(t, 0, f.ms.PendingTimers())
	assert.T(t, f.obj.Get(9000) == nil, "not instantiated")

	f.m.HandleGenerateResponse(generateResponse(context, 9000))
	assert.Equal(t, 1, finished)
}

func TestCreateObjectInstantiates(t *testing.T) {
	f := newFixture(t)
	r := f.m.New()
	assert.Equal(t, nil, r.CreateObject("acct", "Account", map[string]interface{}{"setName": "alice"}))
	context := f.lastContext(t, proto.MT_DB_CREATE_OBJECT)
	f.m.HandleGenerateResponse(generateResponse(context, 9001))

	v, ok := r.Value("acct")
	assert.T(t, ok, "filled")
	obj := v.(*dobj.DistributedObject)
	assert.Equal(t, common.DoID(9001), obj.DoID)
	assert.T(t, f.obj.Get(9001) == obj, "in object table")
	assert.Equal(t, "alice", obj.V.Interface().(*accountAI).name)
}

func TestCreateUnknownField(t *testing.T) {
	f := newFixture(t)
	r := f.m.New()
	assert.NotEqual(t, nil, r.CreateObjectID("x", "Account", map[string]interface{}{"nope": 1}))
	assert.NotEqual(t, nil, r.CreateObjectID("x", "Nope", nil))
	assert.Equal(t, 0, len(f.rec.Sent))
}

func TestSetObjectFields(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, nil, f.m.SetObjectFields("Account", 4001, map[string]interface{}{"setLevel": uint8(7)}))
	di, msgType := f.rec.Last()
	assert.Equal(t, proto.MT_OBJECT_SET_FIELDS, msgType)
	assert.Equal(t, uint32(4001), di.ReadUint32())
	values, err := proto.ReadFieldList(di, f.reg, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(values))
	assert.Equal(t, "setLevel", values[0].Field.Name)
	assert.Equal(t, uint8(7), values[0].Value)

	assert.NotEqual(t, nil, f.m.SetObjectFields("Account", 4001, map[string]interface{}{"nope": 1}))
	assert.Equal(t, 1, len(f.rec.Sent))
}

func TestAskForFieldsAndObject(t *testing.T) {
	f := newFixture(t)
	finished := 0
	r := f.m.New().Then(func(r *AsyncRequest) { finished++ })

	assert.Equal(t, nil, r.AskForObjectField("Account", "setLevel", 9000, ""))
	di, msgType := f.rec.Last()
	assert.Equal(t, proto.MT_OBJECT_QUERY_FIELDS, msgType)
	levelCtx := di.ReadUint32()
	assert.Equal(t, uint32(9000), di.ReadUint32())
	assert.Equal(t, uint16(1), di.ReadUint16())
	assert.Equal(t, f.field("setLevel").Number, di.ReadUint16())

	assert.Equal(t, nil, r.AskForObject(9001))
	allCtx := f.lastContext(t, proto.MT_OBJECT_QUERY_ALL)
	assert.Equal(t, []string{"9001"}, filterMissing(r, "9001"))

	f.m.HandleQueryFieldResp(f.fieldResponse(levelCtx, true, []proto.FieldValue{{Field: f.field("setLevel"), Value: uint8(7)}}))
	assert.Equal(t, 0, finished)
	v, _ := r.Value("setLevel")
	assert.Equal(t, uint8(7), v)

	cls, _ := f.reg.ClassByName("Account")
	dg := netutil.NewDatagram()
	dg.AppendUint32(allCtx)
	dg.AppendBool(true)
	dg.AppendUint16(uint16(cls.Number))
	dg.AppendUint32(9001)
	proto.AppendFieldList(dg, []proto.FieldValue{{Field: f.field("setName"), Value: "bob"}})
	assert.Equal(t, nil, f.m.HandleQueryAllResp(dg.Iterator()))

	assert.Equal(t, 1, finished)
	v, _ = r.Value("9001")
	rec := v.(*ObjectRecord)
	assert.Equal(t, common.DoID(9001), rec.DoID)
	assert.Equal(t, "bob", rec.Fields["setName"])
}

func filterMissing(r *AsyncRequest, key string) []string {
	var res []string
	for _, k := range r.Missing() {
		if k == key {
			res = append(res, k)
		}
	}
	return res
}

func TestAskForObjectFields(t *testing.T) {
	f := newFixture(t)
	r := f.m.New()
	assert.Equal(t, nil, r.AskForObjectFields("Account", []string{"setName", "setLevel"}, 9000, "acct"))
	context := f.lastContext(t, proto.MT_OBJECT_QUERY_FIELDS)
	f.m.HandleQueryFieldResp(f.fieldResponse(context, true, []proto.FieldValue{
		{Field: f.field("setName"), Value: "bob"},
		{Field: f.field("setLevel"), Value: uint8(3)},
	}))
	v, ok := r.Value("acct")
	assert.T(t, ok, "filled")
	fields := v.(map[string]interface{})
	assert.Equal(t, "bob", fields["setName"])
	assert.Equal(t, uint8(3), fields["setLevel"])
	assert.Equal(t, Finished, r.State())
}

func TestNotFoundNeverFinishes(t *testing.T) {
	f := newFixture(t)
	finished := 0
	r := f.m.NewWithTimeout(time.Second, 0).Then(func(r *AsyncRequest) { finished++ })
	r.AskForObjectField("Account", "setLevel", 9000, "")
	context := f.lastContext(t, proto.MT_OBJECT_QUERY_FIELDS)
	f.m.HandleQueryFieldResp(f.fieldResponse(context, false, nil))
	assert.Equal(t, Pending, r.State())
	f.ms.Advance(time.Second)
	assert.Equal(t, TimedOut, r.State())
	assert.Equal(t, 0, finished)
}

func TestFinishAsksForMore(t *testing.T) {
	f := newFixture(t)
	var contexts []uint32
	r := f.m.New().Then(func(r *AsyncRequest) {
		if r.FinishCount() == 1 {
			r.CreateObjectID("second", "Account", nil)
			contexts = append(contexts, f.lastContext(t, proto.MT_DB_CREATE_OBJECT))
		}
	})
	r.CreateObjectID("first", "Account", nil)
	f.m.HandleGenerateResponse(generateResponse(f.lastContext(t, proto.MT_DB_CREATE_OBJECT), 1))
	assert.Equal(t, Pending, r.State())
	assert.Equal(t, 1, len(contexts))

	f.m.HandleGenerateResponse(generateResponse(contexts[0], 2))
	assert.Equal(t, Finished, r.State())
	assert.Equal(t, 2, r.FinishCount())
}

func TestDeleteCancels(t *testing.T) {
	f := newFixture(t)
	finished := 0
	r := f.m.New().Then(func(r *AsyncRequest) { finished++ })
	r.CreateObjectID("bob", "Account", nil)
	context := f.lastContext(t, proto.MT_DB_CREATE_OBJECT)
	r.Delete()
	r.Delete()
	assert.Equal(t, Cancelled, r.State())
	assert.Equal(t, 0, f.ms.PendingTimers())

	f.m.HandleGenerateResponse(generateResponse(context, 9000))
	assert.Equal(t, 0, finished)
	assert.NotEqual(t, nil, r.CreateObjectID("late", "Account", nil))
}

func TestResponseAfterTimeoutIgnored(t *testing.T) {
	f := newFixture(t)
	finished := 0
	r := f.m.NewWithTimeout(time.Second, 0).Then(func(r *AsyncRequest) { finished++ })
	r.CreateObjectID("bob", "Account", nil)
	context := f.lastContext(t, proto.MT_DB_CREATE_OBJECT)
	f.ms.Advance(2 * time.Second)
	f.m.HandleGenerateResponse(generateResponse(context, 9000))
	assert.Equal(t, 0, finished)
	assert.Equal(t, TimedOut, r.State())
}

func TestTruncatedResponse(t *testing.T) {
	f := newFixture(t)
	dg := netutil.NewDatagram()
	dg.AppendUint16(1)
	assert.NotEqual(t, nil, f.m.HandleGenerateResponse(dg.Iterator()))
}
