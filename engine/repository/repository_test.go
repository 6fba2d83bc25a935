package repository

import (
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/xiaonanln/godor/engine/asyncreq"
	"github.com/xiaonanln/godor/engine/common"
	"github.com/xiaonanln/godor/engine/config"
	"github.com/xiaonanln/godor/engine/connection"
	"github.com/xiaonanln/godor/engine/dc"
	"github.com/xiaonanln/godor/engine/dobj"
	"github.com/xiaonanln/godor/engine/messenger"
	"github.com/xiaonanln/godor/engine/netutil"
	"github.com/xiaonanln/godor/engine/opmon"
	"github.com/xiaonanln/godor/engine/proto"
	"github.com/xiaonanln/godor/engine/sched"
)

const repoDC = `
[import]
RepoFoo = AI
RepoZoneOwner = AI

[dclass RepoFoo]
setName = string | required broadcast ram db | "nobody"
setHp = int32 | broadcast ram

[dclass RepoZoneOwner]
autoInterest = uint32[] | ram | [5, 6]
`

var trace []string

type repoFoo struct {
	dobj.DistributedObject
	name      string
	hps       []int32
	announces int
	senders   []common.DoID
	repo      *Repository
}

func (f *repoFoo) OnAnnounceGenerate() {
	f.announces++
	trace = append(trace, "announce "+f.name)
}

func (f *repoFoo) OnDelete() {
	trace = append(trace, "delete "+f.name)
}

func (f *repoFoo) SetName(name string) { f.name = name }
func (f *repoFoo) SetHp(hp int32)      { f.hps = append(f.hps, hp) }

type repoFooAI struct {
	repoFoo
}

var aiRepo *Repository

func (f *repoFooAI) SetHp(hp int32) {
	f.hps = append(f.hps, hp)
	f.senders = append(f.senders, aiRepo.AvatarIDFromSender())
}

type repoZoneOwner struct {
	dobj.DistributedObject
}

func init() {
	dc.RegisterClass("RepoFoo", &repoFoo{})
	dc.RegisterClass("RepoFooAI", &repoFooAI{})
	dc.RegisterClass("RepoZoneOwner", &repoZoneOwner{})
	dc.RegisterClass("RepoZoneOwnerAI", &repoZoneOwner{})
}

type fakeServer struct {
	end *connection.PipeTransport
	got [][]byte
}

func (fs *fakeServer) recv(data []byte) {
	fs.got = append(fs.got, data)
}

func (fs *fakeServer) send(dg *netutil.Datagram) {
	fs.end.Send(dg.Bytes())
}

func (fs *fakeServer) last(t *testing.T, hasHeader bool) (*proto.Header, proto.MsgType, *netutil.DatagramIterator) {
	if len(fs.got) == 0 {
		t.Fatalf("nothing received")
	}
	di := netutil.NewDatagramIterator(fs.got[len(fs.got)-1])
	h, msgType, err := proto.ReadHeader(di, hasHeader)
	assert.Equal(t, nil, err)
	return h, msgType, di
}

func newRepo(t *testing.T, opts Options) (*Repository, *sched.ManualScheduler, *fakeServer) {
	reg, err := dc.Load(opts.Role, []byte(repoDC))
	if err != nil {
		t.Fatalf("load dc: %v", err)
	}
	ms := sched.NewManualScheduler()
	r := New(reg, opts, ms, messenger.NewMessenger())
	client, server := connection.NewPipe(t.Name())
	fs := &fakeServer{end: server}
	server.Start(fs.recv, func(error) {})
	r.Attach("pipe://"+t.Name(), client)
	trace = nil
	return r, ms, fs
}

func newClientRepo(t *testing.T) (*Repository, *sched.ManualScheduler, *fakeServer) {
	r, ms, fs := newRepo(t, Options{Role: dc.RoleClient, GameRoot: 100})
	fs.send(proto.NewMessage(nil, proto.MT_CLIENT_HELLO_RESP))
	ms.Step(1)
	assert.T(t, r.HandshakeDone(), "handshake")
	return r, ms, fs
}

func classNum(t *testing.T, r *Repository, name string) uint16 {
	cls, err := r.Registry.ClassByName(name)
	if err != nil {
		t.Fatalf("class %s: %v", name, err)
	}
	return uint16(cls.Number)
}

func fieldNum(t *testing.T, r *Repository, class, field string) uint16 {
	cls, _ := r.Registry.ClassByName(class)
	return cls.FieldByName(field).Number
}

func generateFoo(t *testing.T, r *Repository, h *proto.Header, msgType proto.MsgType, parent, zone, doID uint32, name string) *netutil.Datagram {
	dg := proto.NewMessage(h, msgType)
	dg.AppendUint32(parent)
	dg.AppendUint32(zone)
	dg.AppendUint16(classNum(t, r, "RepoFoo"))
	dg.AppendUint32(doID)
	dg.AppendString(name)
	return dg
}

func updateHp(t *testing.T, r *Repository, h *proto.Header, msgType proto.MsgType, doID uint32, hp int32) *netutil.Datagram {
	dg := proto.NewMessage(h, msgType)
	dg.AppendUint32(doID)
	dg.AppendUint16(fieldNum(t, r, "RepoFoo", "setHp"))
	dg.AppendInt32(hp)
	return dg
}

func doIDMessage(msgType proto.MsgType, doID uint32) *netutil.Datagram {
	dg := proto.NewMessage(nil, msgType)
	dg.AppendUint32(doID)
	return dg
}

func interestDone(handle uint16, context uint32) *netutil.Datagram {
	dg := proto.NewMessage(nil, proto.MT_CLIENT_DONE_INTEREST_RESP)
	dg.AppendUint16(handle)
	dg.AppendUint32(context)
	return dg
}

func TestHello(t *testing.T) {
	r, _, fs := newRepo(t, Options{Role: dc.RoleClient})
	_, msgType, di := fs.last(t, false)
	assert.Equal(t, proto.MT_CLIENT_HELLO, msgType)
	assert.Equal(t, r.Registry.Hash(), di.ReadUint32())
	assert.Equal(t, Version, di.ReadString())
	assert.T(t, !r.HandshakeDone(), "waiting for the server")
}

func TestOpenInterestGenerateClose(t *testing.T) {
	r, ms, fs := newClientRepo(t)
	r.Messenger().Accept("opened", t, func(args ...interface{}) { trace = append(trace, "opened") })
	r.Messenger().Accept("closed", t, func(args ...interface{}) { trace = append(trace, "closed") })

	h1, err := r.Interests.AddInterest(100, []common.ZoneID{200}, "test", "opened")
	assert.Equal(t, nil, err)
	_, msgType, di := fs.last(t, false)
	assert.Equal(t, proto.MT_CLIENT_ADD_INTEREST, msgType)
	assert.Equal(t, h1, di.ReadUint16())
	c1 := di.ReadUint32()

	fs.send(generateFoo(t, r, nil, proto.MT_CLIENT_OBJECT_GENERATE_REQUIRED, 100, 200, 1000, "x"))
	fs.send(interestDone(h1, c1))
	ms.Step(1)

	obj := r.Objects.Get(1000)
	assert.T(t, obj != nil, "generated")
	foo := obj.V.Interface().(*repoFoo)
	assert.Equal(t, "x", foo.name)
	assert.Equal(t, 1, foo.announces)
	assert.Equal(t, []string{"announce x", "opened"}, trace)

	assert.T(t, r.Interests.RemoveInterest(h1, "closed"), "remove")
	_, msgType, di = fs.last(t, false)
	assert.Equal(t, proto.MT_CLIENT_REMOVE_INTEREST, msgType)
	assert.Equal(t, h1, di.ReadUint16())
	c2 := di.ReadUint32()

	fs.send(doIDMessage(proto.MT_CLIENT_OBJECT_DELETE, 1000))
	fs.send(interestDone(h1, c2))
	ms.Step(1)
	assert.T(t, r.Objects.Get(1000) == nil, "deleted")
	assert.T(t, obj.IsDeleted(), "torn down")
	assert.Equal(t, []string{"announce x", "opened", "delete x", "closed"}, trace)
	assert.T(t, r.Interests.Get(h1) == nil, "handle reclaimed")
}

func TestUpdatesInOrderAcrossTicks(t *testing.T) {
	r, ms, fs := newClientRepo(t)
	r.Conn.MaxPerTick = 6
	fs.send(generateFoo(t, r, nil, proto.MT_CLIENT_OBJECT_GENERATE_REQUIRED, 100, 200, 1000, "x"))
	ms.Step(1)
	foo := r.Objects.Get(1000).V.Interface().(*repoFoo)

	for i := int32(0); i < 10; i++ {
		fs.send(updateHp(t, r, nil, proto.MT_CLIENT_OBJECT_UPDATE_FIELD, 1000, i))
	}
	fs.send(doIDMessage(proto.MT_CLIENT_OBJECT_DELETE, 1000))

	ms.Step(1)
	assert.Equal(t, 6, len(foo.hps))
	assert.T(t, r.Objects.Get(1000) != nil, "not deleted yet")
	ms.Step(1)
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, foo.hps)
	assert.T(t, r.Objects.Get(1000) == nil, "deleted after the updates")
	assert.Equal(t, 1, foo.announces)
}

func TestDCMismatch(t *testing.T) {
	r, ms, fs := newRepo(t, Options{Role: dc.RoleClient, GameRoot: 100})
	var failErr error
	r.OnConnectFailure = func(code int, reason string, err error) { failErr = err }

	fs.send(generateFoo(t, r, nil, proto.MT_CLIENT_OBJECT_GENERATE_REQUIRED, 100, 200, 1000, "x"))
	dg := proto.NewMessage(nil, proto.MT_CLIENT_GO_GET_LOST)
	dg.AppendUint16(proto.GET_LOST_DC_HASH_MISMATCH)
	dg.AppendString("dc hash mismatch")
	fs.send(dg)
	ms.Step(1)

	assert.Equal(t, ErrDCMismatch, errors.Cause(failErr))
	assert.T(t, r.Objects.Get(1000) == nil, "no object traffic before the handshake")
	assert.T(t, !r.Conn.IsConnected(), "disconnected")
	assert.T(t, !r.HandshakeDone(), "no handshake")
}

func TestQuietZoneFilter(t *testing.T) {
	r, ms, fs := newClientRepo(t)
	fs.send(generateFoo(t, r, nil, proto.MT_CLIENT_OBJECT_GENERATE_REQUIRED, 100, 200, 1000, "x"))
	ms.Step(1)
	obj := r.Objects.Get(1000)
	foo := obj.V.Interface().(*repoFoo)

	r.SetQuietZone(true)
	fs.send(updateHp(t, r, nil, proto.MT_CLIENT_OBJECT_UPDATE_FIELD, 1000, 1))
	ms.Step(1)
	assert.Equal(t, 0, len(foo.hps))

	obj.SetNeverDisable(true)
	fs.send(updateHp(t, r, nil, proto.MT_CLIENT_OBJECT_UPDATE_FIELD, 1000, 2))
	ms.Step(1)
	assert.Equal(t, []int32{2}, foo.hps)

	r.SetQuietZone(false)
	obj.SetNeverDisable(false)
	fs.send(updateHp(t, r, nil, proto.MT_CLIENT_OBJECT_UPDATE_FIELD, 1000, 3))
	ms.Step(1)
	assert.Equal(t, []int32{2, 3}, foo.hps)
}

func TestBundleDispatchedInOrder(t *testing.T) {
	r, ms, fs := newClientRepo(t)
	fs.send(generateFoo(t, r, nil, proto.MT_CLIENT_OBJECT_GENERATE_REQUIRED, 100, 200, 1000, "x"))
	ms.Step(1)
	foo := r.Objects.Get(1000).V.Interface().(*repoFoo)

	bundle := proto.NewMessage(nil, proto.MT_BUNDLE)
	bundle.AppendUint16(2)
	bundle.AppendBlob(updateHp(t, r, nil, proto.MT_CLIENT_OBJECT_UPDATE_FIELD, 1000, 7).Bytes())
	bundle.AppendBlob(updateHp(t, r, nil, proto.MT_CLIENT_OBJECT_UPDATE_FIELD, 1000, 8).Bytes())
	fs.send(bundle)
	ms.Step(1)
	assert.Equal(t, []int32{7, 8}, foo.hps)
}

func TestMalformedDatagramDropped(t *testing.T) {
	r, ms, fs := newClientRepo(t)
	fs.send(generateFoo(t, r, nil, proto.MT_CLIENT_OBJECT_GENERATE_REQUIRED, 100, 200, 1000, "x"))
	ms.Step(1)
	foo := r.Objects.Get(1000).V.Interface().(*repoFoo)

	before := testutil.ToFloat64(opmon.DecodeErrors.WithLabelValues("truncated"))
	dg := proto.NewMessage(nil, proto.MT_CLIENT_OBJECT_UPDATE_FIELD)
	dg.AppendUint32(1000)
	dg.AppendUint16(fieldNum(t, r, "RepoFoo", "setHp"))
	dg.AppendUint8(1)
	fs.send(dg)
	fs.send(updateHp(t, r, nil, proto.MT_CLIENT_OBJECT_UPDATE_FIELD, 1000, 4))
	fs.send(updateHp(t, r, nil, proto.MT_CLIENT_OBJECT_UPDATE_FIELD, 4242, 4))
	ms.Step(1)
	assert.Equal(t, before+1, testutil.ToFloat64(opmon.DecodeErrors.WithLabelValues("truncated")))
	assert.Equal(t, []int32{4}, foo.hps)
}

func TestAutoInterests(t *testing.T) {
	r, ms, fs := newClientRepo(t)
	dg := proto.NewMessage(nil, proto.MT_CLIENT_OBJECT_GENERATE_REQUIRED)
	dg.AppendUint32(100)
	dg.AppendUint32(200)
	dg.AppendUint16(classNum(t, r, "RepoZoneOwner"))
	dg.AppendUint32(3000)
	fs.send(dg)
	ms.Step(1)

	_, msgType, di := fs.last(t, false)
	assert.Equal(t, proto.MT_CLIENT_ADD_INTEREST, msgType)
	handle := di.ReadUint16()
	di.ReadUint32()
	assert.Equal(t, uint32(3000), di.ReadUint32())
	assert.Equal(t, uint32(5), di.ReadUint32())
	assert.Equal(t, uint32(6), di.ReadUint32())

	fs.send(doIDMessage(proto.MT_CLIENT_OBJECT_DELETE, 3000))
	ms.Step(1)
	_, msgType, di = fs.last(t, false)
	assert.Equal(t, proto.MT_CLIENT_REMOVE_INTEREST, msgType)
	assert.Equal(t, handle, di.ReadUint16())
	assert.Equal(t, 0, r.Interests.Len())
}

func TestLostConnectionResetsInterests(t *testing.T) {
	r, ms, fs := newClientRepo(t)
	var lost error
	r.OnLostConnection = func(err error) { lost = err }
	r.Interests.AddInterest(100, []common.ZoneID{200}, "test", "opened")
	assert.Equal(t, 1, r.Interests.Len())
	fs.end.Close()
	ms.Step(1)
	assert.Equal(t, connection.ErrTransportLost, lost)
	assert.Equal(t, 0, r.Interests.Len())
	assert.T(t, !r.HandshakeDone(), "handshake forgotten")
}

func TestReconnectGeneratesFreshObjects(t *testing.T) {
	r, ms, fs := newClientRepo(t)
	fs.send(generateFoo(t, r, nil, proto.MT_CLIENT_OBJECT_GENERATE_REQUIRED, 100, 200, 1000, "x"))
	ms.Step(1)
	old := r.Objects.Get(1000)
	assert.T(t, old != nil, "generated")

	fs.end.Close()
	ms.Step(1)
	assert.T(t, r.Objects.Get(1000) == nil, "objects dropped with the connection")
	assert.T(t, old.IsDeleted(), "old instance torn down")
	assert.Equal(t, []string{"announce x", "delete x"}, trace)

	client, server := connection.NewPipe(t.Name() + "-again")
	fs2 := &fakeServer{end: server}
	server.Start(fs2.recv, func(error) {})
	r.Attach("pipe://"+t.Name()+"-again", client)
	fs2.send(proto.NewMessage(nil, proto.MT_CLIENT_HELLO_RESP))
	fs2.send(generateFoo(t, r, nil, proto.MT_CLIENT_OBJECT_GENERATE_REQUIRED, 100, 200, 1000, "y"))
	ms.Step(1)

	obj := r.Objects.Get(1000)
	assert.T(t, obj != nil && obj != old, "new instance")
	foo := obj.V.Interface().(*repoFoo)
	assert.Equal(t, "y", foo.name)
	assert.Equal(t, 1, foo.announces)
	assert.Equal(t, 1, old.V.Interface().(*repoFoo).announces)
}

func TestFluidPusherOption(t *testing.T) {
	r, _, _ := newRepo(t, Options{Role: dc.RoleClient, WantFluidPusher: true})
	h := r.Objects.ZoneCache.Get(common.Location{ParentID: 100, ZoneID: 200})
	assert.T(t, h.Data().Collision.FluidPusher, "fluid pusher")
	h.Release()
}

func TestServerParticipant(t *testing.T) {
	r, ms, fs := newRepo(t, Options{Role: dc.RoleAI, ChannelMin: 5000, ChannelMax: 5010, DistrictID: 4000})
	aiRepo = r
	h, msgType, _ := fs.last(t, true)
	assert.Equal(t, proto.MT_CLIENT_HELLO, msgType)
	assert.Equal(t, []uint64{4003}, h.Channels)
	assert.Equal(t, uint64(5000), h.Sender)

	server := &proto.Header{Channels: []uint64{5000}, Sender: 4003}
	fs.send(proto.NewMessage(server, proto.MT_CLIENT_HELLO_RESP))
	fs.send(generateFoo(t, r, server, proto.MT_STATESERVER_OBJECT_GENERATE_WITH_REQUIRED, 4000, 200, 6000, "ai"))
	fs.send(updateHp(t, r, &proto.Header{Channels: []uint64{6000}, Sender: 777}, proto.MT_STATESERVER_OBJECT_SET_FIELD, 6000, 9))
	ms.Step(1)

	foo := r.Objects.Get(6000).V.Interface().(*repoFooAI)
	assert.Equal(t, []int32{9}, foo.hps)
	assert.Equal(t, []common.DoID{777}, foo.senders)

	var created common.DoID
	req := r.Async.New().Then(func(req *asyncreq.AsyncRequest) {
		v, _ := req.Value("bob")
		created = v.(common.DoID)
	})
	assert.Equal(t, nil, req.CreateObjectID("bob", "RepoFoo", map[string]interface{}{"setName": "bob"}))
	h, msgType, di := fs.last(t, true)
	assert.Equal(t, proto.MT_DB_CREATE_OBJECT, msgType)
	assert.Equal(t, []uint64{4003}, h.Channels)
	context := di.ReadUint32()

	resp := proto.NewMessage(server, proto.MT_DB_GENERATE_RESPONSE)
	resp.AppendUint32(context)
	resp.AppendUint32(8000)
	fs.send(resp)
	ms.Step(1)
	assert.Equal(t, common.DoID(8000), created)
	assert.Equal(t, asyncreq.Finished, req.State())
	ms.Advance(time.Minute)
}

func TestMessageBundling(t *testing.T) {
	r, ms, fs := newRepo(t, Options{Role: dc.RoleAI, ChannelMin: 5000, ChannelMax: 5010, DistrictID: 4000, MessageBundling: true})
	aiRepo = r
	server := &proto.Header{Channels: []uint64{5000}, Sender: 4003}
	fs.send(proto.NewMessage(server, proto.MT_CLIENT_HELLO_RESP))
	ms.Step(1)
	fs.got = nil

	obj, err := r.Objects.NewObject("RepoFoo")
	assert.Equal(t, nil, err)
	r.StartMessageBundle("generate")
	assert.Equal(t, nil, r.Objects.GenerateWithRequired(obj, 4000, 200))
	assert.Equal(t, nil, obj.SendUpdate("setHp", int32(3)))
	assert.Equal(t, 0, len(fs.got))
	assert.Equal(t, nil, r.SendMessageBundle())

	h, msgType, di := fs.last(t, true)
	assert.Equal(t, proto.MT_BUNDLE, msgType)
	assert.Equal(t, []uint64{4000}, h.Channels)
	items, err := connection.ReadBundle(di)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(items))
}

func TestVisibility(t *testing.T) {
	r, _, _ := newClientRepo(t)
	v := NewVisibility(r.Interests, r.Messenger(), 100, map[common.ZoneID][]common.ZoneID{
		10: {11, 12},
		11: {10},
	})

	added, removed := v.SetCurrentZone(10)
	assert.Equal(t, []common.ZoneID{10, 11, 12}, added)
	assert.Equal(t, []common.ZoneID{}, removed)
	h := v.Handle()
	assert.NotEqual(t, uint16(0), h)
	r.Interests.HandleInterestDone(h, r.Interests.Get(h).Context)
	assert.Equal(t, 1, v.ZoneCompleteCount())

	added, removed = v.SetCurrentZone(11)
	assert.Equal(t, []common.ZoneID{}, added)
	assert.Equal(t, []common.ZoneID{12}, removed)
	assert.Equal(t, []common.ZoneID{10, 11}, r.Interests.Get(h).Zones)

	v.LockVisibility()
	added, _ = v.SetCurrentZone(10)
	assert.Equal(t, 0, len(added))
	assert.Equal(t, []common.ZoneID{10, 11}, v.VisibleZones())
	v.UnlockVisibility()
	assert.Equal(t, []common.ZoneID{10, 11, 12}, v.VisibleZones())
	r.Interests.HandleInterestDone(h, r.Interests.Get(h).Context)
	assert.Equal(t, 2, v.ZoneCompleteCount())

	v.Close()
	assert.Equal(t, uint16(0), v.Handle())
}

const testConfig = `
[repository]
participant = ai
server_list = tcp://127.0.0.1:14003
channel_min = 5000
channel_max = 5999

[async]
async_request_timeout = 2
async_request_num_retries = 1

[interest]
interest_debug = true

[collision]
want_fluid_pusher = true
`

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.Parse([]byte(testConfig)))
	assert.Equal(t, dc.RoleAI, opts.Role)
	assert.Equal(t, []string{"tcp://127.0.0.1:14003"}, opts.ServerList)
	assert.Equal(t, 2*time.Second, opts.AsyncTimeout)
	assert.Equal(t, 1, opts.AsyncNumRetries)
	assert.T(t, opts.InterestDebug, "interest debug")
	assert.T(t, opts.WantFluidPusher, "fluid pusher")
}
