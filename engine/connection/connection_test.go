package connection

import (
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
	"github.com/xiaonanln/godor/engine/messenger"
	"github.com/xiaonanln/godor/engine/netutil"
	"github.com/xiaonanln/godor/engine/proto"
	"github.com/xiaonanln/godor/engine/sched"
)

type collector struct {
	received [][]byte
}

func (col *collector) handle(data []byte) {
	col.received = append(col.received, data)
}

func newPipeConnection(t *testing.T) (*Connection, *sched.ManualScheduler, *collector, *PipeTransport) {
	ms := sched.NewManualScheduler()
	col := &collector{}
	c := NewConnection("test", DialOptions{}, ms, messenger.NewMessenger(), col.handle)
	client, server := NewPipe("test")
	c.Attach("pipe://test", client)
	return c, ms, col, server
}

func msg(n uint32) []byte {
	dg := netutil.NewDatagram()
	dg.AppendUint32(n)
	return dg.Bytes()
}

func TestReaderDrainsInOrder(t *testing.T) {
	c, ms, col, server := newPipeConnection(t)
	c.MaxPerTick = 6
	for i := uint32(0); i < 11; i++ {
		assert.Equal(t, nil, server.Send(msg(i)))
	}
	assert.Equal(t, 11, c.QueueLen())

	ms.Step(1)
	assert.Equal(t, 6, len(col.received))
	ms.Step(1)
	assert.Equal(t, 11, len(col.received))
	for i, data := range col.received {
		assert.Equal(t, uint32(i), netutil.NewDatagramIterator(data).ReadUint32())
	}
}

func TestSendReachesPeer(t *testing.T) {
	c, _, _, server := newPipeConnection(t)
	peer := &collector{}
	server.Start(peer.handle, func(error) {})
	assert.Equal(t, nil, c.SendBytes(msg(7)))
	assert.Equal(t, [][]byte{msg(7)}, peer.received)
}

func TestLostConnection(t *testing.T) {
	c, ms, col, server := newPipeConnection(t)
	var lostErr error
	c.OnLostConnection = func(err error) { lostErr = err }

	server.Send(msg(1))
	server.Close()
	ms.Step(1)
	assert.Equal(t, 1, len(col.received))
	assert.Equal(t, ErrTransportLost, lostErr)
	assert.T(t, !c.IsConnected(), "disconnected")
	assert.Equal(t, ErrNotConnected, c.SendBytes(msg(2)))
	assert.Equal(t, 0, len(ms.FrameTaskNames()))
}

func TestSimulatedDisconnect(t *testing.T) {
	c, ms, _, _ := newPipeConnection(t)
	bus := messenger.NewMessenger()
	c.bus = bus
	events := 0
	bus.Accept(LostConnectionEvent, t, func(args ...interface{}) { events++ })

	c.SetSimulatedDisconnect(true)
	assert.Equal(t, ErrSimulatedDisconnect, errors.Cause(c.SendBytes(msg(1))))
	ms.Step(1)
	assert.Equal(t, 1, events)
	assert.T(t, !c.IsConnected(), "reader saw the link down")
	ms.Step(1)
	assert.Equal(t, 1, events)
}

func TestReattachAfterSimulatedDisconnect(t *testing.T) {
	c, ms, col, _ := newPipeConnection(t)
	lost := 0
	c.OnLostConnection = func(err error) { lost++ }

	c.SetSimulatedDisconnect(true)
	ms.Step(1)
	assert.Equal(t, 1, lost)
	assert.T(t, !c.IsSimulatedDisconnect(), "disconnect ends the simulation")

	client, server := NewPipe("again")
	c.Attach("pipe://again", client)
	peer := &collector{}
	server.Start(peer.handle, func(error) {})
	assert.Equal(t, nil, server.Send(msg(5)))
	ms.Step(1)
	assert.Equal(t, 1, lost)
	assert.T(t, c.IsConnected(), "new transport stays up")
	assert.Equal(t, [][]byte{msg(5)}, col.received)
	assert.Equal(t, nil, c.SendBytes(msg(6)))
	assert.Equal(t, [][]byte{msg(6)}, peer.received)
}

func TestNoFlushWhileSimulatingDisconnect(t *testing.T) {
	c, _, _, _ := newPipeConnection(t)
	assert.Equal(t, nil, c.SendBytes(msg(1)))
	c.SetSimulatedDisconnect(true)
	c.ConsiderFlush()
	assert.T(t, c.dirty, "flush skipped while simulating")
	c.SetSimulatedDisconnect(false)
	c.ConsiderFlush()
	assert.T(t, !c.dirty, "flushed once the link is back")
}

func TestQueueOverflow(t *testing.T) {
	ms := sched.NewManualScheduler()
	col := &collector{}
	c := NewConnection("small", DialOptions{}, ms, nil, col.handle)
	c.RecvQueueSize = 2
	client, server := NewPipe("small")
	c.Attach("pipe://small", client)
	overflows := 0
	c.OnQueueOverflow = func() {
		overflows++
		c.Disconnect()
	}
	server.Send(msg(1))
	server.Send(msg(2))
	server.Send(msg(3))
	ms.Step(1)
	assert.Equal(t, 1, overflows)
	assert.Equal(t, 0, len(col.received))
	assert.T(t, !c.IsConnected(), "disconnected on overflow")
}

func TestMessageBundle(t *testing.T) {
	c, _, _, server := newPipeConnection(t)
	peer := &collector{}
	server.Start(peer.handle, func(error) {})

	c.StartMessageBundle("outer")
	c.StartMessageBundle("inner")
	c.SendBytes(msg(1))
	c.SendBytes(msg(2))
	assert.Equal(t, nil, c.SendMessageBundle(4000, 5000))
	assert.Equal(t, 0, len(peer.received))
	c.SendBytes(msg(3))
	assert.Equal(t, nil, c.SendMessageBundle(4000, 5000))
	assert.Equal(t, 1, len(peer.received))

	di := netutil.NewDatagramIterator(peer.received[0])
	h, msgType, err := proto.ReadHeader(di, true)
	assert.Equal(t, nil, err)
	assert.Equal(t, proto.MT_BUNDLE, msgType)
	assert.Equal(t, []uint64{4000}, h.Channels)
	assert.Equal(t, uint64(5000), h.Sender)
	items, err := ReadBundle(di)
	assert.Equal(t, nil, err)
	assert.Equal(t, [][]byte{msg(1), msg(2), msg(3)}, items)

	assert.NotEqual(t, nil, c.SendMessageBundle(0, 0))
	c.StartMessageBundle("dropped")
	c.SendBytes(msg(4))
	c.AbandonMessageBundles()
	assert.T(t, !c.IsBundling(), "abandoned")
	c.SendBytes(msg(5))
	assert.Equal(t, [][]byte{msg(5)}, peer.received[1:])
}

func TestConnectOverPipe(t *testing.T) {
	ms := sched.NewManualScheduler()
	var accepted Transport
	ListenPipe("connect-test", func(server Transport) { accepted = server })
	defer UnlistenPipe("connect-test")

	c := NewConnection("dialer", DialOptions{}, ms, nil, func([]byte) {})
	var server string
	var failure string
	c.Connect([]string{"pipe://missing", "pipe://connect-test"}, func(s string) { server = s }, func(code int, reason string) { failure = reason })
	for i := 0; i < 500 && server == "" && failure == ""; i++ {
		time.Sleep(time.Millisecond)
		ms.Step(1)
	}
	assert.Equal(t, "", failure)
	assert.Equal(t, "pipe://connect-test", server)
	assert.T(t, c.IsConnected(), "connected")
	assert.T(t, accepted != nil, "server end accepted")

	var code int
	c.Connect([]string{"pipe://connect-test"}, func(string) {}, func(cd int, reason string) { code = cd })
	assert.Equal(t, StatusBusy, code)
}

func TestConnectFailure(t *testing.T) {
	ms := sched.NewManualScheduler()
	c := NewConnection("dialer", DialOptions{}, ms, nil, func([]byte) {})
	code := 0
	c.Connect(nil, func(string) {}, func(cd int, reason string) { code = cd })
	assert.Equal(t, StatusNoServers, code)

	code = 0
	c.Connect([]string{"pipe://nowhere"}, func(string) {}, func(cd int, reason string) { code = cd })
	for i := 0; i < 500 && code == 0; i++ {
		time.Sleep(time.Millisecond)
		ms.Step(1)
	}
	assert.Equal(t, StatusConnectFailed, code)
}

func TestTransportKind(t *testing.T) {
	for _, c := range []struct {
		server string
		method string
		kind   string
	}{
		{"ws://example.com/dor", MethodDefault, "ws"},
		{"kcp://127.0.0.1:7000", MethodDefault, "kcp"},
		{"nats://127.0.0.1:4222/dor.db", MethodDefault, "nats"},
		{"127.0.0.1:7000", MethodHTTP, "ws"},
		{"127.0.0.1:7000", MethodNSPR, "nspr"},
		{"127.0.0.1:7000", MethodKCP, "kcp"},
		{"http://example.com", MethodNSPR, "nspr"},
		{"http://example.com", MethodDefault, "ws"},
	} {
		u, err := ParseServer(c.server)
		assert.Equal(t, nil, err)
		assert.Equal(t, c.kind, transportKind(u, c.method))
	}
}
