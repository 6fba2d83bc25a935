// Package connection carries datagrams between a participant and its server.
//
// Transports run their own I/O goroutines and only enqueue received datagrams.
// The reader frame task drains that queue on the main tick, so handlers never
// run concurrently with the rest of the runtime.
package connection

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	"github.com/xiaonanln/godor/engine/async"
	"github.com/xiaonanln/godor/engine/consts"
	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/messenger"
	"github.com/xiaonanln/godor/engine/netutil"
	"github.com/xiaonanln/godor/engine/opmon"
	"github.com/xiaonanln/godor/engine/proto"
	"github.com/xiaonanln/godor/engine/sched"
)

var (
	// ErrTransportLost is reported when the transport went down
	ErrTransportLost = errors.New("transport lost")
	// ErrQueueOverflow is reported when the receive queue overflowed
	ErrQueueOverflow = errors.New("receive queue overflow")
	// ErrSimulatedDisconnect is returned by Send while a disconnect is simulated
	ErrSimulatedDisconnect = errors.New("simulated disconnect")
	// ErrNotConnected is returned by Send without a transport
	ErrNotConnected = errors.New("not connected")
)

// Events sent on the messenger bus
const (
	LostConnectionEvent = "connection-lost"
	QueueOverflowEvent  = "connection-queue-overflow"
)

// Connect failure status codes
const (
	StatusNoServers     = 1
	StatusConnectFailed = 2
	StatusBusy          = 3
)

// Handler handles one received datagram on the main tick
type Handler func(data []byte)

type link struct {
	transport  Transport
	queue      chan []byte
	lost       xnsyncutil.AtomicBool
	overflowed xnsyncutil.AtomicBool
	errLock    sync.Mutex
	err        error
}

func (l *link) setLost(err error) {
	l.errLock.Lock()
	if l.err == nil {
		l.err = err
	}
	l.errLock.Unlock()
	l.lost.Store(true)
}

func (l *link) lostErr() error {
	l.errLock.Lock()
	defer l.errLock.Unlock()
	if l.err == nil {
		return ErrTransportLost
	}
	return l.err
}

// Connection is the participant's link to its server
type Connection struct {
	Name string
	// MaxPerTick bounds the datagrams handled by one reader poll
	MaxPerTick int
	// RecvQueueSize bounds the receive queue of the next attached transport
	RecvQueueSize int
	// OnLostConnection replaces the default lost connection handling
	OnLostConnection func(err error)
	// OnQueueOverflow is called when the receive queue overflowed
	OnQueueOverflow func()

	opts    DialOptions
	sched   sched.Scheduler
	bus     *messenger.Messenger
	handler Handler

	link       *link
	server     string
	connecting bool
	readerTask sched.Timer
	flushTask  sched.Timer
	dirty      bool

	simulatedDisconnect bool

	bundleDepth int
	bundleName  string
	bundle      [][]byte
}

// NewConnection creates an unconnected connection. bus may be nil.
func NewConnection(name string, opts DialOptions, s sched.Scheduler, bus *messenger.Messenger, handler Handler) *Connection {
	return &Connection{
		Name:          name,
		MaxPerTick:    consts.READER_MAX_DATAGRAMS_PER_TICK,
		RecvQueueSize: consts.CONNECTION_RECV_QUEUE_SIZE,
		opts:          opts,
		sched:         s,
		bus:           bus,
		handler:       handler,
	}
}

func (c *Connection) String() string {
	if c.link == nil {
		return fmt.Sprintf("Connection<%s>", c.Name)
	}
	return fmt.Sprintf("Connection<%s %s>", c.Name, c.link.transport)
}

// Server returns the server the connection is attached to
func (c *Connection) Server() string {
	return c.server
}

// IsConnected returns whether a transport is attached
func (c *Connection) IsConnected() bool {
	return c.link != nil
}

// Connect tries each server in turn on a background goroutine. Exactly one of
// onSuccess and onFailure is called, on the main tick.
func (c *Connection) Connect(servers []string, onSuccess func(server string), onFailure func(code int, reason string)) {
	if c.connecting || c.link != nil {
		onFailure(StatusBusy, fmt.Sprintf("%s is busy", c))
		return
	}
	if len(servers) == 0 {
		onFailure(StatusNoServers, "no servers to connect to")
		return
	}
	c.connecting = true
	servers = append([]string(nil), servers...)
	type connected struct {
		server    string
		transport Transport
	}
	async.AppendAsyncJobTo(c.sched.Post, "connect-"+c.Name, func() (interface{}, error) {
		var lastErr error
		for _, server := range servers {
			u, err := ParseServer(server)
			if err == nil {
				var t Transport
				if t, err = Dial(context.Background(), u, c.opts); err == nil {
					return connected{server, t}, nil
				}
			}
			gwlog.Warnf("%s: connect %s failed: %v", c, server, err)
			lastErr = err
		}
		return nil, lastErr
	}, func(res interface{}, err error) {
		c.connecting = false
		if err != nil {
			onFailure(StatusConnectFailed, err.Error())
			return
		}
		conn := res.(connected)
		c.Attach(conn.server, conn.transport)
		onSuccess(conn.server)
	})
}

// Attach starts using an established transport
func (c *Connection) Attach(server string, t Transport) {
	if c.link != nil {
		c.Disconnect()
	}
	size := c.RecvQueueSize
	if size <= 0 {
		size = consts.CONNECTION_RECV_QUEUE_SIZE
	}
	l := &link{
		transport: t,
		queue:     make(chan []byte, size),
	}
	c.link = l
	c.server = server
	c.readerTask = c.sched.AddFrameTask("reader-"+c.Name, sched.PriorityReader, c.poll)
	c.flushTask = c.sched.AddFrameTask("flush-"+c.Name, sched.PriorityFlush, c.ConsiderFlush)
	t.Start(func(data []byte) {
		select {
		case l.queue <- data:
		default:
			l.overflowed.Store(true)
			opmon.QueueOverflows.Inc()
		}
	}, l.setLost)
	gwlog.Infof("%s: connected to %s", c, server)
}

// Disconnect closes the transport and stops the reader. It also ends a
// simulated disconnect.
func (c *Connection) Disconnect() {
	c.simulatedDisconnect = false
	if c.readerTask != nil {
		c.readerTask.Cancel()
		c.readerTask = nil
	}
	if c.flushTask != nil {
		c.flushTask.Cancel()
		c.flushTask = nil
	}
	l := c.link
	if l == nil {
		return
	}
	c.link = nil
	c.dirty = false
	c.AbandonMessageBundles()
	if err := l.transport.Close(); err != nil {
		gwlog.Warnf("%s: close %s: %v", c, l.transport, err)
	}
}

// SetSimulatedDisconnect makes the reader behave as if the transport was down
func (c *Connection) SetSimulatedDisconnect(b bool) {
	c.simulatedDisconnect = b
}

// IsSimulatedDisconnect returns whether a disconnect is simulated
func (c *Connection) IsSimulatedDisconnect() bool {
	return c.simulatedDisconnect
}

// QueueLen returns the number of received datagrams not handled yet
func (c *Connection) QueueLen() int {
	if c.link == nil {
		return 0
	}
	return len(c.link.queue)
}

func (c *Connection) poll() {
	l := c.link
	if l == nil {
		return
	}
	if c.simulatedDisconnect {
		c.lostConnection(ErrSimulatedDisconnect)
		return
	}
	if l.overflowed.Load() {
		l.overflowed.Store(false)
		c.queueOverflow()
		if c.link != l {
			return
		}
	}

	max := c.MaxPerTick
	if max <= 0 {
		max = consts.READER_MAX_DATAGRAMS_PER_TICK
	}
	for i := 0; i < max; i++ {
		select {
		case data := <-l.queue:
			c.handler(data)
			if c.link != l {
				return
			}
		default:
			if l.lost.Load() {
				c.lostConnection(l.lostErr())
			}
			return
		}
	}
}

func (c *Connection) queueOverflow() {
	gwlog.Warnf("%s: receive queue overflow", c)
	if c.OnQueueOverflow != nil {
		c.OnQueueOverflow()
	}
	if c.bus != nil {
		c.bus.Send(QueueOverflowEvent, c)
	}
}

func (c *Connection) lostConnection(err error) {
	gwlog.Warnf("%s: lost connection: %v", c, err)
	c.Disconnect()
	if c.OnLostConnection != nil {
		c.OnLostConnection(err)
	}
	if c.bus != nil {
		c.bus.Send(LostConnectionEvent, c, err)
	}
}

// Send queues dg, or adds it to the open message bundle
func (c *Connection) Send(dg *netutil.Datagram) error {
	return c.SendBytes(dg.Bytes())
}

// SendBytes queues one encoded datagram
func (c *Connection) SendBytes(data []byte) error {
	if c.simulatedDisconnect {
		gwlog.Warnf("%s: send while simulating a disconnect", c)
		return ErrSimulatedDisconnect
	}
	if c.link == nil {
		return ErrNotConnected
	}
	if c.bundleDepth > 0 {
		c.bundle = append(c.bundle, append([]byte(nil), data...))
		return nil
	}
	c.dirty = true
	return c.link.transport.Send(data)
}

// ConsiderFlush flushes if anything was sent since the last flush
func (c *Connection) ConsiderFlush() {
	if c.dirty && !c.simulatedDisconnect {
		c.Flush()
	}
}

// Flush pushes queued datagrams to the wire
func (c *Connection) Flush() {
	if c.link == nil || c.simulatedDisconnect {
		return
	}
	c.dirty = false
	if err := c.link.transport.Flush(); err != nil {
		gwlog.Warnf("%s: flush: %v", c, err)
	}
}

// StartMessageBundle starts collecting datagrams. Bundles nest; only the
// outermost SendMessageBundle sends.
func (c *Connection) StartMessageBundle(name string) {
	if c.bundleDepth == 0 {
		c.bundleName = name
		c.bundle = nil
	}
	c.bundleDepth++
}

// IsBundling returns whether a message bundle is open
func (c *Connection) IsBundling() bool {
	return c.bundleDepth > 0
}

// SendMessageBundle closes the innermost bundle and sends the collected
// datagrams as one MT_BUNDLE when it was the outermost. A zero channel sends
// the bundle without a server header.
func (c *Connection) SendMessageBundle(channel, sender uint64) error {
	if c.bundleDepth == 0 {
		return errors.Errorf("%s: no message bundle open", c)
	}
	c.bundleDepth--
	if c.bundleDepth > 0 {
		return nil
	}
	items := c.bundle
	c.bundle = nil
	if len(items) == 0 {
		return nil
	}
	if len(items) > 0xFFFF {
		return errors.Errorf("%s: bundle %s has %d datagrams", c, c.bundleName, len(items))
	}

	var h *proto.Header
	if channel != 0 {
		h = &proto.Header{Channels: []uint64{channel}, Sender: sender}
	}
	dg := proto.NewMessage(h, proto.MT_BUNDLE)
	dg.AppendUint16(uint16(len(items)))
	for _, item := range items {
		if err := dg.AppendBlob(item); err != nil {
			return errors.Wrapf(err, "bundle %s", c.bundleName)
		}
	}
	return c.Send(dg)
}

// AbandonMessageBundles drops every open bundle
func (c *Connection) AbandonMessageBundles() {
	c.bundleDepth = 0
	c.bundle = nil
}

// ReadBundle returns the datagrams carried by an MT_BUNDLE payload
func ReadBundle(di *netutil.DatagramIterator) ([][]byte, error) {
	n := int(di.ReadUint16())
	items := make([][]byte, 0, n)
	for i := 0; i < n && di.Err() == nil; i++ {
		items = append(items, di.ReadBlob())
	}
	if err := di.Err(); err != nil {
		return nil, errors.Wrap(err, "read bundle")
	}
	return items, nil
}
