// Package repository ties the runtime together for one participant: it owns
// the connection, dispatches inbound datagrams to the object, interest and
// async request managers, and is their outbound message sender.
package repository

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/godor/engine/asyncreq"
	"github.com/xiaonanln/godor/engine/common"
	"github.com/xiaonanln/godor/engine/config"
	"github.com/xiaonanln/godor/engine/connection"
	"github.com/xiaonanln/godor/engine/consts"
	"github.com/xiaonanln/godor/engine/dc"
	"github.com/xiaonanln/godor/engine/dobj"
	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/gwutils"
	"github.com/xiaonanln/godor/engine/interest"
	"github.com/xiaonanln/godor/engine/messenger"
	"github.com/xiaonanln/godor/engine/netutil"
	"github.com/xiaonanln/godor/engine/opmon"
	"github.com/xiaonanln/godor/engine/proto"
	"github.com/xiaonanln/godor/engine/sched"
	"github.com/xiaonanln/godor/engine/zonedata"
)

// ErrDCMismatch means the server runs a different DC
var ErrDCMismatch = errors.New("dc hash mismatch")

// Version is sent in CLIENT_HELLO
const Version = proto.Version

// AutoInterestField lists the zones an object opens interest in when it is announced
const AutoInterestField = "autoInterest"

// Events sent on the messenger bus
const (
	ConnectedEvent     = "repository-connected"
	ConnectFailedEvent = "repository-connect-failed"
)

// Options configures a Repository
type Options struct {
	Role            dc.Role
	ConnectMethod   string
	ServerList      []string
	ChannelMin      common.DoID
	ChannelMax      common.DoID
	GameRoot        common.DoID
	DistrictID      common.DoID
	DBChannel       uint64
	RecvQueueSize   int
	Compress        bool
	MessageBundling bool
	Verbose         bool
	ConnectTimeout  time.Duration

	AsyncTimeout        time.Duration
	AsyncNumRetries     int
	AsyncBreakOnTimeout bool

	InterestDebug    bool
	QuiescenceFrames int

	WantFluidPusher bool
}

// OptionsFromConfig reads the [repository], [async], [interest] and [collision] sections
func OptionsFromConfig(cfg *config.DORConfig) Options {
	rc := cfg.Repository
	return Options{
		Role:                dc.RoleOf(rc.Participant),
		ConnectMethod:       rc.ConnectMethod,
		ServerList:          rc.ServerList,
		ChannelMin:          common.DoID(rc.ChannelMin),
		ChannelMax:          common.DoID(rc.ChannelMax),
		GameRoot:            common.DoID(rc.GameRoot),
		DistrictID:          common.DoID(rc.DistrictID),
		DBChannel:           rc.DBChannel,
		RecvQueueSize:       rc.RecvQueueSize,
		Compress:            rc.CompressConnection,
		MessageBundling:     rc.MessageBundling,
		Verbose:             rc.Verbose,
		ConnectTimeout:      rc.ConnectTimeout,
		AsyncTimeout:        cfg.Async.RequestTimeout,
		AsyncNumRetries:     cfg.Async.RequestNumRetries,
		AsyncBreakOnTimeout: cfg.Async.RequestBreakOnTimeout,
		InterestDebug:       cfg.Interest.Debug,
		QuiescenceFrames:    cfg.Interest.QuiescenceFrames,
		WantFluidPusher:     cfg.Collision.WantFluidPusher,
	}
}

// Repository is the runtime of one participant
type Repository struct {
	Registry  *dc.Registry
	Objects   *dobj.Manager
	Interests *interest.Manager
	Async     *asyncreq.Manager
	Conn      *connection.Connection

	// OnConnected is called once the handshake completed
	OnConnected func()
	// OnConnectFailure is called when connecting or the handshake failed
	OnConnectFailure func(code int, reason string, err error)
	// OnLostConnection is called when an established connection went down
	OnLostConnection func(err error)

	opts      Options
	sched     sched.Scheduler
	bus       *messenger.Messenger
	header    *proto.Header
	handshook bool
	quietZone bool
	msgSender uint64
}

// New creates a repository. Call Connect or Attach to go online.
func New(reg *dc.Registry, opts Options, s sched.Scheduler, bus *messenger.Messenger) *Repository {
	if opts.Role == "" {
		opts.Role = reg.Role()
	}
	if opts.DBChannel == 0 {
		opts.DBChannel = consts.DEFAULT_DB_CHANNEL
	}
	r := &Repository{
		Registry: reg,
		opts:     opts,
		sched:    s,
		bus:      bus,
	}
	if opts.Role != dc.RoleClient {
		r.header = &proto.Header{Channels: []uint64{uint64(opts.DistrictID)}, Sender: uint64(opts.ChannelMin)}
	}

	r.Objects = dobj.NewManager(reg, bus, r, opts.DistrictID)
	r.Objects.ZoneCache = zonedata.NewCache(opts.WantFluidPusher)
	if opts.GameRoot != 0 {
		r.Objects.GameRoot = opts.GameRoot
	}
	if opts.ChannelMax > opts.ChannelMin {
		r.Objects.Allocator = common.NewChannelAllocator(opts.ChannelMin+1, opts.ChannelMax)
	}
	r.Objects.OnAnnounce = r.openAutoInterests
	r.Objects.OnTeardown = r.closeAutoInterests

	r.Interests = interest.NewManager(s, bus, r, r.Objects.IsInterestParent)
	r.Interests.Debug = opts.InterestDebug
	if opts.QuiescenceFrames > 0 {
		r.Interests.QuiescenceFrames = opts.QuiescenceFrames
	}

	r.Async = asyncreq.NewManager(reg, r.Objects, s, bus, r)
	r.Async.DBChannel = opts.DBChannel
	if opts.AsyncTimeout > 0 {
		r.Async.Timeout = opts.AsyncTimeout
	}
	r.Async.NumRetries = opts.AsyncNumRetries
	r.Async.BreakOnTimeout = opts.AsyncBreakOnTimeout

	r.Conn = connection.NewConnection(string(opts.Role), connection.DialOptions{
		Method:   opts.ConnectMethod,
		Timeout:  opts.ConnectTimeout,
		Compress: opts.Compress,
	}, s, bus, r.handleDatagram)
	if opts.RecvQueueSize > 0 {
		r.Conn.RecvQueueSize = opts.RecvQueueSize
	}
	r.Conn.OnLostConnection = r.lostConnection
	r.Conn.OnQueueOverflow = r.queueOverflow
	return r
}

func (r *Repository) String() string {
	return fmt.Sprintf("Repository<%s>", r.opts.Role)
}

// Role returns the participant role
func (r *Repository) Role() dc.Role {
	return r.opts.Role
}

// Messenger returns the bus shared by the repository components
func (r *Repository) Messenger() *messenger.Messenger {
	return r.bus
}

// IsServer returns whether the repository runs an AI or UD participant
func (r *Repository) IsServer() bool {
	return r.header != nil
}

// HandshakeDone returns whether the server accepted our hello
func (r *Repository) HandshakeDone() bool {
	return r.handshook
}

// Connect connects to the configured server list and sends the hello
func (r *Repository) Connect() {
	r.Conn.Connect(r.opts.ServerList, func(server string) {
		r.sendHello()
	}, func(code int, reason string) {
		r.connectFailed(code, reason, connection.ErrTransportLost)
	})
}

// Attach goes online over an established transport
func (r *Repository) Attach(server string, t connection.Transport) {
	r.Conn.Attach(server, t)
	r.sendHello()
}

// Disconnect leaves the server and forgets every interest and object
func (r *Repository) Disconnect() {
	r.Conn.Disconnect()
	r.resetSession()
}

// resetSession drops the state the server owned for this connection. Objects
// generated again after a reconnect are new instances.
func (r *Repository) resetSession() {
	r.handshook = false
	r.Interests.Reset()
	r.Objects.DeleteAll()
}

func (r *Repository) sendHello() {
	r.handshook = false
	dg := r.NewMessageTo(r.opts.DBChannel, proto.MT_CLIENT_HELLO)
	dg.AppendUint32(r.Registry.Hash())
	dg.AppendString(Version)
	if err := r.SendDatagram(dg); err != nil {
		gwlog.Errorf("%s: send hello: %v", r, err)
	}
}

func (r *Repository) connectFailed(code int, reason string, err error) {
	gwlog.Errorf("%s: connect failed (%d): %s", r, code, reason)
	if r.OnConnectFailure != nil {
		r.OnConnectFailure(code, reason, err)
	}
	r.bus.Send(ConnectFailedEvent, code, reason)
}

func (r *Repository) lostConnection(err error) {
	r.resetSession()
	if r.OnLostConnection != nil {
		r.OnLostConnection(err)
	}
}

func (r *Repository) queueOverflow() {
	gwlog.Errorf("%s: receive queue overflow, disconnecting", r)
	r.Conn.Disconnect()
	r.lostConnection(connection.ErrQueueOverflow)
}

// NewMessage starts a datagram for the participant's default destination
func (r *Repository) NewMessage(msgType proto.MsgType) *netutil.Datagram {
	return proto.NewMessage(r.header, msgType)
}

// NewMessageTo starts a datagram for channel. Clients have no header.
func (r *Repository) NewMessageTo(channel uint64, msgType proto.MsgType) *netutil.Datagram {
	if r.header == nil {
		return proto.NewMessage(nil, msgType)
	}
	return proto.NewMessage(&proto.Header{Channels: []uint64{channel}, Sender: r.header.Sender}, msgType)
}

// SendDatagram sends dg on the connection
func (r *Repository) SendDatagram(dg *netutil.Datagram) error {
	if r.opts.Verbose || consts.DEBUG_DATAGRAMS {
		gwlog.Infof("%s SEND %s", r, r.describe(dg.Bytes()))
	}
	if _, msgType, err := proto.ReadHeader(dg.Iterator(), r.header != nil); err == nil {
		opmon.DatagramsOut.WithLabelValues(msgType.String()).Inc()
	}
	return r.Conn.Send(dg)
}

// StartMessageBundle starts bundling outbound datagrams when bundling is enabled
func (r *Repository) StartMessageBundle(name string) {
	if r.opts.MessageBundling {
		r.Conn.StartMessageBundle(name)
	}
}

// SendMessageBundle sends the bundle opened by StartMessageBundle
func (r *Repository) SendMessageBundle() error {
	if !r.opts.MessageBundling {
		return nil
	}
	if r.header == nil {
		return r.Conn.SendMessageBundle(0, 0)
	}
	return r.Conn.SendMessageBundle(r.header.Channels[0], r.header.Sender)
}

// AbandonMessageBundles drops open bundles
func (r *Repository) AbandonMessageBundles() {
	r.Conn.AbandonMessageBundles()
}

// SetQuietZone turns the quiet-zone update filter on or off. While on, field
// updates are dropped for objects that are not marked never-disable.
func (r *Repository) SetQuietZone(b bool) {
	r.quietZone = b
}

// InQuietZone returns whether the quiet-zone filter is on
func (r *Repository) InQuietZone() bool {
	return r.quietZone
}

// AvatarIDFromSender returns the sender of the datagram being dispatched
func (r *Repository) AvatarIDFromSender() common.DoID {
	return common.DoID(r.msgSender)
}

func (r *Repository) openAutoInterests(obj *dobj.DistributedObject) {
	if r.header != nil {
		return
	}
	f := obj.DClass.FieldByName(AutoInterestField)
	if f == nil {
		return
	}
	v, ok := obj.GetFieldForSend(f)
	if !ok {
		return
	}
	r.Interests.OpenAutoInterests(obj.DoID, interest.ZonesOf(v))
}

func (r *Repository) closeAutoInterests(obj *dobj.DistributedObject) {
	if r.header != nil {
		return
	}
	r.Interests.CloseAutoInterests(obj.DoID)
}

func (r *Repository) handleDatagram(data []byte) {
	gwutils.RunPanicless(func() {
		r.dispatch(data)
	})
}

func (r *Repository) dispatch(data []byte) {
	di := netutil.NewDatagramIterator(data)
	h, msgType, err := proto.ReadHeader(di, r.header != nil)
	if err != nil {
		r.decodeError(msgType, err)
		return
	}
	opmon.DatagramsIn.WithLabelValues(msgType.String()).Inc()
	if r.opts.Verbose || consts.DEBUG_DATAGRAMS {
		gwlog.Infof("%s RECV %s", r, r.describe(data))
	}
	if h != nil {
		r.msgSender = h.Sender
	}

	switch msgType {
	case proto.MT_BUNDLE:
		items, err := connection.ReadBundle(di)
		if err != nil {
			r.decodeError(msgType, err)
			return
		}
		for _, item := range items {
			r.dispatch(item)
		}
		return
	case proto.MT_CLIENT_HELLO_RESP:
		r.handleHelloResp()
		return
	case proto.MT_CLIENT_GO_GET_LOST:
		r.handleGoGetLost(di)
		return
	}

	if !r.handshook {
		gwlog.Warnf("%s: %s before handshake dropped", r, msgType)
		return
	}

	switch msgType {
	case proto.MT_CLIENT_DONE_INTEREST_RESP:
		handle := di.ReadUint16()
		context := di.ReadUint32()
		if err = di.Err(); err == nil {
			r.Interests.HandleInterestDone(handle, context)
		}
	case proto.MT_CLIENT_OBJECT_GENERATE_REQUIRED, proto.MT_STATESERVER_OBJECT_GENERATE_WITH_REQUIRED:
		_, err = r.Objects.GenerateFromWire(di, false, false)
	case proto.MT_CLIENT_OBJECT_GENERATE_REQUIRED_OTHER, proto.MT_STATESERVER_OBJECT_GENERATE_WITH_REQUIRED_OTHER:
		_, err = r.Objects.GenerateFromWire(di, true, false)
	case proto.MT_CLIENT_OBJECT_GENERATE_OWNER:
		_, err = r.Objects.GenerateFromWire(di, true, true)
	case proto.MT_CLIENT_OBJECT_UPDATE_FIELD, proto.MT_STATESERVER_OBJECT_SET_FIELD:
		if r.quietZone && r.filteredByQuietZone(di) {
			return
		}
		err = r.Objects.ApplyUpdate(di)
	case proto.MT_CLIENT_OBJECT_LOCATION, proto.MT_STATESERVER_OBJECT_LOCATION:
		err = r.Objects.ApplyLocation(di)
	case proto.MT_CLIENT_OBJECT_DISABLE:
		err = r.Objects.HandleDisable(di)
	case proto.MT_CLIENT_OBJECT_DELETE, proto.MT_STATESERVER_OBJECT_DELETE_RAM:
		err = r.Objects.HandleDelete(di)
	case proto.MT_DB_GENERATE_RESPONSE:
		err = r.Async.HandleGenerateResponse(di)
	case proto.MT_OBJECT_QUERY_ALL_RESP:
		err = r.Async.HandleQueryAllResp(di)
	case proto.MT_OBJECT_QUERY_FIELD_RESP:
		err = r.Async.HandleQueryFieldResp(di)
	default:
		gwlog.Warnf("%s: unhandled message %s", r, msgType)
		return
	}
	if err != nil {
		r.decodeError(msgType, err)
	}
}

func (r *Repository) filteredByQuietZone(di *netutil.DatagramIterator) bool {
	doID := common.DoID(netutil.NewDatagramIterator(di.RemainingBytes()).ReadUint32())
	obj := r.Objects.Get(doID)
	if obj != nil && obj.NeverDisable() {
		return false
	}
	gwlog.Debugf("%s: update for %d dropped in quiet zone", r, doID)
	return true
}

func (r *Repository) decodeError(msgType proto.MsgType, err error) {
	switch errors.Cause(err) {
	case netutil.ErrTruncated:
		opmon.DecodeErrors.WithLabelValues("truncated").Inc()
	case netutil.ErrTypeMismatch:
		opmon.DecodeErrors.WithLabelValues("type_mismatch").Inc()
	case dc.ErrUnknownClass, dc.ErrUnknownField:
		opmon.DecodeErrors.WithLabelValues("unknown_dclass").Inc()
	case dobj.ErrUnknownObject:
		gwlog.Warnf("%s: %s: %v", r, msgType, err)
		return
	default:
		gwlog.Errorf("%s: %s: %v", r, msgType, err)
		return
	}
	gwlog.Warnf("%s: dropped malformed %s: %v", r, msgType, err)
}

func (r *Repository) handleHelloResp() {
	if r.handshook {
		return
	}
	r.handshook = true
	gwlog.Infof("%s: handshake with %s done", r, r.Conn.Server())
	if r.OnConnected != nil {
		r.OnConnected()
	}
	r.bus.Send(ConnectedEvent)
}

func (r *Repository) handleGoGetLost(di *netutil.DatagramIterator) {
	code := di.ReadUint16()
	reason := di.ReadString()
	var err error
	switch code {
	case proto.GET_LOST_DC_HASH_MISMATCH:
		err = errors.Wrapf(ErrDCMismatch, "local hash %08x: %s", r.Registry.Hash(), reason)
	default:
		err = errors.Errorf("go get lost %d: %s", code, reason)
	}
	wasHandshook := r.handshook
	r.Conn.Disconnect()
	r.resetSession()
	if wasHandshook {
		if r.OnLostConnection != nil {
			r.OnLostConnection(err)
		}
		return
	}
	r.connectFailed(int(code), reason, err)
}

// describe renders a datagram for verbose logging
func (r *Repository) describe(data []byte) string {
	di := netutil.NewDatagramIterator(data)
	h, msgType, err := proto.ReadHeader(di, r.header != nil)
	if err != nil {
		return fmt.Sprintf("<malformed %d bytes>", len(data))
	}
	s := msgType.String()
	if h != nil {
		s = fmt.Sprintf("%s %v<-%d", s, h.Channels, h.Sender)
	}
	if msgType.HasDoID() {
		doID := common.DoID(di.ReadUint32())
		if di.Err() == nil {
			s = fmt.Sprintf("%s doId=%d", s, doID)
			if obj := r.Objects.Get(doID); obj != nil {
				s = fmt.Sprintf("%s (%s)", s, obj.DClass.Name)
			}
		}
	}
	return fmt.Sprintf("%s [%d bytes]", s, len(data))
}
