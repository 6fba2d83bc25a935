// Package dbserver is the database server of the distributed object runtime.
//
// It answers handshakes from AI / UD participants, creates objects with
// freshly allocated doIds and serves stored fields. Records are kept by
// engine/storage as raw wire bytes per field; the next doId is persisted
// through engine/kvdb.
package dbserver

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/xiaonanln/godor/engine/common"
	"github.com/xiaonanln/godor/engine/config"
	"github.com/xiaonanln/godor/engine/connection"
	"github.com/xiaonanln/godor/engine/consts"
	"github.com/xiaonanln/godor/engine/dc"
	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/gwutils"
	"github.com/xiaonanln/godor/engine/netutil"
	"github.com/xiaonanln/godor/engine/opmon"
	"github.com/xiaonanln/godor/engine/proto"
	"github.com/xiaonanln/godor/engine/sched"
	"github.com/xiaonanln/godor/engine/storage"
	"github.com/xiaonanln/godor/engine/storage/storage_common"
)

// Server is the database server. Every method runs on the scheduler goroutine.
type Server struct {
	// Channel is the sender channel put on replies
	Channel uint64

	cfg      *config.DBServerConfig
	registry *dc.Registry
	sched    sched.Scheduler
	clients  map[*clientProxy]struct{}
	doIDs    *doIDAllocator
	closers  []func()

	recordWaiters map[common.DoID][]recordFunc
}

// NewServer creates a database server for the classes of reg
func NewServer(cfg *config.DBServerConfig, reg *dc.Registry, s sched.Scheduler) *Server {
	srv := &Server{
		Channel:  consts.DEFAULT_DB_CHANNEL,
		cfg:      cfg,
		registry: reg,
		sched:    s,
		clients:  map[*clientProxy]struct{}{},

		recordWaiters: map[common.DoID][]recordFunc{},
	}
	srv.doIDs = newDoIDAllocator(s, common.DoID(cfg.DoIDMin), common.DoID(cfg.DoIDMax))
	return srv
}

func (s *Server) String() string {
	return fmt.Sprintf("DBServer<%d clients>", len(s.clients))
}

// NumClients returns the number of connected participants
func (s *Server) NumClients() int {
	return len(s.clients)
}

// Start loads the doId counter. Creates received before it is loaded wait for it.
func (s *Server) Start() {
	s.doIDs.load()
}

// Stop closes every listener and client
func (s *Server) Stop() {
	for _, closer := range s.closers {
		closer()
	}
	s.closers = nil
	for cp := range s.clients {
		cp.close()
	}
}

// Accept serves an established transport. Safe from any goroutine.
func (s *Server) Accept(t connection.Transport) {
	s.sched.Post(func() {
		cp := newClientProxy(s, t)
		s.clients[cp] = struct{}{}
		gwlog.Infof("%s: new participant %s", s, cp)
		cp.start()
	})
}

func (s *Server) onClientLost(cp *clientProxy, err error) {
	if _, ok := s.clients[cp]; !ok {
		return
	}
	delete(s.clients, cp)
	cp.closed = true
	gwlog.Infof("%s: participant %s lost: %v", s, cp, err)
}

func (s *Server) reply(to uint64, msgType proto.MsgType) *netutil.Datagram {
	return proto.NewMessage(&proto.Header{Channels: []uint64{to}, Sender: s.Channel}, msgType)
}

// handleDatagram dispatches one datagram from cp
func (s *Server) handleDatagram(cp *clientProxy, data []byte) {
	gwutils.RunPanicless(func() {
		di := netutil.NewDatagramIterator(data)
		h, msgType, err := proto.ReadHeader(di, true)
		if err != nil {
			s.decodeError(cp, proto.MT_INVALID, err)
			return
		}
		opmon.DatagramsIn.WithLabelValues(msgType.String()).Inc()
		if consts.DEBUG_DATAGRAMS {
			gwlog.Debugf("%s: RECV %s from %d", cp, msgType, h.Sender)
		}

		if msgType == proto.MT_BUNDLE {
			items, err := connection.ReadBundle(di)
			if err != nil {
				s.decodeError(cp, msgType, err)
				return
			}
			for _, item := range items {
				s.handleDatagram(cp, item)
			}
			return
		}
		if msgType == proto.MT_CLIENT_HELLO {
			err = s.handleHello(cp, h, di)
		} else if !cp.handshook {
			gwlog.Warnf("%s: %s before handshake dropped", cp, msgType)
			return
		} else {
			switch msgType {
			case proto.MT_DB_CREATE_OBJECT:
				err = s.handleCreateObject(cp, h, di)
			case proto.MT_OBJECT_QUERY_ALL:
				err = s.handleQueryAll(cp, h, di)
			case proto.MT_OBJECT_QUERY_FIELDS:
				err = s.handleQueryFields(cp, h, di)
			case proto.MT_OBJECT_SET_FIELDS:
				err = s.handleSetFields(cp, di)
			default:
				gwlog.Warnf("%s: unhandled message %s from %d", cp, msgType, h.Sender)
				return
			}
		}
		if err != nil {
			s.decodeError(cp, msgType, err)
		}
	})
}

func (s *Server) decodeError(cp *clientProxy, msgType proto.MsgType, err error) {
	switch errors.Cause(err) {
	case netutil.ErrTruncated:
		opmon.DecodeErrors.WithLabelValues("truncated").Inc()
	case netutil.ErrTypeMismatch:
		opmon.DecodeErrors.WithLabelValues("type_mismatch").Inc()
	case dc.ErrUnknownClass, dc.ErrUnknownField:
		opmon.DecodeErrors.WithLabelValues("unknown_dclass").Inc()
	default:
		opmon.DecodeErrors.WithLabelValues("other").Inc()
	}
	gwlog.Warnf("%s: dropped malformed %s: %v", cp, msgType, err)
}

func (s *Server) handleHello(cp *clientProxy, h *proto.Header, di *netutil.DatagramIterator) error {
	hash := di.ReadUint32()
	version := di.ReadString()
	if err := di.Err(); err != nil {
		return err
	}
	if hash != s.registry.Hash() {
		gwlog.Warnf("%s: dc hash %08x does not match %08x", cp, hash, s.registry.Hash())
		s.goGetLost(cp, h.Sender, proto.GET_LOST_DC_HASH_MISMATCH,
			fmt.Sprintf("dc hash %08x does not match server %08x", hash, s.registry.Hash()))
		return nil
	}
	if version != proto.Version {
		gwlog.Warnf("%s: bad version %q", cp, version)
		s.goGetLost(cp, h.Sender, proto.GET_LOST_BAD_VERSION, fmt.Sprintf("version %q is not %q", version, proto.Version))
		return nil
	}
	cp.handshook = true
	cp.channel = h.Sender
	cp.send(s.reply(h.Sender, proto.MT_CLIENT_HELLO_RESP))
	return nil
}

func (s *Server) goGetLost(cp *clientProxy, to uint64, code uint16, reason string) {
	dg := s.reply(to, proto.MT_CLIENT_GO_GET_LOST)
	dg.AppendUint16(code)
	if err := dg.AppendString(reason); err != nil {
		gwlog.Errorf("%s: %v", cp, err)
	}
	cp.send(dg)
	cp.handshook = false
}

// handleCreateObject handles u32 context, u16 dclassId, field list
func (s *Server) handleCreateObject(cp *clientProxy, h *proto.Header, di *netutil.DatagramIterator) error {
	context := di.ReadUint32()
	classNum := di.ReadUint16()
	if err := di.Err(); err != nil {
		return err
	}
	cls, err := s.registry.ClassByNumber(classNum)
	if err != nil {
		return err
	}
	fields, err := readRawFieldList(di, s.registry, cls)
	if err != nil {
		return err
	}

	rec := storagecommon.NewObjectRecord(cls.Name)
	for _, f := range cls.Fields {
		if !f.IsDB() || !f.HasDefault {
			continue
		}
		dg := netutil.NewDatagram()
		if err := f.Type.Append(dg, f.Default); err != nil {
			return errors.Wrapf(err, "default of %s", f)
		}
		rec.Fields[f.Name] = dg.Bytes()
	}
	for _, rf := range fields {
		if !rf.Field.IsDB() {
			gwlog.Warnf("%s: create %s: field %s is not db, ignored", cp, cls.Name, rf.Field.Name)
			continue
		}
		rec.Fields[rf.Field.Name] = rf.Data
	}

	to := h.Sender
	s.doIDs.alloc(func(doID common.DoID, err error) {
		if err != nil {
			gwlog.Errorf("%s: create %s failed: %v", cp, cls.Name, err)
			s.sendGenerateResponse(cp, to, context, 0)
			return
		}
		if consts.DEBUG_SAVE_LOAD {
			gwlog.Debugf("%s: creating %s %d: %s", cp, cls.Name, doID, rec)
		}
		storage.Save(doID, rec, func() {
			s.sendGenerateResponse(cp, to, context, doID)
		})
	})
	return nil
}

func (s *Server) sendGenerateResponse(cp *clientProxy, to uint64, context uint32, doID common.DoID) {
	dg := s.reply(to, proto.MT_DB_GENERATE_RESPONSE)
	dg.AppendUint32(context)
	dg.AppendUint32(uint32(doID))
	cp.send(dg)
}

// handleQueryAll handles u32 context, u32 doId
func (s *Server) handleQueryAll(cp *clientProxy, h *proto.Header, di *netutil.DatagramIterator) error {
	context := di.ReadUint32()
	doID := common.DoID(di.ReadUint32())
	if err := di.Err(); err != nil {
		return err
	}
	to := h.Sender
	s.withRecord(doID, func(rec *storagecommon.ObjectRecord, cls *dc.DClass) bool {
		dg := s.reply(to, proto.MT_OBJECT_QUERY_ALL_RESP)
		dg.AppendUint32(context)
		if cls == nil || cls.Number < 0 {
			dg.AppendBool(false)
			dg.AppendUint16(0)
			dg.AppendUint32(uint32(doID))
			cp.send(dg)
			return false
		}
		dg.AppendBool(true)
		dg.AppendUint16(uint16(cls.Number))
		dg.AppendUint32(uint32(doID))
		var present []rawField
		for _, f := range cls.Fields {
			if data, ok := rec.Fields[f.Name]; ok {
				present = append(present, rawField{f, data})
			}
		}
		appendRawFieldList(dg, present)
		cp.send(dg)
		return false
	})
	return nil
}

// handleQueryFields handles u32 context, u32 doId, u16 count, u16 fieldId*
func (s *Server) handleQueryFields(cp *clientProxy, h *proto.Header, di *netutil.DatagramIterator) error {
	context := di.ReadUint32()
	doID := common.DoID(di.ReadUint32())
	n := int(di.ReadUint16())
	nums := make([]uint16, 0, n)
	for i := 0; i < n && di.Err() == nil; i++ {
		nums = append(nums, di.ReadUint16())
	}
	if err := di.Err(); err != nil {
		return err
	}
	to := h.Sender
	s.withRecord(doID, func(rec *storagecommon.ObjectRecord, cls *dc.DClass) bool {
		dg := s.reply(to, proto.MT_OBJECT_QUERY_FIELD_RESP)
		dg.AppendUint32(context)
		var present []rawField
		if cls != nil {
			for _, num := range nums {
				f := cls.FieldByNumber(num)
				if f == nil {
					gwlog.Warnf("%s: query %s %d: no field %d", cp, cls.Name, doID, num)
					continue
				}
				if data, ok := rec.Fields[f.Name]; ok {
					present = append(present, rawField{f, data})
				}
			}
		}
		// found means every requested field is stored
		if cls == nil || len(present) != len(nums) {
			dg.AppendBool(false)
			cp.send(dg)
			return false
		}
		dg.AppendBool(true)
		appendRawFieldList(dg, present)
		cp.send(dg)
		return false
	})
	return nil
}

// handleSetFields handles u32 doId, field list. Nothing is sent back.
func (s *Server) handleSetFields(cp *clientProxy, di *netutil.DatagramIterator) error {
	doID := common.DoID(di.ReadUint32())
	if err := di.Err(); err != nil {
		return err
	}
	fields, err := readRawFieldList(di, s.registry, nil)
	if err != nil {
		return err
	}
	s.withRecord(doID, func(rec *storagecommon.ObjectRecord, cls *dc.DClass) bool {
		if cls == nil {
			gwlog.Warnf("%s: set fields of missing object %d", cp, doID)
			return false
		}
		changed := false
		for _, rf := range fields {
			if cls.FieldByNumber(rf.Field.Number) == nil {
				gwlog.Warnf("%s: %s %d has no field %s", cp, cls.Name, doID, rf.Field)
				continue
			}
			if !rf.Field.IsDB() {
				gwlog.Warnf("%s: set %s %d: field %s is not db, ignored", cp, cls.Name, doID, rf.Field.Name)
				continue
			}
			rec.Fields[rf.Field.Name] = rf.Data
			changed = true
		}
		return changed
	})
	return nil
}

// recordFunc is called with a loaded record and its class, both nil when the
// object does not exist. It returns whether the record must be saved.
type recordFunc func(rec *storagecommon.ObjectRecord, cls *dc.DClass) bool

// withRecord loads doID and calls f. Calls for the same doId run in arrival
// order on the same record, so a query sees every earlier set.
func (s *Server) withRecord(doID common.DoID, f recordFunc) {
	if waiters, ok := s.recordWaiters[doID]; ok {
		s.recordWaiters[doID] = append(waiters, f)
		return
	}
	s.recordWaiters[doID] = []recordFunc{f}
	storage.Load(doID, func(rec *storagecommon.ObjectRecord, err error) {
		cls := s.recordClass(doID, rec, err)
		if cls == nil {
			rec = nil
		}
		for len(s.recordWaiters[doID]) > 0 {
			waiters := s.recordWaiters[doID]
			f := waiters[0]
			s.recordWaiters[doID] = waiters[1:]
			if f(rec, cls) && rec != nil {
				storage.Save(doID, rec.Clone(), nil)
			}
		}
		delete(s.recordWaiters, doID)
	})
}

// recordClass returns the class of a loaded record, nil when missing or unknown
func (s *Server) recordClass(doID common.DoID, rec *storagecommon.ObjectRecord, err error) *dc.DClass {
	if err != nil || rec == nil {
		return nil
	}
	cls, err := s.registry.ClassByName(rec.DClass)
	if err != nil {
		gwlog.Errorf("%s: object %d: %v", s, doID, err)
		return nil
	}
	return cls
}
