package dbserver

import (
	"fmt"

	"github.com/xiaonanln/godor/engine/connection"
	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/netutil"
	"github.com/xiaonanln/godor/engine/opmon"
	"github.com/xiaonanln/godor/engine/proto"
)

// clientProxy is one connected participant
type clientProxy struct {
	server    *Server
	transport connection.Transport
	handshook bool
	channel   uint64 // sender channel of the hello
	closed    bool
}

func newClientProxy(server *Server, t connection.Transport) *clientProxy {
	return &clientProxy{
		server:    server,
		transport: t,
	}
}

func (cp *clientProxy) String() string {
	if cp.handshook {
		return fmt.Sprintf("ClientProxy<%s|%d>", cp.transport, cp.channel)
	}
	return fmt.Sprintf("ClientProxy<%s>", cp.transport)
}

// start begins receiving. Datagrams and loss are handled on the scheduler goroutine.
func (cp *clientProxy) start() {
	s := cp.server
	cp.transport.Start(func(data []byte) {
		s.sched.Post(func() {
			if !cp.closed {
				s.handleDatagram(cp, data)
			}
		})
	}, func(err error) {
		s.sched.Post(func() {
			s.onClientLost(cp, err)
		})
	})
}

func (cp *clientProxy) send(dg *netutil.Datagram) {
	if cp.closed {
		return
	}
	if _, msgType, err := proto.ReadHeader(dg.Iterator(), true); err == nil {
		opmon.DatagramsOut.WithLabelValues(msgType.String()).Inc()
	}
	if err := cp.transport.Send(dg.Bytes()); err != nil {
		gwlog.Warnf("%s: send failed: %v", cp, err)
		return
	}
	if err := cp.transport.Flush(); err != nil {
		gwlog.Warnf("%s: flush failed: %v", cp, err)
	}
}

func (cp *clientProxy) close() {
	if cp.closed {
		return
	}
	cp.closed = true
	delete(cp.server.clients, cp)
	cp.transport.Close()
}
