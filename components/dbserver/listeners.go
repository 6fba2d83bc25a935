package dbserver

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	"github.com/xiaonanln/godor/engine/connection"
	"github.com/xiaonanln/godor/engine/consts"
	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/gwutils"
	"github.com/xtaci/kcp-go"
)

// ListenPipe accepts in-process participants dialing pipe://name
func (s *Server) ListenPipe(name string) {
	connection.ListenPipe(name, func(t connection.Transport) {
		s.Accept(t)
	})
	s.closers = append(s.closers, func() { connection.UnlistenPipe(name) })
	gwlog.Infof("%s: listening on pipe://%s", s, name)
}

// ListenTCP accepts participants on a tcp address. It returns the bound address.
func (s *Server) ListenTCP(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen tcp %s", addr)
	}
	gwlog.Infof("%s: listening on tcp %s ...", s, ln.Addr())
	s.serveListener(ln, func(conn net.Conn) {
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}
		s.Accept(connection.NewStreamTransport(conn, s.cfg.Compress))
	})
	return ln.Addr(), nil
}

// ListenKCP accepts participants on a kcp (udp) address. It returns the bound address.
func (s *Server) ListenKCP(addr string) (net.Addr, error) {
	ln, err := kcp.ListenWithOptions(addr, nil, 10, 3)
	if err != nil {
		return nil, errors.Wrapf(err, "listen kcp %s", addr)
	}
	gwlog.Infof("%s: listening on kcp %s ...", s, ln.Addr())
	s.serveListener(ln, func(conn net.Conn) {
		if sess, ok := conn.(*kcp.UDPSession); ok {
			sess.SetReadBuffer(consts.BUFFERED_READ_BUFFSIZE)
			sess.SetWriteBuffer(consts.BUFFERED_WRITE_BUFFSIZE)
			sess.SetStreamMode(true)
			sess.SetWriteDelay(true)
			sess.SetNoDelay(1, 10, 2, 1)
		}
		s.Accept(connection.NewStreamTransport(conn, s.cfg.Compress))
	})
	return ln.Addr(), nil
}

func (s *Server) serveListener(ln net.Listener, accept func(conn net.Conn)) {
	var closed xnsyncutil.AtomicBool
	s.closers = append(s.closers, func() {
		closed.Store(true)
		ln.Close()
	})
	go gwutils.RepeatUntilPanicless(func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if closed.Load() {
					return
				}
				gwlog.Panicf("accept on %s failed: %v", ln.Addr(), err)
			}
			accept(conn)
		}
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  consts.BUFFERED_READ_BUFFSIZE,
	WriteBufferSize: consts.BUFFERED_WRITE_BUFFSIZE,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the request to a websocket participant
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		gwlog.Warnf("%s: websocket upgrade from %s: %v", s, r.RemoteAddr, err)
		return
	}
	gwlog.Debugf("%s: websocket connection from %s", s, conn.RemoteAddr())
	s.Accept(connection.NewWebSocketTransport(conn))
}

// ListenNATS serves participants publishing to subject on the nats server at url.
// Each distinct reply inbox is one participant.
func (s *Server) ListenNATS(url, subject string) error {
	nc, err := nats.Connect(url, nats.Name("dordb"))
	if err != nil {
		return errors.Wrapf(err, "connect nats %s", url)
	}
	inboxes := map[string]*natsReplyTransport{}
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		if msg.Reply == "" {
			gwlog.Warnf("%s: nats message on %s without reply inbox dropped", s, subject)
			return
		}
		s.sched.Post(func() {
			t := inboxes[msg.Reply]
			if t == nil || t.isClosed() {
				t = &natsReplyTransport{nc: nc, inbox: msg.Reply}
				inboxes[msg.Reply] = t
				s.Accept(t)
			}
			t.receive(msg.Data)
		})
	})
	if err != nil {
		nc.Close()
		return errors.Wrapf(err, "subscribe %s", subject)
	}
	s.closers = append(s.closers, func() {
		_ = sub.Unsubscribe()
		nc.Close()
	})
	gwlog.Infof("%s: listening on nats %s subject %s", s, url, subject)
	return nil
}

// natsReplyTransport answers one participant on its reply inbox
type natsReplyTransport struct {
	nc      *nats.Conn
	inbox   string
	lock    sync.Mutex
	deliver func([]byte)
	backlog [][]byte
	closed  xnsyncutil.AtomicBool
}

func (t *natsReplyTransport) String() string {
	return fmt.Sprintf("nats<%s>", t.inbox)
}

func (t *natsReplyTransport) isClosed() bool {
	return t.closed.Load()
}

func (t *natsReplyTransport) receive(data []byte) {
	t.lock.Lock()
	deliver := t.deliver
	if deliver == nil {
		t.backlog = append(t.backlog, data)
	}
	t.lock.Unlock()
	if deliver != nil {
		deliver(data)
	}
}

func (t *natsReplyTransport) Start(deliver func([]byte), lost func(error)) {
	t.lock.Lock()
	t.deliver = deliver
	backlog := t.backlog
	t.backlog = nil
	t.lock.Unlock()
	for _, data := range backlog {
		deliver(data)
	}
}

func (t *natsReplyTransport) Send(data []byte) error {
	if t.closed.Load() {
		return connection.ErrTransportLost
	}
	return t.nc.Publish(t.inbox, data)
}

func (t *natsReplyTransport) Flush() error {
	return t.nc.Flush()
}

func (t *natsReplyTransport) Close() error {
	t.closed.Store(true)
	return nil
}
