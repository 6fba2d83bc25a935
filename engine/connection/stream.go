package connection

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	"github.com/xiaonanln/godor/engine/consts"
	"github.com/xiaonanln/netconnutil"
	"github.com/xiaonanln/pktconn"
	"github.com/xtaci/kcp-go"
)

// StreamTransport frames datagrams as pktconn packets over a stream connection (tcp or kcp)
type StreamTransport struct {
	pc        *pktconn.PacketConn
	conn      net.Conn
	closed    xnsyncutil.AtomicBool
	done      chan struct{}
	closeOnce sync.Once
}

// NewStreamTransport wraps an established stream connection
func NewStreamTransport(conn net.Conn, compress bool) *StreamTransport {
	conn = netconnutil.NewNoTempErrorConn(conn)
	var fc netconnutil.FlushableConn = flushableConn{conn}
	if compress {
		fc = netconnutil.NewSnappyConn(fc)
	}
	fc = netconnutil.NewBufferedConn(fc, consts.BUFFERED_READ_BUFFSIZE, consts.BUFFERED_WRITE_BUFFSIZE)

	cfg := pktconn.DefaultConfig()
	cfg.Tag = conn.RemoteAddr().String()
	return &StreamTransport{
		pc:   pktconn.NewPacketConnWithConfig(context.TODO(), fc, cfg),
		conn: conn,
		done: make(chan struct{}),
	}
}

type flushableConn struct {
	net.Conn
}

func (c flushableConn) Flush() error {
	return nil
}

func dialKCP(addr string, compress bool) (Transport, error) {
	conn, err := kcp.DialWithOptions(addr, nil, 10, 3)
	if err != nil {
		return nil, errors.Wrapf(err, "dial kcp %s", addr)
	}
	conn.SetStreamMode(true)
	conn.SetWriteDelay(true)
	conn.SetNoDelay(1, 10, 2, 1)
	return NewStreamTransport(conn, compress), nil
}

func (t *StreamTransport) String() string {
	return fmt.Sprintf("stream<%s>", t.conn.RemoteAddr())
}

func (t *StreamTransport) Start(deliver func([]byte), lost func(error)) {
	recvChan := make(chan *pktconn.Packet, consts.CONNECTION_RECV_QUEUE_SIZE)
	go func() {
		err := t.pc.RecvChan(recvChan)
		t.closeOnce.Do(func() { close(t.done) })
		if !t.closed.Load() {
			if err == nil {
				err = ErrTransportLost
			}
			lost(err)
		}
	}()
	go func() {
		for {
			select {
			case pkt := <-recvChan:
				payload := pkt.Payload()
				data := make([]byte, len(payload))
				copy(data, payload)
				pkt.Release()
				deliver(data)
			case <-t.done:
				return
			}
		}
	}()
}

func (t *StreamTransport) Send(data []byte) error {
	if t.closed.Load() {
		return ErrTransportLost
	}
	pkt := pktconn.NewPacket()
	pkt.WriteBytes(data)
	t.pc.Send(pkt)
	pkt.Release()
	return nil
}

// Flush is a no-op: pktconn flushes on its own schedule
func (t *StreamTransport) Flush() error {
	return nil
}

func (t *StreamTransport) Close() error {
	t.closed.Store(true)
	return t.pc.Close()
}
