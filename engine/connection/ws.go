package connection

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	"github.com/xiaonanln/godor/engine/consts"
)

// WebSocketTransport sends one binary message per datagram. It honours
// HTTP proxies advertised by the environment.
type WebSocketTransport struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
	closed    xnsyncutil.AtomicBool
}

func dialWebSocket(ctx context.Context, u *url.URL) (Transport, error) {
	wsURL := *u
	switch u.Scheme {
	case "http", "tcp", "":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	}
	dialer := websocket.Dialer{
		Proxy:           http.ProxyFromEnvironment,
		ReadBufferSize:  consts.BUFFERED_READ_BUFFSIZE,
		WriteBufferSize: consts.BUFFERED_WRITE_BUFFSIZE,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", wsURL.String())
	}
	return NewWebSocketTransport(conn), nil
}

// NewWebSocketTransport wraps an established websocket
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	conn.SetReadLimit(consts.MAX_DATAGRAM_SIZE)
	return &WebSocketTransport{conn: conn}
}

func (t *WebSocketTransport) String() string {
	return fmt.Sprintf("ws<%s>", t.conn.RemoteAddr())
}

func (t *WebSocketTransport) Start(deliver func([]byte), lost func(error)) {
	go func() {
		for {
			msgType, data, err := t.conn.ReadMessage()
			if err != nil {
				if !t.closed.Load() {
					lost(err)
				}
				return
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			deliver(data)
		}
	}()
}

func (t *WebSocketTransport) Send(data []byte) error {
	if t.closed.Load() {
		return ErrTransportLost
	}
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *WebSocketTransport) Flush() error {
	return nil
}

func (t *WebSocketTransport) Close() error {
	t.closed.Store(true)
	t.writeLock.Lock()
	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeLock.Unlock()
	return t.conn.Close()
}
