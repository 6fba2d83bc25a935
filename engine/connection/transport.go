package connection

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/godor/engine/consts"
	"github.com/xiaonanln/godor/engine/gwlog"
	"golang.org/x/net/proxy"
)

// Connect methods
const (
	MethodDefault = "default"
	MethodHTTP    = "http"
	MethodNSPR    = "nspr"
	MethodKCP     = "kcp"
	MethodNATS    = "nats"
)

// Transport moves whole datagrams. Deliver and lost callbacks passed to Start
// are called from I/O goroutines.
type Transport interface {
	// Start begins receiving
	Start(deliver func(data []byte), lost func(err error))
	// Send queues one datagram
	Send(data []byte) error
	// Flush pushes queued datagrams to the wire
	Flush() error
	// Close shuts the transport down. The lost callback is not called.
	Close() error
	String() string
}

// DialOptions configures how a server URL is reached
type DialOptions struct {
	Method   string
	Timeout  time.Duration
	Compress bool
}

// ParseServer parses a server list entry. Entries without a scheme are tcp addresses.
func ParseServer(server string) (*url.URL, error) {
	if !strings.Contains(server, "://") {
		server = "tcp://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return nil, errors.Wrapf(err, "parse server %s", server)
	}
	return u, nil
}

// proxyFor returns the proxy advertised for u, or nil
func proxyFor(u *url.URL) *url.URL {
	httpURL := *u
	switch u.Scheme {
	case "wss", "https":
		httpURL.Scheme = "https"
	default:
		httpURL.Scheme = "http"
	}
	p, err := http.ProxyFromEnvironment(&http.Request{URL: &httpURL})
	if err != nil {
		return nil
	}
	return p
}

// transportKind picks the transport for u
func transportKind(u *url.URL, method string) string {
	switch u.Scheme {
	case "ws", "wss":
		return "ws"
	case "kcp", "nats", "pipe":
		return u.Scheme
	case "http", "https":
		if method == MethodNSPR {
			return "nspr"
		}
		return "ws"
	}
	switch method {
	case MethodHTTP:
		return "ws"
	case MethodNSPR:
		return "nspr"
	case MethodKCP:
		return "kcp"
	case MethodNATS:
		return "nats"
	}
	if proxyFor(u) != nil {
		return "ws"
	}
	return "tcp"
}

// Dial opens a transport to u
func Dial(ctx context.Context, u *url.URL, opts DialOptions) (Transport, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = consts.CONNECT_TIMEOUT
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	kind := transportKind(u, opts.Method)
	gwlog.Debugf("connection: dialing %s with %s transport", u, kind)
	switch kind {
	case "ws":
		return dialWebSocket(ctx, u)
	case "kcp":
		return dialKCP(u.Host, opts.Compress)
	case "nats":
		return dialNATS(u, opts.Timeout)
	case "pipe":
		return dialPipe(u.Host)
	case "nspr":
		conn, err := proxy.FromEnvironment().Dial("tcp", u.Host)
		if err != nil {
			return nil, errors.Wrapf(err, "dial %s", u.Host)
		}
		return NewStreamTransport(conn, opts.Compress), nil
	case "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, errors.Wrapf(err, "dial %s", u.Host)
		}
		return NewStreamTransport(conn, opts.Compress), nil
	}
	return nil, fmt.Errorf("no transport for %s", u)
}
