package connection

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
)

// DefaultNATSSubject is used when a nats server URL has no path
const DefaultNATSSubject = "dor.server"

// NATSTransport publishes datagrams to a server subject and receives replies on a private inbox
type NATSTransport struct {
	nc      *nats.Conn
	subject string
	inbox   string
	sub     *nats.Subscription
	closed  xnsyncutil.AtomicBool
	lost    func(error)
}

func dialNATS(u *url.URL, timeout time.Duration) (Transport, error) {
	subject := strings.Trim(u.Path, "/")
	if subject == "" {
		subject = DefaultNATSSubject
	}
	server := url.URL{Scheme: "nats", Host: u.Host, User: u.User}
	t := &NATSTransport{subject: subject, inbox: nats.NewInbox()}
	nc, err := nats.Connect(server.String(),
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.ClosedHandler(func(*nats.Conn) {
			if !t.closed.Load() && t.lost != nil {
				t.lost(ErrTransportLost)
			}
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect nats %s", server.Host)
	}
	t.nc = nc
	return t, nil
}

func (t *NATSTransport) String() string {
	return fmt.Sprintf("nats<%s>", t.subject)
}

// Inbox returns the subject this transport receives on
func (t *NATSTransport) Inbox() string {
	return t.inbox
}

func (t *NATSTransport) Start(deliver func([]byte), lost func(error)) {
	t.lost = lost
	sub, err := t.nc.Subscribe(t.inbox, func(msg *nats.Msg) {
		deliver(msg.Data)
	})
	if err != nil {
		lost(errors.Wrapf(err, "subscribe %s", t.inbox))
		return
	}
	t.sub = sub
}

func (t *NATSTransport) Send(data []byte) error {
	if t.closed.Load() {
		return ErrTransportLost
	}
	return t.nc.PublishMsg(&nats.Msg{Subject: t.subject, Reply: t.inbox, Data: data})
}

func (t *NATSTransport) Flush() error {
	return t.nc.Flush()
}

func (t *NATSTransport) Close() error {
	t.closed.Store(true)
	if t.sub != nil {
		_ = t.sub.Unsubscribe()
	}
	t.nc.Close()
	return nil
}
