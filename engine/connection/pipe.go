package connection

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
)

var (
	pipeListenersLock sync.Mutex
	pipeListeners     = map[string]func(Transport){}
)

// ListenPipe registers an in-process listener reachable as pipe://name
func ListenPipe(name string, accept func(server Transport)) {
	pipeListenersLock.Lock()
	pipeListeners[name] = accept
	pipeListenersLock.Unlock()
}

// UnlistenPipe removes the listener called name
func UnlistenPipe(name string) {
	pipeListenersLock.Lock()
	delete(pipeListeners, name)
	pipeListenersLock.Unlock()
}

func dialPipe(name string) (Transport, error) {
	pipeListenersLock.Lock()
	accept := pipeListeners[name]
	pipeListenersLock.Unlock()
	if accept == nil {
		return nil, errors.Errorf("pipe %s: connection refused", name)
	}
	client, server := NewPipe(name)
	accept(server)
	return client, nil
}

type pipeShared struct {
	sync.Mutex
	closed bool
}

// PipeTransport is one end of an in-process transport pair
type PipeTransport struct {
	name    string
	shared  *pipeShared
	peer    *PipeTransport
	lock    sync.Mutex
	deliver func([]byte)
	lost    func(error)
	backlog [][]byte
	closed  xnsyncutil.AtomicBool
}

// NewPipe returns two connected pipe ends
func NewPipe(name string) (*PipeTransport, *PipeTransport) {
	shared := &pipeShared{}
	a := &PipeTransport{name: name + ":a", shared: shared}
	b := &PipeTransport{name: name + ":b", shared: shared}
	a.peer, b.peer = b, a
	return a, b
}

func (t *PipeTransport) String() string {
	return fmt.Sprintf("pipe<%s>", t.name)
}

func (t *PipeTransport) Start(deliver func([]byte), lost func(error)) {
	t.lock.Lock()
	t.deliver = deliver
	t.lost = lost
	backlog := t.backlog
	t.backlog = nil
	t.lock.Unlock()
	for _, data := range backlog {
		deliver(data)
	}
}

func (t *PipeTransport) receive(data []byte) {
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

func (t *PipeTransport) Send(data []byte) error {
	t.shared.Lock()
	closed := t.shared.closed
	t.shared.Unlock()
	if closed {
		return ErrTransportLost
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	t.peer.receive(cp)
	return nil
}

func (t *PipeTransport) Flush() error {
	return nil
}

// Close closes both ends. The peer observes a lost transport.
func (t *PipeTransport) Close() error {
	t.closed.Store(true)
	t.shared.Lock()
	wasClosed := t.shared.closed
	t.shared.closed = true
	t.shared.Unlock()
	if wasClosed {
		return nil
	}
	t.peer.lock.Lock()
	lost := t.peer.lost
	t.peer.lock.Unlock()
	if lost != nil && !t.peer.closed.Load() {
		lost(ErrTransportLost)
	}
	return nil
}
