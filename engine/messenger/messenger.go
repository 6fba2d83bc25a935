// Package messenger is the typed publish/subscribe bus that lifecycle, interest
// and async components use to notify each other.
//
// Every subscription belongs to an owner, so an object can drop all of its
// subscriptions at once when it is deleted. Send runs listeners synchronously
// on the caller's goroutine.
package messenger

import (
	trie_tst "github.com/xiaonanln/go-trie-tst"
	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/gwutils"
)

// Listener receives the arguments passed to Send
type Listener func(args ...interface{})

type listener struct {
	owner  interface{}
	fn     Listener
	once   bool
	active bool
}

type subscribing struct {
	listeners []*listener
}

func (subs *subscribing) find(owner interface{}) *listener {
	for _, l := range subs.listeners {
		if l.active && l.owner == owner {
			return l
		}
	}
	return nil
}

func (subs *subscribing) compact() {
	live := subs.listeners[:0]
	for _, l := range subs.listeners {
		if l.active {
			live = append(live, l)
		}
	}
	subs.listeners = live
}

// Messenger maps event names to listeners. Owners must be comparable.
type Messenger struct {
	tree    trie_tst.TST
	owners  map[interface{}]map[string]struct{}
	Verbose bool
}

// NewMessenger creates an empty bus
func NewMessenger() *Messenger {
	return &Messenger{
		owners: map[interface{}]map[string]struct{}{},
	}
}

func (m *Messenger) lookup(event string, create bool) *subscribing {
	t := m.tree.Sub(event)
	if t.Val == nil {
		if !create {
			return nil
		}
		subs := &subscribing{}
		t.Val = subs
		return subs
	}
	return t.Val.(*subscribing)
}

// Accept subscribes owner to event. A second Accept by the same owner replaces the first.
func (m *Messenger) Accept(event string, owner interface{}, fn Listener) {
	m.accept(event, owner, fn, false)
}

// AcceptOnce subscribes owner to the next occurrence of event only
func (m *Messenger) AcceptOnce(event string, owner interface{}, fn Listener) {
	m.accept(event, owner, fn, true)
}

func (m *Messenger) accept(event string, owner interface{}, fn Listener, once bool) {
	subs := m.lookup(event, true)
	if l := subs.find(owner); l != nil {
		l.active = false
		subs.compact()
	}
	subs.listeners = append(subs.listeners, &listener{owner: owner, fn: fn, once: once, active: true})

	events := m.owners[owner]
	if events == nil {
		events = map[string]struct{}{}
		m.owners[owner] = events
	}
	events[event] = struct{}{}
	if m.Verbose {
		gwlog.Debugf("messenger: %v accepts %s", owner, event)
	}
}

// Ignore removes owner's subscription to event
func (m *Messenger) Ignore(event string, owner interface{}) {
	if subs := m.lookup(event, false); subs != nil {
		if l := subs.find(owner); l != nil {
			l.active = false
			subs.compact()
		}
	}
	if events := m.owners[owner]; events != nil {
		delete(events, event)
		if len(events) == 0 {
			delete(m.owners, owner)
		}
	}
}

// IgnoreAll removes every subscription held by owner
func (m *Messenger) IgnoreAll(owner interface{}) {
	events := m.owners[owner]
	for event := range events {
		if subs := m.lookup(event, false); subs != nil {
			if l := subs.find(owner); l != nil {
				l.active = false
				subs.compact()
			}
		}
	}
	delete(m.owners, owner)
}

// IsAccepting reports whether owner listens to event
func (m *Messenger) IsAccepting(event string, owner interface{}) bool {
	subs := m.lookup(event, false)
	return subs != nil && subs.find(owner) != nil
}

// NumListeners returns the number of listeners of event
func (m *Messenger) NumListeners(event string) int {
	subs := m.lookup(event, false)
	if subs == nil {
		return 0
	}
	return len(subs.listeners)
}

// Send calls every listener of event in subscription order.
// Listeners may subscribe or ignore while being called; a listener ignored
// during Send is not called afterwards.
func (m *Messenger) Send(event string, args ...interface{}) {
	subs := m.lookup(event, false)
	if subs == nil || len(subs.listeners) == 0 {
		return
	}
	if m.Verbose {
		gwlog.Debugf("messenger: send %s %v", event, args)
	}
	listeners := append([]*listener(nil), subs.listeners...)
	for _, l := range listeners {
		if !l.active {
			continue
		}
		if l.once {
			m.Ignore(event, l.owner)
		}
		fn := l.fn
		gwutils.RunPanicless(func() {
			fn(args...)
		})
	}
}
