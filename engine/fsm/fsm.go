// Package fsm implements hierarchical finite state machines with a
// configurable policy for undefined transitions.
package fsm

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/xiaonanln/godor/engine/gwlog"
)

var (
	// ErrUndefinedTransition is returned by Request under PolicyError
	ErrUndefinedTransition = errors.New("undefined transition")
	// ErrInFlux is returned when Request is called while a transition is running
	ErrInFlux = errors.New("fsm in flux")
	// ErrNoSuchState is returned for unknown state names
	ErrNoSuchState = errors.New("no such state")
)

// Policy decides what Request does with a transition the current state does not declare
type Policy int

const (
	// PolicyError returns ErrUndefinedTransition
	PolicyError Policy = iota
	// PolicyDisallowVerbose logs and ignores
	PolicyDisallowVerbose
	// PolicyDisallow silently ignores
	PolicyDisallow
	// PolicyAllow logs and performs the transition
	PolicyAllow
)

func (p Policy) String() string {
	switch p {
	case PolicyError:
		return "Error"
	case PolicyDisallowVerbose:
		return "DisallowVerbose"
	case PolicyDisallow:
		return "Disallow"
	case PolicyAllow:
		return "Allow"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// Result of a Request
type Result int

const (
	// NoTransition means the FSM stayed in its state
	NoTransition Result = iota
	// Transitioned means the FSM exited its state and entered the requested one
	Transitioned
)

func (r Result) String() string {
	if r == Transitioned {
		return "Transitioned"
	}
	return "NoTransition"
}

// Any lets a state transition to every other state
const Any = "*"

// Hook is an enter or exit function
type Hook func(args ...interface{})

// State is one state of an FSM
type State struct {
	name        string
	enter       Hook
	exit        Hook
	any         bool
	transitions map[string]struct{}
	children    []*FSM
}

// NewState creates a state. Pass Any as the only transition to allow every transition.
func NewState(name string, enter Hook, exit Hook, transitions ...string) *State {
	s := &State{
		name:        name,
		enter:       enter,
		exit:        exit,
		transitions: map[string]struct{}{},
	}
	for _, t := range transitions {
		s.AddTransition(t)
	}
	return s
}

// Name returns the state name
func (s *State) Name() string {
	return s.name
}

func (s *State) String() string {
	return s.name
}

// AddTransition declares a transition to the state called name
func (s *State) AddTransition(name string) {
	if name == Any {
		s.any = true
		return
	}
	s.transitions[name] = struct{}{}
}

// IsTransitionDefined returns whether the state declares a transition to name
func (s *State) IsTransitionDefined(name string) bool {
	if s.any {
		return true
	}
	_, ok := s.transitions[name]
	return ok
}

// Transitions returns the declared transitions sorted by name
func (s *State) Transitions() []string {
	if s.any {
		return []string{Any}
	}
	names := make([]string, 0, len(s.transitions))
	for name := range s.transitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddChild adds a child FSM which is entered with the state and finished when the state exits
func (s *State) AddChild(child *FSM) {
	s.children = append(s.children, child)
}

// Children returns the child FSMs in order
func (s *State) Children() []*FSM {
	return s.children
}

func (s *State) doEnter(args []interface{}) {
	for _, child := range s.children {
		if err := child.EnterInitialState(); err != nil {
			gwlog.Errorf("%s: enter child %s failed: %v", s, child, err)
		}
	}
	if s.enter != nil {
		s.enter(args...)
	}
}

func (s *State) doExit(args []interface{}) {
	for _, child := range s.children {
		if err := child.RequestFinalState(); err != nil {
			gwlog.Errorf("%s: finish child %s failed: %v", s, child, err)
		}
	}
	if s.exit != nil {
		s.exit(args...)
	}
}

// FSM is a finite state machine. Its zero value is not usable, call New.
type FSM struct {
	Name   string
	Policy Policy

	states  map[string]*State
	order   []string
	initial string
	final   string
	current *State
	inFlux  bool
}

// New creates an FSM from states. The initial and final state must be among them.
func New(name string, states []*State, initial, final string) (*FSM, error) {
	f := &FSM{
		Name:   name,
		states: map[string]*State{},
	}
	for _, s := range states {
		if _, ok := f.states[s.name]; ok {
			return nil, errors.Errorf("fsm %s: duplicate state %s", name, s.name)
		}
		f.states[s.name] = s
		f.order = append(f.order, s.name)
	}
	if _, ok := f.states[initial]; !ok {
		return nil, errors.Wrapf(ErrNoSuchState, "fsm %s: initial state %s", name, initial)
	}
	if _, ok := f.states[final]; !ok {
		return nil, errors.Wrapf(ErrNoSuchState, "fsm %s: final state %s", name, final)
	}
	f.initial = initial
	f.final = final
	return f, nil
}

func (f *FSM) String() string {
	if f.current == nil {
		return fmt.Sprintf("FSM<%s>", f.Name)
	}
	return fmt.Sprintf("FSM<%s:%s>", f.Name, f.current.name)
}

// State returns the state called name, or nil
func (f *FSM) State(name string) *State {
	return f.states[name]
}

// StateNames returns state names in declaration order
func (f *FSM) StateNames() []string {
	return append([]string(nil), f.order...)
}

// Current returns the current state, nil before EnterInitialState
func (f *FSM) Current() *State {
	return f.current
}

// CurrentName returns the current state name, "" before EnterInitialState
func (f *FSM) CurrentName() string {
	if f.current == nil {
		return ""
	}
	return f.current.name
}

// IsInFlux returns whether an exit or enter hook is running
func (f *FSM) IsInFlux() bool {
	return f.inFlux
}

// IsInFinalState returns whether the FSM rests in its final state
func (f *FSM) IsInFinalState() bool {
	return f.current != nil && f.current.name == f.final
}

// EnterInitialState enters the initial state. Calling it while already in the
// initial state does nothing.
func (f *FSM) EnterInitialState(args ...interface{}) error {
	if f.inFlux {
		return errors.Wrapf(ErrInFlux, "%s", f)
	}
	if f.current != nil && f.current.name == f.initial {
		return nil
	}
	f.transition(f.states[f.initial], args)
	return nil
}

// RequestFinalState moves the FSM to its final state. Does nothing if it was never entered.
func (f *FSM) RequestFinalState(args ...interface{}) error {
	if f.current == nil || f.current.name == f.final {
		return nil
	}
	_, err := f.Request(f.final, args...)
	return err
}

// Request moves to the state called name. The final state is always reachable,
// other undefined transitions are handled by Policy.
func (f *FSM) Request(name string, args ...interface{}) (Result, error) {
	if f.inFlux {
		return NoTransition, errors.Wrapf(ErrInFlux, "%s: request %s", f, name)
	}
	next := f.states[name]
	if next == nil {
		return NoTransition, errors.Wrapf(ErrNoSuchState, "%s: request %s", f, name)
	}
	if f.current == nil {
		return NoTransition, errors.Errorf("%s: request %s before entering the initial state", f, name)
	}
	if f.current.IsTransitionDefined(name) || name == f.final {
		f.transition(next, args)
		return Transitioned, nil
	}

	switch f.Policy {
	case PolicyError:
		return NoTransition, errors.Wrapf(ErrUndefinedTransition, "%s -> %s", f, name)
	case PolicyDisallowVerbose:
		gwlog.Warnf("%s: disallowed transition to %s", f, name)
		return NoTransition, nil
	case PolicyDisallow:
		return NoTransition, nil
	default:
		gwlog.Infof("%s: allowing undefined transition to %s", f, name)
		f.transition(next, args)
		return Transitioned, nil
	}
}

// ConditionalRequest performs the transition only if it is declared
func (f *FSM) ConditionalRequest(name string, args ...interface{}) bool {
	if f.inFlux || f.current == nil {
		return false
	}
	next := f.states[name]
	if next == nil || !f.current.IsTransitionDefined(name) {
		return false
	}
	f.transition(next, args)
	return true
}

// ForceTransition moves to the state called name regardless of declared transitions
func (f *FSM) ForceTransition(name string, args ...interface{}) error {
	if f.inFlux {
		return errors.Wrapf(ErrInFlux, "%s: force %s", f, name)
	}
	next := f.states[name]
	if next == nil {
		return errors.Wrapf(ErrNoSuchState, "%s: force %s", f, name)
	}
	f.transition(next, args)
	return nil
}

func (f *FSM) transition(next *State, args []interface{}) {
	f.inFlux = true
	defer func() {
		f.inFlux = false
	}()

	if f.current != nil {
		f.current.doExit(args)
	}
	gwlog.Debugf("%s -> %s", f, next.name)
	f.current = next
	next.doEnter(args)
}
