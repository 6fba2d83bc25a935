package fsm

import (
	"testing"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
)

type trace struct {
	log []string
}

func (tr *trace) hook(name string) Hook {
	return func(args ...interface{}) {
		tr.log = append(tr.log, name)
	}
}

func newDoorFSM(t *testing.T, tr *trace) *FSM {
	f, err := New("door", []*State{
		NewState("off", tr.hook("enter off"), tr.hook("exit off"), "closed"),
		NewState("closed", tr.hook("enter closed"), tr.hook("exit closed"), "open"),
		NewState("open", tr.hook("enter open"), tr.hook("exit open"), "closed"),
		NewState("broken", tr.hook("enter broken"), tr.hook("exit broken"), Any),
	}, "off", "off")
	if err != nil {
		t.Fatalf("new fsm: %v", err)
	}
	return f
}

func TestRequestDeclaredTransition(t *testing.T) {
	tr := &trace{}
	f := newDoorFSM(t, tr)
	assert.Equal(t, "", f.CurrentName())
	assert.Equal(t, nil, f.EnterInitialState())
	res, err := f.Request("closed")
	assert.Equal(t, nil, err)
	assert.Equal(t, Transitioned, res)
	res, err = f.Request("open")
	assert.Equal(t, nil, err)
	assert.Equal(t, Transitioned, res)
	assert.Equal(t, "open", f.CurrentName())
	assert.Equal(t, []string{"enter off", "exit off", "enter closed", "exit closed", "enter open"}, tr.log)
}

func TestUndefinedTransitionPolicies(t *testing.T) {
	tr := &trace{}
	f := newDoorFSM(t, tr)
	f.EnterInitialState()
	f.Request("closed")

	f.Policy = PolicyError
	res, err := f.Request("broken")
	assert.Equal(t, NoTransition, res)
	assert.Equal(t, ErrUndefinedTransition, errors.Cause(err))
	assert.Equal(t, "closed", f.CurrentName())

	f.Policy = PolicyDisallowVerbose
	res, err = f.Request("broken")
	assert.Equal(t, NoTransition, res)
	assert.Equal(t, nil, err)

	f.Policy = PolicyDisallow
	res, err = f.Request("broken")
	assert.Equal(t, NoTransition, res)
	assert.Equal(t, nil, err)
	assert.Equal(t, "closed", f.CurrentName())

	f.Policy = PolicyAllow
	res, err = f.Request("broken")
	assert.Equal(t, Transitioned, res)
	assert.Equal(t, nil, err)
	assert.Equal(t, "broken", f.CurrentName())

	f.Policy = PolicyError
	res, err = f.Request("open")
	assert.Equal(t, Transitioned, res)
	assert.Equal(t, nil, err)
}

func TestFinalStateAlwaysReachable(t *testing.T) {
	f := newDoorFSM(t, &trace{})
	f.EnterInitialState()
	f.Request("closed")
	f.Request("open")
	res, err := f.Request("off")
	assert.Equal(t, nil, err)
	assert.Equal(t, Transitioned, res)
	assert.T(t, f.IsInFinalState(), "final")
}

func TestNoSuchState(t *testing.T) {
	f := newDoorFSM(t, &trace{})
	f.EnterInitialState()
	_, err := f.Request("flying")
	assert.Equal(t, ErrNoSuchState, errors.Cause(err))
	assert.Equal(t, ErrNoSuchState, errors.Cause(f.ForceTransition("flying")))

	_, err = New("bad", []*State{NewState("a", nil, nil)}, "a", "z")
	assert.Equal(t, ErrNoSuchState, errors.Cause(err))
}

func TestConditionalRequest(t *testing.T) {
	tr := &trace{}
	f := newDoorFSM(t, tr)
	f.EnterInitialState()
	assert.T(t, !f.ConditionalRequest("open"), "undeclared")
	assert.Equal(t, "off", f.CurrentName())
	assert.T(t, f.ConditionalRequest("closed"), "declared")
	assert.Equal(t, "closed", f.CurrentName())
}

func TestReentrantRequestRejected(t *testing.T) {
	var f *FSM
	var inExit, inEnter error
	var fluxSeen []bool
	f, _ = New("reentrant", []*State{
		NewState("a", nil, func(args ...interface{}) {
			fluxSeen = append(fluxSeen, f.IsInFlux())
			_, inExit = f.Request("c")
		}, "b"),
		NewState("b", func(args ...interface{}) {
			fluxSeen = append(fluxSeen, f.IsInFlux())
			_, inEnter = f.Request("c")
		}, nil, "c"),
		NewState("c", nil, nil),
	}, "a", "c")
	f.EnterInitialState()
	assert.T(t, !f.IsInFlux(), "not in flux at rest")

	res, err := f.Request("b")
	assert.Equal(t, nil, err)
	assert.Equal(t, Transitioned, res)
	assert.Equal(t, ErrInFlux, errors.Cause(inExit))
	assert.Equal(t, ErrInFlux, errors.Cause(inEnter))
	assert.Equal(t, []bool{true, true}, fluxSeen)
	assert.T(t, !f.IsInFlux(), "not in flux after request")
	assert.Equal(t, "b", f.CurrentName())
}

func TestHookArgs(t *testing.T) {
	var got []interface{}
	f, _ := New("args", []*State{
		NewState("idle", nil, nil, "run"),
		NewState("run", func(args ...interface{}) { got = args }, nil),
	}, "idle", "idle")
	f.EnterInitialState()
	f.Request("run", 1, "fast")
	assert.Equal(t, []interface{}{1, "fast"}, got)
}

func TestChildFSMs(t *testing.T) {
	tr := &trace{}
	child, err := New("child", []*State{
		NewState("childOff", tr.hook("enter childOff"), tr.hook("exit childOff"), "childOn"),
		NewState("childOn", tr.hook("enter childOn"), tr.hook("exit childOn")),
	}, "childOff", "childOff")
	assert.Equal(t, nil, err)

	play := NewState("play", tr.hook("enter play"), tr.hook("exit play"), "lobby")
	play.AddChild(child)
	parent, err := New("parent", []*State{
		NewState("lobby", nil, nil, "play"),
		play,
	}, "lobby", "lobby")
	assert.Equal(t, nil, err)

	parent.EnterInitialState()
	parent.Request("play")
	assert.Equal(t, "childOff", child.CurrentName())
	child.Request("childOn")
	assert.Equal(t, "childOn", child.CurrentName())

	tr.log = nil
	parent.Request("lobby")
	assert.Equal(t, "childOff", child.CurrentName())
	assert.Equal(t, []string{"exit childOn", "enter childOff", "exit play"}, tr.log)
}

func TestRequestBeforeEnter(t *testing.T) {
	f := newDoorFSM(t, &trace{})
	_, err := f.Request("closed")
	assert.NotEqual(t, nil, err)
	assert.T(t, !f.ConditionalRequest("closed"), "not entered")
	assert.Equal(t, nil, f.RequestFinalState())
}

func TestStateTransitions(t *testing.T) {
	s := NewState("s", nil, nil, "b", "a")
	assert.Equal(t, []string{"a", "b"}, s.Transitions())
	assert.T(t, s.IsTransitionDefined("a"), "a")
	assert.T(t, !s.IsTransitionDefined("c"), "c")
	s.AddTransition(Any)
	assert.T(t, s.IsTransitionDefined("c"), "any")
	assert.Equal(t, "Error", PolicyError.String())
}
