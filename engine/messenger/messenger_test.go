package messenger

import (
	"testing"

	"github.com/bmizerany/assert"
)

func TestSendOrder(t *testing.T) {
	m := NewMessenger()
	var got []string
	m.Accept("ev", "a", func(args ...interface{}) { got = append(got, "a") })
	m.Accept("ev", "b", func(args ...interface{}) { got = append(got, "b") })
	m.Send("ev")
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestArgsPassed(t *testing.T) {
	m := NewMessenger()
	var got []interface{}
	m.Accept("zone", 1, func(args ...interface{}) { got = args })
	m.Send("zone", uint32(300), uint32(200))
	assert.Equal(t, []interface{}{uint32(300), uint32(200)}, got)
}

func TestAcceptReplaces(t *testing.T) {
	m := NewMessenger()
	n := 0
	m.Accept("ev", "a", func(args ...interface{}) { n += 1 })
	m.Accept("ev", "a", func(args ...interface{}) { n += 10 })
	m.Send("ev")
	assert.Equal(t, 10, n)
	assert.Equal(t, 1, m.NumListeners("ev"))
}

func TestAcceptOnce(t *testing.T) {
	m := NewMessenger()
	n := 0
	m.AcceptOnce("ev", "a", func(args ...interface{}) { n++ })
	m.Send("ev")
	m.Send("ev")
	assert.Equal(t, 1, n)
	assert.T(t, !m.IsAccepting("ev", "a"), "once listener removed")
}

func TestIgnoreAll(t *testing.T) {
	m := NewMessenger()
	n := 0
	m.Accept("x", "o", func(args ...interface{}) { n++ })
	m.Accept("y", "o", func(args ...interface{}) { n++ })
	m.Accept("y", "p", func(args ...interface{}) { n += 100 })
	m.IgnoreAll("o")
	m.Send("x")
	m.Send("y")
	assert.Equal(t, 100, n)
	assert.T(t, m.IsAccepting("y", "p"), "other owner kept")
}

func TestIgnoreDuringSend(t *testing.T) {
	m := NewMessenger()
	var got []string
	m.Accept("ev", "a", func(args ...interface{}) {
		got = append(got, "a")
		m.Ignore("ev", "b")
	})
	m.Accept("ev", "b", func(args ...interface{}) { got = append(got, "b") })
	m.Send("ev")
	assert.Equal(t, []string{"a"}, got)
}

func TestPanicInListener(t *testing.T) {
	m := NewMessenger()
	ran := false
	m.Accept("ev", "a", func(args ...interface{}) { panic("boom") })
	m.Accept("ev", "b", func(args ...interface{}) { ran = true })
	m.Send("ev")
	assert.T(t, ran, "later listener still runs")
}
