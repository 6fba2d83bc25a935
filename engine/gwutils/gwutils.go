package gwutils

import (
	"github.com/xiaonanln/godor/engine/consts"
	"github.com/xiaonanln/godor/engine/gwlog"
)

// RunPanicless calls a function panic-freely
func RunPanicless(f func()) (paniced bool) {
	defer func() {
		err := recover()
		if err != nil {
			gwlog.TraceError("%v panic: %v", f, err)
			paniced = true
		}
	}()

	f()
	return
}

// RepeatUntilPanicless runs the function repeatly until there is no panic
func RepeatUntilPanicless(f func()) {
	for !RunPanicless(f) {
	}
}

// ProgrammerError reports misuse of a local API.
// It panics in debug mode and only logs otherwise.
func ProgrammerError(format string, args ...interface{}) {
	if consts.DEBUG_MODE {
		gwlog.Panicf(format, args...)
	} else {
		gwlog.TraceError(format, args...)
	}
}
