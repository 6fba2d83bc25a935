package gwutils

import (
	"fmt"
	"testing"
)

func TestRunPanicless(t *testing.T) {
	RunPanicless(func() {
		panic(1)
	})
	RunPanicless(func() {
		panic(fmt.Errorf("bad"))
	})
}

func TestProgrammerErrorLogsOnly(t *testing.T) {
	// DEBUG_MODE is off in tests so this must not panic
	paniced := RunPanicless(func() {
		ProgrammerError("generate of %d twice", 1000)
	})
	if paniced {
		t.Errorf("ProgrammerError should only log outside debug mode")
	}
}
