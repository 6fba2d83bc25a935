package main

import (
	"syscall"
	"time"

	"github.com/xiaonanln/godor/cmd/dorctl/process"
)

func stop(component string, signal syscall.Signal) {
	st := detectStatus(args.binDir)
	showStatus(st)
	if !st.IsRunning(component) {
		showMsgAndQuit("nothing to stop")
	}

	// bots first, they are clients of dordb
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		if component != "" && c != component {
			continue
		}
		for _, proc := range st.Procs[c] {
			stopProc(c, proc, signal)
		}
	}
}

func stopProc(component string, proc process.Process, signal syscall.Signal) {
	showMsg("stop %s pid=%d with %s", component, proc.Pid(), signal)
	checkErrorOrQuit(proc.Signal(signal), "signal process failed")
	for process.IsRunning(proc.Pid()) {
		time.Sleep(time.Millisecond * 100)
	}
}
