package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

func start(component string, extra []string) {
	st := detectStatus(args.binDir)
	if component == "dordb" && st.IsRunning(component) {
		showStatus(st)
		showMsgAndQuit("dordb is already running")
	}

	exe := filepath.Join(args.binDir, component+BinaryExtension)
	cmdArgs := []string{"-configfile", args.configFile}
	if component == "dordb" {
		cmdArgs = append(cmdArgs, "-d")
	}
	cmdArgs = append(cmdArgs, extra...)

	showMsg("start %s %v ...", exe, cmdArgs)
	cmd := exec.Command(exe, cmdArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	checkErrorOrQuit(cmd.Start(), "start "+component+" failed")
	if component != "dordb" {
		showMsg("%s started, pid=%d", component, cmd.Process.Pid)
		return
	}

	// dordb daemonizes: the started process exits once the child runs
	checkErrorOrQuit(cmd.Wait(), "dordb failed to daemonize")
	for i := 0; i < 50; i++ {
		if detectStatus(args.binDir).IsRunning(component) {
			showMsg("dordb is running")
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	showMsgAndQuit("dordb did not come up, check its log file")
}
