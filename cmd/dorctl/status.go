package main

import (
	"path/filepath"
	"strings"

	"github.com/xiaonanln/godor/cmd/dorctl/process"
)

// Status lists the running godor processes per component
type Status struct {
	Procs map[string][]process.Process
}

// IsRunning returns whether any process of component runs, or any at all for ""
func (st *Status) IsRunning(component string) bool {
	if component != "" {
		return len(st.Procs[component]) > 0
	}
	for _, procs := range st.Procs {
		if len(procs) > 0 {
			return true
		}
	}
	return false
}

// componentOf returns the component a command line runs from binDir, or ""
func componentOf(binDir string, cmdline []string) string {
	if len(cmdline) == 0 {
		return ""
	}
	dir, file := filepath.Split(cmdline[0])
	file = strings.TrimSuffix(file, BinaryExtension)
	if !isComponent(file) {
		return ""
	}
	if dir != "" && filepath.Clean(dir) != filepath.Clean(binDir) {
		return ""
	}
	return file
}

func detectStatus(binDir string) *Status {
	st := &Status{Procs: map[string][]process.Process{}}
	procs, err := process.Processes()
	checkErrorOrQuit(err, "list processes failed")
	for _, proc := range procs {
		if c := componentOf(binDir, proc.Cmdline()); c != "" {
			st.Procs[c] = append(st.Procs[c], proc)
		}
	}
	return st
}

func showStatus(st *Status) {
	for _, c := range components {
		showMsg("%d %s running", len(st.Procs[c]), c)
		for _, proc := range st.Procs[c] {
			showMsg("\t%-10d%s", proc.Pid(), strings.Join(proc.Cmdline(), " "))
		}
	}
}
