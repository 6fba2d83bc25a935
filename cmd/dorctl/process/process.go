// Package process lists and signals the running processes of a godor deployment
package process

import (
	"strings"
	"syscall"

	psutil_process "github.com/shirou/gopsutil/process"
)

// Process is a running process
type Process interface {
	Pid() int32
	Name() string
	Cmdline() []string
	Signal(sig syscall.Signal) error
}

type process struct {
	*psutil_process.Process
}

func (p process) Pid() int32 {
	return p.Process.Pid
}

func (p process) Name() string {
	name, _ := p.Process.Name()
	return name
}

func (p process) Cmdline() []string {
	cmdline, err := p.Process.CmdlineSlice()
	if err != nil || len(cmdline) == 0 {
		if exe, err := p.Process.Exe(); err == nil {
			return []string{exe}
		}
		return nil
	}
	return cmdline
}

func (p process) String() string {
	return strings.Join(p.Cmdline(), " ")
}

// Processes lists every process visible to the current user
func Processes() ([]Process, error) {
	ps, err := psutil_process.Processes()
	if err != nil {
		return nil, err
	}
	procs := make([]Process, 0, len(ps))
	for _, p := range ps {
		procs = append(procs, process{p})
	}
	return procs, nil
}

// IsRunning checks whether pid still exists
func IsRunning(pid int32) bool {
	exists, err := psutil_process.PidExists(pid)
	return err == nil && exists
}
