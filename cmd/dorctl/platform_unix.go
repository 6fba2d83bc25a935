//go:build !windows
// +build !windows

package main

import (
	"syscall"
)

const (
	// BinaryExtension is the extension of executables
	BinaryExtension = ""
	// StopSignal asks a process to terminate gracefully
	StopSignal = syscall.SIGTERM
	// KillSignal terminates a process at once
	KillSignal = syscall.SIGKILL
)
