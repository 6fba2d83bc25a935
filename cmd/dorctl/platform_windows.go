//go:build windows
// +build windows

package main

import (
	"syscall"

	_ "github.com/go-ole/go-ole" // gopsutil queries processes through WMI
)

const (
	// BinaryExtension is the extension of executables
	BinaryExtension = ".exe"
	// StopSignal asks a process to terminate; windows has no graceful variant
	StopSignal = syscall.SIGKILL
	// KillSignal terminates a process at once
	KillSignal = syscall.SIGKILL
)
