//go:build !windows

package watcher

import "syscall"

// A new session keeps the watcher alive when the owner's process group or
// terminal is signalled, as happens when a debugger stops a test run.
func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
