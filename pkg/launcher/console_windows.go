//go:build windows

package launcher

import "syscall"

const (
	createNewConsole = 0x00000010
	createNoWindow   = 0x08000000
)

// On Windows the server gets its own console window instead.
const mirrorConsole = false

func consoleAttr(show bool) *syscall.SysProcAttr {
	if show {
		return &syscall.SysProcAttr{CreationFlags: createNewConsole}
	}
	return &syscall.SysProcAttr{CreationFlags: createNoWindow, HideWindow: true}
}
