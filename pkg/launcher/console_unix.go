//go:build !windows

package launcher

import "syscall"

// On Unix a visible console means mirroring output to our own stdio.
const mirrorConsole = true

func consoleAttr(bool) *syscall.SysProcAttr {
	return nil
}
