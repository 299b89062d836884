//go:build windows

package staging

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

type junctionLinker struct{}

// NewLinker returns the platform linker. On Windows it creates directory
// junctions, which unlike symlinks need no special privilege.
func NewLinker() Linker {
	return junctionLinker{}
}

func (junctionLinker) Link(ctx context.Context, target, link string) error {
	if strings.ContainsRune(target, '"') || strings.ContainsRune(link, '"') {
		return fmt.Errorf("path contains a quote character")
	}

	cmd := exec.CommandContext(ctx, "cmd.exe")
	// cmd.exe does its own parsing, so the command line is built verbatim.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CmdLine:    fmt.Sprintf(`cmd.exe /c mklink /J "%s" "%s"`, link, target),
		HideWindow: true,
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mklink: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Unlink removes the junction itself; its target is untouched.
func (junctionLinker) Unlink(link string) error {
	return os.Remove(link)
}
