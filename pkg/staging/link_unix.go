//go:build !windows

package staging

import (
	"context"
	"os"
)

type symlinker struct{}

// NewLinker returns the platform linker. On Unix it creates symlinks.
func NewLinker() Linker {
	return symlinker{}
}

func (symlinker) Link(_ context.Context, target, link string) error {
	return os.Symlink(target, link)
}

func (symlinker) Unlink(link string) error {
	return os.Remove(link)
}
