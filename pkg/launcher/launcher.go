// Package launcher starts the hosted server process for a staged environment,
// either directly on the host or inside a Docker container.
package launcher

import (
	"bytes"
	"context"
	"sync"
)

// Launcher starts and stops server processes.
type Launcher interface {
	// Launch starts cmd. The returned handle's PID is valid as soon as
	// Launch returns so that a cleanup watcher can be armed with it.
	Launch(ctx context.Context, cmd Command) (*Handle, error)

	// Stop forcefully terminates the process. It is best-effort and
	// returns nil if the process has already exited.
	Stop(ctx context.Context, h *Handle) error
}

// Command describes a server process to start.
type Command struct {
	Path        string
	Args        []string
	Dir         string
	Env         []string // added to the inherited environment
	ShowConsole bool

	// Image and Mounts are only used by DockerLauncher. Mounts are host
	// paths bound at the same path inside the container.
	Image  string
	Mounts []string
}

// Handle refers to a started server process.
type Handle struct {
	PID         int
	ContainerID string

	stdout *syncBuffer
	stderr *syncBuffer

	done    chan struct{}
	mu      sync.Mutex
	exitErr error
}

func newHandle() *Handle {
	return &Handle{
		stdout: &syncBuffer{limit: maxOutput},
		stderr: &syncBuffer{limit: maxOutput},
		done:   make(chan struct{}),
	}
}

// Done is closed once the process has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the process has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the process exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stdout returns the most recent output, up to maxOutput bytes.
func (h *Handle) Stdout() string { return h.stdout.String() }

// Stderr returns the most recent error output, up to maxOutput bytes.
func (h *Handle) Stderr() string { return h.stderr.String() }

func (h *Handle) finish(err error) {
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
	close(h.done)
}

// maxOutput is how much of each output stream a handle retains.
const maxOutput = 1 << 20

// syncBuffer keeps the last limit bytes written to it and is safe for one
// writer and concurrent readers.
type syncBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if b.limit > 0 && len(p) > b.limit {
		p = p[len(p)-b.limit:]
	}
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; b.limit > 0 && over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
