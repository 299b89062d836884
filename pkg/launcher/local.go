package launcher

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"os/exec"
	"time"

	"stagehand/pkg/errdefs"
)

// outputWaitDelay bounds how long the reaper waits for the output pipes to
// close once the server has exited.
const outputWaitDelay = 2 * time.Second

// LocalLauncher runs the server directly on the host.
type LocalLauncher struct {
	logger *log.Logger
}

// NewLocalLauncher creates a host process launcher.
func NewLocalLauncher(logger *log.Logger) *LocalLauncher {
	if logger == nil {
		logger = log.New(os.Stdout, "[launcher] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &LocalLauncher{logger: logger}
}

// Launch starts the process. The process is not bound to ctx: it must be
// able to outlive the caller's request so the watcher can observe its exit.
func (l *LocalLauncher) Launch(ctx context.Context, c Command) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := exec.LookPath(c.Path)
	if err != nil {
		return nil, errdefs.Newf(errdefs.CodeExecutableNotFound, "executable not found: %s", c.Path).
			WithCause(err)
	}

	cmd := exec.Command(path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.SysProcAttr = consoleAttr(c.ShowConsole)

	h := newHandle()
	cmd.Stdout, cmd.Stderr = h.stdout, h.stderr
	if c.ShowConsole && mirrorConsole {
		cmd.Stdout = io.MultiWriter(h.stdout, os.Stdout)
		cmd.Stderr = io.MultiWriter(h.stderr, os.Stderr)
	}
	// Children that inherit the output pipes must not keep the handle open
	// after the server itself has exited.
	cmd.WaitDelay = outputWaitDelay

	if err := cmd.Start(); err != nil {
		return nil, errdefs.Newf(errdefs.CodeSpawnFailed, "start %s", path).WithCause(err)
	}

	h.PID = cmd.Process.Pid
	l.logger.Printf("started %s %v (pid=%d)", path, c.Args, h.PID)

	// Reap the process so it does not linger as a zombie after exit.
	go func() {
		err := cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			l.logger.Printf("pid %d exited with code %d", h.PID, exitErr.ExitCode())
		case errors.Is(err, exec.ErrWaitDelay):
			l.logger.Printf("pid %d exited, output still held open by a child", h.PID)
			err = nil
		case err == nil:
			l.logger.Printf("pid %d exited", h.PID)
		}
		h.finish(err)
	}()

	return h, nil
}

// Stop kills the process and waits for it to be reaped or for ctx to end.
func (l *LocalLauncher) Stop(ctx context.Context, h *Handle) error {
	if h == nil || h.Exited() {
		return nil
	}

	proc, err := os.FindProcess(h.PID)
	if err != nil {
		return nil
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		l.logger.Printf("warning: kill pid %d: %v", h.PID, err)
	}

	select {
	case <-h.Done():
	case <-ctx.Done():
	}
	return nil
}
