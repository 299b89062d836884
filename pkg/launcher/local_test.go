//go:build !windows

package launcher

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagehand/pkg/errdefs"
)

func TestLocalLaunchCapturesOutput(t *testing.T) {
	l := NewLocalLauncher(quietLogger())

	h, err := l.Launch(context.Background(), Command{
		Path: "sh",
		Args: []string{"-c", "echo out; echo err >&2"},
	})
	require.NoError(t, err)
	assert.Greater(t, h.PID, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))

	assert.Equal(t, "out", strings.TrimSpace(h.Stdout()))
	assert.Equal(t, "err", strings.TrimSpace(h.Stderr()))
}

func TestLocalLaunchEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	l := NewLocalLauncher(quietLogger())

	h, err := l.Launch(context.Background(), Command{
		Path: "sh",
		Args: []string{"-c", `echo "$STAGEHAND_TEST_VALUE"; pwd`},
		Dir:  dir,
		Env:  []string{"STAGEHAND_TEST_VALUE=hello"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))

	lines := strings.Split(strings.TrimSpace(h.Stdout()), "\n")
	require.Len(t, lines, 2, "output %q", h.Stdout())
	assert.Equal(t, "hello", lines[0])
}

func TestLocalLaunchExitCode(t *testing.T) {
	l := NewLocalLauncher(quietLogger())

	h, err := l.Launch(context.Background(), Command{Path: "sh", Args: []string{"-c", "exit 3"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, h.Wait(ctx))
}

func TestLocalLaunchExecutableNotFound(t *testing.T) {
	l := NewLocalLauncher(quietLogger())

	_, err := l.Launch(context.Background(), Command{Path: "/nonexistent/stagehand-server"})
	assert.True(t, errdefs.HasCode(err, errdefs.CodeExecutableNotFound), "err = %v", err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindLaunch), "err = %v", err)
}

func TestLocalStop(t *testing.T) {
	l := NewLocalLauncher(quietLogger())

	h, err := l.Launch(context.Background(), Command{Path: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, l.Stop(ctx, h))
	assert.True(t, h.Exited(), "process still running after Stop")

	assert.NoError(t, l.Stop(ctx, h), "stopping an exited process")
}

func TestLocalStopWithChildHoldingOutput(t *testing.T) {
	l := NewLocalLauncher(quietLogger())

	h, err := l.Launch(context.Background(), Command{
		Path: "sh",
		Args: []string{"-c", "sleep 30 & sleep 30; echo done"},
	})
	require.NoError(t, err)
	time.Sleep(300 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, l.Stop(ctx, h))
	assert.True(t, h.Exited(), "server not reaped while a child holds its output")
	assert.Less(t, time.Since(start), outputWaitDelay+2*time.Second)
	assert.NoError(t, ctx.Err(), "Stop ran until its context expired")
}

func TestLocalStopNilHandle(t *testing.T) {
	l := NewLocalLauncher(quietLogger())
	assert.NoError(t, l.Stop(context.Background(), nil))
}
