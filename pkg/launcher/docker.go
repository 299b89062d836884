package launcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"stagehand/pkg/errdefs"
	"stagehand/pkg/watcher"
)

// DockerAPI is the subset of the Docker client used by DockerLauncher.
type DockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, container string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, container string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, container string) (container.InspectResponse, error)
	ContainerWait(ctx context.Context, container string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, container, signal string) error
	ContainerRemove(ctx context.Context, container string, options container.RemoveOptions) error
}

// DockerLauncher runs the server inside a container. Mounted paths keep
// their host location so links inside the staging directory still resolve.
// The handle's PID is the container's init process as seen from the host,
// which lets a host-side watcher wait on it. That only holds when the daemon
// shares the host's process table, so Launch refuses daemons running in a VM
// or on another machine.
type DockerLauncher struct {
	client     DockerAPI
	logger     *log.Logger
	pidVisible func(pid int) bool
}

// NewDockerLauncher creates a Docker-based launcher.
func NewDockerLauncher(api DockerAPI, logger *log.Logger) *DockerLauncher {
	if logger == nil {
		logger = log.New(os.Stdout, "[docker-launcher] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &DockerLauncher{client: api, logger: logger, pidVisible: watcher.ProcessAlive}
}

// NewDockerClient connects to the Docker daemon from the environment.
func NewDockerClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// Launch creates, attaches to and starts a container for c.
func (dl *DockerLauncher) Launch(ctx context.Context, c Command) (*Handle, error) {
	if c.Image == "" {
		return nil, errdefs.New(errdefs.CodeExecutableNotFound, "no image configured for docker launcher")
	}

	cmd := c.Args
	if c.Path != "" {
		cmd = append([]string{c.Path}, c.Args...)
	}

	binds := make([]string, 0, len(c.Mounts))
	for _, m := range c.Mounts {
		binds = append(binds, fmt.Sprintf("%s:%s", m, m))
	}

	resp, err := dl.client.ContainerCreate(ctx,
		&container.Config{
			Image:      c.Image,
			Cmd:        cmd,
			WorkingDir: c.Dir,
			Env:        c.Env,
			Labels:     map[string]string{"stagehand.staging": c.Dir},
		},
		&container.HostConfig{
			Binds:      binds,
			AutoRemove: true,
		},
		nil, nil, "")
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, errdefs.Newf(errdefs.CodeExecutableNotFound, "image not found: %s", c.Image).WithCause(err)
		}
		return nil, errdefs.New(errdefs.CodeSpawnFailed, "create container").WithCause(err)
	}

	// Attach before starting so no output is lost.
	attach, err := dl.client.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		dl.remove(resp.ID)
		return nil, errdefs.New(errdefs.CodeSpawnFailed, "attach container").WithCause(err)
	}

	if err := dl.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		dl.remove(resp.ID)
		return nil, errdefs.New(errdefs.CodeSpawnFailed, "start container").WithCause(err)
	}

	inspect, err := dl.client.ContainerInspect(ctx, resp.ID)
	if err != nil || inspect.ContainerJSONBase == nil || inspect.State == nil || inspect.State.Pid == 0 {
		attach.Close()
		dl.kill(resp.ID)
		if err == nil {
			err = fmt.Errorf("container %s has no running process", shortID(resp.ID))
		}
		return nil, errdefs.New(errdefs.CodeSpawnFailed, "inspect container").WithCause(err)
	}

	if !dl.pidVisible(inspect.State.Pid) {
		attach.Close()
		dl.kill(resp.ID)
		return nil, errdefs.Newf(errdefs.CodeSpawnFailed,
			"container pid %d is not visible on this host; the docker daemon must run locally", inspect.State.Pid).
			WithContext("container", shortID(resp.ID))
	}

	h := newHandle()
	h.PID = inspect.State.Pid
	h.ContainerID = resp.ID
	dl.logger.Printf("started container %s from %s (pid=%d)", shortID(resp.ID), c.Image, h.PID)

	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		defer attach.Close()
		stdcopy.StdCopy(h.stdout, h.stderr, attach.Reader)
	}()

	go func() {
		statusCh, errCh := dl.client.ContainerWait(context.Background(), resp.ID, container.WaitConditionRemoved)
		var exitErr error
		select {
		case err := <-errCh:
			if err != nil && !cerrdefs.IsNotFound(err) {
				exitErr = err
			}
		case status := <-statusCh:
			if status.StatusCode != 0 {
				exitErr = fmt.Errorf("container exited with code %d", status.StatusCode)
			}
		}
		<-streamDone
		dl.logger.Printf("container %s exited", shortID(resp.ID))
		h.finish(exitErr)
	}()

	return h, nil
}

// Stop kills the container. A container that is already gone is not an error.
func (dl *DockerLauncher) Stop(ctx context.Context, h *Handle) error {
	if h == nil || h.ContainerID == "" || h.Exited() {
		return nil
	}

	if err := dl.client.ContainerKill(ctx, h.ContainerID, "SIGKILL"); err != nil {
		if !cerrdefs.IsNotFound(err) && !cerrdefs.IsConflict(err) {
			dl.logger.Printf("warning: kill container %s: %v", shortID(h.ContainerID), err)
		}
	}

	select {
	case <-h.Done():
	case <-ctx.Done():
	}
	return nil
}

func (dl *DockerLauncher) kill(id string) {
	if err := dl.client.ContainerKill(context.Background(), id, "SIGKILL"); err != nil {
		dl.logger.Printf("warning: kill container %s: %v", shortID(id), err)
	}
}

func (dl *DockerLauncher) remove(id string) {
	if err := dl.client.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true}); err != nil {
		dl.logger.Printf("warning: remove container %s: %v", shortID(id), err)
	}
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
